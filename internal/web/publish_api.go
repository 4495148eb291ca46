package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/inercia/wsrelay/internal/auth"
	"github.com/inercia/wsrelay/internal/events"
	"github.com/inercia/wsrelay/internal/relay"
)

// PublishRequest is the body of POST /api/publish.
type PublishRequest struct {
	UserID   string           `json:"user_id"`
	ThreadID string           `json:"thread_id,omitempty"`
	RunID    string           `json:"run_id,omitempty"`
	Type     events.EventType `json:"type"`
	Data     json.RawMessage  `json:"data,omitempty"`
}

// PublishResponse reports how a published envelope was delivered.
type PublishResponse struct {
	RequestID string              `json:"request_id"`
	Envelope  events.Envelope     `json:"envelope"`
	Status    relay.PublishStatus `json:"status"`
	Delivered int                 `json:"delivered"`
	Failed    []relay.Failure     `json:"failed"`
}

// handlePublish lets an event source publish over HTTP.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.publishAuthorized(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="wsrelay"`)
		writeErrorJSON(w, http.StatusUnauthorized, "unauthorized", "invalid or missing publish token")
		return
	}

	var req PublishRequest
	if !parseJSONBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	payload, err := events.DecodePayload(req.Type, req.Data)
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}

	requestID := uuid.NewString()
	result, err := s.hub.Bridge().Publish(r.Context(), req.UserID, req.ThreadID, req.RunID, payload)
	if err != nil {
		switch {
		case errors.Is(err, events.ErrInvalidEnvelope), errors.Is(err, events.ErrInvalidPayload),
			errors.Is(err, events.ErrUnknownEventType):
			writeErrorJSON(w, http.StatusBadRequest, "invalid_envelope", err.Error())
		default:
			s.logger.Error("Publish failed", "request_id", requestID, "user_id", req.UserID,
				"thread_id", req.ThreadID, "error", err)
			writeErrorJSON(w, http.StatusInternalServerError, "publish_failed", "publish failed")
		}
		return
	}

	failed := result.Failed
	if failed == nil {
		failed = []relay.Failure{}
	}
	writeJSONOK(w, PublishResponse{
		RequestID: requestID,
		Envelope:  result.Envelope,
		Status:    result.Status,
		Delivered: result.Delivered,
		Failed:    failed,
	})
}

// publishAuthorized checks the bearer token in constant time.
func (s *Server) publishAuthorized(r *http.Request) bool {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" || s.config.PublishToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.config.PublishToken)) == 1
}
