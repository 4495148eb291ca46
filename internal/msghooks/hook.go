package msghooks

import (
	"path/filepath"
	"slices"
	"strings"
)

// applyDefaults fills the optional fields left unset in the hook file.
func (h *Hook) applyDefaults() {
	if h.Enabled == nil {
		enabled := true
		h.Enabled = &enabled
	}
	if h.Timeout <= 0 {
		h.Timeout = Duration(DefaultTimeout)
	}
	if h.Priority == 0 {
		h.Priority = DefaultPriority
	}
	if h.Output == "" {
		h.Output = DefaultOutput
	}
	if h.OnError == "" {
		h.OnError = DefaultErrorHandle
	}
}

// ShouldApply reports whether the hook handles a frame of msgType from
// userID. A hook with enabled: false matches nothing.
func (h *Hook) ShouldApply(msgType, userID string) bool {
	switch {
	case h.Enabled != nil && !*h.Enabled:
		return false
	case len(h.Types) > 0 && !slices.Contains(h.Types, msgType):
		return false
	case len(h.Users) > 0 && !slices.Contains(h.Users, userID):
		return false
	}
	return true
}

// ResolveCommand anchors "./" and "../" commands at the hook file's
// directory. Other commands are looked up in PATH.
func (h *Hook) ResolveCommand() string {
	for _, prefix := range []string{"./", "../"} {
		if strings.HasPrefix(h.Command, prefix) {
			return filepath.Join(h.HookDir, h.Command)
		}
	}
	return h.Command
}
