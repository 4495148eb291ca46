// Package events defines the immutable event envelope that flows from agent
// execution to WebSocket connections.
//
// # Envelope
//
// An Envelope carries a closed EventType, routing keys (user, thread, run), a
// sequence number and a typed Payload. It can only be built with NewEnvelope,
// which validates the payload at construction time rather than at send time.
//
// # Wire format
//
// Envelopes encode as:
//
//	{
//	    "type": "tool_executing",
//	    "user_id": "u-1",
//	    "thread_id": "t-1",
//	    "run_id": "r-1",
//	    "sequence_number": 3,
//	    "timestamp": "2026-01-02T15:04:05.999999999Z",
//	    "data": { ... }
//	}
//
// # Ordering
//
// Sequencer hands out numbers per (user, thread) Key. Numbers start at 1 and
// are strictly increasing with no gaps; a gap observed by a consumer means an
// event was dropped on the way.
package events
