package session

import (
	"github.com/strings1/qkd-key-provisioning/wire"
)

// State tracks where a session is in its lifecycle.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Session is a live association with a key-manager endpoint, identified
// by the opaque handle the service issued. A handle is never reused
// after close.
type Session struct {
	handle   wire.Handle
	endpoint string
	state    State
}

// Handle returns the service-issued handle value.
func (s *Session) Handle() string { return s.handle.Value }

// Endpoint returns the base URL this session was opened against.
func (s *Session) Endpoint() string { return s.endpoint }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// RequestPayload builds the {"key_handle": <handle>} body for follow-up
// operations, echoing the handle in the form the service issued it.
func (s *Session) RequestPayload() []byte { return s.handle.MarshalRequest() }
