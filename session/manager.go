package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/strings1/qkd-key-provisioning/transport"
	"github.com/strings1/qkd-key-provisioning/wire"
)

// Phase names the protocol step a session error occurred in.
type Phase string

const (
	PhaseOpen    Phase = "open"
	PhaseConnect Phase = "connect"
	PhaseFetch   Phase = "fetch"
)

// Error wraps a transport or decode failure with the protocol phase it
// occurred in, so callers can decide whether to retry the whole session
// or abandon it.
type Error struct {
	Phase Phase
	Err   error
}

// Error returns the phase and the underlying error.
func (e *Error) Error() string { return fmt.Sprintf("qkd %s: %v", e.Phase, e.Err) }

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

var (
	// ErrEmptyKey is returned when the service responds with zero bytes of
	// key material. Zero bytes is never useful, so a successful fetch
	// always carries at least one byte.
	ErrEmptyKey = errors.New("key manager returned empty key material")

	// ErrSessionClosed is returned when an operation is attempted on a
	// session that has already been closed.
	ErrSessionClosed = errors.New("session is closed")

	// ErrEmptyEndpoint is returned by NewManager for an empty base URL.
	ErrEmptyEndpoint = errors.New("key manager endpoint is empty")
)

// Default per-call deadlines. Connect gets a longer window because the
// remote side performs the QKD handshake synchronously inside
// qkd_connect_blocking.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultConnectTimeout = 2 * time.Minute
)

// Manager owns the open/connect/fetch/close protocol against one
// key-manager endpoint. Fields may be adjusted before first use; the
// zero values fall back to sensible defaults.
type Manager struct {
	// Endpoint is the base URL of the key-manager service.
	Endpoint string

	// Transport performs the HTTP exchanges. When nil a client without a
	// client-level timeout is used, leaving deadlines to this manager.
	Transport *transport.Client

	// RequestTimeout bounds open, fetch and close calls.
	RequestTimeout time.Duration

	// ConnectTimeout bounds the blocking connect call.
	ConnectTimeout time.Duration

	// Log receives cleanup diagnostics. When nil, cleanup failures are
	// silently discarded.
	Log *slog.Logger
}

// NewManager creates a Manager for the given endpoint. The endpoint is
// an opaque base URL, validated only for non-emptiness.
func NewManager(endpoint string, log *slog.Logger) (*Manager, error) {
	if endpoint == "" {
		return nil, ErrEmptyEndpoint
	}
	return &Manager{
		Endpoint:  endpoint,
		Transport: transport.NewClient(0),
		Log:       log,
	}, nil
}

// Open requests a new session handle from the service. The returned
// session is in StateOpening until Connect succeeds.
func (m *Manager) Open(ctx context.Context) (*Session, error) {
	body, err := m.post(ctx, "/qkd_open", []byte("{}"), m.requestTimeout())
	if err != nil {
		return nil, &Error{Phase: PhaseOpen, Err: err}
	}

	handle, err := wire.ExtractHandle(body)
	if err != nil {
		return nil, &Error{Phase: PhaseOpen, Err: err}
	}

	return &Session{handle: handle, endpoint: m.Endpoint, state: StateOpening}, nil
}

// Connect performs the blocking QKD handshake for an opened session. If
// the handshake fails, the handle obtained from Open is released with a
// best-effort close so the remote service is not left holding an
// orphaned handle; the cleanup result is logged and discarded, and the
// primary connect error is returned.
func (m *Manager) Connect(ctx context.Context, s *Session) error {
	if s == nil || s.state == StateClosed {
		return &Error{Phase: PhaseConnect, Err: ErrSessionClosed}
	}

	_, err := m.post(ctx, "/qkd_connect_blocking", s.RequestPayload(), m.connectTimeout())
	if err != nil {
		s.state = StateFailed
		m.cleanupClose(ctx, s)
		return &Error{Phase: PhaseConnect, Err: err}
	}

	s.state = StateOpen
	return nil
}

// Dial opens a session and completes the connect handshake.
func (m *Manager) Dial(ctx context.Context) (*Session, error) {
	s, err := m.Open(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.Connect(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Fetch retrieves a fresh block of key material for the session. An
// empty key_buffer is ErrEmptyKey, never a zero-length success.
func (m *Manager) Fetch(ctx context.Context, s *Session) ([]byte, error) {
	if s == nil || s.state == StateClosed {
		return nil, &Error{Phase: PhaseFetch, Err: ErrSessionClosed}
	}

	body, err := m.post(ctx, "/qkd_get_key", s.RequestPayload(), m.requestTimeout())
	if err != nil {
		return nil, &Error{Phase: PhaseFetch, Err: err}
	}

	key, err := wire.ExtractKeyBytes(body)
	if err != nil {
		return nil, &Error{Phase: PhaseFetch, Err: err}
	}
	if len(key) == 0 {
		return nil, &Error{Phase: PhaseFetch, Err: ErrEmptyKey}
	}
	return key, nil
}

// Close releases the session handle. The close exchange is best-effort:
// its result is discarded and the local handle is dropped regardless.
// Closing an already-closed session is a no-op with no network call.
func (m *Manager) Close(ctx context.Context, s *Session) {
	if s == nil || s.state == StateClosed || s.handle.Value == "" {
		return
	}

	s.state = StateClosing
	if _, err := m.post(ctx, "/qkd_close", s.RequestPayload(), m.requestTimeout()); err != nil {
		m.logger().Debug("qkd close failed", "handle", s.handle.Value, "err", err)
	}
	s.handle = wire.Handle{}
	s.state = StateClosed
}

// Adopt wraps a handle issued by another party into an open session
// against this manager's endpoint. In the two-party configuration the
// receiver node registers the sender's handle, so the same handle is
// valid on both endpoints.
func (m *Manager) Adopt(handle string) *Session {
	return &Session{
		handle:   wire.Handle{Value: handle},
		endpoint: m.Endpoint,
		state:    StateOpen,
	}
}

// cleanupClose releases a handle after a failed connect. Errors here are
// intentionally swallowed: the primary failure has already been decided
// and must not be masked by the cleanup attempt.
func (m *Manager) cleanupClose(ctx context.Context, s *Session) {
	if _, err := m.post(ctx, "/qkd_close", s.RequestPayload(), m.requestTimeout()); err != nil {
		m.logger().Warn("cleanup close after failed connect", "handle", s.handle.Value, "err", err)
	}
	s.handle = wire.Handle{}
	s.state = StateClosed
}

func (m *Manager) post(ctx context.Context, path string, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if m.Transport == nil {
		m.Transport = transport.NewClient(0)
	}
	return m.Transport.Post(ctx, m.Endpoint+path, payload)
}

func (m *Manager) requestTimeout() time.Duration {
	if m.RequestTimeout > 0 {
		return m.RequestTimeout
	}
	return DefaultRequestTimeout
}

func (m *Manager) connectTimeout() time.Duration {
	if m.ConnectTimeout > 0 {
		return m.ConnectTimeout
	}
	return DefaultConnectTimeout
}

func (m *Manager) logger() *slog.Logger {
	if m.Log != nil {
		return m.Log
	}
	return slog.New(slog.DiscardHandler)
}
