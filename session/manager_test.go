package session

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strings1/qkd-key-provisioning/wire"
)

// recordingService scripts one response per endpoint and records every
// request it receives.
type recordingService struct {
	mu        sync.Mutex
	responses map[string]func(w http.ResponseWriter)
	calls     []recordedCall
}

type recordedCall struct {
	path string
	body string
}

func newRecordingService() *recordingService {
	return &recordingService{responses: map[string]func(w http.ResponseWriter){}}
}

func (s *recordingService) respond(path, body string) {
	s.responses[path] = func(w http.ResponseWriter) { w.Write([]byte(body)) }
}

func (s *recordingService) fail(path string, code int, body string) {
	s.responses[path] = func(w http.ResponseWriter) {
		w.WriteHeader(code)
		w.Write([]byte(body))
	}
}

func (s *recordingService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.calls = append(s.calls, recordedCall{path: r.URL.Path, body: string(body)})
	respond, ok := s.responses[r.URL.Path]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	respond(w)
}

func (s *recordingService) callsTo(path string) []recordedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []recordedCall
	for _, c := range s.calls {
		if c.path == path {
			out = append(out, c)
		}
	}
	return out
}

func newTestManager(t *testing.T, svc *recordingService) (*Manager, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)
	mgr, err := NewManager(srv.URL, nil)
	require.NoError(t, err)
	return mgr, srv
}

func TestNewManagerEmptyEndpoint(t *testing.T) {
	_, err := NewManager("", nil)
	assert.ErrorIs(t, err, ErrEmptyEndpoint)
}

func TestDial(t *testing.T) {
	svc := newRecordingService()
	svc.respond("/qkd_open", `{"status": 0, "key_handle": "h-1"}`)
	svc.respond("/qkd_connect_blocking", `{"status": 0}`)
	mgr, _ := newTestManager(t, svc)

	sess, err := mgr.Dial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "h-1", sess.Handle())
	assert.Equal(t, StateOpen, sess.State())

	connects := svc.callsTo("/qkd_connect_blocking")
	require.Len(t, connects, 1)
	assert.Equal(t, `{"key_handle": "h-1"}`, connects[0].body)
}

func TestOpenMissingHandle(t *testing.T) {
	svc := newRecordingService()
	svc.respond("/qkd_open", `{}`)
	mgr, _ := newTestManager(t, svc)

	_, err := mgr.Open(context.Background())
	require.Error(t, err)

	var sessErr *Error
	require.ErrorAs(t, err, &sessErr)
	assert.Equal(t, PhaseOpen, sessErr.Phase)
	assert.ErrorIs(t, err, wire.ErrFieldMissing)
}

func TestConnectFailureReleasesHandle(t *testing.T) {
	svc := newRecordingService()
	svc.respond("/qkd_open", `{"key_handle": "h-7"}`)
	svc.fail("/qkd_connect_blocking", http.StatusInternalServerError, `{"status": 4, "message": "TIMEOUT_ERROR"}`)
	svc.respond("/qkd_close", `{"status": 0}`)
	mgr, _ := newTestManager(t, svc)

	_, err := mgr.Dial(context.Background())
	require.Error(t, err)

	var sessErr *Error
	require.ErrorAs(t, err, &sessErr)
	assert.Equal(t, PhaseConnect, sessErr.Phase)

	// The handle obtained during open must be released even though the
	// connect failed, so the service is not left holding an orphan.
	closes := svc.callsTo("/qkd_close")
	require.Len(t, closes, 1)
	assert.Equal(t, `{"key_handle": "h-7"}`, closes[0].body)
}

func TestConnectFailureCleanupErrorIsSwallowed(t *testing.T) {
	svc := newRecordingService()
	svc.respond("/qkd_open", `{"key_handle": "h-7"}`)
	svc.fail("/qkd_connect_blocking", http.StatusInternalServerError, `{"status": 1}`)
	svc.fail("/qkd_close", http.StatusInternalServerError, `{"status": 2}`)
	mgr, _ := newTestManager(t, svc)

	_, err := mgr.Dial(context.Background())
	var sessErr *Error
	require.ErrorAs(t, err, &sessErr)

	// The primary error is the connect failure, not the cleanup one.
	assert.Equal(t, PhaseConnect, sessErr.Phase)
}

func TestFetch(t *testing.T) {
	svc := newRecordingService()
	svc.respond("/qkd_open", `{"key_handle": "h-1"}`)
	svc.respond("/qkd_connect_blocking", `{"status": 0}`)
	svc.respond("/qkd_get_key", `{"status": 0, "key_buffer": "a2V5bWF0ZXJpYWw="}`)
	mgr, _ := newTestManager(t, svc)

	sess, err := mgr.Dial(context.Background())
	require.NoError(t, err)

	key, err := mgr.Fetch(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, []byte("keymaterial"), key)
}

func TestFetchEmptyKey(t *testing.T) {
	svc := newRecordingService()
	svc.respond("/qkd_open", `{"key_handle": "h-1"}`)
	svc.respond("/qkd_connect_blocking", `{"status": 0}`)
	svc.respond("/qkd_get_key", `{"status": 0, "key_buffer": ""}`)
	mgr, _ := newTestManager(t, svc)

	sess, err := mgr.Dial(context.Background())
	require.NoError(t, err)

	_, err = mgr.Fetch(context.Background(), sess)
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestFetchOnClosedSession(t *testing.T) {
	mgr, err := NewManager("http://127.0.0.1:1", nil)
	require.NoError(t, err)

	_, err = mgr.Fetch(context.Background(), &Session{})
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = mgr.Fetch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	svc := newRecordingService()
	svc.respond("/qkd_open", `{"key_handle": "h-1"}`)
	svc.respond("/qkd_connect_blocking", `{"status": 0}`)
	svc.respond("/qkd_close", `{"status": 0}`)
	mgr, _ := newTestManager(t, svc)

	sess, err := mgr.Dial(context.Background())
	require.NoError(t, err)

	mgr.Close(context.Background(), sess)
	assert.Equal(t, StateClosed, sess.State())
	assert.Empty(t, sess.Handle())

	// A second close is a no-op with no network call.
	mgr.Close(context.Background(), sess)
	assert.Len(t, svc.callsTo("/qkd_close"), 1)
}

func TestCloseSwallowsServiceError(t *testing.T) {
	svc := newRecordingService()
	svc.respond("/qkd_open", `{"key_handle": "h-1"}`)
	svc.respond("/qkd_connect_blocking", `{"status": 0}`)
	svc.fail("/qkd_close", http.StatusInternalServerError, `{"status": 2}`)
	mgr, _ := newTestManager(t, svc)

	sess, err := mgr.Dial(context.Background())
	require.NoError(t, err)

	// The handle is dropped locally even when the service refuses.
	mgr.Close(context.Background(), sess)
	assert.Equal(t, StateClosed, sess.State())
}

func TestNumericHandleEchoedUnquoted(t *testing.T) {
	svc := newRecordingService()
	svc.respond("/qkd_open", `{"key_handle": 7}`)
	svc.respond("/qkd_connect_blocking", `{"status": 0}`)
	mgr, _ := newTestManager(t, svc)

	sess, err := mgr.Dial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "7", sess.Handle())

	connects := svc.callsTo("/qkd_connect_blocking")
	require.Len(t, connects, 1)
	assert.Equal(t, `{"key_handle": 7}`, connects[0].body)
}

func TestAdopt(t *testing.T) {
	mgr, err := NewManager("http://127.0.0.1:1", nil)
	require.NoError(t, err)

	sess := mgr.Adopt("shared-handle")
	assert.Equal(t, "shared-handle", sess.Handle())
	assert.Equal(t, StateOpen, sess.State())
	assert.Equal(t, `{"key_handle": "shared-handle"}`, string(sess.RequestPayload()))
}
