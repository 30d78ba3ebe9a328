package keystream

import (
	"context"
	"sync"

	"github.com/strings1/qkd-key-provisioning/session"
)

// Reader pulls key material from a session manager and serves it in
// caller-sized chunks. The first read lazily opens and connects a
// session. A Reader is safe for use by a single goroutine per instance;
// the internal mutex additionally allows one Reader to be intentionally
// shared.
type Reader struct {
	mu      sync.Mutex
	mgr     *session.Manager
	sess    *session.Session
	buf     []byte
	pos     int
	lastErr error
}

// NewReader creates a Reader backed by the given session manager. No
// network activity happens until the first read.
func NewReader(mgr *session.Manager) *Reader {
	return &Reader{mgr: mgr}
}

// Read fills p completely with key material, fetching from the service
// as many times as needed. On success it returns exactly len(p) bytes.
// If a fetch fails after some bytes were already copied, Read returns
// the partial count alongside the error; a caller seeing n < len(p) with
// a non-nil error holds a partial result, never a silent short success.
func (r *Reader) Read(p []byte) (int, error) {
	return r.ReadContext(context.Background(), p)
}

// ReadContext is Read with a caller-supplied context for cancellation.
func (r *Reader) ReadContext(ctx context.Context, p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := 0
	for copied < len(p) {
		if r.pos >= len(r.buf) {
			if err := r.refill(ctx); err != nil {
				r.lastErr = err
				return copied, err
			}
		}
		n := copy(p[copied:], r.buf[r.pos:])
		r.pos += n
		copied += n
	}
	r.lastErr = nil
	return copied, nil
}

// Fill implements the boolean RNG-facing contract: it reports true when
// at least one byte was produced, mirroring the tolerance of the
// consuming interface for partial fulfillment. The structured error
// behind a failure remains available through LastErr.
func (r *Reader) Fill(p []byte) bool {
	n, err := r.Read(p)
	return err == nil || n > 0
}

// LastErr returns the error from the most recent failed read, or nil if
// the last read succeeded.
func (r *Reader) LastErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Close releases the session and discards buffered key material. The
// Reader may be reused afterwards; the next read opens a fresh session.
func (r *Reader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sess != nil {
		r.mgr.Close(context.Background(), r.sess)
		r.sess = nil
	}
	r.discard()
}

// refill replaces the exhausted buffer with freshly fetched material,
// dialing a session first if none is live yet.
func (r *Reader) refill(ctx context.Context) error {
	if r.sess == nil || r.sess.State() != session.StateOpen {
		sess, err := r.mgr.Dial(ctx)
		if err != nil {
			return err
		}
		r.sess = sess
	}

	key, err := r.mgr.Fetch(ctx, r.sess)
	if err != nil {
		return err
	}

	r.discard()
	r.buf = key
	return nil
}

// discard zeroes and drops the current buffer. Key material is not left
// lying around in freed memory.
func (r *Reader) discard() {
	for i := range r.buf {
		r.buf[i] = 0
	}
	r.buf = nil
	r.pos = 0
}
