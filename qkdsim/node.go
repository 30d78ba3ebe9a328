package qkdsim

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/strings1/qkd-key-provisioning/transport"
)

// KeyMode selects what a node serves from qkd_get_key.
type KeyMode int

const (
	// KeyModeBuffer serves base64-encoded raw key material (the
	// streaming/RNG protocol).
	KeyModeBuffer KeyMode = iota

	// KeyModePrivatePEM serves the PEM private key of the session keypair
	// (the sender side of the key-loading protocol).
	KeyModePrivatePEM

	// KeyModePublicPEM serves the PEM public key of the session keypair
	// (the receiver side of the key-loading protocol).
	KeyModePublicPEM
)

// ParseKeyMode maps a flag value to a KeyMode.
func ParseKeyMode(s string) (KeyMode, error) {
	switch s {
	case "buffer":
		return KeyModeBuffer, nil
	case "private-pem":
		return KeyModePrivatePEM, nil
	case "public-pem":
		return KeyModePublicPEM, nil
	}
	return 0, fmt.Errorf("unknown key mode %q", s)
}

// Wire status codes, matching the reference key-manager node.
const (
	statusOK             = 0
	statusNotConnected   = 1
	statusInvalidHandle  = 2
	statusHandleInUse    = 3
	statusPeerOrTimeout  = 4
	defaultConnectMillis = 5000
)

// Config configures a simulator node.
type Config struct {
	// Seed drives deterministic key derivation. Two nodes sharing a seed
	// produce identical key material for the same handle. At least 16
	// bytes.
	Seed []byte

	// PeerURL is the base URL of the peer node. Empty runs the node
	// standalone: open skips peer registration and connect succeeds
	// immediately.
	PeerURL string

	// KeyBytes is the size of each fetched key block. Defaults to 32.
	KeyBytes int

	// Mode selects the qkd_get_key payload. Defaults to KeyModeBuffer.
	Mode KeyMode

	// ConnectPollInterval is the peer polling cadence during
	// qkd_connect_blocking. Defaults to 100ms.
	ConnectPollInterval time.Duration

	// Transport performs peer-to-peer calls. Defaults to a 10s client.
	Transport *transport.Client

	// Log receives operational messages.
	Log *slog.Logger
}

// conn is the per-handle connection state, the reference node's global
// dict made an explicit, mutex-guarded value.
type conn struct {
	localConnected bool
	peerConnected  bool
	fetches        int
}

// Node is one QKD key-manager party.
type Node struct {
	cfg       Config
	transport *transport.Client
	log       *slog.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

// NewNode creates a simulator node from the given configuration.
func NewNode(cfg Config) (*Node, error) {
	if len(cfg.Seed) < 16 {
		return nil, errors.New("seed must be at least 16 bytes")
	}
	if cfg.KeyBytes <= 0 {
		cfg.KeyBytes = 32
	}
	if cfg.ConnectPollInterval <= 0 {
		cfg.ConnectPollInterval = 100 * time.Millisecond
	}

	tr := cfg.Transport
	if tr == nil {
		tr = transport.NewClient(10 * time.Second)
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	return &Node{
		cfg:       cfg,
		transport: tr,
		log:       log,
		conns:     make(map[string]*conn),
	}, nil
}

// RegisterRoutes mounts the key-manager protocol endpoints on mux.
func (n *Node) RegisterRoutes(mux chi.Router) {
	mux.Post("/qkd_open", n.HandleOpen)
	mux.Post("/qkd_register_peer", n.HandleRegisterPeer)
	mux.Post("/qkd_connect_blocking", n.HandleConnectBlocking)
	mux.Post("/qkd_connect_peer", n.HandleConnectPeer)
	mux.Post("/qkd_check_peer_connection", n.HandleCheckPeerConnection)
	mux.Post("/qkd_get_key", n.HandleGetKey)
	mux.Post("/qkd_close", n.HandleClose)
	mux.Post("/qkd_close_peer", n.HandleClosePeer)
}

// request is the union of all request bodies the protocol uses. The
// handle may arrive as a string or an integer.
type request struct {
	KeyHandle       json.RawMessage `json:"key_handle"`
	RequestedLength int             `json:"requested_length"`
	Timeout         int             `json:"timeout"`
}

func (r *request) handle() string {
	if len(r.KeyHandle) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.KeyHandle, &s); err == nil {
		return s
	}
	var i int64
	if err := json.Unmarshal(r.KeyHandle, &i); err == nil {
		return strconv.FormatInt(i, 10)
	}
	return ""
}

type statusResponse struct {
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

type openResponse struct {
	KeyHandle string `json:"key_handle"`
	Status    int    `json:"status"`
}

type keyResponse struct {
	KeyBuffer string `json:"key_buffer"`
	Status    int    `json:"status"`
}

type peerStateResponse struct {
	PeerConnected bool `json:"peer_connected"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeRequest(r *http.Request) (*request, error) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// HandleOpen issues a new handle (or honors a client-suggested one),
// derives the session key state, and registers the handle with the peer.
// A peer failure rolls the handle back.
func (n *Node) HandleOpen(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: statusInvalidHandle, Error: "invalid request body"})
		return
	}

	handle := req.handle()
	n.mu.Lock()
	if handle != "" {
		if _, exists := n.conns[handle]; exists {
			n.mu.Unlock()
			writeJSON(w, http.StatusBadRequest, statusResponse{Status: statusHandleInUse, Error: "key_handle already in use"})
			return
		}
	} else {
		handle = uuid.NewString()
	}
	n.conns[handle] = &conn{}
	n.mu.Unlock()

	if n.cfg.PeerURL != "" {
		body := fmt.Sprintf(`{"key_handle": %s, "requested_length": %d}`, strconv.Quote(handle), n.cfg.KeyBytes*8)
		_, err := n.transport.Post(r.Context(), n.cfg.PeerURL+"/qkd_register_peer", []byte(body))
		if err != nil {
			n.dropHandle(handle)
			var statusErr *transport.StatusError
			if errors.As(err, &statusErr) {
				writeJSON(w, http.StatusBadRequest, statusResponse{Status: statusPeerOrTimeout, Error: "PEER_REGISTRATION_FAILED"})
			} else {
				writeJSON(w, http.StatusBadRequest, statusResponse{Status: statusPeerOrTimeout, Error: "PEER_UNREACHABLE"})
			}
			return
		}
	}

	n.log.Info("opened qkd handle", "handle", handle)
	writeJSON(w, http.StatusOK, openResponse{KeyHandle: handle, Status: statusOK})
}

// HandleRegisterPeer mirrors a handle opened on the peer node.
func (n *Node) HandleRegisterPeer(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil || req.handle() == "" {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: statusInvalidHandle, Error: "invalid request body"})
		return
	}
	handle := req.handle()

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.conns[handle]; exists {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: statusHandleInUse, Error: "key_handle already in use"})
		return
	}
	n.conns[handle] = &conn{}
	writeJSON(w, http.StatusOK, statusResponse{Status: statusOK})
}

// HandleConnectBlocking marks the local side connected and blocks until
// the peer confirms or the requested timeout elapses. Without a peer the
// handshake completes immediately.
func (n *Node) HandleConnectBlocking(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: statusInvalidHandle, Error: "invalid request body"})
		return
	}
	handle := req.handle()

	n.mu.Lock()
	c, ok := n.conns[handle]
	if !ok {
		n.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: statusInvalidHandle, Error: "Invalid key_handle"})
		return
	}
	c.localConnected = true
	n.mu.Unlock()

	if n.cfg.PeerURL == "" {
		writeJSON(w, http.StatusOK, statusResponse{Status: statusOK})
		return
	}

	timeout := time.Duration(req.Timeout) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultConnectMillis * time.Millisecond
	}

	if n.connectPeer(r.Context(), handle, timeout) {
		n.mu.Lock()
		c.peerConnected = true
		n.mu.Unlock()
		writeJSON(w, http.StatusOK, statusResponse{Status: statusOK})
		return
	}

	n.mu.Lock()
	c.localConnected = false
	n.mu.Unlock()
	writeJSON(w, http.StatusBadRequest, statusResponse{Status: statusPeerOrTimeout, Error: "TIMEOUT_ERROR"})
}

// connectPeer polls the peer's qkd_connect_peer endpoint until it
// acknowledges the handle or the timeout elapses.
func (n *Node) connectPeer(ctx context.Context, handle string, timeout time.Duration) bool {
	body := fmt.Sprintf(`{"key_handle": %s}`, strconv.Quote(handle))
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := n.transport.Post(ctx, n.cfg.PeerURL+"/qkd_connect_peer", []byte(body)); err == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(n.cfg.ConnectPollInterval):
		}
	}
	return false
}

// HandleConnectPeer records that the peer side of a handle connected.
func (n *Node) HandleConnectPeer(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: statusInvalidHandle, Error: "invalid request body"})
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.conns[req.handle()]
	if !ok {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: statusInvalidHandle, Error: "Invalid key_handle"})
		return
	}
	c.peerConnected = true
	writeJSON(w, http.StatusOK, statusResponse{Status: statusOK})
}

// HandleCheckPeerConnection reports whether this node's side of the
// handle has connected, for the peer's polling loop.
func (n *Node) HandleCheckPeerConnection(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, peerStateResponse{PeerConnected: false})
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.conns[req.handle()]
	if !ok {
		writeJSON(w, http.StatusBadRequest, peerStateResponse{PeerConnected: false})
		return
	}
	writeJSON(w, http.StatusOK, peerStateResponse{PeerConnected: c.localConnected})
}

// HandleGetKey serves key material for a connected handle: base64 bytes
// in buffer mode, a PEM key in the key-loading modes.
func (n *Node) HandleGetKey(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: statusInvalidHandle, Error: "invalid request body"})
		return
	}
	handle := req.handle()

	n.mu.Lock()
	c, ok := n.conns[handle]
	if !ok {
		n.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: statusInvalidHandle, Error: "Invalid key_handle"})
		return
	}
	if !c.localConnected {
		n.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: statusNotConnected, Error: "Not connected"})
		return
	}
	fetch := c.fetches
	c.fetches++
	n.mu.Unlock()

	switch n.cfg.Mode {
	case KeyModeBuffer:
		key := n.deriveKey(handle, fetch)
		writeJSON(w, http.StatusOK, keyResponse{KeyBuffer: base64.StdEncoding.EncodeToString(key), Status: statusOK})
	case KeyModePrivatePEM, KeyModePublicPEM:
		pemText, err := n.sessionKeyPEM(handle)
		if err != nil {
			n.log.Error("could not derive session keypair", "handle", handle, "err", err)
			writeJSON(w, http.StatusInternalServerError, statusResponse{Status: statusNotConnected, Error: "key derivation failed"})
			return
		}
		writeJSON(w, http.StatusOK, keyResponse{KeyBuffer: pemText, Status: statusOK})
	}
}

// HandleClose drops the handle and notifies the peer best-effort.
func (n *Node) HandleClose(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: statusInvalidHandle, Error: "invalid request body"})
		return
	}
	handle := req.handle()

	n.mu.Lock()
	_, ok := n.conns[handle]
	if !ok {
		n.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: statusInvalidHandle, Error: "Invalid key_handle"})
		return
	}
	delete(n.conns, handle)
	n.mu.Unlock()

	if n.cfg.PeerURL != "" {
		body := fmt.Sprintf(`{"key_handle": %s}`, strconv.Quote(handle))
		if _, err := n.transport.Post(r.Context(), n.cfg.PeerURL+"/qkd_close_peer", []byte(body)); err != nil {
			n.log.Debug("peer close notification failed", "handle", handle, "err", err)
		}
	}

	n.log.Info("closed qkd handle", "handle", handle)
	writeJSON(w, http.StatusOK, statusResponse{Status: statusOK})
}

// HandleClosePeer drops a handle on behalf of the peer. Always succeeds.
func (n *Node) HandleClosePeer(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err == nil {
		n.dropHandle(req.handle())
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: statusOK})
}

func (n *Node) dropHandle(handle string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, handle)
}
