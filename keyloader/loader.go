package keyloader

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/strings1/qkd-key-provisioning/session"
	"github.com/strings1/qkd-key-provisioning/transport"
	"github.com/strings1/qkd-key-provisioning/wire"
)

var (
	// ErrNoSession is returned when key loading is attempted without an
	// open session. Unlike the streaming path, key loading is driven by an
	// explicit prior control command, so there is no lazy session here.
	ErrNoSession = errors.New("no open qkd session")

	// ErrInvalidPEM is returned when the fetched payload does not decode
	// to a usable key. The session stays open; it may back further reads.
	ErrInvalidPEM = errors.New("invalid pem key material")
)

// Loader retrieves PEM-encoded asymmetric keys through an existing
// session. In the two-party configuration the private key comes from the
// sender endpoint and the public key from the receiver endpoint, both
// under the same handle.
type Loader struct {
	// Transport performs the HTTP exchanges. When nil a default client is
	// used.
	Transport *transport.Client

	// RequestTimeout bounds each fetch. Zero means 30 seconds.
	RequestTimeout time.Duration
}

// PrivateKey fetches and decodes a private key from the given endpoint.
func (l *Loader) PrivateKey(ctx context.Context, endpoint string, sess *session.Session) (crypto.PrivateKey, error) {
	der, err := l.fetchKeyDER(ctx, endpoint, sess)
	if err != nil {
		return nil, err
	}

	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPEM, err)
	}
	return key, nil
}

// PublicKey fetches and decodes a public key from the given endpoint.
func (l *Loader) PublicKey(ctx context.Context, endpoint string, sess *session.Session) (crypto.PublicKey, error) {
	der, err := l.fetchKeyDER(ctx, endpoint, sess)
	if err != nil {
		return nil, err
	}

	if key, err := x509.ParsePKIXPublicKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPEM, err)
	}
	return key, nil
}

// fetchKeyDER performs the qkd_get_key exchange and peels the PEM
// armor, returning the inner DER bytes.
func (l *Loader) fetchKeyDER(ctx context.Context, endpoint string, sess *session.Session) ([]byte, error) {
	if sess == nil || sess.State() != session.StateOpen {
		return nil, ErrNoSession
	}
	if endpoint == "" {
		return nil, session.ErrEmptyEndpoint
	}

	timeout := l.RequestTimeout
	if timeout <= 0 {
		timeout = session.DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tr := l.Transport
	if tr == nil {
		tr = transport.NewClient(0)
	}

	body, err := tr.Post(ctx, endpoint+"/qkd_get_key", sess.RequestPayload())
	if err != nil {
		return nil, fmt.Errorf("could not fetch key: %w", err)
	}

	pemText, err := wire.ExtractPEM(body)
	if err != nil {
		return nil, fmt.Errorf("could not decode key response: %w", err)
	}

	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("%w: no pem block found", ErrInvalidPEM)
	}
	return block.Bytes, nil
}
