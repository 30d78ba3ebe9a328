package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// ErrTimeout is returned when a request exceeds its deadline, either the
// client-level timeout or a context deadline. qkd_connect_blocking may
// legitimately take a long time on the remote side, so callers choose
// their own deadlines per call.
var ErrTimeout = errors.New("qkd request timed out")

// StatusError reports a non-200 response from the key manager. The
// response body is attached for diagnostics.
type StatusError struct {
	Code int
	Body []byte
}

// Error returns the status code and response body.
func (e *StatusError) Error() string {
	return fmt.Sprintf("key manager returned %d: %s", e.Code, string(e.Body))
}

// Client issues blocking JSON POST requests against a key-manager
// service. The zero value is usable and falls back to http.DefaultClient.
type Client struct {
	// HTTPClient performs the requests. When nil, http.DefaultClient is
	// used.
	HTTPClient *http.Client

	// UserAgent overrides the User-Agent header when non-empty.
	UserAgent string
}

// DefaultUserAgent is sent with every request unless overridden.
const DefaultUserAgent = "qkd-key-provisioning/1.0"

// NewClient creates a Client with the given request timeout. A zero
// timeout disables the client-level deadline; callers then bound
// individual requests through their context.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: timeout},
		UserAgent:  DefaultUserAgent,
	}
}

// Post sends body to url with Content-Type application/json and returns
// the complete response body. Any status other than 200 is an error: the
// body is attached in a *StatusError. Timeouts surface as ErrTimeout.
func (c *Client) Post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	ua := c.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	req.Header.Set("User-Agent", ua)

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("could not request key manager: %w", ErrTimeout)
		}
		return nil, fmt.Errorf("could not request key manager: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("could not read key manager response: %w", ErrTimeout)
		}
		return nil, fmt.Errorf("could not read key manager response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: respBody}
	}

	return respBody, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
