package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostSuccess(t *testing.T) {
	var gotContentType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Write([]byte(`{"status": 0}`))
	}))
	defer srv.Close()

	client := NewClient(5 * time.Second)
	resp, err := client.Post(context.Background(), srv.URL+"/qkd_open", []byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, `{"status": 0}`, string(resp))
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "{}", gotBody)
}

func TestPostNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"status": 4, "error": "boom"}`))
	}))
	defer srv.Close()

	client := NewClient(5 * time.Second)
	_, err := client.Post(context.Background(), srv.URL, []byte("{}"))
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
	assert.Contains(t, string(statusErr.Body), "boom")
}

func TestPostTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	client := NewClient(50 * time.Millisecond)
	_, err := client.Post(context.Background(), srv.URL, []byte("{}"))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestPostContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewClient(0)
	_, err := client.Post(ctx, srv.URL, []byte("{}"))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestPostConnectionFailed(t *testing.T) {
	// A server that is already closed refuses connections.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := NewClient(time.Second)
	_, err := client.Post(context.Background(), srv.URL, []byte("{}"))
	require.Error(t, err)

	var statusErr *StatusError
	assert.False(t, errors.As(err, &statusErr), "connection failures are not status errors")
}
