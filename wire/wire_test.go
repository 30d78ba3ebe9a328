package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractHandleString(t *testing.T) {
	h, err := ExtractHandle([]byte(`{"key_handle": "abc-123", "status": 0}`))
	require.NoError(t, err)
	assert.Equal(t, "abc-123", h.Value)
	assert.False(t, h.Numeric)
	assert.Equal(t, `{"key_handle": "abc-123"}`, string(h.MarshalRequest()))
}

func TestExtractHandleInteger(t *testing.T) {
	h, err := ExtractHandle([]byte(`{"key_handle": 42}`))
	require.NoError(t, err)
	assert.Equal(t, "42", h.Value)
	assert.True(t, h.Numeric)

	// Numeric handles are echoed back unquoted.
	assert.Equal(t, `{"key_handle": 42}`, string(h.MarshalRequest()))
}

func TestExtractHandleMissing(t *testing.T) {
	_, err := ExtractHandle([]byte(`{"status": 0}`))
	assert.ErrorIs(t, err, ErrFieldMissing)
}

func TestExtractHandleMalformed(t *testing.T) {
	for _, body := range []string{
		`{"key_handle": }`,
		`{"key_handle" "x"}`,
		`{"key_handle": "unterminated`,
		`{"key_handle": 12abc}`,
		`{"key_handle": ""}`,
		`{"key_handle": 42`,
	} {
		_, err := ExtractHandle([]byte(body))
		assert.ErrorIs(t, err, ErrMalformed, "body: %s", body)
	}
}

func TestExtractKeyBytesRoundTrip(t *testing.T) {
	key, err := ExtractKeyBytes([]byte(`{"key_buffer": "QUJD"}`))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x41, 0x42, 0x43}, key)
}

func TestExtractKeyBytesInvalidBase64(t *testing.T) {
	key, err := ExtractKeyBytes([]byte(`{"key_buffer": "!!!"}`))
	assert.ErrorIs(t, err, ErrBase64Invalid)
	assert.Nil(t, key, "no truncated partial result on decode failure")
}

func TestExtractKeyBytesBadPadding(t *testing.T) {
	_, err := ExtractKeyBytes([]byte(`{"key_buffer": "QUJ"}`))
	assert.ErrorIs(t, err, ErrBase64Invalid)
}

func TestExtractKeyBytesEmptyPayload(t *testing.T) {
	// Syntactically valid; the session layer decides that zero bytes of
	// key material is an error.
	key, err := ExtractKeyBytes([]byte(`{"key_buffer": ""}`))
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestExtractKeyBytesNotAString(t *testing.T) {
	_, err := ExtractKeyBytes([]byte(`{"key_buffer": 1234}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestExtractKeyBytesMissing(t *testing.T) {
	_, err := ExtractKeyBytes([]byte(`{"status": 0}`))
	assert.ErrorIs(t, err, ErrFieldMissing)
}

func TestExtractPEMUnescapesNewlines(t *testing.T) {
	body := `{"key_buffer": "-----BEGIN PUBLIC KEY-----\nQUJDREVG\n-----END PUBLIC KEY-----\n", "status": 0}`
	pemText, err := ExtractPEM([]byte(body))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pemText, "-----BEGIN PUBLIC KEY-----\n"))
	assert.Equal(t, 4, strings.Count(pemText, "\n"))
}

func TestExtractPEMMissing(t *testing.T) {
	_, err := ExtractPEM([]byte(`{"pem": "x"}`))
	assert.ErrorIs(t, err, ErrFieldMissing)
}

func TestUnescape(t *testing.T) {
	out, err := unescape(`line1\nline2\t\"quoted\" \\ é 😀`)
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\t\"quoted\" \\ é \U0001f600", out)

	out, err = unescape(`\u00e9 \ud83d\ude00`)
	require.NoError(t, err)
	assert.Equal(t, "é \U0001f600", out)

	_, err = unescape(`bad \x escape`)
	assert.Error(t, err)

	_, err = unescape(`trailing \`)
	assert.Error(t, err)
}
