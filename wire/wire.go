package wire

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

var (
	// ErrFieldMissing is returned when a required response field is absent.
	ErrFieldMissing = errors.New("response field missing")

	// ErrMalformed is returned when a field is present but its value does
	// not match the expected structure.
	ErrMalformed = errors.New("malformed response")

	// ErrBase64Invalid is returned when a key_buffer payload is not valid
	// strict base64.
	ErrBase64Invalid = errors.New("invalid base64 payload")
)

// Handle is a session handle as decoded from a qkd_open response. The
// service may issue it as a JSON string or as a bare integer; Numeric
// records which, so follow-up requests echo the handle in the same form.
type Handle struct {
	Value   string
	Numeric bool
}

// String returns the handle value.
func (h Handle) String() string { return h.Value }

// MarshalRequest builds the {"key_handle": <handle>} request body used
// by the connect, fetch and close operations.
func (h Handle) MarshalRequest() []byte {
	if h.Numeric {
		return []byte(fmt.Sprintf(`{"key_handle": %s}`, h.Value))
	}
	return []byte(fmt.Sprintf(`{"key_handle": %s}`, strconv.Quote(h.Value)))
}

// ExtractHandle decodes the key_handle field from a qkd_open response.
func ExtractHandle(body []byte) (Handle, error) {
	raw, quoted, err := fieldValue(body, "key_handle")
	if err != nil {
		return Handle{}, err
	}
	if quoted {
		value, err := unescape(raw)
		if err != nil {
			return Handle{}, fmt.Errorf("%w: key_handle: %s", ErrMalformed, err)
		}
		if value == "" {
			return Handle{}, fmt.Errorf("%w: empty key_handle", ErrMalformed)
		}
		return Handle{Value: value}, nil
	}
	return Handle{Value: raw, Numeric: true}, nil
}

// ExtractKeyBytes decodes the base64 key_buffer payload from a
// qkd_get_key response. Invalid alphabet or padding is rejected outright;
// a syntactically valid empty payload decodes to an empty slice, which
// the session layer treats as an error in its own terms.
func ExtractKeyBytes(body []byte) ([]byte, error) {
	raw, quoted, err := fieldValue(body, "key_buffer")
	if err != nil {
		return nil, err
	}
	if !quoted {
		return nil, fmt.Errorf("%w: key_buffer is not a string", ErrMalformed)
	}
	key, err := base64.StdEncoding.Strict().DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBase64Invalid, err)
	}
	return key, nil
}

// ExtractPEM returns the key_buffer payload as text. The key-loading
// protocol reuses the key_buffer field for PEM rather than base64; that
// asymmetry is part of the external service contract.
func ExtractPEM(body []byte) (string, error) {
	raw, quoted, err := fieldValue(body, "key_buffer")
	if err != nil {
		return "", err
	}
	if !quoted {
		return "", fmt.Errorf("%w: key_buffer is not a string", ErrMalformed)
	}
	pemText, err := unescape(raw)
	if err != nil {
		return "", fmt.Errorf("%w: key_buffer: %s", ErrMalformed, err)
	}
	return pemText, nil
}

// fieldValue locates "<field>" in body and returns its raw value token.
// Quoted values are returned without the surrounding quotes and still
// escaped; bare values must be integers terminated by ',' or '}'.
func fieldValue(body []byte, field string) (raw string, quoted bool, err error) {
	s := string(body)
	needle := `"` + field + `"`
	i := strings.Index(s, needle)
	if i < 0 {
		return "", false, fmt.Errorf("%w: %s", ErrFieldMissing, field)
	}

	rest := strings.TrimLeft(s[i+len(needle):], " \t\r\n")
	if !strings.HasPrefix(rest, ":") {
		return "", false, fmt.Errorf("%w: no ':' after %q", ErrMalformed, field)
	}
	rest = strings.TrimLeft(rest[1:], " \t\r\n")
	if rest == "" {
		return "", false, fmt.Errorf("%w: no value for %q", ErrMalformed, field)
	}

	if rest[0] == '"' {
		for j := 1; j < len(rest); j++ {
			switch rest[j] {
			case '\\':
				j++
			case '"':
				return rest[1:j], true, nil
			}
		}
		return "", false, fmt.Errorf("%w: unterminated string for %q", ErrMalformed, field)
	}

	j := 0
	if rest[j] == '-' {
		j++
	}
	start := j
	for j < len(rest) && rest[j] >= '0' && rest[j] <= '9' {
		j++
	}
	if j == start {
		return "", false, fmt.Errorf("%w: value for %q is neither string nor integer", ErrMalformed, field)
	}
	tail := strings.TrimLeft(rest[j:], " \t\r\n")
	if tail == "" || (tail[0] != ',' && tail[0] != '}') {
		return "", false, fmt.Errorf("%w: unterminated value for %q", ErrMalformed, field)
	}
	return rest[:j], false, nil
}

// unescape resolves JSON string escapes. PEM payloads arrive with their
// newlines escaped inside the JSON string.
func unescape(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", errors.New("trailing backslash")
		}
		switch s[i] {
		case '"':
			b.WriteByte('"')
		case '\\':
			b.WriteByte('\\')
		case '/':
			b.WriteByte('/')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'u':
			r, consumed, err := unescapeUnicode(s[i-1:])
			if err != nil {
				return "", err
			}
			b.WriteRune(r)
			i += consumed - 2
		default:
			return "", fmt.Errorf("unknown escape \\%c", s[i])
		}
	}
	return b.String(), nil
}

// unescapeUnicode decodes a \uXXXX escape at the start of s, combining
// surrogate pairs. It returns the rune and the number of bytes consumed.
func unescapeUnicode(s string) (rune, int, error) {
	if len(s) < 6 {
		return 0, 0, errors.New("truncated \\u escape")
	}
	v, err := strconv.ParseUint(s[2:6], 16, 32)
	if err != nil {
		return 0, 0, errors.New("invalid \\u escape")
	}
	r := rune(v)
	if !utf16.IsSurrogate(r) {
		return r, 6, nil
	}
	if len(s) >= 12 && s[6] == '\\' && s[7] == 'u' {
		v2, err := strconv.ParseUint(s[8:12], 16, 32)
		if err == nil {
			if combined := utf16.DecodeRune(r, rune(v2)); combined != utf8.RuneError {
				return combined, 12, nil
			}
		}
	}
	return utf8.RuneError, 6, nil
}
