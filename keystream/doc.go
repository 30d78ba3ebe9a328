// Package keystream serves arbitrary-size reads of QKD key material out
// of variable-size remote fetches. A Reader owns its buffer and read
// cursor explicitly; exhausted buffers are replaced wholesale, never
// partially reused.
package keystream
