// Package keyloader fetches a complete PEM payload from a key-manager
// endpoint and decodes it into a typed asymmetric key. This is the
// one-shot counterpart to the streaming path in keystream: it requires
// an already-open session and never opens one itself.
package keyloader
