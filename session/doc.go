// Package session drives the stateful open/connect/fetch/close protocol
// against a QKD key-manager endpoint. A Session is an explicit value
// owned by its caller; there is no process-wide session state.
package session
