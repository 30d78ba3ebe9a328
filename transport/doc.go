// Package transport implements the HTTP exchange with a QKD key-manager
// service: JSON POST requests, full-body responses, and a strict
// 200-only success policy. Retry policy belongs to the session layer.
package transport
