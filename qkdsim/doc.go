// Package qkdsim implements an in-process QKD key-manager node speaking
// the qkd_open / qkd_connect_blocking / qkd_get_key / qkd_close wire
// protocol, including the peer-to-peer handle propagation used in the
// two-party configuration. Key material is derived deterministically
// from a seed, so two nodes sharing a seed agree on every key. It backs
// integration tests and serves as a development stand-in for QKD
// hardware.
package qkdsim
