// Package common holds shared logging setup and build metadata used by
// every command and server in the module.
package common
