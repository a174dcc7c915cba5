// Package commands implements the umbra-realtime CLI: a thin driver around
// the relay connection and call session packages for exercising a relay from
// the terminal.
package commands
