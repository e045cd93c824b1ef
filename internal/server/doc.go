// Package server implements the HTTP surface of the file relay. It wires
// the relay endpoints (/valid, /download, /upload, /status) and the
// operational endpoints (/health, /ready, /live, /metrics) to the key
// registry, metadata store and upload pipeline, and provides lifecycle
// helpers used by tests and the production binary.
package server
