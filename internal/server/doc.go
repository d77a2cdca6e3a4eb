// Package server implements the HTTP and WebSocket surface for gochat.
//
// The implementation is organized into specialized files for configuration,
// hub management, clients, routing, authentication and HTTP handlers. A
// WebSocket client owns zero or more subscription sessions; each session is
// forwarded into the client's send queue, and the write pump batches queued
// frames into newline-separated WebSocket messages.
package server
