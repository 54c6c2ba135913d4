// Package timeouts defines shared timeout constants used across the relay,
// the sessions service and the chat client.
package timeouts

import "time"

// Dial caps the wait time when opening a relay WebSocket.
const Dial = 5 * time.Second

// Write caps a single WebSocket frame write.
const Write = 5 * time.Second

// RemoteRequest caps a single call to the remote session store.
const RemoteRequest = 10 * time.Second

// ReconnectDelay is the fixed delay between automatic reconnect attempts.
const ReconnectDelay = time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second
