// Package server provides the WebSocket transport for streaming sessions
// and the HTTP monitoring API.
package server
