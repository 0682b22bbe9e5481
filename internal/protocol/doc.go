// Package protocol defines the JSON messages exchanged over the duplex
// streaming connection: client config, audio and control messages, and the
// result and error messages the server sends back.
package protocol
