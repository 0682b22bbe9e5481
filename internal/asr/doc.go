// Package asr defines the inference engine abstraction, the global
// admission gate bounding concurrent inference, and the HTTP engine client
// that talks to the recognition backend.
package asr
