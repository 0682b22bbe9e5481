// Package session implements the per-connection recognition session: its
// lifecycle state machine, the audio chunk pipeline feeding the inference
// engine, ordered result delivery, and the manager that owns all live
// sessions.
package session
