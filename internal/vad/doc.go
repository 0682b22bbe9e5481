// Package vad implements energy-based voice activity detection used to
// detect utterance boundaries in a streaming session.
package vad
