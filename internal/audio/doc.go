// Package audio provides normalization of inbound audio payloads into the
// fixed-rate mono PCM-16 sample format the inference engine consumes, plus
// the per-session sample accumulation buffer and a WAV codec.
package audio
