package audio

import (
	"encoding/base64"
	"fmt"
)

// Supported format tags for inbound audio payloads
const (
	FormatPCM16 = "pcm16"
	FormatWAV   = "wav"
)

// DecodeError indicates a single audio payload failed normalization.
// The session recovers from it; only the offending chunk is lost.
type DecodeError struct {
	Format string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio decode failed (format=%s): %s", e.Format, e.Reason)
}

// Normalizer converts an inbound audio payload into fixed-rate mono
// PCM-16 samples
type Normalizer interface {
	Normalize(data string, format string, encoding string) ([]int16, error)
	SampleRate() int
}

// PCMNormalizer normalizes raw PCM-16 and WAV payloads. Anything requiring
// a codec (opus, webm, ...) is handled by an upstream transcoder before it
// reaches this service.
type PCMNormalizer struct {
	sampleRate int
}

// NewPCMNormalizer creates a normalizer for the given target sample rate
func NewPCMNormalizer(sampleRate int) (*PCMNormalizer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	return &PCMNormalizer{sampleRate: sampleRate}, nil
}

// SampleRate returns the target sample rate in Hz
func (n *PCMNormalizer) SampleRate() int {
	return n.sampleRate
}

// Normalize decodes the payload according to its encoding and format tag
// and returns PCM-16 samples at the normalizer's sample rate
func (n *PCMNormalizer) Normalize(data string, format string, encoding string) ([]int16, error) {
	raw, err := n.decodePayload(data, encoding)
	if err != nil {
		return nil, err
	}

	if len(raw) == 0 {
		return nil, &DecodeError{Format: format, Reason: "empty payload"}
	}

	switch format {
	case FormatPCM16:
		return n.decodePCM16(raw, format)
	case FormatWAV:
		return n.decodeWAVPayload(raw)
	default:
		return nil, &DecodeError{Format: format, Reason: "unsupported format"}
	}
}

// decodePayload reverses the transport encoding
func (n *PCMNormalizer) decodePayload(data string, encoding string) ([]byte, error) {
	switch encoding {
	case "base64", "":
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, &DecodeError{Reason: fmt.Sprintf("invalid base64 payload: %v", err)}
		}
		return raw, nil
	case "none":
		return []byte(data), nil
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported encoding: %s", encoding)}
	}
}

// decodePCM16 interprets raw bytes as little-endian PCM-16 samples
func (n *PCMNormalizer) decodePCM16(raw []byte, format string) ([]int16, error) {
	if len(raw)%2 != 0 {
		return nil, &DecodeError{Format: format, Reason: fmt.Sprintf("payload length must be even, got %d bytes", len(raw))}
	}

	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(raw[i*2]) | int16(raw[i*2+1])<<8
	}

	return samples, nil
}

// decodeWAVPayload decodes a WAV payload and verifies its sample rate
// matches the service format
func (n *PCMNormalizer) decodeWAVPayload(raw []byte) ([]int16, error) {
	samples, rate, err := DecodeWAV(raw)
	if err != nil {
		return nil, &DecodeError{Format: FormatWAV, Reason: err.Error()}
	}

	if rate != n.sampleRate {
		return nil, &DecodeError{
			Format: FormatWAV,
			Reason: fmt.Sprintf("sample rate mismatch: payload %d Hz, expected %d Hz", rate, n.sampleRate),
		}
	}

	return samples, nil
}
