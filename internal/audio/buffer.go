package audio

import (
	"sync"
	"time"
)

// SampleBuffer accumulates normalized PCM-16 samples for one session until
// they are taken for inference. A cap bounds memory when inference falls
// behind the incoming stream; oldest samples are dropped first.
type SampleBuffer struct {
	sampleRate int
	maxSamples int

	samples []int16
	dropped uint64

	lastAppend time.Time

	mu sync.RWMutex
}

// BufferStats reports buffer state for monitoring
type BufferStats struct {
	Samples         int     `json:"samples"`
	DurationSeconds float64 `json:"duration_seconds"`
	DroppedSamples  uint64  `json:"dropped_samples"`
}

// NewSampleBuffer creates a buffer capped at maxDuration of audio
func NewSampleBuffer(sampleRate int, maxDuration time.Duration) *SampleBuffer {
	maxSamples := int(float64(sampleRate) * maxDuration.Seconds())
	if maxSamples < 1 {
		maxSamples = sampleRate
	}

	return &SampleBuffer{
		sampleRate: sampleRate,
		maxSamples: maxSamples,
		samples:    make([]int16, 0, sampleRate*2),
	}
}

// Append adds samples to the buffer, trimming the oldest audio when the
// cap is exceeded. Returns the number of samples dropped by the trim.
func (b *SampleBuffer) Append(samples []int16) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples = append(b.samples, samples...)
	b.lastAppend = time.Now()

	overflow := len(b.samples) - b.maxSamples
	if overflow <= 0 {
		return 0
	}

	copy(b.samples, b.samples[overflow:])
	b.samples = b.samples[:b.maxSamples]
	b.dropped += uint64(overflow)

	return overflow
}

// Take removes and returns all buffered samples
func (b *SampleBuffer) Take() []int16 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.samples) == 0 {
		return nil
	}

	taken := make([]int16, len(b.samples))
	copy(taken, b.samples)
	b.samples = b.samples[:0]

	return taken
}

// Reset discards all buffered samples
func (b *SampleBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples = b.samples[:0]
}

// Len returns the number of buffered samples
func (b *SampleBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.samples)
}

// Duration returns the buffered audio length
func (b *SampleBuffer) Duration() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return time.Duration(float64(len(b.samples)) / float64(b.sampleRate) * float64(time.Second))
}

// LastAppend returns the time of the most recent Append
func (b *SampleBuffer) LastAppend() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.lastAppend
}

// Stats returns current buffer statistics
func (b *SampleBuffer) Stats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return BufferStats{
		Samples:         len(b.samples),
		DurationSeconds: float64(len(b.samples)) / float64(b.sampleRate),
		DroppedSamples:  b.dropped,
	}
}
