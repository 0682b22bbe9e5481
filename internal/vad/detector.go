package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// DefaultSilenceThreshold is the trailing silence that ends an utterance
const DefaultSilenceThreshold = 750 * time.Millisecond

// Detector classifies audio chunks as speech or silence by RMS energy and
// tracks how long a session has been silent. One Detector serves exactly
// one session.
type Detector struct {
	energyThreshold  float64 // normalized RMS, 0..1
	silenceThreshold time.Duration
	smoothing        float64

	lastEnergy   float64
	speechSeen   bool
	lastSpeechAt time.Time

	totalChunks  uint64
	speechChunks uint64

	mu sync.RWMutex
}

// Result reports the classification of one audio chunk
type Result struct {
	Energy    float64   `json:"energy"`
	IsSpeech  bool      `json:"is_speech"`
	Timestamp time.Time `json:"timestamp"`
}

// DetectorStats reports detector state for monitoring
type DetectorStats struct {
	TotalChunks      uint64  `json:"total_chunks"`
	SpeechChunks     uint64  `json:"speech_chunks"`
	SpeechPercentage float64 `json:"speech_percentage"`
	EnergyThreshold  float64 `json:"energy_threshold"`
	LastEnergy       float64 `json:"last_energy"`
}

// NewDetector creates a detector with the given energy threshold and the
// trailing-silence duration that marks an utterance boundary
func NewDetector(energyThreshold float64, silenceThreshold time.Duration) (*Detector, error) {
	if energyThreshold <= 0 || energyThreshold >= 1 {
		return nil, fmt.Errorf("energy threshold must be between 0 and 1 (exclusive), got %f", energyThreshold)
	}

	if silenceThreshold <= 0 {
		return nil, fmt.Errorf("silence threshold must be positive, got %v", silenceThreshold)
	}

	return &Detector{
		energyThreshold:  energyThreshold,
		silenceThreshold: silenceThreshold,
		smoothing:        0.3,
	}, nil
}

// Observe classifies a chunk of samples and updates the silence clock.
// The smoothed energy keeps a short noise burst or a single quiet chunk
// from flipping the classification.
func (d *Detector) Observe(samples []int16, now time.Time) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	energy := normalizedRMS(samples)

	if d.totalChunks > 0 {
		energy = d.smoothing*energy + (1-d.smoothing)*d.lastEnergy
	}
	d.lastEnergy = energy

	isSpeech := energy >= d.energyThreshold

	d.totalChunks++
	if isSpeech {
		d.speechChunks++
		d.speechSeen = true
		d.lastSpeechAt = now
	}

	return Result{
		Energy:    energy,
		IsSpeech:  isSpeech,
		Timestamp: now,
	}
}

// SilenceExceeded reports whether speech has been observed and at least the
// silence threshold has passed since the last speech chunk. Silence is
// measured from the last speech, not from the last chunk, so a client that
// stops sending entirely still counts as silent. It never fires before the
// first speech chunk, so a session that opens with silence is not finalized
// into an empty utterance.
func (d *Detector) SilenceExceeded(now time.Time) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.speechSeen {
		return false
	}

	return now.Sub(d.lastSpeechAt) >= d.silenceThreshold
}

// SilenceDeadline returns the instant at which the trailing silence will
// have lasted the configured threshold, and whether such a deadline exists
// (it does not before the first speech chunk).
func (d *Detector) SilenceDeadline() (time.Time, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.speechSeen {
		return time.Time{}, false
	}

	return d.lastSpeechAt.Add(d.silenceThreshold), true
}

// Reset clears utterance state after a finalization so the next utterance
// starts with a fresh silence clock. Chunk statistics survive the reset.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.speechSeen = false
	d.lastSpeechAt = time.Time{}
	d.lastEnergy = 0
}

// SilenceThreshold returns the configured trailing-silence duration
func (d *Detector) SilenceThreshold() time.Duration {
	return d.silenceThreshold
}

// Stats returns current detector statistics
func (d *Detector) Stats() DetectorStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	speechPercentage := float64(0)
	if d.totalChunks > 0 {
		speechPercentage = float64(d.speechChunks) / float64(d.totalChunks) * 100
	}

	return DetectorStats{
		TotalChunks:      d.totalChunks,
		SpeechChunks:     d.speechChunks,
		SpeechPercentage: speechPercentage,
		EnergyThreshold:  d.energyThreshold,
		LastEnergy:       d.lastEnergy,
	}
}

// normalizedRMS computes the RMS energy of the samples scaled to 0..1
func normalizedRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}

	return math.Sqrt(sum/float64(len(samples))) / 32768.0
}
