package vad

import (
	"testing"
	"time"
)

func loudChunk(n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 16000
		} else {
			samples[i] = -16000
		}
	}
	return samples
}

func quietChunk(n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 10
		} else {
			samples[i] = -10
		}
	}
	return samples
}

func TestNewDetectorValidation(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		silence   time.Duration
		wantErr   bool
	}{
		{"valid", 0.02, 750 * time.Millisecond, false},
		{"zero threshold", 0, time.Second, true},
		{"threshold too high", 1.0, time.Second, true},
		{"zero silence", 0.02, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDetector(tt.threshold, tt.silence)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewDetector(%f, %v) error = %v, wantErr %v", tt.threshold, tt.silence, err, tt.wantErr)
			}
		})
	}
}

func TestDetectorClassification(t *testing.T) {
	d, err := NewDetector(0.02, 750*time.Millisecond)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	now := time.Now()

	r := d.Observe(loudChunk(1600), now)
	if !r.IsSpeech {
		t.Errorf("expected loud chunk classified as speech, energy=%f", r.Energy)
	}

	// Smoothing decays energy over consecutive quiet chunks
	for i := 0; i < 20; i++ {
		r = d.Observe(quietChunk(1600), now.Add(time.Duration(i)*100*time.Millisecond))
	}
	if r.IsSpeech {
		t.Errorf("expected quiet chunk classified as silence, energy=%f", r.Energy)
	}
}

func TestDetectorSilenceExceeded(t *testing.T) {
	d, _ := NewDetector(0.02, 750*time.Millisecond)
	now := time.Now()

	// No speech yet: silence never fires
	d.Observe(quietChunk(1600), now)
	if d.SilenceExceeded(now.Add(10 * time.Second)) {
		t.Error("silence must not fire before any speech is observed")
	}

	d.Observe(loudChunk(1600), now.Add(time.Second))

	// Drive energy back down with quiet chunks
	silenceStart := now.Add(2 * time.Second)
	for i := 0; i < 20; i++ {
		d.Observe(quietChunk(1600), silenceStart.Add(time.Duration(i)*10*time.Millisecond))
	}

	if d.SilenceExceeded(silenceStart.Add(300 * time.Millisecond)) {
		t.Error("silence threshold must not fire before 750ms elapsed")
	}
	if !d.SilenceExceeded(silenceStart.Add(2 * time.Second)) {
		t.Error("silence threshold should fire after 750ms of trailing silence")
	}
}

func TestDetectorSilenceMeasuredFromLastSpeech(t *testing.T) {
	d, _ := NewDetector(0.02, 750*time.Millisecond)
	now := time.Now()

	d.Observe(loudChunk(1600), now)

	// No further chunks at all: silence still accrues from the last speech
	if d.SilenceExceeded(now.Add(500 * time.Millisecond)) {
		t.Error("silence must not fire before the threshold elapses")
	}
	if !d.SilenceExceeded(now.Add(time.Second)) {
		t.Error("silence should fire even when no further chunks arrive")
	}

	deadline, ok := d.SilenceDeadline()
	if !ok {
		t.Fatal("expected a silence deadline after speech")
	}
	if want := now.Add(750 * time.Millisecond); !deadline.Equal(want) {
		t.Errorf("expected deadline %v, got %v", want, deadline)
	}
}

func TestDetectorNoDeadlineBeforeSpeech(t *testing.T) {
	d, _ := NewDetector(0.02, 750*time.Millisecond)
	d.Observe(quietChunk(1600), time.Now())

	if _, ok := d.SilenceDeadline(); ok {
		t.Error("no silence deadline should exist before speech is observed")
	}
}

func TestDetectorSpeechRestartsSilenceClock(t *testing.T) {
	d, _ := NewDetector(0.02, 750*time.Millisecond)
	now := time.Now()

	d.Observe(loudChunk(1600), now)
	for i := 0; i < 20; i++ {
		d.Observe(quietChunk(1600), now.Add(time.Duration(i+1)*10*time.Millisecond))
	}

	// Speech resumes before the threshold: clock restarts
	d.Observe(loudChunk(1600), now.Add(500*time.Millisecond))

	if d.SilenceExceeded(now.Add(time.Second)) {
		t.Error("resumed speech should have reset the silence clock")
	}
}

func TestDetectorReset(t *testing.T) {
	d, _ := NewDetector(0.02, 750*time.Millisecond)
	now := time.Now()

	d.Observe(loudChunk(1600), now)
	for i := 0; i < 20; i++ {
		d.Observe(quietChunk(1600), now.Add(time.Duration(i+1)*10*time.Millisecond))
	}
	if !d.SilenceExceeded(now.Add(5 * time.Second)) {
		t.Fatal("expected silence exceeded before reset")
	}

	d.Reset()
	if d.SilenceExceeded(now.Add(10 * time.Second)) {
		t.Error("reset should clear utterance state")
	}

	stats := d.Stats()
	if stats.TotalChunks == 0 {
		t.Error("chunk statistics should survive reset")
	}
}
