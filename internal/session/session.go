package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/streaming-asr-service/internal/asr"
	"github.com/skypro1111/streaming-asr-service/internal/audio"
	"github.com/skypro1111/streaming-asr-service/internal/metrics"
	"github.com/skypro1111/streaming-asr-service/internal/protocol"
	"github.com/skypro1111/streaming-asr-service/internal/vad"
)

// State is the lifecycle state of a session
type State int

const (
	StateIdle State = iota
	StateActive
	StateFinalizing
	StateClosed
)

// String returns the state name used in logs and monitoring
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Finalization reasons reported in logs and metrics
const (
	reasonSilence   = "silence"
	reasonEnd       = "end"
	reasonTransport = "transport"
)

// lossFinalizeTimeout bounds the best-effort final inference made when a
// transport drops with audio still buffered
const lossFinalizeTimeout = 3 * time.Second

// Settings are the effective per-session parameters, seeded from service
// defaults and adjustable by client config messages
type Settings struct {
	Language             string
	ChunkDuration        time.Duration
	MaxChunkDuration     time.Duration
	UseVAD               bool
	Encoding             string
	RetainContext        bool
	MaxInferenceFailures int
	SampleRate           int
	BufferMaxDuration    time.Duration
	EnergyThreshold      float64
	SilenceThreshold     time.Duration
}

// Session is one duplex recognition session. A single goroutine started by
// Run owns all recognition state: the sample buffer is filled and drained
// there, inference calls are issued there one at a time, and result
// sequence numbers are assigned there. That construction gives per-session
// inference serialization and ordered delivery without extra locking.
type Session struct {
	id       string
	settings Settings

	normalizer audio.Normalizer
	buffer     *audio.SampleBuffer
	detector   *vad.Detector
	engine     asr.Engine
	gate       *asr.Gate
	metrics    *metrics.Metrics
	logger     *slog.Logger

	inbox  chan *protocol.ClientMessage
	outbox chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	onClose func(id string)

	// Owned by the run goroutine
	cache        asr.Cache
	sequence     uint64
	failures     int
	silenceTimer *time.Timer

	// Shared with monitoring and cleanup
	state          State
	startTime      time.Time
	lastActivity   time.Time
	chunksInferred uint64
	utterances     uint64
	resultsSent    uint64
	decodeErrors   uint64

	mu sync.RWMutex
}

// Info is a session snapshot for monitoring APIs
type Info struct {
	ID              string             `json:"id"`
	State           string             `json:"state"`
	Language        string             `json:"language"`
	UseVAD          bool               `json:"use_vad"`
	StartTime       time.Time          `json:"start_time"`
	LastActivity    time.Time          `json:"last_activity"`
	DurationSeconds float64            `json:"duration_seconds"`
	ChunksInferred  uint64             `json:"chunks_inferred"`
	Utterances      uint64             `json:"utterances"`
	ResultsSent     uint64             `json:"results_sent"`
	DecodeErrors    uint64             `json:"decode_errors"`
	Buffer          audio.BufferStats  `json:"buffer"`
	VAD             *vad.DetectorStats `json:"vad,omitempty"`
}

// newSession builds a session; Run must be called to start it
func newSession(id string, settings Settings, engine asr.Engine, gate *asr.Gate, m *metrics.Metrics, logger *slog.Logger) (*Session, error) {
	normalizer, err := audio.NewPCMNormalizer(settings.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create normalizer: %w", err)
	}

	detector, err := vad.NewDetector(settings.EnergyThreshold, settings.SilenceThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to create VAD detector: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	return &Session{
		id:           id,
		settings:     settings,
		normalizer:   normalizer,
		buffer:       audio.NewSampleBuffer(settings.SampleRate, settings.BufferMaxDuration),
		detector:     detector,
		engine:       engine,
		gate:         gate,
		metrics:      m,
		logger:       logger.With(slog.String("session_id", id)),
		inbox:        make(chan *protocol.ClientMessage, 64),
		outbox:       make(chan []byte, 64),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		state:        StateIdle,
		startTime:    now,
		lastActivity: now,
	}, nil
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Outbox returns the channel of encoded server messages the transport
// writer must drain. It is closed when the session ends.
func (s *Session) Outbox() <-chan []byte {
	return s.outbox
}

// Done is closed when the session's run loop has exited
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Deliver hands an inbound message to the session. It blocks while the
// inbox is full, which stalls only this connection's read loop.
func (s *Session) Deliver(msg *protocol.ClientMessage) error {
	select {
	case s.inbox <- msg:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("session %s is closed", s.id)
	}
}

// Close tears the session down. Safe to call more than once and from any
// goroutine; a queued or in-flight inference is cancelled through the
// session context.
func (s *Session) Close() {
	s.cancel()
}

// Run executes the session loop until the client ends the session or the
// transport drops. It must be called exactly once, in its own goroutine.
func (s *Session) Run() {
	defer close(s.done)
	defer close(s.outbox)
	defer s.cancel()
	defer func() {
		if s.onClose != nil {
			s.onClose(s.id)
		}
	}()

	s.logger.Info("Session started",
		slog.String("language", s.settings.Language),
		slog.Float64("chunk_duration", s.settings.ChunkDuration.Seconds()),
		slog.Bool("use_vad", s.settings.UseVAD),
	)

	chunkTicker := time.NewTicker(s.settings.ChunkDuration)
	defer chunkTicker.Stop()

	// Armed on speech, fired when the trailing silence passes the threshold
	// with no further audio from the client
	s.silenceTimer = time.NewTimer(s.settings.SilenceThreshold)
	s.stopSilenceTimer()
	defer s.silenceTimer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.finalizeOnLoss()
			s.setState(StateClosed)
			s.logger.Info("Session closed",
				slog.String("reason", reasonTransport),
				slog.Duration("duration", time.Since(s.startTime)),
			)
			return

		case msg := <-s.inbox:
			if closed := s.handleMessage(msg); closed {
				s.logger.Info("Session closed",
					slog.String("reason", reasonEnd),
					slog.Duration("duration", time.Since(s.startTime)),
				)
				return
			}
			if msg.Type == protocol.TypeConfig {
				chunkTicker.Reset(s.chunkDuration())
			}

		case <-chunkTicker.C:
			s.flushChunk()

		case <-s.silenceTimer.C:
			s.onSilenceTimer()
		}
	}
}

// onSilenceTimer finalizes the utterance when the silence deadline passes
// without further audio. A timer that fired slightly early is re-armed for
// the remaining interval.
func (s *Session) onSilenceTimer() {
	if s.getState() != StateActive || !s.settings.UseVAD {
		return
	}

	now := time.Now()
	if s.detector.SilenceExceeded(now) {
		s.finalizeUtterance(reasonSilence)
		return
	}

	if deadline, ok := s.detector.SilenceDeadline(); ok && deadline.After(now) {
		s.silenceTimer.Reset(time.Until(deadline))
	}
}

// stopSilenceTimer stops the timer and drains a pending fire. Run-goroutine
// only, like every other use of the timer.
func (s *Session) stopSilenceTimer() {
	if !s.silenceTimer.Stop() {
		select {
		case <-s.silenceTimer.C:
		default:
		}
	}
}

// resetSilenceTimer re-arms the timer for the given interval
func (s *Session) resetSilenceTimer(d time.Duration) {
	s.stopSilenceTimer()
	if d < time.Millisecond {
		d = time.Millisecond
	}
	s.silenceTimer.Reset(d)
}

// handleMessage dispatches one client message. Returns true when the
// session is finished.
func (s *Session) handleMessage(msg *protocol.ClientMessage) bool {
	s.touch()
	s.metrics.RecordMessageReceived(msg.Type)

	switch msg.Type {
	case protocol.TypeConfig:
		s.applyConfig(msg.Config)
	case protocol.TypeAudio:
		s.handleAudio(msg)
	case protocol.TypeEnd:
		s.finalizeUtterance(reasonEnd)
		s.setState(StateClosed)
		return true
	case protocol.TypePing:
		s.send(&protocol.PongMessage{Type: protocol.TypePong})
	case protocol.TypeClear:
		s.handleClear()
	}

	return false
}

// applyConfig applies a mid-session config update and acknowledges it.
// Settings mutate under the session mutex so monitoring snapshots stay
// consistent.
func (s *Session) applyConfig(cfg *protocol.SessionConfig) {
	s.mu.Lock()
	if cfg.Language != "" {
		s.settings.Language = cfg.Language
	}
	if cfg.ChunkDuration != nil {
		d := time.Duration(*cfg.ChunkDuration * float64(time.Second))
		if d > s.settings.MaxChunkDuration {
			d = s.settings.MaxChunkDuration
		}
		s.settings.ChunkDuration = d
	}
	if cfg.UseVAD != nil {
		s.settings.UseVAD = *cfg.UseVAD
	}
	if cfg.Encoding != "" {
		s.settings.Encoding = cfg.Encoding
	}
	s.mu.Unlock()

	if s.getState() == StateIdle {
		s.setState(StateActive)
	}

	s.logger.Info("Session config updated",
		slog.String("language", s.settings.Language),
		slog.Float64("chunk_duration", s.settings.ChunkDuration.Seconds()),
		slog.Bool("use_vad", s.settings.UseVAD),
	)

	s.send(&protocol.ConfigUpdatedMessage{
		Type:          protocol.TypeConfigUpdated,
		Status:        "ok",
		Language:      s.settings.Language,
		ChunkDuration: s.settings.ChunkDuration.Seconds(),
		UseVAD:        s.settings.UseVAD,
		Encoding:      s.settings.Encoding,
	})
}

// handleAudio normalizes one audio payload into the sample buffer and
// drives endpoint detection
func (s *Session) handleAudio(msg *protocol.ClientMessage) {
	format := msg.Format
	if format == "" {
		format = audio.FormatPCM16
	}

	samples, err := s.normalizer.Normalize(msg.Data, format, s.settings.Encoding)
	if err != nil {
		s.mu.Lock()
		s.decodeErrors++
		s.mu.Unlock()
		s.metrics.RecordDecodeError()

		s.logger.Warn("Audio decode failed", slog.String("error", err.Error()))
		s.send(protocol.NewErrorMessage(protocol.ErrKindDecode, err.Error()))
		return
	}

	if s.getState() == StateIdle {
		s.setState(StateActive)
	}

	dropped := s.buffer.Append(samples)
	seconds := float64(len(samples)) / float64(s.settings.SampleRate)
	s.metrics.RecordAudioReceived(seconds, dropped)

	if dropped > 0 {
		s.logger.Warn("Sample buffer cap reached, oldest audio dropped",
			slog.Int("dropped_samples", dropped),
		)
	}

	if !s.settings.UseVAD {
		return
	}

	now := time.Now()
	s.detector.Observe(samples, now)

	if s.detector.SilenceExceeded(now) {
		s.finalizeUtterance(reasonSilence)
		return
	}

	// Keep the silence timer tracking the deadline so the utterance ends on
	// time even if the client stops sending
	if deadline, ok := s.detector.SilenceDeadline(); ok {
		s.resetSilenceTimer(time.Until(deadline))
	}
}

// handleClear discards buffered audio and recognition state
func (s *Session) handleClear() {
	s.buffer.Reset()
	s.detector.Reset()
	s.stopSilenceTimer()
	s.cache = nil
	s.setState(StateIdle)

	s.logger.Debug("Session state cleared")
	s.send(&protocol.ClearedMessage{Type: protocol.TypeCleared, Status: "ok"})
}

// flushChunk runs a partial inference over the buffered audio when a chunk
// interval elapses with the session active
func (s *Session) flushChunk() {
	if s.getState() != StateActive || s.buffer.Len() == 0 {
		return
	}

	samples := s.buffer.Take()
	s.infer(samples, false)
}

// finalizeUtterance closes out the current utterance: any buffered audio
// gets a final inference, the result is marked final, and the session
// re-arms for the next utterance
func (s *Session) finalizeUtterance(reason string) {
	state := s.getState()
	if state != StateActive && state != StateIdle {
		return
	}

	samples := s.buffer.Take()
	if len(samples) == 0 && s.cache == nil {
		// Nothing was recognized since the last finalization, so there is
		// no utterance to account for
		s.stopSilenceTimer()
		s.detector.Reset()
		s.setState(StateIdle)
		return
	}

	s.setState(StateFinalizing)
	s.infer(samples, true)

	s.mu.Lock()
	s.utterances++
	s.mu.Unlock()
	s.metrics.RecordUtteranceFinalized(reason)

	s.logger.Info("Utterance finalized",
		slog.String("reason", reason),
		slog.Int("final_samples", len(samples)),
	)

	// Re-arm for the next utterance on the same connection
	s.stopSilenceTimer()
	s.detector.Reset()
	if !s.settings.RetainContext {
		s.cache = nil
	}
	s.setState(StateIdle)
}

// finalizeOnLoss makes one best-effort final inference over audio still
// buffered when the transport drops. No receiver remains for the result;
// the call lets the engine close out its recognition state.
func (s *Session) finalizeOnLoss() {
	samples := s.buffer.Take()
	if len(samples) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lossFinalizeTimeout)
	defer cancel()

	if err := s.gate.Acquire(ctx); err != nil {
		s.logger.Debug("Skipping final inference after transport loss", slog.String("error", err.Error()))
		return
	}
	defer s.gate.Release()

	s.metrics.RecordInferenceStart()
	start := time.Now()
	_, err := s.engine.Infer(ctx, &asr.Request{
		Samples:  samples,
		Cache:    s.cache,
		Language: s.settings.Language,
		IsFinal:  true,
	})
	if err != nil {
		s.metrics.RecordInferenceFailure(time.Since(start).Seconds())
		s.logger.Debug("Final inference after transport loss failed", slog.String("error", err.Error()))
		return
	}

	s.metrics.RecordInferenceSuccess(time.Since(start).Seconds())
	s.metrics.RecordUtteranceFinalized(reasonTransport)
}

// infer runs one inference call under the admission gate and delivers the
// result in sequence order. Called only from the run goroutine, so calls
// for this session never overlap.
func (s *Session) infer(samples []int16, isFinal bool) {
	if len(samples) == 0 && s.cache == nil {
		return
	}

	gateStart := time.Now()
	if err := s.gate.Acquire(s.ctx); err != nil {
		// Transport lost while queued; result has no receiver
		s.logger.Debug("Admission gate wait abandoned", slog.String("error", err.Error()))
		return
	}
	defer s.gate.Release()
	s.metrics.RecordGateWait(time.Since(gateStart).Seconds())

	s.metrics.RecordInferenceStart()
	start := time.Now()

	result, err := s.engine.Infer(s.ctx, &asr.Request{
		Samples:  samples,
		Cache:    s.cache,
		Language: s.settings.Language,
		IsFinal:  isFinal,
	})
	elapsed := time.Since(start)

	if err != nil {
		s.metrics.RecordInferenceFailure(elapsed.Seconds())

		if errors.Is(err, context.Canceled) {
			return
		}

		s.failures++
		s.logger.Error("Inference failed",
			slog.String("error", err.Error()),
			slog.Int("consecutive_failures", s.failures),
		)
		s.send(protocol.NewErrorMessage(protocol.ErrKindInternal, "inference failed"))

		if s.failures >= s.settings.MaxInferenceFailures {
			s.logger.Error("Too many consecutive inference failures, closing session",
				slog.Int("failures", s.failures),
			)
			s.cancel()
		}
		return
	}

	s.metrics.RecordInferenceSuccess(elapsed.Seconds())
	s.failures = 0
	s.cache = result.Cache

	s.mu.Lock()
	s.chunksInferred++
	s.mu.Unlock()

	cleaned := asr.CleanText(result.Text)
	if cleaned == "" && !isFinal {
		return
	}

	s.sequence++
	s.send(&protocol.ResultMessage{
		Type:       protocol.TypeResult,
		Text:       cleaned,
		RawText:    result.Text,
		CleanText:  cleaned,
		Confidence: result.Confidence,
		IsFinal:    isFinal,
		ModelType:  result.ModelType,
		Sequence:   s.sequence,
	})

	s.logger.Debug("Result delivered",
		slog.Uint64("sequence", s.sequence),
		slog.Bool("is_final", isFinal),
		slog.Float64("inference_duration", elapsed.Seconds()),
	)
}

// send encodes a server message onto the outbox in order. It blocks while
// the outbox is full so delivery order is preserved under backpressure.
func (s *Session) send(msg any) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error("Failed to encode server message", slog.String("error", err.Error()))
		return
	}

	select {
	case s.outbox <- data:
		if _, ok := msg.(*protocol.ResultMessage); ok {
			s.mu.Lock()
			s.resultsSent++
			s.mu.Unlock()
			s.metrics.RecordResultDelivered()
		}
	case <-s.ctx.Done():
	}
}

// chunkDuration returns the current chunk interval under the lock
func (s *Session) chunkDuration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.ChunkDuration
}

// touch records client activity for idle cleanup
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent client message
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

func (s *Session) getState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Info returns a monitoring snapshot of the session
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{
		ID:              s.id,
		State:           s.state.String(),
		Language:        s.settings.Language,
		UseVAD:          s.settings.UseVAD,
		StartTime:       s.startTime,
		LastActivity:    s.lastActivity,
		DurationSeconds: time.Since(s.startTime).Seconds(),
		ChunksInferred:  s.chunksInferred,
		Utterances:      s.utterances,
		ResultsSent:     s.resultsSent,
		DecodeErrors:    s.decodeErrors,
		Buffer:          s.buffer.Stats(),
	}

	if s.settings.UseVAD {
		stats := s.detector.Stats()
		info.VAD = &stats
	}

	return info
}
