package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skypro1111/streaming-asr-service/internal/asr"
	"github.com/skypro1111/streaming-asr-service/internal/config"
	"github.com/skypro1111/streaming-asr-service/internal/metrics"
	"github.com/skypro1111/streaming-asr-service/internal/protocol"
)

// Prometheus collectors register globally, so all tests share one set
var testMetrics = metrics.NewMetrics()

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeEngine is a controllable in-memory engine for session tests
type fakeEngine struct {
	delay     time.Duration
	err       error
	blockOnce chan struct{} // first call blocks until closed, when set

	calls       atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	blocked     sync.Once

	mu         sync.Mutex
	lastCache  asr.Cache
	lastFinal  bool
	lastSample int
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Infer(ctx context.Context, req *asr.Request) (*asr.Result, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.maxInFlight.Load()
		if n <= p || f.maxInFlight.CompareAndSwap(p, n) {
			break
		}
	}

	f.calls.Add(1)

	f.mu.Lock()
	f.lastCache = req.Cache
	f.lastFinal = req.IsFinal
	f.lastSample = len(req.Samples)
	f.mu.Unlock()

	if f.blockOnce != nil {
		var ch chan struct{}
		f.blocked.Do(func() { ch = f.blockOnce })
		if ch != nil {
			select {
			case <-ch:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if f.err != nil {
		return nil, f.err
	}

	return &asr.Result{
		Text:       "<|auto|>hello",
		Confidence: 0.9,
		Cache:      "cache-token",
		ModelType:  "fake",
	}, nil
}

func testConfig(maxSessions, maxConcurrent int) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:            8080,
			BindAddress:     "0.0.0.0",
			MaxSessions:     maxSessions,
			IdleGracePeriod: 60,
			ReadLimit:       1 << 20,
		},
		Audio: config.AudioConfig{
			SampleRate:        16000,
			Channels:          1,
			BitDepth:          16,
			BufferMaxDuration: 30,
		},
		Endpointing: config.EndpointingConfig{
			EnergyThreshold:  0.02,
			SilenceThreshold: 0.1,
			UseVAD:           true,
		},
		Session: config.SessionConfig{
			DefaultLanguage:      "auto",
			DefaultChunkDuration: 0.05,
			MaxChunkDuration:     10,
			MaxInferenceFailures: 3,
		},
		Engine: config.EngineConfig{
			Endpoint:      "http://localhost:9",
			Timeout:       5,
			MaxConcurrent: maxConcurrent,
		},
		Logging: config.LoggingConfig{Level: "error", Format: "text"},
	}
}

func newTestManager(t *testing.T, cfg *config.Config, engine asr.Engine) *Manager {
	t.Helper()

	mgr, err := NewManager(cfg, engine, testMetrics, testLogger)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(mgr.Stop)

	return mgr
}

func audioPayload(loud bool, samples int) string {
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		var v int16
		if loud {
			v = 16000
			if i%2 == 1 {
				v = -16000
			}
		}
		data[i*2] = byte(v)
		data[i*2+1] = byte(v >> 8)
	}
	return base64.StdEncoding.EncodeToString(data)
}

func deliverAudio(t *testing.T, sess *Session, loud bool) {
	t.Helper()
	if err := sess.Deliver(&protocol.ClientMessage{
		Type: protocol.TypeAudio,
		Data: audioPayload(loud, 320),
	}); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
}

// collectMessages drains the session outbox into a channel of decoded maps
func collectMessages(sess *Session) <-chan map[string]any {
	out := make(chan map[string]any, 128)
	go func() {
		defer close(out)
		for data := range sess.Outbox() {
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil {
				out <- msg
			}
		}
	}()
	return out
}

func waitForMessage(t *testing.T, msgs <-chan map[string]any, msgType string, timeout time.Duration) map[string]any {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				t.Fatalf("outbox closed while waiting for %q message", msgType)
			}
			if msg["type"] == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q message", msgType)
		}
	}
}

func TestSessionPartialResults(t *testing.T) {
	engine := &fakeEngine{}
	mgr := newTestManager(t, testConfig(4, 4), engine)

	sess, err := mgr.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	msgs := collectMessages(sess)

	deliverAudio(t, sess, true)

	result := waitForMessage(t, msgs, protocol.TypeResult, 2*time.Second)
	if result["is_final"] != false {
		t.Error("expected partial result before any finalization")
	}
	if result["text"] != "hello" {
		t.Errorf("expected markup-stripped text 'hello', got %v", result["text"])
	}
	if result["sequence"] != float64(1) {
		t.Errorf("expected sequence 1, got %v", result["sequence"])
	}

	sess.Close()
	<-sess.Done()
}

func TestSilenceFinalizesUtterance(t *testing.T) {
	engine := &fakeEngine{}
	mgr := newTestManager(t, testConfig(4, 4), engine)

	sess, err := mgr.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	msgs := collectMessages(sess)

	// Speech, then sustained silence past the 100ms threshold
	deliverAudio(t, sess, true)
	for i := 0; i < 30; i++ {
		deliverAudio(t, sess, false)
		time.Sleep(20 * time.Millisecond)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				t.Fatal("outbox closed before final result")
			}
			if msg["type"] == protocol.TypeResult && msg["is_final"] == true {
				// Session re-arms: a second utterance still works
				deliverAudio(t, sess, true)
				waitForMessage(t, msgs, protocol.TypeResult, 2*time.Second)
				sess.Close()
				<-sess.Done()
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for silence-triggered final result")
		}
	}
}

func TestSilenceFinalizesWithoutFurtherChunks(t *testing.T) {
	engine := &fakeEngine{}
	mgr := newTestManager(t, testConfig(4, 4), engine)

	sess, err := mgr.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	msgs := collectMessages(sess)

	// One speech chunk, then the client goes completely quiet: the silence
	// timer alone must end the utterance
	start := time.Now()
	deliverAudio(t, sess, true)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				t.Fatal("outbox closed before final result")
			}
			if msg["type"] == protocol.TypeResult && msg["is_final"] == true {
				if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
					t.Errorf("final result arrived before the silence threshold: %v", elapsed)
				}
				sess.Close()
				<-sess.Done()
				return
			}
		case <-deadline:
			t.Fatal("no final result after the client stopped sending")
		}
	}
}

func TestEndWithoutAudioEmitsNoUtterance(t *testing.T) {
	engine := &fakeEngine{}
	mgr := newTestManager(t, testConfig(4, 4), engine)

	sess, err := mgr.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	msgs := collectMessages(sess)

	if err := sess.Deliver(&protocol.ClientMessage{Type: protocol.TypeEnd}); err != nil {
		t.Fatalf("Deliver end failed: %v", err)
	}

	for msg := range msgs {
		if msg["type"] == protocol.TypeResult {
			t.Errorf("unexpected result for an empty session: %v", msg)
		}
	}
	<-sess.Done()

	if got := engine.calls.Load(); got != 0 {
		t.Errorf("expected no inference calls, got %d", got)
	}
	if got := sess.Info().Utterances; got != 0 {
		t.Errorf("expected zero utterances accounted, got %d", got)
	}
}

func TestEndMessageFinalizesAndCloses(t *testing.T) {
	engine := &fakeEngine{}
	mgr := newTestManager(t, testConfig(4, 4), engine)

	sess, err := mgr.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	msgs := collectMessages(sess)

	deliverAudio(t, sess, true)
	if err := sess.Deliver(&protocol.ClientMessage{Type: protocol.TypeEnd}); err != nil {
		t.Fatalf("Deliver end failed: %v", err)
	}

	sawFinal := false
	for msg := range msgs {
		if msg["type"] == protocol.TypeResult && msg["is_final"] == true {
			sawFinal = true
		}
	}
	if !sawFinal {
		t.Error("expected a final result before close")
	}

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after end message")
	}

	if _, exists := mgr.Get(sess.ID()); exists {
		t.Error("closed session still registered in manager")
	}
}

func TestCapacityRejection(t *testing.T) {
	engine := &fakeEngine{}
	mgr := newTestManager(t, testConfig(2, 4), engine)

	s1, err := mgr.Create()
	if err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	s2, err := mgr.Create()
	if err != nil {
		t.Fatalf("second Create failed: %v", err)
	}

	if _, err := mgr.Create(); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}

	// Established sessions are unaffected by the rejection
	msgs := collectMessages(s1)
	deliverAudio(t, s1, true)
	waitForMessage(t, msgs, protocol.TypeResult, 2*time.Second)

	// A freed slot admits a new session
	s2.Close()
	<-s2.Done()

	s3, err := mgr.Create()
	if err != nil {
		t.Fatalf("Create after slot freed failed: %v", err)
	}

	s1.Close()
	s3.Close()
}

func TestDecodeErrorRecovery(t *testing.T) {
	engine := &fakeEngine{}
	mgr := newTestManager(t, testConfig(4, 4), engine)

	sess, err := mgr.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	msgs := collectMessages(sess)

	if err := sess.Deliver(&protocol.ClientMessage{
		Type: protocol.TypeAudio,
		Data: "!!!not base64!!!",
	}); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	errMsg := waitForMessage(t, msgs, protocol.TypeError, 2*time.Second)
	if errMsg["kind"] != protocol.ErrKindDecode {
		t.Errorf("expected decode_error kind, got %v", errMsg["kind"])
	}

	// Session keeps working after the bad chunk
	deliverAudio(t, sess, true)
	waitForMessage(t, msgs, protocol.TypeResult, 2*time.Second)

	sess.Close()
	<-sess.Done()
}

func TestInferenceSerializedPerSession(t *testing.T) {
	engine := &fakeEngine{delay: 80 * time.Millisecond}
	cfg := testConfig(4, 8)
	cfg.Session.DefaultChunkDuration = 0.02
	mgr := newTestManager(t, cfg, engine)

	sess, err := mgr.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	msgs := collectMessages(sess)
	go func() {
		for range msgs {
		}
	}()

	// Keep audio flowing while inference is slower than the chunk interval
	for i := 0; i < 20; i++ {
		deliverAudio(t, sess, true)
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)

	if peak := engine.maxInFlight.Load(); peak > 1 {
		t.Errorf("observed %d overlapping inference calls for one session", peak)
	}

	sess.Close()
	<-sess.Done()
}

func TestResultsDeliveredInOrder(t *testing.T) {
	engine := &fakeEngine{}
	cfg := testConfig(4, 4)
	cfg.Session.DefaultChunkDuration = 0.02
	mgr := newTestManager(t, cfg, engine)

	sess, err := mgr.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	msgs := collectMessages(sess)

	go func() {
		for i := 0; i < 10; i++ {
			sess.Deliver(&protocol.ClientMessage{
				Type: protocol.TypeAudio,
				Data: audioPayload(true, 320),
			})
			time.Sleep(25 * time.Millisecond)
		}
		sess.Deliver(&protocol.ClientMessage{Type: protocol.TypeEnd})
	}()

	var last float64
	for msg := range msgs {
		if msg["type"] != protocol.TypeResult {
			continue
		}
		seq := msg["sequence"].(float64)
		if seq <= last {
			t.Errorf("sequence went backwards: %v after %v", seq, last)
		}
		last = seq
	}

	if last == 0 {
		t.Error("expected at least one result")
	}
	<-sess.Done()
}

func TestClearResetsRecognitionState(t *testing.T) {
	engine := &fakeEngine{}
	cfg := testConfig(4, 4)
	cfg.Endpointing.UseVAD = false // only clear may reset the cache here
	mgr := newTestManager(t, cfg, engine)

	sess, err := mgr.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	msgs := collectMessages(sess)

	deliverAudio(t, sess, true)
	waitForMessage(t, msgs, protocol.TypeResult, 2*time.Second)

	if err := sess.Deliver(&protocol.ClientMessage{Type: protocol.TypeClear}); err != nil {
		t.Fatalf("Deliver clear failed: %v", err)
	}
	waitForMessage(t, msgs, protocol.TypeCleared, 2*time.Second)

	// Next inference must start from a clean cache
	deliverAudio(t, sess, true)
	waitForMessage(t, msgs, protocol.TypeResult, 2*time.Second)

	engine.mu.Lock()
	lastCache := engine.lastCache
	engine.mu.Unlock()
	if lastCache != nil {
		t.Errorf("expected nil cache after clear, got %v", lastCache)
	}

	sess.Close()
	<-sess.Done()
}

func TestTransportLossReleasesQueuedInference(t *testing.T) {
	release := make(chan struct{})
	engine := &fakeEngine{blockOnce: release}
	mgr := newTestManager(t, testConfig(4, 1), engine)

	// First session occupies the only gate slot with a blocked call
	s1, err := mgr.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	m1 := collectMessages(s1)
	go func() {
		for range m1 {
		}
	}()
	deliverAudio(t, s1, true)

	// Wait until the blocked call holds the slot
	deadline := time.Now().Add(2 * time.Second)
	for engine.inFlight.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first inference never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Second session queues behind it, then its transport drops
	s2, err := mgr.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	m2 := collectMessages(s2)
	go func() {
		for range m2 {
		}
	}()
	deliverAudio(t, s2, true)
	time.Sleep(100 * time.Millisecond)

	s2.Close()
	select {
	case <-s2.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("queued session did not release on transport loss")
	}

	close(release)
	s1.Close()
	<-s1.Done()
}

func TestTransportLossFlushesBufferedAudio(t *testing.T) {
	engine := &fakeEngine{}
	cfg := testConfig(4, 4)
	cfg.Session.DefaultChunkDuration = 5 // keep the chunk ticker out of the way
	cfg.Endpointing.UseVAD = false       // only the transport loss may flush here
	mgr := newTestManager(t, cfg, engine)

	sess, err := mgr.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	msgs := collectMessages(sess)
	go func() {
		for range msgs {
		}
	}()

	deliverAudio(t, sess, true)

	// Wait for the run loop to buffer the samples
	deadline := time.Now().Add(2 * time.Second)
	for sess.Info().Buffer.Samples == 0 {
		if time.Now().After(deadline) {
			t.Fatal("audio never reached the buffer")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sess.Close()
	<-sess.Done()

	engine.mu.Lock()
	lastFinal := engine.lastFinal
	lastSample := engine.lastSample
	engine.mu.Unlock()

	if got := engine.calls.Load(); got != 1 {
		t.Fatalf("expected one best-effort final call, got %d", got)
	}
	if !lastFinal {
		t.Error("expected is_final on the transport-loss flush")
	}
	if lastSample != 320 {
		t.Errorf("expected 320 buffered samples in the flush, got %d", lastSample)
	}
}

func TestRepeatedInferenceFailuresCloseSession(t *testing.T) {
	engine := &fakeEngine{err: errors.New("backend down")}
	cfg := testConfig(4, 4)
	cfg.Session.MaxInferenceFailures = 2
	cfg.Session.DefaultChunkDuration = 0.02
	mgr := newTestManager(t, cfg, engine)

	sess, err := mgr.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	msgs := collectMessages(sess)
	go func() {
		for range msgs {
		}
	}()

	for i := 0; i < 10; i++ {
		if sess.Deliver(&protocol.ClientMessage{
			Type: protocol.TypeAudio,
			Data: audioPayload(true, 320),
		}) != nil {
			break
		}
		time.Sleep(30 * time.Millisecond)
	}

	select {
	case <-sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not close after repeated inference failures")
	}
}

func TestConfigUpdateAcknowledged(t *testing.T) {
	engine := &fakeEngine{}
	mgr := newTestManager(t, testConfig(4, 4), engine)

	sess, err := mgr.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	msgs := collectMessages(sess)

	chunk := 0.5
	useVAD := false
	if err := sess.Deliver(&protocol.ClientMessage{
		Type: protocol.TypeConfig,
		Config: &protocol.SessionConfig{
			Language:      "en",
			ChunkDuration: &chunk,
			UseVAD:        &useVAD,
		},
	}); err != nil {
		t.Fatalf("Deliver config failed: %v", err)
	}

	ack := waitForMessage(t, msgs, protocol.TypeConfigUpdated, 2*time.Second)
	if ack["language"] != "en" {
		t.Errorf("expected language 'en', got %v", ack["language"])
	}
	if ack["chunk_duration"] != 0.5 {
		t.Errorf("expected chunk_duration 0.5, got %v", ack["chunk_duration"])
	}
	if ack["use_vad"] != false {
		t.Errorf("expected use_vad false, got %v", ack["use_vad"])
	}

	sess.Close()
	<-sess.Done()
}

func TestPingPong(t *testing.T) {
	engine := &fakeEngine{}
	mgr := newTestManager(t, testConfig(4, 4), engine)

	sess, err := mgr.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	msgs := collectMessages(sess)

	if err := sess.Deliver(&protocol.ClientMessage{Type: protocol.TypePing}); err != nil {
		t.Fatalf("Deliver ping failed: %v", err)
	}
	waitForMessage(t, msgs, protocol.TypePong, 2*time.Second)

	sess.Close()
	<-sess.Done()
}

func TestManagerSnapshot(t *testing.T) {
	engine := &fakeEngine{}
	mgr := newTestManager(t, testConfig(4, 4), engine)

	s1, _ := mgr.Create()
	s2, _ := mgr.Create()

	if mgr.ActiveCount() != 2 {
		t.Errorf("expected 2 active sessions, got %d", mgr.ActiveCount())
	}

	infos := mgr.Snapshot()
	if len(infos) != 2 {
		t.Fatalf("expected 2 session infos, got %d", len(infos))
	}
	for _, info := range infos {
		if info.State != "idle" {
			t.Errorf("expected idle state for fresh session, got %s", info.State)
		}
	}

	s1.Close()
	s2.Close()
}
