package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/streaming-asr-service/internal/audio"
	"github.com/skypro1111/streaming-asr-service/internal/metrics"
)

// HTTPEngine talks to a recognition backend over HTTP. Each call posts the
// accumulated samples as a WAV file in a multipart form; the backend
// returns raw text plus an opaque cache token that carries its incremental
// state between calls.
type HTTPEngine struct {
	config     HTTPConfig
	httpClient *http.Client
	metrics    *metrics.Metrics

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// HTTPConfig contains HTTP engine configuration
type HTTPConfig struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	Model      string
	SampleRate int
}

// engineResponse is the backend's JSON response
type engineResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	CacheToken string  `json:"cache_token,omitempty"`
	Model      string  `json:"model,omitempty"`
}

// EngineStats reports HTTP engine statistics for monitoring
type EngineStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// NewHTTPEngine creates an HTTP inference engine. Retries are reported
// through m alongside the engine's own stats.
func NewHTTPEngine(config HTTPConfig, m *metrics.Metrics) (*HTTPEngine, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.SampleRate <= 0 {
		config.SampleRate = 16000
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &HTTPEngine{
		config:     config,
		httpClient: httpClient,
		metrics:    m,
	}, nil
}

// Name returns the engine identifier used in results and logs
func (e *HTTPEngine) Name() string {
	if e.config.Model != "" {
		return e.config.Model
	}
	return "http"
}

// Infer posts the samples to the backend, retrying transient failures with
// exponential backoff
func (e *HTTPEngine) Infer(ctx context.Context, req *Request) (*Result, error) {
	// A final flush may carry no new audio, only the cache token to drain
	if len(req.Samples) == 0 && req.Cache == nil {
		return nil, fmt.Errorf("cannot infer on empty samples without recognition state")
	}

	startTime := time.Now()
	e.incrementTotalRequests()

	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			e.incrementTotalRetries()
			e.metrics.RecordInferenceRetry()

			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		attempts++
		result, err := e.doRequest(ctx, req)
		if err == nil {
			e.incrementSuccessRequests()
			e.updateAvgResponseTime(time.Since(startTime))
			return result, nil
		}

		lastErr = err

		if !isRetryableError(err) {
			break
		}
	}

	e.incrementFailedRequests()
	return nil, &InferenceError{Engine: e.Name(), Attempts: attempts, Err: lastErr}
}

// doRequest performs a single HTTP request to the recognition backend
func (e *HTTPEngine) doRequest(ctx context.Context, req *Request) (*Result, error) {
	body, contentType, err := e.createMultipartRequest(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", e.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	if e.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "Streaming-ASR-Service/1.0")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	var engineResp engineResponse
	if err := json.Unmarshal(respBody, &engineResp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	modelType := engineResp.Model
	if modelType == "" {
		modelType = e.Name()
	}

	var cache Cache
	if engineResp.CacheToken != "" {
		cache = engineResp.CacheToken
	}

	return &Result{
		Text:       engineResp.Text,
		Confidence: engineResp.Confidence,
		Cache:      cache,
		ModelType:  modelType,
	}, nil
}

// createMultipartRequest builds a multipart/form-data body with the audio
// as a WAV file plus the recognition parameters
func (e *HTTPEngine) createMultipartRequest(req *Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if len(req.Samples) > 0 {
		wavData, err := audio.EncodeWAV(req.Samples, e.config.SampleRate)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode WAV: %w", err)
		}

		fileWriter, err := writer.CreateFormFile("file", "audio.wav")
		if err != nil {
			return nil, "", fmt.Errorf("failed to create form file: %w", err)
		}

		if _, err := fileWriter.Write(wavData); err != nil {
			return nil, "", fmt.Errorf("failed to write audio data: %w", err)
		}
	}

	fields := map[string]string{
		"sample_rate": fmt.Sprintf("%d", e.config.SampleRate),
		"is_final":    fmt.Sprintf("%t", req.IsFinal),
	}

	if req.Language != "" {
		fields["language"] = req.Language
	}
	if e.config.Model != "" {
		fields["model"] = e.config.Model
	}
	if token, ok := req.Cache.(string); ok && token != "" {
		fields["cache_token"] = token
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// isRetryableError determines if an error is worth another attempt
func isRetryableError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := err.Error()

	// 5xx server errors and rate limiting are retryable
	if strings.Contains(errStr, "HTTP error 5") || strings.Contains(errStr, "HTTP error 429") {
		return true
	}

	// Network/connection errors are typically retryable
	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "refused") {
		return true
	}

	return false
}

// Statistics methods
func (e *HTTPEngine) incrementTotalRequests() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalRequests++
}

func (e *HTTPEngine) incrementSuccessRequests() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.successRequests++
}

func (e *HTTPEngine) incrementFailedRequests() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failedRequests++
}

func (e *HTTPEngine) incrementTotalRetries() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalRetries++
}

func (e *HTTPEngine) updateAvgResponseTime(responseTime time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.avgResponseTime == 0 {
		e.avgResponseTime = responseTime
	} else {
		e.avgResponseTime = (e.avgResponseTime + responseTime) / 2
	}
}

// Stats returns current engine statistics
func (e *HTTPEngine) Stats() EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	successRate := float64(0)
	if e.totalRequests > 0 {
		successRate = float64(e.successRequests) / float64(e.totalRequests) * 100
	}

	return EngineStats{
		TotalRequests:   e.totalRequests,
		SuccessRequests: e.successRequests,
		FailedRequests:  e.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    e.totalRetries,
		AvgResponseTime: e.avgResponseTime,
	}
}
