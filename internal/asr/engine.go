package asr

import (
	"context"
	"fmt"
)

// Cache is the opaque incremental recognition state an engine threads
// through successive calls for one session. The session owns it and passes
// it back unmodified; only the engine interprets it.
type Cache any

// Request carries one inference call
type Request struct {
	Samples  []int16
	Cache    Cache
	Language string
	IsFinal  bool
}

// Result carries the outcome of one inference call. Cache is the updated
// recognition state the session must pass on the next call.
type Result struct {
	Text       string
	Confidence float64
	Cache      Cache
	ModelType  string
}

// Engine performs speech recognition on accumulated samples. Implementations
// must be safe for concurrent use; per-session serialization is the
// caller's responsibility.
type Engine interface {
	Infer(ctx context.Context, req *Request) (*Result, error)
	Name() string
}

// InferenceError indicates an engine call failed after retries were
// exhausted. The session survives it; only the result for this call is lost.
type InferenceError struct {
	Engine   string
	Attempts int
	Err      error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed on engine %s after %d attempts: %v", e.Engine, e.Attempts, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}
