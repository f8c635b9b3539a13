package inference

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/bufala/bufala-llm/pkg/api"
)

// LocalEngine runs descriptors in-process through a ModelCache.
type LocalEngine struct {
	cache   *ModelCache
	enabled bool
	threads int
	logger  *slog.Logger
}

// NewLocalEngine wraps cache. A disabled engine refuses every request.
func NewLocalEngine(cache *ModelCache, enabled bool, threads int, logger *slog.Logger) *LocalEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalEngine{cache: cache, enabled: enabled, threads: threads, logger: logger}
}

// Name implements Engine.
func (e *LocalEngine) Name() api.Method { return api.MethodInProcess }

// Available implements Engine.
func (e *LocalEngine) Available(ctx context.Context) bool {
	return e.enabled && e.cache != nil && e.cache.Available()
}

// Cache returns the underlying model cache.
func (e *LocalEngine) Cache() *ModelCache { return e.cache }

// Chat implements Engine.
func (e *LocalEngine) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model()
	if !e.Available(ctx) {
		return nil, newError(KindUnavailable, "in_process", model, "in-process fallback disabled", nil)
	}

	lease, err := e.cache.Acquire(ctx, req.Descriptor)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	prompt, stops := BuildPrompt(model, req.Messages)
	opts := GenerationOptionsFrom(req.Decoding)
	opts.Threads = e.threads
	opts.StopSequences = stops

	start := time.Now()
	text, err := lease.Generate(ctx, prompt, opts)
	if ctx.Err() != nil {
		return nil, newError(KindTimeout, "in_process", model, "generation cancelled", ctx.Err())
	}
	if err != nil {
		return nil, newError(KindRuntimeError, "in_process", model, "generation failed", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, newError(KindOutputInvalid, "in_process", model, "empty generation", nil)
	}

	return &ChatResponse{
		Content:          text,
		Model:            model,
		Method:           api.MethodInProcess,
		Quantization:     lease.Model.Quantization,
		PromptTokens:     len(strings.Fields(prompt)),
		CompletionTokens: len(strings.Fields(text)),
		Duration:         time.Since(start),
	}, nil
}
