package inference

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bufala/bufala-llm/pkg/api"
)

// MockReply is one scripted engine answer.
type MockReply struct {
	Content string
	Err     error
	Delay   time.Duration
}

// MockCall records a request the mock received.
type MockCall struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// MockEngine is a scripted Engine for tests and dry runs. Replies for a
// model are consumed in order; the last one repeats. Models with no
// script answer KindModelAbsent.
type MockEngine struct {
	method api.Method

	mu        sync.Mutex
	available bool
	scripts   map[string][]MockReply
	calls     []MockCall
}

// NewMockEngine creates an available mock reporting method.
func NewMockEngine(method api.Method) *MockEngine {
	return &MockEngine{
		method:    method,
		available: true,
		scripts:   make(map[string][]MockReply),
	}
}

// Script queues replies for model.
func (e *MockEngine) Script(model string, replies ...MockReply) *MockEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[model] = append(e.scripts[model], replies...)
	return e
}

// SetAvailable toggles Available and makes Chat fail with KindUnavailable.
func (e *MockEngine) SetAvailable(ok bool) {
	e.mu.Lock()
	e.available = ok
	e.mu.Unlock()
}

// Calls returns the requests seen so far.
func (e *MockEngine) Calls() []MockCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]MockCall(nil), e.calls...)
}

// Name implements Engine.
func (e *MockEngine) Name() api.Method { return e.method }

// Available implements Engine.
func (e *MockEngine) Available(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.available
}

// Chat implements Engine.
func (e *MockEngine) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model()
	engine := string(e.method)

	e.mu.Lock()
	e.calls = append(e.calls, MockCall{
		Model:       model,
		Temperature: req.Decoding.Temperature,
		MaxTokens:   req.Decoding.MaxOutputTokens,
	})
	available := e.available
	script := e.scripts[model]
	var reply MockReply
	if len(script) > 0 {
		reply = script[0]
		if len(script) > 1 {
			e.scripts[model] = script[1:]
		}
	}
	e.mu.Unlock()

	if !available {
		return nil, newError(KindUnavailable, engine, model, "mock engine offline", nil)
	}
	if len(script) == 0 {
		return nil, newError(KindModelAbsent, engine, model, "model not scripted", nil)
	}

	start := time.Now()
	if reply.Delay > 0 {
		timer := time.NewTimer(reply.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, newError(KindTimeout, engine, model, "deadline passed", ctx.Err())
		}
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	if strings.TrimSpace(reply.Content) == "" {
		return nil, newError(KindOutputInvalid, engine, model, "empty content", nil)
	}

	var prompt strings.Builder
	for _, msg := range req.Messages {
		prompt.WriteString(msg.Content)
		prompt.WriteString(" ")
	}
	return &ChatResponse{
		Content:          reply.Content,
		Model:            model,
		Method:           e.method,
		Quantization:     req.Descriptor.Quantization,
		PromptTokens:     len(strings.Fields(prompt.String())),
		CompletionTokens: len(strings.Fields(reply.Content)),
		Duration:         time.Since(start),
	}, nil
}
