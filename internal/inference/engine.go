// Package inference talks to the language models: the local HTTP runtime
// first, and llama.cpp loaded in-process when the runtime cannot serve.
package inference

import (
	"context"
	"strings"
	"time"

	"github.com/bufala/bufala-llm/internal/models"
	"github.com/bufala/bufala-llm/pkg/api"
)

// Engine defines the interface for LLM inference backends
type Engine interface {
	// Name identifies the path in response metadata.
	Name() api.Method

	// Chat runs one non-streaming generation.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Available reports whether the engine can take requests right now.
	Available(ctx context.Context) bool
}

// ChatRequest is one generation against one descriptor.
type ChatRequest struct {
	Descriptor models.Descriptor
	Messages   []api.ChatMessage
	Decoding   api.Decoding
}

// Model returns the runtime id the request targets.
func (r *ChatRequest) Model() string { return r.Descriptor.RuntimeID }

// ChatResponse is a successful generation.
type ChatResponse struct {
	Content          string
	Model            string
	Method           api.Method
	Quantization     models.Quantization
	PromptTokens     int
	CompletionTokens int
	Duration         time.Duration
}

// BuildMessages assembles the chat turns for a prompt. An empty system
// prompt is omitted.
func BuildMessages(systemPrompt, prompt string) []api.ChatMessage {
	var msgs []api.ChatMessage
	if s := strings.TrimSpace(systemPrompt); s != "" {
		msgs = append(msgs, api.ChatMessage{Role: "system", Content: s})
	}
	return append(msgs, api.ChatMessage{Role: "user", Content: prompt})
}

// LoadOptions contains options for loading a model in-process
type LoadOptions struct {
	ContextSize  int  // Context window size
	NumGPULayers int  // Number of layers to offload to GPU
	NumThreads   int  // Number of CPU threads to use (0 = auto)
	UseMlock     bool // Use mlock to keep model in RAM
	UseMmap      bool // Use mmap for faster loading
}

// DefaultLoadOptions returns default load options optimized for low-end hardware
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		ContextSize:  2048,
		NumGPULayers: 0,     // CPU only by default
		NumThreads:   0,     // 0 = auto-detect based on CPU cores
		UseMlock:     false, // Don't lock RAM by default (safer for low RAM systems)
		UseMmap:      true,  // Memory-map for low RAM systems
	}
}

// GenerationOptions contains options for in-process text generation
type GenerationOptions struct {
	Temperature   float32
	TopP          float32
	TopK          int
	RepeatPenalty float32
	MaxTokens     int
	Threads       int
	StopSequences []string
}

// GenerationOptionsFrom converts resolved decoding parameters.
func GenerationOptionsFrom(d api.Decoding) GenerationOptions {
	return GenerationOptions{
		Temperature:   float32(d.Temperature),
		TopP:          float32(d.TopP),
		TopK:          d.TopK,
		RepeatPenalty: float32(d.RepetitionPenalty),
		MaxTokens:     d.MaxOutputTokens,
	}
}
