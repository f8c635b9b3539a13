//go:build llama
// +build llama

package inference

import (
	"context"
	"fmt"

	llama "github.com/go-skynet/go-llama.cpp"
)

// LlamaLoader loads GGUF files through llama.cpp.
type LlamaLoader struct{}

// NewLlamaLoader creates a llama.cpp loader.
func NewLlamaLoader() *LlamaLoader { return &LlamaLoader{} }

// Available implements Loader.
func (l *LlamaLoader) Available() bool { return true }

// Load implements Loader.
func (l *LlamaLoader) Load(path string, opts LoadOptions) (Generator, error) {
	// Convert our options to llama.cpp options
	llamaOpts := []llama.ModelOption{
		llama.SetContext(opts.ContextSize),
		llama.SetGPULayers(opts.NumGPULayers),
		llama.SetMMap(opts.UseMmap),
	}
	if opts.UseMlock {
		llamaOpts = append(llamaOpts, llama.EnableMLock)
	}

	model, err := llama.New(path, llamaOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	return &llamaGenerator{model: model}, nil
}

type llamaGenerator struct {
	model *llama.LLama
}

func (g *llamaGenerator) Generate(ctx context.Context, prompt string, opts GenerationOptions) (string, error) {
	predictOpts := []llama.PredictOption{
		llama.SetTemperature(opts.Temperature),
		llama.SetTopP(opts.TopP),
		llama.SetTopK(opts.TopK),
		llama.SetPenalty(opts.RepeatPenalty),
		llama.SetTokens(opts.MaxTokens),
		// Stop predicting once the request is cancelled.
		llama.SetTokenCallback(func(string) bool { return ctx.Err() == nil }),
	}
	if opts.Threads > 0 {
		predictOpts = append(predictOpts, llama.SetThreads(opts.Threads))
	}
	if len(opts.StopSequences) > 0 {
		predictOpts = append(predictOpts, llama.SetStopWords(opts.StopSequences...))
	}

	out, err := g.model.Predict(prompt, predictOpts...)
	if err != nil {
		return "", fmt.Errorf("prediction failed: %w", err)
	}
	return out, nil
}

func (g *llamaGenerator) Close() error {
	g.model.Free()
	return nil
}
