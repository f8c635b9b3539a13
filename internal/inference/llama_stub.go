//go:build !llama
// +build !llama

package inference

import "errors"

// LlamaLoader stub when llama.cpp is not available
// To enable in-process inference:
// 1. Install llama.cpp: git clone https://github.com/ggerganov/llama.cpp && cd llama.cpp && make
// 2. Set environment: export C_INCLUDE_PATH=/path/to/llama.cpp:$C_INCLUDE_PATH
// 3. Build with: go build -tags llama
type LlamaLoader struct{}

// NewLlamaLoader creates the stub loader.
func NewLlamaLoader() *LlamaLoader { return &LlamaLoader{} }

// Available implements Loader.
func (l *LlamaLoader) Available() bool { return false }

// Load implements Loader.
func (l *LlamaLoader) Load(path string, opts LoadOptions) (Generator, error) {
	return nil, &EngineError{
		Kind:    KindUnavailable,
		Engine:  "in_process",
		Message: "llama.cpp not compiled in",
		Err:     errors.New("build with -tags llama"),
	}
}
