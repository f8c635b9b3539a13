package resource

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
)

// ErrNoGPU is returned when no CUDA capable accelerator is visible.
var ErrNoGPU = errors.New("no CUDA capable GPU detected")

// GPUInfo contains GPU information
type GPUInfo struct {
	Present  bool   `json:"present"`
	Name     string `json:"name,omitempty"`
	MemoryMB int64  `json:"memory_mb,omitempty"`
}

// detectNvidiaGPU queries nvidia-smi for the first device.
func detectNvidiaGPU(ctx context.Context) (GPUInfo, error) {
	cmd := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=memory.total,name", "--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		// No NVIDIA GPU or nvidia-smi not installed
		return GPUInfo{}, ErrNoGPU
	}
	return parseNvidiaSMI(string(out))
}

// parseNvidiaSMI parses output like "8192, NVIDIA GeForce RTX 3070". Only
// the first line is considered.
func parseNvidiaSMI(out string) (GPUInfo, error) {
	line := strings.TrimSpace(out)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	parts := strings.SplitN(line, ",", 2)
	if len(parts) < 2 {
		return GPUInfo{}, ErrNoGPU
	}
	vram, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return GPUInfo{}, ErrNoGPU
	}
	return GPUInfo{
		Present:  true,
		Name:     strings.TrimSpace(parts[1]),
		MemoryMB: vram,
	}, nil
}
