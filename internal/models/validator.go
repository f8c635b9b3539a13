package models

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNotGGUF is returned for files without a GGUF or GGML header.
var ErrNotGGUF = errors.New("not a valid GGUF file (invalid magic number)")

// ValidateModelFile checks that path is a regular file starting with a
// GGUF (or legacy GGML) magic number. It does not read the whole file.
func ValidateModelFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, not a model file", path)
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(file, magic); err != nil {
		return fmt.Errorf("%s: file too small to contain a GGUF header: %w", path, ErrNotGGUF)
	}
	switch string(magic) {
	case "GGUF", "gguf", "GGML", "ggml":
		return nil
	}
	return fmt.Errorf("%s: %w", path, ErrNotGGUF)
}
