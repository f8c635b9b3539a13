package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// JSONMode controls whether CLI output is JSON or human-readable
var JSONMode = false

// CommandResult represents a generic command result
type CommandResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WriteJSON encodes data as indented JSON to w.
func WriteJSON(w io.Writer, data any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)
	return encoder.Encode(data)
}

// PrintJSON outputs data as JSON
func PrintJSON(data any) {
	if err := WriteJSON(os.Stdout, data); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}

// Error outputs an error result in JSON mode. Callers print their own
// message otherwise.
func Error(message string, err error) {
	if !JSONMode {
		return
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	PrintJSON(CommandResult{
		Success: false,
		Message: message,
		Error:   errMsg,
	})
}
