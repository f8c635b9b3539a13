package inference

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies engine failures so the pipeline can pick the next step
// without string matching.
type Kind string

const (
	// KindUnavailable means the engine cannot be reached or is not built in.
	KindUnavailable Kind = "unavailable"
	// KindModelAbsent means the engine works but does not have the model.
	KindModelAbsent Kind = "model_absent"
	// KindRuntimeError is any other failure reported by the engine.
	KindRuntimeError Kind = "runtime_error"
	// KindTimeout means the attempt deadline passed.
	KindTimeout Kind = "timeout"
	// KindOutputInvalid means the engine answered with nothing usable.
	KindOutputInvalid Kind = "output_invalid"
)

// EngineError wraps structured errors returned by inference engines so callers can react intelligently
// to known failure modes without string matching everywhere.
type EngineError struct {
	Kind    Kind
	Engine  string
	Model   string
	Status  int
	Message string
	Details string
	Err     error
}

func (e *EngineError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = e.Details
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("status %d: %s", e.Status, msg)
	}
	if e.Err != nil && msg == "" {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s %s (%s): %s", e.Engine, e.Model, e.Kind, msg)
}

func (e *EngineError) Unwrap() error { return e.Err }

// AsEngineError returns the EngineError if the provided error chain contains one.
func AsEngineError(err error) *EngineError {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}
	return nil
}

// KindOf classifies any error. Context deadlines count as timeouts and
// unknown errors as runtime errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e := AsEngineError(err); e != nil {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindRuntimeError
}

func newError(kind Kind, engine, model, message string, err error) *EngineError {
	return &EngineError{Kind: kind, Engine: engine, Model: model, Message: message, Err: err}
}
