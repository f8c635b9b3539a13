package api

import (
	"fmt"
	"strings"
	"time"
)

// ContextType is the coarse domain a request belongs to. The wire form is
// the lowercase name.
type ContextType string

const (
	ContextGeneral       ContextType = "general"
	ContextEducation     ContextType = "education"
	ContextAgriculture   ContextType = "agriculture"
	ContextHealth        ContextType = "health"
	ContextEmergency     ContextType = "emergency"
	ContextEnvironmental ContextType = "environmental"
	ContextAccessibility ContextType = "accessibility"
)

// AllContexts lists every context type in tie-break priority order.
var AllContexts = []ContextType{
	ContextEmergency,
	ContextHealth,
	ContextEnvironmental,
	ContextAgriculture,
	ContextEducation,
	ContextAccessibility,
	ContextGeneral,
}

// Valid reports whether c is one of the known context types.
func (c ContextType) Valid() bool {
	for _, known := range AllContexts {
		if c == known {
			return true
		}
	}
	return false
}

// ParseContextType accepts the wire form in any case.
func ParseContextType(s string) (ContextType, error) {
	c := ContextType(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return ContextGeneral, fmt.Errorf("unknown context type %q", s)
	}
	return c, nil
}

// CriticalityLevel orders requests by how much an inaccurate answer costs.
type CriticalityLevel int

const (
	CriticalityLow CriticalityLevel = iota
	CriticalityMedium
	CriticalityHigh
	CriticalityCritical
)

func (l CriticalityLevel) String() string {
	switch l {
	case CriticalityLow:
		return "low"
	case CriticalityMedium:
		return "medium"
	case CriticalityHigh:
		return "high"
	case CriticalityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether l is within LOW..CRITICAL.
func (l CriticalityLevel) Valid() bool {
	return l >= CriticalityLow && l <= CriticalityCritical
}

// ParseCriticality accepts the wire form in any case.
func ParseCriticality(s string) (CriticalityLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return CriticalityLow, nil
	case "medium":
		return CriticalityMedium, nil
	case "high":
		return CriticalityHigh, nil
	case "critical":
		return CriticalityCritical, nil
	}
	return CriticalityLow, fmt.Errorf("unknown criticality %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (l CriticalityLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *CriticalityLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseCriticality(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MaxCriticality returns the more severe of a and b.
func MaxCriticality(a, b CriticalityLevel) CriticalityLevel {
	if a > b {
		return a
	}
	return b
}

// Decoding holds fully resolved generation parameters.
type Decoding struct {
	Temperature       float64 `json:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	TopP              float64 `json:"top_p" yaml:"top_p" validate:"gt=0,lte=1"`
	TopK              int     `json:"top_k" yaml:"top_k" validate:"gte=1"`
	RepetitionPenalty float64 `json:"repetition_penalty" yaml:"repetition_penalty" validate:"gt=0,lte=3"`
	MaxOutputTokens   int     `json:"max_output_tokens" yaml:"max_output_tokens" validate:"gte=1"`
	ContextWindow     int     `json:"context_window" yaml:"context_window" validate:"gte=128"`
}

// DecodingOverrides carries caller supplied generation parameters. Nil
// fields keep the descriptor default.
type DecodingOverrides struct {
	Temperature       *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	TopP              *float64 `json:"top_p,omitempty" validate:"omitempty,gt=0,lte=1"`
	TopK              *int     `json:"top_k,omitempty" validate:"omitempty,gte=1"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty" validate:"omitempty,gt=0,lte=3"`
	MaxOutputTokens   *int     `json:"max_output_tokens,omitempty" validate:"omitempty,gte=1"`
	ContextWindow     *int     `json:"context_window,omitempty" validate:"omitempty,gte=128"`
}

// Merge returns d with every non-nil override applied.
func (d Decoding) Merge(o *DecodingOverrides) Decoding {
	if o == nil {
		return d
	}
	if o.Temperature != nil {
		d.Temperature = *o.Temperature
	}
	if o.TopP != nil {
		d.TopP = *o.TopP
	}
	if o.TopK != nil {
		d.TopK = *o.TopK
	}
	if o.RepetitionPenalty != nil {
		d.RepetitionPenalty = *o.RepetitionPenalty
	}
	if o.MaxOutputTokens != nil {
		d.MaxOutputTokens = *o.MaxOutputTokens
	}
	if o.ContextWindow != nil {
		d.ContextWindow = *o.ContextWindow
	}
	return d
}

// ChatMessage represents a single message in a chat
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Request is the upstream entry point into the routing layer.
type Request struct {
	DomainHint      *ContextType       `json:"domain_hint,omitempty"`
	CriticalityHint *CriticalityLevel  `json:"criticality_hint,omitempty"`
	UserText        string             `json:"user_text,omitempty"`
	ComposedPrompt  string             `json:"composed_prompt" validate:"required"`
	SystemPrompt    string             `json:"system_prompt,omitempty"`
	ExpectJSON      bool               `json:"expect_json,omitempty"`
	Decoding        *DecodingOverrides `json:"decoding,omitempty" validate:"omitempty"`
	ForcedModel     string             `json:"forced_model,omitempty"`
}

// ClassifiedRequest is a Request after context and criticality resolution.
type ClassifiedRequest struct {
	Text            string
	DomainHint      *ContextType
	CriticalityHint *CriticalityLevel
	Context         ContextType
	Criticality     CriticalityLevel
	Prompt          string
	SystemPrompt    string
	ExpectJSON      bool
	Overrides       *DecodingOverrides
}

// Method names the path that produced a response.
type Method string

const (
	MethodRuntime   Method = "runtime"
	MethodInProcess Method = "in_process"
	MethodCanned    Method = "canned"
)

// Outcome is the result of one execution attempt.
type Outcome string

const (
	OutcomeSuccess          Outcome = "SUCCESS"
	OutcomeTimeout          Outcome = "TIMEOUT"
	OutcomeRuntimeError     Outcome = "RUNTIME_ERROR"
	OutcomeOutputInvalid    Outcome = "OUTPUT_INVALID"
	OutcomeHardwareRejected Outcome = "HARDWARE_REJECTED"
)

// Attempt records one invocation of one model.
type Attempt struct {
	Model       string    `json:"model"`
	Method      Method    `json:"method"`
	Started     time.Time `json:"started"`
	Ended       time.Time `json:"ended"`
	Outcome     Outcome   `json:"outcome"`
	Temperature float64   `json:"temperature"`
	Error       string    `json:"error,omitempty"`
	Raw         string    `json:"-"`
}

// Metadata describes how a response was produced.
type Metadata struct {
	RequestID       string           `json:"request_id"`
	ModelUsed       string           `json:"model_used"`
	Method          Method           `json:"method"`
	ElapsedMS       int64            `json:"elapsed_ms"`
	Fallback        bool             `json:"fallback"`
	ParseFailed     bool             `json:"parse_failed,omitempty"`
	Salvaged        bool             `json:"salvaged,omitempty"`
	ForcedUnderspec bool             `json:"forced_underspec,omitempty"`
	Context         ContextType      `json:"context"`
	Criticality     CriticalityLevel `json:"criticality"`
	Attempts        []Attempt        `json:"attempts,omitempty"`
	States          []string         `json:"states,omitempty"`
}

// Response is what the routing layer hands back to route handlers. Content
// is a string in text mode and decoded JSON otherwise.
type Response struct {
	Content  any      `json:"content"`
	Metadata Metadata `json:"metadata"`
}
