// Package classify maps a request to a context and a criticality level
// using keyword lexicons. Classification is deterministic and has no side
// effects beyond warnings for unusable hints.
package classify

import (
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/bufala/bufala-llm/pkg/api"
)

// Classifier resolves context and criticality. The lexicon can be swapped
// at runtime without locking readers.
type Classifier struct {
	lexicon atomic.Pointer[compiled]
	logger  *slog.Logger
}

// New creates a classifier. A nil lexicon selects DefaultLexicon.
func New(lex *Lexicon, logger *slog.Logger) *Classifier {
	if lex == nil {
		lex = DefaultLexicon()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Classifier{logger: logger}
	c.lexicon.Store(compile(lex))
	return c
}

// SetLexicon replaces the active lexicon.
func (c *Classifier) SetLexicon(lex *Lexicon) {
	c.lexicon.Store(compile(lex))
}

// Lexicon returns the active lexicon.
func (c *Classifier) Lexicon() *Lexicon {
	return c.lexicon.Load().source
}

// ClassifyContext returns hint when it is valid. Otherwise the context
// with the most keyword hits wins, ties going to the earlier entry of
// api.AllContexts. No hits yields GENERAL.
func (c *Classifier) ClassifyContext(text string, hint *api.ContextType) api.ContextType {
	if hint != nil {
		if hint.Valid() {
			return *hint
		}
		c.logger.Warn("ignoring unknown context hint", "hint", string(*hint))
	}

	norm := normalize(text)
	if strings.TrimSpace(norm) == "" {
		return api.ContextGeneral
	}

	lex := c.lexicon.Load()
	best, bestHits := api.ContextGeneral, 0
	for _, ctx := range api.AllContexts {
		if n := hits(norm, lex.contexts[string(ctx)]); n > bestHits {
			best, bestHits = ctx, n
		}
	}
	return best
}

// DetectCriticality runs the tiered keyword scan alone.
func (c *Classifier) DetectCriticality(text string) api.CriticalityLevel {
	norm := normalize(text)
	lex := c.lexicon.Load()
	switch {
	case anyHit(norm, lex.critical):
		return api.CriticalityCritical
	case anyHit(norm, lex.high):
		return api.CriticalityHigh
	case anyHit(norm, lex.medium):
		return api.CriticalityMedium
	default:
		return api.CriticalityLow
	}
}

// ClassifyCriticality combines hint and text. A hint is never downgraded:
// with both present the result is the more severe of the two.
func (c *Classifier) ClassifyCriticality(text string, hint *api.CriticalityLevel) api.CriticalityLevel {
	detected := c.DetectCriticality(text)
	if hint == nil {
		return detected
	}
	if !hint.Valid() {
		c.logger.Warn("ignoring unknown criticality hint", "hint", int(*hint))
		return detected
	}
	return api.MaxCriticality(*hint, detected)
}

// CriticalityFloor is the criticality assumed for a context when there is
// neither user text nor a hint to go on.
func CriticalityFloor(ctx api.ContextType) api.CriticalityLevel {
	switch ctx {
	case api.ContextEmergency, api.ContextEnvironmental:
		return api.CriticalityCritical
	case api.ContextHealth:
		return api.CriticalityHigh
	case api.ContextEducation, api.ContextAgriculture, api.ContextAccessibility:
		return api.CriticalityMedium
	default:
		return api.CriticalityLow
	}
}

// Classify resolves both dimensions for req. Keyword scans run over the
// user text, or over the composed prompt when no user text was given.
// Without user text and without a valid criticality hint the context floor
// applies, raised by whatever the composed prompt itself signals.
func (c *Classifier) Classify(req api.Request) api.ClassifiedRequest {
	text := req.UserText
	noUserText := strings.TrimSpace(text) == ""
	if noUserText {
		text = req.ComposedPrompt
	}

	ctx := c.ClassifyContext(text, req.DomainHint)

	var crit api.CriticalityLevel
	switch {
	case noUserText && (req.CriticalityHint == nil || !req.CriticalityHint.Valid()):
		crit = api.MaxCriticality(CriticalityFloor(ctx), c.DetectCriticality(req.ComposedPrompt))
	default:
		crit = c.ClassifyCriticality(text, req.CriticalityHint)
	}

	return api.ClassifiedRequest{
		Text:            text,
		DomainHint:      req.DomainHint,
		CriticalityHint: req.CriticalityHint,
		Context:         ctx,
		Criticality:     crit,
		Prompt:          req.ComposedPrompt,
		SystemPrompt:    req.SystemPrompt,
		ExpectJSON:      req.ExpectJSON,
		Overrides:       req.Decoding,
	}
}

// CoerceContext parses a wire hint leniently: unknown values become
// GENERAL with a warning. Empty input means no hint.
func CoerceContext(raw string, logger *slog.Logger) *api.ContextType {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	ctx, err := api.ParseContextType(raw)
	if err != nil && logger != nil {
		logger.Warn("unknown context hint, using general", "hint", raw)
	}
	return &ctx
}

// CoerceCriticality parses a wire hint leniently: unknown values become
// LOW with a warning. Empty input means no hint.
func CoerceCriticality(raw string, logger *slog.Logger) *api.CriticalityLevel {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	crit, err := api.ParseCriticality(raw)
	if err != nil && logger != nil {
		logger.Warn("unknown criticality hint, using low", "hint", raw)
	}
	return &crit
}
