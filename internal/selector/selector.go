// Package selector picks the catalog model a request runs on, given the
// host it runs on, and resolves the decoding parameters for it.
package selector

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bufala/bufala-llm/internal/models"
	"github.com/bufala/bufala-llm/internal/resource"
	"github.com/bufala/bufala-llm/pkg/api"
)

// ErrCandidatesExhausted is returned once every descriptor has been excluded.
var ErrCandidatesExhausted = errors.New("no model candidates left")

// Decoding clamps.
const (
	smallModelRAMGB       = 2.0
	smallModelMaxTokens   = 256
	smallModelMaxTopK     = 40
	topTierMaxTokens      = 1024
	longPromptWords       = 100
	longPromptMaxTokens   = 384
	underspecMinTokens    = 64
	underspecTimeoutScale = 1.5
)

// Options narrows a single selection.
type Options struct {
	// ForcedModel pins a runtime id when the host can run it.
	ForcedModel string
	// Excluded holds runtime ids that already failed for this request.
	Excluded map[string]bool
}

// Exclude returns a copy of o with id added to Excluded.
func (o Options) Exclude(id string) Options {
	excluded := make(map[string]bool, len(o.Excluded)+1)
	for k, v := range o.Excluded {
		excluded[k] = v
	}
	excluded[id] = true
	o.Excluded = excluded
	return o
}

// Rejection records a model the host could not run.
type Rejection struct {
	Model  string `json:"model"`
	Reason string `json:"reason"`
}

// Selection is the outcome of Select.
type Selection struct {
	Descriptor      models.Descriptor
	Decoding        api.Decoding
	Timeout         time.Duration
	ForcedUnderspec bool
	Reason          string
	Rejected        []Rejection
}

// Selector is stateless apart from its catalog; it is safe for concurrent use.
type Selector struct {
	catalog *models.Catalog
	logger  *slog.Logger
}

// New creates a selector over catalog.
func New(catalog *models.Catalog, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{catalog: catalog, logger: logger}
}

// Catalog returns the catalog the selector draws from.
func (s *Selector) Catalog() *models.Catalog { return s.catalog }

// Select returns the best descriptor host can run for req. The result is
// deterministic for identical inputs.
func (s *Selector) Select(host resource.HostProfile, req api.ClassifiedRequest, opts Options) (Selection, error) {
	ctx := req.Context
	if !ctx.Valid() {
		ctx = api.ContextGeneral
	}
	crit := req.Criticality

	var rejected []Rejection
	if forced := strings.TrimSpace(opts.ForcedModel); forced != "" && !opts.Excluded[forced] {
		d, ok := s.catalog.Find(forced)
		switch {
		case !ok:
			s.logger.Warn("ignoring unknown forced model", "model", forced)
		case d.Floor.SatisfiedBy(host):
			return s.finish(d, req, false, "forced model", rejected), nil
		default:
			reason := floorShortfall(d.Floor, host)
			s.logger.Warn("demoting forced model, host below its floor", "model", forced, "reason", reason)
			rejected = append(rejected, Rejection{Model: forced, Reason: reason})
		}
	}

	for _, d := range s.catalog.ModelsFor(ctx, crit) {
		if opts.Excluded[d.RuntimeID] || !d.Floor.SatisfiedBy(host) {
			continue
		}
		return s.finish(d, req, false, fmt.Sprintf("best %s model for %s", crit, ctx), rejected), nil
	}

	for _, d := range s.catalog.FallbackChain() {
		if opts.Excluded[d.RuntimeID] || !d.Floor.SatisfiedBy(host) {
			continue
		}
		underspec := d.CriticalityCeiling < crit
		return s.finish(d, req, underspec, "fallback chain", rejected), nil
	}

	lightest, ok := s.lightestRemaining(opts.Excluded)
	if !ok {
		return Selection{Rejected: rejected}, ErrCandidatesExhausted
	}
	s.logger.Warn("no model fits this host, forcing lightest", "model", lightest.RuntimeID,
		"ram_gb", host.TotalRAMGB, "cores", host.PhysicalCores)
	return s.finish(lightest, req, true, "lightest model, host below every floor", rejected), nil
}

func (s *Selector) lightestRemaining(excluded map[string]bool) (models.Descriptor, bool) {
	d := models.LightestOf(s.catalog.All(), excluded)
	return d, d.RuntimeID != ""
}

func (s *Selector) finish(d models.Descriptor, req api.ClassifiedRequest, underspec bool, reason string, rejected []Rejection) Selection {
	dec := d.Defaults.Merge(req.Overrides)
	timeout := d.AttemptTimeout()

	if d.Floor.MinRAMGB < smallModelRAMGB {
		dec.MaxOutputTokens = min(dec.MaxOutputTokens, smallModelMaxTokens)
		dec.TopK = min(dec.TopK, smallModelMaxTopK)
	}
	if d.AccuracyTier == s.catalog.TopTier() {
		dec.MaxOutputTokens = min(dec.MaxOutputTokens, topTierMaxTokens)
	}
	if len(strings.Fields(req.Prompt)) > longPromptWords {
		dec.MaxOutputTokens = min(dec.MaxOutputTokens, longPromptMaxTokens)
	}
	if underspec {
		dec.MaxOutputTokens = max(dec.MaxOutputTokens/2, min(dec.MaxOutputTokens, underspecMinTokens))
		timeout = time.Duration(float64(timeout) * underspecTimeoutScale)
	}

	return Selection{
		Descriptor:      d,
		Decoding:        dec,
		Timeout:         timeout,
		ForcedUnderspec: underspec,
		Reason:          reason,
		Rejected:        rejected,
	}
}

func floorShortfall(f models.HardwareFloor, host resource.HostProfile) string {
	var parts []string
	if host.TotalRAMGB < f.MinRAMGB {
		parts = append(parts, fmt.Sprintf("ram %.1fGB < %.1fGB", host.TotalRAMGB, f.MinRAMGB))
	}
	if host.PhysicalCores < f.MinCores {
		parts = append(parts, fmt.Sprintf("cores %d < %d", host.PhysicalCores, f.MinCores))
	}
	if host.DiskFreeGB() < f.MinFreeDiskGB {
		parts = append(parts, fmt.Sprintf("free disk %.1fGB < %.1fGB", host.DiskFreeGB(), f.MinFreeDiskGB))
	}
	return strings.Join(parts, ", ")
}
