package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bufala/bufala-llm/internal/resource"
	"github.com/bufala/bufala-llm/pkg/api"
)

// ErrInvalidCatalog is wrapped by every catalog validation failure.
var ErrInvalidCatalog = errors.New("invalid model catalog")

// HardwareFloor is the minimum host a descriptor can run on.
type HardwareFloor struct {
	MinRAMGB      float64 `json:"min_ram_gb" yaml:"min_ram_gb"`
	MinCores      int     `json:"min_cores" yaml:"min_cores"`
	MinFreeDiskGB float64 `json:"min_free_disk_gb" yaml:"min_free_disk_gb"`
}

// SatisfiedBy reports whether p meets every minimum. Cores compare against
// physical cores.
func (f HardwareFloor) SatisfiedBy(p resource.HostProfile) bool {
	return p.TotalRAMGB >= f.MinRAMGB &&
		p.PhysicalCores >= f.MinCores &&
		p.DiskFreeGB() >= f.MinFreeDiskGB
}

// Descriptor declares one installable model variant. Descriptors are never
// mutated after the catalog is built.
type Descriptor struct {
	RuntimeID          string                  `json:"runtime_id" yaml:"runtime_id"`
	DisplayName        string                  `json:"display_name" yaml:"display_name"`
	Description        string                  `json:"description,omitempty" yaml:"description,omitempty"`
	ServedContexts     []api.ContextType       `json:"served_contexts" yaml:"served_contexts"`
	CriticalityCeiling api.CriticalityLevel    `json:"criticality_ceiling" yaml:"criticality_ceiling"`
	AccuracyTier       int                     `json:"accuracy_tier" yaml:"accuracy_tier"`
	Defaults           api.Decoding            `json:"defaults" yaml:"defaults"`
	Floor              HardwareFloor           `json:"floor" yaml:"floor"`
	Quantization       Quantization            `json:"quantization,omitempty" yaml:"quantization,omitempty"`
	DType              DType                   `json:"dtype,omitempty" yaml:"dtype,omitempty"`
	LocalFiles         map[Quantization]string `json:"local_files,omitempty" yaml:"local_files,omitempty"`
	TimeoutSeconds     int                     `json:"attempt_timeout_seconds,omitempty" yaml:"attempt_timeout_seconds,omitempty"`
}

// Serves reports whether ctx is one of the descriptor's preferred contexts.
func (d Descriptor) Serves(ctx api.ContextType) bool {
	for _, c := range d.ServedContexts {
		if c == ctx {
			return true
		}
	}
	return false
}

// AttemptTimeout is the per-attempt budget. When unset it grows with the
// accuracy tier from 10s.
func (d Descriptor) AttemptTimeout() time.Duration {
	if d.TimeoutSeconds > 0 {
		return time.Duration(d.TimeoutSeconds) * time.Second
	}
	secs := 10 + 15*(d.AccuracyTier-1)
	if secs < 10 {
		secs = 10
	}
	if secs > 60 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}

// LocalFile returns the GGUF file name for quantization q, if declared.
func (d Descriptor) LocalFile(q Quantization) (string, bool) {
	name, ok := d.LocalFiles[q]
	return name, ok && name != ""
}

// Catalog is the ordered, read-only set of descriptors.
type Catalog struct {
	descriptors []Descriptor
	index       map[string]int
}

// NewCatalog validates ds and builds a catalog preserving their order.
func NewCatalog(ds []Descriptor) (*Catalog, error) {
	c := &Catalog{
		descriptors: make([]Descriptor, len(ds)),
		index:       make(map[string]int, len(ds)),
	}
	copy(c.descriptors, ds)
	for i := range c.descriptors {
		normalize(&c.descriptors[i])
		c.index[c.descriptors[i].RuntimeID] = i
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func normalize(d *Descriptor) {
	d.RuntimeID = strings.TrimSpace(d.RuntimeID)
	if d.Quantization == "" {
		d.Quantization = QuantNone
	}
	if d.DType == "" {
		d.DType = DTypeFP16
	}
	if d.DisplayName == "" {
		d.DisplayName = d.RuntimeID
	}
}

// DefaultCatalog returns the built-in gemma3n tiers.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(defaultDescriptors())
	if err != nil {
		panic(fmt.Sprintf("built-in catalog is invalid: %v", err))
	}
	return c
}

func defaultDescriptors() []Descriptor {
	return []Descriptor{
		{
			RuntimeID:          "gemma3n:e4b",
			DisplayName:        "Gemma 3n E4B",
			Description:        "4B effective parameters, highest accuracy (needs ~3GB RAM)",
			ServedContexts:     []api.ContextType{api.ContextEmergency, api.ContextHealth, api.ContextEnvironmental, api.ContextEducation, api.ContextAgriculture},
			CriticalityCeiling: api.CriticalityCritical,
			AccuracyTier:       4,
			Defaults: api.Decoding{
				Temperature:       0.2,
				TopP:              0.7,
				TopK:              50,
				RepetitionPenalty: 1.1,
				MaxOutputTokens:   8192,
				ContextWindow:     8192,
			},
			Floor:          HardwareFloor{MinRAMGB: 3.0, MinCores: 4, MinFreeDiskGB: 2.5},
			Quantization:   QuantInt8,
			DType:          DTypeBF16,
			TimeoutSeconds: 60,
			LocalFiles: map[Quantization]string{
				QuantInt8: "gemma-3n-E4B-it-Q8_0.gguf",
				QuantNF4:  "gemma-3n-E4B-it-Q4_K_M.gguf",
			},
		},
		{
			RuntimeID:          "gemma3n:e2b",
			DisplayName:        "Gemma 3n E2B",
			Description:        "2B effective parameters tuned for urgent answers (needs ~2GB RAM)",
			ServedContexts:     []api.ContextType{api.ContextEmergency, api.ContextHealth, api.ContextEnvironmental},
			CriticalityCeiling: api.CriticalityHigh,
			AccuracyTier:       3,
			Defaults: api.Decoding{
				Temperature:       0.3,
				TopP:              0.8,
				TopK:              50,
				RepetitionPenalty: 1.1,
				MaxOutputTokens:   4096,
				ContextWindow:     4096,
			},
			Floor:          HardwareFloor{MinRAMGB: 2.0, MinCores: 2, MinFreeDiskGB: 1.5},
			Quantization:   QuantInt8,
			DType:          DTypeFP16,
			TimeoutSeconds: 40,
			LocalFiles: map[Quantization]string{
				QuantInt8: "gemma-3n-E2B-it-Q8_0.gguf",
				QuantNF4:  "gemma-3n-E2B-it-Q4_K_M.gguf",
			},
		},
		{
			RuntimeID:          "gemma3n:latest",
			DisplayName:        "Gemma 3n Latest",
			Description:        "General purpose default tag",
			ServedContexts:     []api.ContextType{api.ContextGeneral, api.ContextHealth, api.ContextEducation, api.ContextAgriculture},
			CriticalityCeiling: api.CriticalityMedium,
			AccuracyTier:       2,
			Defaults: api.Decoding{
				Temperature:       0.5,
				TopP:              0.85,
				TopK:              50,
				RepetitionPenalty: 1.1,
				MaxOutputTokens:   4096,
				ContextWindow:     4096,
			},
			Floor:          HardwareFloor{MinRAMGB: 2.5, MinCores: 2, MinFreeDiskGB: 2.0},
			Quantization:   QuantInt8,
			DType:          DTypeFP16,
			TimeoutSeconds: 30,
			LocalFiles: map[Quantization]string{
				QuantInt8: "gemma-3n-E4B-it-Q8_0.gguf",
				QuantNF4:  "gemma-3n-E4B-it-Q4_K_M.gguf",
			},
		},
		{
			RuntimeID:          "gemma3n:lite",
			DisplayName:        "Gemma 3n Lite",
			Description:        "Ultra light variant for very low RAM devices",
			ServedContexts:     []api.ContextType{api.ContextGeneral, api.ContextAccessibility},
			CriticalityCeiling: api.CriticalityLow,
			AccuracyTier:       1,
			Defaults: api.Decoding{
				Temperature:       0.8,
				TopP:              0.95,
				TopK:              40,
				RepetitionPenalty: 1.1,
				MaxOutputTokens:   1024,
				ContextWindow:     2048,
			},
			Floor:          HardwareFloor{MinRAMGB: 0.5, MinCores: 1, MinFreeDiskGB: 0.3},
			Quantization:   QuantNF4,
			DType:          DTypeFP16,
			TimeoutSeconds: 10,
			LocalFiles: map[Quantization]string{
				QuantNF4: "gemma-3n-E2B-it-Q4_K_M.gguf",
			},
		},
	}
}

// Len returns the number of descriptors.
func (c *Catalog) Len() int { return len(c.descriptors) }

// All returns a copy of every descriptor in catalog order.
func (c *Catalog) All() []Descriptor {
	out := make([]Descriptor, len(c.descriptors))
	copy(out, c.descriptors)
	return out
}

// Find looks a descriptor up by runtime id.
func (c *Catalog) Find(runtimeID string) (Descriptor, bool) {
	i, ok := c.index[runtimeID]
	if !ok {
		return Descriptor{}, false
	}
	return c.descriptors[i], true
}

// TopTier is the highest accuracy tier in the catalog.
func (c *Catalog) TopTier() int {
	top := 0
	for _, d := range c.descriptors {
		if d.AccuracyTier > top {
			top = d.AccuracyTier
		}
	}
	return top
}

// ModelsFor returns descriptors rated for crit. Entries are grouped by
// criticality bucket, the bucket matching crit first, and ordered by
// decreasing capability inside a bucket. Within equal tiers those serving
// ctx come first; no descriptor is dropped for not serving ctx.
func (c *Catalog) ModelsFor(ctx api.ContextType, crit api.CriticalityLevel) []Descriptor {
	var out []Descriptor
	for _, d := range c.descriptors {
		if d.CriticalityCeiling >= crit {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CriticalityCeiling != out[j].CriticalityCeiling {
			return out[i].CriticalityCeiling < out[j].CriticalityCeiling
		}
		si, sj := out[i].Serves(ctx), out[j].Serves(ctx)
		if si != sj {
			return si
		}
		if out[i].AccuracyTier != out[j].AccuracyTier {
			return out[i].AccuracyTier > out[j].AccuracyTier
		}
		return out[i].Defaults.ContextWindow > out[j].Defaults.ContextWindow
	})
	return out
}

// FallbackChain returns every descriptor by decreasing capability (accuracy
// tier, then criticality ceiling, then context window), with the lightest
// entry moved to the end.
func (c *Catalog) FallbackChain() []Descriptor {
	out := c.All()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AccuracyTier != out[j].AccuracyTier {
			return out[i].AccuracyTier > out[j].AccuracyTier
		}
		if out[i].CriticalityCeiling != out[j].CriticalityCeiling {
			return out[i].CriticalityCeiling > out[j].CriticalityCeiling
		}
		return out[i].Defaults.ContextWindow > out[j].Defaults.ContextWindow
	})
	lightest := c.Lightest()
	for i, d := range out {
		if d.RuntimeID == lightest.RuntimeID {
			out = append(append(out[:i:i], out[i+1:]...), d)
			break
		}
	}
	return out
}

// Lightest returns the descriptor with the smallest RAM floor, preferring
// the lower tier on ties.
func (c *Catalog) Lightest() Descriptor {
	return LightestOf(c.descriptors, nil)
}

// LightestOf returns the lightest descriptor in ds not named in excluded.
// The zero Descriptor is returned when none remain.
func LightestOf(ds []Descriptor, excluded map[string]bool) Descriptor {
	var best Descriptor
	found := false
	for _, d := range ds {
		if excluded[d.RuntimeID] {
			continue
		}
		if !found || d.Floor.MinRAMGB < best.Floor.MinRAMGB ||
			(d.Floor.MinRAMGB == best.Floor.MinRAMGB && d.AccuracyTier < best.AccuracyTier) {
			best, found = d, true
		}
	}
	return best
}

// Validate checks the structural invariants of the catalog.
func (c *Catalog) Validate() error {
	if len(c.descriptors) == 0 {
		return fmt.Errorf("%w: no descriptors", ErrInvalidCatalog)
	}
	seen := make(map[string]bool, len(c.descriptors))
	minimal := resource.DefaultProfile()
	lowCapable := false
	for _, d := range c.descriptors {
		if d.RuntimeID == "" {
			return fmt.Errorf("%w: descriptor without runtime_id", ErrInvalidCatalog)
		}
		if seen[d.RuntimeID] {
			return fmt.Errorf("%w: duplicate runtime_id %q", ErrInvalidCatalog, d.RuntimeID)
		}
		seen[d.RuntimeID] = true
		if !d.CriticalityCeiling.Valid() {
			return fmt.Errorf("%w: %s: invalid criticality ceiling", ErrInvalidCatalog, d.RuntimeID)
		}
		for _, ctx := range d.ServedContexts {
			if !ctx.Valid() {
				return fmt.Errorf("%w: %s: unknown served context %q", ErrInvalidCatalog, d.RuntimeID, ctx)
			}
		}
		if err := validateDecoding(d.Defaults); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidCatalog, d.RuntimeID, err)
		}
		if _, err := ParseQuantization(string(d.Quantization)); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidCatalog, d.RuntimeID, err)
		}
		if _, err := ParseDType(string(d.DType)); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidCatalog, d.RuntimeID, err)
		}
		if d.Floor.SatisfiedBy(minimal) {
			lowCapable = true
		}
	}
	if !lowCapable {
		return fmt.Errorf("%w: no descriptor fits a minimal host (%.0fGB RAM, %d core)",
			ErrInvalidCatalog, resource.DefaultRAMGB, resource.DefaultCores)
	}
	return nil
}

func validateDecoding(d api.Decoding) error {
	switch {
	case d.Temperature < 0 || d.Temperature > 2:
		return fmt.Errorf("temperature %.2f out of range", d.Temperature)
	case d.TopP <= 0 || d.TopP > 1:
		return fmt.Errorf("top_p %.2f out of range", d.TopP)
	case d.TopK < 1:
		return fmt.Errorf("top_k must be positive")
	case d.MaxOutputTokens < 1:
		return fmt.Errorf("max_output_tokens must be positive")
	case d.ContextWindow < 128:
		return fmt.Errorf("context_window must be at least 128")
	case d.RepetitionPenalty <= 0:
		return fmt.Errorf("repetition_penalty must be positive")
	}
	return nil
}

// OverrideFile is the on-disk shape of a catalog override.
type OverrideFile struct {
	// Mode is "extend" (default) or "replace".
	Mode   string       `json:"mode" yaml:"mode"`
	Models []Descriptor `json:"models" yaml:"models"`
}

// LoadOverride reads a JSON or YAML override and applies it to base.
// Entries with a known runtime_id replace the built-in one in place.
func LoadOverride(path string, base *Catalog) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog override: %w", err)
	}

	var file OverrideFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		err = json.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog override %s: %w", path, err)
	}

	switch strings.ToLower(file.Mode) {
	case "replace":
		return NewCatalog(file.Models)
	case "", "extend":
	default:
		return nil, fmt.Errorf("%w: unknown override mode %q", ErrInvalidCatalog, file.Mode)
	}

	merged := base.All()
	for _, d := range file.Models {
		if i, ok := base.index[strings.TrimSpace(d.RuntimeID)]; ok {
			merged[i] = d
			continue
		}
		merged = append(merged, d)
	}
	return NewCatalog(merged)
}
