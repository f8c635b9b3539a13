package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bufala/bufala-llm/internal/models"
)

// Generator is a model loaded into this process.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerationOptions) (string, error)
	Close() error
}

// Loader opens GGUF files.
type Loader interface {
	// Available is false when the binary was built without a backend.
	Available() bool
	Load(path string, opts LoadOptions) (Generator, error)
}

// LoadedModel is a resident in-process model.
type LoadedModel struct {
	RuntimeID    string              `json:"runtime_id"`
	Path         string              `json:"path"`
	Quantization models.Quantization `json:"quantization"`
	LoadedAt     time.Time           `json:"loaded_at"`
	LoadTime     time.Duration       `json:"load_time"`

	gen Generator
}

// ModelCache keeps in-process models resident for the life of the process.
// Loads of the same model are deduplicated and run outside the generation
// lock; generation itself is serialised across all models.
type ModelCache struct {
	dir    string
	loader Loader
	opts   LoadOptions
	logger *slog.Logger

	mu     sync.Mutex
	models map[string]*LoadedModel
	loads  singleflight.Group

	// gen is a one-slot semaphore so waiting can be cancelled.
	gen chan struct{}
}

// NewModelCache creates a cache that resolves descriptor files under dir.
func NewModelCache(dir string, loader Loader, opts LoadOptions, logger *slog.Logger) *ModelCache {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.UseMlock && !canUseMlock(logger) {
		opts.UseMlock = false
	}
	return &ModelCache{
		dir:    dir,
		loader: loader,
		opts:   opts,
		logger: logger,
		models: make(map[string]*LoadedModel),
		gen:    make(chan struct{}, 1),
	}
}

// Available reports whether models can be loaded at all.
func (c *ModelCache) Available() bool {
	return c.loader != nil && c.loader.Available()
}

// Get returns the resident model for d, loading it on first use.
func (c *ModelCache) Get(ctx context.Context, d models.Descriptor) (*LoadedModel, error) {
	c.mu.Lock()
	if m, ok := c.models[d.RuntimeID]; ok {
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()

	ch := c.loads.DoChan(d.RuntimeID, func() (any, error) {
		c.mu.Lock()
		if m, ok := c.models[d.RuntimeID]; ok {
			c.mu.Unlock()
			return m, nil
		}
		c.mu.Unlock()

		m, err := c.load(d)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.models[d.RuntimeID] = m
		c.mu.Unlock()
		return m, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*LoadedModel), nil
	case <-ctx.Done():
		// The load keeps running and is memoized for the next request.
		return nil, newError(KindTimeout, "in_process", d.RuntimeID, "deadline passed while loading", ctx.Err())
	}
}

// load tries the descriptor's quantization first and falls back to each
// more aggressive one that has a file on disk.
func (c *ModelCache) load(d models.Descriptor) (*LoadedModel, error) {
	if !c.Available() {
		return nil, newError(KindUnavailable, "in_process", d.RuntimeID, "in-process inference is not built in", nil)
	}

	opts := c.opts
	if d.Defaults.ContextWindow > 0 {
		opts.ContextSize = d.Defaults.ContextWindow
	}

	var errs []error
	q := d.Quantization
	for {
		if file, ok := d.LocalFile(q); ok {
			path := filepath.Join(c.dir, file)
			m, err := c.loadFile(d.RuntimeID, path, q, opts)
			if err == nil {
				if q != d.Quantization {
					c.logger.Info("loaded model with smaller quantization", "model", d.RuntimeID,
						"wanted", d.Quantization, "loaded", q)
				}
				return m, nil
			}
			errs = append(errs, fmt.Errorf("%s: %w", q, err))
			c.logger.Warn("in-process load failed", "model", d.RuntimeID, "quantization", q, "error", err)
		}
		next, ok := q.Next()
		if !ok {
			break
		}
		q = next
	}

	if len(errs) == 0 {
		return nil, newError(KindModelAbsent, "in_process", d.RuntimeID, "no local model file declared", nil)
	}
	return nil, newError(KindModelAbsent, "in_process", d.RuntimeID, "no loadable model file", errors.Join(errs...))
}

func (c *ModelCache) loadFile(id, path string, q models.Quantization, opts LoadOptions) (*LoadedModel, error) {
	if err := models.ValidateModelFile(path); err != nil {
		return nil, err
	}
	start := time.Now()
	gen, err := c.loader.Load(path, opts)
	if err != nil {
		return nil, err
	}
	c.logger.Info("model loaded in-process", "model", id, "path", path, "quantization", q,
		"duration", time.Since(start))
	return &LoadedModel{
		RuntimeID:    id,
		Path:         path,
		Quantization: q,
		LoadedAt:     time.Now(),
		LoadTime:     time.Since(start),
		gen:          gen,
	}, nil
}

// Lease grants exclusive use of the generation slot.
type Lease struct {
	Model *LoadedModel
	once  sync.Once
	slot  chan struct{}
}

// Release frees the generation slot. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() { <-l.slot })
}

// Generate runs the leased model.
func (l *Lease) Generate(ctx context.Context, prompt string, opts GenerationOptions) (string, error) {
	return l.Model.gen.Generate(ctx, prompt, opts)
}

// Acquire loads d if needed and then waits for the generation slot. The
// caller must Release the lease.
func (c *ModelCache) Acquire(ctx context.Context, d models.Descriptor) (*Lease, error) {
	m, err := c.Get(ctx, d)
	if err != nil {
		return nil, err
	}
	select {
	case c.gen <- struct{}{}:
		return &Lease{Model: m, slot: c.gen}, nil
	case <-ctx.Done():
		return nil, newError(KindTimeout, "in_process", d.RuntimeID, "deadline passed waiting for the model", ctx.Err())
	}
}

// Loaded lists resident models by id.
func (c *ModelCache) Loaded() []LoadedModel {
	c.mu.Lock()
	out := make([]LoadedModel, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, *m)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RuntimeID < out[j].RuntimeID })
	return out
}

// Close frees every resident model.
func (c *ModelCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for id, m := range c.models {
		if err := m.gen.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
		delete(c.models, id)
	}
	return errors.Join(errs...)
}
