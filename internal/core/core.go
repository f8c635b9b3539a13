// Package core wires the routing layer together and is the single entry
// point used by the HTTP surface and the CLI.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bufala/bufala-llm/internal/classify"
	"github.com/bufala/bufala-llm/internal/config"
	"github.com/bufala/bufala-llm/internal/degradation"
	"github.com/bufala/bufala-llm/internal/inference"
	"github.com/bufala/bufala-llm/internal/metrics"
	"github.com/bufala/bufala-llm/internal/models"
	"github.com/bufala/bufala-llm/internal/pipeline"
	"github.com/bufala/bufala-llm/internal/resource"
	"github.com/bufala/bufala-llm/internal/selector"
	"github.com/bufala/bufala-llm/internal/validation"
	"github.com/bufala/bufala-llm/internal/watchdog"
	"github.com/bufala/bufala-llm/pkg/api"
)

// ErrInvalidRequest is returned by Handle for requests that fail validation.
var ErrInvalidRequest = errors.New("invalid request")

type options struct {
	logger  *slog.Logger
	sampler resource.Sampler
	host    pipeline.HostSource
	loader  inference.Loader
	canned  degradation.Table
}

// Option customises New.
type Option func(*options)

// WithLogger sets the logger every component receives.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithSampler replaces the gopsutil sampler behind the host probe.
func WithSampler(s resource.Sampler) Option { return func(o *options) { o.sampler = s } }

// WithHost bypasses the probe entirely and reports a fixed source.
func WithHost(h pipeline.HostSource) Option { return func(o *options) { o.host = h } }

// WithLoader replaces the go-llama.cpp loader of the in-process engine.
func WithLoader(l inference.Loader) Option { return func(o *options) { o.loader = l } }

// WithCannedTable replaces the built-in canned answers.
func WithCannedTable(t degradation.Table) Option { return func(o *options) { o.canned = t } }

// Core holds every long-lived component. It is safe for concurrent use.
type Core struct {
	cfg    *config.Config
	logger *slog.Logger

	prober     *resource.Prober
	monitor    *resource.Monitor
	host       pipeline.HostSource
	catalog    *models.Catalog
	registry   *models.Registry
	classifier *classify.Classifier
	lexicon    *classify.Watcher
	selector   *selector.Selector
	runtime    *inference.OllamaEngine
	cache      *inference.ModelCache
	local      *inference.LocalEngine
	watchdog   *watchdog.Watchdog
	metrics    *metrics.Metrics
	pipeline   *pipeline.Pipeline
}

// New validates cfg and builds the core. Configuration problems wrap
// config.ErrFatalConfig. Nothing is contacted until the first request or
// Reconcile.
func New(cfg *config.Config, opts ...Option) (*Core, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	logger := o.logger

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	catalog := models.DefaultCatalog()
	if cfg.CatalogOverridePath != "" {
		overridden, err := models.LoadOverride(cfg.CatalogOverridePath, catalog)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrFatalConfig, err)
		}
		catalog = overridden
		logger.Info("catalog override applied", "path", cfg.CatalogOverridePath, "models", catalog.Len())
	}
	if cfg.ForceModel != "" {
		if _, ok := catalog.Find(cfg.ForceModel); !ok {
			return nil, fmt.Errorf("%w: force_model %q is not in the catalog", config.ErrFatalConfig, cfg.ForceModel)
		}
	}

	lex := classify.DefaultLexicon()
	if cfg.LexiconPath != "" {
		loaded, err := classify.LoadLexicon(cfg.LexiconPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrFatalConfig, err)
		}
		lex = loaded
	}
	classifier := classify.New(lex, logger)

	canned, err := degradation.NewResponder(o.canned)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrFatalConfig, err)
	}

	c := &Core{
		cfg:        cfg,
		logger:     logger,
		catalog:    catalog,
		registry:   models.NewRegistry(catalog),
		classifier: classifier,
		selector:   selector.New(catalog, logger),
		metrics:    metrics.New(),
	}

	c.prober = resource.NewProber(o.sampler, cfg.ProbePath, logger)
	c.monitor = resource.NewMonitor(c.prober, cfg.HostProfileTTL())
	c.host = o.host
	if c.host == nil {
		c.host = c.monitor
	}

	c.runtime = inference.NewOllamaEngine(inference.OllamaConfig{
		BaseURL:         cfg.RuntimeHost,
		Timeout:         cfg.RuntimeTimeout(),
		ReachabilityTTL: cfg.ReachabilityTTL(),
	}, logger)

	loader := o.loader
	if loader == nil {
		loader = inference.NewLlamaLoader()
	}
	loadOpts := inference.DefaultLoadOptions()
	loadOpts.NumThreads = cfg.NumThreads
	loadOpts.NumGPULayers = cfg.NumGPULayers
	loadOpts.UseMlock = cfg.UseMlock
	loadOpts.UseMmap = cfg.UseMmap
	c.cache = inference.NewModelCache(cfg.ModelsDir, loader, loadOpts, logger)
	c.local = inference.NewLocalEngine(c.cache, cfg.EnableInProcess, cfg.NumThreads, logger)

	c.watchdog = watchdog.New(cfg.HardCeiling(), logger)
	c.watchdog.OnTrip(c.metrics.CeilingTripped)

	c.pipeline, err = pipeline.New(pipeline.Config{
		Classifier: classifier,
		Selector:   c.selector,
		Host:       c.host,
		Runtime:    c.runtime,
		Local:      c.local,
		Registry:   c.registry,
		Canned:     canned,
		Watchdog:   c.watchdog,
		Observer:   c.metrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.LexiconPath != "" {
		w, err := classify.Watch(cfg.LexiconPath, classifier, logger)
		if err != nil {
			logger.Warn("lexicon hot reload disabled", "path", cfg.LexiconPath, "error", err)
		} else {
			c.lexicon = w
		}
	}
	return c, nil
}

// Start reconciles the catalog with the runtime and keeps the host profile
// fresh in the background. An unreachable runtime is not an error.
func (c *Core) Start(ctx context.Context) models.Report {
	report, err := c.Reconcile(ctx)
	if err != nil {
		c.logger.Warn("runtime not reachable at startup, in-process and canned paths remain", "host", c.runtime.BaseURL(), "error", err)
	}
	c.monitor.Start(c.cfg.HostProfileTTL())
	return report
}

// Reconcile lists the runtime's installed models and records which catalog
// entries are present.
func (c *Core) Reconcile(ctx context.Context) (models.Report, error) {
	names, err := c.runtime.Tags(ctx)
	if ctx.Err() == nil {
		c.metrics.SetRuntimeReachable(err == nil)
	}
	if err != nil {
		return c.registry.Report(), err
	}
	report := c.registry.Reconcile(names)
	c.logger.Info("runtime models reconciled",
		"present", report.Present,
		"missing", report.Missing,
		"unknown", len(report.Unknown))
	return report, nil
}

// Handle validates req and runs it. The error is non-nil only for invalid
// requests; runtime and model failures end in a degraded response.
func (c *Core) Handle(ctx context.Context, req api.Request) (*api.Response, error) {
	if err := validation.Request(&req).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.ForcedModel == "" {
		req.ForcedModel = c.cfg.ForceModel
	}

	resp := c.pipeline.Run(ctx, uuid.NewString(), req)
	c.metrics.SetInProcessModels(len(c.cache.Loaded()))
	return resp, nil
}

// Plan is what the router would do with a request, without running it.
type Plan struct {
	Context         api.ContextType      `json:"context"`
	Criticality     api.CriticalityLevel `json:"criticality"`
	Model           string               `json:"model"`
	Decoding        api.Decoding         `json:"decoding"`
	Timeout         time.Duration        `json:"timeout"`
	ForcedUnderspec bool                 `json:"forced_underspec"`
	Reason          string               `json:"reason"`
	Rejected        []selector.Rejection `json:"rejected,omitempty"`
}

// Plan classifies req and selects a model for the current host.
func (c *Core) Plan(ctx context.Context, req api.Request) (Plan, error) {
	if req.ForcedModel == "" {
		req.ForcedModel = c.cfg.ForceModel
	}
	cr := c.classifier.Classify(req)
	plan := Plan{Context: cr.Context, Criticality: cr.Criticality}

	sel, err := c.selector.Select(c.host.Current(ctx), cr, selector.Options{ForcedModel: req.ForcedModel})
	plan.Rejected = sel.Rejected
	if err != nil {
		return plan, err
	}
	plan.Model = sel.Descriptor.RuntimeID
	plan.Decoding = sel.Decoding
	plan.Timeout = sel.Timeout
	plan.ForcedUnderspec = sel.ForcedUnderspec
	plan.Reason = sel.Reason
	return plan, nil
}

// Status is the health snapshot served on /health.
type Status struct {
	Status             string                 `json:"status"`
	RuntimeHost        string                 `json:"runtime_host"`
	RuntimeReachable   bool                   `json:"runtime_reachable"`
	InProcessAvailable bool                   `json:"in_process_available"`
	Host               resource.HostProfile   `json:"host"`
	Quality            resource.DeviceQuality `json:"device_quality"`
	Models             models.Report          `json:"models"`
	LoadedModels       []string               `json:"loaded_models"`
	ActiveRequests     int                    `json:"active_requests"`
	HardCeiling        string                 `json:"hard_ceiling"`
}

// Health reports whether the runtime answers and what the host looks like.
// Without the runtime the service still answers, so the status is
// "degraded" rather than an error.
func (c *Core) Health(ctx context.Context) Status {
	reachable := c.runtime.Reachable(ctx)
	c.metrics.SetRuntimeReachable(reachable)
	host := c.host.Current(ctx)

	loaded := c.cache.Loaded()
	ids := make([]string, len(loaded))
	for i, m := range loaded {
		ids[i] = m.RuntimeID
	}

	status := "ok"
	if !reachable {
		status = "degraded"
	}
	return Status{
		Status:             status,
		RuntimeHost:        c.runtime.BaseURL(),
		RuntimeReachable:   reachable,
		InProcessAvailable: c.local.Available(ctx),
		Host:               host,
		Quality:            host.Quality(),
		Models:             c.registry.Report(),
		LoadedModels:       ids,
		ActiveRequests:     c.watchdog.Active(),
		HardCeiling:        c.watchdog.Ceiling().String(),
	}
}

// ModelInfo describes one catalog entry against this host and runtime.
type ModelInfo struct {
	models.Descriptor
	Installed bool `json:"installed"`
	Feasible  bool `json:"feasible"`
	Loaded    bool `json:"loaded"`
}

// Models lists the catalog in declaration order.
func (c *Core) Models(ctx context.Context) []ModelInfo {
	host := c.host.Current(ctx)
	loaded := make(map[string]bool)
	for _, m := range c.cache.Loaded() {
		loaded[m.RuntimeID] = true
	}

	all := c.catalog.All()
	out := make([]ModelInfo, len(all))
	for i, d := range all {
		out[i] = ModelInfo{
			Descriptor: d,
			Installed:  c.registry.Installed(d.RuntimeID),
			Feasible:   d.Floor.SatisfiedBy(host),
			Loaded:     loaded[d.RuntimeID],
		}
	}
	return out
}

// Host returns the current host profile.
func (c *Core) Host(ctx context.Context) resource.HostProfile { return c.host.Current(ctx) }

// Catalog returns the active catalog.
func (c *Core) Catalog() *models.Catalog { return c.catalog }

// Metrics returns the core's collectors.
func (c *Core) Metrics() *metrics.Metrics { return c.metrics }

// Config returns the configuration the core was built with.
func (c *Core) Config() *config.Config { return c.cfg }

// Close stops background work and frees in-process models.
func (c *Core) Close() error {
	c.monitor.Stop()
	var errs []error
	if c.lexicon != nil {
		errs = append(errs, c.lexicon.Close())
	}
	errs = append(errs, c.cache.Close())
	return errors.Join(errs...)
}
