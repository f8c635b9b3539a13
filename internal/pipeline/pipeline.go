// Package pipeline drives one request from classification to a response:
// it selects a model, runs it on the runtime or in-process, walks the
// fallback chain on failure and answers from the canned table when every
// model has failed or the hard ceiling passes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bufala/bufala-llm/internal/classify"
	"github.com/bufala/bufala-llm/internal/degradation"
	"github.com/bufala/bufala-llm/internal/inference"
	"github.com/bufala/bufala-llm/internal/models"
	"github.com/bufala/bufala-llm/internal/output"
	"github.com/bufala/bufala-llm/internal/resource"
	"github.com/bufala/bufala-llm/internal/selector"
	"github.com/bufala/bufala-llm/internal/watchdog"
	"github.com/bufala/bufala-llm/pkg/api"
)

// State is a step of a request's lifecycle.
type State string

const (
	StateClassifying       State = "CLASSIFYING"
	StateSelecting         State = "SELECTING"
	StateInvoking          State = "INVOKING"
	StatePostprocessing    State = "POSTPROCESSING"
	StateFallbackSelecting State = "FALLBACK_SELECTING"
	StateCannedResponse    State = "CANNED_RESPONSE"
	StateDone              State = "DONE"
)

// RetryTemperatureScale lowers the temperature of the single retry after
// an invalid output.
const RetryTemperatureScale = 0.5

var errNoEngine = errors.New("no inference engine available")

// HostSource supplies the current host profile.
type HostSource interface {
	Current(ctx context.Context) resource.HostProfile
}

// HostFunc adapts a function to HostSource.
type HostFunc func(ctx context.Context) resource.HostProfile

// Current implements HostSource.
func (f HostFunc) Current(ctx context.Context) resource.HostProfile { return f(ctx) }

// StaticHost always reports p.
func StaticHost(p resource.HostProfile) HostSource {
	return HostFunc(func(context.Context) resource.HostProfile { return p })
}

// Observer is told about every finished request.
type Observer interface {
	ObserveResponse(resp *api.Response)
}

// Config holds the pipeline's collaborators. Local and Registry are
// optional; a nil Local disables the in-process path.
type Config struct {
	Classifier *classify.Classifier
	Selector   *selector.Selector
	Host       HostSource
	Runtime    inference.Engine
	Local      inference.Engine
	Registry   *models.Registry
	Canned     *degradation.Responder
	Watchdog   *watchdog.Watchdog
	Observer   Observer
	Logger     *slog.Logger
}

// Pipeline is safe for concurrent use; all per-request state lives on the
// stack of Run.
type Pipeline struct {
	classifier *classify.Classifier
	selector   *selector.Selector
	host       HostSource
	runtime    inference.Engine
	local      inference.Engine
	registry   *models.Registry
	canned     *degradation.Responder
	watchdog   *watchdog.Watchdog
	observer   Observer
	logger     *slog.Logger
	now        func() time.Time
}

// New checks cfg and builds a pipeline.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Classifier == nil:
		return nil, errors.New("pipeline: classifier is required")
	case cfg.Selector == nil:
		return nil, errors.New("pipeline: selector is required")
	case cfg.Host == nil:
		return nil, errors.New("pipeline: host source is required")
	case cfg.Runtime == nil:
		return nil, errors.New("pipeline: runtime engine is required")
	case cfg.Canned == nil:
		return nil, errors.New("pipeline: canned responder is required")
	}
	if cfg.Watchdog == nil {
		cfg.Watchdog = watchdog.New(watchdog.DefaultCeiling, cfg.Logger)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		classifier: cfg.Classifier,
		selector:   cfg.Selector,
		host:       cfg.Host,
		runtime:    cfg.Runtime,
		local:      cfg.Local,
		registry:   cfg.Registry,
		canned:     cfg.Canned,
		watchdog:   cfg.Watchdog,
		observer:   cfg.Observer,
		logger:     cfg.Logger,
		now:        time.Now,
	}, nil
}

// trace is the per-request record of states and attempts.
type trace struct {
	id       string
	started  time.Time
	states   []string
	attempts []api.Attempt
}

func (t *trace) enter(s State) { t.states = append(t.states, string(s)) }

func (t *trace) markLast(outcome api.Outcome, msg string) {
	if n := len(t.attempts); n > 0 {
		t.attempts[n-1].Outcome = outcome
		t.attempts[n-1].Error = msg
	}
}

// result is a generation that made it through post-processing.
type result struct {
	sel         selector.Selection
	model       string
	method      api.Method
	content     any
	parseFailed bool
	salvaged    bool
}

// Run executes req and always returns a response. Model and runtime
// failures are absorbed; the worst case is a canned answer.
func (p *Pipeline) Run(ctx context.Context, requestID string, req api.Request) *api.Response {
	t := &trace{id: requestID, started: p.now()}

	ctx, release := p.watchdog.Guard(ctx, requestID)
	defer release()

	t.enter(StateClassifying)
	cr := p.classifier.Classify(req)

	t.enter(StateSelecting)
	host := p.host.Current(ctx)
	opts := selector.Options{ForcedModel: req.ForcedModel}

	var (
		salvage *result
		first   string
	)
	limit := p.selector.Catalog().Len()
	for tried := 0; tried < limit; tried++ {
		if ctx.Err() != nil {
			break
		}
		if tried > 0 {
			t.enter(StateFallbackSelecting)
		}

		sel, err := p.selector.Select(host, cr, opts)
		for _, rej := range sel.Rejected {
			now := p.now()
			t.attempts = append(t.attempts, api.Attempt{
				Model:   rej.Model,
				Started: now,
				Ended:   now,
				Outcome: api.OutcomeHardwareRejected,
				Error:   rej.Reason,
			})
		}
		// The forced model is considered once.
		opts.ForcedModel = ""
		if err != nil {
			p.logger.Warn("model selection failed", "request_id", requestID, "error", err)
			break
		}
		if first == "" {
			first = sel.Descriptor.RuntimeID
		}
		opts = opts.Exclude(sel.Descriptor.RuntimeID)

		res, err := p.execute(ctx, t, sel, cr)
		if err == nil {
			fallback := sel.Descriptor.RuntimeID != first || res.method != api.MethodRuntime
			return p.finish(t, cr, res, fallback)
		}
		if res != nil {
			salvage = res
		}
		p.logger.Info("attempt failed, advancing fallback chain", "request_id", requestID,
			"model", sel.Descriptor.RuntimeID, "error", err)
		if errors.Is(err, errNoEngine) {
			break
		}
	}

	// Every model failed but one still produced unparseable JSON. It is
	// returned flagged as salvaged rather than swapped for a canned answer.
	if salvage != nil && ctx.Err() == nil {
		p.logger.Warn("fallback chain exhausted, returning salvaged output", "request_id", requestID,
			"model", salvage.model)
		salvage.salvaged = true
		return p.finish(t, cr, salvage, true)
	}
	return p.cannedResponse(ctx, t, cr)
}

// execute runs one descriptor, retrying once at a lower temperature when
// the output is unusable. A non-nil result with an error is a parse-failed
// JSON answer that can still be returned if nothing better comes along.
func (p *Pipeline) execute(ctx context.Context, t *trace, sel selector.Selection, cr api.ClassifiedRequest) (*result, error) {
	msgs := inference.BuildMessages(cr.SystemPrompt, cr.Prompt)
	dec := sel.Decoding

	var salvage *result
	for retry := 0; ; retry++ {
		t.enter(StateInvoking)
		resp, err := p.invoke(ctx, t, sel, msgs, dec)
		if err == nil {
			t.enter(StatePostprocessing)
			res := postprocess(sel, resp, cr.ExpectJSON)
			if !res.parseFailed {
				return res, nil
			}
			t.markLast(api.OutcomeOutputInvalid, "output is not valid JSON")
			salvage = res
			err = &inference.EngineError{
				Kind:    inference.KindOutputInvalid,
				Engine:  string(resp.Method),
				Model:   resp.Model,
				Message: "output is not valid JSON",
			}
		}
		if retry > 0 || inference.KindOf(err) != inference.KindOutputInvalid || ctx.Err() != nil {
			return salvage, err
		}
		dec.Temperature *= RetryTemperatureScale
	}
}

// invoke sends one generation to the runtime, or in-process when the
// runtime is down or lacks the model.
func (p *Pipeline) invoke(ctx context.Context, t *trace, sel selector.Selection, msgs []api.ChatMessage, dec api.Decoding) (*inference.ChatResponse, error) {
	id := sel.Descriptor.RuntimeID

	var err error
	runtimeUp := p.runtime.Available(ctx)
	switch {
	case !runtimeUp:
		err = &inference.EngineError{Kind: inference.KindUnavailable, Engine: string(p.runtime.Name()), Model: id, Message: "runtime not reachable"}
		p.skip(t, p.runtime.Name(), id, dec, err)
	case p.registry != nil && !p.registry.Installed(id):
		err = &inference.EngineError{Kind: inference.KindModelAbsent, Engine: string(p.runtime.Name()), Model: id, Message: "model not installed in runtime"}
		p.skip(t, p.runtime.Name(), id, dec, err)
	default:
		resp, rerr := p.attempt(ctx, t, p.runtime, sel, msgs, dec)
		if rerr == nil {
			return resp, nil
		}
		err = rerr
	}

	kind := inference.KindOf(err)
	if kind != inference.KindUnavailable && kind != inference.KindModelAbsent {
		return nil, err
	}
	if p.local == nil || !p.local.Available(ctx) {
		if !runtimeUp || kind == inference.KindUnavailable {
			return nil, fmt.Errorf("%w: %w", errNoEngine, err)
		}
		return nil, err
	}
	return p.attempt(ctx, t, p.local, sel, msgs, dec)
}

// attempt runs one engine call under the descriptor's timeout.
func (p *Pipeline) attempt(ctx context.Context, t *trace, engine inference.Engine, sel selector.Selection, msgs []api.ChatMessage, dec api.Decoding) (*inference.ChatResponse, error) {
	actx, cancel := context.WithTimeout(ctx, sel.Timeout)
	defer cancel()

	a := api.Attempt{
		Model:       sel.Descriptor.RuntimeID,
		Method:      engine.Name(),
		Started:     p.now(),
		Temperature: dec.Temperature,
	}
	resp, err := engine.Chat(actx, &inference.ChatRequest{
		Descriptor: sel.Descriptor,
		Messages:   msgs,
		Decoding:   dec,
	})
	a.Ended = p.now()
	if err != nil {
		a.Outcome = outcomeOf(err)
		a.Error = err.Error()
	} else {
		a.Outcome = api.OutcomeSuccess
		a.Raw = resp.Content
	}
	t.attempts = append(t.attempts, a)
	return resp, err
}

// skip records an engine that was not called.
func (p *Pipeline) skip(t *trace, method api.Method, model string, dec api.Decoding, err error) {
	now := p.now()
	t.attempts = append(t.attempts, api.Attempt{
		Model:       model,
		Method:      method,
		Started:     now,
		Ended:       now,
		Outcome:     api.OutcomeRuntimeError,
		Temperature: dec.Temperature,
		Error:       err.Error(),
	})
}

func outcomeOf(err error) api.Outcome {
	switch inference.KindOf(err) {
	case inference.KindTimeout:
		return api.OutcomeTimeout
	case inference.KindOutputInvalid:
		return api.OutcomeOutputInvalid
	default:
		return api.OutcomeRuntimeError
	}
}

func postprocess(sel selector.Selection, resp *inference.ChatResponse, expectJSON bool) *result {
	res := &result{sel: sel, model: resp.Model, method: resp.Method}
	if !expectJSON {
		res.content = output.Text(resp.Content)
		return res
	}
	parsed := output.ParseJSON(resp.Content)
	res.content = parsed.Value
	res.parseFailed = parsed.ParseFailed
	return res
}

func (p *Pipeline) finish(t *trace, cr api.ClassifiedRequest, res *result, fallback bool) *api.Response {
	t.enter(StateDone)
	return p.respond(t, &api.Response{
		Content: res.content,
		Metadata: api.Metadata{
			ModelUsed:       res.model,
			Method:          res.method,
			Fallback:        fallback,
			ParseFailed:     res.parseFailed,
			Salvaged:        res.salvaged,
			ForcedUnderspec: res.sel.ForcedUnderspec,
			Context:         cr.Context,
			Criticality:     cr.Criticality,
		},
	})
}

func (p *Pipeline) cannedResponse(ctx context.Context, t *trace, cr api.ClassifiedRequest) *api.Response {
	t.enter(StateCannedResponse)
	if watchdog.Tripped(ctx) {
		p.logger.Warn("hard ceiling reached, answering from canned table", "request_id", t.id)
	}
	text := p.canned.Respond(cr.Context, cr.Text)
	t.enter(StateDone)
	return p.respond(t, &api.Response{
		Content: text,
		Metadata: api.Metadata{
			Method:      api.MethodCanned,
			Fallback:    true,
			Context:     cr.Context,
			Criticality: cr.Criticality,
		},
	})
}

func (p *Pipeline) respond(t *trace, resp *api.Response) *api.Response {
	elapsed := p.now().Sub(t.started)
	resp.Metadata.RequestID = t.id
	resp.Metadata.ElapsedMS = elapsed.Milliseconds()
	resp.Metadata.Attempts = t.attempts
	resp.Metadata.States = t.states

	p.logger.Info("request completed",
		"request_id", t.id,
		"context", resp.Metadata.Context,
		"criticality", resp.Metadata.Criticality,
		"model", resp.Metadata.ModelUsed,
		"method", resp.Metadata.Method,
		"elapsed", elapsed,
		"fallback", resp.Metadata.Fallback,
		"attempts", len(t.attempts),
	)
	if p.observer != nil {
		p.observer.ObserveResponse(resp)
	}
	return resp
}

// Catalog exposes the catalog the pipeline selects from.
func (p *Pipeline) Catalog() *models.Catalog { return p.selector.Catalog() }

// Watchdog exposes the ceiling guard.
func (p *Pipeline) Watchdog() *watchdog.Watchdog { return p.watchdog }
