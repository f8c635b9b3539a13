package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bufala/bufala-llm/internal/classify"
	"github.com/bufala/bufala-llm/internal/degradation"
	"github.com/bufala/bufala-llm/internal/inference"
	"github.com/bufala/bufala-llm/internal/models"
	"github.com/bufala/bufala-llm/internal/resource"
	"github.com/bufala/bufala-llm/internal/selector"
	"github.com/bufala/bufala-llm/internal/watchdog"
	"github.com/bufala/bufala-llm/pkg/api"
)

const gb = 1024 * 1024 * 1024

var allModels = []string{"gemma3n:e4b", "gemma3n:e2b", "gemma3n:latest", "gemma3n:lite"}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func host(ramGB float64, cores int) resource.HostProfile {
	return resource.HostProfile{
		TotalRAMGB:     ramGB,
		AvailableRAMGB: ramGB,
		PhysicalCores:  cores,
		LogicalCores:   cores,
		CPUFreqMHz:     3000,
		DiskTotalBytes: 100 * gb,
		DiskFreeBytes:  50 * gb,
	}
}

type recorder struct {
	mu    sync.Mutex
	resps []*api.Response
}

func (r *recorder) ObserveResponse(resp *api.Response) {
	r.mu.Lock()
	r.resps = append(r.resps, resp)
	r.mu.Unlock()
}

type fixture struct {
	runtime  *inference.MockEngine
	local    *inference.MockEngine
	registry *models.Registry
	observer *recorder
	ceiling  time.Duration
	host     resource.HostProfile
}

func newFixture() *fixture {
	return &fixture{
		runtime:  inference.NewMockEngine(api.MethodRuntime),
		observer: &recorder{},
		ceiling:  watchdog.DefaultCeiling,
		host:     host(8, 4),
	}
}

func (f *fixture) build(t *testing.T) *Pipeline {
	t.Helper()
	logger := quietLogger()
	catalog := models.DefaultCatalog()
	canned, err := degradation.NewResponder(nil)
	require.NoError(t, err)

	cfg := Config{
		Classifier: classify.New(classify.DefaultLexicon(), logger),
		Selector:   selector.New(catalog, logger),
		Host:       StaticHost(f.host),
		Runtime:    f.runtime,
		Registry:   f.registry,
		Canned:     canned,
		Watchdog:   watchdog.New(f.ceiling, logger),
		Observer:   f.observer,
		Logger:     logger,
	}
	if f.local != nil {
		cfg.Local = f.local
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func healthRequest() api.Request {
	ctx := api.ContextHealth
	crit := api.CriticalityHigh
	return api.Request{
		DomainHint:      &ctx,
		CriticalityHint: &crit,
		UserText:        "Dor no peito e falta de ar",
		ComposedPrompt:  "Paciente relata: Dor no peito e falta de ar",
	}
}

func states(ss ...State) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestRunRuntimeSuccess(t *testing.T) {
	f := newFixture()
	f.runtime.Script("gemma3n:e2b", inference.MockReply{Content: "  Procure atendimento imediato.\n"})
	p := f.build(t)

	resp := p.Run(context.Background(), "req-1", healthRequest())

	assert.Equal(t, "Procure atendimento imediato.", resp.Content)
	md := resp.Metadata
	assert.Equal(t, "req-1", md.RequestID)
	assert.Equal(t, "gemma3n:e2b", md.ModelUsed)
	assert.Equal(t, api.MethodRuntime, md.Method)
	assert.False(t, md.Fallback)
	assert.False(t, md.ForcedUnderspec)
	assert.Equal(t, api.ContextHealth, md.Context)
	assert.Equal(t, api.CriticalityHigh, md.Criticality)
	require.Len(t, md.Attempts, 1)
	assert.Equal(t, api.OutcomeSuccess, md.Attempts[0].Outcome)
	assert.Equal(t, states(StateClassifying, StateSelecting, StateInvoking, StatePostprocessing, StateDone), md.States)

	require.Len(t, f.observer.resps, 1)
	assert.Same(t, resp, f.observer.resps[0])
}

func TestRunAdvancesChainOnRuntimeError(t *testing.T) {
	f := newFixture()
	f.runtime.
		Script("gemma3n:e2b", inference.MockReply{Err: &inference.EngineError{Kind: inference.KindRuntimeError, Engine: "ollama", Status: 500}}).
		Script("gemma3n:e4b", inference.MockReply{Content: "resposta do e4b"})
	p := f.build(t)

	resp := p.Run(context.Background(), "req-2", healthRequest())

	assert.Equal(t, "resposta do e4b", resp.Content)
	assert.Equal(t, "gemma3n:e4b", resp.Metadata.ModelUsed)
	assert.True(t, resp.Metadata.Fallback)
	require.Len(t, resp.Metadata.Attempts, 2)
	assert.Equal(t, api.OutcomeRuntimeError, resp.Metadata.Attempts[0].Outcome)
	assert.Equal(t, api.OutcomeSuccess, resp.Metadata.Attempts[1].Outcome)
	assert.Contains(t, resp.Metadata.States, string(StateFallbackSelecting))
}

func TestRunRetriesInvalidOutputColder(t *testing.T) {
	f := newFixture()
	f.runtime.Script("gemma3n:e2b",
		inference.MockReply{Content: "   "},
		inference.MockReply{Content: "segunda tentativa"},
	)
	p := f.build(t)

	resp := p.Run(context.Background(), "req-3", healthRequest())

	assert.Equal(t, "segunda tentativa", resp.Content)
	assert.False(t, resp.Metadata.Fallback)
	calls := f.runtime.Calls()
	require.Len(t, calls, 2)
	assert.InDelta(t, 0.3, calls[0].Temperature, 1e-9)
	assert.InDelta(t, 0.15, calls[1].Temperature, 1e-9)

	attempts := resp.Metadata.Attempts
	require.Len(t, attempts, 2)
	assert.Equal(t, api.OutcomeOutputInvalid, attempts[0].Outcome)
	assert.Equal(t, api.OutcomeSuccess, attempts[1].Outcome)
}

func TestRunJSONRepair(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"fenced with prose", "Here is the answer:\n```json\n{\"ok\":true,\"n\":3}\n```\nThanks."},
		{"trailing comma", `{ "ok": true, "n": 3, }`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.runtime.Script("gemma3n:e2b", inference.MockReply{Content: tt.raw})
			p := f.build(t)

			req := healthRequest()
			req.ExpectJSON = true
			resp := p.Run(context.Background(), "req-json", req)

			assert.Equal(t, map[string]any{"ok": true, "n": float64(3)}, resp.Content)
			assert.False(t, resp.Metadata.ParseFailed)
			assert.False(t, resp.Metadata.Salvaged)
			assert.False(t, resp.Metadata.Fallback)
		})
	}
}

func TestRunSalvagesUnparseableJSON(t *testing.T) {
	f := newFixture()
	for _, id := range allModels {
		f.runtime.Script(id, inference.MockReply{Content: "não é json"})
	}
	p := f.build(t)

	req := healthRequest()
	req.ExpectJSON = true
	resp := p.Run(context.Background(), "req-salvage", req)

	assert.Equal(t, map[string]any{"content": "não é json", "parse_failed": true}, resp.Content)
	assert.True(t, resp.Metadata.ParseFailed)
	assert.True(t, resp.Metadata.Salvaged)
	assert.True(t, resp.Metadata.Fallback)
	assert.Equal(t, api.MethodRuntime, resp.Metadata.Method)
	assert.NotContains(t, resp.Metadata.States, string(StateCannedResponse))
	// Every descriptor is tried twice.
	assert.Len(t, f.runtime.Calls(), 2*len(allModels))
	for _, a := range resp.Metadata.Attempts {
		assert.Equal(t, api.OutcomeOutputInvalid, a.Outcome)
	}
}

func TestRunCannedWhenNothingCanServe(t *testing.T) {
	f := newFixture()
	f.runtime.SetAvailable(false)
	p := f.build(t)

	resp := p.Run(context.Background(), "req-down", healthRequest())

	assert.Equal(t, api.MethodCanned, resp.Metadata.Method)
	assert.True(t, resp.Metadata.Fallback)
	assert.Empty(t, resp.Metadata.ModelUsed)
	assert.Contains(t, resp.Content, degradation.DefaultTable()[api.ContextHealth])
	assert.GreaterOrEqual(t, len(resp.Metadata.Attempts), 1)
	assert.Empty(t, f.runtime.Calls())

	ss := resp.Metadata.States
	require.GreaterOrEqual(t, len(ss), 2)
	assert.Equal(t, states(StateCannedResponse, StateDone), ss[len(ss)-2:])
}

func TestRunInProcessWhenRuntimeDown(t *testing.T) {
	f := newFixture()
	f.runtime.SetAvailable(false)
	f.local = inference.NewMockEngine(api.MethodInProcess).
		Script("gemma3n:e2b", inference.MockReply{Content: "resposta local"})
	p := f.build(t)

	resp := p.Run(context.Background(), "req-local", healthRequest())

	assert.Equal(t, "resposta local", resp.Content)
	assert.Equal(t, api.MethodInProcess, resp.Metadata.Method)
	assert.True(t, resp.Metadata.Fallback)
	require.Len(t, resp.Metadata.Attempts, 2)
	assert.Equal(t, api.MethodRuntime, resp.Metadata.Attempts[0].Method)
	assert.Equal(t, api.OutcomeRuntimeError, resp.Metadata.Attempts[0].Outcome)
	assert.Equal(t, api.MethodInProcess, resp.Metadata.Attempts[1].Method)
}

func TestRunInProcessWhenModelAbsent(t *testing.T) {
	f := newFixture()
	// The runtime is up but has no script for e2b, so it reports the model absent.
	f.runtime.Script("gemma3n:latest", inference.MockReply{Content: "x"})
	f.local = inference.NewMockEngine(api.MethodInProcess).
		Script("gemma3n:e2b", inference.MockReply{Content: "carregado localmente"})
	p := f.build(t)

	resp := p.Run(context.Background(), "req-absent", healthRequest())
	assert.Equal(t, "carregado localmente", resp.Content)
	assert.Equal(t, api.MethodInProcess, resp.Metadata.Method)
}

func TestRunCriticalFallsBackToNextTier(t *testing.T) {
	f := newFixture()
	f.runtime.
		Script("gemma3n:e4b", inference.MockReply{Err: &inference.EngineError{Kind: inference.KindRuntimeError, Engine: "ollama", Status: 500}}).
		Script("gemma3n:e2b", inference.MockReply{Content: "resposta do e2b"}).
		Script("gemma3n:latest", inference.MockReply{Content: "resposta do latest"})
	p := f.build(t)

	crit := api.CriticalityCritical
	resp := p.Run(context.Background(), "req-critical", api.Request{
		CriticalityHint: &crit,
		UserText:        "URGENTE! Acidente na estrada.",
		ComposedPrompt:  "URGENTE! Acidente na estrada.",
	})

	assert.Equal(t, "resposta do e2b", resp.Content)
	assert.Equal(t, "gemma3n:e2b", resp.Metadata.ModelUsed)
	assert.True(t, resp.Metadata.Fallback)
	calls := f.runtime.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "gemma3n:e4b", calls[0].Model)
	assert.Equal(t, "gemma3n:e2b", calls[1].Model)
}

func TestRunExhaustsChainThenCanned(t *testing.T) {
	f := newFixture()
	// Nothing scripted: every model is absent from the runtime.
	f.runtime.Script("unrelated:model", inference.MockReply{Content: "x"})
	p := f.build(t)

	resp := p.Run(context.Background(), "req-exhaust", healthRequest())

	assert.Equal(t, api.MethodCanned, resp.Metadata.Method)
	assert.True(t, resp.Metadata.Fallback)
	assert.LessOrEqual(t, len(resp.Metadata.Attempts), models.DefaultCatalog().Len())
	assert.Len(t, f.runtime.Calls(), len(allModels))

	seen := map[string]bool{}
	for _, c := range f.runtime.Calls() {
		assert.False(t, seen[c.Model], "model %s tried twice", c.Model)
		seen[c.Model] = true
	}
}

func TestRunSkipsModelsMissingFromRegistry(t *testing.T) {
	f := newFixture()
	f.registry = models.NewRegistry(models.DefaultCatalog())
	f.registry.Reconcile([]string{"gemma3n:latest"})
	f.runtime.Script("gemma3n:latest", inference.MockReply{Content: "do latest"})
	p := f.build(t)

	resp := p.Run(context.Background(), "req-registry", healthRequest())

	assert.Equal(t, "do latest", resp.Content)
	assert.Equal(t, "gemma3n:latest", resp.Metadata.ModelUsed)
	assert.True(t, resp.Metadata.Fallback)
	assert.True(t, resp.Metadata.ForcedUnderspec)
	calls := f.runtime.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "gemma3n:latest", calls[0].Model)
}

func TestRunForcedModel(t *testing.T) {
	t.Run("honoured", func(t *testing.T) {
		f := newFixture()
		f.host = host(16, 8)
		f.runtime.Script("gemma3n:lite", inference.MockReply{Content: "leve"})
		p := f.build(t)

		req := healthRequest()
		req.ForcedModel = "gemma3n:lite"
		resp := p.Run(context.Background(), "req-forced", req)
		assert.Equal(t, "gemma3n:lite", resp.Metadata.ModelUsed)
		assert.False(t, resp.Metadata.Fallback)
	})

	t.Run("demoted", func(t *testing.T) {
		f := newFixture()
		f.host = host(2.2, 2)
		for _, id := range allModels {
			f.runtime.Script(id, inference.MockReply{Content: "ok " + id})
		}
		p := f.build(t)

		req := healthRequest()
		req.ForcedModel = "gemma3n:e4b"
		resp := p.Run(context.Background(), "req-demoted", req)

		attempts := resp.Metadata.Attempts
		require.Len(t, attempts, 2)
		assert.Equal(t, api.OutcomeHardwareRejected, attempts[0].Outcome)
		assert.Equal(t, "gemma3n:e4b", attempts[0].Model)
		assert.NotEmpty(t, attempts[0].Error)
		assert.Equal(t, api.OutcomeSuccess, attempts[1].Outcome)
		assert.NotEqual(t, "gemma3n:e4b", resp.Metadata.ModelUsed)
	})
}

func TestRunHardCeiling(t *testing.T) {
	f := newFixture()
	f.ceiling = 100 * time.Millisecond
	for _, id := range allModels {
		f.runtime.Script(id, inference.MockReply{Content: "tarde demais", Delay: 5 * time.Second})
	}
	p := f.build(t)

	start := time.Now()
	resp := p.Run(context.Background(), "req-ceiling", healthRequest())
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, api.MethodCanned, resp.Metadata.Method)
	assert.True(t, resp.Metadata.Fallback)
	require.NotEmpty(t, resp.Metadata.Attempts)
	assert.Equal(t, api.OutcomeTimeout, resp.Metadata.Attempts[0].Outcome)
	assert.Len(t, f.runtime.Calls(), 1)
	assert.Zero(t, p.Watchdog().Active())
}

func TestRunUnderspecOnTinyHost(t *testing.T) {
	f := newFixture()
	f.host = host(1, 1)
	f.runtime.Script("gemma3n:lite", inference.MockReply{Content: "resposta curta"})
	p := f.build(t)

	crit := api.CriticalityCritical
	resp := p.Run(context.Background(), "req-tiny", api.Request{
		CriticalityHint: &crit,
		UserText:        "preciso de ajuda",
		ComposedPrompt:  "preciso de ajuda",
	})

	assert.Equal(t, "gemma3n:lite", resp.Metadata.ModelUsed)
	assert.True(t, resp.Metadata.ForcedUnderspec)
	calls := f.runtime.Calls()
	require.Len(t, calls, 1)
	assert.LessOrEqual(t, calls[0].MaxTokens, 256)
}

func TestRunConcurrentRequestsDoNotLeak(t *testing.T) {
	f := newFixture()
	for _, id := range allModels {
		f.runtime.Script(id, inference.MockReply{Content: "ok"})
	}
	p := f.build(t)

	contexts := []api.ContextType{api.ContextHealth, api.ContextAgriculture, api.ContextEducation, api.ContextGeneral}
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctxType := contexts[i%len(contexts)]
			id := fmt.Sprintf("req-%d", i)
			resp := p.Run(context.Background(), id, api.Request{
				DomainHint:     &ctxType,
				ComposedPrompt: "pergunta " + strings.Repeat("x", i),
			})
			assert.Equal(t, id, resp.Metadata.RequestID)
			assert.Equal(t, ctxType, resp.Metadata.Context)
			assert.Len(t, resp.Metadata.Attempts, 1)
		}(i)
	}
	wg.Wait()
	assert.Len(t, f.observer.resps, 32)
}
