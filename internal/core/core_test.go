package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bufala/bufala-llm/internal/config"
	"github.com/bufala/bufala-llm/internal/inference"
	"github.com/bufala/bufala-llm/internal/logging"
	"github.com/bufala/bufala-llm/internal/pipeline"
	"github.com/bufala/bufala-llm/internal/resource"
	"github.com/bufala/bufala-llm/pkg/api"
)

const gb = 1024 * 1024 * 1024

var allModels = []string{"gemma3n:e4b", "gemma3n:e2b", "gemma3n:latest", "gemma3n:lite"}

type chatCall struct {
	Model    string            `json:"model"`
	Messages []api.ChatMessage `json:"messages"`
	Options  map[string]any    `json:"options"`
}

// runtimeStub is an Ollama compatible runtime backed by httptest.
type runtimeStub struct {
	srv *httptest.Server

	mu        sync.Mutex
	installed []string
	reply     string
	hang      bool
	chats     []chatCall
}

func newRuntimeStub(t *testing.T, reply string) *runtimeStub {
	t.Helper()
	s := &runtimeStub{installed: allModels, reply: reply}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		models := make([]map[string]string, len(s.installed))
		for i, name := range s.installed {
			models[i] = map[string]string{"name": name}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"models": models})
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		var call chatCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.chats = append(s.chats, call)
		reply, hang := s.reply, s.hang
		s.mu.Unlock()

		if hang {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Minute):
			}
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   call.Model,
			"message": map[string]string{"role": "assistant", "content": reply},
			"done":    true,
		})
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *runtimeStub) calls() []chatCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chatCall(nil), s.chats...)
}

func hostProfile(ramGB float64, cores int, freq float64) resource.HostProfile {
	return resource.HostProfile{
		TotalRAMGB:     ramGB,
		AvailableRAMGB: ramGB,
		PhysicalCores:  cores,
		LogicalCores:   cores,
		CPUFreqMHz:     freq,
		DiskTotalBytes: 100 * gb,
		DiskFreeBytes:  40 * gb,
		OS:             "linux",
		Arch:           "amd64",
	}
}

func testConfig(t *testing.T, runtimeURL string) *config.Config {
	cfg := config.Default()
	cfg.RuntimeHost = runtimeURL
	cfg.ModelsDir = t.TempDir()
	cfg.EnableInProcess = false
	return cfg
}

func newCore(t *testing.T, cfg *config.Config, host resource.HostProfile, opts ...Option) *Core {
	t.Helper()
	opts = append([]Option{
		WithLogger(logging.Discard()),
		WithHost(pipeline.StaticHost(host)),
	}, opts...)
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func ptr[T any](v T) *T { return &v }

func TestS1HealthOnCapableHost(t *testing.T) {
	stub := newRuntimeStub(t, "Procure atendimento imediato.")
	c := newCore(t, testConfig(t, stub.srv.URL), hostProfile(8, 4, 3000))

	resp, err := c.Handle(context.Background(), api.Request{
		DomainHint:      ptr(api.ContextHealth),
		CriticalityHint: ptr(api.CriticalityHigh),
		UserText:        "Dor no peito e falta de ar",
		ComposedPrompt:  "Pergunta de saúde: Dor no peito e falta de ar",
	})
	require.NoError(t, err)

	assert.Equal(t, "Procure atendimento imediato.", resp.Content)
	assert.Equal(t, api.MethodRuntime, resp.Metadata.Method)
	assert.Equal(t, "gemma3n:e2b", resp.Metadata.ModelUsed)
	assert.False(t, resp.Metadata.Fallback)
	assert.Equal(t, api.ContextHealth, resp.Metadata.Context)
	assert.Equal(t, api.CriticalityHigh, resp.Metadata.Criticality)
	assert.NotEmpty(t, resp.Metadata.RequestID)

	calls := stub.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "gemma3n:e2b", calls[0].Model)
	assert.InDelta(t, 0.3, calls[0].Options["temperature"], 1e-9)
}

func TestS2RuntimeDownWithoutInProcess(t *testing.T) {
	stub := newRuntimeStub(t, "unused")
	url := stub.srv.URL
	stub.srv.Close()

	c := newCore(t, testConfig(t, url), hostProfile(8, 4, 3000))
	resp, err := c.Handle(context.Background(), api.Request{
		DomainHint:      ptr(api.ContextHealth),
		CriticalityHint: ptr(api.CriticalityHigh),
		UserText:        "Dor no peito e falta de ar",
		ComposedPrompt:  "Dor no peito e falta de ar",
	})
	require.NoError(t, err)

	assert.Equal(t, api.MethodCanned, resp.Metadata.Method)
	assert.True(t, resp.Metadata.Fallback)
	assert.Empty(t, resp.Metadata.ModelUsed)
	assert.Contains(t, resp.Content, "Para questões de saúde, procure um profissional de saúde qualificado.")
	assert.GreaterOrEqual(t, len(resp.Metadata.Attempts), 1)
}

func TestS3EmergencyKeywords(t *testing.T) {
	stub := newRuntimeStub(t, "Ligue para os bombeiros.")
	c := newCore(t, testConfig(t, stub.srv.URL), hostProfile(8, 4, 3000))

	req := api.Request{
		UserText:       "URGENTE! Acidente, sangramento intenso.",
		ComposedPrompt: "URGENTE! Acidente, sangramento intenso.",
	}
	plan, err := c.Plan(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, api.ContextEmergency, plan.Context)
	assert.Equal(t, api.CriticalityCritical, plan.Criticality)
	assert.Equal(t, "gemma3n:e4b", plan.Model)
	assert.False(t, plan.ForcedUnderspec)

	resp, err := c.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "gemma3n:e4b", resp.Metadata.ModelUsed)
	assert.Equal(t, api.ContextEmergency, resp.Metadata.Context)
}

func TestHintedContextFloorWithoutUserText(t *testing.T) {
	stub := newRuntimeStub(t, "ok")
	c := newCore(t, testConfig(t, stub.srv.URL), hostProfile(8, 4, 3000))

	plan, err := c.Plan(context.Background(), api.Request{
		DomainHint:     ptr(api.ContextEmergency),
		ComposedPrompt: "Explique os primeiros passos a seguir.",
	})
	require.NoError(t, err)
	assert.Equal(t, api.ContextEmergency, plan.Context)
	assert.Equal(t, api.CriticalityCritical, plan.Criticality)
	assert.Equal(t, "gemma3n:e4b", plan.Model)
}

func TestS4LowRAMHostCriticalRequest(t *testing.T) {
	stub := newRuntimeStub(t, "Procure ajuda.")
	c := newCore(t, testConfig(t, stub.srv.URL), hostProfile(1, 1, 1200))

	resp, err := c.Handle(context.Background(), api.Request{
		CriticalityHint: ptr(api.CriticalityCritical),
		ComposedPrompt:  "Preciso de ajuda",
	})
	require.NoError(t, err)

	assert.Equal(t, "gemma3n:lite", resp.Metadata.ModelUsed)
	assert.True(t, resp.Metadata.ForcedUnderspec)
	assert.Equal(t, api.MethodRuntime, resp.Metadata.Method)

	calls := stub.calls()
	require.NotEmpty(t, calls)
	assert.LessOrEqual(t, calls[0].Options["num_predict"], float64(256))
}

func TestS5JSONExtraction(t *testing.T) {
	stub := newRuntimeStub(t, "Here is the answer:\n```json\n{\"ok\":true,\"n\":3}\n```\nThanks.")
	c := newCore(t, testConfig(t, stub.srv.URL), hostProfile(8, 4, 3000))

	resp, err := c.Handle(context.Background(), api.Request{ComposedPrompt: "Responda em JSON", ExpectJSON: true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true, "n": float64(3)}, resp.Content)
	assert.False(t, resp.Metadata.ParseFailed)
}

func TestS6TrailingCommaRepaired(t *testing.T) {
	stub := newRuntimeStub(t, `{ "ok": true, "n": 3, }`)
	c := newCore(t, testConfig(t, stub.srv.URL), hostProfile(8, 4, 3000))

	resp, err := c.Handle(context.Background(), api.Request{ComposedPrompt: "Responda em JSON", ExpectJSON: true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true, "n": float64(3)}, resp.Content)
	assert.False(t, resp.Metadata.ParseFailed)
}

func TestS7HardCeiling(t *testing.T) {
	stub := newRuntimeStub(t, "")
	stub.hang = true
	cfg := testConfig(t, stub.srv.URL)
	cfg.HardCeilingSeconds = 1
	c := newCore(t, cfg, hostProfile(8, 4, 3000))

	start := time.Now()
	resp, err := c.Handle(context.Background(), api.Request{
		DomainHint:     ptr(api.ContextAgriculture),
		ComposedPrompt: "Quando plantar arroz?",
	})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, api.MethodCanned, resp.Metadata.Method)
	assert.Contains(t, resp.Content, "técnico agrícola")
	require.NotEmpty(t, resp.Metadata.Attempts)
	assert.Equal(t, api.OutcomeTimeout, resp.Metadata.Attempts[0].Outcome)

	assert.Eventually(t, func() bool {
		return strings.Contains(scrape(t, c), "bufala_ceiling_trips_total 1")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestForceModelFromConfig(t *testing.T) {
	stub := newRuntimeStub(t, "ok")
	cfg := testConfig(t, stub.srv.URL)
	cfg.ForceModel = "gemma3n:latest"
	c := newCore(t, cfg, hostProfile(8, 4, 3000))

	resp, err := c.Handle(context.Background(), api.Request{ComposedPrompt: "olá"})
	require.NoError(t, err)
	assert.Equal(t, "gemma3n:latest", resp.Metadata.ModelUsed)

	// A per-request choice wins over the configured one.
	resp, err = c.Handle(context.Background(), api.Request{ComposedPrompt: "olá", ForcedModel: "gemma3n:lite"})
	require.NoError(t, err)
	assert.Equal(t, "gemma3n:lite", resp.Metadata.ModelUsed)
}

func TestFatalConfiguration(t *testing.T) {
	dir := t.TempDir()
	badOverride := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(badOverride, []byte("models: [\n"), 0644))
	badLexicon := filepath.Join(dir, "lexicon.yaml")
	require.NoError(t, os.WriteFile(badLexicon, []byte("contexts:\n  astrology: [estrela]\n"), 0644))

	cases := map[string]func(*config.Config){
		"unknown force model": func(c *config.Config) { c.ForceModel = "llama3:70b" },
		"bad override":        func(c *config.Config) { c.CatalogOverridePath = badOverride },
		"bad lexicon":         func(c *config.Config) { c.LexiconPath = badLexicon },
		"invalid ceiling":     func(c *config.Config) { c.HardCeilingSeconds = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t, "http://127.0.0.1:1")
			mutate(cfg)
			_, err := New(cfg, WithLogger(logging.Discard()))
			require.Error(t, err)
			assert.ErrorIs(t, err, config.ErrFatalConfig)
		})
	}
}

func TestInvalidRequest(t *testing.T) {
	c := newCore(t, testConfig(t, "http://127.0.0.1:1"), hostProfile(8, 4, 3000))

	_, err := c.Handle(context.Background(), api.Request{ComposedPrompt: " "})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = c.Handle(context.Background(), api.Request{
		ComposedPrompt: "olá",
		Decoding:       &api.DecodingOverrides{Temperature: ptr(3.0)},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestReconcileAndModels(t *testing.T) {
	stub := newRuntimeStub(t, "ok")
	stub.installed = []string{"gemma3n:e2b", "gemma3n:lite", "llama3.2:1b"}
	c := newCore(t, testConfig(t, stub.srv.URL), hostProfile(2, 2, 2000))

	report := c.Start(context.Background())
	assert.True(t, report.Reconciled)
	assert.ElementsMatch(t, []string{"gemma3n:e2b", "gemma3n:lite"}, report.Present)
	assert.ElementsMatch(t, []string{"gemma3n:e4b", "gemma3n:latest"}, report.Missing)

	byID := map[string]ModelInfo{}
	for _, m := range c.Models(context.Background()) {
		byID[m.RuntimeID] = m
	}
	require.Len(t, byID, 4)
	assert.True(t, byID["gemma3n:e2b"].Installed)
	assert.True(t, byID["gemma3n:e2b"].Feasible)
	assert.False(t, byID["gemma3n:e4b"].Installed)
	assert.False(t, byID["gemma3n:e4b"].Feasible)
	assert.False(t, byID["gemma3n:latest"].Feasible)

	resp, err := c.Handle(context.Background(), api.Request{ComposedPrompt: "olá", ForcedModel: "gemma3n:e2b"})
	require.NoError(t, err)
	assert.Equal(t, "gemma3n:e2b", resp.Metadata.ModelUsed)

	assert.Contains(t, scrape(t, c), "bufala_runtime_reachable 1")
}

func TestHealth(t *testing.T) {
	stub := newRuntimeStub(t, "ok")
	c := newCore(t, testConfig(t, stub.srv.URL), hostProfile(8, 4, 3000))

	st := c.Health(context.Background())
	assert.Equal(t, "ok", st.Status)
	assert.True(t, st.RuntimeReachable)
	assert.False(t, st.InProcessAvailable)
	assert.Equal(t, resource.QualityPremium, st.Quality)
	assert.Equal(t, "1m0s", st.HardCeiling)
	assert.Zero(t, st.ActiveRequests)

	down := newCore(t, testConfig(t, "http://127.0.0.1:1"), hostProfile(1, 1, 1000))
	st = down.Health(context.Background())
	assert.Equal(t, "degraded", st.Status)
	assert.False(t, st.RuntimeReachable)
	assert.Equal(t, resource.QualityLow, st.Quality)
}

type fakeGenerator struct{ reply string }

func (g fakeGenerator) Generate(ctx context.Context, prompt string, opts inference.GenerationOptions) (string, error) {
	return g.reply, nil
}

func (fakeGenerator) Close() error { return nil }

type fakeLoader struct{ reply string }

func (fakeLoader) Available() bool { return true }

func (l fakeLoader) Load(path string, opts inference.LoadOptions) (inference.Generator, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.New("missing")
	}
	return fakeGenerator{reply: l.reply}, nil
}

func TestInProcessWhenRuntimeDown(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.EnableInProcess = true
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ModelsDir, "gemma-3n-E2B-it-Q4_K_M.gguf"), []byte("gguf"), 0644))

	c := newCore(t, cfg, hostProfile(8, 4, 3000), WithLoader(fakeLoader{reply: "Beba água e descanse."}))
	resp, err := c.Handle(context.Background(), api.Request{
		DomainHint:      ptr(api.ContextHealth),
		CriticalityHint: ptr(api.CriticalityHigh),
		ComposedPrompt:  "Tenho febre",
	})
	require.NoError(t, err)

	assert.Equal(t, api.MethodInProcess, resp.Metadata.Method)
	assert.Equal(t, "gemma3n:e2b", resp.Metadata.ModelUsed)
	assert.Equal(t, "Beba água e descanse.", resp.Content)
	assert.True(t, resp.Metadata.Fallback)

	st := c.Health(context.Background())
	assert.True(t, st.InProcessAvailable)
	assert.Equal(t, []string{"gemma3n:e2b"}, st.LoadedModels)
	assert.Contains(t, scrape(t, c), "bufala_in_process_models_loaded 1")
}

func scrape(t *testing.T, c *Core) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}
