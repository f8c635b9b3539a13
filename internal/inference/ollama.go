package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/bufala/bufala-llm/pkg/api"
)

var tracer = otel.Tracer("bufala.inference.ollama")

const (
	// DefaultRuntimeHost is where a stock Ollama listens.
	DefaultRuntimeHost = "http://localhost:11434"
	// DefaultReachabilityTTL is how long a probe verdict is trusted.
	DefaultReachabilityTTL = 30 * time.Second

	bodyPreviewLen = 200
)

// OllamaConfig configures the runtime client.
type OllamaConfig struct {
	BaseURL string
	// Timeout bounds tag listing and reachability probes. Chat calls are
	// bounded by the caller's context.
	Timeout         time.Duration
	ReachabilityTTL time.Duration
}

// OllamaEngine proxies requests to an Ollama compatible runtime over HTTP.
type OllamaEngine struct {
	baseURL    string
	httpClient *http.Client
	probeTTL   time.Duration
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	checkedAt time.Time
	reachable bool
	installed []string
}

// NewOllamaEngine creates a runtime client. Nothing is contacted until the
// first call.
func NewOllamaEngine(cfg OllamaConfig, logger *slog.Logger) *OllamaEngine {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultRuntimeHost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ReachabilityTTL <= 0 {
		cfg.ReachabilityTTL = DefaultReachabilityTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaEngine{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy: func(req *http.Request) (*url.URL, error) {
					return nil, nil // Explicitly bypass all proxies for localhost
				},
			},
		},
		probeTTL: cfg.ReachabilityTTL,
		timeout:  cfg.Timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// Name implements Engine.
func (e *OllamaEngine) Name() api.Method { return api.MethodRuntime }

// BaseURL returns the runtime address.
func (e *OllamaEngine) BaseURL() string { return e.baseURL }

// Available implements Engine.
func (e *OllamaEngine) Available(ctx context.Context) bool { return e.Reachable(ctx) }

// Reachable probes GET /api/tags at most once per TTL. Concurrent callers
// share one probe, which runs detached from any single caller's
// cancellation and is bounded by the engine timeout instead.
func (e *OllamaEngine) Reachable(ctx context.Context) bool {
	e.mu.Lock()
	if !e.checkedAt.IsZero() && e.now().Sub(e.checkedAt) < e.probeTTL {
		ok := e.reachable
		e.mu.Unlock()
		return ok
	}
	e.mu.Unlock()

	v, _, _ := e.group.Do("probe", func() (any, error) {
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()
		_, err := e.Tags(probeCtx)
		return err == nil, nil
	})
	return v.(bool)
}

// Installed returns the model names seen by the last successful probe.
func (e *OllamaEngine) Installed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.installed...)
}

// MarkUnreachable records a failed call so the next requests skip the
// runtime until the TTL passes.
func (e *OllamaEngine) MarkUnreachable() {
	e.record(false, nil)
}

func (e *OllamaEngine) record(ok bool, names []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkedAt = e.now()
	e.reachable = ok
	if ok {
		e.installed = names
	}
}

type tagsResponse struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
		Size  int64  `json:"size"`
	} `json:"models"`
}

// Tags lists the installed models and refreshes the reachability verdict.
func (e *OllamaEngine) Tags(ctx context.Context) ([]string, error) {
	ctx, span := tracer.Start(ctx, "OllamaEngine.Tags")
	defer span.End()
	caller := ctx

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, e.fail(span, newError(KindRuntimeError, "ollama", "", "failed to create request", err))
	}

	// A caller giving up says nothing about the runtime, so it is not cached.
	resp, err := e.httpClient.Do(req)
	if err != nil {
		if caller.Err() != nil {
			return nil, e.fail(span, newError(KindTimeout, "ollama", "", "tags request cancelled", caller.Err()))
		}
		e.record(false, nil)
		return nil, e.fail(span, newError(KindUnavailable, "ollama", "", "runtime not reachable", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if caller.Err() != nil {
			return nil, e.fail(span, newError(KindTimeout, "ollama", "", "tags request cancelled", caller.Err()))
		}
		e.record(false, nil)
		return nil, e.fail(span, newError(KindUnavailable, "ollama", "", "failed to read tags", err))
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		e.record(false, nil)
		return nil, e.fail(span, &EngineError{
			Kind: KindUnavailable, Engine: "ollama", Status: resp.StatusCode, Message: preview(body),
		})
	}

	var tags tagsResponse
	if err := json.Unmarshal(body, &tags); err != nil {
		e.record(false, nil)
		return nil, e.fail(span, newError(KindUnavailable, "ollama", "", "malformed tags response", err))
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		name := m.Name
		if name == "" {
			name = m.Model
		}
		names = append(names, name)
	}
	span.SetAttributes(attribute.Int("llm.installed_models", len(names)))
	e.record(true, names)
	return names, nil
}

type ollamaChatRequest struct {
	Model    string            `json:"model"`
	Messages []api.ChatMessage `json:"messages"`
	Stream   bool              `json:"stream"`
	Options  map[string]any    `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model           string          `json:"model"`
	Message         api.ChatMessage `json:"message"`
	Done            bool            `json:"done"`
	PromptEvalCount int             `json:"prompt_eval_count"`
	EvalCount       int             `json:"eval_count"`
}

// Chat implements Engine with POST /api/chat.
func (e *OllamaEngine) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model()
	ctx, span := tracer.Start(ctx, "OllamaEngine.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.num_messages", len(req.Messages)),
		attribute.Float64("llm.temperature", req.Decoding.Temperature),
		attribute.Int("llm.max_tokens", req.Decoding.MaxOutputTokens),
	)

	payload := ollamaChatRequest{
		Model:    model,
		Messages: req.Messages,
		Stream:   false,
		Options: map[string]any{
			"temperature":    req.Decoding.Temperature,
			"top_p":          req.Decoding.TopP,
			"top_k":          req.Decoding.TopK,
			"repeat_penalty": req.Decoding.RepetitionPenalty,
			"num_predict":    req.Decoding.MaxOutputTokens,
			"num_ctx":        req.Decoding.ContextWindow,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, e.fail(span, newError(KindRuntimeError, "ollama", model, "failed to marshal request", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, e.fail(span, newError(KindRuntimeError, "ollama", model, "failed to create request", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := e.now()
	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, e.fail(span, newError(KindTimeout, "ollama", model, "attempt deadline passed", ctx.Err()))
		}
		e.MarkUnreachable()
		return nil, e.fail(span, newError(KindUnavailable, "ollama", model, "runtime not reachable", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, e.fail(span, newError(KindTimeout, "ollama", model, "attempt deadline passed", ctx.Err()))
		}
		return nil, e.fail(span, newError(KindRuntimeError, "ollama", model, "failed to read response", err))
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		return nil, e.fail(span, classifyRuntimeError(model, resp.StatusCode, respBody))
	}

	var chatResp ollamaChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, e.fail(span, &EngineError{
			Kind: KindRuntimeError, Engine: "ollama", Model: model, Status: resp.StatusCode,
			Message: "malformed response: " + preview(respBody), Err: err,
		})
	}
	if strings.TrimSpace(chatResp.Message.Content) == "" {
		return nil, e.fail(span, newError(KindOutputInvalid, "ollama", model, "empty assistant message", nil))
	}

	span.SetAttributes(attribute.Int("llm.completion_tokens", chatResp.EvalCount))
	return &ChatResponse{
		Content:          chatResp.Message.Content,
		Model:            model,
		Method:           api.MethodRuntime,
		PromptTokens:     chatResp.PromptEvalCount,
		CompletionTokens: chatResp.EvalCount,
		Duration:         e.now().Sub(start),
	}, nil
}

func (e *OllamaEngine) fail(span trace.Span, err *EngineError) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.logger.Debug("runtime call failed", "model", err.Model, "kind", err.Kind, "error", err)
	return err
}

func classifyRuntimeError(model string, status int, body []byte) *EngineError {
	var backendErr struct {
		Error string `json:"error"`
	}
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &backendErr); err == nil && backendErr.Error != "" {
		message = backendErr.Error
	}

	kind := KindRuntimeError
	lower := strings.ToLower(message)
	if status == http.StatusNotFound && strings.Contains(lower, "model") && strings.Contains(lower, "not found") {
		kind = KindModelAbsent
	}
	return &EngineError{Kind: kind, Engine: "ollama", Model: model, Status: status, Message: truncateString(message, bodyPreviewLen)}
}

func preview(body []byte) string {
	return truncateString(strings.TrimSpace(string(body)), bodyPreviewLen)
}

func truncateString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back off to a rune boundary.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// IsUnavailable reports whether err means the runtime itself is down.
func IsUnavailable(err error) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Kind == KindUnavailable
}
