package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/bufala/bufala-llm/internal/classify"
	"github.com/bufala/bufala-llm/internal/core"
	"github.com/bufala/bufala-llm/internal/templates"
	"github.com/bufala/bufala-llm/internal/validation"
	"github.com/bufala/bufala-llm/pkg/api"
)

// Version is reported on the root endpoint.
const Version = "0.1.0"

// generateRequest is the wire form of api.Request. Hints are plain strings
// so unknown values can be coerced instead of rejected.
type generateRequest struct {
	DomainHint      string                 `json:"domain_hint"`
	CriticalityHint string                 `json:"criticality_hint"`
	UserText        string                 `json:"user_text"`
	ComposedPrompt  string                 `json:"composed_prompt"`
	SystemPrompt    string                 `json:"system_prompt"`
	ExpectJSON      bool                   `json:"expect_json"`
	Decoding        *api.DecodingOverrides `json:"decoding"`
	ForcedModel     string                 `json:"forced_model"`
}

func (s *Server) toRequest(g generateRequest) api.Request {
	return api.Request{
		DomainHint:      classify.CoerceContext(g.DomainHint, s.logger),
		CriticalityHint: classify.CoerceCriticality(g.CriticalityHint, s.logger),
		UserText:        g.UserText,
		ComposedPrompt:  g.ComposedPrompt,
		SystemPrompt:    g.SystemPrompt,
		ExpectJSON:      g.ExpectJSON,
		Decoding:        g.Decoding,
		ForcedModel:     g.ForcedModel,
	}
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"name": "Bu Fala LLM router", "version": Version, "status": "running"})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.core.Health(c.Request.Context()))
}

func (s *Server) handleHost(c *gin.Context) {
	host := s.core.Host(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"host": host, "device_quality": host.Quality()})
}

func (s *Server) handleListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": s.core.Models(c.Request.Context())})
}

func (s *Server) handleReconcile(c *gin.Context) {
	report, err := s.core.Reconcile(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, "runtime_unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleClassify(c *gin.Context) {
	var body generateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "Invalid request body: "+err.Error())
		return
	}
	req := s.toRequest(body)
	if strings.TrimSpace(req.ComposedPrompt) == "" {
		req.ComposedPrompt = req.UserText
	}
	if v := validation.New().Required("composed_prompt", req.ComposedPrompt); !v.Valid() {
		v.Abort(c)
		return
	}

	plan, err := s.core.Plan(c.Request.Context(), req)
	if err != nil {
		// Classification still holds; only selection ran out of models.
		c.JSON(http.StatusOK, gin.H{"plan": plan, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": plan})
}

func (s *Server) handleGenerate(c *gin.Context) {
	var body generateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "Invalid request body: "+err.Error())
		return
	}
	s.generate(c, s.toRequest(body), "")
}

func (s *Server) handleListDomains(c *gin.Context) {
	names := templates.ListTemplates()
	out := make([]*templates.Template, 0, len(names))
	for _, name := range names {
		t, _ := templates.GetTemplate(name)
		out = append(out, t)
	}
	c.JSON(http.StatusOK, gin.H{"domains": out})
}

// domainRequest fills a domain template. Question is shorthand for the
// template's first variable.
type domainRequest struct {
	Question        string                 `json:"question"`
	Variables       map[string]string      `json:"variables"`
	CriticalityHint string                 `json:"criticality_hint"`
	Decoding        *api.DecodingOverrides `json:"decoding"`
	ForcedModel     string                 `json:"forced_model"`
}

func (s *Server) handleDomain(c *gin.Context) {
	domain := c.Param("domain")
	tmpl, err := templates.GetTemplate(domain)
	if err != nil {
		writeError(c, http.StatusNotFound, "not_found_error", err.Error())
		return
	}

	var body domainRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "Invalid request body: "+err.Error())
		return
	}
	vars := make(map[string]string, len(body.Variables)+1)
	for k, v := range body.Variables {
		vars[k] = v
	}
	if body.Question != "" && len(tmpl.Variables) > 0 && vars[tmpl.Variables[0]] == "" {
		vars[tmpl.Variables[0]] = body.Question
	}

	req, err := tmpl.Compose(vars)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	req.CriticalityHint = classify.CoerceCriticality(body.CriticalityHint, s.logger)
	req.Decoding = body.Decoding
	req.ForcedModel = body.ForcedModel
	s.generate(c, req, tmpl.Name)
}

func (s *Server) generate(c *gin.Context, req api.Request, domain string) {
	if v := validation.Request(&req); !v.Valid() {
		v.Abort(c)
		return
	}

	resp, err := s.core.Handle(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		writeError(c, status, "api_error", err.Error())
		return
	}
	if domain == "" {
		c.JSON(http.StatusOK, resp)
		return
	}
	c.JSON(http.StatusOK, gin.H{"domain": domain, "content": resp.Content, "metadata": resp.Metadata})
}
