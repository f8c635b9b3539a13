package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bufala/bufala-llm/pkg/api"
)

func setFlags(t *testing.T, domain, criticality, model string) {
	t.Helper()
	domainFlag, criticalityFlag, modelFlag = domain, criticality, model
	t.Cleanup(func() { domainFlag, criticalityFlag, modelFlag = "", "", "" })
}

func TestBuildRequestPlain(t *testing.T) {
	setFlags(t, "", "", "")

	req, err := buildRequest([]string{"Quando", "plantar", "arroz?"})
	require.NoError(t, err)
	assert.Equal(t, "Quando plantar arroz?", req.UserText)
	assert.Equal(t, req.UserText, req.ComposedPrompt)
	assert.Nil(t, req.DomainHint)
	assert.Nil(t, req.CriticalityHint)
	assert.Empty(t, req.ForcedModel)
}

func TestBuildRequestContextHint(t *testing.T) {
	setFlags(t, "Emergency", "critical", "gemma3n:e4b")

	req, err := buildRequest([]string{"socorro"})
	require.NoError(t, err)
	require.NotNil(t, req.DomainHint)
	assert.Equal(t, api.ContextEmergency, *req.DomainHint)
	require.NotNil(t, req.CriticalityHint)
	assert.Equal(t, api.CriticalityCritical, *req.CriticalityHint)
	assert.Equal(t, "gemma3n:e4b", req.ForcedModel)
}

func TestBuildRequestTemplate(t *testing.T) {
	setFlags(t, "translate", "", "")

	req, err := buildRequest([]string{"Bom", "dia"})
	require.NoError(t, err)
	require.NotNil(t, req.DomainHint)
	assert.Equal(t, api.ContextGeneral, *req.DomainHint)
	assert.Equal(t, "Bom dia", req.UserText)
	assert.Contains(t, req.ComposedPrompt, "Bom dia")
	assert.Contains(t, req.ComposedPrompt, "crioulo da Guiné-Bissau")
	assert.NotEmpty(t, req.SystemPrompt)
}

func TestBuildRequestUnknownDomainCoerced(t *testing.T) {
	setFlags(t, "astrology", "severe", "")

	req, err := buildRequest([]string{"olá"})
	require.NoError(t, err)
	assert.Equal(t, api.ContextGeneral, *req.DomainHint)
	assert.Equal(t, api.CriticalityLow, *req.CriticalityHint)
}
