package selector

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bufala/bufala-llm/internal/models"
	"github.com/bufala/bufala-llm/internal/resource"
	"github.com/bufala/bufala-llm/pkg/api"
)

const gb = 1024 * 1024 * 1024

func host(ramGB float64, cores int, freq float64) resource.HostProfile {
	return resource.HostProfile{
		TotalRAMGB:     ramGB,
		AvailableRAMGB: ramGB,
		PhysicalCores:  cores,
		LogicalCores:   cores,
		CPUFreqMHz:     freq,
		DiskTotalBytes: 100 * gb,
		DiskFreeBytes:  50 * gb,
	}
}

func newSelector() *Selector {
	return New(models.DefaultCatalog(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func classified(ctx api.ContextType, crit api.CriticalityLevel, prompt string) api.ClassifiedRequest {
	return api.ClassifiedRequest{Context: ctx, Criticality: crit, Prompt: prompt}
}

func TestSelectPrefersModelRatedForCriticality(t *testing.T) {
	s := newSelector()

	sel, err := s.Select(host(8, 4, 3000), classified(api.ContextHealth, api.CriticalityHigh, "Dor no peito e falta de ar"), Options{})
	require.NoError(t, err)
	assert.Equal(t, "gemma3n:e2b", sel.Descriptor.RuntimeID)
	assert.False(t, sel.ForcedUnderspec)
	assert.Equal(t, 0.3, sel.Decoding.Temperature)
	assert.Equal(t, 4096, sel.Decoding.MaxOutputTokens)
	assert.Equal(t, 40*time.Second, sel.Timeout)
}

func TestSelectCriticalOnPremiumHostUsesTopTier(t *testing.T) {
	s := newSelector()

	sel, err := s.Select(host(16, 8, 3200), classified(api.ContextEmergency, api.CriticalityCritical, "URGENTE"), Options{})
	require.NoError(t, err)
	assert.Equal(t, "gemma3n:e4b", sel.Descriptor.RuntimeID)
	assert.Equal(t, s.Catalog().TopTier(), sel.Descriptor.AccuracyTier)
	assert.Equal(t, topTierMaxTokens, sel.Decoding.MaxOutputTokens)
}

func TestSelectLowRAMHostCriticalRequest(t *testing.T) {
	s := newSelector()

	sel, err := s.Select(host(1, 1, 1200), classified(api.ContextGeneral, api.CriticalityCritical, "ajuda"), Options{})
	require.NoError(t, err)
	assert.Equal(t, s.Catalog().Lightest().RuntimeID, sel.Descriptor.RuntimeID)
	assert.True(t, sel.ForcedUnderspec)
	assert.LessOrEqual(t, sel.Decoding.MaxOutputTokens, smallModelMaxTokens)
	assert.LessOrEqual(t, sel.Decoding.TopK, smallModelMaxTopK)
	assert.Equal(t, 15*time.Second, sel.Timeout)
}

func TestSelectChainEntryBelowCriticalityIsUnderspec(t *testing.T) {
	s := newSelector()

	sel, err := s.Select(host(2.2, 2, 2000), classified(api.ContextEmergency, api.CriticalityCritical, "socorro"), Options{})
	require.NoError(t, err)
	assert.Equal(t, "gemma3n:e2b", sel.Descriptor.RuntimeID)
	assert.True(t, sel.ForcedUnderspec)
	assert.Equal(t, 2048, sel.Decoding.MaxOutputTokens)
	assert.Equal(t, 60*time.Second, sel.Timeout)
}

func TestSelectChainPrefersHigherTierOverLargerFloor(t *testing.T) {
	s := newSelector()

	// latest has the larger RAM floor but e2b is the more capable model.
	sel, err := s.Select(host(2.5, 2, 2000), classified(api.ContextEmergency, api.CriticalityCritical, "socorro"), Options{})
	require.NoError(t, err)
	assert.Equal(t, "gemma3n:e2b", sel.Descriptor.RuntimeID)
	assert.True(t, sel.ForcedUnderspec)

	sel, err = s.Select(host(8, 4, 3000), classified(api.ContextEmergency, api.CriticalityCritical, "socorro"),
		Options{}.Exclude("gemma3n:e4b"))
	require.NoError(t, err)
	assert.Equal(t, "gemma3n:e2b", sel.Descriptor.RuntimeID)
	assert.Equal(t, "fallback chain", sel.Reason)
}

func TestSelectHostBelowEveryFloor(t *testing.T) {
	s := newSelector()

	sel, err := s.Select(host(0.25, 1, 800), classified(api.ContextGeneral, api.CriticalityLow, "ola"), Options{})
	require.NoError(t, err)
	assert.Equal(t, "gemma3n:lite", sel.Descriptor.RuntimeID)
	assert.True(t, sel.ForcedUnderspec)
	assert.Equal(t, 128, sel.Decoding.MaxOutputTokens)
}

func TestSelectForcedModel(t *testing.T) {
	s := newSelector()
	req := classified(api.ContextHealth, api.CriticalityHigh, "febre")

	t.Run("honoured when the host fits", func(t *testing.T) {
		sel, err := s.Select(host(8, 4, 3000), req, Options{ForcedModel: "gemma3n:e4b"})
		require.NoError(t, err)
		assert.Equal(t, "gemma3n:e4b", sel.Descriptor.RuntimeID)
		assert.Empty(t, sel.Rejected)
	})

	t.Run("demoted when the host is too small", func(t *testing.T) {
		sel, err := s.Select(host(3, 2, 2000), req, Options{ForcedModel: "gemma3n:e4b"})
		require.NoError(t, err)
		assert.Equal(t, "gemma3n:e2b", sel.Descriptor.RuntimeID)
		require.Len(t, sel.Rejected, 1)
		assert.Equal(t, "gemma3n:e4b", sel.Rejected[0].Model)
		assert.Contains(t, sel.Rejected[0].Reason, "cores 2 < 4")
	})

	t.Run("unknown is ignored", func(t *testing.T) {
		sel, err := s.Select(host(8, 4, 3000), req, Options{ForcedModel: "llama3:70b"})
		require.NoError(t, err)
		assert.Equal(t, "gemma3n:e2b", sel.Descriptor.RuntimeID)
		assert.Empty(t, sel.Rejected)
	})
}

func TestSelectExclusionsShrinkCandidates(t *testing.T) {
	s := newSelector()
	h := host(8, 4, 3000)
	req := classified(api.ContextHealth, api.CriticalityHigh, "febre")

	opts := Options{}
	var tried []string
	for {
		sel, err := s.Select(h, req, opts)
		if err != nil {
			assert.ErrorIs(t, err, ErrCandidatesExhausted)
			break
		}
		require.NotContains(t, tried, sel.Descriptor.RuntimeID)
		tried = append(tried, sel.Descriptor.RuntimeID)
		opts = opts.Exclude(sel.Descriptor.RuntimeID)
	}
	assert.Equal(t, []string{"gemma3n:e2b", "gemma3n:e4b", "gemma3n:latest", "gemma3n:lite"}, tried)
}

func TestSelectExcludeDoesNotMutateOriginal(t *testing.T) {
	base := Options{Excluded: map[string]bool{"a": true}}
	next := base.Exclude("b")
	assert.Len(t, base.Excluded, 1)
	assert.Len(t, next.Excluded, 2)
}

func TestSelectAppliesOverridesThenClamps(t *testing.T) {
	s := newSelector()
	temp := 0.9
	tokens := 100000
	req := classified(api.ContextEmergency, api.CriticalityCritical, "urgente")
	req.Overrides = &api.DecodingOverrides{Temperature: &temp, MaxOutputTokens: &tokens}

	sel, err := s.Select(host(16, 8, 3200), req, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0.9, sel.Decoding.Temperature)
	assert.Equal(t, topTierMaxTokens, sel.Decoding.MaxOutputTokens)
}

func TestSelectLongPromptCapsTokens(t *testing.T) {
	s := newSelector()
	prompt := strings.Repeat("palavra ", longPromptWords+1)

	sel, err := s.Select(host(8, 4, 3000), classified(api.ContextHealth, api.CriticalityHigh, prompt), Options{})
	require.NoError(t, err)
	assert.Equal(t, longPromptMaxTokens, sel.Decoding.MaxOutputTokens)
}

func TestSelectUnknownContextTreatedAsGeneral(t *testing.T) {
	s := newSelector()

	sel, err := s.Select(host(8, 4, 3000), classified(api.ContextType("astrology"), api.CriticalityLow, "x"), Options{})
	require.NoError(t, err)
	assert.True(t, sel.Descriptor.Serves(api.ContextGeneral))
}

func TestSelectFeasibleOrUnderspec(t *testing.T) {
	s := newSelector()
	hosts := []resource.HostProfile{
		host(0.25, 1, 800), host(1, 1, 1200), host(2, 2, 1600), host(2.5, 2, 2000),
		host(4, 4, 2400), host(8, 4, 3000), resource.DefaultProfile(),
	}
	levels := []api.CriticalityLevel{api.CriticalityLow, api.CriticalityMedium, api.CriticalityHigh, api.CriticalityCritical}

	for _, h := range hosts {
		for _, ctx := range api.AllContexts {
			for _, crit := range levels {
				req := classified(ctx, crit, "texto")
				sel, err := s.Select(h, req, Options{})
				require.NoError(t, err)
				if !sel.Descriptor.Floor.SatisfiedBy(h) {
					assert.True(t, sel.ForcedUnderspec, "host %s ctx %s crit %s", h, ctx, crit)
				}

				again, err := s.Select(h, req, Options{})
				require.NoError(t, err)
				assert.Equal(t, sel, again)
			}
		}
	}
}
