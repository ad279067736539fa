package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/gptbroker/pkg/models"
)

func TestPriceTableLookup(t *testing.T) {
	pt := NewPriceTable([]models.ModelPricing{
		{Model: "gpt-4", PromptCost: 0.03, CompletionCost: 0.06},
	})

	p, err := pt.Lookup("gpt-4")
	require.NoError(t, err)
	assert.Equal(t, 0.06, p.CompletionCost)

	_, err = pt.Lookup("gpt-5")
	assert.ErrorIs(t, err, ErrUnknownModel)

	pt.Replace([]models.ModelPricing{{Model: "gpt-5", PromptCost: 1}})
	_, err = pt.Lookup("gpt-5")
	assert.NoError(t, err)
	_, err = pt.Lookup("gpt-4")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestChargeDistinguished(t *testing.T) {
	l := NewLimiter(10, time.Hour)
	cost := Charge(l, models.ModelPricing{Model: "gpt-4", PromptCost: 0.03, CompletionCost: 0.06},
		models.Usage{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500})
	assert.InDelta(t, 0.06, cost, 1e-9)
	assert.InDelta(t, 9.94, l.Snapshot().Remaining, 1e-9)
}

func TestChargeFlat(t *testing.T) {
	l := NewLimiter(10, time.Hour)
	cost := Charge(l, models.ModelPricing{Model: "text-davinci-003", PromptCost: 0.02},
		models.Usage{PromptTokens: 300, CompletionTokens: 200, TotalTokens: 500})
	assert.InDelta(t, 0.01, cost, 1e-9)

	// Total missing: fall back to the sum of parts.
	cost = Charge(l, models.ModelPricing{Model: "text-davinci-003", PromptCost: 0.02},
		models.Usage{PromptTokens: 300, CompletionTokens: 200})
	assert.InDelta(t, 0.01, cost, 1e-9)
	assert.InDelta(t, 9.98, l.Snapshot().Remaining, 1e-9)
}
