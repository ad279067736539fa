package budget

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pario-ai/gptbroker/pkg/models"
)

// ErrUnknownModel is returned when no price is configured for a model.
var ErrUnknownModel = errors.New("unknown model")

// PriceTable maps model identifiers to their pricing. It is safe for
// concurrent use and can be replaced wholesale on config reload.
type PriceTable struct {
	mu     sync.RWMutex
	prices map[string]models.ModelPricing
}

// NewPriceTable builds a PriceTable from configured pricing entries.
func NewPriceTable(pricing []models.ModelPricing) *PriceTable {
	pt := &PriceTable{}
	pt.Replace(pricing)
	return pt
}

// Replace swaps in a new set of prices.
func (pt *PriceTable) Replace(pricing []models.ModelPricing) {
	m := make(map[string]models.ModelPricing, len(pricing))
	for _, p := range pricing {
		m[p.Model] = p
	}
	pt.mu.Lock()
	pt.prices = m
	pt.mu.Unlock()
}

// Lookup returns the pricing for model.
func (pt *PriceTable) Lookup(model string) (models.ModelPricing, error) {
	pt.mu.RLock()
	p, ok := pt.prices[model]
	pt.mu.RUnlock()
	if !ok {
		return models.ModelPricing{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	return p, nil
}

// Charge debits l for usage and returns the cost. Models with a completion
// price bill prompt and completion tokens separately; flat-rate models bill
// the total at the prompt price.
func Charge(l *Limiter, p models.ModelPricing, u models.Usage) float64 {
	if p.Flat() {
		total := u.TotalTokens
		if total == 0 {
			total = u.PromptTokens + u.CompletionTokens
		}
		return l.Debit(total, p.PromptCost)
	}
	return l.Debit(u.PromptTokens, p.PromptCost) + l.Debit(u.CompletionTokens, p.CompletionCost)
}
