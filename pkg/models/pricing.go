package models

// ModelPricing defines per-1K token costs for a model. A zero CompletionCost
// means the model bills every token at PromptCost.
type ModelPricing struct {
	Model          string  `json:"model" yaml:"model"`
	PromptCost     float64 `json:"prompt_cost_per_1k" yaml:"prompt_cost_per_1k"`
	CompletionCost float64 `json:"completion_cost_per_1k,omitempty" yaml:"completion_cost_per_1k,omitempty"`
}

// Flat reports whether prompt and completion tokens share a single price.
func (p ModelPricing) Flat() bool {
	return p.CompletionCost == 0
}
