package pricing

import "strings"

type key struct {
	provider string
	model    string
}

// defaultTable lists list prices in USD per one million tokens.
var defaultTable = map[key]Price{
	{"openai", "gpt-4o"}:                        {Dollars(2.50), Dollars(10.00)},
	{"openai", "gpt-4o-mini"}:                   {Dollars(0.15), Dollars(0.60)},
	{"openai", "gpt-4-turbo"}:                   {Dollars(10.00), Dollars(30.00)},
	{"openai", "gpt-4"}:                         {Dollars(30.00), Dollars(60.00)},
	{"openai", "gpt-3.5-turbo"}:                 {Dollars(0.50), Dollars(1.50)},
	{"openai", "o1"}:                            {Dollars(15.00), Dollars(60.00)},
	{"openai", "o3-mini"}:                       {Dollars(1.10), Dollars(4.40)},
	{"anthropic", "claude-3-5-sonnet-20241022"}: {Dollars(3.00), Dollars(15.00)},
	{"anthropic", "claude-3-5-haiku-20241022"}:  {Dollars(0.80), Dollars(4.00)},
	{"anthropic", "claude-3-opus-20240229"}:     {Dollars(15.00), Dollars(75.00)},
	{"anthropic", "claude-3-haiku-20240307"}:    {Dollars(0.25), Dollars(1.25)},
}

// Table is an immutable price lookup.
type Table struct {
	prices map[key]Price
}

// DefaultTable returns the built-in price table.
func DefaultTable() *Table {
	return &Table{prices: defaultTable}
}

// NewTable builds a table from provider -> model -> price entries.
func NewTable(entries map[string]map[string]Price) *Table {
	prices := make(map[key]Price)
	for provider, models := range entries {
		for model, p := range models {
			prices[key{strings.ToLower(provider), strings.ToLower(model)}] = p
		}
	}
	return &Table{prices: prices}
}

// Lookup returns the price for a provider/model pair. Model names of the form
// "provider/model" (LiteLLM routing names) are split before lookup.
func (t *Table) Lookup(provider, model string) (Price, bool) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.ToLower(strings.TrimSpace(model))
	if p, m, ok := strings.Cut(model, "/"); ok {
		provider, model = p, m
	}
	price, ok := t.prices[key{provider, model}]
	return price, ok
}

// Estimate returns the cost of usage for the given provider and model, and
// whether the pair was priced. Unknown pairs cost zero; they never error.
func (t *Table) Estimate(provider, model string, u Usage) (Cost, bool) {
	price, ok := t.Lookup(provider, model)
	if !ok {
		return 0, false
	}
	return perMillion(u.PromptTokens, price.PromptPerMillion) +
		perMillion(u.CompletionTokens, price.CompletionPerMillion), true
}

// perMillion scales a per-million price to a token count, rounding half up.
func perMillion(tokens int64, price Cost) Cost {
	if tokens <= 0 || price <= 0 {
		return 0
	}
	return Cost((tokens*int64(price) + 500_000) / 1_000_000)
}
