// Package pricing estimates LLM spend from token usage using a fixed-point
// price table keyed by (provider, model).
package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Cost is an amount in US dollars stored as integer micro-dollars (1e-6 USD).
type Cost int64

// MicrosPerDollar is the fixed-point scale of Cost.
const MicrosPerDollar = 1_000_000

// Dollars builds a Cost from a dollar amount; fractions below a micro-dollar are rounded.
func Dollars(usd float64) Cost {
	if usd < 0 {
		return Cost(usd*MicrosPerDollar - 0.5)
	}
	return Cost(usd*MicrosPerDollar + 0.5)
}

// Float64 returns the cost in dollars. Use only for metrics and display.
func (c Cost) Float64() float64 {
	return float64(c) / MicrosPerDollar
}

// String renders the cost as a decimal with six fractional digits.
func (c Cost) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%06d", sign, v/MicrosPerDollar, v%MicrosPerDollar)
}

// ParseCost parses a decimal string such as "0.012500" into a Cost.
func ParseCost(s string) (Cost, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty cost")
	}
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 6 {
		return 0, fmt.Errorf("cost %q has more than 6 fractional digits", s)
	}
	frac += strings.Repeat("0", 6-len(frac))
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cost %q: %w", s, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cost %q: %w", s, err)
	}
	v := w*MicrosPerDollar + f
	if neg {
		v = -v
	}
	return Cost(v), nil
}

// MarshalJSON encodes the cost as a decimal string so no precision is lost in transit.
func (c Cost) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts either a decimal string or a JSON number.
func (c *Cost) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		s = string(data)
	}
	v, err := ParseCost(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Price is the cost of one million prompt and completion tokens.
type Price struct {
	PromptPerMillion     Cost
	CompletionPerMillion Cost
}

// Usage is a token count triple.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Add returns the element-wise sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// IsZero reports whether no tokens were counted.
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}
