package usage

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// WildcardModel matches every model of a provider that has no exact entry
const WildcardModel = "*"

var perMillion = decimal.NewFromInt(1_000_000)

// Rate is the price of one million tokens
type Rate struct {
	Prompt     decimal.Decimal
	Completion decimal.Decimal
}

// RateTable prices token usage by (provider, model). It is immutable once built.
type RateTable struct {
	currency string
	rates    map[rateKey]Rate
}

type rateKey struct {
	provider string
	model    string
}

type rateFile struct {
	Currency string      `yaml:"currency"`
	Rates    []rateEntry `yaml:"rates"`
}

type rateEntry struct {
	Provider             string `yaml:"provider"`
	Model                string `yaml:"model"`
	PromptPerMillion     string `yaml:"prompt_per_million"`
	CompletionPerMillion string `yaml:"completion_per_million"`
}

// LoadRateTable reads a YAML rate table from path
func LoadRateTable(path string) (*RateTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate table: %w", err)
	}
	return ParseRateTable(data)
}

// ParseRateTable parses a YAML rate table:
//
//	currency: USD
//	rates:
//	  - provider: openai
//	    model: gpt-4o
//	    prompt_per_million: "2.50"
//	    completion_per_million: "10.00"
//	  - provider: anthropic
//	    model: "*"
//	    prompt_per_million: "3"
//	    completion_per_million: "15"
func ParseRateTable(data []byte) (*RateTable, error) {
	var f rateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRateTable, err)
	}

	t := &RateTable{
		currency: strings.ToUpper(strings.TrimSpace(f.Currency)),
		rates:    make(map[rateKey]Rate, len(f.Rates)),
	}
	if t.currency == "" {
		t.currency = "USD"
	}
	for i, e := range f.Rates {
		key := rateKey{provider: normalizeKey(e.Provider), model: normalizeKey(e.Model)}
		if key.provider == "" || key.model == "" {
			return nil, fmt.Errorf("%w: entry %d needs provider and model", ErrInvalidRateTable, i)
		}
		if _, dup := t.rates[key]; dup {
			return nil, fmt.Errorf("%w: duplicate entry for %s/%s", ErrInvalidRateTable, key.provider, key.model)
		}
		prompt, err := parseRate(e.PromptPerMillion)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d prompt rate: %w", ErrInvalidRateTable, i, err)
		}
		completion, err := parseRate(e.CompletionPerMillion)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d completion rate: %w", ErrInvalidRateTable, i, err)
		}
		t.rates[key] = Rate{Prompt: prompt, Completion: completion}
	}
	return t, nil
}

// NewRateTable builds a table from in-memory rates keyed "provider/model"
func NewRateTable(currency string, rates map[string]Rate) (*RateTable, error) {
	t := &RateTable{currency: strings.ToUpper(currency), rates: make(map[rateKey]Rate, len(rates))}
	for k, r := range rates {
		provider, model, ok := strings.Cut(k, "/")
		if !ok || provider == "" || model == "" {
			return nil, fmt.Errorf("%w: key %q is not provider/model", ErrInvalidRateTable, k)
		}
		if r.Prompt.IsNegative() || r.Completion.IsNegative() {
			return nil, fmt.Errorf("%w: negative rate for %q", ErrInvalidRateTable, k)
		}
		t.rates[rateKey{provider: normalizeKey(provider), model: normalizeKey(model)}] = r
	}
	return t, nil
}

func parseRate(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative rate %s", s)
	}
	return d, nil
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Currency returns the ISO currency code rates are expressed in
func (t *RateTable) Currency() string { return t.currency }

// Lookup returns the rate for (provider, model), falling back to the
// provider's wildcard entry
func (t *RateTable) Lookup(provider, model string) (Rate, bool) {
	if t == nil {
		return Rate{}, false
	}
	p := normalizeKey(provider)
	if r, ok := t.rates[rateKey{provider: p, model: normalizeKey(model)}]; ok {
		return r, true
	}
	r, ok := t.rates[rateKey{provider: p, model: WildcardModel}]
	return r, ok
}

// Cost prices token counts. Unknown pairs cost zero and report false.
func (t *RateTable) Cost(provider, model string, promptTokens, completionTokens int64) (decimal.Decimal, bool) {
	r, ok := t.Lookup(provider, model)
	if !ok {
		return decimal.Zero, false
	}
	cost := r.Prompt.Mul(decimal.NewFromInt(promptTokens)).
		Add(r.Completion.Mul(decimal.NewFromInt(completionTokens))).
		Div(perMillion)
	return cost, true
}
