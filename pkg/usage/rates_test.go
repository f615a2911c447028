package usage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRates = `
currency: usd
rates:
  - provider: openai
    model: gpt-4o
    prompt_per_million: "2.50"
    completion_per_million: "10.00"
  - provider: Anthropic
    model: "*"
    prompt_per_million: "3"
    completion_per_million: "15"
`

func TestParseRateTable(t *testing.T) {
	table, err := ParseRateTable([]byte(sampleRates))
	require.NoError(t, err)
	assert.Equal(t, "USD", table.Currency())

	r, ok := table.Lookup("openai", "GPT-4o")
	require.True(t, ok)
	assert.True(t, r.Prompt.Equal(decimal.RequireFromString("2.5")))

	r, ok = table.Lookup("anthropic", "claude-sonnet")
	require.True(t, ok, "wildcard entry matches any model")
	assert.True(t, r.Completion.Equal(decimal.NewFromInt(15)))

	_, ok = table.Lookup("openai", "gpt-3.5")
	assert.False(t, ok)
}

func TestParseRateTable_Errors(t *testing.T) {
	tests := map[string]string{
		"malformed yaml": "rates: [",
		"missing model":  "rates:\n  - provider: openai\n    prompt_per_million: \"1\"\n",
		"negative rate":  "rates:\n  - provider: openai\n    model: a\n    prompt_per_million: \"-1\"\n",
		"not a number":   "rates:\n  - provider: openai\n    model: a\n    completion_per_million: \"ten\"\n",
		"duplicate":      "rates:\n  - provider: openai\n    model: a\n  - provider: OpenAI\n    model: A\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRateTable([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidRateTable)
		})
	}
}

func TestParseRateTable_DefaultsCurrency(t *testing.T) {
	table, err := ParseRateTable([]byte("rates: []"))
	require.NoError(t, err)
	assert.Equal(t, "USD", table.Currency())
}

func TestLoadRateTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleRates), 0o600))

	table, err := LoadRateTable(path)
	require.NoError(t, err)
	_, ok := table.Lookup("openai", "gpt-4o")
	assert.True(t, ok)

	_, err = LoadRateTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRateTable_Cost(t *testing.T) {
	table, err := NewRateTable("usd", map[string]Rate{
		"openai/gpt-4o": {Prompt: decimal.RequireFromString("2.5"), Completion: decimal.NewFromInt(10)},
	})
	require.NoError(t, err)

	cost, ok := table.Cost("openai", "gpt-4o", 1_000_000, 500_000)
	require.True(t, ok)
	assert.Equal(t, "7.5", cost.String())

	cost, ok = table.Cost("openai", "gpt-4o", 1, 0)
	require.True(t, ok)
	assert.Equal(t, "0.0000025", cost.String())

	cost, ok = table.Cost("mistral", "large", 100, 100)
	assert.False(t, ok)
	assert.True(t, cost.IsZero())
}

func TestNewRateTable_Errors(t *testing.T) {
	_, err := NewRateTable("usd", map[string]Rate{"openai": {}})
	assert.ErrorIs(t, err, ErrInvalidRateTable)

	_, err = NewRateTable("usd", map[string]Rate{"openai/a": {Prompt: decimal.NewFromInt(-1)}})
	assert.ErrorIs(t, err, ErrInvalidRateTable)
}

func TestRateTable_NilLookup(t *testing.T) {
	var table *RateTable
	_, ok := table.Lookup("openai", "gpt-4o")
	assert.False(t, ok)
}
