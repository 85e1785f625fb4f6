package ai

import (
	"strings"

	"github.com/shopspring/decimal"
)

// price is USD per million tokens.
type price struct {
	input  decimal.Decimal
	output decimal.Decimal
}

var perMillion = decimal.NewFromInt(1_000_000)

// Prices are matched by model name prefix; more specific prefixes come first.
var modelPrices = []struct {
	prefix string
	price  price
}{
	{"claude-3-5-haiku", price{decimal.RequireFromString("0.80"), decimal.RequireFromString("4.00")}},
	{"claude-3-5-sonnet", price{decimal.RequireFromString("3.00"), decimal.RequireFromString("15.00")}},
	{"claude-3-haiku", price{decimal.RequireFromString("0.25"), decimal.RequireFromString("1.25")}},
	{"claude-3-sonnet", price{decimal.RequireFromString("3.00"), decimal.RequireFromString("15.00")}},
	{"claude-3-opus", price{decimal.RequireFromString("15.00"), decimal.RequireFromString("75.00")}},
	{"gpt-4o-mini", price{decimal.RequireFromString("0.15"), decimal.RequireFromString("0.60")}},
	{"gpt-4o", price{decimal.RequireFromString("2.50"), decimal.RequireFromString("10.00")}},
}

// Cost estimates the USD cost of one call. Unknown models cost zero; the credit charge
// never depends on it.
func Cost(model string, inputTokens, outputTokens int) decimal.Decimal {
	for _, m := range modelPrices {
		if strings.HasPrefix(model, m.prefix) {
			in := m.price.input.Mul(decimal.NewFromInt(int64(inputTokens)))
			out := m.price.output.Mul(decimal.NewFromInt(int64(outputTokens)))
			return in.Add(out).Div(perMillion)
		}
	}
	return decimal.Zero
}
