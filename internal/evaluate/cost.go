package evaluate

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var oneMillion = decimal.NewFromInt(1_000_000)

// EstimateCostUSD prices a completion from per-million-token rates. Rates
// arrive as decimal strings from the model catalog; the math stays in
// decimal until the final rounding so repeated small charges do not drift.
func EstimateCostUSD(usage Usage, inputUSDPer1M, outputUSDPer1M string) (float64, error) {
	inputRate, err := parseRate(inputUSDPer1M)
	if err != nil {
		return 0, fmt.Errorf("parse input rate: %w", err)
	}
	outputRate, err := parseRate(outputUSDPer1M)
	if err != nil {
		return 0, fmt.Errorf("parse output rate: %w", err)
	}

	inputCost := inputRate.Mul(decimal.NewFromInt(usage.InputTokens)).Div(oneMillion)
	outputCost := outputRate.Mul(decimal.NewFromInt(usage.OutputTokens)).Div(oneMillion)
	total, _ := inputCost.Add(outputCost).Round(10).Float64()
	return total, nil
}

func parseRate(rate string) (decimal.Decimal, error) {
	rate = strings.TrimSpace(rate)
	if rate == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(rate)
}
