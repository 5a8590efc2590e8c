// Package pricing converts token usage into USD cost per model.
package pricing

import "strings"

// Rate holds USD cost per million tokens.
type Rate struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// defaultRate is applied when a model is not in the table; it intentionally
// overestimates so unknown models surface in cost reports.
var defaultRate = Rate{InputPerMTok: 5.0, OutputPerMTok: 15.0}

var rates = map[string]Rate{
	"gpt-4o":            {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini":       {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4.1":           {InputPerMTok: 2.00, OutputPerMTok: 8.00},
	"gpt-4.1-mini":      {InputPerMTok: 0.40, OutputPerMTok: 1.60},
	"claude-3-5-sonnet": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-3-5-haiku":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"deepseek-chat":     {InputPerMTok: 0.27, OutputPerMTok: 1.10},
}

// Cost returns the USD cost for the given token counts. Model names are
// matched on their prefix so dated releases (gpt-4o-2024-11-20) resolve to
// the base rate.
func Cost(model string, inputTokens, outputTokens int) float64 {
	rate := lookup(model)
	return float64(inputTokens)/1_000_000*rate.InputPerMTok +
		float64(outputTokens)/1_000_000*rate.OutputPerMTok
}

func lookup(model string) Rate {
	if rate, ok := rates[model]; ok {
		return rate
	}

	// Longest matching prefix wins so gpt-4o-mini-* never resolves to gpt-4o.
	best := ""
	for name := range rates {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best != "" {
		return rates[best]
	}
	return defaultRate
}
