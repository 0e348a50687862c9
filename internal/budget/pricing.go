package budget

import "strings"

// ModelPricing holds per-million-token USD rates.
type ModelPricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Pricing tiers keyed by model-family substring. Matching is by substring
// so versioned model ids resolve without a table update.
var pricingTiers = []struct {
	match   string
	pricing ModelPricing
}{
	{"opus", ModelPricing{InputPerMTok: 15.0, OutputPerMTok: 75.0}},
	{"sonnet", ModelPricing{InputPerMTok: 3.0, OutputPerMTok: 15.0}},
	{"haiku", ModelPricing{InputPerMTok: 0.80, OutputPerMTok: 4.0}},
}

// cheapestTier is the fallback for unrecognized model ids, so an unknown
// model never inflates an estimate past what the caller budgeted.
var cheapestTier = ModelPricing{InputPerMTok: 0.80, OutputPerMTok: 4.0}

// PricingFor resolves the rate for a model id.
func PricingFor(model string) ModelPricing {
	lower := strings.ToLower(model)
	for _, tier := range pricingTiers {
		if strings.Contains(lower, tier.match) {
			return tier.pricing
		}
	}
	return cheapestTier
}

// EstimateCost computes a USD estimate for a token count pair.
func EstimateCost(model string, tokensIn, tokensOut int64) float64 {
	p := PricingFor(model)
	return float64(tokensIn)/1e6*p.InputPerMTok + float64(tokensOut)/1e6*p.OutputPerMTok
}
