// Package evaluator scores generated outreach text against a fixed set of
// quality criteria. The evaluation is fully deterministic: no model calls,
// no randomness, so identical input always yields identical assessment.
package evaluator

import (
	"math"
	"strings"

	"github.com/relaypoint/draftpipe/pkg/schema"
)

// Word-count policy window for length-constrained channels. Text outside
// the window is scored down proportionally to the overshoot.
const (
	minDirectWords = 40
	maxDirectWords = 120
)

// criterionWeights holds the per-channel weighting of criteria. Weights per
// channel sum to 1. Length-constrained channels emphasize the call to action
// and personalization; free-length channels also score clarity and urgency.
var criterionWeights = map[schema.Channel]map[string]float64{
	schema.ChannelDirect: {
		schema.CriterionPersonalization:  0.30,
		schema.CriterionValueProposition: 0.20,
		schema.CriterionCallToAction:     0.30,
		schema.CriterionTone:             0.20,
	},
	schema.ChannelEmail: {
		schema.CriterionPersonalization:  0.25,
		schema.CriterionValueProposition: 0.20,
		schema.CriterionCallToAction:     0.20,
		schema.CriterionTone:             0.15,
		schema.CriterionClarity:          0.10,
		schema.CriterionUrgency:          0.10,
	},
}

// Evaluator assesses message quality per channel.
type Evaluator struct{}

func New() *Evaluator {
	return &Evaluator{}
}

// Evaluate scores text against the criteria configured for the channel.
// Unknown channels fall back to the free-length criteria set.
func (e *Evaluator) Evaluate(text string, channel schema.Channel) *schema.EvaluationResult {
	weights, ok := criterionWeights[channel]
	if !ok {
		weights = criterionWeights[schema.ChannelEmail]
	}

	criteria := make(map[string]float64, len(weights))
	overall := 0.0
	for name, weight := range weights {
		score := criterionScorers[name](text)
		criteria[name] = score
		overall += score * weight
	}

	if channel.LengthConstrained() {
		overall *= lengthFactor(len(strings.Fields(text)))
	}
	overall = clamp(overall, 0, 100)

	return &schema.EvaluationResult{
		OverallScore:          round1(overall),
		Criteria:              criteria,
		PredictedResponseRate: predictResponseRate(overall),
		Channel:               channel,
	}
}

// lengthFactor penalizes text outside the policy window. The factor decays
// linearly with the distance from the window and bottoms out at 0.5 so a
// verbose draft is scored down, not zeroed.
func lengthFactor(words int) float64 {
	var over int
	switch {
	case words < minDirectWords:
		over = minDirectWords - words
	case words > maxDirectWords:
		over = words - maxDirectWords
	default:
		return 1
	}
	return clamp(1-float64(over)*0.01, 0.5, 1)
}

// predictResponseRate maps the overall score onto an expected response
// probability. The curve is monotonically increasing in the score and is
// bounded to [0, 1]; the exponent rewards high-quality drafts superlinearly.
func predictResponseRate(overall float64) float64 {
	rate := 0.02 + math.Pow(overall/100, 1.5)*0.38
	return round3(clamp(rate, 0, 1))
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
