package schema

// Evaluation criteria names. Per-criterion scores are in [0,100].
const (
	CriterionPersonalization  = "personalization"
	CriterionValueProposition = "value_proposition"
	CriterionCallToAction     = "call_to_action"
	CriterionTone             = "tone"
	CriterionClarity          = "clarity"
	CriterionUrgency          = "urgency"
)

// EvaluationResult is the deterministic quality score of a generated
// message. It is derived from the output text plus the declared channel and
// is never persisted independently of its execution record.
type EvaluationResult struct {
	OverallScore          float64            `json:"overall_score"`           // [0,100]
	Criteria              map[string]float64 `json:"criteria"`                // each [0,100]
	PredictedResponseRate float64            `json:"predicted_response_rate"` // [0.0,1.0]
	Channel               Channel            `json:"channel"`
}
