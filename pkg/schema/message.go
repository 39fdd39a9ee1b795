package schema

import "strings"

// MessagePayload is the channel-specific structured output of a completed
// execution: the immediate response plus an optional ordered follow-up
// sequence, with the attached quality assessment.
type MessagePayload struct {
	ImmediateResponse Message           `json:"immediate_response"`
	FollowUpSequence  []FollowUp        `json:"follow_up_sequence,omitempty"`
	Channel           Channel           `json:"channel"`
	QualityAssessment *EvaluationResult `json:"quality_assessment,omitempty"`
}

// Message is a single generated message with its word count.
type Message struct {
	Text      string `json:"text"`
	WordCount int    `json:"word_count"`
}

// FollowUp is one entry in the follow-up sequence. Timing is a label such
// as "day_3" or "week_1"; scheduling is out of scope here.
type FollowUp struct {
	Text      string `json:"text"`
	Timing    string `json:"timing"`
	WordCount int    `json:"word_count"`
}

// NewMessage builds a Message with its word count filled in.
func NewMessage(text string) Message {
	return Message{Text: text, WordCount: CountWords(text)}
}

// CountWords counts whitespace-separated words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}
