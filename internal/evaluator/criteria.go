package evaluator

import (
	"strings"
	"unicode"

	"github.com/relaypoint/draftpipe/pkg/schema"
)

// Per-criterion scorers. Scoring is deterministic and content-derived:
// the same text and channel always produce the same scores.

// scorePersonalization rises with detected specific references to the
// recipient or their company: second-person address, proper nouns past the
// first word of a sentence, and observation openers.
func scorePersonalization(text string) float64 {
	lower := strings.ToLower(text)
	score := 35.0

	if strings.Contains(lower, "your ") || strings.Contains(lower, " you ") {
		score += 15
	}
	for _, marker := range []string{"i noticed", "i saw", "saw that", "congrats", "congratulations", "your team", "your work"} {
		if strings.Contains(lower, marker) {
			score += 10
		}
	}

	score += float64(min(3, midSentenceProperNouns(text))) * 8

	return clamp(score, 0, 100)
}

// scoreValueProposition detects outcome language: what the recipient gains.
func scoreValueProposition(text string) float64 {
	lower := strings.ToLower(text)
	score := 30.0

	for _, marker := range []string{"help", "save", "improve", "increase", "reduce", "grow", "cut", "boost", "results", "roi", "faster", "without"} {
		if strings.Contains(lower, marker) {
			score += 10
		}
	}
	return clamp(score, 0, 100)
}

// scoreCallToAction detects an explicit next-step phrase and a closing question.
func scoreCallToAction(text string) float64 {
	lower := strings.ToLower(text)
	score := 20.0

	for _, marker := range []string{"call", "chat", "meeting", "demo", "schedule", "book", "connect", "reply", "let me know", "open to", "worth a", "interested in", "15 minutes", "next week", "this week"} {
		if strings.Contains(lower, marker) {
			score += 12
		}
	}

	if endsWithQuestion(text) {
		score += 20
	}
	return clamp(score, 0, 100)
}

// scoreTone starts high and penalizes aggressive or informal markers that
// read poorly on business channels.
func scoreTone(text string) float64 {
	lower := strings.ToLower(text)
	score := 88.0

	if strings.Contains(text, "!!") {
		score -= 20
	}
	score -= float64(min(3, shoutedWords(text))) * 10

	for _, marker := range []string{"buy now", "act now", "don't miss", "last chance", "gonna", "wanna", "lol", "u ", "!!!"} {
		if strings.Contains(lower, marker) {
			score -= 12
		}
	}
	return clamp(score, 0, 100)
}

// scoreClarity penalizes long average sentence length.
func scoreClarity(text string) float64 {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return 0
	}
	total := 0
	for _, s := range sentences {
		total += len(strings.Fields(s))
	}
	avg := float64(total) / float64(len(sentences))

	score := 95.0
	if avg > 18 {
		score -= (avg - 18) * 3
	}
	return clamp(score, 0, 100)
}

// scoreUrgency detects time-bound language without rewarding pressure tactics.
func scoreUrgency(text string) float64 {
	lower := strings.ToLower(text)
	score := 30.0

	for _, marker := range []string{"this week", "this month", "today", "soon", "by friday", "quarter", "before", "deadline", "now"} {
		if strings.Contains(lower, marker) {
			score += 14
		}
	}
	return clamp(score, 0, 100)
}

// criterionScorers maps criterion names to their scoring functions.
var criterionScorers = map[string]func(string) float64{
	schema.CriterionPersonalization:  scorePersonalization,
	schema.CriterionValueProposition: scoreValueProposition,
	schema.CriterionCallToAction:     scoreCallToAction,
	schema.CriterionTone:             scoreTone,
	schema.CriterionClarity:          scoreClarity,
	schema.CriterionUrgency:          scoreUrgency,
}

// --- text helpers ---

func endsWithQuestion(text string) bool {
	trimmed := strings.TrimRightFunc(text, unicode.IsSpace)
	return strings.HasSuffix(trimmed, "?")
}

// midSentenceProperNouns counts capitalized words that do not start a
// sentence — a cheap proxy for names and company references.
func midSentenceProperNouns(text string) int {
	count := 0
	for _, sentence := range splitSentences(text) {
		words := strings.Fields(sentence)
		for i, w := range words {
			if i == 0 {
				continue
			}
			r := []rune(strings.TrimFunc(w, unicode.IsPunct))
			if len(r) > 2 && unicode.IsUpper(r[0]) && !isAllUpper(r) && w != "I" {
				count++
			}
		}
	}
	return count
}

func shoutedWords(text string) int {
	count := 0
	for _, w := range strings.Fields(text) {
		r := []rune(strings.TrimFunc(w, unicode.IsPunct))
		if len(r) > 2 && isAllUpper(r) {
			count++
		}
	}
	return count
}

func isAllUpper(r []rune) bool {
	hasLetter := false
	for _, c := range r {
		if unicode.IsLetter(c) {
			hasLetter = true
			if !unicode.IsUpper(c) {
				return false
			}
		}
	}
	return hasLetter
}

func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			s := strings.TrimSpace(text[start : i+1])
			if s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
