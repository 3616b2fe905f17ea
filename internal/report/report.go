// Package report holds the structured standup report produced by analysis and
// the record persisted for each analyzed session.
package report

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

const (
	LabelPositive = "positive"
	LabelNeutral  = "neutral"
	LabelNegative = "negative"
)

// Keyword is a topic and how often it was mentioned.
type Keyword struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

// Sentiment is optional: older backends never return it.
type Sentiment struct {
	Label              string   `json:"label"`
	Score              float64  `json:"score"`
	PositiveHighlights []string `json:"positiveHighlights"`
	NegativeHighlights []string `json:"negativeHighlights"`
}

// Report is immutable once received from the gateway.
type Report struct {
	CompletedYesterday []string   `json:"completedYesterday"`
	PlannedToday       []string   `json:"plannedToday"`
	Blockers           []string   `json:"blockers"`
	Keywords           []Keyword  `json:"keywords"`
	Sentiment          *Sentiment `json:"sentiment,omitempty"`
}

// Record is one analyzed standup as kept by the store.
type Record struct {
	Date       time.Time `json:"date"`
	SessionID  string    `json:"sessionId,omitempty"`
	Transcript string    `json:"transcript"`
	Report     Report    `json:"report"`
}

// Normalize trims entries, drops empty ones and replaces nil lists with empty
// ones so the encoded form always carries arrays.
func (r Report) Normalize() Report {
	out := Report{
		CompletedYesterday: cleanList(r.CompletedYesterday),
		PlannedToday:       cleanList(r.PlannedToday),
		Blockers:           cleanList(r.Blockers),
		Keywords:           make([]Keyword, 0, len(r.Keywords)),
	}
	for _, k := range r.Keywords {
		text := strings.TrimSpace(k.Text)
		if text == "" {
			continue
		}
		count := k.Count
		if count < 0 {
			count = 0
		}
		out.Keywords = append(out.Keywords, Keyword{Text: text, Count: count})
	}
	if r.Sentiment != nil {
		s := *r.Sentiment
		s.Score = clampScore(s.Score)
		s.Label = normalizeLabel(s.Label, s.Score)
		s.PositiveHighlights = cleanList(s.PositiveHighlights)
		s.NegativeHighlights = cleanList(s.NegativeHighlights)
		out.Sentiment = &s
	}
	return out
}

// Empty reports whether nothing at all was extracted.
func (r Report) Empty() bool {
	return len(r.CompletedYesterday) == 0 && len(r.PlannedToday) == 0 &&
		len(r.Blockers) == 0 && len(r.Keywords) == 0 && r.Sentiment == nil
}

// MarshalJSON encodes the normalized report.
func (r Report) MarshalJSON() ([]byte, error) {
	type plain Report
	return json.Marshal(plain(r.Normalize()))
}

// Encode returns the canonical JSON form of r.
func (r Report) Encode() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SameDay reports whether a and b fall on the same calendar day in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.Local
	}
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func clampScore(score float64) float64 {
	if math.IsNaN(score) {
		return 0
	}
	return math.Max(-1, math.Min(1, score))
}

func normalizeLabel(label string, score float64) string {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case LabelPositive:
		return LabelPositive
	case LabelNegative:
		return LabelNegative
	case LabelNeutral:
		return LabelNeutral
	}
	switch {
	case score > 0.2:
		return LabelPositive
	case score < -0.2:
		return LabelNegative
	default:
		return LabelNeutral
	}
}
