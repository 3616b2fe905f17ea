package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/loqalabs/standup-recorder/internal/failure"
)

// wireReport accepts every field spelling backends have produced.
type wireReport struct {
	CompletedYesterday      []string       `json:"completedYesterday"`
	CompletedYesterdaySnake []string       `json:"completed_yesterday"`
	Yesterday               []string       `json:"yesterday"`
	PlannedToday            []string       `json:"plannedToday"`
	PlannedTodaySnake       []string       `json:"planned_today"`
	Today                   []string       `json:"today"`
	Blockers                []string       `json:"blockers"`
	Keywords                []wireKeyword  `json:"keywords"`
	Sentiment               *wireSentiment `json:"sentiment"`
}

type wireKeyword struct {
	Text  string   `json:"text"`
	Count *float64 `json:"count"`
	Value *float64 `json:"value"`
}

// UnmarshalJSON also accepts a bare string keyword.
func (k *wireKeyword) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		k.Text = text
		return nil
	}
	type plain wireKeyword
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*k = wireKeyword(p)
	return nil
}

type wireSentiment struct {
	Label                   string          `json:"label"`
	Overall                 string          `json:"overall"`
	Score                   float64         `json:"score"`
	PositiveHighlights      []string        `json:"positiveHighlights"`
	NegativeHighlights      []string        `json:"negativeHighlights"`
	PositiveHighlightsSnake []string        `json:"positive_highlights"`
	NegativeHighlightsSnake []string        `json:"negative_highlights"`
	Highlights              *wireHighlights `json:"highlights"`
}

type wireHighlights struct {
	Positive []string `json:"positive"`
	Negative []string `json:"negative"`
}

var reportKeys = []string{
	"completedYesterday", "completed_yesterday", "yesterday",
	"plannedToday", "planned_today", "today",
	"blockers", "keywords", "sentiment",
}

// UnmarshalJSON decodes any known schema variant into the canonical form.
func (r *Report) UnmarshalJSON(data []byte) error {
	var w wireReport
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := Report{
		CompletedYesterday: firstList(w.CompletedYesterday, w.CompletedYesterdaySnake, w.Yesterday),
		PlannedToday:       firstList(w.PlannedToday, w.PlannedTodaySnake, w.Today),
		Blockers:           w.Blockers,
	}
	for _, k := range w.Keywords {
		count := 1.0
		switch {
		case k.Count != nil:
			count = *k.Count
		case k.Value != nil:
			count = *k.Value
		}
		out.Keywords = append(out.Keywords, Keyword{Text: k.Text, Count: int(math.Round(count))})
	}
	if s := w.Sentiment; s != nil {
		sent := Sentiment{
			Label:              firstString(s.Label, s.Overall),
			Score:              s.Score,
			PositiveHighlights: firstList(s.PositiveHighlights, s.PositiveHighlightsSnake),
			NegativeHighlights: firstList(s.NegativeHighlights, s.NegativeHighlightsSnake),
		}
		if s.Highlights != nil {
			sent.PositiveHighlights = firstList(sent.PositiveHighlights, s.Highlights.Positive)
			sent.NegativeHighlights = firstList(sent.NegativeHighlights, s.Highlights.Negative)
		}
		out.Sentiment = &sent
	}
	*r = out.Normalize()
	return nil
}

// Decode parses model output into a Report. Markdown fences and prose around
// the JSON object are tolerated; anything else is a schema error.
func Decode(content string) (Report, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Report{}, failure.Wrap(failure.ErrSchema, "report decode", "empty payload", nil)
	}
	payload := trimmed
	if !strings.HasPrefix(payload, "{") {
		payload = extractObject(stripCodeFence(trimmed))
		if payload == "" {
			return Report{}, failure.Wrap(failure.ErrSchema, "report decode", "no JSON object in payload: "+snippet(trimmed), nil)
		}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return Report{}, failure.Wrap(failure.ErrSchema, "report decode", "payload is not a JSON object: "+snippet(trimmed), err)
	}
	if !hasAnyKey(fields) {
		return Report{}, failure.Wrap(failure.ErrSchema, "report decode", "payload has no report fields", nil)
	}

	var r Report
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return Report{}, failure.Wrap(failure.ErrSchema, "report decode", fmt.Sprintf("field %q has wrong type", typeErr.Field), err)
		}
		return Report{}, failure.Wrap(failure.ErrSchema, "report decode", "", err)
	}
	return r, nil
}

func hasAnyKey(fields map[string]json.RawMessage) bool {
	for _, key := range reportKeys {
		if _, ok := fields[key]; ok {
			return true
		}
	}
	return false
}

func stripCodeFence(content string) string {
	if !strings.HasPrefix(content, "```") {
		return content
	}
	body := strings.TrimPrefix(content, "```")
	if nl := strings.Index(body, "\n"); nl >= 0 {
		body = body[nl+1:]
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

func extractObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(content[start : end+1])
}

func snippet(content string) string {
	const max = 120
	content = strings.Join(strings.Fields(content), " ")
	if len(content) > max {
		return content[:max] + "..."
	}
	return content
}

func firstList(lists ...[]string) []string {
	for _, l := range lists {
		if len(l) > 0 {
			return l
		}
	}
	return nil
}

func firstString(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
