package report

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/standup-recorder/internal/failure"
)

func TestDecodeCanonical(t *testing.T) {
	payload := `{
  "completedYesterday": ["Fixed the login bug"],
  "plannedToday": ["Write tests"],
  "blockers": ["API access"],
  "keywords": [{"text": "login", "count": 2}],
  "sentiment": {"label": "Positive", "score": 3, "positiveHighlights": ["fixed"], "negativeHighlights": []}
}`
	r, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(r.CompletedYesterday) != 1 || r.CompletedYesterday[0] != "Fixed the login bug" {
		t.Fatalf("unexpected completed list %v", r.CompletedYesterday)
	}
	if r.Keywords[0].Count != 2 {
		t.Fatalf("unexpected keyword count %d", r.Keywords[0].Count)
	}
	if r.Sentiment == nil || r.Sentiment.Label != LabelPositive || r.Sentiment.Score != 1 {
		t.Fatalf("expected normalized sentiment, got %+v", r.Sentiment)
	}
}

func TestDecodeLegacyVariant(t *testing.T) {
	payload := "```json\n" + `{
  "yesterday": ["Reviewed PRs"],
  "today": ["Pairing"],
  "blockers": [],
  "keywords": [{"text": "review", "value": 3}, "pairing"],
  "sentiment": {"overall": "negative", "score": -0.4, "highlights": {"positive": [], "negative": ["late build"]}}
}` + "\n```"
	r, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.CompletedYesterday[0] != "Reviewed PRs" || r.PlannedToday[0] != "Pairing" {
		t.Fatalf("legacy lists not mapped: %+v", r)
	}
	if r.Keywords[0].Count != 3 || r.Keywords[1].Text != "pairing" || r.Keywords[1].Count != 1 {
		t.Fatalf("legacy keywords not mapped: %+v", r.Keywords)
	}
	if r.Sentiment.Label != LabelNegative || r.Sentiment.NegativeHighlights[0] != "late build" {
		t.Fatalf("legacy sentiment not mapped: %+v", r.Sentiment)
	}
	if r.Blockers == nil {
		t.Fatal("expected empty, non-nil blockers")
	}
}

func TestDecodeWithoutSentiment(t *testing.T) {
	r, err := Decode(`{"completedYesterday": [], "plannedToday": ["x"], "blockers": [], "keywords": []}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Sentiment != nil {
		t.Fatalf("expected no sentiment, got %+v", r.Sentiment)
	}
}

func TestDecodeRejectsNonJSON(t *testing.T) {
	for _, payload := range []string{
		"",
		"I'm sorry, I cannot analyze this transcript.",
		`["a", "b"]`,
		`{"summary": "looks fine"}`,
		`{"blockers": "none"}`,
	} {
		if _, err := Decode(payload); !errors.Is(err, failure.ErrSchema) {
			t.Fatalf("Decode(%q): expected schema error, got %v", payload, err)
		}
	}
}

func TestEncodeAlwaysHasArrays(t *testing.T) {
	encoded, err := Report{}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, key := range []string{`"completedYesterday":[]`, `"plannedToday":[]`, `"blockers":[]`, `"keywords":[]`} {
		if !strings.Contains(encoded, key) {
			t.Fatalf("expected %s in %s", key, encoded)
		}
	}
	if strings.Contains(encoded, "sentiment") {
		t.Fatalf("sentiment must be omitted when absent: %s", encoded)
	}
}

func TestHeuristicStandupScenario(t *testing.T) {
	r := Heuristic("Yesterday I fixed the login bug. Today I will write tests. I'm blocked on API access.")
	if !anyContains(r.CompletedYesterday, "login bug") {
		t.Fatalf("expected login bug in completed, got %v", r.CompletedYesterday)
	}
	if !anyContains(r.PlannedToday, "write tests") {
		t.Fatalf("expected tests in planned, got %v", r.PlannedToday)
	}
	if !anyContains(r.Blockers, "API access") {
		t.Fatalf("expected API access blocker, got %v", r.Blockers)
	}
	if r.Sentiment == nil {
		t.Fatal("expected sentiment")
	}
	if len(r.Keywords) == 0 {
		t.Fatal("expected keywords")
	}
}

func TestHeuristicKeywordsFoldCase(t *testing.T) {
	r := Heuristic("Deploy the API. The api is slow. API again.")
	if r.Keywords[0].Text != "api" || r.Keywords[0].Count != 3 {
		t.Fatalf("expected folded api keyword first, got %+v", r.Keywords)
	}
}

func TestFormatSlackPlaceholder(t *testing.T) {
	out := FormatSlack(Report{CompletedYesterday: []string{"Fixed bug"}, PlannedToday: []string{"Tests"}})
	if !strings.Contains(out, "• Fixed bug") || !strings.Contains(out, "• No blockers") {
		t.Fatalf("unexpected slack output:\n%s", out)
	}
	plain := FormatPlain(Report{Blockers: []string{"API access"}})
	if !strings.Contains(plain, "- API access") || strings.Contains(plain, "No blockers") {
		t.Fatalf("unexpected plain output:\n%s", plain)
	}
}

func TestSameDay(t *testing.T) {
	loc := time.UTC
	a := time.Date(2026, 10, 19, 0, 5, 0, 0, loc)
	b := time.Date(2026, 10, 19, 23, 59, 0, 0, loc)
	c := time.Date(2026, 10, 20, 0, 0, 0, 0, loc)
	if !SameDay(a, b, loc) || SameDay(b, c, loc) {
		t.Fatal("unexpected calendar day comparison")
	}
}

func anyContains(items []string, needle string) bool {
	for _, item := range items {
		if strings.Contains(strings.ToLower(item), strings.ToLower(needle)) {
			return true
		}
	}
	return false
}
