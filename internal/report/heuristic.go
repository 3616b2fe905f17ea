package report

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

const maxKeywords = 10

var (
	blockerCues   = []string{"blocked", "blocker", "stuck", "waiting on", "waiting for", "can't", "cannot", "impediment"}
	yesterdayCues = []string{"yesterday", "fixed", "finished", "completed", "shipped", "merged", "worked on", "did "}
	todayCues     = []string{"today", "will ", "going to", "plan to", "planning", "next"}

	positiveWords = map[string]struct{}{
		"good": {}, "great": {}, "fixed": {}, "finished": {}, "completed": {}, "done": {},
		"shipped": {}, "merged": {}, "resolved": {}, "progress": {}, "happy": {}, "smooth": {},
	}
	negativeWords = map[string]struct{}{
		"blocked": {}, "stuck": {}, "problem": {}, "issue": {}, "delay": {}, "delayed": {},
		"failing": {}, "broken": {}, "waiting": {}, "slow": {}, "frustrating": {},
	}
	stopWords = map[string]struct{}{
		"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {}, "will": {},
		"was": {}, "were": {}, "have": {}, "has": {}, "had": {}, "today": {}, "yesterday": {},
		"i'm": {}, "im": {}, "our": {}, "from": {}, "into": {}, "about": {}, "then": {},
		"also": {}, "some": {}, "going": {}, "just": {}, "been": {}, "are": {}, "but": {},
		"not": {}, "can": {}, "on": {}, "to": {}, "of": {}, "in": {}, "my": {}, "we": {},
	}
)

// Heuristic builds a report from a transcript without a language model. It is
// deterministic, which makes it the backend for offline mode and tests.
func Heuristic(transcript string) Report {
	var out Report
	var positive, negative int
	var sentiment Sentiment

	for _, sentence := range splitSentences(transcript) {
		lower := strings.ToLower(sentence)
		item := cleanItem(sentence)
		if item == "" {
			continue
		}
		switch {
		case containsAny(lower, blockerCues):
			out.Blockers = append(out.Blockers, item)
			sentiment.NegativeHighlights = append(sentiment.NegativeHighlights, item)
		case containsAny(lower, yesterdayCues):
			out.CompletedYesterday = append(out.CompletedYesterday, item)
		case containsAny(lower, todayCues):
			out.PlannedToday = append(out.PlannedToday, item)
		}
		p, n := scoreWords(lower)
		positive += p
		negative += n
		if p > n && !containsAny(lower, blockerCues) {
			sentiment.PositiveHighlights = append(sentiment.PositiveHighlights, item)
		}
	}

	out.Keywords = countKeywords(transcript)
	if total := positive + negative; total > 0 {
		sentiment.Score = float64(positive-negative) / float64(total)
	}
	out.Sentiment = &sentiment
	return out.Normalize()
}

func splitSentences(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n' || r == ';'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if s := strings.TrimSpace(f); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// cleanItem drops a leading day marker ("Yesterday, ...") and capitalizes.
func cleanItem(sentence string) string {
	s := strings.TrimSpace(sentence)
	lower := strings.ToLower(s)
	for _, prefix := range []string{"yesterday", "today"} {
		if strings.HasPrefix(lower, prefix) {
			rest := strings.TrimLeft(s[len(prefix):], " ,:")
			if rest != "" {
				s = rest
			}
			break
		}
	}
	runes := []rune(s)
	if len(runes) == 0 {
		return ""
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func containsAny(s string, cues []string) bool {
	for _, cue := range cues {
		if strings.Contains(s, cue) {
			return true
		}
	}
	return false
}

func scoreWords(lower string) (int, int) {
	var p, n int
	for _, w := range tokenize(lower) {
		if _, ok := positiveWords[w]; ok {
			p++
		}
		if _, ok := negativeWords[w]; ok {
			n++
		}
	}
	return p, n
}

func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func countKeywords(transcript string) []Keyword {
	fold := cases.Fold()
	counts := make(map[string]int)
	var order []string
	for _, tok := range tokenize(transcript) {
		w := strings.Trim(fold.String(tok), "'")
		if len([]rune(w)) < 3 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		if counts[w] == 0 {
			order = append(order, w)
		}
		counts[w]++
	}
	keywords := make([]Keyword, 0, len(order))
	for _, w := range order {
		keywords = append(keywords, Keyword{Text: w, Count: counts[w]})
	}
	sort.SliceStable(keywords, func(i, j int) bool {
		return keywords[i].Count > keywords[j].Count
	})
	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}
	return keywords
}
