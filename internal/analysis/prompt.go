package analysis

import "strings"

// systemPrompt pins the canonical report schema. Backends in JSON mode are
// additionally asked for a bare object.
const systemPrompt = `You analyze transcripts of daily standup meetings. Extract what the speaker completed, what they plan to do, and anything blocking them, then assess the sentiment. Respond with a single JSON object and nothing else, using exactly this shape:

{
  "completedYesterday": ["item", ...],
  "plannedToday": ["item", ...],
  "blockers": ["blocker", ...],
  "keywords": [{"text": "topic", "count": 2}, ...],
  "sentiment": {
    "label": "positive" | "neutral" | "negative",
    "score": -1.0 to 1.0,
    "positiveHighlights": ["highlight", ...],
    "negativeHighlights": ["concern", ...]
  }
}

Rules:
1. Keep every item short and actionable, in the speaker's own terms.
2. Keywords are the main topics with how often they came up.
3. Always include every array, even when it is empty.`

func userPrompt(transcript string) string {
	return "Please analyze this standup meeting transcript:\n\n" + strings.TrimSpace(transcript)
}
