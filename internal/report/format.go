package report

import "strings"

const noBlockers = "No blockers"

// FormatSlack renders the report as a Slack message using mrkdwn emphasis.
func FormatSlack(r Report) string {
	r = r.Normalize()
	var b strings.Builder
	writeSection(&b, "*🔹 What I did yesterday:*", r.CompletedYesterday, "• ", "")
	b.WriteString("\n\n")
	writeSection(&b, "*🔹 What I'm doing today:*", r.PlannedToday, "• ", "")
	b.WriteString("\n\n")
	writeSection(&b, "*🔹 Blockers:*", r.Blockers, "• ", noBlockers)
	return b.String()
}

// FormatPlain renders the clipboard variant of the report.
func FormatPlain(r Report) string {
	r = r.Normalize()
	var b strings.Builder
	writeSection(&b, "🔹 What I did yesterday:", r.CompletedYesterday, "- ", "")
	b.WriteString("\n\n")
	writeSection(&b, "🔹 What I'm doing today:", r.PlannedToday, "- ", "")
	b.WriteString("\n\n")
	writeSection(&b, "🔹 Blockers:", r.Blockers, "- ", noBlockers)
	return b.String()
}

func writeSection(b *strings.Builder, title string, items []string, bullet, placeholder string) {
	b.WriteString(title)
	if len(items) == 0 && placeholder != "" {
		items = []string{placeholder}
	}
	for _, item := range items {
		b.WriteString("\n")
		b.WriteString(bullet)
		b.WriteString(item)
	}
}
