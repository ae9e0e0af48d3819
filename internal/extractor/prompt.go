package extractor

import (
	"fmt"
	"strings"
	"time"
)

const systemPrompt = `You extract calendar events from web pages and shared text.
Respond with a single JSON object and nothing else:
{"events":[{"summary":string,"location":string,"description":string,"timezone":string,
"url":string,"startDate":"YYYY-MM-DD","startTime":"HH:MM","endDate":"YYYY-MM-DD","endTime":"HH:MM"}],
"confidence":number}
Rules:
- Omit startTime and endTime for all-day events.
- timezone is an IANA name (for example "Europe/Berlin") or "UTC".
- When the content describes several events or days, return every one in the order they occur,
  main event first.
- confidence is between 0 and 1 and reflects how sure you are the dates and times are right.`

func buildUserPrompt(in Input, instructions string, today time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Today is %s.\n", today.Format("2006-01-02 (Monday)"))
	if in.URL != "" {
		fmt.Fprintf(&b, "Source URL: %s\n", in.URL)
	}
	if in.Title != "" {
		fmt.Fprintf(&b, "Page title: %s\n", in.Title)
	}
	if s := strings.TrimSpace(in.SelectedText); s != "" {
		fmt.Fprintf(&b, "\nText the user selected:\n%s\n", s)
	}
	if s := strings.TrimSpace(in.Text); s != "" {
		fmt.Fprintf(&b, "\nPage content:\n%s\n", s)
	}
	if s := strings.TrimSpace(instructions); s != "" {
		fmt.Fprintf(&b, "\nAdditional instructions from the user:\n%s\n", s)
	}
	return b.String()
}
