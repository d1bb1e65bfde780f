package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/onnwee/dat-relay/dat"
)

// MaxMessageRunes is the longest line sent in one PRIVMSG.
const MaxMessageRunes = 500

// lineSeparator replaces post line breaks, which IRC cannot carry.
const lineSeparator = " / "

// FormatRecord renders a post as "<n>{<id>} <body>".
func FormatRecord(r dat.Record) string {
	body := strings.Join(r.Lines(), lineSeparator)
	if r.Art {
		body = fmt.Sprintf("[AA %d lines]", len(r.Lines()))
	}
	if r.ID == "" {
		return fmt.Sprintf("%d %s", r.N, body)
	}
	return fmt.Sprintf("%d{%s} %s", r.N, r.ID, body)
}

// FormatCandidate renders one successor guess. Candidates that are both
// continuous and linked from recent posts get a star.
func FormatCandidate(c dat.Candidate) string {
	mark := ""
	if c.Continuous && c.AppearRecent {
		mark = "★"
	}
	return fmt.Sprintf("%s%s (%d) %s", mark, c.Subject, c.Posts, c.URI)
}

// splitMessage cuts s into chunks of at most limit runes.
func splitMessage(s string, limit int) []string {
	if s == "" {
		return nil
	}
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	var out []string
	runes := []rune(s)
	for len(runes) > limit {
		out = append(out, string(runes[:limit]))
		runes = runes[limit:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}
