package dat

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// SubjectEntry is one line of a board's subject.txt.
type SubjectEntry struct {
	Key     string `json:"key"`
	Subject string `json:"subject"`
	Posts   int    `json:"posts"`
}

var (
	keySuffix      = regexp.MustCompile(`\.(dat|cgi)$`)
	subjectPattern = regexp.MustCompile(`^(.*) \((\d+)\)\s*$`)
)

// ParseSubjectIndex parses subject.txt text. Malformed lines are skipped.
func ParseSubjectIndex(text string) []SubjectEntry {
	var out []SubjectEntry
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		e, err := parseSubjectLine(i+1, line)
		if err != nil {
			slog.Debug("subject index line skipped", slog.Any("err", err), slog.String("component", "dat"))
			continue
		}
		out = append(out, e)
	}
	return out
}

func parseSubjectLine(n int, line string) (SubjectEntry, error) {
	fields := strings.SplitN(line, Delimiter, 2)
	if len(fields) < 2 {
		return SubjectEntry{}, &ParseError{Line: n, Reason: "missing delimiter"}
	}
	key := keySuffix.ReplaceAllString(strings.TrimSpace(fields[0]), "")
	if key == "" {
		return SubjectEntry{}, &ParseError{Line: n, Reason: "empty key"}
	}
	m := subjectPattern.FindStringSubmatch(fields[1])
	if m == nil {
		return SubjectEntry{}, &ParseError{Line: n, Reason: "subject without post count"}
	}
	posts, err := strconv.Atoi(m[2])
	if err != nil {
		return SubjectEntry{}, &ParseError{Line: n, Reason: "bad post count: " + err.Error()}
	}
	return SubjectEntry{Key: key, Subject: m[1], Posts: posts}, nil
}
