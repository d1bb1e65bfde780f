package dat

import (
	"regexp"
	"strconv"
	"strings"
)

// Delimiter separates fields in dat and subject.txt lines.
const Delimiter = "<>"

// Record is one parsed post.
type Record struct {
	N    int    `json:"n"`
	Name string `json:"name"`
	Mail string `json:"mail"`
	Misc string `json:"misc"`
	ID   string `json:"id,omitempty"`
	Body string `json:"body"`
	// Opts is the thread subject; only record #1 carries it.
	Opts string `json:"opts,omitempty"`
	Art  bool   `json:"art"`
}

var (
	idPattern      = regexp.MustCompile(`ID:(\S+)`)
	breakPattern   = regexp.MustCompile(`(?i) ?<br\s*/?> ?`)
	tagPattern     = regexp.MustCompile(`<[^>]+>`)
	entityReplacer = strings.NewReplacer("&gt;", ">", "&lt;", "<", "&amp;", "&", "&nbsp;", " ")
)

// ParseRecord parses dat line n (1-based).
func ParseRecord(n int, line string) (Record, error) {
	fields := strings.SplitN(line, Delimiter, 5)
	if len(fields) < 4 {
		return Record{}, &ParseError{Line: n, Reason: "expected at least 4 fields, got " + strconv.Itoa(len(fields))}
	}
	r := Record{
		N:    n,
		Name: fields[0],
		Mail: fields[1],
		Misc: fields[2],
		Body: cleanBody(fields[3]),
	}
	if m := idPattern.FindStringSubmatch(r.Misc); m != nil {
		r.ID = m[1]
	}
	if n == 1 && len(fields) == 5 {
		r.Opts = strings.TrimSpace(fields[4])
	}
	r.Art = IsArt(r.Body)
	return r, nil
}

// cleanBody converts the dat body markup into plain text. The forum pads each
// <br> with one space on either side; that padding goes with the marker.
func cleanBody(s string) string {
	s = breakPattern.ReplaceAllString(s, "\n")
	s = tagPattern.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	return entityReplacer.Replace(s)
}

// Lines returns the body split on line breaks.
func (r Record) Lines() []string { return strings.Split(r.Body, "\n") }
