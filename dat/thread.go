package dat

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
)

var keyPattern = regexp.MustCompile(`^\d+$`)

// Thread is one forum thread and its retrieval state.
type Thread struct {
	Scheme string
	Host   string
	Board  string
	Key    string

	mu           sync.RWMutex
	lines        []string
	size         int64
	lastModified string

	// fetchMu serialises retrievals so a foreground request never interleaves
	// with the poll loop's.
	fetchMu sync.Mutex
}

// NewThread parses a read.cgi thread uri such as
// http://host/test/read.cgi/board/1234567890/.
func NewThread(uri string) (*Thread, error) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return nil, fmt.Errorf("parse thread uri: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("thread uri %q has no host", uri)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "test" || parts[1] != "read.cgi" {
		return nil, fmt.Errorf("thread uri %q is not a /test/read.cgi/<board>/<key>/ path", uri)
	}
	if !keyPattern.MatchString(parts[3]) {
		return nil, fmt.Errorf("thread uri %q has non-numeric key %q", uri, parts[3])
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return &Thread{Scheme: scheme, Host: u.Host, Board: parts[2], Key: parts[3]}, nil
}

// URI returns the canonical read.cgi uri.
func (t *Thread) URI() string { return t.threadURI(t.Key) }

func (t *Thread) threadURI(key string) string {
	return fmt.Sprintf("%s://%s/test/read.cgi/%s/%s/", t.Scheme, t.Host, t.Board, key)
}

// DatURL returns the flat-file location of the thread.
func (t *Thread) DatURL() string {
	return fmt.Sprintf("%s://%s/%s/dat/%s.dat", t.Scheme, t.Host, t.Board, t.Key)
}

// SubjectURL returns the board's subject.txt location.
func (t *Thread) SubjectURL() string {
	return fmt.Sprintf("%s://%s/%s/subject.txt", t.Scheme, t.Host, t.Board)
}

// Len returns the number of buffered lines (posts).
func (t *Thread) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.lines)
}

// CacheState returns the byte length and Last-Modified value recorded by the
// last successful retrieval.
func (t *Thread) CacheState() (int64, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size, t.lastModified
}

// Line returns raw line n (1-based).
func (t *Thread) Line(n int) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n < 1 || n > len(t.lines) {
		return "", false
	}
	return t.lines[n-1], true
}

// Record parses line n (1-based).
func (t *Thread) Record(n int) (Record, error) {
	line, ok := t.Line(n)
	if !ok {
		return Record{}, fmt.Errorf("record %d out of range (have %d)", n, t.Len())
	}
	return ParseRecord(n, line)
}

// Records parses lines from n (1-based) to the end. Unparseable lines are
// logged and skipped; their numbers are not reused.
func (t *Thread) Records(from int) []Record {
	if from < 1 {
		from = 1
	}
	t.mu.RLock()
	var lines []string
	if from <= len(t.lines) {
		lines = append(lines, t.lines[from-1:]...)
	}
	t.mu.RUnlock()

	out := make([]Record, 0, len(lines))
	for i, line := range lines {
		r, err := ParseRecord(from+i, line)
		if err != nil {
			slog.Warn("dat line skipped", slog.String("thread", t.URI()), slog.Any("err", err), slog.String("component", "dat"))
			continue
		}
		out = append(out, r)
	}
	return out
}

// Subject returns record #1's subject, or "" when it has not been fetched.
func (t *Thread) Subject() string {
	r, err := t.Record(1)
	if err != nil {
		return ""
	}
	return r.Opts
}

func (t *Thread) appendLines(lines []string, n int64, lastModified string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, lines...)
	t.size += n
	t.lastModified = lastModified
}

func (t *Thread) replaceLines(lines []string, n int64, lastModified string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = lines
	t.size = n
	t.lastModified = lastModified
}

func splitLines(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
