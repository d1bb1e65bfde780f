package testutil

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/text/encoding/japanese"
)

// SJIS encodes s as Shift_JIS, failing the test on unmappable runes.
func SJIS(t *testing.T, s string) []byte {
	t.Helper()
	b, err := japanese.ShiftJIS.NewEncoder().String(s)
	if err != nil {
		t.Fatalf("shift_jis encode %q: %v", s, err)
	}
	return []byte(b)
}

// Gzip compresses b.
func Gzip(b []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write(b)
	_ = zw.Close()
	return buf.Bytes()
}

// DatLine builds one dat line.
func DatLine(name, mail, misc, body, subject string) string {
	return strings.Join([]string{name, mail, misc, body, subject}, "<>")
}

// MockBoard is a test server that behaves like a 2ch-compatible board: it
// serves /<board>/dat/<key>.dat with Last-Modified, If-Modified-Since, Range
// and gzip support, and /<board>/subject.txt.
type MockBoard struct {
	*httptest.Server
	Board string

	mu       sync.Mutex
	t        *testing.T
	dats     map[string][]byte
	modified map[string]time.Time
	subjects []byte
	// Overrides maps a path to a handler that replaces the default behaviour.
	overrides map[string]http.HandlerFunc
	requests  []http.Header
	hits      map[string]int
}

// NewMockBoard starts a board server for board.
func NewMockBoard(t *testing.T, board string) *MockBoard {
	t.Helper()
	m := &MockBoard{
		Board:     board,
		t:         t,
		dats:      make(map[string][]byte),
		modified:  make(map[string]time.Time),
		overrides: make(map[string]http.HandlerFunc),
		hits:      make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)
	return m
}

// ThreadURI returns the read.cgi uri for key on this server.
func (m *MockBoard) ThreadURI(key string) string {
	return fmt.Sprintf("%s/test/read.cgi/%s/%s/", m.URL, m.Board, key)
}

// DatPath returns the request path of key's dat file.
func (m *MockBoard) DatPath(key string) string {
	return fmt.Sprintf("/%s/dat/%s.dat", m.Board, key)
}

// AppendLines appends dat lines to key and bumps its modification time.
func (m *MockBoard) AppendLines(key string, lines ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range lines {
		m.dats[key] = append(m.dats[key], SJIS(m.t, l+"\n")...)
	}
	m.touch(key)
}

// SetRaw replaces key's file with raw bytes.
func (m *MockBoard) SetRaw(key string, raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dats[key] = raw
	m.touch(key)
}

func (m *MockBoard) touch(key string) {
	prev, ok := m.modified[key]
	next := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if ok {
		next = prev.Add(time.Minute)
	}
	m.modified[key] = next
}

// SetSubjects sets subject.txt lines ("<key>.dat<>subject (n)").
func (m *MockBoard) SetSubjects(lines ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var buf bytes.Buffer
	for _, l := range lines {
		buf.Write(SJIS(m.t, l+"\n"))
	}
	m.subjects = buf.Bytes()
}

// Override replaces the handler for an exact path.
func (m *MockBoard) Override(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[path] = h
}

// Requests returns the headers of every request received so far.
func (m *MockBoard) Requests() []http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]http.Header(nil), m.requests...)
}

// Hits returns how many requests hit path.
func (m *MockBoard) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

func (m *MockBoard) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests = append(m.requests, r.Header.Clone())
	m.hits[r.URL.Path]++
	override := m.overrides[r.URL.Path]
	m.mu.Unlock()
	if override != nil {
		override(w, r)
		return
	}

	if r.URL.Path == "/"+m.Board+"/subject.txt" {
		m.mu.Lock()
		body := m.subjects
		m.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		return
	}

	prefix := "/" + m.Board + "/dat/"
	if !strings.HasPrefix(r.URL.Path, prefix) || !strings.HasSuffix(r.URL.Path, ".dat") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	key := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, prefix), ".dat")

	m.mu.Lock()
	content, ok := m.dats[key]
	content = append([]byte(nil), content...)
	modified := m.modified[key]
	m.mu.Unlock()
	if !ok {
		w.Header().Set("Location", "/"+m.Board+"/kako/"+key+".html")
		w.WriteHeader(http.StatusFound)
		return
	}

	lastModified := modified.Format(http.TimeFormat)
	w.Header().Set("Last-Modified", lastModified)
	if ims := r.Header.Get("If-Modified-Since"); ims != "" && ims == lastModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if rng := r.Header.Get("Range"); rng != "" {
		start, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
		if err != nil || start >= len(content) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(content)-1, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(content[start:])
		return
	}
	if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(Gzip(content))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}
