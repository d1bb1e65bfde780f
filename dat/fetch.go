package dat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/dat-relay/telemetry"
)

const (
	// DefaultUserAgent identifies the client the way 2ch-compatible boards expect.
	DefaultUserAgent = "Monazilla/1.00 (dat-relay/1.0)"
	// DefaultTimeout bounds each request (connect through body read).
	DefaultTimeout = 30 * time.Second
)

// Fetcher retrieves dat files and subject indexes over HTTP.
type Fetcher struct {
	HTTPClient *http.Client
	UserAgent  string
}

// NewFetcher returns a Fetcher whose client has the given timeout and does
// not follow redirects (a 302 on a dat file means the thread is gone).
func NewFetcher(timeout time.Duration, userAgent string) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{HTTPClient: newClient(timeout), UserAgent: userAgent}
}

func newClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

var defaultClient = newClient(DefaultTimeout)

func (f *Fetcher) http() *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return defaultClient
}

func (f *Fetcher) userAgent() string {
	if f.UserAgent != "" {
		return f.UserAgent
	}
	return DefaultUserAgent
}

// Retrieve fetches what is new in th since the last call and returns the
// newly buffered records. force skips the conditional and Range headers.
//
// Status handling:
//   - 200: the body replaces the buffer; records numbered above the previous
//     count are returned. This also covers servers that ignore Range.
//   - 206: the body is appended.
//   - 304: nothing new.
//   - 416: the file shrank (posts deleted); a forced full fetch follows.
//   - 302: *UnknownThreadError.
//   - anything else: logged, nothing returned, no error.
func (f *Fetcher) Retrieve(ctx context.Context, th *Thread, force bool) ([]Record, error) {
	th.fetchMu.Lock()
	defer th.fetchMu.Unlock()
	return f.retrieve(ctx, th, force)
}

func (f *Fetcher) retrieve(ctx context.Context, th *Thread, force bool) ([]Record, error) {
	ctx, span := telemetry.StartSpan(ctx, "dat", "dat.retrieve", telemetry.ThreadAttr(th.URI()), attribute.Bool("dat.force", force))
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("thread", th.URI()), slog.String("component", "dat_fetch"))

	size, lastModified := th.CacheState()
	cached := size > 0
	incremental := cached && !force

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, th.DatURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("build dat request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent())
	if !cached {
		req.Header.Set("Accept-Encoding", "gzip")
	} else {
		// Byte offsets are counted on the raw body; keep the transport from
		// negotiating gzip on its own.
		req.Header.Set("Accept-Encoding", "identity")
	}
	if incremental {
		if lastModified != "" {
			req.Header.Set("If-Modified-Since", lastModified)
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", size))
	}

	start := time.Now()
	resp, err := f.http().Do(req)
	if err != nil {
		telemetry.ObserveFetch("error", time.Since(start))
		ferr := &FetchError{URI: th.URI(), Err: err}
		telemetry.RecordError(span, ferr)
		return nil, ferr
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	telemetry.SetSpanHTTPStatus(span, resp.StatusCode)

	var out []Record
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		raw, err := io.ReadAll(resp.Body)
		telemetry.ObserveFetch(strconv.Itoa(resp.StatusCode), time.Since(start))
		if err != nil {
			ferr := &FetchError{URI: th.URI(), Err: err}
			telemetry.RecordError(span, ferr)
			return nil, ferr
		}
		if resp.StatusCode == http.StatusPartialContent && !incremental {
			log.Warn("partial content for a full request; ignoring", slog.Int("status", resp.StatusCode))
			return nil, nil
		}
		out, err = f.store(th, raw, resp, log)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
	case http.StatusNotModified:
		telemetry.ObserveFetch(strconv.Itoa(resp.StatusCode), time.Since(start))
	case http.StatusRequestedRangeNotSatisfiable:
		telemetry.ObserveFetch(strconv.Itoa(resp.StatusCode), time.Since(start))
		if force {
			log.Warn("range not satisfiable on a full request", slog.Int("status", resp.StatusCode))
			return nil, nil
		}
		log.Info("range not satisfiable; refetching whole thread", slog.Int64("cached_size", size))
		return f.retrieve(ctx, th, true)
	case http.StatusFound:
		telemetry.ObserveFetch(strconv.Itoa(resp.StatusCode), time.Since(start))
		err := &UnknownThreadError{URI: th.URI(), Location: resp.Header.Get("Location")}
		log.Info("thread relocated", slog.Int("status", resp.StatusCode), slog.String("location", err.Location))
		telemetry.RecordError(span, err)
		return nil, err
	default:
		telemetry.ObserveFetch(strconv.Itoa(resp.StatusCode), time.Since(start))
		log.Warn("unexpected dat status", slog.Int("status", resp.StatusCode))
		return nil, nil
	}
	telemetry.SetSpanSuccess(span)
	return out, nil
}

// store decodes a 200/206 body into th. Nothing is mutated when the body
// cannot be decompressed; lines that fail charset decoding are replaced.
func (f *Fetcher) store(th *Thread, raw []byte, resp *http.Response, log *slog.Logger) ([]Record, error) {
	plain, err := decompress(raw, resp.Header.Get("Content-Encoding") == "gzip")
	if err != nil {
		telemetry.IncDecodeFailure()
		return nil, err
	}
	complete := completeLines(plain)
	if held := len(plain) - len(complete); held > 0 {
		log.Debug("holding back unterminated line", slog.Int("bytes", held))
	}
	text, bad := transcodeLines(complete)
	if bad > 0 {
		telemetry.IncDecodeFailure()
		log.Warn("replaced undecodable dat lines", slog.Int("lines", bad))
	}
	lines := splitLines(text)
	lastModified := resp.Header.Get("Last-Modified")

	prev := th.Len()
	if resp.StatusCode == http.StatusPartialContent {
		th.appendLines(lines, int64(len(complete)), lastModified)
	} else {
		if prev > 0 && len(lines) < prev {
			log.Info("thread shrank on full fetch", slog.Int("before", prev), slog.Int("after", len(lines)))
		}
		th.replaceLines(lines, int64(len(complete)), lastModified)
	}
	return th.Records(prev + 1), nil
}

// Subject returns the thread subject, fetching the thread first when nothing
// has been buffered yet.
func (f *Fetcher) Subject(ctx context.Context, th *Thread) (string, error) {
	if th.Len() == 0 {
		if _, err := f.Retrieve(ctx, th, true); err != nil {
			return "", err
		}
	}
	r, err := th.Record(1)
	if err != nil {
		return "", err
	}
	return r.Opts, nil
}

// SubjectIndex fetches and parses the board's subject.txt.
func (f *Fetcher) SubjectIndex(ctx context.Context, th *Thread) ([]SubjectEntry, error) {
	ctx, span := telemetry.StartSpan(ctx, "dat", "dat.subject_index", telemetry.ThreadAttr(th.URI()))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, th.SubjectURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("build subject request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent())
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := f.http().Do(req)
	if err != nil {
		ferr := &FetchError{URI: th.SubjectURL(), Err: err}
		telemetry.RecordError(span, ferr)
		return nil, ferr
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	telemetry.SetSpanHTTPStatus(span, resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("subject index %s: unexpected status %s", th.SubjectURL(), resp.Status)
		telemetry.RecordError(span, err)
		return nil, err
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{URI: th.SubjectURL(), Err: err}
	}
	text, err := Decode(raw, resp.Header.Get("Content-Encoding") == "gzip")
	if err != nil {
		telemetry.IncDecodeFailure()
		telemetry.RecordError(span, err)
		return nil, err
	}
	return ParseSubjectIndex(text), nil
}

// GuessNext loads the board index and ranks successor candidates for th.
func (f *Fetcher) GuessNext(ctx context.Context, th *Thread) ([]Candidate, error) {
	if _, err := f.Subject(ctx, th); err != nil && !errors.Is(err, ErrUnknownThread) {
		return nil, fmt.Errorf("load current subject: %w", err)
	}
	index, err := f.SubjectIndex(ctx, th)
	if err != nil {
		return nil, err
	}
	return GuessNext(th, index), nil
}
