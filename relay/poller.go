package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/dat-relay/dat"
	"github.com/onnwee/dat-relay/telemetry"
)

const (
	// DefaultInterval is used when a binding asks for a non-positive interval.
	DefaultInterval = 90 * time.Second
	// DisplayLimit caps how many posts one cycle hands to the sink.
	DisplayLimit = 100
	// RolloverPosts is the post count at which a thread is considered full.
	RolloverPosts = 1000
	// TopCandidates is how many successor guesses are announced on rollover.
	TopCandidates = 3

	rolloverNotice = "Thread is over 1000. Guessing next thread..."
)

// Sink receives what poll loops and foreground requests produce for a channel.
type Sink interface {
	Deliver(ctx context.Context, channel string, recs []dat.Record)
	Notice(ctx context.Context, channel, text string)
	Candidates(ctx context.Context, channel, subject string, cands []dat.Candidate)
}

// Source is the dat layer as seen by the relay; *dat.Fetcher implements it.
type Source interface {
	Retrieve(ctx context.Context, th *dat.Thread, force bool) ([]dat.Record, error)
	Subject(ctx context.Context, th *dat.Thread) (string, error)
	GuessNext(ctx context.Context, th *dat.Thread) ([]dat.Candidate, error)
}

// NormalizeInterval replaces a non-positive interval with DefaultInterval.
func NormalizeInterval(d time.Duration) time.Duration {
	if d <= 0 {
		if d < 0 {
			slog.Warn("invalid poll interval; using default", slog.Duration("interval", d), slog.Duration("default", DefaultInterval), slog.String("component", "relay"))
		}
		return DefaultInterval
	}
	return d
}

// Poller is the background loop for one channel: sleep, retrieve, deliver,
// until the thread reaches RolloverPosts or the loop is cancelled.
type Poller struct {
	channel  string
	thread   *dat.Thread
	interval time.Duration
	source   Source
	sink     Sink

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewPoller returns a Poller; call Start to run it.
func NewPoller(channel string, th *dat.Thread, interval time.Duration, src Source, sink Sink) *Poller {
	return &Poller{
		channel:  channel,
		thread:   th,
		interval: NormalizeInterval(interval),
		source:   src,
		sink:     sink,
		cancel:   func() {},
		done:     make(chan struct{}),
	}
}

// Interval returns the effective sleep between cycles.
func (p *Poller) Interval() time.Duration { return p.interval }

// Start launches the loop. Later calls are no-ops.
func (p *Poller) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		p.cancel = cancel
		go p.run(ctx)
	})
}

// Cancel stops the loop and waits for it to exit. Safe to call on a poller
// that was never started or has already finished.
func (p *Poller) Cancel() {
	started := true
	p.startOnce.Do(func() {
		started = false
		close(p.done)
	})
	p.cancel()
	if started {
		<-p.done
	}
}

// Done is closed when the loop has exited.
func (p *Poller) Done() <-chan struct{} { return p.done }

// Running reports whether the loop is still active.
func (p *Poller) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	telemetry.PollerStarted()
	defer telemetry.PollerStopped()

	log := slog.With(slog.String("channel", p.channel), slog.String("thread", p.thread.URI()), slog.String("component", "relay"))
	log.Info("poller started", slog.Duration("interval", p.interval))
	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("poller stopped")
			return
		case <-timer.C:
		}
		var stop bool
		telemetry.TimeFunc(telemetry.CycleDuration, func() { stop = p.cycle(ctx) })
		if stop {
			log.Info("poller finished")
			return
		}
		timer.Reset(p.interval)
	}
}

// cycle runs one retrieve/deliver step and reports whether the loop is done.
func (p *Poller) cycle(ctx context.Context) (stop bool) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, "relay", "relay.cycle", telemetry.ChannelAttr(p.channel), telemetry.ThreadAttr(p.thread.URI()))
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("channel", p.channel), slog.String("thread", p.thread.URI()), slog.String("component", "relay"))
	defer func() {
		if r := recover(); r != nil {
			log.Error("poll cycle panicked", slog.Any("panic", r))
			stop = false
		}
	}()

	log.Debug("retrieving", slog.Duration("interval", p.interval))
	recs, err := p.source.Retrieve(ctx, p.thread, false)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		telemetry.RecordError(span, err)
		class := dat.ClassifyError(err)
		if class == dat.ErrorClassFatal {
			log.Debug("thread unavailable; waiting for rebind", slog.Any("err", err))
		} else {
			log.Warn("retrieve failed", slog.String("class", class.String()), slog.Any("err", err))
		}
		return false
	}
	if r, ok := p.sink.(Recorder); ok && len(recs) > 0 {
		r.Record(ctx, p.channel, recs)
	}
	if len(recs) > DisplayLimit {
		recs = recs[len(recs)-DisplayLimit:]
	}
	if len(recs) > 0 {
		p.sink.Deliver(ctx, p.channel, recs)
		telemetry.AddDelivered(len(recs))
	}
	span.SetAttributes(attribute.Int("relay.delivered", len(recs)))
	if p.thread.Len() >= RolloverPosts {
		p.rollover(ctx, log)
		return true
	}
	return false
}

func (p *Poller) rollover(ctx context.Context, log *slog.Logger) {
	telemetry.IncRollover()
	log.Info("thread reached post limit", slog.Int("posts", p.thread.Len()))
	p.sink.Notice(ctx, p.channel, rolloverNotice)
	cands, err := p.source.GuessNext(ctx, p.thread)
	if err != nil {
		log.Warn("guess next thread failed", slog.Any("err", err))
		p.sink.Notice(ctx, p.channel, fmt.Sprintf("Could not guess next thread: %v", err))
		return
	}
	if len(cands) > TopCandidates {
		cands = cands[:TopCandidates]
	}
	p.sink.Candidates(ctx, p.channel, p.thread.Subject(), cands)
}
