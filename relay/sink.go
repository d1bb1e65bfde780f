package relay

import (
	"context"

	"github.com/onnwee/dat-relay/dat"
)

// Recorder is implemented by sinks that want every new record of a cycle,
// not only the DisplayLimit window handed to Deliver.
type Recorder interface {
	Record(ctx context.Context, channel string, recs []dat.Record)
}

// MultiSink fans every call out to each sink in order.
type MultiSink []Sink

// Record forwards to the members that implement Recorder.
func (m MultiSink) Record(ctx context.Context, channel string, recs []dat.Record) {
	for _, s := range m {
		if r, ok := s.(Recorder); ok {
			r.Record(ctx, channel, recs)
		}
	}
}

func (m MultiSink) Deliver(ctx context.Context, channel string, recs []dat.Record) {
	for _, s := range m {
		s.Deliver(ctx, channel, recs)
	}
}

func (m MultiSink) Notice(ctx context.Context, channel, text string) {
	for _, s := range m {
		s.Notice(ctx, channel, text)
	}
}

func (m MultiSink) Candidates(ctx context.Context, channel, subject string, cands []dat.Candidate) {
	for _, s := range m {
		s.Candidates(ctx, channel, subject, cands)
	}
}
