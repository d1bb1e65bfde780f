package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"

	"github.com/onnwee/dat-relay/dat"
	"github.com/onnwee/dat-relay/relay"
)

type said struct {
	channel string
	text    string
}

type fakeSayer struct {
	mu    sync.Mutex
	lines []said
}

func (f *fakeSayer) Say(channel, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, said{channel, text})
}

func (f *fakeSayer) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.lines))
	for _, l := range f.lines {
		out = append(out, l.text)
	}
	return out
}

type fakeController struct {
	bindCalls []string
	interval  time.Duration
	bindRes   relay.BindResult
	bindErr   error
	unbound   bool
	subject   string
	cands     []dat.Candidate
	err       error
	sessions  []relay.SessionInfo
}

func (f *fakeController) Bind(_ context.Context, channel, uri string, interval time.Duration) (uuid.UUID, relay.BindResult, error) {
	f.bindCalls = append(f.bindCalls, channel+" "+uri)
	f.interval = interval
	return uuid.New(), f.bindRes, f.bindErr
}

func (f *fakeController) Unbind(context.Context, string) bool { return f.unbound }

func (f *fakeController) RequestNextThread(context.Context, string) (string, []dat.Candidate, error) {
	return f.subject, f.cands, f.err
}

func (f *fakeController) Subject(context.Context, string) (string, error) { return f.subject, f.err }

func (f *fakeController) Sessions() []relay.SessionInfo { return f.sessions }

func newTestGateway(ctrl Controller) (*Gateway, *fakeSayer) {
	out := &fakeSayer{}
	g := newGateway(out, Config{Channels: []string{"#Streamer"}})
	if ctrl != nil {
		g.SetController(ctrl)
	}
	return g, out
}

func msg(text string, privileged bool) Message {
	return Message{Channel: "streamer", User: "viewer", Text: text, Privileged: privileged}
}

const threadURL = "http://example.net/test/read.cgi/live/1700000000/"

func TestHandleIgnoresUnprefixed(t *testing.T) {
	g, out := newTestGateway(&fakeController{})
	g.Handle(context.Background(), msg("hello !dat bind x", true))
	g.Handle(context.Background(), msg("!datbind x", true))
	if len(out.texts()) != 0 {
		t.Errorf("replied to non-command: %v", out.texts())
	}
}

func TestHandleUnknownCommand(t *testing.T) {
	g, out := newTestGateway(&fakeController{})
	g.Handle(context.Background(), msg("!dat frobnicate", true))
	got := out.texts()
	if len(got) != 1 || !strings.Contains(got[0], `Unknown command "frobnicate"`) {
		t.Errorf("reply = %v", got)
	}
}

func TestHandlePermission(t *testing.T) {
	ctrl := &fakeController{}
	g, out := newTestGateway(ctrl)
	g.Handle(context.Background(), msg("!dat bind "+threadURL, false))
	g.Handle(context.Background(), msg("!dat unbind", false))
	if len(ctrl.bindCalls) != 0 {
		t.Errorf("unprivileged bind reached controller")
	}
	for _, line := range out.texts() {
		if !strings.HasPrefix(line, "Only the broadcaster or a moderator") {
			t.Errorf("reply = %q", line)
		}
	}
}

func TestHandleBind(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		res      relay.BindResult
		err      error
		interval time.Duration
		reply    string
	}{
		{"new thread default interval", "!dat bind " + threadURL, relay.BindNewThread, nil, 0, "Now following " + threadURL + " every 1m30s"},
		{"new interval", "!dat bind " + threadURL + " 30", relay.BindNewInterval, nil, 30 * time.Second, "Polling every 30s"},
		{"unchanged", "!dat BIND " + threadURL, relay.BindUnchanged, nil, 0, "Already following " + threadURL},
		{"error", "!dat bind " + threadURL, relay.BindUnchanged, errors.New("bad uri"), 0, "Cannot follow " + threadURL + ": bad uri"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{bindRes: tt.res, bindErr: tt.err}
			g, out := newTestGateway(ctrl)
			g.Handle(context.Background(), msg(tt.text, true))
			if len(ctrl.bindCalls) != 1 || ctrl.bindCalls[0] != "streamer "+threadURL {
				t.Fatalf("bind calls = %v", ctrl.bindCalls)
			}
			if ctrl.interval != tt.interval {
				t.Errorf("interval = %v, want %v", ctrl.interval, tt.interval)
			}
			if got := out.texts(); len(got) != 1 || got[0] != tt.reply {
				t.Errorf("reply = %v, want %q", got, tt.reply)
			}
		})
	}
}

func TestHandleBindConfiguredInterval(t *testing.T) {
	ctrl := &fakeController{bindRes: relay.BindNewThread}
	out := &fakeSayer{}
	g := newGateway(out, Config{Channels: []string{"streamer"}, Interval: 2 * time.Minute})
	g.SetController(ctrl)

	g.Handle(context.Background(), msg("!dat bind "+threadURL, true))
	if ctrl.interval != 2*time.Minute {
		t.Errorf("interval = %v, want 2m", ctrl.interval)
	}
	if got := out.texts(); len(got) != 1 || got[0] != "Now following "+threadURL+" every 2m0s" {
		t.Errorf("reply = %v", got)
	}
}

func TestConnectedDefaultsFalse(t *testing.T) {
	g, _ := newTestGateway(nil)
	if g.Connected() {
		t.Error("gateway reports connected before Run")
	}
}

func TestHandleBindUsage(t *testing.T) {
	for _, text := range []string{"!dat bind", "!dat bind " + threadURL + " soon", "!dat bind a b c"} {
		ctrl := &fakeController{}
		g, out := newTestGateway(ctrl)
		g.Handle(context.Background(), msg(text, true))
		if len(ctrl.bindCalls) != 0 {
			t.Errorf("%q reached controller", text)
		}
		if len(out.texts()) != 1 {
			t.Errorf("%q replies = %v", text, out.texts())
		}
	}
}

func TestHandleNext(t *testing.T) {
	ctrl := &fakeController{
		subject: "実況 Part7",
		cands: []dat.Candidate{
			{Subject: "実況 Part8", Posts: 3, URI: "u8", Continuous: true, AppearRecent: true},
			{Subject: "実況 Part9", Posts: 1, URI: "u9", Continuous: false, AppearRecent: true},
			{Subject: "a", URI: "ua"},
			{Subject: "b", URI: "ub"},
		},
	}
	g, out := newTestGateway(ctrl)
	g.Handle(context.Background(), msg("!dat next", false))
	want := []string{
		"Current Thread: 実況 Part7",
		"★実況 Part8 (3) u8",
		"実況 Part9 (1) u9",
		"a (0) ua",
	}
	got := out.texts()
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("replies = %q, want %q", got, want)
	}
}

func TestHandleNotBound(t *testing.T) {
	g, out := newTestGateway(&fakeController{err: relay.ErrNotBound})
	g.Handle(context.Background(), msg("!dat subject", false))
	got := out.texts()
	if len(got) != 1 || !strings.HasPrefix(got[0], "Not following any thread") {
		t.Errorf("reply = %v", got)
	}
}

func TestHandleStatus(t *testing.T) {
	ctrl := &fakeController{sessions: []relay.SessionInfo{
		{Channel: "other", URI: "x"},
		{Channel: "streamer", URI: threadURL, Posts: 12, Interval: time.Minute, Running: true},
	}}
	g, out := newTestGateway(ctrl)
	g.Handle(context.Background(), msg("!dat status", false))
	want := "Following " + threadURL + " (12 posts, every 1m0s, running)"
	if got := out.texts(); len(got) != 1 || got[0] != want {
		t.Errorf("reply = %v", got)
	}
}

func TestHandleHelpDefault(t *testing.T) {
	g, out := newTestGateway(&fakeController{})
	g.Handle(context.Background(), msg("!dat", false))
	got := out.texts()
	if len(got) != 1 {
		t.Fatalf("replies = %v", got)
	}
	for _, name := range []string{"bind", "unbind", "next", "subject", "status", "help"} {
		if !strings.Contains(got[0], "!dat "+name) {
			t.Errorf("help missing %s: %q", name, got[0])
		}
	}
}

func TestHandleWithoutController(t *testing.T) {
	g, out := newTestGateway(nil)
	g.Handle(context.Background(), msg("!dat subject", false))
	if got := out.texts(); len(got) != 1 || got[0] != "Not ready yet, try again shortly" {
		t.Errorf("reply = %v", got)
	}
}

func TestDeliverSplitsLongPosts(t *testing.T) {
	g, out := newTestGateway(nil)
	long := strings.Repeat("あ", MaxMessageRunes+20)
	g.Deliver(context.Background(), "streamer", []dat.Record{
		{N: 5, ID: "abc", Body: "one\ntwo"},
		{N: 6, Body: long},
	})
	got := out.texts()
	if len(got) != 3 {
		t.Fatalf("lines = %d, want 3", len(got))
	}
	if got[0] != "5{abc} one / two" {
		t.Errorf("first = %q", got[0])
	}
	if n := len([]rune(got[1])); n != MaxMessageRunes {
		t.Errorf("chunk length = %d", n)
	}
	if got[2] != strings.Repeat("あ", 22) {
		t.Errorf("tail = %q", got[2])
	}
}

func TestFormatRecordArt(t *testing.T) {
	r := dat.Record{N: 9, ID: "x", Body: "a\nb\nc\nd\ne", Art: true}
	if got := FormatRecord(r); got != "9{x} [AA 5 lines]" {
		t.Errorf("FormatRecord() = %q", got)
	}
}

func TestFromPrivateMessage(t *testing.T) {
	tests := []struct {
		badges map[string]int
		want   bool
	}{
		{map[string]int{"broadcaster": 1}, true},
		{map[string]int{"moderator": 1, "subscriber": 12}, true},
		{map[string]int{"subscriber": 12}, false},
		{nil, false},
	}
	for _, tt := range tests {
		m := fromPrivateMessage(twitch.PrivateMessage{
			User:    twitch.User{Name: "u", Badges: tt.badges},
			Channel: "streamer",
			Message: "!dat help",
		})
		if m.Privileged != tt.want || m.Channel != "streamer" || m.Text != "!dat help" {
			t.Errorf("fromPrivateMessage(%v) = %+v", tt.badges, m)
		}
	}
}

func TestNewGatewayNormalizesConfig(t *testing.T) {
	g := newGateway(&fakeSayer{}, Config{Channels: []string{" #Foo", "", "bar"}})
	if g.prefix != DefaultPrefix {
		t.Errorf("prefix = %q", g.prefix)
	}
	if strings.Join(g.channels, ",") != "foo,bar" {
		t.Errorf("channels = %v", g.channels)
	}
	if got := ircToken("abc"); got != "oauth:abc" {
		t.Errorf("ircToken = %q", got)
	}
	if got := ircToken("oauth:abc"); got != "oauth:abc" {
		t.Errorf("ircToken = %q", got)
	}
}

// slowController blocks Subject until the channel's release is signalled.
type slowController struct {
	fakeController
	started chan string
	release map[string]chan struct{}
}

func (s *slowController) Subject(ctx context.Context, channel string) (string, error) {
	s.started <- channel
	select {
	case <-s.release[channel]:
	case <-ctx.Done():
	}
	return channel, nil
}

func TestEnqueueSerializesPerChannel(t *testing.T) {
	ctrl := &slowController{
		started: make(chan string, 4),
		release: map[string]chan struct{}{"a": make(chan struct{}), "b": make(chan struct{})},
	}
	g, _ := newTestGateway(ctrl)
	defer g.stopWork()

	g.enqueue(Message{Channel: "a", Text: "!dat subject"})
	g.enqueue(Message{Channel: "a", Text: "!dat subject"})
	g.enqueue(Message{Channel: "b", Text: "!dat subject"})

	wait := func() string {
		t.Helper()
		select {
		case c := <-ctrl.started:
			return c
		case <-time.After(2 * time.Second):
			t.Fatal("command did not start")
			return ""
		}
	}
	got := map[string]int{}
	got[wait()]++
	got[wait()]++
	if got["a"] != 1 || got["b"] != 1 {
		t.Fatalf("started = %v, want one per channel", got)
	}
	select {
	case c := <-ctrl.started:
		t.Fatalf("second %q command ran before the first finished", c)
	case <-time.After(50 * time.Millisecond):
	}

	ctrl.release["a"] <- struct{}{}
	if c := wait(); c != "a" {
		t.Errorf("next started = %q, want a", c)
	}
	ctrl.release["a"] <- struct{}{}
	ctrl.release["b"] <- struct{}{}
}

func TestEnqueueSkipsChatter(t *testing.T) {
	g, _ := newTestGateway(&fakeController{})
	defer g.stopWork()
	g.enqueue(msg("just chatting", false))
	g.qmu.Lock()
	n := len(g.queues)
	g.qmu.Unlock()
	if n != 0 {
		t.Errorf("queues = %d, want 0", n)
	}
}
