package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"

	"github.com/onnwee/dat-relay/dat"
	"github.com/onnwee/dat-relay/relay"
	"github.com/onnwee/dat-relay/telemetry"
)

// DefaultPrefix starts every chat command.
const DefaultPrefix = "!dat"

// commandQueueSize bounds the commands waiting behind a slow one per channel.
const commandQueueSize = 16

// Controller is the part of relay.Registry the commands drive.
type Controller interface {
	Bind(ctx context.Context, channel, uri string, interval time.Duration) (uuid.UUID, relay.BindResult, error)
	Unbind(ctx context.Context, channel string) bool
	RequestNextThread(ctx context.Context, channel string) (string, []dat.Candidate, error)
	Subject(ctx context.Context, channel string) (string, error)
	Sessions() []relay.SessionInfo
}

// sayer sends one line to a channel. *twitch.Client satisfies it.
type sayer interface {
	Say(channel, text string)
}

// Message is an incoming chat line reduced to what dispatch needs.
type Message struct {
	Channel    string
	User       string
	Text       string
	Privileged bool
}

// Config holds the IRC identity and the channels to join.
type Config struct {
	Username string
	Token    string
	Channels []string
	Prefix   string
	// Interval is used by bind when no interval is given.
	Interval time.Duration
}

// Gateway connects Twitch chat to the relay. It implements relay.Sink for
// output and dispatches prefixed chat commands to a Controller.
type Gateway struct {
	client   *twitch.Client
	out      sayer
	prefix   string
	channels []string
	interval time.Duration

	connected atomic.Bool

	mu   sync.RWMutex
	ctrl Controller

	// Commands run on one worker per channel, off the IRC read loop.
	workCtx  context.Context
	stopWork context.CancelFunc
	qmu      sync.Mutex
	queues   map[string]chan Message
}

// NewGateway builds a gateway backed by a go-twitch-irc client.
func NewGateway(cfg Config) *Gateway {
	client := twitch.NewClient(cfg.Username, ircToken(cfg.Token))
	g := newGateway(client, cfg)
	g.client = client
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		g.enqueue(fromPrivateMessage(msg))
	})
	client.OnConnect(func() {
		g.connected.Store(true)
		slog.Info("twitch chat connected", slog.Any("channels", g.channels), slog.String("component", "chat"))
	})
	client.Join(g.channels...)
	return g
}

func newGateway(out sayer, cfg Config) *Gateway {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	var channels []string
	for _, c := range cfg.Channels {
		if c = normalizeChannel(c); c != "" {
			channels = append(channels, c)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		out:      out,
		prefix:   prefix,
		channels: channels,
		interval: cfg.Interval,
		workCtx:  ctx,
		stopWork: cancel,
		queues:   make(map[string]chan Message),
	}
}

func ircToken(tok string) string {
	if tok == "" || strings.HasPrefix(tok, "oauth:") {
		return tok
	}
	return "oauth:" + tok
}

func normalizeChannel(c string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c), "#"))
}

func fromPrivateMessage(msg twitch.PrivateMessage) Message {
	_, broadcaster := msg.User.Badges["broadcaster"]
	_, moderator := msg.User.Badges["moderator"]
	return Message{
		Channel:    msg.Channel,
		User:       msg.User.Name,
		Text:       msg.Message,
		Privileged: broadcaster || moderator,
	}
}

// SetController attaches the registry commands act on.
func (g *Gateway) SetController(c Controller) {
	g.mu.Lock()
	g.ctrl = c
	g.mu.Unlock()
}

func (g *Gateway) controller() Controller {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ctrl
}

// SetToken swaps the IRC password used on the next (re)connect.
func (g *Gateway) SetToken(tok string) {
	if g.client != nil {
		g.client.SetIRCToken(ircToken(tok))
	}
}

// Run connects and blocks until ctx is done or the connection fails for good.
func (g *Gateway) Run(ctx context.Context) error {
	if g.client == nil {
		return errors.New("chat gateway has no client")
	}
	go func() {
		<-ctx.Done()
		g.stopWork()
		_ = g.client.Disconnect()
	}()
	err := g.client.Connect()
	g.connected.Store(false)
	if errors.Is(err, twitch.ErrClientDisconnected) || ctx.Err() != nil {
		return nil
	}
	return err
}

// Connected reports whether the IRC connection is up.
func (g *Gateway) Connected() bool { return g.connected.Load() }

// Deliver posts each record, splitting long ones.
func (g *Gateway) Deliver(_ context.Context, channel string, recs []dat.Record) {
	for _, r := range recs {
		g.say(channel, FormatRecord(r))
	}
}

// Notice posts a single informational line.
func (g *Gateway) Notice(_ context.Context, channel, text string) {
	g.say(channel, text)
}

// Candidates posts the current subject followed by the ranked guesses.
func (g *Gateway) Candidates(_ context.Context, channel, subject string, cands []dat.Candidate) {
	g.say(channel, "Current Thread: "+subject)
	if len(cands) == 0 {
		g.say(channel, "No candidate threads found.")
		return
	}
	for _, c := range cands {
		g.say(channel, FormatCandidate(c))
	}
}

func (g *Gateway) say(channel, text string) {
	for _, part := range splitMessage(text, MaxMessageRunes) {
		g.out.Say(channel, part)
	}
}

func (g *Gateway) reply(m Message, format string, args ...any) {
	g.say(m.Channel, fmt.Sprintf(format, args...))
}

func (g *Gateway) isCommand(text string) bool {
	fields := strings.Fields(text)
	return len(fields) > 0 && fields[0] == g.prefix
}

// enqueue hands a command to its channel's worker without blocking the
// caller. Commands in one channel run in arrival order.
func (g *Gateway) enqueue(m Message) {
	if !g.isCommand(m.Text) {
		return
	}
	g.qmu.Lock()
	q, ok := g.queues[m.Channel]
	if !ok {
		q = make(chan Message, commandQueueSize)
		g.queues[m.Channel] = q
		go g.work(q)
	}
	g.qmu.Unlock()
	select {
	case q <- m:
	default:
		telemetry.CountCommand("queue", "dropped")
		slog.Warn("command queue full; dropping message", slog.String("channel", m.Channel), slog.String("user", m.User), slog.String("component", "chat"))
	}
}

func (g *Gateway) work(q <-chan Message) {
	for {
		select {
		case <-g.workCtx.Done():
			return
		case m := <-q:
			g.Handle(g.workCtx, m)
		}
	}
}

// Handle dispatches one chat line. Lines without the prefix are ignored.
func (g *Gateway) Handle(ctx context.Context, m Message) {
	if !g.isCommand(m.Text) {
		return
	}
	fields := strings.Fields(m.Text)
	name := "help"
	var args []string
	if len(fields) > 1 {
		name = strings.ToLower(fields[1])
		args = fields[2:]
	}

	log := slog.With(slog.String("channel", m.Channel), slog.String("user", m.User), slog.String("command", name), slog.String("component", "chat"))
	cmd, ok := commands[name]
	if !ok {
		telemetry.CountCommand("unknown", "rejected")
		g.reply(m, "Unknown command %q. Try %s help", name, g.prefix)
		return
	}
	if cmd.privileged && !m.Privileged {
		telemetry.CountCommand(name, "denied")
		log.Info("command denied")
		g.reply(m, "Only the broadcaster or a moderator can use %s %s", g.prefix, name)
		return
	}
	ctrl := g.controller()
	if ctrl == nil {
		telemetry.CountCommand(name, "error")
		g.reply(m, "Not ready yet, try again shortly")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := cmd.run(ctx, g, ctrl, m, args); err != nil {
		telemetry.CountCommand(name, "error")
		log.Warn("command failed", slog.Any("err", err))
		return
	}
	telemetry.CountCommand(name, "ok")
}
