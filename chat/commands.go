package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/dat-relay/relay"
)

const commandTimeout = 45 * time.Second

type command struct {
	usage      string
	help       string
	privileged bool
	run        func(ctx context.Context, g *Gateway, c Controller, m Message, args []string) error
}

// commands is the static dispatch table keyed by the word after the prefix.
var commands map[string]command

func init() {
	commands = map[string]command{
		"bind":    {usage: "bind <thread-url> [seconds]", help: "follow a thread", privileged: true, run: runBind},
		"unbind":  {usage: "unbind", help: "stop following", privileged: true, run: runUnbind},
		"next":    {usage: "next", help: "guess the next thread", run: runNext},
		"subject": {usage: "subject", help: "show the thread title", run: runSubject},
		"status":  {usage: "status", help: "show what this channel follows", run: runStatus},
		"help":    {usage: "help", help: "list commands", run: runHelp},
	}
}

func runBind(ctx context.Context, g *Gateway, c Controller, m Message, args []string) error {
	if len(args) == 0 || len(args) > 2 {
		g.reply(m, "Usage: %s %s", g.prefix, commands["bind"].usage)
		return nil
	}
	interval := g.interval
	if len(args) == 2 {
		sec, err := strconv.Atoi(args[1])
		if err != nil {
			g.reply(m, "Interval must be a number of seconds, got %q", args[1])
			return nil
		}
		interval = time.Duration(sec) * time.Second
	}
	_, res, err := c.Bind(ctx, m.Channel, args[0], interval)
	if err != nil {
		g.reply(m, "Cannot follow %s: %v", args[0], err)
		return err
	}
	interval = relay.NormalizeInterval(interval)
	switch res {
	case relay.BindNewThread:
		g.reply(m, "Now following %s every %s", args[0], interval)
	case relay.BindNewInterval:
		g.reply(m, "Polling every %s", interval)
	default:
		g.reply(m, "Already following %s", args[0])
	}
	return nil
}

func runUnbind(ctx context.Context, g *Gateway, c Controller, m Message, _ []string) error {
	if c.Unbind(ctx, m.Channel) {
		g.reply(m, "Stopped following")
	} else {
		g.reply(m, "Not following any thread")
	}
	return nil
}

func runNext(ctx context.Context, g *Gateway, c Controller, m Message, _ []string) error {
	subject, cands, err := c.RequestNextThread(ctx, m.Channel)
	if err != nil {
		replyError(g, m, err)
		return err
	}
	if len(cands) > relay.TopCandidates {
		cands = cands[:relay.TopCandidates]
	}
	g.Candidates(ctx, m.Channel, subject, cands)
	return nil
}

func runSubject(ctx context.Context, g *Gateway, c Controller, m Message, _ []string) error {
	subject, err := c.Subject(ctx, m.Channel)
	if err != nil {
		replyError(g, m, err)
		return err
	}
	g.reply(m, "Current Thread: %s", subject)
	return nil
}

func runStatus(_ context.Context, g *Gateway, c Controller, m Message, _ []string) error {
	for _, s := range c.Sessions() {
		if s.Channel != m.Channel {
			continue
		}
		state := "running"
		if !s.Running {
			state = "stopped"
		}
		g.reply(m, "Following %s (%d posts, every %s, %s)", s.URI, s.Posts, s.Interval, state)
		return nil
	}
	g.reply(m, "Not following any thread")
	return nil
}

func runHelp(_ context.Context, g *Gateway, _ Controller, m Message, _ []string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s %s (%s)", g.prefix, commands[name].usage, commands[name].help))
	}
	g.say(m.Channel, strings.Join(parts, " | "))
	return nil
}

func replyError(g *Gateway, m Message, err error) {
	if errors.Is(err, relay.ErrNotBound) {
		g.reply(m, "Not following any thread. Use %s bind <thread-url>", g.prefix)
		return
	}
	g.reply(m, "Request failed: %v", err)
}
