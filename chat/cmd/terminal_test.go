package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/adwski/storefront-chat/chat/model"
	"github.com/adwski/storefront-chat/chat/service"
	"github.com/adwski/storefront-chat/chat/session"
	"github.com/adwski/storefront-chat/chat/transport/loopback"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	buf bytes.Buffer
}

func (b *capture) Write(p []byte) (int, error) { return b.buf.Write(p) }

func newTestTerminal(t *testing.T) (*terminal, *loopback.Broker, *capture) {
	t.Helper()
	logger := zerolog.Nop()
	sess := session.New()

	dialer, store, err := newLoopback(&logger, sess, "")
	require.NoError(t, err)

	out := &capture{}
	term := newTerminal(out)
	svc := service.NewService(service.Config{
		Logger:   &logger,
		Session:  sess,
		Dialer:   dialer,
		Durable:  store,
		Observer: term.onMessage,
	})
	term.svc = svc
	t.Cleanup(svc.Close)

	b, ok := dialer.(*loopback.Broker)
	require.True(t, ok)
	return term, b, out
}

// output returns what was printed since the last call.
func (b *capture) output() string {
	s := b.buf.String()
	b.buf.Reset()
	return s
}

func TestTerminalOpenSendAndReceive(t *testing.T) {
	term, broker, out := newTestTerminal(t)
	ctx := context.Background()

	assert.False(t, term.handle(ctx, "/connect"))
	out.output()

	term.handle(ctx, "/open 1")
	got := out.output()
	assert.Contains(t, got, "== room 1 ==")
	assert.Contains(t, got, "[peer] seller: Hi! Your keyboard ships tomorrow.")

	term.handle(ctx, "thanks!")
	got = out.output()
	assert.Contains(t, got, "[me] thanks!")
	assert.NotContains(t, got, "chat store")

	broker.Inject(1, demoSeller, "you're welcome")
	assert.Contains(t, out.output(), "[peer] seller: you're welcome")

	broker.Inject(2, demoSeller, "elsewhere")
	assert.Empty(t, out.output(), "other rooms are not printed")
}

func TestTerminalFallbackWhenDisconnected(t *testing.T) {
	term, _, out := newTestTerminal(t)
	ctx := context.Background()

	term.handle(ctx, "hello")
	assert.Contains(t, out.output(), "open a room first")

	term.handle(ctx, "/open 3")
	out.output()
	term.handle(ctx, "hello")
	got := out.output()
	assert.Contains(t, got, "[me] hello")
	assert.Contains(t, got, "sent through chat store")
}

func TestTerminalCommands(t *testing.T) {
	term, broker, out := newTestTerminal(t)
	ctx := context.Background()

	term.handle(ctx, "/status")
	assert.Equal(t, "* disconnected\n", out.output())

	broker.Inject(2, demoSeller, "ping")
	term.handle(ctx, "/rooms")
	lines := strings.Split(strings.TrimSpace(out.output()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "#2 order 1002 PENDING Espresso grinder unread 2", lines[1])

	term.handle(ctx, "/unread 2")
	assert.Equal(t, "room 2: 2 unread\n", out.output())

	term.handle(ctx, "/unread x")
	assert.Contains(t, out.output(), "room id expected")

	term.handle(ctx, "/dump")
	assert.Contains(t, out.output(), "no room open")

	term.handle(ctx, "/open 2")
	out.output()
	term.handle(ctx, "/dump")
	assert.Contains(t, out.output(), "ping")

	term.handle(ctx, "/close")
	assert.Equal(t, model.NoRoom, term.svc.Current())

	term.handle(ctx, "/nope")
	assert.Contains(t, out.output(), "commands:")

	assert.True(t, term.handle(ctx, "/quit"))
}
