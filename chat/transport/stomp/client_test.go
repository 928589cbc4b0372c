package stomp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adwski/storefront-chat/chat/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodToken = "good-token"

// broker is a minimal STOMP broker: SEND to /app/... is echoed to every
// subscription whose destination is the matching /topic/... path.
type broker struct {
	mx       sync.Mutex
	sent     []*Frame
	subs     map[string]string // id -> destination
	rejectOn string
}

func (b *broker) record(f *Frame) {
	b.mx.Lock()
	b.sent = append(b.sent, f)
	b.mx.Unlock()
}

func (b *broker) commands() []string {
	b.mx.Lock()
	defer b.mx.Unlock()
	out := make([]string, 0, len(b.sent))
	for _, f := range b.sent {
		out = append(out, f.Command+" "+f.Header(hdrDestination)+f.Header(hdrID))
	}
	return out
}

func (b *broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(hdrAuthorization) == "Bearer http-reject" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	b.mx.Lock()
	b.subs = make(map[string]string)
	b.mx.Unlock()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frames, err := Unmarshal(msg)
		if err != nil {
			return
		}
		for _, f := range frames {
			b.record(f)
			switch f.Command {
			case cmdConnect:
				if f.Header(hdrAuthorization) != "Bearer "+goodToken {
					_ = conn.WriteMessage(websocket.TextMessage,
						newFrame(cmdError, hdrMessage, "bad credentials").Marshal())
					return
				}
				_ = conn.WriteMessage(websocket.TextMessage, newFrame(cmdConnected, "version", "1.2").Marshal())
			case cmdSubscribe:
				b.mx.Lock()
				b.subs[f.Header(hdrID)] = f.Header(hdrDestination)
				b.mx.Unlock()
			case cmdUnsubscribe:
				b.mx.Lock()
				delete(b.subs, f.Header(hdrID))
				b.mx.Unlock()
			case cmdSend:
				if string(f.Body) == "kill" {
					_ = conn.WriteMessage(websocket.TextMessage,
						newFrame(cmdError, hdrMessage, "boom").Marshal())
					return
				}
				topic := strings.Replace(strings.TrimSuffix(f.Header(hdrDestination), "/send"), "/app/", "/topic/", 1)
				b.mx.Lock()
				for id, dest := range b.subs {
					if dest == topic {
						m := newFrame(cmdMessage, hdrSubscription, id, hdrDestination, dest)
						m.Body = f.Body
						_ = conn.WriteMessage(websocket.TextMessage, m.Marshal())
					}
				}
				b.mx.Unlock()
			case cmdDisconnect:
				return
			}
		}
	}
}

func newTestDialer(t *testing.T, b *broker) *Dialer {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	logger := zerolog.Nop()
	d, err := NewDialer(Config{
		Logger: &logger,
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	})
	require.NoError(t, err)
	return d
}

func TestDialSubscribeSendReceive(t *testing.T) {
	b := &broker{}
	d := newTestDialer(t, b)

	sess, err := d.Dial(context.Background(), goodToken)
	require.NoError(t, err)
	defer func() { _ = sess.Close() }()

	got := make(chan string, 1)
	sub, err := sess.Subscribe("/topic/chat/5", func(body []byte) { got <- string(body) })
	require.NoError(t, err)

	require.NoError(t, sess.Send("/app/chat/5/send", []byte(`{"content":"hi"}`)))

	select {
	case body := <-got:
		assert.Equal(t, `{"content":"hi"}`, body)
	case <-time.After(2 * time.Second):
		t.Fatal("echo not received")
	}

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe(), "unsubscribe is idempotent")

	require.NoError(t, sess.Close())
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}

	assert.Eventually(t, func() bool {
		cmds := b.commands()
		return len(cmds) == 5 && cmds[4] == "DISCONNECT "
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		"CONNECT ",
		"SUBSCRIBE /topic/chat/5sub-1",
		"SEND /app/chat/5/send",
		"UNSUBSCRIBE sub-1",
		"DISCONNECT ",
	}, b.commands())
}

func TestDialRejectedByBroker(t *testing.T) {
	d := newTestDialer(t, &broker{})

	_, err := d.Dial(context.Background(), "wrong")
	assert.ErrorIs(t, err, transport.ErrUnauthorized)
}

func TestDialRejectedByUpgrade(t *testing.T) {
	d := newTestDialer(t, &broker{})

	_, err := d.Dial(context.Background(), "http-reject")
	assert.ErrorIs(t, err, transport.ErrUnauthorized)
}

func TestDialUnreachable(t *testing.T) {
	logger := zerolog.Nop()
	d, err := NewDialer(Config{Logger: &logger, URL: "ws://127.0.0.1:1/ws", HandshakeTimeout: time.Second})
	require.NoError(t, err)

	_, err = d.Dial(context.Background(), goodToken)
	assert.ErrorIs(t, err, ErrDial)
	assert.NotErrorIs(t, err, transport.ErrUnauthorized)
}

func TestBrokerErrorEndsSession(t *testing.T) {
	d := newTestDialer(t, &broker{})

	sess, err := d.Dial(context.Background(), goodToken)
	require.NoError(t, err)

	_ = sess.Send("/app/chat/5/send", []byte("kill"))

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after broker error")
	}
	assert.ErrorIs(t, sess.Send("/app/chat/5/send", []byte("x")), transport.ErrClosed)
	_, err = sess.Subscribe("/topic/chat/5", func([]byte) {})
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.NoError(t, sess.Close())
}

func TestNewDialerValidatesURL(t *testing.T) {
	logger := zerolog.Nop()
	_, err := NewDialer(Config{Logger: &logger, URL: "http://shop/ws"})
	assert.Error(t, err)
}
