package stomp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/storefront-chat/chat/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultHandshakeTimeout = 5 * time.Second

	defaultWebsocketReadBufferSize     = 4096
	defaultWebsocketWriteBufferSize    = 4096
	defaultWebSocketMaxMessageSize     = 64 * 1024
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second
	defaultDisconnectTimeout           = time.Second

	// defaultPongWait - defaultPingInterval == is how long we give server to respond
	defaultPingInterval = 10 * time.Second
	defaultPongWait     = 15 * time.Second

	acceptVersion = "1.2"
	jsonContent   = "application/json"
)

var (
	ErrDial      = errors.New("unable to dial chat transport")
	ErrHandshake = errors.New("stomp handshake failed")
)

type (
	Config struct {
		Logger *zerolog.Logger
		URL    string
		// Host is sent in the CONNECT frame, defaults to the URL host.
		Host             string
		HandshakeTimeout time.Duration
		PingInterval     time.Duration
		PongWait         time.Duration
	}

	// Dialer opens STOMP sessions over WebSocket.
	Dialer struct {
		ws     *websocket.Dialer
		logger zerolog.Logger
		cfg    Config
	}

	// Client is one live STOMP session.
	Client struct {
		conn   *websocket.Conn
		tx     chan outbound
		ctx    context.Context
		cancel context.CancelFunc
		done   chan struct{}

		mx       *sync.Mutex
		handlers map[string]transport.Handler
		nextID   atomic.Uint64

		pingInterval time.Duration
		pongWait     time.Duration
		logger       zerolog.Logger
	}

	outbound struct {
		frame *Frame
		errc  chan error
	}

	subscription struct {
		c    *Client
		id   string
		once sync.Once
	}
)

func NewDialer(cfg Config) (*Dialer, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse transport url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("transport url scheme must be ws or wss, got %q", u.Scheme)
	}
	if cfg.Host == "" {
		cfg.Host = u.Hostname()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = cfg.PingInterval + defaultPongWait - defaultPingInterval
	}
	return &Dialer{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "stomp").Logger(),
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			Subprotocols:     []string{"v12.stomp"},
		},
	}, nil
}

// Dial upgrades to WebSocket and completes the STOMP CONNECT handshake.
// A credential rejected either by the upgrade or by the broker yields transport.ErrUnauthorized.
func (d *Dialer) Dial(ctx context.Context, token string) (transport.Session, error) {
	bearer := "Bearer " + token
	conn, resp, err := d.ws.DialContext(ctx, d.cfg.URL, http.Header{hdrAuthorization: {bearer}})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errors.Join(transport.ErrUnauthorized, err)
		}
		return nil, errors.Join(ErrDial, err)
	}

	if err = d.handshake(ctx, conn, bearer); err != nil {
		webSocketCloser(conn, &d.logger)
		return nil, err
	}

	c := &Client{
		conn:         conn,
		tx:           make(chan outbound),
		done:         make(chan struct{}),
		mx:           &sync.Mutex{},
		handlers:     make(map[string]transport.Handler),
		pingInterval: d.cfg.PingInterval,
		pongWait:     d.cfg.PongWait,
		logger:       d.logger,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.run()

	d.logger.Debug().Str("url", d.cfg.URL).Msg("stomp session established")
	return c, nil
}

func (d *Dialer) handshake(ctx context.Context, conn *websocket.Conn, bearer string) error {
	deadline := time.Now().Add(d.cfg.HandshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	connect := newFrame(cmdConnect,
		hdrAcceptVersion, acceptVersion,
		hdrHost, d.cfg.Host,
		hdrHeartBeat, "0,0",
		hdrAuthorization, bearer,
	)
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return errors.Join(ErrHandshake, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, connect.Marshal()); err != nil {
		return errors.Join(ErrHandshake, err)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return errors.Join(ErrHandshake, err)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return errors.Join(ErrHandshake, err)
		}
		frames, err := Unmarshal(msg)
		if err != nil {
			return errors.Join(ErrHandshake, err)
		}
		if len(frames) == 0 {
			continue // heart-beat
		}
		switch f := frames[0]; f.Command {
		case cmdConnected:
			return nil
		case cmdError:
			return errors.Join(transport.ErrUnauthorized, fmt.Errorf("broker: %s", f.Header(hdrMessage)))
		default:
			return fmt.Errorf("%w: unexpected %s frame", ErrHandshake, f.Command)
		}
	}
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close sends DISCONNECT and tears the socket down. It does not wait for the
// session loops to finish, so it is safe to call from a subscription handler.
func (c *Client) Close() error {
	if c.ctx.Err() != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(c.ctx, defaultDisconnectTimeout)
	defer cancel()
	if err := c.write(ctx, newFrame(cmdDisconnect)); err != nil && !errors.Is(err, transport.ErrClosed) {
		c.logger.Debug().Err(err).Msg("failed to send disconnect")
	}
	c.cancel()
	return nil
}

func (c *Client) Subscribe(destination string, h transport.Handler) (transport.Subscription, error) {
	id := "sub-" + strconv.FormatUint(c.nextID.Add(1), 10)

	c.mx.Lock()
	c.handlers[id] = h
	c.mx.Unlock()

	err := c.write(c.ctx, newFrame(cmdSubscribe,
		hdrID, id,
		hdrDestination, destination,
		hdrAck, "auto",
	))
	if err != nil {
		c.removeHandler(id)
		return nil, err
	}
	c.logger.Trace().Str("id", id).Str("destination", destination).Msg("subscribed")
	return &subscription{c: c, id: id}, nil
}

// Unsubscribe is idempotent. After the session ended it only drops the handler.
func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.c.removeHandler(s.id)
		if s.c.ctx.Err() != nil {
			return
		}
		err = s.c.write(s.c.ctx, newFrame(cmdUnsubscribe, hdrID, s.id))
		if errors.Is(err, transport.ErrClosed) {
			err = nil
		}
	})
	return err
}

func (c *Client) Send(destination string, body []byte) error {
	f := newFrame(cmdSend,
		hdrDestination, destination,
		hdrContentType, jsonContent,
	)
	f.Body = body
	return c.write(c.ctx, f)
}

func (c *Client) removeHandler(id string) {
	c.mx.Lock()
	delete(c.handlers, id)
	c.mx.Unlock()
}

func (c *Client) handler(id string) transport.Handler {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.handlers[id]
}

// write hands the frame to the sender loop and waits for the write result.
func (c *Client) write(ctx context.Context, f *Frame) error {
	out := outbound{frame: f, errc: make(chan error, 1)}
	select {
	case c.tx <- out:
	case <-ctx.Done():
		return transport.ErrClosed
	}
	select {
	case err := <-out.errc:
		return err
	case <-c.ctx.Done():
		select {
		case err := <-out.errc:
			return err
		default:
			return transport.ErrClosed
		}
	}
}

func (c *Client) run() {
	wg := &sync.WaitGroup{}

	wg.Add(2)
	go func() {
		webSocketReceiver(c, wg)
		c.cancel()
	}()
	go func() {
		webSocketSender(c, wg)
		c.cancel()
		webSocketCloser(c.conn, &c.logger)
	}()

	wg.Wait()

	c.mx.Lock()
	clear(c.handlers)
	c.mx.Unlock()

	close(c.done)
	c.logger.Debug().Msg("stomp session ended")
}

func webSocketSender(c *Client, wg *sync.WaitGroup) {
	pingTicker := time.NewTicker(c.pingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-c.ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := c.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				c.logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = c.conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				c.logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			c.logger.Trace().Msg("ping sent")

		case out := <-c.tx:
			wsErr := c.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr == nil {
				wsErr = c.conn.WriteMessage(websocket.TextMessage, out.frame.Marshal())
			}
			out.errc <- wsErr
			if wsErr != nil {
				c.logger.Error().Err(wsErr).Str("command", out.frame.Command).Msg("failed to write frame")
				break SendLoop
			}
			if out.frame.Command == cmdDisconnect {
				break SendLoop
			}
		}
	}
}

func webSocketReceiver(c *Client, wg *sync.WaitGroup) {
	defer wg.Done()

	c.conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	}
	c.conn.SetPongHandler(func(string) error {
		c.logger.Trace().Msg("got pong")
		return readDeadLineFunc(c.pongWait)
	})
	if err := readDeadLineFunc(c.pongWait); err != nil {
		c.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		_, msg, wsErr := c.conn.ReadMessage()
		if wsErr != nil {
			switch {
			case c.ctx.Err() != nil:
			case websocket.IsCloseError(wsErr, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.logger.Warn().Err(wsErr).Msg("connection closed")
			default:
				c.logger.Error().Err(wsErr).Msg("unexpected error during receive")
			}
			break RecvLoop
		}
		if wsErr = readDeadLineFunc(c.pongWait); wsErr != nil {
			c.logger.Error().Err(wsErr).Msg("failed to extend websocket read deadline")
			break RecvLoop
		}

		frames, wsErr := Unmarshal(msg)
		if wsErr != nil {
			c.logger.Warn().Err(wsErr).Int("size", len(msg)).Msg("dropping undecodable frame")
		}
		for _, f := range frames {
			switch f.Command {
			case cmdMessage:
				sub := f.Header(hdrSubscription)
				if h := c.handler(sub); h != nil {
					h(f.Body)
				} else {
					c.logger.Trace().Str("subscription", sub).Msg("message for released subscription dropped")
				}
			case cmdReceipt:
			case cmdError:
				c.logger.Error().Str("message", f.Header(hdrMessage)).Msg("broker sent error, closing session")
				break RecvLoop
			default:
				c.logger.Debug().Str("command", f.Command).Msg("unexpected frame ignored")
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to write websocket close message")
		}
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
