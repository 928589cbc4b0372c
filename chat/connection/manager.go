// Package connection owns the single live transport session of the signed-in user.
//
// State machine:
//
//	Disconnected --Connect--> Connecting --established--> Connected
//	Connecting --error--> Failed --> Disconnected
//	Connected --Disconnect / drop--> Disconnected
//
// There is no automatic reconnect. After a drop the consumer calls Connect again.
package connection

import (
	"context"
	"errors"
	"sync"

	"github.com/adwski/storefront-chat/chat/transport"
	"github.com/rs/zerolog"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrNoCredential = errors.New("no credential to authenticate transport")
	ErrTransport    = errors.New("transport connect failed")
	ErrAuth         = errors.New("transport rejected credential")
	ErrAborted      = errors.New("connect aborted by disconnect")
)

type (
	// Credentials supplies the current bearer token, empty if signed out.
	Credentials interface {
		Token() string
	}

	// TeardownFunc runs with the live session right before it is closed by Disconnect.
	TeardownFunc func(transport.Session)

	Config struct {
		Logger      *zerolog.Logger
		Dialer      transport.Dialer
		Credentials Credentials
	}

	Manager struct {
		dialer transport.Dialer
		creds  Credentials
		logger zerolog.Logger

		mx        *sync.Mutex
		state     State
		sess      transport.Session
		gen       uint64
		listeners map[uint64]func(State)
		teardowns []TeardownFunc
		nextL     uint64

		notifyMx *sync.Mutex
	}
)

func NewManager(cfg Config) *Manager {
	return &Manager{
		dialer:    cfg.Dialer,
		creds:     cfg.Credentials,
		logger:    cfg.Logger.With().Str("component", "connection").Logger(),
		mx:        &sync.Mutex{},
		notifyMx:  &sync.Mutex{},
		listeners: make(map[uint64]func(State)),
	}
}

func (m *Manager) State() State {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.state
}

// Session returns the live session when Connected.
func (m *Manager) Session() (transport.Session, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.state != Connected {
		return nil, false
	}
	return m.sess, true
}

// OnState registers fn for state transitions. Notifications are delivered in
// transition order, never concurrently. Listeners must not call Connect or
// Disconnect. The returned func unregisters fn.
func (m *Manager) OnState(fn func(State)) func() {
	m.mx.Lock()
	m.nextL++
	id := m.nextL
	m.listeners[id] = fn
	m.mx.Unlock()

	return func() {
		m.mx.Lock()
		delete(m.listeners, id)
		m.mx.Unlock()
	}
}

// OnTeardown registers fn to run before Disconnect closes a live session.
func (m *Manager) OnTeardown(fn TeardownFunc) {
	m.mx.Lock()
	m.teardowns = append(m.teardowns, fn)
	m.mx.Unlock()
}

// Connect is a no-op while Connecting or Connected. Without a credential it
// fails immediately and never dials.
func (m *Manager) Connect(ctx context.Context) error {
	m.mx.Lock()
	if m.state == Connecting || m.state == Connected {
		m.mx.Unlock()
		return nil
	}
	token := m.creds.Token()
	if token == "" {
		m.mx.Unlock()
		m.logger.Warn().Msg("connect skipped, no credential")
		return ErrNoCredential
	}
	m.gen++
	gen := m.gen
	m.mx.Unlock()

	m.transition(gen, Connecting)
	m.logger.Debug().Msg("connecting")

	sess, err := m.dialer.Dial(ctx, token)
	if err != nil {
		m.transition(gen, Failed)
		m.transition(gen, Disconnected)
		if errors.Is(err, transport.ErrUnauthorized) {
			m.logger.Error().Err(err).Msg("credential rejected by transport")
			return errors.Join(ErrAuth, err)
		}
		m.logger.Error().Err(err).Msg("connect failed")
		return errors.Join(ErrTransport, err)
	}

	m.mx.Lock()
	if m.gen != gen {
		// Disconnect was called while dialing.
		m.mx.Unlock()
		_ = sess.Close()
		return ErrAborted
	}
	m.sess = sess
	m.mx.Unlock()

	m.transition(gen, Connected)
	m.logger.Info().Msg("connected")

	go m.watch(gen, sess)
	return nil
}

// watch turns a dropped session into Disconnected.
func (m *Manager) watch(gen uint64, sess transport.Session) {
	<-sess.Done()

	m.mx.Lock()
	if m.gen != gen || m.sess != sess {
		m.mx.Unlock()
		return
	}
	m.gen++
	gen = m.gen
	m.sess = nil
	m.mx.Unlock()

	m.logger.Warn().Msg("connection lost")
	m.transition(gen, Disconnected)
}

// Disconnect releases subscriptions through teardown hooks, closes the
// session and resets to Disconnected. It is idempotent.
func (m *Manager) Disconnect() {
	m.mx.Lock()
	if m.state == Disconnected && m.sess == nil {
		m.mx.Unlock()
		return
	}
	m.gen++
	gen := m.gen
	sess := m.sess
	m.sess = nil
	teardowns := append([]TeardownFunc(nil), m.teardowns...)
	m.mx.Unlock()

	if sess != nil {
		for _, fn := range teardowns {
			fn(sess)
		}
		if err := sess.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("failed to close transport session")
		}
	}
	m.transition(gen, Disconnected)
	m.logger.Info().Msg("disconnected")
}

// transition applies a state change unless a newer generation superseded it,
// then notifies listeners.
func (m *Manager) transition(gen uint64, s State) {
	m.notifyMx.Lock()
	defer m.notifyMx.Unlock()

	m.mx.Lock()
	if m.gen != gen || m.state == s {
		m.mx.Unlock()
		return
	}
	m.state = s
	listeners := make([]func(State), 0, len(m.listeners))
	for id := uint64(1); id <= m.nextL; id++ {
		if fn, ok := m.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	m.mx.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}
