// Package subscription keeps at most one live room feed attached: the feed of
// the room the user has open.
package subscription

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/adwski/storefront-chat/chat/connection"
	"github.com/adwski/storefront-chat/chat/model"
	"github.com/adwski/storefront-chat/chat/transport"
	"github.com/rs/zerolog"
)

var (
	ErrJoin      = errors.New("unable to join room feed")
	ErrSubscribe = errors.New("unable to subscribe to room feed")
)

type (
	Connection interface {
		Session() (transport.Session, bool)
		OnState(fn func(connection.State)) func()
		OnTeardown(fn connection.TeardownFunc)
	}

	FrameHandler interface {
		OnFrame(roomID model.RoomID, raw []byte)
	}

	Config struct {
		Logger     *zerolog.Logger
		Connection Connection
		Frames     FrameHandler
	}

	Controller struct {
		conn   Connection
		frames FrameHandler
		logger zerolog.Logger

		// switchMx serializes switches; mx guards the fields below
		switchMx *sync.Mutex
		mx       *sync.Mutex
		desired  model.RoomID
		active   *Handle

		unlisten func()
	}

	// Handle is one acquired room feed. Release is safe to call on every exit path.
	Handle struct {
		roomID   model.RoomID
		sess     transport.Session
		sub      transport.Subscription
		released atomic.Bool
		logger   *zerolog.Logger
	}
)

func NewController(cfg Config) *Controller {
	c := &Controller{
		conn:     cfg.Connection,
		frames:   cfg.Frames,
		logger:   cfg.Logger.With().Str("component", "subscription").Logger(),
		switchMx: &sync.Mutex{},
		mx:       &sync.Mutex{},
	}
	c.unlisten = cfg.Connection.OnState(c.onState)
	cfg.Connection.OnTeardown(c.onTeardown)
	return c
}

// SwitchRoom makes roomID the only attached feed; model.NoRoom detaches.
// The previous feed is always released before the next one is acquired.
// Without a live connection the switch is remembered and applied once the
// connection is up. Concurrent calls coalesce: the last requested room wins.
func (c *Controller) SwitchRoom(roomID model.RoomID) error {
	c.mx.Lock()
	c.desired = roomID
	c.mx.Unlock()

	c.switchMx.Lock()
	defer c.switchMx.Unlock()
	return c.apply()
}

// Desired is the most recently requested room.
func (c *Controller) Desired() model.RoomID {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.desired
}

// Active reports the room whose feed is attached right now.
func (c *Controller) Active() (model.RoomID, bool) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.active == nil || c.active.released.Load() {
		return model.NoRoom, false
	}
	return c.active.roomID, true
}

// Close releases the attached feed and stops following the connection.
func (c *Controller) Close() {
	c.mx.Lock()
	c.desired = model.NoRoom
	c.mx.Unlock()

	c.switchMx.Lock()
	defer c.switchMx.Unlock()
	c.releaseActive(true)
	c.unlisten()
}

// apply must run with switchMx held.
func (c *Controller) apply() error {
	c.mx.Lock()
	desired, active := c.desired, c.active
	c.mx.Unlock()

	if active != nil && !active.released.Load() && active.roomID == desired {
		return nil
	}
	c.releaseActive(true)

	if desired == model.NoRoom {
		return nil
	}
	sess, ok := c.conn.Session()
	if !ok {
		c.logger.Debug().Stringer("roomID", desired).Msg("not connected, switch deferred")
		return nil
	}

	h, err := c.acquire(sess, desired)
	if err != nil {
		return err
	}
	c.mx.Lock()
	c.active = h
	c.mx.Unlock()
	return nil
}

func (c *Controller) acquire(sess transport.Session, roomID model.RoomID) (*Handle, error) {
	h := &Handle{roomID: roomID, sess: sess, logger: &c.logger}

	if err := sess.Send(model.JoinDestination(roomID), nil); err != nil {
		c.logger.Error().Err(err).Stringer("roomID", roomID).Msg("join failed")
		return nil, errors.Join(ErrJoin, err)
	}
	sub, err := sess.Subscribe(model.RoomTopic(roomID), func(body []byte) {
		if h.released.Load() {
			return
		}
		c.frames.OnFrame(roomID, body)
	})
	if err != nil {
		c.logger.Error().Err(err).Stringer("roomID", roomID).Msg("subscribe failed")
		_ = sess.Send(model.LeaveDestination(roomID), nil)
		return nil, errors.Join(ErrSubscribe, err)
	}
	h.sub = sub
	c.logger.Debug().Stringer("roomID", roomID).Msg("room feed attached")
	return h, nil
}

// releaseActive must run with switchMx held. signal controls whether a leave
// control signal is sent; it is pointless once the session is gone.
func (c *Controller) releaseActive(signal bool) {
	c.mx.Lock()
	h := c.active
	c.active = nil
	c.mx.Unlock()

	if h != nil {
		h.release(signal)
	}
}

func (c *Controller) onState(s connection.State) {
	c.switchMx.Lock()
	defer c.switchMx.Unlock()

	switch s {
	case connection.Connected:
		if err := c.apply(); err != nil {
			c.logger.Error().Err(err).Msg("deferred room switch failed")
		}
	case connection.Disconnected, connection.Failed:
		c.releaseActive(false)
	}
}

// onTeardown runs before the connection manager closes a live session.
func (c *Controller) onTeardown(transport.Session) {
	c.switchMx.Lock()
	defer c.switchMx.Unlock()
	c.releaseActive(true)
}

func (h *Handle) RoomID() model.RoomID {
	return h.roomID
}

// Release sends the leave signal and cancels the feed. Idempotent.
func (h *Handle) Release() {
	h.release(true)
}

func (h *Handle) release(signal bool) {
	if h.released.Swap(true) {
		return
	}
	if signal {
		if err := h.sess.Send(model.LeaveDestination(h.roomID), nil); err != nil &&
			!errors.Is(err, transport.ErrClosed) {
			h.logger.Warn().Err(err).Stringer("roomID", h.roomID).Msg("leave signal failed")
		}
	}
	if h.sub != nil {
		if err := h.sub.Unsubscribe(); err != nil {
			h.logger.Warn().Err(err).Stringer("roomID", h.roomID).Msg("unsubscribe failed")
		}
	}
	h.logger.Debug().Stringer("roomID", h.roomID).Msg("room feed released")
}
