// Package service wires the chat components for one signed-in user and
// exposes them to a UI caller.
package service

import (
	"context"
	"errors"
	"sync"

	"github.com/adwski/storefront-chat/chat/connection"
	"github.com/adwski/storefront-chat/chat/dispatch"
	"github.com/adwski/storefront-chat/chat/model"
	"github.com/adwski/storefront-chat/chat/ownership"
	"github.com/adwski/storefront-chat/chat/send"
	"github.com/adwski/storefront-chat/chat/storage/memory"
	"github.com/adwski/storefront-chat/chat/subscription"
	"github.com/adwski/storefront-chat/chat/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var (
	ErrClosed     = errors.New("chat service is closed")
	ErrHistory    = errors.New("unable to load room history")
	ErrSuperseded = errors.New("room was closed before history loaded")
	ErrLiveFeed   = errors.New("room opened without live feed")
	ErrRooms      = errors.New("unable to list rooms")
	ErrUnread     = errors.New("unable to get unread count")
	ErrOrder      = errors.New("unable to resolve room for order")
)

type (
	Session interface {
		Token() string
		User() (model.User, bool)
		OnLogout(fn func())
	}

	Durable interface {
		ListRooms(ctx context.Context) ([]model.Room, error)
		History(ctx context.Context, roomID model.RoomID) ([]model.Message, error)
		SendMessage(ctx context.Context, roomID model.RoomID, content string) (model.Message, error)
		UnreadCount(ctx context.Context, roomID model.RoomID) (int, error)
		RoomForOrder(ctx context.Context, orderID int64) (model.Room, error)
	}

	Config struct {
		Logger  *zerolog.Logger
		Session Session
		Dialer  transport.Dialer
		Durable Durable
		// Observer, if set, sees every message inserted into room state.
		Observer memory.Observer
	}

	Service struct {
		session Session
		durable Durable
		conn    *connection.Manager
		ctrl    *subscription.Controller
		store   *memory.MemStore
		sender  *send.Pipeline
		loads   *singleflight.Group
		logger  zerolog.Logger

		// switchMx orders room switches; mx guards the fields below
		switchMx   *sync.Mutex
		mx         *sync.Mutex
		current    model.RoomID
		openGen    uint64
		cancelOpen context.CancelFunc
		closed     bool
	}
)

func NewService(cfg Config) *Service {
	svc := &Service{
		session:  cfg.Session,
		durable:  cfg.Durable,
		loads:    &singleflight.Group{},
		logger:   cfg.Logger.With().Str("component", "service").Logger(),
		switchMx: &sync.Mutex{},
		mx:       &sync.Mutex{},
	}
	svc.store = memory.NewMemStore(cfg.Observer, svc.IsOwnMessage)
	svc.conn = connection.NewManager(connection.Config{
		Logger:      cfg.Logger,
		Dialer:      cfg.Dialer,
		Credentials: cfg.Session,
	})
	svc.ctrl = subscription.NewController(subscription.Config{
		Logger:     cfg.Logger,
		Connection: svc.conn,
		Frames:     dispatch.NewDispatcher(dispatch.Config{Logger: cfg.Logger, Store: svc.store}),
	})
	svc.sender = send.NewPipeline(send.Config{
		Logger:        cfg.Logger,
		Connection:    svc.conn,
		Subscriptions: svc.ctrl,
		Durable:       cfg.Durable,
		Store:         svc.store,
		Current:       svc.Current,
		User:          cfg.Session.User,
	})
	cfg.Session.OnLogout(svc.Close)
	return svc
}

func (svc *Service) Connect(ctx context.Context) error {
	if svc.isClosed() {
		return ErrClosed
	}
	return svc.conn.Connect(ctx)
}

func (svc *Service) Disconnect() {
	svc.conn.Disconnect()
}

func (svc *Service) Status() connection.State {
	return svc.conn.State()
}

// OnStatus registers fn for connection state changes and returns its unregister func.
func (svc *Service) OnStatus(fn func(connection.State)) func() {
	return svc.conn.OnState(fn)
}

// Current is the room the user has open, model.NoRoom if none.
func (svc *Service) Current() model.RoomID {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	return svc.current
}

// OpenRoom makes roomID the open room: its live feed replaces the previous
// one, its unread counter resets and its history is loaded. Live messages
// arriving before history lands are merged after it. A newer OpenRoom or
// CloseRoom supersedes this one, its history result is then discarded.
func (svc *Service) OpenRoom(ctx context.Context, roomID model.RoomID) error {
	if roomID == model.NoRoom {
		return svc.CloseRoom()
	}

	svc.switchMx.Lock()
	svc.mx.Lock()
	if svc.closed {
		svc.mx.Unlock()
		svc.switchMx.Unlock()
		return ErrClosed
	}
	if svc.cancelOpen != nil {
		svc.cancelOpen()
	}
	openCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	svc.cancelOpen = cancel
	svc.openGen++
	gen := svc.openGen
	svc.current = roomID
	svc.mx.Unlock()

	svc.store.SetActive(roomID)
	svc.store.BeginLoad(roomID)
	feedErr := svc.ctrl.SwitchRoom(roomID)
	svc.switchMx.Unlock()

	logger := svc.logger.With().Stringer("roomID", roomID).Logger()
	if feedErr != nil {
		logger.Warn().Err(feedErr).Msg("live feed is not attached, sends will use durable store")
	}

	history, err := svc.history(openCtx, roomID)

	if !svc.stillOpen(gen) {
		if svc.Current() != roomID {
			svc.store.AbortLoad(roomID)
		}
		logger.Debug().Msg("open superseded, history dropped")
		return ErrSuperseded
	}
	if err != nil {
		svc.store.AbortLoad(roomID)
		logger.Error().Err(err).Msg("history load failed")
		return errors.Join(ErrHistory, err)
	}
	svc.store.LoadHistory(roomID, history)
	logger.Debug().Int("messages", len(history)).Msg("room opened")

	if feedErr != nil {
		return errors.Join(ErrLiveFeed, feedErr)
	}
	return nil
}

// history collapses concurrent loads of the same room into one request.
// The shared request is not bound to a single caller's cancellation.
func (svc *Service) history(ctx context.Context, roomID model.RoomID) ([]model.Message, error) {
	ch := svc.loads.DoChan(roomID.String(), func() (any, error) {
		return svc.durable.History(context.WithoutCancel(ctx), roomID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		msgs, _ := res.Val.([]model.Message)
		return msgs, nil
	}
}

func (svc *Service) stillOpen(gen uint64) bool {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	return !svc.closed && svc.openGen == gen
}

// CloseRoom detaches the live feed and cancels a pending history load.
func (svc *Service) CloseRoom() error {
	svc.switchMx.Lock()
	defer svc.switchMx.Unlock()

	svc.mx.Lock()
	if svc.cancelOpen != nil {
		svc.cancelOpen()
		svc.cancelOpen = nil
	}
	svc.openGen++
	prev := svc.current
	svc.current = model.NoRoom
	svc.mx.Unlock()

	svc.store.SetActive(model.NoRoom)
	if prev != model.NoRoom {
		svc.store.AbortLoad(prev)
	}
	return svc.ctrl.SwitchRoom(model.NoRoom)
}

// Send delivers content to roomID, see send.Pipeline.
func (svc *Service) Send(ctx context.Context, roomID model.RoomID, content string) (send.Path, error) {
	if svc.isClosed() {
		return 0, ErrClosed
	}
	return svc.sender.Send(ctx, roomID, content)
}

func (svc *Service) Messages(roomID model.RoomID) []model.Message {
	return svc.store.Messages(roomID)
}

// Unread is the locally tracked unread counter.
func (svc *Service) Unread(roomID model.RoomID) int {
	return svc.store.UnreadCount(roomID)
}

// RefreshUnread fetches the durable unread count and seeds the local counter with it.
func (svc *Service) RefreshUnread(ctx context.Context, roomID model.RoomID) (int, error) {
	n, err := svc.durable.UnreadCount(ctx, roomID)
	if err != nil {
		return 0, errors.Join(ErrUnread, err)
	}
	svc.store.SeedUnread(roomID, n)
	return svc.store.UnreadCount(roomID), nil
}

func (svc *Service) IsOwnMessage(msg model.Message) bool {
	u, ok := svc.session.User()
	if !ok {
		return false
	}
	return ownership.IsOwnMessage(msg, u)
}

// Rooms lists the user's rooms and seeds unread counters from them.
func (svc *Service) Rooms(ctx context.Context) ([]model.Room, error) {
	rooms, err := svc.durable.ListRooms(ctx)
	if err != nil {
		return nil, errors.Join(ErrRooms, err)
	}
	for i := range rooms {
		svc.store.SeedUnread(rooms[i].ID, rooms[i].UnreadCount)
		rooms[i].UnreadCount = svc.store.UnreadCount(rooms[i].ID)
	}
	return rooms, nil
}

func (svc *Service) RoomForOrder(ctx context.Context, orderID int64) (model.Room, error) {
	room, err := svc.durable.RoomForOrder(ctx, orderID)
	if err != nil {
		return model.Room{}, errors.Join(ErrOrder, err)
	}
	return room, nil
}

// Close releases the room feed, disconnects and drops room state.
// It runs on logout and is idempotent.
func (svc *Service) Close() {
	svc.switchMx.Lock()
	defer svc.switchMx.Unlock()

	svc.mx.Lock()
	if svc.closed {
		svc.mx.Unlock()
		return
	}
	svc.closed = true
	if svc.cancelOpen != nil {
		svc.cancelOpen()
		svc.cancelOpen = nil
	}
	svc.current = model.NoRoom
	svc.mx.Unlock()

	svc.ctrl.Close()
	svc.conn.Disconnect()
	svc.store.Forget()
	svc.logger.Debug().Msg("chat service closed")
}

func (svc *Service) isClosed() bool {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	return svc.closed
}
