// Package loopback is an in-process chat broker. It serves both the live
// transport contract and the durable chat store contract, so the client can
// run without a storefront backend.
package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/adwski/storefront-chat/chat/model"
	"github.com/adwski/storefront-chat/chat/transport"
	"github.com/rs/zerolog"
)

var (
	ErrRoomNotFound   = errors.New("room is not found")
	ErrBadDestination = errors.New("unknown destination")
	ErrPublishFailed  = errors.New("publish failed")
)

// Control is a join or leave signal observed by the broker.
type Control struct {
	RoomID model.RoomID
	Action string
	User   model.User
}

type Broker struct {
	logger zerolog.Logger
	mx     *sync.RWMutex

	users    map[string]model.User // token -> user
	rooms    map[model.RoomID]*model.Room
	history  map[model.RoomID][]model.Message
	lastRead map[model.FlexID]map[model.RoomID]model.MessageID
	fwd      map[string]map[*subscription]struct{} // destination -> subscriptions
	sessions map[*Session]struct{}
	controls []Control
	nextID   model.MessageID

	failPublish bool
}

func NewBroker(logger *zerolog.Logger) *Broker {
	return &Broker{
		logger:   logger.With().Str("component", "loopback").Logger(),
		mx:       &sync.RWMutex{},
		users:    make(map[string]model.User),
		rooms:    make(map[model.RoomID]*model.Room),
		history:  make(map[model.RoomID][]model.Message),
		lastRead: make(map[model.FlexID]map[model.RoomID]model.MessageID),
		fwd:      make(map[string]map[*subscription]struct{}),
		sessions: make(map[*Session]struct{}),
	}
}

// AddUser makes token a valid credential for u.
func (b *Broker) AddUser(token string, u model.User) {
	b.mx.Lock()
	b.users[token] = u
	b.mx.Unlock()
}

func (b *Broker) AddRoom(room model.Room) {
	b.mx.Lock()
	r := room
	b.rooms[room.ID] = &r
	b.mx.Unlock()
}

// FailPublish makes live sends fail until switched back.
func (b *Broker) FailPublish(fail bool) {
	b.mx.Lock()
	b.failPublish = fail
	b.mx.Unlock()
}

func (b *Broker) Controls() []Control {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return append([]Control(nil), b.controls...)
}

// ActiveSubscriptions counts live subscriptions on a destination.
func (b *Broker) ActiveSubscriptions(destination string) int {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return len(b.fwd[destination])
}

// Drop ends every open session, as a network failure would.
func (b *Broker) Drop() {
	b.mx.RLock()
	sessions := make([]*Session, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mx.RUnlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	b.logger.Debug().Int("sessions", len(sessions)).Msg("all sessions dropped")
}

// Inject publishes a message on behalf of another participant.
func (b *Broker) Inject(roomID model.RoomID, from model.User, content string) model.Message {
	msg := b.store(roomID, from, model.OutboundMessage{Content: content})
	b.publish(msg)
	return msg
}

// InjectRaw delivers an arbitrary payload to a destination, bypassing history.
func (b *Broker) InjectRaw(destination string, body []byte) {
	b.forward(destination, body)
}

func (b *Broker) Dial(_ context.Context, token string) (transport.Session, error) {
	b.mx.Lock()
	defer b.mx.Unlock()

	u, ok := b.users[token]
	if !ok {
		return nil, transport.ErrUnauthorized
	}
	s := &Session{
		broker: b,
		user:   u,
		mx:     &sync.Mutex{},
		subs:   make(map[*subscription]struct{}),
		done:   make(chan struct{}),
	}
	b.sessions[s] = struct{}{}
	b.logger.Debug().Str("user", u.Username).Msg("session connected")
	return s, nil
}

func (b *Broker) store(roomID model.RoomID, from model.User, out model.OutboundMessage) model.Message {
	b.mx.Lock()
	defer b.mx.Unlock()

	b.nextID++
	msg := model.Message{
		ID:             b.nextID,
		RoomID:         roomID,
		SenderID:       from.ID,
		SenderUsername: from.Username,
		Content:        out.Content,
		Type:           model.MessageTypeText,
		SentAt:         model.Now(),
		ClientID:       out.ClientID,
	}
	b.history[roomID] = append(b.history[roomID], msg)
	if room, ok := b.rooms[roomID]; ok {
		last := msg
		room.LastMessage = &last
	}
	return msg
}

func (b *Broker) publish(msg model.Message) {
	body, err := json.Marshal(&msg)
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to marshal message")
		return
	}
	if !b.forward(model.RoomTopic(msg.RoomID), body) {
		b.logger.Debug().
			Stringer("roomID", msg.RoomID).
			Msg("message was not delivered live, nobody subscribed")
	}
}

func (b *Broker) forward(destination string, body []byte) bool {
	b.mx.RLock()
	handlers := make([]transport.Handler, 0, len(b.fwd[destination]))
	for sub := range b.fwd[destination] {
		handlers = append(handlers, sub.h)
	}
	b.mx.RUnlock()

	for _, h := range handlers {
		h(body)
	}
	return len(handlers) > 0
}

func (b *Broker) control(s *Session, roomID model.RoomID, action string) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if _, ok := b.rooms[roomID]; !ok {
		return ErrRoomNotFound
	}
	b.controls = append(b.controls, Control{RoomID: roomID, Action: action, User: s.user})
	return nil
}

func parseAppDestination(destination string) (model.RoomID, string, error) {
	rest, ok := strings.CutPrefix(destination, "/app/chat/")
	if !ok {
		return 0, "", ErrBadDestination
	}
	id, action, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, "", ErrBadDestination
	}
	roomID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, "", errors.Join(ErrBadDestination, err)
	}
	return model.RoomID(roomID), action, nil
}
