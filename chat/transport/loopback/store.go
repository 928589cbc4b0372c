package loopback

import (
	"context"
	"sort"

	"github.com/adwski/storefront-chat/chat/model"
	"github.com/adwski/storefront-chat/chat/transport"
)

// TokenSource supplies the bearer credential of the current user.
type TokenSource interface {
	Token() string
}

// Store is the broker seen through the durable chat store contract on behalf of one credential.
type Store struct {
	b     *Broker
	creds TokenSource
}

func (b *Broker) Store(creds TokenSource) *Store {
	return &Store{b: b, creds: creds}
}

func (st *Store) user() (model.User, error) {
	st.b.mx.RLock()
	defer st.b.mx.RUnlock()
	u, ok := st.b.users[st.creds.Token()]
	if !ok {
		return model.User{}, transport.ErrUnauthorized
	}
	return u, nil
}

func (st *Store) ListRooms(_ context.Context) ([]model.Room, error) {
	u, err := st.user()
	if err != nil {
		return nil, err
	}
	st.b.mx.RLock()
	defer st.b.mx.RUnlock()

	rooms := make([]model.Room, 0, len(st.b.rooms))
	for _, r := range st.b.rooms {
		if !r.Buyer.ID.Equal(u.ID) && !r.Seller.ID.Equal(u.ID) {
			continue
		}
		room := *r
		room.UnreadCount = st.b.unreadLocked(u, r.ID)
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms, nil
}

// History returns the room's messages and marks them read for the caller.
func (st *Store) History(_ context.Context, roomID model.RoomID) ([]model.Message, error) {
	u, err := st.user()
	if err != nil {
		return nil, err
	}
	st.b.mx.Lock()
	defer st.b.mx.Unlock()

	if _, ok := st.b.rooms[roomID]; !ok {
		return nil, ErrRoomNotFound
	}
	msgs := append([]model.Message(nil), st.b.history[roomID]...)
	if n := len(msgs); n > 0 {
		read, ok := st.b.lastRead[u.ID]
		if !ok {
			read = make(map[model.RoomID]model.MessageID)
			st.b.lastRead[u.ID] = read
		}
		read[roomID] = msgs[n-1].ID
	}
	return msgs, nil
}

func (st *Store) SendMessage(_ context.Context, roomID model.RoomID, content string) (model.Message, error) {
	u, err := st.user()
	if err != nil {
		return model.Message{}, err
	}
	st.b.mx.RLock()
	_, ok := st.b.rooms[roomID]
	st.b.mx.RUnlock()
	if !ok {
		return model.Message{}, ErrRoomNotFound
	}
	// The request path stores only; there is no live echo.
	return st.b.store(roomID, u, model.OutboundMessage{Content: content}), nil
}

func (st *Store) UnreadCount(_ context.Context, roomID model.RoomID) (int, error) {
	u, err := st.user()
	if err != nil {
		return 0, err
	}
	st.b.mx.RLock()
	defer st.b.mx.RUnlock()
	if _, ok := st.b.rooms[roomID]; !ok {
		return 0, ErrRoomNotFound
	}
	return st.b.unreadLocked(u, roomID), nil
}

func (st *Store) RoomForOrder(_ context.Context, orderID int64) (model.Room, error) {
	if _, err := st.user(); err != nil {
		return model.Room{}, err
	}
	st.b.mx.RLock()
	defer st.b.mx.RUnlock()
	for _, r := range st.b.rooms {
		if r.OrderID == orderID {
			return *r, nil
		}
	}
	return model.Room{}, ErrRoomNotFound
}

func (b *Broker) unreadLocked(u model.User, roomID model.RoomID) int {
	last := b.lastRead[u.ID][roomID]
	var n int
	for _, m := range b.history[roomID] {
		if m.ID > last && !m.SenderID.Equal(u.ID) {
			n++
		}
	}
	return n
}
