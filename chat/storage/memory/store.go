// Package memory keeps per-room chat state: the ordered, deduplicated message
// sequence and unread counters. Live frames and durable history both land here.
package memory

import (
	"sync"

	"github.com/adwski/storefront-chat/chat/model"
)

// Observer is notified after a message was inserted or replaced.
type Observer func(roomID model.RoomID, msg model.Message)

// OwnFunc reports whether msg was authored by the signed-in user.
type OwnFunc func(msg model.Message) bool

type room struct {
	messages []model.Message
	ids      map[model.MessageID]struct{}
	unread   int

	// while loading, live messages wait in pending until history lands
	loading bool
	pending []model.Message
}

func newRoom() *room {
	return &room{ids: make(map[model.MessageID]struct{})}
}

// MemStore is safe for concurrent use.
type MemStore struct {
	mx       *sync.Mutex
	db       map[model.RoomID]*room
	active   model.RoomID
	observer Observer
	isOwn    OwnFunc
}

// NewMemStore creates a store. isOwn enables matching echoes that lack a
// client id by content; without it only client ids match.
func NewMemStore(observer Observer, isOwn OwnFunc) *MemStore {
	return &MemStore{
		mx:       &sync.Mutex{},
		db:       make(map[model.RoomID]*room),
		observer: observer,
		isOwn:    isOwn,
	}
}

func (ms *MemStore) room(roomID model.RoomID) *room {
	r, ok := ms.db[roomID]
	if !ok {
		r = newRoom()
		ms.db[roomID] = r
	}
	return r
}

// SetActive marks roomID as the open room and zeroes its unread counter.
// model.NoRoom means no room is open.
func (ms *MemStore) SetActive(roomID model.RoomID) {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	ms.active = roomID
	if roomID != model.NoRoom {
		ms.room(roomID).unread = 0
	}
}

func (ms *MemStore) Active() model.RoomID {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	return ms.active
}

// BeginLoad starts buffering live messages of roomID until LoadHistory or AbortLoad.
func (ms *MemStore) BeginLoad(roomID model.RoomID) {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	ms.room(roomID).loading = true
}

// LoadHistory replaces the room's sequence with a durable snapshot, then merges
// live messages buffered since BeginLoad. Local copies that failed to send
// are kept after the snapshot.
func (ms *MemStore) LoadHistory(roomID model.RoomID, messages []model.Message) {
	ms.mx.Lock()
	r := ms.room(roomID)
	var failed []model.Message
	for _, msg := range r.messages {
		if msg.Delivery == model.DeliveryFailed {
			failed = append(failed, msg)
		}
	}
	r.messages = make([]model.Message, 0, len(messages)+len(failed)+len(r.pending))
	r.ids = make(map[model.MessageID]struct{}, len(messages))
	for _, msg := range messages {
		if _, dup := r.ids[msg.ID]; dup {
			continue
		}
		msg.RoomID = roomID
		msg.Delivery = model.DeliverySent
		r.ids[msg.ID] = struct{}{}
		r.messages = append(r.messages, msg)
	}
	r.messages = append(r.messages, failed...)
	inserted := ms.flushLocked(roomID, r)
	ms.mx.Unlock()

	ms.notify(roomID, inserted)
}

// AbortLoad stops buffering and appends whatever was buffered.
func (ms *MemStore) AbortLoad(roomID model.RoomID) {
	ms.mx.Lock()
	r := ms.room(roomID)
	inserted := ms.flushLocked(roomID, r)
	ms.mx.Unlock()

	ms.notify(roomID, inserted)
}

func (ms *MemStore) flushLocked(roomID model.RoomID, r *room) []model.Message {
	pending := r.pending
	r.pending = nil
	r.loading = false

	var inserted []model.Message
	for _, msg := range pending {
		if got, ok := ms.insertLocked(roomID, r, msg); ok {
			inserted = append(inserted, got)
		}
	}
	return inserted
}

// Append inserts msg unless the room already holds its id, and reports whether
// it did. A message echoing one of our optimistic copies replaces that copy.
// Messages for a room other than the active one bump its unread counter.
func (ms *MemStore) Append(roomID model.RoomID, msg model.Message) bool {
	ms.mx.Lock()
	r := ms.room(roomID)
	msg.RoomID = roomID
	msg.Delivery = model.DeliverySent

	if r.loading {
		defer ms.mx.Unlock()
		if _, dup := r.ids[msg.ID]; dup {
			return false
		}
		for _, p := range r.pending {
			if p.ID == msg.ID {
				return false
			}
		}
		r.pending = append(r.pending, msg)
		return true
	}

	got, ok := ms.insertLocked(roomID, r, msg)
	ms.mx.Unlock()

	if ok {
		ms.notify(roomID, []model.Message{got})
	}
	return ok
}

func (ms *MemStore) insertLocked(roomID model.RoomID, r *room, msg model.Message) (model.Message, bool) {
	if _, dup := r.ids[msg.ID]; dup {
		return model.Message{}, false
	}
	r.ids[msg.ID] = struct{}{}

	if i := ms.echoOfLocked(r, msg); i >= 0 {
		r.messages[i] = msg
		return msg, true
	}

	r.messages = append(r.messages, msg)
	if roomID != ms.active {
		r.unread++
	}
	return msg, true
}

// echoOfLocked finds the local copy msg confirms: same client id when the echo
// has one, else the oldest pending copy with the same content, provided msg is
// our own.
func (ms *MemStore) echoOfLocked(r *room, msg model.Message) int {
	byContent := msg.ClientID == "" && ms.isOwn != nil && ms.isOwn(msg)
	for i, m := range r.messages {
		if m.Delivery != model.DeliveryPending {
			continue
		}
		if msg.ClientID != "" && m.ClientID == msg.ClientID {
			return i
		}
		if byContent && m.Content == msg.Content {
			return i
		}
	}
	return -1
}

// AddLocal appends an optimistic copy of an outgoing message. Local copies
// have no server id and are not part of dedup.
func (ms *MemStore) AddLocal(roomID model.RoomID, msg model.Message) {
	ms.mx.Lock()
	msg.RoomID = roomID
	msg.Delivery = model.DeliveryPending
	r := ms.room(roomID)
	r.messages = append(r.messages, msg)
	ms.mx.Unlock()

	ms.notify(roomID, []model.Message{msg})
}

// MarkFailed flips a pending local copy to failed.
func (ms *MemStore) MarkFailed(roomID model.RoomID, clientID string) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	r, ok := ms.db[roomID]
	if !ok {
		return false
	}
	for i := range r.messages {
		if r.messages[i].ClientID == clientID && r.messages[i].Delivery == model.DeliveryPending {
			r.messages[i].Delivery = model.DeliveryFailed
			return true
		}
	}
	return false
}

// Messages returns a copy of the room's ordered sequence.
func (ms *MemStore) Messages(roomID model.RoomID) []model.Message {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	r, ok := ms.db[roomID]
	if !ok {
		return nil
	}
	return append([]model.Message(nil), r.messages...)
}

func (ms *MemStore) UnreadCount(roomID model.RoomID) int {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	r, ok := ms.db[roomID]
	if !ok {
		return 0
	}
	return r.unread
}

// SeedUnread sets a counter from the durable store. The active room stays at zero.
func (ms *MemStore) SeedUnread(roomID model.RoomID, n int) {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	if roomID == ms.active || n < 0 {
		return
	}
	ms.room(roomID).unread = n
}

// Forget drops all state, used on logout.
func (ms *MemStore) Forget() {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	ms.db = make(map[model.RoomID]*room)
	ms.active = model.NoRoom
}

func (ms *MemStore) notify(roomID model.RoomID, msgs []model.Message) {
	if ms.observer == nil {
		return
	}
	for _, msg := range msgs {
		ms.observer(roomID, msg)
	}
}
