package dispatch

import (
	"testing"

	"github.com/adwski/storefront-chat/chat/model"
	"github.com/adwski/storefront-chat/chat/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDispatcher() (*Dispatcher, *memory.MemStore) {
	logger := zerolog.Nop()
	store := memory.NewMemStore(nil, nil)
	return NewDispatcher(Config{Logger: &logger, Store: store}), store
}

func TestDecode(t *testing.T) {
	msg, err := Decode(5, []byte(`{"id": 3, "senderUsername": "bob", "content": "hi", "sentAt": 1709289000000}`))
	require.NoError(t, err)
	assert.Equal(t, model.MessageID(3), msg.ID)
	assert.Equal(t, model.RoomID(5), msg.RoomID, "room filled from the feed")
	assert.Equal(t, model.MessageTypeText, msg.Type)

	_, err = Decode(5, []byte(`{"id": 3, "roomId": 6, "content": "hi"}`))
	assert.ErrorIs(t, err, ErrRoomMismatch)

	for name, raw := range map[string]string{
		"empty":    ``,
		"garbage":  `not json`,
		"no id":    `{"content": "hi"}`,
		"bad time": `{"id": 1, "sentAt": "tomorrow"}`,
		"array":    `[1,2]`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(5, []byte(raw))
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestOnFrameAppendsAndDeduplicates(t *testing.T) {
	d, store := newDispatcher()

	d.OnFrame(5, []byte(`{"id": 1, "roomId": 5, "content": "a"}`))
	d.OnFrame(5, []byte(`{"id": 1, "roomId": 5, "content": "a"}`))
	d.OnFrame(5, []byte(`{"id": 2, "roomId": 5, "content": "b"}`))

	got := store.Messages(5)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Content)
	assert.Equal(t, "b", got[1].Content)
}

func TestOnFrameDropsBadFrames(t *testing.T) {
	d, store := newDispatcher()

	assert.NotPanics(t, func() {
		d.OnFrame(5, []byte(`{"id":`))
		d.OnFrame(5, nil)
		d.OnFrame(6, []byte(`{"id": 1, "roomId": 5, "content": "wrong feed"}`))
	})
	assert.Empty(t, store.Messages(5))
	assert.Empty(t, store.Messages(6))
}
