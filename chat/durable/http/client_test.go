package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adwski/storefront-chat/chat/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type token string

func (t token) Token() string { return string(t) }

func newClient(t *testing.T, h http.Handler, tok string) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	logger := zerolog.Nop()
	c, err := NewClient(Config{Logger: &logger, Credentials: token(tok), BaseURL: srv.URL + "/"})
	require.NoError(t, err)
	return c
}

func reply(w http.ResponseWriter, status int, resp GenericResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&resp)
}

func TestNewClientRejectsBadURL(t *testing.T) {
	logger := zerolog.Nop()
	_, err := NewClient(Config{Logger: &logger, Credentials: token("t"), BaseURL: "ws://example.com"})
	assert.Error(t, err)
}

func TestHistory(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/chat/rooms/5/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		reply(w, http.StatusOK, GenericResponse{Data: json.RawMessage(
			`[{"id":1,"roomId":5,"senderId":"7","content":"hi","type":"TEXT","sentAt":"2024-05-01T10:00:00"},
			  {"id":2,"roomId":5,"senderId":8,"content":"yo","sentAt":1714557600000}]`)})
	}), "tok")

	msgs, err := c.History(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.MessageID(1), msgs[0].ID)
	assert.Equal(t, "7", msgs[0].SenderID.String())
	assert.Equal(t, "8", msgs[1].SenderID.String())
	assert.Equal(t, "yo", msgs[1].Content)
}

func TestSendMessage(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat/rooms/5/messages", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"content":"hello"}`, string(body))

		reply(w, http.StatusCreated, GenericResponse{
			Message: "sent",
			Data:    json.RawMessage(`{"id":9,"roomId":5,"content":"hello"}`),
		})
	}), "tok")

	msg, err := c.SendMessage(context.Background(), 5, "hello")
	require.NoError(t, err)
	assert.Equal(t, model.MessageID(9), msg.ID)
}

func TestListRoomsUnreadAndOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chat/rooms", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusOK, GenericResponse{Data: json.RawMessage(
			`[{"id":5,"orderId":500,"status":"PENDING","unreadCount":2}]`)})
	})
	mux.HandleFunc("GET /api/chat/rooms/5/unread-count", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusOK, GenericResponse{Data: json.RawMessage(`{"count":3}`)})
	})
	mux.HandleFunc("GET /api/chat/rooms/order/500", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusOK, GenericResponse{Data: json.RawMessage(`{"id":5,"orderId":500}`)})
	})
	c := newClient(t, mux, "tok")
	ctx := context.Background()

	rooms, err := c.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, model.RoomID(5), rooms[0].ID)
	assert.Equal(t, 2, rooms[0].UnreadCount)

	n, err := c.UnreadCount(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	room, err := c.RoomForOrder(ctx, 500)
	require.NoError(t, err)
	assert.Equal(t, model.RoomID(5), room.ID)

	_, err = c.RoomForOrder(ctx, 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestErrorStatuses(t *testing.T) {
	for name, tc := range map[string]struct {
		status int
		err    error
	}{
		"unauthorized": {status: http.StatusUnauthorized, err: ErrUnauthorized},
		"forbidden":    {status: http.StatusForbidden, err: ErrUnauthorized},
		"server error": {status: http.StatusInternalServerError, err: ErrUnexpectedStatus},
		"bad request":  {status: http.StatusBadRequest, err: ErrUnexpectedStatus},
	} {
		t.Run(name, func(t *testing.T) {
			c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				reply(w, tc.status, GenericResponse{Error: "nope"})
			}), "tok")

			_, err := c.History(context.Background(), 5)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestNoCredentialSkipsRequest(t *testing.T) {
	var called bool
	c := newClient(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }), "")

	_, err := c.ListRooms(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)
	assert.False(t, called)
}

func TestMalformedData(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data": "not a list"}`))
	}), "tok")

	_, err := c.History(context.Background(), 5)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}
