package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/adwski/storefront-chat/chat/model"
	"github.com/adwski/storefront-chat/chat/send"
	"github.com/adwski/storefront-chat/chat/service"
	"github.com/davecgh/go-spew/spew"
)

const help = `commands:
  <text>        send to the open room
  /open N       open room N
  /close        close the open room
  /rooms        list your rooms
  /unread N     unread count of room N
  /status       connection status
  /connect      connect live chat
  /disconnect   disconnect live chat
  /dump         dump the open room state
  /quit         exit
`

// terminal renders chat state as lines of text and turns input lines into service calls.
type terminal struct {
	svc *service.Service
	out io.Writer
	mx  *sync.Mutex
}

func newTerminal(out io.Writer) *terminal {
	return &terminal{out: out, mx: &sync.Mutex{}}
}

func (t *terminal) printf(format string, args ...any) {
	t.mx.Lock()
	defer t.mx.Unlock()
	_, _ = fmt.Fprintf(t.out, format, args...)
}

// onMessage prints messages inserted into the open room. Optimistic copies
// are skipped, their confirmation is printed instead.
func (t *terminal) onMessage(roomID model.RoomID, msg model.Message) {
	if t.svc == nil || msg.Delivery == model.DeliveryPending || roomID != t.svc.Current() {
		return
	}
	t.printMessage(msg)
}

func (t *terminal) printMessage(msg model.Message) {
	var ts string
	if !msg.SentAt.IsZero() {
		ts = msg.SentAt.Local().Format("15:04") + " "
	}
	switch {
	case msg.Type == model.MessageTypeSystem:
		t.printf("%s-- %s\n", ts, msg.Content)
	case t.svc.IsOwnMessage(msg):
		t.printf("%s[me] %s%s\n", ts, msg.Content, deliveryNote(msg.Delivery))
	default:
		t.printf("%s[peer] %s: %s\n", ts, senderName(msg), msg.Content)
	}
}

func deliveryNote(d model.DeliveryState) string {
	switch d {
	case model.DeliveryPending:
		return " (sending)"
	case model.DeliveryFailed:
		return " (not sent)"
	default:
		return ""
	}
}

func senderName(msg model.Message) string {
	switch {
	case msg.SenderUsername != "":
		return msg.SenderUsername
	case msg.Sender != nil && msg.Sender.Nickname != "":
		return msg.Sender.Nickname
	case msg.Sender != nil && msg.Sender.Username != "":
		return msg.Sender.Username
	case !msg.SenderID.Empty():
		return "#" + msg.SenderID.String()
	default:
		return "?"
	}
}

// open opens roomID and prints its history.
func (t *terminal) open(ctx context.Context, roomID model.RoomID) {
	err := t.svc.OpenRoom(ctx, roomID)
	switch {
	case errors.Is(err, service.ErrLiveFeed):
		t.printf("! room %s has no live feed, sends go through chat store\n", roomID)
	case errors.Is(err, service.ErrSuperseded):
		return
	case err != nil:
		t.printf("! cannot open room %s: %v\n", roomID, err)
		return
	}
	t.printf("== room %s ==\n", roomID)
	for _, msg := range t.svc.Messages(roomID) {
		t.printMessage(msg)
	}
}

// handle executes one input line and reports whether the user asked to quit.
func (t *terminal) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		t.send(ctx, line)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/open":
		if roomID, ok := t.roomArg(arg); ok {
			t.open(ctx, roomID)
		}
	case "/close":
		if err := t.svc.CloseRoom(); err != nil {
			t.printf("! %v\n", err)
		}
	case "/rooms":
		t.rooms(ctx)
	case "/unread":
		if roomID, ok := t.roomArg(arg); ok {
			n, err := t.svc.RefreshUnread(ctx, roomID)
			if err != nil {
				t.printf("! %v\n", err)
				break
			}
			t.printf("room %s: %d unread\n", roomID, n)
		}
	case "/status":
		t.printf("* %s\n", t.svc.Status())
	case "/connect":
		if err := t.svc.Connect(ctx); err != nil {
			t.printf("! connect failed: %v\n", err)
		}
	case "/disconnect":
		t.svc.Disconnect()
	case "/dump":
		t.dump()
	default:
		t.printf("%s", help)
	}
	return false
}

func (t *terminal) roomArg(arg string) (model.RoomID, bool) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		t.printf("! room id expected, got %q\n", arg)
		return model.NoRoom, false
	}
	return model.RoomID(id), true
}

func (t *terminal) send(ctx context.Context, content string) {
	roomID := t.svc.Current()
	if roomID == model.NoRoom {
		t.printf("! open a room first\n")
		return
	}
	path, err := t.svc.Send(ctx, roomID, content)
	switch {
	case err != nil:
		t.printf("! not sent: %v\n", err)
	case path == send.PathFallback:
		t.printf("* sent through chat store\n")
	}
}

func (t *terminal) rooms(ctx context.Context) {
	rooms, err := t.svc.Rooms(ctx)
	if err != nil {
		t.printf("! %v\n", err)
		return
	}
	if len(rooms) == 0 {
		t.printf("no rooms\n")
		return
	}
	for _, r := range rooms {
		t.printf("#%s order %d %s %s unread %d\n", r.ID, r.OrderID, r.Status, r.ProductName, r.UnreadCount)
	}
}

func (t *terminal) dump() {
	roomID := t.svc.Current()
	if roomID == model.NoRoom {
		t.printf("! no room open\n")
		return
	}
	t.mx.Lock()
	defer t.mx.Unlock()
	spew.Fdump(t.out, t.svc.Messages(roomID))
}
