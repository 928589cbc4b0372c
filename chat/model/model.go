package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type (
	RoomID    int64
	MessageID int64
)

// NoRoom means "no room is open".
const NoRoom RoomID = 0

func (id RoomID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Wire destinations of the live transport.
func JoinDestination(roomID RoomID) string {
	return "/app/chat/" + roomID.String() + "/join"
}

func LeaveDestination(roomID RoomID) string {
	return "/app/chat/" + roomID.String() + "/leave"
}

func SendDestination(roomID RoomID) string {
	return "/app/chat/" + roomID.String() + "/send"
}

func RoomTopic(roomID RoomID) string {
	return "/topic/chat/" + roomID.String()
}

type RoomStatus string

const (
	RoomStatusPending   RoomStatus = "PENDING"
	RoomStatusDelivered RoomStatus = "DELIVERED"
	RoomStatusCompleted RoomStatus = "COMPLETED"
	RoomStatusCancelled RoomStatus = "CANCELLED"
)

type MessageType string

const (
	MessageTypeText   MessageType = "TEXT"
	MessageTypeImage  MessageType = "IMAGE"
	MessageTypeSystem MessageType = "SYSTEM"
)

// DeliveryState is tracked only for the sender's optimistic copy and is never serialized.
type DeliveryState int

const (
	DeliverySent DeliveryState = iota
	DeliveryPending
	DeliveryFailed
)

func (s DeliveryState) String() string {
	switch s {
	case DeliverySent:
		return "sent"
	case DeliveryPending:
		return "pending"
	case DeliveryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Participant struct {
	ID       FlexID `json:"id"`
	Username string `json:"username,omitempty"`
	Nickname string `json:"nickname,omitempty"`
}

type Room struct {
	ID          RoomID      `json:"id"`
	OrderID     int64       `json:"orderId"`
	Status      RoomStatus  `json:"status"`
	ProductName string      `json:"productName,omitempty"`
	Buyer       Participant `json:"buyer"`
	Seller      Participant `json:"seller"`
	LastMessage *Message    `json:"lastMessage,omitempty"`
	UnreadCount int         `json:"unreadCount"`
}

// Message is a chat message as carried by both the live feed and the durable store.
// Sender identity is spread over three optional fields because the two paths
// do not agree on a single shape.
type Message struct {
	ID             MessageID    `json:"id"`
	RoomID         RoomID       `json:"roomId"`
	SenderID       FlexID       `json:"senderId,omitempty"`
	Sender         *Participant `json:"sender,omitempty"`
	SenderUsername string       `json:"senderUsername,omitempty"`
	Content        string       `json:"content"`
	Type           MessageType  `json:"type,omitempty"`
	SentAt         Timestamp    `json:"sentAt"`
	ClientID       string       `json:"clientId,omitempty"`

	Delivery DeliveryState `json:"-"`
}

// User is the authenticated user as seen by this client.
type User struct {
	ID       FlexID `json:"id"`
	Username string `json:"username"`
}

// OutboundMessage is the live send payload.
type OutboundMessage struct {
	Content  string `json:"content"`
	ClientID string `json:"clientId,omitempty"`
}

var ErrBadID = errors.New("id must be a JSON string or number")

// FlexID is an identifier that may arrive either as a JSON number or a JSON string.
// Both forms decode into the same canonical string.
type FlexID string

func (id *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*id = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FlexID(strings.TrimSpace(s))
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return errors.Join(ErrBadID, err)
		}
		*id = FlexID(n.String())
	}
	return nil
}

func (id FlexID) String() string {
	return string(id)
}

func (id FlexID) Empty() bool {
	return id == ""
}

// Equal compares identifiers numerically when both are integers, so "007" equals 7.
func (id FlexID) Equal(other FlexID) bool {
	if id.Empty() || other.Empty() {
		return false
	}
	if id == other {
		return true
	}
	a, errA := strconv.ParseInt(string(id), 10, 64)
	b, errB := strconv.ParseInt(string(other), 10, 64)
	return errA == nil && errB == nil && a == b
}

// Timestamp accepts RFC 3339, zone-less local date-times (treated as UTC)
// and epoch milliseconds.
type Timestamp struct {
	time.Time
}

var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if b[0] != '"' {
		ms, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return fmt.Errorf("timestamp %s: %w", b, err)
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed
		return nil
	}
	for _, layout := range zonelessLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = parsed
			return nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	return fmt.Errorf("timestamp %q: unsupported format", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

func Now() Timestamp {
	return Timestamp{Time: time.Now().UTC()}
}
