// Package dispatch decodes inbound room feed frames and hands them to room state.
package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adwski/storefront-chat/chat/model"
	"github.com/rs/zerolog"
)

var (
	ErrDecode       = errors.New("undecodable chat frame")
	ErrRoomMismatch = errors.New("frame belongs to another room")
)

type (
	Appender interface {
		Append(roomID model.RoomID, msg model.Message) bool
	}

	Config struct {
		Logger *zerolog.Logger
		Store  Appender
	}

	Dispatcher struct {
		store  Appender
		logger zerolog.Logger
	}
)

func NewDispatcher(cfg Config) *Dispatcher {
	return &Dispatcher{
		store:  cfg.Store,
		logger: cfg.Logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Decode parses one frame body received on roomID's feed.
func Decode(roomID model.RoomID, raw []byte) (model.Message, error) {
	var msg model.Message
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return msg, fmt.Errorf("%w: empty body", ErrDecode)
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, errors.Join(ErrDecode, err)
	}
	if msg.ID == 0 {
		return msg, fmt.Errorf("%w: message has no id", ErrDecode)
	}
	switch msg.RoomID {
	case model.NoRoom:
		msg.RoomID = roomID
	case roomID:
	default:
		return msg, fmt.Errorf("%w: got %d on feed of %d", ErrRoomMismatch, msg.RoomID, roomID)
	}
	if msg.Type == "" {
		msg.Type = model.MessageTypeText
	}
	return msg, nil
}

// OnFrame never fails: frames that cannot be decoded are logged and dropped.
func (d *Dispatcher) OnFrame(roomID model.RoomID, raw []byte) {
	msg, err := Decode(roomID, raw)
	if err != nil {
		d.logger.Warn().Err(err).
			Stringer("roomID", roomID).
			Int("size", len(raw)).
			Msg("frame dropped")
		return
	}
	if !d.store.Append(roomID, msg) {
		d.logger.Trace().
			Stringer("roomID", roomID).
			Int64("messageID", int64(msg.ID)).
			Msg("duplicate message absorbed")
		return
	}
	d.logger.Trace().
		Stringer("roomID", roomID).
		Int64("messageID", int64(msg.ID)).
		Msg("message dispatched")
}
