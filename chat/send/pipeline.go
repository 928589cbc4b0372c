// Package send delivers outgoing chat messages: over the live room feed when
// it is attached, through the durable chat store otherwise.
package send

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/adwski/storefront-chat/chat/model"
	"github.com/adwski/storefront-chat/chat/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Path tells which route delivered a message.
type Path int

const (
	PathLive Path = iota + 1
	PathFallback
)

func (p Path) String() string {
	switch p {
	case PathLive:
		return "live"
	case PathFallback:
		return "fallback"
	default:
		return "none"
	}
}

var (
	ErrEmptyContent    = errors.New("message content is empty")
	ErrNoRoom          = errors.New("no room to send to")
	ErrLiveUnavailable = errors.New("live path is not available")
	ErrSendFailed      = errors.New("message was not sent")
)

type (
	Connection interface {
		Session() (transport.Session, bool)
	}

	Subscriptions interface {
		Active() (model.RoomID, bool)
	}

	Durable interface {
		SendMessage(ctx context.Context, roomID model.RoomID, content string) (model.Message, error)
		History(ctx context.Context, roomID model.RoomID) ([]model.Message, error)
	}

	Store interface {
		AddLocal(roomID model.RoomID, msg model.Message)
		MarkFailed(roomID model.RoomID, clientID string) bool
		Append(roomID model.RoomID, msg model.Message) bool
		LoadHistory(roomID model.RoomID, messages []model.Message)
	}

	Config struct {
		Logger        *zerolog.Logger
		Connection    Connection
		Subscriptions Subscriptions
		Durable       Durable
		Store         Store

		// Current returns the room the user has open. Fallback reloads are
		// applied only while it still equals the target room.
		Current func() model.RoomID
		// User returns the signed-in user, used to stamp optimistic copies.
		User func() (model.User, bool)
	}

	Pipeline struct {
		conn    Connection
		subs    Subscriptions
		durable Durable
		store   Store
		current func() model.RoomID
		user    func() (model.User, bool)
		logger  zerolog.Logger
	}
)

func NewPipeline(cfg Config) *Pipeline {
	p := &Pipeline{
		conn:    cfg.Connection,
		subs:    cfg.Subscriptions,
		durable: cfg.Durable,
		store:   cfg.Store,
		current: cfg.Current,
		user:    cfg.User,
		logger:  cfg.Logger.With().Str("component", "send").Logger(),
	}
	if p.current == nil {
		p.current = func() model.RoomID { return model.NoRoom }
	}
	if p.user == nil {
		p.user = func() (model.User, bool) { return model.User{}, false }
	}
	return p
}

// Send tries the live path once and the durable path once. The live path has
// no acknowledgment: the room feed echoing the message back confirms it.
// On fallback success the room is reloaded from history if it is still open.
func (p *Pipeline) Send(ctx context.Context, roomID model.RoomID, content string) (Path, error) {
	if roomID == model.NoRoom {
		return 0, ErrNoRoom
	}
	if strings.TrimSpace(content) == "" {
		return 0, ErrEmptyContent
	}

	clientID := uuid.NewString()
	local := model.Message{
		RoomID:   roomID,
		Content:  content,
		Type:     model.MessageTypeText,
		SentAt:   model.Now(),
		ClientID: clientID,
	}
	if u, ok := p.user(); ok {
		local.SenderID = u.ID
		local.SenderUsername = u.Username
	}
	p.store.AddLocal(roomID, local)

	logger := p.logger.With().Stringer("roomID", roomID).Str("clientID", clientID).Logger()

	liveErr := p.sendLive(roomID, model.OutboundMessage{Content: content, ClientID: clientID})
	if liveErr == nil {
		logger.Trace().Msg("message published live")
		return PathLive, nil
	}
	logger.Warn().Err(liveErr).Msg("live send not possible, using durable store")

	msg, err := p.durable.SendMessage(ctx, roomID, content)
	if err != nil {
		p.store.MarkFailed(roomID, clientID)
		logger.Error().Err(err).Msg("durable send failed")
		return 0, errors.Join(ErrSendFailed, liveErr, err)
	}
	if msg.ID != 0 {
		// the durable store does not know our client id, the result confirms the local copy
		msg.ClientID = clientID
		p.store.Append(roomID, msg)
	}
	p.reload(ctx, roomID, &logger)
	return PathFallback, nil
}

func (p *Pipeline) sendLive(roomID model.RoomID, out model.OutboundMessage) error {
	sess, ok := p.conn.Session()
	if !ok {
		return fmt.Errorf("%w: not connected", ErrLiveUnavailable)
	}
	if active, ok := p.subs.Active(); !ok || active != roomID {
		return fmt.Errorf("%w: room feed is not attached", ErrLiveUnavailable)
	}
	body, err := json.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}
	if err = sess.Send(model.SendDestination(roomID), body); err != nil {
		return errors.Join(ErrLiveUnavailable, err)
	}
	return nil
}

// reload replaces the room's sequence with fresh history. Failures are only
// logged since the message itself was delivered.
func (p *Pipeline) reload(ctx context.Context, roomID model.RoomID, logger *zerolog.Logger) {
	if p.current() != roomID {
		logger.Debug().Msg("room is no longer open, reload skipped")
		return
	}
	history, err := p.durable.History(ctx, roomID)
	if err != nil {
		logger.Warn().Err(err).Msg("history reload after fallback send failed")
		return
	}
	if p.current() != roomID {
		logger.Debug().Msg("room closed during reload, result dropped")
		return
	}
	p.store.LoadHistory(roomID, history)
}
