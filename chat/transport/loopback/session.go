package loopback

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/adwski/storefront-chat/chat/model"
	"github.com/adwski/storefront-chat/chat/transport"
)

type Session struct {
	broker *Broker
	user   model.User

	mx     *sync.Mutex
	subs   map[*subscription]struct{}
	done   chan struct{}
	closed bool
}

type subscription struct {
	s           *Session
	destination string
	h           transport.Handler
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) isClosed() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.closed
}

func (s *Session) Subscribe(destination string, h transport.Handler) (transport.Subscription, error) {
	if s.isClosed() {
		return nil, transport.ErrClosed
	}
	sub := &subscription{s: s, destination: destination, h: h}

	s.mx.Lock()
	s.subs[sub] = struct{}{}
	s.mx.Unlock()

	b := s.broker
	b.mx.Lock()
	fwd, ok := b.fwd[destination]
	if !ok {
		fwd = make(map[*subscription]struct{})
		b.fwd[destination] = fwd
	}
	fwd[sub] = struct{}{}
	b.mx.Unlock()
	return sub, nil
}

func (sub *subscription) Unsubscribe() error {
	sub.s.mx.Lock()
	delete(sub.s.subs, sub)
	sub.s.mx.Unlock()

	b := sub.s.broker
	b.mx.Lock()
	if fwd, ok := b.fwd[sub.destination]; ok {
		delete(fwd, sub)
		if len(fwd) == 0 {
			delete(b.fwd, sub.destination)
		}
	}
	b.mx.Unlock()
	return nil
}

// Send handles join, leave and send destinations. Messages are stamped and
// published to the room topic before Send returns.
func (s *Session) Send(destination string, body []byte) error {
	if s.isClosed() {
		return transport.ErrClosed
	}
	roomID, action, err := parseAppDestination(destination)
	if err != nil {
		return err
	}

	switch action {
	case "join", "leave":
		return s.broker.control(s, roomID, action)
	case "send":
		s.broker.mx.RLock()
		fail := s.broker.failPublish
		_, known := s.broker.rooms[roomID]
		s.broker.mx.RUnlock()
		if fail {
			return ErrPublishFailed
		}
		if !known {
			return ErrRoomNotFound
		}
		var out model.OutboundMessage
		if err = json.Unmarshal(body, &out); err != nil {
			return errors.Join(ErrPublishFailed, err)
		}
		s.broker.publish(s.broker.store(roomID, s.user, out))
		return nil
	default:
		return ErrBadDestination
	}
}

func (s *Session) Close() error {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mx.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}

	s.broker.mx.Lock()
	delete(s.broker.sessions, s)
	s.broker.mx.Unlock()

	close(s.done)
	return nil
}
