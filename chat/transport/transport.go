// Package transport defines the multiplexed live transport used by the chat client.
// A Session carries many destination-addressed feeds over one connection.
package transport

import (
	"context"
	"errors"
)

var (
	ErrUnauthorized = errors.New("transport rejected credential")
	ErrClosed       = errors.New("transport session is closed")
)

type (
	// Handler receives raw frame bodies of one subscription.
	// Handlers run on the session's receive loop and must not block.
	Handler func(body []byte)

	Dialer interface {
		Dial(ctx context.Context, token string) (Session, error)
	}

	Session interface {
		Subscribe(destination string, h Handler) (Subscription, error)
		Send(destination string, body []byte) error
		// Done is closed once the session ended, for any reason.
		Done() <-chan struct{}
		Close() error
	}

	Subscription interface {
		Unsubscribe() error
	}
)
