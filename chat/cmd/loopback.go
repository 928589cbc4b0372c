package main

import (
	"fmt"
	"time"

	"github.com/adwski/storefront-chat/chat/model"
	"github.com/adwski/storefront-chat/chat/service"
	"github.com/adwski/storefront-chat/chat/session"
	"github.com/adwski/storefront-chat/chat/transport"
	"github.com/adwski/storefront-chat/chat/transport/loopback"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var demoSeller = model.User{ID: "2", Username: "seller"}

// newLoopback runs the client against an in-process broker seeded with a few
// order rooms. Without a token a demo buyer is signed in.
func newLoopback(logger *zerolog.Logger, sess *session.Store, token string) (transport.Dialer, service.Durable, error) {
	if token == "" {
		var err error
		if token, err = demoToken(); err != nil {
			return nil, nil, err
		}
	}
	buyer, err := sess.SetToken(token)
	if err != nil {
		return nil, nil, fmt.Errorf("loopback sign in: %w", err)
	}

	b := loopback.NewBroker(logger)
	b.AddUser(sess.Token(), buyer)
	for i, product := range []string{"Mechanical keyboard", "Espresso grinder", "Trail shoes"} {
		id := model.RoomID(i + 1)
		b.AddRoom(model.Room{
			ID:          id,
			OrderID:     int64(1000 + i + 1),
			Status:      model.RoomStatusPending,
			ProductName: product,
			Buyer:       model.Participant{ID: buyer.ID, Username: buyer.Username},
			Seller:      model.Participant{ID: demoSeller.ID, Username: demoSeller.Username},
		})
	}
	b.Inject(1, demoSeller, "Hi! Your keyboard ships tomorrow.")
	b.Inject(2, demoSeller, "Which burr set would you like?")

	logger.Info().Str("user", buyer.Username).Msg("loopback chat ready")
	return b, b.Store(sess), nil
}

func demoToken() (string, error) {
	claims := session.Claims{
		UID:      "1",
		Username: "buyer",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  "1",
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(uuid.NewString()))
	if err != nil {
		return "", fmt.Errorf("sign demo token: %w", err)
	}
	return token, nil
}
