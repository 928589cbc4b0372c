// Package session holds the bearer credential and the identity of the signed-in user.
// Credentials are issued elsewhere; this package only reads them.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/adwski/storefront-chat/chat/model"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformedToken = errors.New("malformed bearer token")
	ErrNoIdentity     = errors.New("token carries no user identity")
)

// Claims are the identity claims the storefront puts into its access tokens.
// Different issuers name the id and username differently.
type Claims struct {
	UID               model.FlexID `json:"uid,omitempty"`
	UserID            model.FlexID `json:"userId,omitempty"`
	Username          string       `json:"username,omitempty"`
	PreferredUsername string       `json:"preferred_username,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) user() model.User {
	u := model.User{
		ID:       c.UID,
		Username: c.Username,
	}
	if u.ID.Empty() {
		u.ID = c.UserID
	}
	if u.ID.Empty() {
		u.ID = model.FlexID(c.Subject)
	}
	if u.Username == "" {
		u.Username = c.PreferredUsername
	}
	return u
}

// Store keeps the current credential. Zero value is not usable, use New.
type Store struct {
	mx       *sync.RWMutex
	token    string
	user     model.User
	onLogout []func()
	parser   *jwt.Parser
}

func New() *Store {
	return &Store{
		mx:     &sync.RWMutex{},
		parser: jwt.NewParser(),
	}
}

// SetToken stores a bearer token and decodes the user identity from it.
// Signature is not verified here, the server does that on every request.
func (s *Store) SetToken(token string) (model.User, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))

	var claims Claims
	if _, _, err := s.parser.ParseUnverified(token, &claims); err != nil {
		s.Clear()
		return model.User{}, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
	u := claims.user()
	if u.ID.Empty() && u.Username == "" {
		s.Clear()
		return model.User{}, ErrNoIdentity
	}

	s.mx.Lock()
	s.token = token
	s.user = u
	s.mx.Unlock()
	return u, nil
}

// Token returns the current bearer token or an empty string.
func (s *Store) Token() string {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.token
}

func (s *Store) User() (model.User, bool) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.user, s.token != ""
}

// OnLogout registers fn to run after Clear drops a credential.
func (s *Store) OnLogout(fn func()) {
	s.mx.Lock()
	s.onLogout = append(s.onLogout, fn)
	s.mx.Unlock()
}

// Clear drops the credential. Listeners run only if there was one.
func (s *Store) Clear() {
	s.mx.Lock()
	had := s.token != ""
	s.token = ""
	s.user = model.User{}
	listeners := append([]func(){}, s.onLogout...)
	s.mx.Unlock()

	if !had {
		return
	}
	for _, fn := range listeners {
		fn()
	}
}
