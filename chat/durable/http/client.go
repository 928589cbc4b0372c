// Package http is the client of the storefront's durable chat store.
// It is used for history loads, room listing and as the fallback send path.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adwski/storefront-chat/chat/model"
	"github.com/rs/zerolog"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxResponseSize       = 4 << 20
)

var (
	ErrNoCredential      = errors.New("no credential for chat store request")
	ErrUnauthorized      = errors.New("chat store rejected credential")
	ErrNotFound          = errors.New("chat store resource not found")
	ErrUnexpectedStatus  = errors.New("unexpected chat store response status")
	ErrMalformedResponse = errors.New("malformed chat store response")
)

type (
	Credentials interface {
		Token() string
	}

	// GenericResponse is the storefront API envelope.
	GenericResponse struct {
		Message string          `json:"message,omitempty"`
		Error   string          `json:"error,omitempty"`
		Data    json.RawMessage `json:"data,omitempty"`
	}

	SendRequest struct {
		Content string `json:"content"`
	}

	unreadResponse struct {
		Count int `json:"count"`
	}

	Config struct {
		Logger         *zerolog.Logger
		Credentials    Credentials
		BaseURL        string
		RequestTimeout time.Duration
		HTTPClient     *http.Client
	}

	Client struct {
		base   *url.URL
		creds  Credentials
		http   *http.Client
		logger zerolog.Logger
	}
)

func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse chat store url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("chat store url scheme must be http or https, got %q", base.Scheme)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		base:   base,
		creds:  cfg.Credentials,
		http:   hc,
		logger: cfg.Logger.With().Str("component", "chat-store").Logger(),
	}, nil
}

func (c *Client) ListRooms(ctx context.Context) ([]model.Room, error) {
	var rooms []model.Room
	if err := c.do(ctx, http.MethodGet, "/api/chat/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (c *Client) History(ctx context.Context, roomID model.RoomID) ([]model.Message, error) {
	var msgs []model.Message
	if err := c.do(ctx, http.MethodGet, "/api/chat/rooms/"+roomID.String()+"/messages", nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) SendMessage(ctx context.Context, roomID model.RoomID, content string) (model.Message, error) {
	var msg model.Message
	err := c.do(ctx, http.MethodPost, "/api/chat/rooms/"+roomID.String()+"/messages",
		&SendRequest{Content: content}, &msg)
	return msg, err
}

func (c *Client) UnreadCount(ctx context.Context, roomID model.RoomID) (int, error) {
	var resp unreadResponse
	if err := c.do(ctx, http.MethodGet, "/api/chat/rooms/"+roomID.String()+"/unread-count", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) RoomForOrder(ctx context.Context, orderID int64) (model.Room, error) {
	var room model.Room
	err := c.do(ctx, http.MethodGet, "/api/chat/rooms/order/"+strconv.FormatInt(orderID, 10), nil, &room)
	return room, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	token := c.creds.Token()
	if token == "" {
		return ErrNoCredential
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logger := c.logger.With().Str("method", method).Str("path", path).Logger()
	logger.Trace().Msg("chat store request")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope GenericResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err = json.Unmarshal(raw, &envelope); err != nil && resp.StatusCode < 300 {
			return errors.Join(ErrMalformedResponse, err)
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		logger.Warn().Int("status", resp.StatusCode).Msg("chat store rejected credential")
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		logger.Error().Int("status", resp.StatusCode).Str("error", envelope.Error).Msg("chat store request failed")
		return fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, envelope.Error)
	}

	if out == nil || len(envelope.Data) == 0 || bytes.Equal(envelope.Data, []byte("null")) {
		return nil
	}
	if err = json.Unmarshal(envelope.Data, out); err != nil {
		return errors.Join(ErrMalformedResponse, err)
	}
	return nil
}
