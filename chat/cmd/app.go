package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/adwski/storefront-chat/chat/config"
	"github.com/adwski/storefront-chat/chat/connection"
	durable "github.com/adwski/storefront-chat/chat/durable/http"
	"github.com/adwski/storefront-chat/chat/model"
	"github.com/adwski/storefront-chat/chat/service"
	"github.com/adwski/storefront-chat/chat/session"
	"github.com/adwski/storefront-chat/chat/transport"
	"github.com/adwski/storefront-chat/chat/transport/stomp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	sess := session.New()
	var (
		dialer transport.Dialer
		store  service.Durable
	)
	switch cfg.Transport {
	case config.TransportLoopback:
		dialer, store, err = newLoopback(&logger, sess, cfg.Token)
	default:
		dialer, store, err = newRemote(&logger, cfg, sess)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up chat transport")
	}

	term := newTerminal(os.Stdout)
	svc := service.NewService(service.Config{
		Logger:   &logger,
		Session:  sess,
		Dialer:   dialer,
		Durable:  store,
		Observer: term.onMessage,
	})
	term.svc = svc
	defer svc.Close()
	svc.OnStatus(func(s connection.State) { term.printf("* %s\n", s) })

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err = svc.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("live chat unavailable, messages go through chat store")
	}

	roomID := model.RoomID(cfg.Room)
	if cfg.Order != 0 {
		room, errR := svc.RoomForOrder(ctx, cfg.Order)
		if errR != nil {
			logger.Error().Err(errR).Int64("order", cfg.Order).Msg("cannot resolve order room")
		} else {
			roomID = room.ID
		}
	}
	if roomID != model.NoRoom {
		term.open(ctx, roomID)
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)

Loop:
	for {
		select {
		case <-ctx.Done():
			logger.Warn().Msg("interrupted")
			break Loop
		case line, ok := <-lines:
			if !ok || term.handle(ctx, line) {
				break Loop
			}
		}
	}
}

func newRemote(logger *zerolog.Logger, cfg *config.Config, sess *session.Store) (transport.Dialer, service.Durable, error) {
	if cfg.Token != "" {
		if u, err := sess.SetToken(cfg.Token); err != nil {
			logger.Error().Err(err).Msg("token rejected, continuing signed out")
		} else {
			logger.Info().Str("user", u.Username).Msg("signed in")
		}
	}
	dialer, err := stomp.NewDialer(stomp.Config{
		Logger:           logger,
		URL:              cfg.WSURL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		PingInterval:     cfg.PingInterval,
	})
	if err != nil {
		return nil, nil, err
	}
	store, err := durable.NewClient(durable.Config{
		Logger:         logger,
		Credentials:    sess,
		BaseURL:        cfg.APIURL,
		RequestTimeout: cfg.RequestTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	return dialer, store, nil
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines <- sc.Text()
	}
}
