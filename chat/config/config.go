// Package config loads the chat client settings from flags, environment and
// an optional yaml file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "STOREFRONT_CHAT"

	TransportStomp    = "stomp"
	TransportLoopback = "loopback"

	defaultWSPath = "/ws"
)

var (
	ErrBadTransport = errors.New("unknown transport")
	ErrNoAPIURL     = errors.New("api url is required")
	ErrBadURL       = errors.New("invalid url")
)

type Config struct {
	APIURL           string        `mapstructure:"api-url"`
	WSURL            string        `mapstructure:"ws-url"`
	Token            string        `mapstructure:"token"`
	LogLevel         string        `mapstructure:"log-level"`
	Room             int64         `mapstructure:"room"`
	Order            int64         `mapstructure:"order"`
	Transport        string        `mapstructure:"transport"`
	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout"`
	RequestTimeout   time.Duration `mapstructure:"request-timeout"`
	PingInterval     time.Duration `mapstructure:"ping-interval"`
}

// Load parses args (without the program name). A missing default config
// file is not an error; a missing file named with --config is.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("chat", pflag.ContinueOnError)
	fs.StringP("api-url", "a", "http://localhost:8080", "storefront api base url")
	fs.StringP("ws-url", "w", "", "live chat websocket url, derived from api url if empty")
	fs.StringP("token", "t", "", "bearer token of the signed-in user")
	fs.StringP("log-level", "l", "info", "log level")
	fs.Int64P("room", "r", 0, "room to open on start")
	fs.Int64P("order", "o", 0, "open the room of this order on start")
	fs.String("transport", TransportStomp, "live transport: stomp or loopback")
	fs.Duration("handshake-timeout", 10*time.Second, "live transport handshake timeout")
	fs.Duration("request-timeout", 10*time.Second, "chat store request timeout")
	fs.Duration("ping-interval", 30*time.Second, "websocket ping interval")
	configFile := fs.StringP("config", "c", "", "config file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if *configFile != "" {
		v.SetConfigFile(*configFile)
	} else {
		v.SetConfigName("chat")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/storefront-chat")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if *configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Transport {
	case TransportStomp, TransportLoopback:
	default:
		return fmt.Errorf("%w: %q", ErrBadTransport, c.Transport)
	}
	if c.Transport == TransportLoopback {
		return nil
	}
	if c.APIURL == "" {
		return ErrNoAPIURL
	}
	if c.WSURL == "" {
		ws, err := WebSocketURL(c.APIURL)
		if err != nil {
			return err
		}
		c.WSURL = ws
	}
	return nil
}

// WebSocketURL derives the live endpoint from the api base url.
func WebSocketURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", errors.Join(ErrBadURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrBadURL, u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + defaultWSPath
	return u.String(), nil
}
