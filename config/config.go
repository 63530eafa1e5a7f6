// Package config holds the environment-driven settings of the hackmate client
// and the team-room relay, plus the websocket timing shared by both ends.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Websocket timing shared by the client transport and the relay.
const (
	WriteWait      = 10 * time.Second    // Time allowed to write a message to the peer
	PongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer
	PingPeriod     = (PongWait * 9) / 10 // Send pings to peer with this period, must be less than PongWait
	MaxMessageSize = 16 * 1024           // Maximum frame size allowed from peer
)

// Client configures the hackmate client.
type Client struct {
	APIURL    string        `env:"HACKMATE_API_URL"    envDefault:"http://localhost:3000"`
	WSURL     string        `env:"HACKMATE_WS_URL"     envDefault:"ws://localhost:3000/ws"`
	StorePath string        `env:"HACKMATE_STORE_PATH" envDefault:"hackmate.db"`
	LogLevel  string        `env:"HACKMATE_LOG_LEVEL"  envDefault:"info"`
	CacheTTL  time.Duration `env:"HACKMATE_CACHE_TTL"  envDefault:"2m"`

	HTTPTimeout time.Duration `env:"HACKMATE_HTTP_TIMEOUT" envDefault:"10s"`
	DialTimeout time.Duration `env:"HACKMATE_DIAL_TIMEOUT" envDefault:"10s"`
	PingPeriod  time.Duration `env:"HACKMATE_PING_PERIOD"  envDefault:"54s"`

	ReconnectInitial     time.Duration `env:"HACKMATE_RECONNECT_INITIAL"      envDefault:"500ms"`
	ReconnectMax         time.Duration `env:"HACKMATE_RECONNECT_MAX"          envDefault:"30s"`
	ReconnectMaxAttempts int           `env:"HACKMATE_RECONNECT_MAX_ATTEMPTS" envDefault:"8"`

	// ProbeAddr is dialed periodically to observe connectivity. Empty means the
	// client assumes it is always online.
	ProbeAddr     string        `env:"HACKMATE_PROBE_ADDR"`
	ProbeInterval time.Duration `env:"HACKMATE_PROBE_INTERVAL" envDefault:"5s"`
}

// Relay configures the team-room relay server.
type Relay struct {
	Addr          string        `env:"RELAY_ADDR"           envDefault:":3000"`
	NatsURL       string        `env:"RELAY_NATS_URL"`
	StreamName    string        `env:"RELAY_STREAM_NAME"    envDefault:"TEAMROOMS"`
	SubjectPrefix string        `env:"RELAY_SUBJECT_PREFIX" envDefault:"teamroom"`
	JWTSecret     string        `env:"RELAY_JWT_SECRET"     envDefault:"dev-secret-change-me"`
	TokenTTL      time.Duration `env:"RELAY_TOKEN_TTL"      envDefault:"1h"`
	LogLevel      string        `env:"RELAY_LOG_LEVEL"      envDefault:"info"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadClient reads the client configuration from the environment.
func LoadClient() (Client, error) {
	var cfg Client
	if err := ParseEnv(&cfg); err != nil {
		return Client{}, err
	}
	if cfg.ReconnectMaxAttempts < 1 {
		return Client{}, fmt.Errorf("parse env: HACKMATE_RECONNECT_MAX_ATTEMPTS must be positive, got %d", cfg.ReconnectMaxAttempts)
	}
	return cfg, nil
}

// LoadRelay reads the relay configuration from the environment.
func LoadRelay() (Relay, error) {
	var cfg Relay
	if err := ParseEnv(&cfg); err != nil {
		return Relay{}, err
	}
	if cfg.JWTSecret == "" {
		return Relay{}, fmt.Errorf("parse env: RELAY_JWT_SECRET must not be empty")
	}
	return cfg, nil
}

// ParseClientFlags loads the client configuration from the environment and
// lets flags override it.
func ParseClientFlags(fs *flag.FlagSet, args []string) (Client, error) {
	cfg, err := LoadClient()
	if err != nil {
		return Client{}, err
	}
	fs.StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "platform API base URL")
	fs.StringVar(&cfg.WSURL, "ws-url", cfg.WSURL, "team-room websocket URL")
	fs.StringVar(&cfg.StorePath, "store", cfg.StorePath, "bbolt file for the token and listing cache")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", cfg.CacheTTL, "listing cache freshness window")
	fs.StringVar(&cfg.ProbeAddr, "probe-addr", cfg.ProbeAddr, "host:port dialed to detect connectivity")
	if err := fs.Parse(args); err != nil {
		return Client{}, fmt.Errorf("parse flags: %w", err)
	}
	return cfg, nil
}

// ParseRelayFlags loads the relay configuration from the environment and
// lets flags override it.
func ParseRelayFlags(fs *flag.FlagSet, args []string) (Relay, error) {
	cfg, err := LoadRelay()
	if err != nil {
		return Relay{}, err
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "relay listen address")
	fs.StringVar(&cfg.NatsURL, "nats-url", cfg.NatsURL, "NATS server URL; empty runs an in-process broker")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return Relay{}, fmt.Errorf("parse flags: %w", err)
	}
	return cfg, nil
}
