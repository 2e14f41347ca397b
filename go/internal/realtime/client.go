package realtime

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Transport selects the channel implementation.
type Transport string

const (
	TransportWebsocket Transport = "websocket"
	TransportNATS      Transport = "nats"
)

// Config holds transport settings for the process-wide realtime client.
type Config struct {
	Transport Transport `yaml:"transport"`
	URL       string    `yaml:"url"`
	APIKey    string    `yaml:"api_key"`
}

// ConfigFromEnv reads REALTIME_* environment variables (with defaults). A
// .env file is loaded best-effort first.
func ConfigFromEnv() Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}
	return Config{
		Transport: Transport(getEnv("REALTIME_TRANSPORT", string(TransportWebsocket))),
		URL:       getEnv("REALTIME_URL", "ws://localhost:4000/socket/websocket"),
		APIKey:    getEnv("REALTIME_API_KEY", ""),
	}
}

// LoadConfig reads transport settings from a yaml file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Client opens session channels over one shared transport connection.
// Exactly one transport connection per process is desired, so the client is
// a process-wide singleton behind Get.
type Client struct {
	cfg Config
}

// The runtime drives all channel work from one logical event loop, so
// initialization is guarded by a single-assignment check, not a mutex.
var defaultClient *Client

// Configure sets the process-wide client configuration. It must be called
// before the first Get; later calls are ignored.
func Configure(cfg Config) {
	if defaultClient != nil {
		log.Warn().Msg("realtime client already configured, ignoring")
		return
	}
	defaultClient = &Client{cfg: cfg}
}

// Get returns the process-wide client, lazily initializing it from the
// environment if Configure was never called.
func Get() *Client {
	if defaultClient == nil {
		defaultClient = &Client{cfg: ConfigFromEnv()}
	}
	return defaultClient
}

// Subscribe opens a channel for one session on the configured transport.
func (c *Client) Subscribe(ctx context.Context, sessionID uuid.UUID) (Channel, error) {
	switch c.cfg.Transport {
	case TransportNATS:
		return SubscribeNATS(ctx, c.cfg.URL, sessionID, nil)
	case TransportWebsocket, "":
		return SubscribeWebsocket(ctx, c.cfg, sessionID)
	default:
		return nil, fmt.Errorf("unknown realtime transport %q", c.cfg.Transport)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
