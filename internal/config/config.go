// Package config provides configuration for the chat server and client.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Server holds the chatd configuration.
type Server struct {
	// Server settings
	Port int `envconfig:"PORT" default:"8090"`

	// Database
	DatabaseURL string `envconfig:"DATABASE_URL" default:"file:chat.db?cache=shared&mode=rwc"`

	// WebSocket settings
	PingInterval   time.Duration `envconfig:"WS_PING_INTERVAL" default:"30s"`
	WriteTimeout   time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"10s"`
	ReadTimeout    time.Duration `envconfig:"WS_READ_TIMEOUT" default:"60s"`
	MaxMessageSize int64         `envconfig:"WS_MAX_MESSAGE_SIZE" default:"65536"`
	SendBuffer     int           `envconfig:"WS_SEND_BUFFER" default:"256"`

	// SessionExpiry is how long a registered session may go without a heartbeat.
	SessionExpiry time.Duration `envconfig:"SESSION_EXPIRY" default:"90s"`
	SweepInterval time.Duration `envconfig:"SESSION_SWEEP_INTERVAL" default:"15s"`

	// Limits
	MaxContentLength int     `envconfig:"MAX_CONTENT_LENGTH" default:"4000"`
	TypingRPS        float64 `envconfig:"TYPING_RPS" default:"5"`
	TypingBurst      int     `envconfig:"TYPING_BURST" default:"10"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Client holds the chatcli configuration.
type Client struct {
	ServerURL string `envconfig:"SERVER_URL" default:"http://localhost:8090"`
	UserID    string `envconfig:"USER_ID"`

	Heartbeat      time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	ReconnectMin   time.Duration `envconfig:"RECONNECT_MIN" default:"1s"`
	ReconnectMax   time.Duration `envconfig:"RECONNECT_MAX" default:"5s"`
	PollInterval   time.Duration `envconfig:"POLL_INTERVAL" default:"10s"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`

	// RESTFallbackSend submits sends over REST while the socket is down
	// instead of holding them until reconnect.
	RESTFallbackSend bool `envconfig:"REST_FALLBACK_SEND" default:"false"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"warn"`
}

// LoadServer loads server configuration from the environment, after an optional .env file.
func LoadServer() (*Server, error) {
	_ = godotenv.Load()
	var cfg Server
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}
	return &cfg, nil
}

// LoadClient loads client configuration from the environment, after an optional .env file.
func LoadClient() (*Client, error) {
	_ = godotenv.Load()
	var cfg Client
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load client config: %w", err)
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	return &cfg, nil
}

// DefaultServer returns the server defaults without reading the environment.
func DefaultServer() *Server {
	return &Server{
		Port:             8090,
		DatabaseURL:      ":memory:",
		PingInterval:     30 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		MaxMessageSize:   65536,
		SendBuffer:       256,
		SessionExpiry:    90 * time.Second,
		SweepInterval:    15 * time.Second,
		MaxContentLength: 4000,
		TypingRPS:        5,
		TypingBurst:      10,
		LogLevel:         "info",
	}
}

// DefaultClient returns the client defaults without reading the environment.
func DefaultClient() *Client {
	return &Client{
		ServerURL:      "http://localhost:8090",
		Heartbeat:      30 * time.Second,
		ReconnectMin:   time.Second,
		ReconnectMax:   5 * time.Second,
		PollInterval:   10 * time.Second,
		RequestTimeout: 15 * time.Second,
		LogLevel:       "warn",
	}
}
