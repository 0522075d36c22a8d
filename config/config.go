package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	// ServerAddr is the default host:port of the chat backend.
	ServerAddr = "localhost:8080"
	APIVersion = "v1"

	// NatsURL is used when the live connection runs over NATS.
	NatsURL       = "nats://localhost:4222"
	StreamName    = "CHAT_MESSAGES"
	SubjectPrefix = "chat"

	// Websocket tuning, shared with the server side of the protocol.
	MaxMessageSize = 64 * 1024
	PongWait       = 60 * time.Second
	PingPeriod     = (PongWait * 9) / 10
	WriteWait      = 10 * time.Second

	RequestTimeout = 5 * time.Second

	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

type APIConfig struct {
	Scheme  string        `mapstructure:"scheme" validate:"oneof=http https"`
	Host    string        `mapstructure:"host" validate:"required"`
	Port    int           `mapstructure:"port" validate:"min=1,max=65535"`
	Version string        `mapstructure:"version" validate:"required"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Retries uint64        `mapstructure:"retries"`
}

// BaseURL is the REST root, e.g. http://localhost:8080/api/v1.
func (c APIConfig) BaseURL() string {
	return fmt.Sprintf("%s://%s/api/%s", c.Scheme, c.hostPort(), c.Version)
}

// ConnectURL is the websocket connect root; the user id is appended per dial.
func (c APIConfig) ConnectURL() string {
	scheme := "ws"
	if c.Scheme == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/api/%s/ws/connect", scheme, c.hostPort(), c.Version)
}

func (c APIConfig) hostPort() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type NATSConfig struct {
	URL           string `mapstructure:"url" validate:"required"`
	StreamName    string `mapstructure:"stream_name" validate:"required"`
	SubjectPrefix string `mapstructure:"subject_prefix" validate:"required"`
}

type TransportConfig struct {
	Kind             string        `mapstructure:"kind" validate:"oneof=websocket nats"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" validate:"gt=0"`
	PingInterval     time.Duration `mapstructure:"ping_interval" validate:"gt=0,ltfield=PongWait"`
	PongWait         time.Duration `mapstructure:"pong_wait" validate:"gt=0"`
	WriteWait        time.Duration `mapstructure:"write_wait" validate:"gt=0"`
	MaxMessageSize   int64         `mapstructure:"max_message_size" validate:"gt=0"`
	SendBuffer       int           `mapstructure:"send_buffer" validate:"gt=0"`
	NATS             NATSConfig    `mapstructure:"nats"`
}

type ReconnectConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	InitialInterval time.Duration `mapstructure:"initial_interval" validate:"gt=0"`
	MaxInterval     time.Duration `mapstructure:"max_interval" validate:"gtefield=InitialInterval"`
	// MaxElapsed of zero retries until the screen closes.
	MaxElapsed time.Duration `mapstructure:"max_elapsed"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

type Config struct {
	Env       string          `mapstructure:"env"`
	API       APIConfig       `mapstructure:"api"`
	Transport TransportConfig `mapstructure:"transport"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Log       LogConfig       `mapstructure:"log"`
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "" || c.Env == "development"
}

// Validate checks the struct tags above.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	host, port, _ := net.SplitHostPort(ServerAddr)
	portNum, _ := strconv.Atoi(port)

	v.SetDefault("env", "development")

	v.SetDefault("api.scheme", "http")
	v.SetDefault("api.host", host)
	v.SetDefault("api.port", portNum)
	v.SetDefault("api.version", APIVersion)
	v.SetDefault("api.timeout", RequestTimeout)
	v.SetDefault("api.retries", 2)

	v.SetDefault("transport.kind", TransportWebSocket)
	v.SetDefault("transport.handshake_timeout", RequestTimeout)
	v.SetDefault("transport.ping_interval", PingPeriod)
	v.SetDefault("transport.pong_wait", PongWait)
	v.SetDefault("transport.write_wait", WriteWait)
	v.SetDefault("transport.max_message_size", MaxMessageSize)
	v.SetDefault("transport.send_buffer", 256)
	v.SetDefault("transport.nats.url", NatsURL)
	v.SetDefault("transport.nats.stream_name", StreamName)
	v.SetDefault("transport.nats.subject_prefix", SubjectPrefix)

	v.SetDefault("reconnect.enabled", false)
	v.SetDefault("reconnect.initial_interval", 500*time.Millisecond)
	v.SetDefault("reconnect.max_interval", 30*time.Second)
	v.SetDefault("reconnect.max_elapsed", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
}

// Default returns the built-in configuration without reading files or env.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	// Unmarshalling the defaults alone cannot fail.
	_ = v.Unmarshal(&c)
	return &c
}

// Load reads path (optional, any format viper understands) and CHAT_* env
// overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
