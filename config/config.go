package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Host            string        `env:"CHAT_HOST, default=0.0.0.0"`
	Port            int           `env:"CHAT_PORT, default=5555"`
	DBPath          string        `env:"CHAT_DB_PATH, default=chat_app.db"`
	ReadTimeout     time.Duration `env:"CHAT_READ_TIMEOUT, default=0s"` // 0 = wait forever
	WriteTimeout    time.Duration `env:"CHAT_WRITE_TIMEOUT, default=10s"`
	MaxFrameSize    int           `env:"CHAT_MAX_FRAME_SIZE, default=65536"`
	MaxAuthAttempts int           `env:"CHAT_MAX_AUTH_ATTEMPTS, default=5"` // 0 = unlimited
	ControlSocket   string        `env:"CHAT_CONTROL_SOCKET, default=/tmp/chatrelay.sock"`
	MetricsAddr     string        `env:"CHAT_METRICS_ADDR"`

	Log LogConfig
}

type LogConfig struct {
	Level  string `env:"CHAT_LOG_LEVEL, default=info"`
	Pretty bool   `env:"CHAT_LOG_PRETTY, default=false"`
}

// Load reads an optional .env file and then the process environment.
func Load(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.DBPath == "" {
		return errors.New("config: db path is required")
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("config: invalid max frame size %d", c.MaxFrameSize)
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return errors.New("config: timeouts must not be negative")
	}
	if c.MaxAuthAttempts < 0 {
		return fmt.Errorf("config: invalid max auth attempts %d", c.MaxAuthAttempts)
	}
	return nil
}

// Addr is the listen address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
