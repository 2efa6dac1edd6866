// Package config loads mesh settings from MESH_* environment variables.
// Command line flags take precedence over the environment.
package config

import (
	"errors"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/pflag"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	APIListenAddr string `env:"MESH_API_LISTEN_ADDR,default=:3011"`
	WSListenAddr  string `env:"MESH_WS_LISTEN_ADDR,default=:3010"`

	LogLevel     string `env:"MESH_LOG_LEVEL,default=info"`
	LogConsole   bool   `env:"MESH_LOG_CONSOLE,default=false"`
	LogTimestamp bool   `env:"MESH_LOG_TIMESTAMP,default=true"`

	// Namespaces is a comma separated list of namespaces created
	// in addition to base, admin and runtime.
	Namespaces          string `env:"MESH_NAMESPACES"`
	MaxRoomParticipants int    `env:"MESH_MAX_ROOM_PARTICIPANTS,default=0"`

	// RedisAddr enables cross-process relay when set.
	RedisAddr   string `env:"MESH_REDIS_ADDR"`
	RedisPrefix string `env:"MESH_REDIS_PREFIX,default=roommesh:relay:"`

	DemoClient bool `env:"MESH_DEMO_CLIENT,default=false"`
}

// Load reads the environment and then applies command line args on top.
func Load(args []string) (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, errors.Join(ErrInvalidConfig, err)
	}

	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)
	fs.StringVarP(&cfg.APIListenAddr, "api-listen-addr", "a", cfg.APIListenAddr, "api listen address")
	fs.StringVarP(&cfg.WSListenAddr, "ws-listen-addr", "w", cfg.WSListenAddr, "websocket mesh listen address")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "log level")
	fs.BoolVar(&cfg.LogConsole, "log-console", cfg.LogConsole, "human readable log output")
	fs.BoolVar(&cfg.LogTimestamp, "log-timestamp", cfg.LogTimestamp, "add timestamps to log lines")
	fs.StringVarP(&cfg.Namespaces, "namespaces", "n", cfg.Namespaces, "extra namespaces, comma separated")
	fs.IntVar(&cfg.MaxRoomParticipants, "max-room-participants", cfg.MaxRoomParticipants, "room capacity, 0 is unlimited")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address for cross-process relay")
	fs.StringVar(&cfg.RedisPrefix, "redis-prefix", cfg.RedisPrefix, "redis relay channel prefix")
	fs.BoolVar(&cfg.DemoClient, "demo-client", cfg.DemoClient, "run demo participant against runtime namespace")

	if err := fs.Parse(args); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	if cfg.MaxRoomParticipants < 0 {
		return nil, errors.Join(ErrInvalidConfig, errors.New("max room participants must not be negative"))
	}
	return &cfg, nil
}

// ExtraNamespaces splits the namespace list dropping empty entries.
func (c *Config) ExtraNamespaces() []string {
	var out []string
	for _, ns := range strings.Split(c.Namespaces, ",") {
		if ns = strings.TrimSpace(ns); ns != "" {
			out = append(out, ns)
		}
	}
	return out
}
