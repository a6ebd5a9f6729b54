// Package config loads server settings from the environment, optionally
// seeded from a .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Store backends.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds every tunable of the chat server.
type Config struct {
	ListenAddr     string
	StoreType      string
	RedisURL       string // redis://... URL or host:port
	NATSURL        string // empty runs a single instance without relay
	ServerName     string
	RoomTTL        time.Duration
	MessageTTL     time.Duration
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	EventTimeout   time.Duration // deadline for the store calls of one client event
	LogLevel       logrus.Level
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	name, _ := os.Hostname()
	if name == "" {
		name = "pairchat-1"
	}
	return Config{
		ListenAddr:     ":8080",
		StoreType:      StoreRedis,
		RedisURL:       "localhost:6379",
		ServerName:     name,
		RoomTTL:        time.Hour,
		MessageTTL:     time.Hour,
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    10 * time.Second,
		EventTimeout:   5 * time.Second,
		LogLevel:       logrus.InfoLevel,
	}
}

// Load reads .env (if present) into the process environment and then builds
// the configuration from it.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: read .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds the configuration from lookup, falling back to Default for
// unset variables.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	p.str("LISTEN_ADDR", &cfg.ListenAddr)
	p.str("STORE_TYPE", &cfg.StoreType)
	p.str("REDIS_ADDR", &cfg.RedisURL)
	p.str("REDIS_URL", &cfg.RedisURL)
	p.str("NATS_URL", &cfg.NATSURL)
	p.str("SERVER_NAME", &cfg.ServerName)
	p.ttl("ROOM_TTL", &cfg.RoomTTL)
	p.ttl("MESSAGE_TTL", &cfg.MessageTTL)
	p.positive("WORKER_POOL_SIZE", &cfg.WorkerPoolSize)
	p.positive("MAX_CONNECTIONS", &cfg.MaxConnections)
	p.duration("READ_TIMEOUT", &cfg.ReadTimeout)
	p.duration("WRITE_TIMEOUT", &cfg.WriteTimeout)
	p.duration("PING_INTERVAL", &cfg.PingInterval)
	p.duration("PONG_TIMEOUT", &cfg.PongTimeout)
	p.duration("EVENT_TIMEOUT", &cfg.EventTimeout)
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		level, err := logrus.ParseLevel(v)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("LOG_LEVEL: %w", err))
		} else {
			cfg.LogLevel = level
		}
	}

	switch cfg.StoreType {
	case StoreRedis, StoreMemory:
	default:
		p.errs = append(p.errs, fmt.Errorf("STORE_TYPE: unknown store %q", cfg.StoreType))
	}

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) get(name string) (string, bool) {
	v, ok := p.lookup(name)
	return v, ok && v != ""
}

func (p *parser) str(name string, dst *string) {
	if v, ok := p.get(name); ok {
		*dst = v
	}
}

func (p *parser) positive(name string, dst *int) {
	v, ok := p.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		p.errs = append(p.errs, fmt.Errorf("%s: want a positive integer, got %q", name, v))
		return
	}
	*dst = n
}

func (p *parser) duration(name string, dst *time.Duration) {
	v, ok := p.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", name, v))
		return
	}
	*dst = d
}

// ttl accepts whole seconds ("3600") or a Go duration ("1h").
func (p *parser) ttl(name string, dst *time.Duration) {
	v, ok := p.get(name)
	if !ok {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			p.errs = append(p.errs, fmt.Errorf("%s: must be positive, got %q", name, v))
			return
		}
		*dst = time.Duration(secs) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid ttl %q", name, v))
		return
	}
	*dst = d
}
