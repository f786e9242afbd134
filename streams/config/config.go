// Package config declares the urfave/cli flags and environment variables
// that select and configure a streams.Provider backend, the same flag/env
// idiom the teacher's cmd/kmsServer uses for its persistence-type switch.
package config

import (
	"time"

	"github.com/urfave/cli/v2"
)

const (
	EnvBackend       = "HEXALITH_STREAMS_BACKEND"
	EnvFileRoot      = "HEXALITH_STREAMS_FILE_ROOT"
	EnvLockTimeout   = "HEXALITH_STREAMS_LOCK_TIMEOUT"
	EnvBadgerPath    = "HEXALITH_STREAMS_BADGER_PATH"
	EnvRedisAddr     = "HEXALITH_STREAMS_REDIS_ADDR"
	EnvRedisPassword = "HEXALITH_STREAMS_REDIS_PASSWORD"
	EnvRedisDB       = "HEXALITH_STREAMS_REDIS_DB"
	EnvVerbose       = "HEXALITH_STREAMS_VERBOSE"
)

// Backend names accepted by --backend / HEXALITH_STREAMS_BACKEND.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Config is the parsed, validated settings a provider constructor needs.
// FromContext fills every field from its flag (or env var or default)
// whatever the Backend; Validate checks only the fields the selected
// Backend uses.
type Config struct {
	Backend       string
	FileRoot      string
	LockTimeout   time.Duration
	BadgerPath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Verbose       bool
}

// Flags is the shared flag set a cmd/streamsctl-style binary registers on
// its cli.App, mirroring the teacher's flat flag-list-plus-EnvVars style.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "backend",
			Usage:   "storage backend: 'memory', 'file', 'badger', or 'redis'",
			Value:   BackendFile,
			EnvVars: []string{EnvBackend},
		},
		&cli.StringFlag{
			Name:    "file-root",
			Usage:   "root directory for the file backend",
			Value:   "/Hexalith/FileStreams",
			EnvVars: []string{EnvFileRoot},
		},
		&cli.DurationFlag{
			Name:    "lock-timeout",
			Usage:   "how long a session open attempt waits for an expired/contended lock",
			Value:   time.Minute,
			EnvVars: []string{EnvLockTimeout},
		},
		&cli.StringFlag{
			Name:    "badger-path",
			Usage:   "data directory for the badger backend",
			Value:   "./streams-badger",
			EnvVars: []string{EnvBadgerPath},
		},
		&cli.StringFlag{
			Name:    "redis-addr",
			Usage:   "redis server address (host:port) for the redis backend",
			Value:   "localhost:6379",
			EnvVars: []string{EnvRedisAddr},
		},
		&cli.StringFlag{
			Name:    "redis-password",
			Usage:   "redis password (optional)",
			EnvVars: []string{EnvRedisPassword},
		},
		&cli.IntFlag{
			Name:    "redis-db",
			Usage:   "redis database number",
			Value:   0,
			EnvVars: []string{EnvRedisDB},
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Usage:   "enable debug-level logging",
			EnvVars: []string{EnvVerbose},
		},
	}
}

// FromContext builds a Config from a parsed cli.Context, then validates it.
func FromContext(c *cli.Context) (*Config, error) {
	cfg := &Config{
		Backend:       c.String("backend"),
		FileRoot:      c.String("file-root"),
		LockTimeout:   c.Duration("lock-timeout"),
		BadgerPath:    c.String("badger-path"),
		RedisAddr:     c.String("redis-addr"),
		RedisPassword: c.String("redis-password"),
		RedisDB:       c.Int("redis-db"),
		Verbose:       c.Bool("verbose"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected backend has the settings it needs,
// returning a *streams.Error of Kind ConfigMissing when one is absent.
// Deliberately returns the streams error type directly (built by the
// errConfigMissing helper in errors.go) so callers can branch on
// streams.KindOf the same way they do for provider errors.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
		// no backend-specific settings; lock-timeout is checked below
	case BackendFile:
		if c.FileRoot == "" {
			return errConfigMissing("file-root")
		}
	case BackendBadger:
		if c.BadgerPath == "" {
			return errConfigMissing("badger-path")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return errConfigMissing("redis-addr")
		}
	default:
		return errConfigMissing("backend")
	}
	if c.LockTimeout <= 0 {
		return errConfigMissing("lock-timeout")
	}
	return nil
}
