// Package config reads the application settings from the environment.
package config

import (
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/lexcab/dossiermail/internal/homedir"
)

type Config struct {
	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite3"`
	// A file path for sqlite3, a connection string for pgx.
	DBDSN string `env:"DB_DSN" envDefault:"~/.dossiermail.db"`

	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL" envDefault:"http://localhost:8080/api/gmail/callback"`

	// Shared secret the scheduler presents as a bearer token.
	CronSecret    string `env:"CRON_SECRET"`
	DefaultSender string `env:"DEFAULT_SENDER"`

	HTTPAddr       string `env:"HTTP_ADDR" envDefault:"127.0.0.1:8080"`
	SyncMaxResults int64  `env:"SYNC_MAX_RESULTS" envDefault:"20"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return load(env.Options{})
}

func load(opts env.Options) (*Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return nil, errors.Wrap(err, "could not parse configuration")
	}
	switch c.DBDriver {
	case "sqlite3":
		dsn, err := homedir.Expand(c.DBDSN)
		if err != nil {
			return nil, err
		}
		c.DBDSN = dsn
	case "pgx":
	default:
		return nil, errors.Errorf("DB_DRIVER %q is neither sqlite3 nor pgx", c.DBDriver)
	}
	if c.SyncMaxResults <= 0 {
		return nil, errors.Errorf("SYNC_MAX_RESULTS must be positive, got %d", c.SyncMaxResults)
	}
	if _, err := c.Level(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Level returns the configured log level.
func (c *Config) Level() (zerolog.Level, error) {
	l, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.NoLevel, errors.Wrapf(err, "LOG_LEVEL %q", c.LogLevel)
	}
	return l, nil
}

// OAuthConfigured reports whether the Google client credentials are
// set.
func (c *Config) OAuthConfigured() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}
