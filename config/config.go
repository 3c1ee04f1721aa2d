package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DefaultRelays is the fallback target set when neither the environment
// nor the caller names any relay.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.nostr.band",
}

// PoolConfig is the environment-driven configuration of the client.
// Relay groups use the form "name=url|url;name2=url".
type PoolConfig struct {
	DatabasePath          string            `env:"DATABASE_PATH" envDefault:"nrp.db"`
	NostrRelays           []string          `env:"NOSTR_RELAYS" envSeparator:";"`
	RelayGroups           map[string]string `env:"RELAY_GROUPS" envSeparator:";" envKeyValSeparator:"="`
	ResponseTimeout       time.Duration     `env:"RESPONSE_TIMEOUT" envDefault:"10s"`
	StreamingBufferWindow time.Duration     `env:"STREAMING_BUFFER_WINDOW" envDefault:"100ms"`
	IdleTimeout           time.Duration     `env:"IDLE_TIMEOUT" envDefault:"5m"`
}

// Groups splits the raw group values on "|" into relay URL lists.
func (c *PoolConfig) Groups() map[string][]string {
	groups := make(map[string][]string, len(c.RelayGroups))
	for name, urls := range c.RelayGroups {
		groups[name] = strings.Split(urls, "|")
	}
	return groups
}

// Relays returns the configured default relays, falling back to the
// built-in set.
func (c *PoolConfig) Relays() []string {
	if len(c.NostrRelays) > 0 {
		return c.NostrRelays
	}
	return DefaultRelays
}

// load the and marshal Configuration from .env file from the UserHomeDir
// if this file was not found, fallback to a .env file in the current
// directory, and then to the os environment variables
func LoadConfig[T any]() (*T, error) {
	// load current users home directory as a string
	homeDir, err := os.UserHomeDir()
	if err != nil {
		slog.Error("error loading home directory", "error", err)
	}
	// check if .env file exist in the home directory
	// if it does, load the configuration from it
	// else fallback to ./.env and the os environment variables
	if _, err := os.Stat(homeDir + "/.env"); err == nil {
		// load configuration from .env file
		return loadFromEnv[T](homeDir + "/.env")
	} else if _, err := os.Stat(".env"); err == nil {
		// load configuration from .env file in current directory
		return loadFromEnv[T]("")
	} else {
		// load configuration from os environment variables
		return loadFromEnv[T]("")
	}
}

// loadFromEnv loads the configuration from the specified .env file path.
// If the path is empty, it loads .env from the current directory when
// present and otherwise uses the process environment alone.
func loadFromEnv[T any](path string) (*T, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("could not load %s: %w", path, err)
		}
	} else {
		_ = godotenv.Load()
	}
	cfg, err := env.ParseAs[T]()
	if err != nil {
		return nil, fmt.Errorf("could not parse environment: %w", err)
	}
	return &cfg, nil
}
