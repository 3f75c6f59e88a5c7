// Package config loads the TOML configuration used to wire imapd's
// collaborators: listen addresses, capability strings, the maximum APPEND
// message size, STARTTLS certificate paths, and the demo store's DSN.
// Grounded on esukram-ro-imap-proxy/internal/config/config.go's
// toml.DecodeFile-plus-validation shape.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level decoded configuration document.
type Config struct {
	Server       ServerConfig       `toml:"server"`
	Capabilities CapabilitiesConfig `toml:"capabilities"`
	Store        StoreConfig        `toml:"store"`
}

type ServerConfig struct {
	Listen         string `toml:"listen"`
	StartTLSListen string `toml:"starttls_listen"`
	CertFile       string `toml:"cert_file"`
	KeyFile        string `toml:"key_file"`
	MaxMsgSize     int64  `toml:"max_msg_size"`
	IdlePoll       string `toml:"idle_poll"`
}

// IdlePollDuration parses IdlePoll, defaulting to 29 minutes (the advisory
// interval RFC 2177 recommends clients re-issue IDLE at) when unset. The
// server itself imposes no session idle timeout; this is purely
// informational for operators wiring a client-facing keepalive.
func (s ServerConfig) IdlePollDuration() (time.Duration, error) {
	if s.IdlePoll == "" {
		return 29 * time.Minute, nil
	}
	return time.ParseDuration(s.IdlePoll)
}

type CapabilitiesConfig struct {
	Unauthenticated []string `toml:"unauthenticated"`
	Authenticated   []string `toml:"authenticated"`
}

type StoreConfig struct {
	DSN string `toml:"dsn"`
}

// Load reads a TOML config file from path, validates it, and returns the
// Config.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the configuration's basic invariants: a listen
// address is present, max_msg_size is positive, STARTTLS cert/key paths
// are paired, and capability lists are non-empty.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("config: server.listen must be set")
	}
	if c.Server.MaxMsgSize <= 0 {
		return fmt.Errorf("config: server.max_msg_size must be > 0")
	}
	if c.Server.StartTLSListen != "" && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return fmt.Errorf("config: starttls_listen set without cert_file/key_file")
	}
	if len(c.Capabilities.Unauthenticated) == 0 {
		return fmt.Errorf("config: capabilities.unauthenticated must not be empty")
	}
	if len(c.Capabilities.Authenticated) == 0 {
		return fmt.Errorf("config: capabilities.authenticated must not be empty")
	}
	if _, err := c.Server.IdlePollDuration(); err != nil {
		return fmt.Errorf("config: invalid idle_poll: %w", err)
	}
	return nil
}

// StartTLSEnabled reports whether the server should advertise and accept
// STARTTLS, i.e. a cert/key pair was configured.
func (c *Config) StartTLSEnabled() bool {
	return c.Server.CertFile != "" && c.Server.KeyFile != ""
}
