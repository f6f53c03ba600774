package serve

import (
	"errors"
	"net/http"
	"time"
)

// Config holds configuration for the Server.
type Config struct {
	// Address is the listen address.
	// Default: ":8080".
	Address string

	// ReadHeaderTimeout is the maximum time to read request headers.
	// Default: 10 seconds.
	ReadHeaderTimeout time.Duration

	// ReadTimeout is the maximum time to read a full request.
	// Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to write a response.
	// Default: 60 seconds.
	WriteTimeout time.Duration

	// IdleTimeout is how long keep-alive connections may sit idle.
	// Default: 120 seconds.
	IdleTimeout time.Duration

	// DrainTimeout is the soft-close window granted to in-flight
	// exchanges during shutdown before they are hard-closed.
	// Default: 15 seconds.
	DrainTimeout time.Duration

	// ShutdownTimeout bounds the whole Shutdown call, including the
	// drain window. Default: 30 seconds.
	ShutdownTimeout time.Duration

	// ReadBufferSize is the websocket upgrader read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the websocket upgrader write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// CheckOrigin validates upgrade request origins.
	// Default: same-origin only (the gorilla default).
	CheckOrigin func(r *http.Request) bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:           ":8080",
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		DrainTimeout:      15 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Address == "" {
		return errors.New("serve: empty listen address")
	}
	if c.DrainTimeout > c.ShutdownTimeout {
		return errors.New("serve: DrainTimeout exceeds ShutdownTimeout")
	}
	return nil
}

// withDefaults fills unset fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	if c == nil {
		return DefaultConfig()
	}
	defaults := DefaultConfig()
	if c.Address == "" {
		c.Address = defaults.Address
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = defaults.ReadHeaderTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = defaults.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaults.IdleTimeout
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = defaults.DrainTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = defaults.ReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = defaults.WriteBufferSize
	}
	return c
}
