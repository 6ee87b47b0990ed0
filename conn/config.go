// Package conn holds the connection configuration and the pure state
// machine that tracks a PostgreSQL session from startup to termination.
// Nothing in this package performs I/O; the embedder owns the socket and
// feeds parsed messages in.
package conn

import "fmt"

// SSLMode controls the TLS posture of the connection.
type SSLMode string

const (
	SSLDisable SSLMode = "disable"
	SSLPrefer  SSLMode = "prefer"
	SSLRequire SSLMode = "require"
)

func ParseSSLMode(s string) (SSLMode, error) {
	switch SSLMode(s) {
	case SSLDisable, SSLPrefer, SSLRequire:
		return SSLMode(s), nil
	}
	return "", fmt.Errorf("unknown sslmode %q", s)
}

// ConnectionConfig carries everything needed to open one connection. It is
// immutable for the connection's lifetime.
type ConnectionConfig struct {
	Host            string
	Port            uint16
	Database        string
	User            string
	Password        string
	SSLMode         SSLMode
	ApplicationName string
	Options         map[string]string
}

// DefaultConfig returns the conventional local defaults.
func DefaultConfig() ConnectionConfig {
	return ConnectionConfig{
		Host:    "localhost",
		Port:    5432,
		SSLMode: SSLPrefer,
	}
}

// Addr returns the dialable host:port pair.
func (c ConnectionConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// startupOptions merges the free-form options with application_name for the
// startup frame.
func (c ConnectionConfig) startupOptions() map[string]string {
	if c.ApplicationName == "" {
		return c.Options
	}
	opts := make(map[string]string, len(c.Options)+1)
	for k, v := range c.Options {
		opts[k] = v
	}
	opts["application_name"] = c.ApplicationName
	return opts
}
