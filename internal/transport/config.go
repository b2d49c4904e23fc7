package transport

import (
	"strings"
	"time"
)

// SecurityMode selects how strictly transport security is enforced.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// BackoffConfig defines connect retry backoff inside one acquisition.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       float64
}

// TLSConfig describes client-side transport security.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
	// SystemRoots trusts the host root store when no CAFile is set.
	SystemRoots bool
}

// Config defines how the Transport Handle is acquired.
type Config struct {
	Target            string
	SecurityMode      SecurityMode
	TLS               TLSConfig
	ConnectTimeout    time.Duration
	// KeepaliveTime enables client pings on an idle connection when > 0.
	KeepaliveTime     time.Duration
	KeepaliveTimeout  time.Duration
	MinConnectTimeout time.Duration
	Backoff           BackoffConfig
}

// DefaultConfig returns connection defaults for a development target.
func DefaultConfig() Config {
	return Config{
		SecurityMode:      SecurityModeDevelopment,
		ConnectTimeout:    10 * time.Second,
		MinConnectTimeout: 5 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   1.6,
			MaxDelay:     5 * time.Second,
			Jitter:       0.2,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.Target = strings.TrimSpace(c.Target)
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.KeepaliveTime > 0 && c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = 10 * time.Second
	}
	if c.MinConnectTimeout <= 0 {
		c.MinConnectTimeout = def.MinConnectTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1 {
		c.Backoff.Jitter = def.Backoff.Jitter
	}
	return c
}
