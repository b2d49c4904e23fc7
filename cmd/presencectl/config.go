package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/presencectl/internal/presence"
	"github.com/danmuck/presencectl/internal/session"
	"github.com/danmuck/presencectl/internal/transport"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the resolved presencectl runtime setup.
type Config struct {
	ClientID    string
	WatchList   []string
	AdminAddr   string
	CORSOrigins []string
	AutoConnect bool
	Transport   transport.Config
	Session     session.Config
}

// presencectl config key mapping; the same keys are accepted from TOML and YAML.
type fileConfig struct {
	ClientID          string            `toml:"client_id" yaml:"client_id"`
	WatchList         []string          `toml:"watch_list" yaml:"watch_list"`
	Target            string            `toml:"target" yaml:"target"`
	SecurityMode      string            `toml:"security_mode" yaml:"security_mode"`
	ConnectTimeout    string            `toml:"connect_timeout" yaml:"connect_timeout"`
	GracePeriod       string            `toml:"grace_period" yaml:"grace_period"`
	ForceCloseTimeout string            `toml:"force_close_timeout" yaml:"force_close_timeout"`
	SendQueue         int               `toml:"send_queue" yaml:"send_queue"`
	KeepaliveTime     string            `toml:"keepalive_time" yaml:"keepalive_time"`
	KeepaliveTimeout  string            `toml:"keepalive_timeout" yaml:"keepalive_timeout"`
	AdminAddr         string            `toml:"admin_addr" yaml:"admin_addr"`
	CORSOrigins       []string          `toml:"cors_origins" yaml:"cors_origins"`
	AutoConnect       bool              `toml:"auto_connect" yaml:"auto_connect"`
	TLS               tlsFileConfig     `toml:"tls" yaml:"tls"`
	Backoff           backoffFileConfig `toml:"backoff" yaml:"backoff"`
}

type tlsFileConfig struct {
	Enabled            bool   `toml:"enabled" yaml:"enabled"`
	Mutual             bool   `toml:"mutual" yaml:"mutual"`
	CAFile             string `toml:"ca_file" yaml:"ca_file"`
	CertFile           string `toml:"cert_file" yaml:"cert_file"`
	KeyFile            string `toml:"key_file" yaml:"key_file"`
	ServerName         string `toml:"server_name" yaml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	SystemRoots        bool   `toml:"system_roots" yaml:"system_roots"`
}

type backoffFileConfig struct {
	InitialDelay string  `toml:"initial_delay" yaml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier" yaml:"multiplier"`
	MaxDelay     string  `toml:"max_delay" yaml:"max_delay"`
	Jitter       float64 `toml:"jitter" yaml:"jitter"`
}

// definedFunc reports whether a dotted key path was present in the file.
type definedFunc func(key ...string) bool

func defaultConfig() Config {
	tc := transport.DefaultConfig()
	tc.Target = "localhost:50051"
	return Config{
		AdminAddr:   "127.0.0.1:7030",
		AutoConnect: true,
		Transport:   tc,
		Session:     session.DefaultConfig(),
	}
}

// loadConfig overlays the file at path on the defaults. An empty path keeps
// the defaults.
func loadConfig(path string) (Config, error) {
	cfg, err := readConfig(path)
	if err != nil {
		return Config{}, err
	}
	return finalize(cfg)
}

func readConfig(path string) (Config, error) {
	cfg := defaultConfig()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	raw, defined, err := decodeFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := applyFileConfig(&cfg, raw, defined); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string) (fileConfig, definedFunc, error) {
	var raw fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return raw, nil, fmt.Errorf("load presencectl config: %w", err)
		}
		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return raw, nil, fmt.Errorf("load presencectl config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&raw); err != nil && len(bytes.TrimSpace(data)) > 0 {
			return raw, nil, fmt.Errorf("load presencectl config: %w", err)
		}
		return raw, yamlDefined(&node), nil
	default:
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return raw, nil, fmt.Errorf("load presencectl config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return raw, nil, fmt.Errorf("load presencectl config: unknown key %q", undecoded[0].String())
		}
		return raw, meta.IsDefined, nil
	}
}

func yamlDefined(doc *yaml.Node) definedFunc {
	return func(key ...string) bool {
		n := doc
		if n.Kind == yaml.DocumentNode {
			if len(n.Content) == 0 {
				return false
			}
			n = n.Content[0]
		}
		for _, k := range key {
			if n.Kind != yaml.MappingNode {
				return false
			}
			var next *yaml.Node
			for i := 0; i+1 < len(n.Content); i += 2 {
				if n.Content[i].Value == k {
					next = n.Content[i+1]
					break
				}
			}
			if next == nil {
				return false
			}
			n = next
		}
		return true
	}
}

func applyFileConfig(cfg *Config, raw fileConfig, defined definedFunc) error {
	if defined("client_id") {
		cfg.ClientID = strings.TrimSpace(raw.ClientID)
	}
	if defined("watch_list") {
		cfg.WatchList = raw.WatchList
	}
	if defined("target") {
		cfg.Transport.Target = strings.TrimSpace(raw.Target)
	}
	if defined("security_mode") {
		cfg.Transport.SecurityMode = transport.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if defined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if defined("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}
	if defined("auto_connect") {
		cfg.AutoConnect = raw.AutoConnect
	}
	if defined("send_queue") {
		if raw.SendQueue < 0 {
			return fmt.Errorf("load presencectl config: send_queue must be >= 0, got %d", raw.SendQueue)
		}
		cfg.Session.QueueSize = raw.SendQueue
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.Transport.ConnectTimeout},
		{"keepalive_time", raw.KeepaliveTime, &cfg.Transport.KeepaliveTime},
		{"keepalive_timeout", raw.KeepaliveTimeout, &cfg.Transport.KeepaliveTimeout},
		{"grace_period", raw.GracePeriod, &cfg.Session.GracePeriod},
		{"force_close_timeout", raw.ForceCloseTimeout, &cfg.Session.ForceCloseTimeout},
	}
	for _, d := range durations {
		if !defined(d.key) {
			continue
		}
		if err := parseDuration(d.key, d.raw, d.dst); err != nil {
			return err
		}
	}

	if defined("tls", "enabled") {
		cfg.Transport.TLS.Enabled = raw.TLS.Enabled
	}
	if defined("tls", "mutual") {
		cfg.Transport.TLS.Mutual = raw.TLS.Mutual
	}
	if defined("tls", "ca_file") {
		cfg.Transport.TLS.CAFile = strings.TrimSpace(raw.TLS.CAFile)
	}
	if defined("tls", "cert_file") {
		cfg.Transport.TLS.CertFile = strings.TrimSpace(raw.TLS.CertFile)
	}
	if defined("tls", "key_file") {
		cfg.Transport.TLS.KeyFile = strings.TrimSpace(raw.TLS.KeyFile)
	}
	if defined("tls", "server_name") {
		cfg.Transport.TLS.ServerName = strings.TrimSpace(raw.TLS.ServerName)
	}
	if defined("tls", "insecure_skip_verify") {
		cfg.Transport.TLS.InsecureSkipVerify = raw.TLS.InsecureSkipVerify
	}
	if defined("tls", "system_roots") {
		cfg.Transport.TLS.SystemRoots = raw.TLS.SystemRoots
	}

	if defined("backoff", "initial_delay") {
		if err := parseDuration("backoff.initial_delay", raw.Backoff.InitialDelay, &cfg.Transport.Backoff.InitialDelay); err != nil {
			return err
		}
	}
	if defined("backoff", "max_delay") {
		if err := parseDuration("backoff.max_delay", raw.Backoff.MaxDelay, &cfg.Transport.Backoff.MaxDelay); err != nil {
			return err
		}
	}
	if defined("backoff", "multiplier") {
		cfg.Transport.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if defined("backoff", "jitter") {
		cfg.Transport.Backoff.Jitter = raw.Backoff.Jitter
	}
	return nil
}

func parseDuration(key, raw string, dst *time.Duration) error {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("load presencectl config: %s: %w", key, err)
	}
	if d < 0 {
		return fmt.Errorf("load presencectl config: %s must be >= 0, got %s", key, d)
	}
	*dst = d
	return nil
}

// finalize fills generated defaults and validates the transport settings.
func finalize(cfg Config) (Config, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.New().String()
	}
	cfg.WatchList = presence.NormalizeWatchList(cfg.WatchList)
	cfg.Transport = cfg.Transport.WithDefaults()
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Transport.Target == "" {
		return Config{}, fmt.Errorf("load presencectl config: target is required")
	}
	if err := cfg.Transport.ValidateClientTransport(); err != nil {
		return Config{}, fmt.Errorf("load presencectl config: %w", err)
	}
	return cfg, nil
}
