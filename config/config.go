// Package config loads client settings from a TOML file and FRAMERPC_*
// environment variables on top of built-in defaults.
package config

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"frame-rpc/protocol"
)

const (
	EnvHost             = "FRAMERPC_HOST"
	EnvPort             = "FRAMERPC_PORT"
	EnvHandshake        = "FRAMERPC_HANDSHAKE"
	EnvCallTimeout      = "FRAMERPC_CALL_TIMEOUT"
	EnvEtcdEndpoints    = "FRAMERPC_ETCD_ENDPOINTS"
	EnvLogLevel         = "FRAMERPC_LOG_LEVEL"
	EnvLogFormat        = "FRAMERPC_LOG_FORMAT"
	EnvMaxContentLength = "FRAMERPC_MAX_CONTENT_LENGTH"
)

// Config holds everything needed to reach the peer and shape client behaviour.
type Config struct {
	Host    string
	Port    int
	Service string // registry name; empty dials Host:Port directly

	Handshake        protocol.Handshake
	MaxContentLength uint32

	DialTimeout  time.Duration
	CallTimeout  time.Duration
	StallTimeout time.Duration // zero disables stall detection

	RateLimit    float64 // calls per second; zero disables limiting
	RateBurst    int
	Retries      int
	RetryBackoff time.Duration

	EtcdEndpoints   []string
	EtcdDialTimeout time.Duration
	Balancer        string // round-robin, weighted-random or consistent-hash
	BalanceKey      string // consistent-hash key; defaults to the host name

	LogLevel  string
	LogFormat string
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Host:             "127.0.0.1",
		Port:             protocol.DefaultPort,
		Handshake:        protocol.DefaultHandshake,
		MaxContentLength: protocol.DefaultMaxContentLength,
		DialTimeout:      5 * time.Second,
		CallTimeout:      30 * time.Second,
		StallTimeout:     time.Minute,
		RateBurst:        1,
		RetryBackoff:     200 * time.Millisecond,
		EtcdDialTimeout:  5 * time.Second,
		Balancer:         "round-robin",
		LogLevel:         "info",
		LogFormat:        "console",
	}
}

// Addr returns the host:port pair to dial.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" && c.Service == "" {
		return errors.New("config: host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("config: port %d out of range", c.Port)
	}
	if c.MaxContentLength == 0 {
		return errors.New("config: max_content_length must be positive")
	}
	if c.CallTimeout < 0 || c.StallTimeout < 0 || c.DialTimeout < 0 {
		return errors.New("config: timeouts must not be negative")
	}
	if c.RateLimit < 0 || (c.RateLimit > 0 && c.RateBurst < 1) {
		return errors.New("config: rate_limit needs a burst of at least 1")
	}
	if c.Retries < 0 {
		return errors.New("config: retries must not be negative")
	}
	switch c.Balancer {
	case "round-robin", "weighted-random", "consistent-hash":
	default:
		return errors.Errorf("config: unknown balancer %q", c.Balancer)
	}
	if c.Service != "" && len(c.EtcdEndpoints) == 0 {
		return errors.Errorf("config: service %q set without etcd endpoints", c.Service)
	}
	return nil
}

type fileConfig struct {
	Host             string   `toml:"host"`
	Port             int      `toml:"port"`
	Service          string   `toml:"service"`
	Handshake        string   `toml:"handshake"`
	MaxContentLength int64    `toml:"max_content_length"`
	DialTimeout      string   `toml:"dial_timeout"`
	CallTimeout      string   `toml:"call_timeout"`
	StallTimeout     string   `toml:"stall_timeout"`
	RateLimit        float64  `toml:"rate_limit"`
	RateBurst        int      `toml:"rate_burst"`
	Retries          int      `toml:"retries"`
	RetryBackoff     string   `toml:"retry_backoff"`
	EtcdEndpoints    []string `toml:"etcd_endpoints"`
	EtcdDialTimeout  string   `toml:"etcd_dial_timeout"`
	Balancer         string   `toml:"balancer"`
	BalanceKey       string   `toml:"balance_key"`
	Log              struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
}

// Load reads path (if non-empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return errors.Wrapf(err, "config: load %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return errors.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("service") {
		cfg.Service = strings.TrimSpace(raw.Service)
	}
	if meta.IsDefined("handshake") {
		h, err := protocol.ParseHandshake(strings.TrimSpace(raw.Handshake))
		if err != nil {
			return errors.Wrap(err, "config")
		}
		cfg.Handshake = h
	}
	if meta.IsDefined("max_content_length") {
		if raw.MaxContentLength <= 0 || raw.MaxContentLength > int64(^uint32(0)) {
			return errors.Errorf("config: max_content_length %d out of range", raw.MaxContentLength)
		}
		cfg.MaxContentLength = uint32(raw.MaxContentLength)
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"dial_timeout", raw.DialTimeout, &cfg.DialTimeout},
		{"call_timeout", raw.CallTimeout, &cfg.CallTimeout},
		{"stall_timeout", raw.StallTimeout, &cfg.StallTimeout},
		{"retry_backoff", raw.RetryBackoff, &cfg.RetryBackoff},
		{"etcd_dial_timeout", raw.EtcdDialTimeout, &cfg.EtcdDialTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return errors.Wrapf(err, "config: parse %s", d.key)
		}
		*d.dst = v
	}
	if meta.IsDefined("rate_limit") {
		cfg.RateLimit = raw.RateLimit
	}
	if meta.IsDefined("rate_burst") {
		cfg.RateBurst = raw.RateBurst
	}
	if meta.IsDefined("retries") {
		cfg.Retries = raw.Retries
	}
	if meta.IsDefined("etcd_endpoints") {
		cfg.EtcdEndpoints = normalizeList(raw.EtcdEndpoints)
	}
	if meta.IsDefined("balancer") {
		cfg.Balancer = strings.TrimSpace(raw.Balancer)
	}
	if meta.IsDefined("balance_key") {
		cfg.BalanceKey = raw.BalanceKey
	}
	if meta.IsDefined("log", "level") {
		cfg.LogLevel = raw.Log.Level
	}
	if meta.IsDefined("log", "format") {
		cfg.LogFormat = raw.Log.Format
	}
	return nil
}

// ApplyEnv overlays FRAMERPC_* variables found through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookupTrimmed(lookup, EnvHost); ok {
		cfg.Host = v
	}
	if v, ok := lookupTrimmed(lookup, EnvPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "config: %s", EnvPort)
		}
		cfg.Port = port
	}
	if v, ok := lookupTrimmed(lookup, EnvHandshake); ok {
		h, err := protocol.ParseHandshake(v)
		if err != nil {
			return errors.Wrapf(err, "config: %s", EnvHandshake)
		}
		cfg.Handshake = h
	}
	if v, ok := lookupTrimmed(lookup, EnvCallTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "config: %s", EnvCallTimeout)
		}
		cfg.CallTimeout = d
	}
	if v, ok := lookupTrimmed(lookup, EnvMaxContentLength); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return errors.Wrapf(err, "config: %s", EnvMaxContentLength)
		}
		cfg.MaxContentLength = uint32(n)
	}
	if v, ok := lookupTrimmed(lookup, EnvEtcdEndpoints); ok {
		cfg.EtcdEndpoints = normalizeList(strings.Split(v, ","))
	}
	if v, ok := lookupTrimmed(lookup, EnvLogLevel); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookupTrimmed(lookup, EnvLogFormat); ok {
		cfg.LogFormat = v
	}
	return nil
}

func lookupTrimmed(lookup func(string) (string, bool), key string) (string, bool) {
	v, ok := lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
