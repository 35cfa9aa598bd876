// Package config loads the call agent configuration.
//
// Configuration is read from a single YAML file named by the --config flag or
// the PEERCALL_CONFIG environment variable and laid over Default(). Command
// line flags may then override individual values.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "PEERCALL_CONFIG"

// Store kinds.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Media sources.
const (
	MediaSynthetic = "synthetic"
	MediaDevices   = "devices"
)

// Config is the complete call agent configuration.
type Config struct {
	// Participant is the identity this agent registers and answers for.
	Participant ParticipantConfig `yaml:"participant"`

	Store       StoreConfig       `yaml:"store"`
	API         APIConfig         `yaml:"api"`
	ICE         ICEConfig         `yaml:"ice"`
	Media       MediaConfig       `yaml:"media"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	Firewall    FirewallConfig    `yaml:"firewall"`
	Log         LogConfig         `yaml:"log"`
}

type ParticipantConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	AvatarRef   string `yaml:"avatar_ref"`
}

// StoreConfig selects the signaling document store.
type StoreConfig struct {
	// Kind is "memory" (single process, for demos and tests) or "redis".
	Kind string `yaml:"kind"`

	// RedisAddr is host:port or a redis:// URL.
	RedisAddr string `yaml:"redis_addr"`
}

// APIConfig configures the local control API.
type APIConfig struct {
	Listen string `yaml:"listen"`

	// JWTSecret signs control API tokens. At least 16 bytes.
	JWTSecret string `yaml:"jwt_secret"`

	// RequireSecureContext refuses capture for requests that arrived
	// neither over TLS nor from loopback.
	RequireSecureContext bool `yaml:"require_secure_context"`

	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

type ICEConfig struct {
	Servers []string `yaml:"servers"`
}

type MediaConfig struct {
	// Source is "synthetic" or "devices".
	Source string `yaml:"source"`

	// VideoBitRate applies to device capture only.
	VideoBitRate int `yaml:"video_bit_rate"`
}

// NegotiationConfig holds the watchdog settings. Durations use
// time.ParseDuration syntax ("30s", "2m").
type NegotiationConfig struct {
	WatchdogInterval string `yaml:"watchdog_interval"`
	Timeout          string `yaml:"timeout"`

	// AbandonAfter hangs up stalled negotiations. Empty or "0" disables it.
	AbandonAfter string `yaml:"abandon_after"`
}

type FirewallConfig struct {
	MaxFailedAuth int `yaml:"max_failed_auth"`
}

type LogConfig struct {
	// Level is a go-log level: debug, info, warn, error.
	Level string `yaml:"level"`
}

// Default returns the configuration used for any value the file leaves out.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Kind:      StoreMemory,
			RedisAddr: "localhost:6379",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8080",
		},
		ICE: ICEConfig{
			Servers: []string{
				"stun:stun1.l.google.com:19302",
				"stun:stun2.l.google.com:19302",
			},
		},
		Media: MediaConfig{
			Source:       MediaSynthetic,
			VideoBitRate: 500_000,
		},
		Negotiation: NegotiationConfig{
			WatchdogInterval: "5s",
			Timeout:          "30s",
		},
		Firewall: FirewallConfig{
			MaxFailedAuth: 5,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the file named by PEERCALL_CONFIG. Without it the defaults are
// returned unchanged.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile reads path over Default().
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error

	if c.Participant.ID == "" {
		errs = append(errs, errors.New("participant.id is required"))
	}

	switch c.Store.Kind {
	case StoreMemory:
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.kind must be one of: %v", []string{StoreMemory, StoreRedis}))
	}

	switch c.Media.Source {
	case MediaSynthetic, MediaDevices:
	default:
		errs = append(errs, fmt.Errorf("media.source must be one of: %v", []string{MediaSynthetic, MediaDevices}))
	}

	if c.API.Listen == "" {
		errs = append(errs, errors.New("api.listen is required"))
	}
	if (c.API.TLSCert == "") != (c.API.TLSKey == "") {
		errs = append(errs, errors.New("api.tls_cert and api.tls_key must be set together"))
	}

	durations := []struct {
		name, value string
	}{
		{"negotiation.watchdog_interval", c.Negotiation.WatchdogInterval},
		{"negotiation.timeout", c.Negotiation.Timeout},
		{"negotiation.abandon_after", c.Negotiation.AbandonAfter},
	}
	for _, d := range durations {
		if _, err := parseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}

	if c.Firewall.MaxFailedAuth < 0 {
		errs = append(errs, errors.New("firewall.max_failed_auth must not be negative"))
	}

	return errors.Join(errs...)
}

// WatchdogInterval returns the parsed negotiation.watchdog_interval.
// Call Validate first; unparsable values read as zero.
func (c *Config) WatchdogInterval() time.Duration {
	d, _ := parseDuration(c.Negotiation.WatchdogInterval)
	return d
}

func (c *Config) NegotiationTimeout() time.Duration {
	d, _ := parseDuration(c.Negotiation.Timeout)
	return d
}

func (c *Config) AbandonAfter() time.Duration {
	d, _ := parseDuration(c.Negotiation.AbandonAfter)
	return d
}

// Public is the non-secret view served on /api/config.
func (c *Config) Public() map[string]interface{} {
	return map[string]interface{}{
		"participant":            c.Participant.ID,
		"store":                  c.Store.Kind,
		"ice_servers":            c.ICE.Servers,
		"media_source":           c.Media.Source,
		"require_secure_context": c.API.RequireSecureContext,
		"tls":                    c.API.TLSCert != "",
		"negotiation": map[string]string{
			"watchdog_interval": c.Negotiation.WatchdogInterval,
			"timeout":           c.Negotiation.Timeout,
			"abandon_after":     c.Negotiation.AbandonAfter,
		},
	}
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
