package main

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultSleepInterval = 60 * time.Second
	defaultSessionCookie = "DUKSID"
	defaultWebHost       = "127.0.0.1"
	defaultWebPort       = 418
)

// Config mirrors config.yaml.
type Config struct {
	Modem     ModemConfig     `yaml:"modem"`
	General   GeneralConfig   `yaml:"general"`
	Webserver WebserverConfig `yaml:"webserver"`
	Page      PageSchema      `yaml:"page"`
}

type ModemConfig struct {
	Proto     string `yaml:"proto"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	VerifySSL bool   `yaml:"verify_ssl"`

	RequireLogin  bool   `yaml:"require_login"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	SessionCookie string `yaml:"session_cookie"`
}

// BaseURL is the modem web interface root, without a trailing slash.
func (m ModemConfig) BaseURL() *url.URL {
	host := m.Host
	if m.Port != 0 {
		host = net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
	}
	return &url.URL{Scheme: m.Proto, Host: host}
}

type GeneralConfig struct {
	SleepInterval Seconds `yaml:"sleep_interval"`
	// MaxRetry of -1 retries forever.
	MaxRetry  int     `yaml:"max_retry"`
	WaitRetry Seconds `yaml:"wait_retry"`
	// Timeout bounds a single modem request; zero disables it.
	Timeout Seconds `yaml:"timeout"`
	// LogLevel overrides --log.level when set.
	LogLevel string `yaml:"log_level"`
}

type WebserverConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (w WebserverConfig) Address() string {
	return net.JoinHostPort(w.Host, strconv.Itoa(w.Port))
}

// Seconds is a duration written either as a number of seconds or as a Go
// duration string.
type Seconds time.Duration

func (s Seconds) Duration() time.Duration { return time.Duration(s) }

func (s *Seconds) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected seconds, got a %s", value.Line, kindName(value.Kind))
	}
	if f, err := strconv.ParseFloat(value.Value, 64); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("line %d: invalid seconds %q", value.Line, value.Value)
		}
		*s = Seconds(f * float64(time.Second))
		return nil
	}
	d, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid seconds %q", value.Line, value.Value)
	}
	*s = Seconds(d)
	return nil
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.AliasNode:
		return "alias"
	default:
		return "document"
	}
}

// LoadConfig reads and validates the YAML config file at path.
// Missing optional fields keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Modem: ModemConfig{
			Proto:         "http",
			SessionCookie: defaultSessionCookie,
		},
		General: GeneralConfig{
			SleepInterval: Seconds(defaultSleepInterval),
		},
		Webserver: WebserverConfig{
			Host: defaultWebHost,
			Port: defaultWebPort,
		},
		Page: defaultPageSchema(),
	}
}

func (c *Config) validate() error {
	switch c.Modem.Proto {
	case "http", "https":
	default:
		return fmt.Errorf("modem.proto: unsupported protocol %q", c.Modem.Proto)
	}
	if c.Modem.Host == "" {
		return errors.New("modem.host is required")
	}
	if c.Modem.Port < 0 || c.Modem.Port > 65535 {
		return fmt.Errorf("modem.port: %d out of range", c.Modem.Port)
	}
	if c.Modem.SessionCookie == "" {
		return errors.New("modem.session_cookie must not be empty")
	}
	if c.General.SleepInterval <= 0 {
		return errors.New("general.sleep_interval must be positive")
	}
	if c.General.MaxRetry < -1 {
		return fmt.Errorf("general.max_retry: %d, use -1 for unlimited retries", c.General.MaxRetry)
	}
	if c.General.WaitRetry < 0 {
		return errors.New("general.wait_retry must not be negative")
	}
	if c.General.Timeout < 0 {
		return errors.New("general.timeout must not be negative")
	}
	switch strings.ToLower(c.General.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return fmt.Errorf("general.log_level: unknown level %q", c.General.LogLevel)
	}
	if c.Webserver.Port <= 0 || c.Webserver.Port > 65535 {
		return fmt.Errorf("webserver.port: %d out of range", c.Webserver.Port)
	}
	if _, err := c.Page.compile(); err != nil {
		return err
	}
	return nil
}
