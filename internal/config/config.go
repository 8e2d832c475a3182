package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"autoreply/internal/matcher"
)

const DefaultResponse = "¡Gracias por tu comentario!"

type Config struct {
	ListenAddress        string   `json:"listen_address" yaml:"listen_address" toml:"listen_address"`
	EnableTLS            bool     `json:"enable_tls" yaml:"enable_tls" toml:"enable_tls"`
	TLSCertPath          string   `json:"tls_cert_path" yaml:"tls_cert_path" toml:"tls_cert_path"`
	TLSKeyPath           string   `json:"tls_key_path" yaml:"tls_key_path" toml:"tls_key_path"`
	AdminToken           string   `json:"admin_token" yaml:"admin_token" toml:"admin_token"`
	AdminBindCIDRs       []string `json:"admin_bind_cidrs" yaml:"admin_bind_cidrs" toml:"admin_bind_cidrs"`
	DatabasePath         string   `json:"database_path" yaml:"database_path" toml:"database_path"`
	HTTPReadTimeoutSec   int      `json:"http_read_timeout_sec" yaml:"http_read_timeout_sec" toml:"http_read_timeout_sec"`
	HTTPWriteTimeoutSec  int      `json:"http_write_timeout_sec" yaml:"http_write_timeout_sec" toml:"http_write_timeout_sec"`
	HTTPIdleTimeoutSec   int      `json:"http_idle_timeout_sec" yaml:"http_idle_timeout_sec" toml:"http_idle_timeout_sec"`
	MaxBodyBytes         int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	RequestsPerMinute    int      `json:"requests_per_minute" yaml:"requests_per_minute" toml:"requests_per_minute"`
	SelectionPolicy      string   `json:"selection_policy" yaml:"selection_policy" toml:"selection_policy"`
	SelectionSeed        int64    `json:"selection_seed" yaml:"selection_seed" toml:"selection_seed"`
	DefaultResponse      string   `json:"default_response" yaml:"default_response" toml:"default_response"`
	DefaultPostEnabled   bool     `json:"default_post_enabled" yaml:"default_post_enabled" toml:"default_post_enabled"`
	ReplyWithDefault     bool     `json:"reply_with_default" yaml:"reply_with_default" toml:"reply_with_default"`
	ReplyWebhookURL      string   `json:"reply_webhook_url" yaml:"reply_webhook_url" toml:"reply_webhook_url"`
	ReplyIntervalSeconds int      `json:"reply_interval_seconds" yaml:"reply_interval_seconds" toml:"reply_interval_seconds"`
	ReplyQueueSize       int      `json:"reply_queue_size" yaml:"reply_queue_size" toml:"reply_queue_size"`
	MaintenanceTime      string   `json:"maintenance_time" yaml:"maintenance_time" toml:"maintenance_time"`
	ReplyRetentionDays   int      `json:"reply_retention_days" yaml:"reply_retention_days" toml:"reply_retention_days"`
	LogLevel             string   `json:"log_level" yaml:"log_level" toml:"log_level"`
}

func Default() Config {
	return Config{
		ListenAddress:        ":5000",
		EnableTLS:            false,
		TLSCertPath:          "",
		TLSKeyPath:           "",
		AdminToken:           "",
		AdminBindCIDRs:       []string{"127.0.0.1/32", "::1/128", "192.168.0.0/16", "10.0.0.0/8"},
		DatabasePath:         "autoreply.db",
		HTTPReadTimeoutSec:   10,
		HTTPWriteTimeoutSec:  20,
		HTTPIdleTimeoutSec:   60,
		MaxBodyBytes:         1 << 20,
		RequestsPerMinute:    120,
		SelectionPolicy:      string(matcher.PolicyRandom),
		SelectionSeed:        0,
		DefaultResponse:      DefaultResponse,
		DefaultPostEnabled:   true,
		ReplyWithDefault:     true,
		ReplyWebhookURL:      "",
		ReplyIntervalSeconds: 15,
		ReplyQueueSize:       256,
		MaintenanceTime:      "04:00",
		ReplyRetentionDays:   90,
		LogLevel:             "info",
	}
}

type format int

const (
	formatJSON format = iota
	formatYAML
	formatTOML
)

func formatFor(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	case ".toml":
		return formatTOML
	default:
		return formatJSON
	}
}

// LoadOrInit reads the config at path. When the file does not exist a default
// one is written and created is true. Environment overrides are applied after
// the file and before validation.
func LoadOrInit(path string) (Config, bool, error) {
	path = filepath.Clean(path)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if err := Write(path, cfg); err != nil {
			return Config{}, false, err
		}
		return cfg, true, nil
	}
	cfg, err := Load(path)
	return cfg, false, err
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := decode(formatFor(path), b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(f format, b []byte, cfg *Config) error {
	switch f {
	case formatYAML:
		return yaml.Unmarshal(b, cfg)
	case formatTOML:
		_, err := toml.Decode(string(b), cfg)
		return err
	default:
		return json.Unmarshal(b, cfg)
	}
}

func Write(path string, cfg Config) error {
	var buf bytes.Buffer
	switch formatFor(path) {
	case formatYAML:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		_ = enc.Close()
	case formatTOML:
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return err
		}
	default:
		b, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("listen_address is required")
	}
	if c.EnableTLS {
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			return errors.New("tls_cert_path and tls_key_path are required when enable_tls=true")
		}
	}
	for _, cidr := range c.AdminBindCIDRs {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
			return fmt.Errorf("admin_bind_cidrs: invalid entry %q", cidr)
		}
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return errors.New("database_path is required")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("max_body_bytes must be positive")
	}
	if c.RequestsPerMinute < 0 {
		return errors.New("requests_per_minute must not be negative")
	}
	if _, err := matcher.ParsePolicy(c.SelectionPolicy); err != nil {
		return fmt.Errorf("selection_policy: %w", err)
	}
	if strings.TrimSpace(c.DefaultResponse) == "" {
		return errors.New("default_response is required")
	}
	if c.ReplyWebhookURL != "" {
		u, err := url.Parse(c.ReplyWebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("reply_webhook_url must be an absolute http(s) URL")
		}
	}
	if c.ReplyIntervalSeconds < 0 || c.ReplyIntervalSeconds > 3600 {
		return errors.New("reply_interval_seconds out of range")
	}
	if c.ReplyQueueSize <= 0 || c.ReplyQueueSize > 100000 {
		return errors.New("reply_queue_size must be 1..100000")
	}
	if _, _, err := ParseHHMM(c.MaintenanceTime); err != nil {
		return fmt.Errorf("maintenance_time: %w", err)
	}
	if c.ReplyRetentionDays < 0 {
		return errors.New("reply_retention_days must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	return nil
}

// MissingKeys lists the config keys absent from a JSON or YAML file, so an
// operator can see which settings fall back to defaults after an upgrade.
func MissingKeys(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	raw := map[string]any{}
	switch formatFor(path) {
	case formatYAML:
		err = yaml.Unmarshal(b, &raw)
	case formatTOML:
		_, err = toml.Decode(string(b), &raw)
	default:
		err = json.Unmarshal(b, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	missing := []string{}
	for _, key := range Keys() {
		if _, ok := raw[key]; !ok {
			missing = append(missing, key)
		}
	}
	slices.Sort(missing)
	return missing, nil
}

// Keys returns every config key in declaration order.
func Keys() []string {
	t := reflect.TypeOf(Config{})
	keys := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if tag := t.Field(i).Tag.Get("json"); tag != "" && tag != "-" {
			keys = append(keys, strings.Split(tag, ",")[0])
		}
	}
	return keys
}
