package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const envPrefix = "AUTOREPLY_"

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides file values with AUTOREPLY_<KEY> variables, where KEY is
// the upper-cased config key. lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + strings.ToUpper(key)); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) error {
		if v, ok := lookup(envPrefix + strings.ToUpper(key)); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, strings.ToUpper(key), err)
			}
			*dst = n
		}
		return nil
	}
	boolean := func(key string, dst *bool) error {
		if v, ok := lookup(envPrefix + strings.ToUpper(key)); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, strings.ToUpper(key), err)
			}
			*dst = b
		}
		return nil
	}

	str("listen_address", &c.ListenAddress)
	str("tls_cert_path", &c.TLSCertPath)
	str("tls_key_path", &c.TLSKeyPath)
	str("admin_token", &c.AdminToken)
	str("database_path", &c.DatabasePath)
	str("selection_policy", &c.SelectionPolicy)
	str("default_response", &c.DefaultResponse)
	str("reply_webhook_url", &c.ReplyWebhookURL)
	str("maintenance_time", &c.MaintenanceTime)
	str("log_level", &c.LogLevel)
	if v, ok := lookup(envPrefix + "ADMIN_BIND_CIDRS"); ok {
		c.AdminBindCIDRs = nil
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				c.AdminBindCIDRs = append(c.AdminBindCIDRs, part)
			}
		}
	}
	if v, ok := lookup(envPrefix + "SELECTION_SEED"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%sSELECTION_SEED: %w", envPrefix, err)
		}
		c.SelectionSeed = n
	}
	for key, dst := range map[string]*int{
		"requests_per_minute":    &c.RequestsPerMinute,
		"reply_interval_seconds": &c.ReplyIntervalSeconds,
		"reply_queue_size":       &c.ReplyQueueSize,
		"reply_retention_days":   &c.ReplyRetentionDays,
	} {
		if err := integer(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*bool{
		"enable_tls":           &c.EnableTLS,
		"default_post_enabled": &c.DefaultPostEnabled,
		"reply_with_default":   &c.ReplyWithDefault,
	} {
		if err := boolean(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// ParseHHMM parses a 24h wall clock time such as "07:30".
func ParseHHMM(hhmm string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(hhmm), ":")
	if len(parts) != 2 {
		return 0, 0, errors.New("must be HH:MM")
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, errors.New("invalid hour")
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, errors.New("invalid minute")
	}
	return hour, minute, nil
}
