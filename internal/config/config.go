// Package config loads the permd TOML configuration with environment
// variable overrides for every field.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/stellarlinkco/permd/internal/paths"
)

const (
	DefaultIdleTimeout    = 60
	DefaultRequestTimeout = 300
	DefaultSwayidleBinary = "swayidle"
	DefaultIoregBinary    = "ioreg"
	DefaultDigestSchedule = "0 0 9 * * *"
)

// DefaultIgnoredNotificationTypes lists notification types dropped before
// handoff; permission prompts arrive through the permission pathway.
var DefaultIgnoredNotificationTypes = []string{"permission_prompt"}

type Config struct {
	Daemon        DaemonConfig        `toml:"daemon"`
	Telegram      TelegramConfig      `toml:"telegram"`
	Notifications NotificationsConfig `toml:"notifications"`
	Digest        DigestConfig        `toml:"digest"`
	Swayidle      SwayidleConfig      `toml:"swayidle"`
	Mac           MacConfig           `toml:"mac"`
}

type DaemonConfig struct {
	SocketPath     string `toml:"socket_path"`
	IdleTimeout    int    `toml:"idle_timeout"`    // seconds of inactivity before idle
	RequestTimeout int    `toml:"request_timeout"` // per-request bound, seconds
	Debug          bool   `toml:"debug"`
}

type TelegramConfig struct {
	Token     string   `toml:"token"`
	ChatID    int64    `toml:"chat_id"`
	AllowFrom []string `toml:"allow_from"`
	Proxy     string   `toml:"proxy"`
}

type NotificationsConfig struct {
	IgnoreTypes []string `toml:"ignore_types"`
}

type DigestConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"` // 6-field cron expression
}

type SwayidleConfig struct {
	Binary string `toml:"binary"`
}

type MacConfig struct {
	Binary string `toml:"binary"`
}

func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			SocketPath:     paths.SocketPath(),
			IdleTimeout:    DefaultIdleTimeout,
			RequestTimeout: DefaultRequestTimeout,
		},
		Notifications: NotificationsConfig{
			IgnoreTypes: append([]string(nil), DefaultIgnoredNotificationTypes...),
		},
		Digest: DigestConfig{
			Schedule: DefaultDigestSchedule,
		},
		Swayidle: SwayidleConfig{Binary: DefaultSwayidleBinary},
		Mac:      MacConfig{Binary: DefaultIoregBinary},
	}
}

// Load reads the config file at path (paths.ConfigFile() when empty) and
// applies environment overrides. A missing file is not an error; the
// defaults plus environment must still validate before the daemon starts.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = paths.ConfigFile()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Daemon.SocketPath == "" {
		cfg.Daemon.SocketPath = paths.SocketPath()
	}
	if cfg.Daemon.IdleTimeout == 0 {
		cfg.Daemon.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Daemon.RequestTimeout == 0 {
		cfg.Daemon.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Notifications.IgnoreTypes == nil {
		cfg.Notifications.IgnoreTypes = append([]string(nil), DefaultIgnoredNotificationTypes...)
	}
	if cfg.Digest.Schedule == "" {
		cfg.Digest.Schedule = DefaultDigestSchedule
	}
	if cfg.Swayidle.Binary == "" {
		cfg.Swayidle.Binary = DefaultSwayidleBinary
	}
	if cfg.Mac.Binary == "" {
		cfg.Mac.Binary = DefaultIoregBinary
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PERMD_SOCKET_PATH"); v != "" {
		cfg.Daemon.SocketPath = v
	}
	if v := os.Getenv("PERMD_IDLE_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Daemon.IdleTimeout = n
		}
	}
	if v := os.Getenv("PERMD_REQUEST_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Daemon.RequestTimeout = n
		}
	}
	if v := os.Getenv("PERMD_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Daemon.Debug = b
		}
	}
	if v := os.Getenv("PERMD_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("PERMD_TELEGRAM_CHAT_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = n
		}
	}
	if v := os.Getenv("PERMD_SWAYIDLE_BINARY"); v != "" {
		cfg.Swayidle.Binary = v
	}
	if v := os.Getenv("PERMD_IOREG_BINARY"); v != "" {
		cfg.Mac.Binary = v
	}
}

// Validate returns every configuration error rather than the first.
func (c *Config) Validate() []error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, fmt.Errorf("telegram token is required"))
	}
	if c.Telegram.ChatID == 0 {
		errs = append(errs, fmt.Errorf("telegram chat_id is required"))
	}
	if c.Daemon.IdleTimeout < 1 {
		errs = append(errs, fmt.Errorf("idle_timeout must be at least 1 second"))
	}
	if c.Daemon.RequestTimeout < 1 {
		errs = append(errs, fmt.Errorf("request_timeout must be at least 1 second"))
	}
	return errs
}

// Save writes the config to the default location, creating the config
// directory if needed. Used by the onboard command.
func Save(cfg *Config) error {
	if err := paths.EnsureDir(paths.ConfigDir()); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.OpenFile(paths.ConfigFile(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
