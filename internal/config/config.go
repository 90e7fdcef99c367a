package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "/etc/opsbot/config.yaml"

// Config holds the bot configuration
type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Gateway   DatabaseConfig  `yaml:"gateway_database"`
	SSH       SSHConfig       `yaml:"ssh"`
	TOTP      TOTPConfig      `yaml:"totp"`
	WireGuard WireGuardConfig `yaml:"wireguard"`
	Squid     SquidConfig     `yaml:"squid"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Audit     AuditConfig     `yaml:"audit"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	PBXWebApp PBXWebAppConfig `yaml:"pbx_webapp"`
}

type TelegramConfig struct {
	Token       string `yaml:"token"`
	PollTimeout int    `yaml:"poll_timeout"` // seconds
	Debug       bool   `yaml:"debug"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// DatabaseConfig selects a database/sql driver ("sqlite" or "mysql") and DSN.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type SSHConfig struct {
	User           string        `yaml:"user"`
	KeyFile        string        `yaml:"key_file"`
	Port           int           `yaml:"port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxOutputBytes int64         `yaml:"max_output_bytes"`
}

type TOTPConfig struct {
	Secret string `yaml:"secret"`
}

type WireGuardConfig struct {
	Host            string `yaml:"host"`
	Script          string `yaml:"script"`
	ServerPublicKey string `yaml:"server_public_key"`
	AllowedIPs      string `yaml:"allowed_ips"`
	Endpoint        string `yaml:"endpoint"`
	Keepalive       int    `yaml:"keepalive"`
}

type SquidConfig struct {
	Hosts      []string `yaml:"hosts"`
	Script     string   `yaml:"script"`
	WarmupPort int      `yaml:"warmup_port"` // 0 disables router warm-up requests
}

type MetricsConfig struct {
	Address string `yaml:"address"` // empty disables the endpoint
}

type AuditConfig struct {
	Path string `yaml:"path"` // empty disables the audit trail
}

type ThrottleConfig struct {
	Interval time.Duration `yaml:"interval"`
	Burst    int           `yaml:"burst"`
}

// PBXWebAppConfig enables /pbx when URL is set. Listen is where the web app
// posts its reports back to the bot.
type PBXWebAppConfig struct {
	URL      string        `yaml:"url"`
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
	Listen   string        `yaml:"listen"`
}

// Default returns a configuration with every optional field populated.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{PollTimeout: 60},
		Log:      LogConfig{Level: "info", Format: "auto"},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "/var/lib/opsbot/opsbot.db"},
		Gateway:  DatabaseConfig{Driver: "mysql"},
		SSH: SSHConfig{
			User:           "user",
			KeyFile:        "/home/tg-bot/.ssh/key",
			Port:           22,
			ConnectTimeout: 15 * time.Second,
			MaxOutputBytes: 1 << 20,
		},
		WireGuard: WireGuardConfig{
			Script:     "/etc/wireguard/wgfwctl.sh",
			AllowedIPs: "192.168.10.0/21",
			Keepalive:  16,
		},
		Squid: SquidConfig{
			Script:     "/etc/squid/squid-add-proxy.sh",
			WarmupPort: 19999,
		},
		Throttle:  ThrottleConfig{Interval: time.Second, Burst: 5},
		PBXWebApp: PBXWebAppConfig{TokenTTL: time.Minute, Listen: ":8081"},
	}
}

// Load reads the YAML file at path (if present), then .env files, then
// OPSBOT_* environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"))
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		log.Info().
			Str("config_file", path).
			Int("squid_hosts", len(cfg.Squid.Hosts)).
			Msg("Loaded configuration from file")
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.Squid.Hosts = normalizeHosts(cfg.Squid.Hosts)
	return cfg, nil
}

func loadDotEnv(envFile string) {
	if _, err := os.Stat(envFile); err != nil {
		return
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		return
	}
	log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
}

func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
			log.Debug().Str("env", key).Msg("Configuration overridden from environment")
		}
	}

	setString("OPSBOT_TELEGRAM_TOKEN", &cfg.Telegram.Token)
	setString("OPSBOT_TOTP_SECRET", &cfg.TOTP.Secret)
	setString("OPSBOT_LOG_LEVEL", &cfg.Log.Level)
	setString("OPSBOT_LOG_FORMAT", &cfg.Log.Format)
	setString("OPSBOT_DB_DRIVER", &cfg.Database.Driver)
	setString("OPSBOT_DB_DSN", &cfg.Database.DSN)
	setString("OPSBOT_GATEWAY_DB_DRIVER", &cfg.Gateway.Driver)
	setString("OPSBOT_GATEWAY_DB_DSN", &cfg.Gateway.DSN)
	setString("OPSBOT_SSH_USER", &cfg.SSH.User)
	setString("OPSBOT_SSH_KEY_FILE", &cfg.SSH.KeyFile)
	setString("OPSBOT_WG_HOST", &cfg.WireGuard.Host)
	setString("OPSBOT_WG_SERVER_PUBLIC_KEY", &cfg.WireGuard.ServerPublicKey)
	setString("OPSBOT_METRICS_ADDR", &cfg.Metrics.Address)
	setString("OPSBOT_AUDIT_LOG", &cfg.Audit.Path)
	setString("OPSBOT_PBX_WEBAPP_URL", &cfg.PBXWebApp.URL)
	setString("OPSBOT_PBX_WEBAPP_SECRET", &cfg.PBXWebApp.Secret)

	if v := strings.TrimSpace(os.Getenv("OPSBOT_SQUID_HOSTS")); v != "" {
		cfg.Squid.Hosts = strings.Split(v, ",")
	}
	if v := strings.TrimSpace(os.Getenv("OPSBOT_SSH_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.SSH.Port = port
		} else {
			log.Warn().Str("value", v).Msg("Ignoring invalid OPSBOT_SSH_PORT")
		}
	}
}

// normalizeHosts trims, drops empties and duplicates, preserving order.
func normalizeHosts(hosts []string) []string {
	seen := make(map[string]struct{}, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, raw := range hosts {
		host := strings.TrimSpace(raw)
		if host == "" {
			continue
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		out = append(out, host)
	}
	return out
}

// Validate reports every missing or malformed required field at once.
func (c *Config) Validate() error {
	var problems []string

	if c.Telegram.Token == "" {
		problems = append(problems, "telegram.token is required")
	}
	if c.TOTP.Secret == "" {
		problems = append(problems, "totp.secret is required")
	}
	if c.Database.DSN == "" {
		problems = append(problems, "database.dsn is required")
	}
	if c.SSH.KeyFile == "" {
		problems = append(problems, "ssh.key_file is required")
	}
	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		problems = append(problems, fmt.Sprintf("ssh.port %d out of range", c.SSH.Port))
	}
	if c.WireGuard.Host == "" {
		problems = append(problems, "wireguard.host is required")
	}
	for _, host := range c.Squid.Hosts {
		addr, err := netip.ParseAddr(host)
		if err != nil || !addr.Is4() {
			problems = append(problems, fmt.Sprintf("squid.hosts entry %q is not an IPv4 address", host))
		}
	}
	for _, db := range []struct {
		name string
		cfg  DatabaseConfig
	}{{"database", c.Database}, {"gateway_database", c.Gateway}} {
		switch db.cfg.Driver {
		case "sqlite", "mysql":
		default:
			problems = append(problems, fmt.Sprintf("%s.driver %q is not supported", db.name, db.cfg.Driver))
		}
	}
	if c.PBXWebApp.URL != "" {
		if u, err := url.Parse(c.PBXWebApp.URL); err != nil || u.Scheme != "https" || u.Host == "" {
			problems = append(problems, fmt.Sprintf("pbx_webapp.url %q must be an absolute https URL", c.PBXWebApp.URL))
		}
		if c.PBXWebApp.Secret == "" {
			problems = append(problems, "pbx_webapp.secret is required when pbx_webapp.url is set")
		}
		if c.PBXWebApp.Listen == "" {
			problems = append(problems, "pbx_webapp.listen is required when pbx_webapp.url is set")
		}
		if c.PBXWebApp.TokenTTL <= 0 {
			problems = append(problems, "pbx_webapp.token_ttl must be positive")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
