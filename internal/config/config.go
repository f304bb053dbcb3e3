package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the gateway and the chat session.
type Config struct {
	APIBase  string `yaml:"api_base"`
	WSBase   string `yaml:"ws_base"` // derived from APIBase when empty
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`

	SendTimeout      time.Duration `yaml:"send_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	NoticeTTL        time.Duration `yaml:"notice_ttl"`

	Suggestions []string `yaml:"suggestions"`
}

func Default() *Config {
	return &Config{
		APIBase:          "http://127.0.0.1:8000",
		Listen:           "127.0.0.1:3000",
		LogLevel:         "info",
		SendTimeout:      5 * time.Second,
		RequestTimeout:   30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		NoticeTTL:        3 * time.Second,
		Suggestions:      []string{"About Company", "About Role Responsibility", "About Project"},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and NATACHAT_* environment variables, in increasing precedence. A
// .env file in the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
	}

	cfg.APIBase = getEnv("NATACHAT_API_BASE", cfg.APIBase)
	cfg.WSBase = getEnv("NATACHAT_WS_BASE", cfg.WSBase)
	cfg.Listen = getEnv("NATACHAT_LISTEN", cfg.Listen)
	cfg.LogLevel = getEnv("NATACHAT_LOG_LEVEL", cfg.LogLevel)
	cfg.Token = getEnv("NATACHAT_TOKEN", cfg.Token)
	cfg.TokenFile = getEnv("NATACHAT_TOKEN_FILE", cfg.TokenFile)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"NATACHAT_SEND_TIMEOUT", &cfg.SendTimeout},
		{"NATACHAT_REQUEST_TIMEOUT", &cfg.RequestTimeout},
		{"NATACHAT_HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout},
		{"NATACHAT_NOTICE_TTL", &cfg.NoticeTTL},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", d.key)
		}
		*d.dst = parsed
	}

	if list := os.Getenv("NATACHAT_SUGGESTIONS"); list != "" {
		cfg.Suggestions = nil
		for _, entry := range strings.Split(list, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.Suggestions = append(cfg.Suggestions, entry)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if !strings.HasPrefix(c.APIBase, "http://") && !strings.HasPrefix(c.APIBase, "https://") {
		return errors.Errorf("api base %q must be an http(s) URL", c.APIBase)
	}
	if c.SendTimeout <= 0 {
		return errors.New("send timeout must be positive")
	}
	if c.Listen == "" {
		return errors.New("listen address is empty")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
