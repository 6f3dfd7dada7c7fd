package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file configuration.
const (
	EnvAPIKey  = "OPENAI_API_KEY"
	EnvBaseURL = "OPENAI_BASE_URL"
	EnvPort    = "CHATRELAY_PORT"
)

const (
	defaultPort             = 8080
	defaultKeepAliveSeconds = 15
	defaultBaseURL          = "https://api.openai.com/v1"
	defaultUpstreamModel    = "gpt-3.5-turbo"
	defaultClientEndpoint   = "http://localhost:8080/chat"
	defaultClientModel      = "gpt-4-vision-preview"
	defaultSystemPrompt     = "I want you to act as an AI assistant for a general chatbot. Your role is to answer any questions I have."
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Client   ClientConfig   `yaml:"client"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port             int      `yaml:"port"`
	KeepAliveSeconds int      `yaml:"keepalive_seconds"`
	AllowOrigins     []string `yaml:"allow_origins"`
}

// KeepAlive returns the keepalive interval; zero disables pings.
func (s ServerConfig) KeepAlive() time.Duration {
	if s.KeepAliveSeconds <= 0 {
		return 0
	}
	return time.Duration(s.KeepAliveSeconds) * time.Second
}

// UpstreamConfig captures authentication and routing info for the model API.
type UpstreamConfig struct {
	APIKey       string  `yaml:"api_key"`
	BaseURL      string  `yaml:"base_url"`
	Organization string  `yaml:"organization"`
	DefaultModel string  `yaml:"default_model"`
	Headers      Headers `yaml:"headers"`
}

// Headers contains additional HTTP headers to send with an upstream request.
type Headers map[string]string

// ClientConfig configures the streaming chat client.
type ClientConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:             defaultPort,
			KeepAliveSeconds: defaultKeepAliveSeconds,
			AllowOrigins:     []string{"*"},
		},
		Upstream: UpstreamConfig{
			BaseURL:      defaultBaseURL,
			DefaultModel: defaultUpstreamModel,
		},
		Client: ClientConfig{
			Endpoint:     defaultClientEndpoint,
			Model:        defaultClientModel,
			SystemPrompt: defaultSystemPrompt,
		},
	}
}

// Load builds configuration from defaults, the optional YAML file at path
// and the environment, in that order of precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from a .env file when one exists. Variables
// already present in the environment win.
func LoadDotEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv(EnvAPIKey); ok && strings.TrimSpace(v) != "" {
		c.Upstream.APIKey = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv(EnvBaseURL); ok && strings.TrimSpace(v) != "" {
		c.Upstream.BaseURL = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv(EnvPort); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s must be an integer, got %q", EnvPort, v)
		}
		c.Server.Port = port
	}
	return nil
}

// ValidateServer performs strict sanity checks before the relay accepts traffic.
func (c Config) ValidateServer() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.KeepAliveSeconds < 0 {
		return fmt.Errorf("server.keepalive_seconds must not be negative, got %d", c.Server.KeepAliveSeconds)
	}
	return validateUpstream(c.Upstream)
}

// ValidateClient checks the settings the chat client depends on.
func (c Config) ValidateClient() error {
	u, err := url.Parse(c.Client.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("client.endpoint must be an absolute http(s) URL, got %q", c.Client.Endpoint)
	}
	return nil
}

func validateUpstream(up UpstreamConfig) error {
	if strings.TrimSpace(up.APIKey) == "" {
		return fmt.Errorf("upstream api key must be provided (set %s or upstream.api_key)", EnvAPIKey)
	}
	if strings.TrimSpace(up.BaseURL) == "" {
		return errors.New("upstream.base_url must be provided")
	}

	for headerKey := range up.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("upstream: header %q is not a valid canonical HTTP header", headerKey)
		}
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
