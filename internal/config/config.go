// Package config loads configuration from an optional YAML file and
// RAG_-prefixed environment variables, env taking precedence.
package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Backend BackendConfig `koanf:"backend"`
	Session SessionConfig `koanf:"session"`
	User    UserConfig    `koanf:"user"`
	Audit   AuditConfig   `koanf:"audit"`
	Server  ServerConfig  `koanf:"server"`
}

type BackendConfig struct {
	// BaseURL is the assistant backend API root.
	BaseURL string `koanf:"base_url"`
	// APIToken is sent as a bearer token when set. Supports ${VAR}
	// expansion so secrets stay out of the file.
	APIToken       string `koanf:"api_token"`
	TimeoutSeconds int    `koanf:"timeout_seconds"`
}

type SessionConfig struct {
	Streaming   bool   `koanf:"streaming"`
	Application string `koanf:"application"`
}

type UserConfig struct {
	ID int `koanf:"id"`
	// Role overrides the backend-supplied role when set. Advisory only.
	Role string `koanf:"role"`
}

type AuditConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// ServerConfig is used by the development backend binary.
type ServerConfig struct {
	Port int `koanf:"port"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (if it exists) then the environment. RAG_SESSION__STREAMING
// maps to session.streaming, and so on.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("RAG_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "RAG_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Defaults
	if !k.Exists("backend.base_url") {
		k.Set("backend.base_url", "http://localhost:8000/api")
	}
	if !k.Exists("backend.timeout_seconds") {
		k.Set("backend.timeout_seconds", 120)
	}
	if !k.Exists("session.streaming") {
		k.Set("session.streaming", true)
	}
	if !k.Exists("session.application") {
		k.Set("session.application", "eControls")
	}
	if !k.Exists("user.id") {
		k.Set("user.id", 1)
	}
	if !k.Exists("audit.path") {
		k.Set("audit.path", "./data/audit.db")
	}
	if !k.Exists("server.port") {
		k.Set("server.port", 8000)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Backend.APIToken = substituteEnvVars(cfg.Backend.APIToken)

	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
