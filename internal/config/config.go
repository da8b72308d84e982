package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Auth    AuthConfig    `yaml:"auth"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type StorageConfig struct {
	// RepoPath is the blob root; artifacts live at <RepoPath>/<package>/<version>.
	RepoPath string `yaml:"repoPath"`
	DBPath   string `yaml:"dbPath"`
}

type AuthConfig struct {
	// Tokens are admin bearer tokens for publishing and maintenance.
	Tokens []string `yaml:"tokens"`
	// Username and Password gate read access. An empty username leaves reads open.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Port: 8080},
		Storage: StorageConfig{RepoPath: "repo", DBPath: "repos.db"},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads the optional YAML config file at path, then applies environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if len(cfg.Auth.Tokens) == 0 {
		return nil, fmt.Errorf("no auth tokens configured")
	}

	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("REPO_PATH"); ok && v != "" {
		cfg.Storage.RepoPath = v
	}
	if v, ok := lookup("REPO_DB_PATH"); ok && v != "" {
		cfg.Storage.DBPath = v
	}
	if v, ok := lookup("REPO_USERNAME"); ok && v != "" {
		cfg.Auth.Username = v
	}
	if v, ok := lookup("REPO_PASSWORD"); ok && v != "" {
		cfg.Auth.Password = v
	}
	if v, ok := lookup("REPO_ADMIN_TOKENS"); ok && v != "" {
		cfg.Auth.Tokens = nil
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.Auth.Tokens = append(cfg.Auth.Tokens, t)
			}
		}
	}
	if v, ok := lookup("REPO_LOG_LEVEL"); ok && v != "" {
		cfg.Log.Level = v
	}
	if v, ok := lookup("REPO_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing REPO_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	return nil
}
