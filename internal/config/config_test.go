package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

// clearEnv blanks every override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"REPO_PATH", "REPO_DB_PATH", "REPO_USERNAME", "REPO_PASSWORD", "REPO_ADMIN_TOKENS", "REPO_LOG_LEVEL", "REPO_PORT"} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "auth:\n  tokens: [admin]\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Storage.RepoPath != "repo" {
		t.Errorf("repoPath = %q, want %q", cfg.Storage.RepoPath, "repo")
	}
	if cfg.Auth.Username != "" {
		t.Errorf("username = %q, want empty (auth disabled)", cfg.Auth.Username)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
storage:
  repoPath: /srv/repo
  dbPath: /srv/repos.db
auth:
  tokens: [t1, t2]
  username: deploy
  password: s3cret
log:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Storage.RepoPath != "/srv/repo" || cfg.Storage.DBPath != "/srv/repos.db" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if len(cfg.Auth.Tokens) != 2 || cfg.Auth.Username != "deploy" || cfg.Auth.Password != "s3cret" {
		t.Errorf("unexpected auth config: %+v", cfg.Auth)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "auth:\n  tokens: [from-file]\n  username: file-user\n")

	t.Setenv("REPO_PATH", "/data/repo")
	t.Setenv("REPO_USERNAME", "env-user")
	t.Setenv("REPO_PASSWORD", "env-pass")
	t.Setenv("REPO_ADMIN_TOKENS", "a, b,,c")
	t.Setenv("REPO_PORT", "7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.RepoPath != "/data/repo" {
		t.Errorf("repoPath = %q", cfg.Storage.RepoPath)
	}
	if cfg.Auth.Username != "env-user" || cfg.Auth.Password != "env-pass" {
		t.Errorf("credentials = %q/%q", cfg.Auth.Username, cfg.Auth.Password)
	}
	if len(cfg.Auth.Tokens) != 3 || cfg.Auth.Tokens[1] != "b" {
		t.Errorf("tokens = %v", cfg.Auth.Tokens)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("REPO_ADMIN_TOKENS", "only-env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.Tokens[0] != "only-env" {
		t.Errorf("tokens = %v", cfg.Auth.Tokens)
	}
}

func TestLoadRequiresTokens(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8080\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected error without admin tokens")
	}
}

func TestLoadBadPort(t *testing.T) {
	path := writeConfig(t, "auth:\n  tokens: [admin]\n")
	t.Setenv("REPO_PORT", "not-a-port")

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed REPO_PORT")
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
