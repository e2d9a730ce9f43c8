package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if want := "forgesync v" + version; !strings.Contains(out, want) {
		t.Errorf("version output = %q, want it to contain %q", out, want)
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("Server.Port = %d, want 7000", cfg.Server.Port)
	}
	if cfg.Database.Driver != "memory" {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, "memory")
	}
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("database:\n  driver: sqlite\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path); err == nil {
		t.Error("loadConfig() error = nil, want unsupported driver error")
	}
}

func TestMigrateCommand_RequiresPostgres(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	if _, err := execute(t, "migrate", "--config", path); err == nil {
		t.Error("migrate error = nil, want error for the memory driver")
	}
}

func TestSyncCommand_UnknownRepository(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	if _, err := execute(t, "sync", "missing", "--config", path); err == nil {
		t.Error("sync error = nil, want not found")
	}
}
