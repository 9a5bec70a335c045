package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"showrunner/internal/config"
	"showrunner/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	baseDir    string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	homeDir := filepath.Join(base, "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", homeDir)

	cfg := testsupport.NewConfig(t)

	configPath := filepath.Join(homeDir, ".config", "showrunner", "config.toml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	writeTestConfig(t, configPath, cfg)

	return &cliTestEnv{cfg: cfg, configPath: configPath, baseDir: base}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if configPath != "" {
		args = append([]string{"--config", configPath}, args...)
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	encoded, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func TestEpisodeAddListShow(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"episode", "add", "why nobody knows how anesthesia works", "--id", "ep-cli-1", "--budget", "4.50"}, env.configPath)
	if err != nil {
		t.Fatalf("episode add: %v", err)
	}
	requireContains(t, out, "Queued episode ep-cli-1")
	requireContains(t, out, "$4.5000")

	out, _, err = runCLI(t, []string{"episode", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("episode list: %v", err)
	}
	requireContains(t, out, "ep-cli-1")
	requireContains(t, out, "pending")

	out, _, err = runCLI(t, []string{"episode", "show", "ep-cli-1"}, env.configPath)
	if err != nil {
		t.Fatalf("episode show: %v", err)
	}
	requireContains(t, out, "Episode:  ep-cli-1")
	requireContains(t, out, "why nobody knows how anesthesia works")
	requireContains(t, out, "pending")
}

func TestEpisodeAddRejectsDuplicateID(t *testing.T) {
	env := setupCLITestEnv(t)

	if _, _, err := runCLI(t, []string{"episode", "add", "first topic", "--id", "ep-dup"}, env.configPath); err != nil {
		t.Fatalf("episode add: %v", err)
	}
	if _, _, err := runCLI(t, []string{"episode", "add", "second topic", "--id", "ep-dup"}, env.configPath); err == nil {
		t.Fatal("expected duplicate episode id to fail")
	}
}

func TestEpisodeListEmpty(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"episode", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("episode list: %v", err)
	}
	requireContains(t, out, "No episodes")
}

func TestEpisodeShowUnknownFails(t *testing.T) {
	env := setupCLITestEnv(t)

	_, _, err := runCLI(t, []string{"episode", "show", "ep-missing"}, env.configPath)
	if err == nil {
		t.Fatal("expected unknown episode to fail")
	}
	requireContains(t, err.Error(), "not found")
}

func TestFlagsSetAndList(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"flags", "set", "halt_production", "true"}, env.configPath)
	if err != nil {
		t.Fatalf("flags set: %v", err)
	}
	requireContains(t, out, "Flag halt_production enabled")

	out, _, err = runCLI(t, []string{"flags", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("flags list: %v", err)
	}
	requireContains(t, out, "halt_production")

	out, _, err = runCLI(t, []string{"flags", "set", "halt_production", "false"}, env.configPath)
	if err != nil {
		t.Fatalf("flags set false: %v", err)
	}
	requireContains(t, out, "Flag halt_production disabled")
}

func TestCostReportWithoutLedger(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"cost", "report"}, env.configPath)
	if err != nil {
		t.Fatalf("cost report: %v", err)
	}
	requireContains(t, out, "No cost entries recorded")
}

func TestNotifyDisabledWithoutTopic(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"test-notify"}, env.configPath)
	if err != nil {
		t.Fatalf("test-notify: %v", err)
	}
	requireContains(t, out, "Notifications are disabled")
}
