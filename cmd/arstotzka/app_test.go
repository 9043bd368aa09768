package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"github.com/MapColonies/arstotzka"
	"github.com/MapColonies/arstotzka/internal/loggingutil"
	"github.com/MapColonies/arstotzka/internal/version"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	viper.Reset()
	cmd := newRootCommand(loggingutil.NoopLogger())
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(loggingutil.NoopLogger())
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--store", "mem://"}, want: true},
		{name: "root flag with equals", args: []string{"--roles=registry"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "subcommand", args: []string{"client", "service"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "seed"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown long before subcommand", args: []string{"--bogus", "migrate"}, want: false},
		{name: "double dash", args: []string{"--", "client"}, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := invocationTargetsRootCommand(root, tc.args); got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestSubmainUnknownSubcommandGoesToStderr(t *testing.T) {
	origArgs := os.Args
	defer func() { os.Args = origArgs }()
	os.Args = []string{"arstotzka", "--bogus", "client", "service"}

	stderr := captureStderr(t, func() {
		if code := submain(context.Background()); code != 1 {
			t.Fatalf("submain() exitCode=%d want 1", code)
		}
	})
	if !strings.Contains(stderr, "unknown flag: --bogus") {
		t.Fatalf("expected parser failure routed to stderr, got %q", stderr)
	}
}

func TestVersionCommand(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if want := version.Module() + " " + version.Current() + "\n"; stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
	stdout, _, err = executeRootCommand(t, "version", "--version")
	if err != nil {
		t.Fatalf("version --version: %v", err)
	}
	if stdout != version.Current()+"\n" {
		t.Fatalf("unexpected short version %q", stdout)
	}
}

func TestBindConfigReadsEnvAndConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	data := []byte("store: postgres://db/arstotzka\nroles: [registry, locky]\nactiony-url: http://actiony:8080\njson-max: 64KiB\n")
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ARSTOTZKA_CONFIG_DIR", dir)
	t.Setenv("ARSTOTZKA_SWEEPER_INTERVAL", "30s")
	viper.Reset()
	newRootCommand(loggingutil.NoopLogger())

	path, err := loadConfigFile()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if path != cfgPath {
		t.Fatalf("expected config from %s, got %q", cfgPath, path)
	}
	var cfg arstotzka.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if cfg.Store != "postgres://db/arstotzka" || cfg.ActionyURL != "http://actiony:8080" {
		t.Fatalf("config file not applied: %+v", cfg)
	}
	if len(cfg.Roles) != 2 || cfg.Roles[0] != "registry" {
		t.Fatalf("unexpected roles %v", cfg.Roles)
	}
	if cfg.JSONMaxBytes != 64*1024 {
		t.Fatalf("expected json-max 64KiB, got %d", cfg.JSONMaxBytes)
	}
	if cfg.SweeperInterval.String() != "30s" {
		t.Fatalf("env override not applied: %s", cfg.SweeperInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestMigratePrintsSchema(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "migrate", "--print")
	if err != nil {
		t.Fatalf("migrate --print: %v", err)
	}
	if !strings.Contains(stdout, "CREATE TABLE") {
		t.Fatalf("expected DDL, got %q", stdout)
	}
}

func TestMaintenanceRejectsMemoryStore(t *testing.T) {
	t.Setenv("ARSTOTZKA_CONFIG_DIR", t.TempDir())
	if _, _, err := executeRootCommand(t, "migrate", "--store", "mem://"); err == nil {
		t.Fatal("expected migrate to reject mem://")
	}
	if _, _, err := executeRootCommand(t, "seed", "--store", "mem://"); err == nil {
		t.Fatal("expected seed to reject mem://")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := expandPath("~/cfg.yaml")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != filepath.Join(home, "cfg.yaml") {
		t.Fatalf("unexpected expansion %q", got)
	}
}

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	os.Stderr = w
	defer func() {
		os.Stderr = orig
	}()

	done := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(r)
		done <- string(data)
	}()

	fn()
	_ = w.Close()
	return <-done
}
