package doctor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/statusboard/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		HomeDir:  home,
		BindAddr: "127.0.0.1:0",
		DBPath:   filepath.Join(home, "statusboard.db"),
		Schedules: config.ScheduleConfig{
			Keepalive: "@every 30s",
			Backup:    "@daily",
			BackupDir: filepath.Join(home, "backups"),
		},
	}
}

func TestRun_HealthyInstall(t *testing.T) {
	d := Run(context.Background(), testConfig(t), "test")

	if d.System.Version != "test" {
		t.Fatalf("version = %q", d.System.Version)
	}
	if len(d.Results) != 6 {
		t.Fatalf("expected 6 checks, got %d", len(d.Results))
	}
	for _, r := range d.Results {
		if r.Status != StatusPass {
			t.Fatalf("check %s: expected PASS, got %s (%s %s)", r.Name, r.Status, r.Message, r.Detail)
		}
	}
	if d.Failed() {
		t.Fatal("healthy diagnosis should not report failure")
	}
}

func TestRun_NilConfigSkips(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if !d.Failed() {
		t.Fatal("missing config should fail")
	}
	for _, r := range d.Results[1:] {
		if r.Status != StatusSkip {
			t.Fatalf("check %s: expected SKIP, got %s", r.Name, r.Status)
		}
	}
}

func TestCheckSchedules_Invalid(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedules.Backup = "whenever"

	r := checkSchedules(context.Background(), cfg)
	if r.Status != StatusFail {
		t.Fatalf("expected FAIL, got %s", r.Status)
	}

	cfg.Schedules.Backup = ""
	cfg.Schedules.Keepalive = ""
	if r := checkSchedules(context.Background(), cfg); r.Status != StatusPass || r.Detail != "keepalive: disabled; backup: disabled" {
		t.Fatalf("disabled schedules: %+v", r)
	}
}

func TestCheckDatabase_Corrupt(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.DBPath, []byte("this is not a database file at all, not even close"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if r := checkDatabase(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL for a corrupt database, got %+v", r)
	}
}

func TestCheckAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.BindAddr = "0.0.0.0:8787"
	if r := checkAuth(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("open non-loopback bind should warn, got %s", r.Status)
	}

	cfg.Auth = config.AuthConfig{Enabled: true, Keys: []config.APIKeyEntry{{Name: "viewer", Key: "k", ReadOnly: true}}}
	if r := checkAuth(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("read-only keys only should warn, got %s", r.Status)
	}

	cfg.Auth.Keys = append(cfg.Auth.Keys, config.APIKeyEntry{Name: "ci", Key: "w"})
	if r := checkAuth(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("expected PASS, got %s", r.Status)
	}
}

func TestCheckBindAddr_InUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.BindAddr = ln.Addr().String()
	if r := checkBindAddr(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("expected WARN for an occupied address, got %s", r.Status)
	}
}

func TestIsLoopback(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:8787": true,
		"localhost:80":   true,
		"[::1]:8787":     true,
		"0.0.0.0:8787":   false,
		"10.0.0.5:8787":  false,
		"garbage":        false,
	} {
		if got := isLoopback(addr); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", addr, got, want)
		}
	}
}
