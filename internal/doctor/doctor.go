// Package doctor runs local diagnostics for a statusboard installation.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/statusboard/internal/config"
	"github.com/basket/statusboard/internal/cron"
	"github.com/basket/statusboard/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkSchedules,
		checkAuth,
		checkBindAddr,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	path := config.ConfigPath(cfg.HomeDir)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Config", Status: StatusPass, Message: "Using defaults", Detail: path + " not present"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", path), Detail: cfg.Fingerprint()}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	var result string
	if err := store.DB().QueryRowContext(ctx, `PRAGMA quick_check;`).Scan(&result); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Integrity check failed: %v", err)}
	}
	if result != "ok" {
		return CheckResult{Name: "Database", Status: StatusFail, Message: "Integrity check reported problems", Detail: result}
	}
	projects, err := store.ListProjects(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: "Schema current and integrity ok",
		Detail:  fmt.Sprintf("%s (%d projects)", cfg.DBPath, len(projects)),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	dirs := []string{cfg.HomeDir}
	if cfg.Schedules.Backup != "" && cfg.Schedules.BackupDir != "" {
		dirs = append(dirs, cfg.Schedules.BackupDir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		_ = os.Remove(testFile)
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Data directories writable", Detail: strings.Join(dirs, ", ")}
}

func checkSchedules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedules", Status: StatusSkip, Message: "Config missing"}
	}
	now := time.Now()
	var details []string
	for _, job := range []struct{ name, expr string }{
		{"keepalive", cfg.Schedules.Keepalive},
		{"backup", cfg.Schedules.Backup},
	} {
		if strings.TrimSpace(job.expr) == "" {
			details = append(details, job.name+": disabled")
			continue
		}
		next, err := cron.NextRunTime(job.expr, now)
		if err != nil {
			return CheckResult{Name: "Schedules", Status: StatusFail, Message: fmt.Sprintf("Invalid %s schedule %q", job.name, job.expr), Detail: err.Error()}
		}
		details = append(details, fmt.Sprintf("%s: next %s", job.name, next.Format(time.RFC3339)))
	}
	return CheckResult{Name: "Schedules", Status: StatusPass, Message: "Schedules valid", Detail: strings.Join(details, "; ")}
}

func checkAuth(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.Auth.Enabled {
		if isLoopback(cfg.BindAddr) {
			return CheckResult{Name: "Auth", Status: StatusPass, Message: "Disabled on loopback bind"}
		}
		return CheckResult{
			Name:    "Auth",
			Status:  StatusWarn,
			Message: "API is unauthenticated on a non-loopback address",
			Detail:  "Set auth.enabled with auth.keys, or STATUSBOARD_API_KEY",
		}
	}
	writers := 0
	for _, k := range cfg.Auth.Keys {
		if !k.ReadOnly {
			writers++
		}
	}
	if writers == 0 {
		return CheckResult{Name: "Auth", Status: StatusWarn, Message: "Every API key is read-only; reporters cannot write"}
	}
	return CheckResult{Name: "Auth", Status: StatusPass, Message: fmt.Sprintf("%d keys configured (%d with write access)", len(cfg.Auth.Keys), writers)}
}

// checkBindAddr reports whether the listen address is free. An address in use
// usually means the server is already running, so it only warns.
func checkBindAddr(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{Name: "Network", Status: StatusWarn, Message: fmt.Sprintf("Cannot bind %s", cfg.BindAddr), Detail: err.Error()}
	}
	_ = ln.Close()
	return CheckResult{Name: "Network", Status: StatusPass, Message: fmt.Sprintf("%s is available", cfg.BindAddr)}
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
