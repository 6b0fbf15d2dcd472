package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/statusboard/internal/audit"
	"github.com/basket/statusboard/internal/bus"
	"github.com/basket/statusboard/internal/config"
	"github.com/basket/statusboard/internal/cron"
	"github.com/basket/statusboard/internal/gateway"
	sbotel "github.com/basket/statusboard/internal/otel"
	"github.com/basket/statusboard/internal/persistence"
	"github.com/basket/statusboard/internal/room"
	"github.com/basket/statusboard/internal/staleness"
	"github.com/basket/statusboard/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	name := "statusboard"
	fmt.Fprintf(w, `Usage of %[1]s:

  %[1]s                          Start the server
  %[1]s status                   Show server health (/healthz)
  %[1]s doctor [-json]           Run diagnostic checks
  %[1]s backup <path>            Write a consistent copy of the database
  %[1]s version                  Print the version

FLAGS:
`, name)
	flag.CommandLine.SetOutput(w)
	flag.PrintDefaults()
	fmt.Fprintf(w, `
ENVIRONMENT VARIABLES:
  STATUSBOARD_HOME        Data directory (default: ~/.statusboard)
  STATUSBOARD_BIND_ADDR   Listen address (default: 127.0.0.1:8787)
  STATUSBOARD_API_KEY     Enables API key auth with this key
  STATUSBOARD_LOG_LEVEL   debug, info, warn or error
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to the log file only, not stdout")
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage(os.Stdout)
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "backup":
			os.Exit(runBackupCommand(ctx, args[1:]))
		case "version":
			fmt.Println(Version)
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage(os.Stderr)
			os.Exit(2)
		}
	}

	// Tee logs to stdout only when someone is watching.
	quietLogs := *quiet || !isatty.IsTerminal(os.Stdout.Fd())
	os.Exit(runServer(ctx, quietLogs))
}

func runServer(ctx context.Context, quietLogs bool) int {
	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, level, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "config_fingerprint", cfg.Fingerprint())
	if !isLoopbackBind(cfg.BindAddr) && len(cfg.AllowOrigins) == 0 {
		logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
	}

	// No-op when disabled.
	provider, err := sbotel.Init(ctx, sbotel.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := sbotel.NewMetrics(provider.Meter)
	if err != nil {
		return fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened", "db_path", cfg.DBPath)

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		return fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer auditLog.Close()

	eventBus := bus.New()
	rm := room.New(room.Options{
		Name:        cfg.RoomName,
		SendTimeout: cfg.SendTimeout(),
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      provider.Tracer,
	})
	engine := staleness.NewEngine(store, staleness.Options{
		Memoize: cfg.Staleness.Memoize,
		Metrics: metrics,
		Logger:  logger,
	})

	gw, err := gateway.New(gateway.Config{
		Store:             store,
		Room:              rm,
		Engine:            engine,
		Bus:               eventBus,
		Audit:             auditLog,
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            provider.Tracer,
		AllowOrigins:      cfg.AllowOrigins,
		Auth:              cfg.Auth,
		CORS:              cfg.CORS,
		RateLimit:         cfg.RateLimit,
		MaxRequestBytes:   cfg.MaxRequestBytes,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	if err != nil {
		return fatalStartup(logger, "E_GATEWAY_INIT", err)
	}
	gw.StartBackground(ctx)

	sched, err := cron.NewScheduler(cron.Config{
		Room:       rm,
		Store:      store,
		Keepalive:  cfg.Schedules.Keepalive,
		Backup:     cfg.Schedules.Backup,
		BackupDir:  cfg.Schedules.BackupDir,
		BackupKeep: cfg.Schedules.BackupKeep,
		Logger:     logger,
	})
	if err != nil {
		return fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	go logTransitions(ctx, eventBus, logger)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; hot reload disabled", "error", err)
	} else {
		go reloadOnChange(confWatcher.Events(), cfg, level, logger)
	}

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  Another process is using %s. Stop it first or change bind_addr in config.yaml", err, cfg.BindAddr)
		}
		return fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/api/ws", "room", rm.Name())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		exitCode = 1
	}

	// Stop intake first, then release live viewers so hijacked websocket
	// handlers return.
	drain := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	rm.Close()
	logger.Info("shutdown complete")
	return exitCode
}

// reloadOnChange applies the settings that can change without a restart.
// Everything else is reported so the operator knows a restart is needed.
func reloadOnChange(events <-chan config.ReloadEvent, current config.Config, level *slog.LevelVar, logger *slog.Logger) {
	for range events {
		next, err := config.Load()
		if err != nil {
			logger.Error("config.yaml reload rejected; retaining previous config", "error", err)
			continue
		}
		if next.LogLevel != current.LogLevel {
			level.Set(telemetry.ParseLevel(next.LogLevel))
			logger.Info("log level hot-reloaded", "log_level", next.LogLevel)
		}
		if next.Fingerprint() != current.Fingerprint() {
			logger.Warn("config.yaml changed; restart to apply settings other than log_level",
				"config_fingerprint", next.Fingerprint())
		}
		current = next
	}
}

// logTransitions records every fresh/stale flip published by the write path.
func logTransitions(ctx context.Context, b *bus.Bus, logger *slog.Logger) {
	sub := b.Subscribe(bus.TopicStalenessTransition)
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			tr, ok := ev.Payload.(bus.StalenessTransitionEvent)
			if !ok {
				continue
			}
			logger.Info("feature staleness changed",
				"project_id", tr.ProjectID,
				"feature_id", tr.FeatureID,
				"transition", tr.Transition,
				"at", tr.At,
			)
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"statusboard","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	return 1
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h := strings.TrimSpace(strings.ToLower(host))
	return h == "127.0.0.1" || h == "localhost" || h == "::1"
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}
