// Wagate is a multi-tenant WhatsApp gateway for appointment
// notifications. It manages one upstream bridge session per tenant
// phone number, handles pairing and bounded reconnection, and exposes
// an HTTP command surface for session lifecycle and outbound sends.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	wagate serve             Start the gateway
//	wagate init [dir]        Initialize a working directory with defaults
//	wagate version           Print version and build information
//	wagate -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/citaflow/wagate/internal/api"
	"github.com/citaflow/wagate/internal/buildinfo"
	"github.com/citaflow/wagate/internal/config"
	"github.com/citaflow/wagate/internal/creds"
	"github.com/citaflow/wagate/internal/events"
	"github.com/citaflow/wagate/internal/msglog"
	"github.com/citaflow/wagate/internal/report"
	"github.com/citaflow/wagate/internal/session"
	"github.com/citaflow/wagate/internal/transport"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run]. This keeps os.Exit, os.Stdout, and
// os.Args out of the application logic so the full
// startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the wagate command. Arguments are
// parsed by hand: the flag package relies on package-level globals
// (flag.CommandLine), which makes it impossible to call run()
// concurrently from tests, and the argument surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" && !strings.HasPrefix(args[i], "-") {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Wagate - Multi-tenant WhatsApp Gateway")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: wagate [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the gateway")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./wagate.yaml, ~/.config/wagate/wagate.yaml, /etc/wagate/wagate.yaml")
	return nil
}

// loadConfig discovers and loads the config file, returning both the
// parsed config and the path it was read from.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// runServe boots the full gateway: credential store, delivery log,
// failure telemetry, session registry, and HTTP command surface. It
// blocks until ctx is cancelled or a termination signal arrives, then
// shuts everything down in dependency order.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level)
	slog.SetDefault(logger)

	logger.Info("starting wagate",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
	)

	if cfg.Upstream.URL == "" {
		return errors.New("config: upstream.url is required")
	}

	credStore, err := creds.NewStore(cfg.Store.CredsDir, logger)
	if err != nil {
		return fmt.Errorf("credential store: %w", err)
	}

	var deliveries *msglog.Store
	if cfg.Store.MessageLog != "" {
		deliveries, err = msglog.NewStore(cfg.Store.MessageLog)
		if err != nil {
			return fmt.Errorf("delivery log: %w", err)
		}
		defer deliveries.Close()
		logger.Info("delivery log open", "path", cfg.Store.MessageLog)
	}

	reporter := report.New(cfg.Notify.URL, cfg.Notify.Token, logger)
	if cfg.Notify.URL != "" {
		logger.Info("failure telemetry enabled", "url", cfg.Notify.URL)
	}

	bus := events.New()

	// Mirror lifecycle events into the trace log.
	eventSub := bus.Subscribe(64)
	defer bus.Unsubscribe(eventSub)
	go func() {
		for ev := range eventSub {
			logger.Log(context.Background(), config.LevelTrace, "bus event",
				"source", ev.Source,
				"kind", ev.Kind,
				"data", ev.Data,
			)
		}
	}()

	dialer := &transport.WSDialer{
		BaseURL:     cfg.Upstream.URL,
		Token:       cfg.Upstream.Token,
		DialTimeout: cfg.Upstream.DialTimeout(),
		Logger:      logger,
	}

	registry := session.NewRegistry(session.Options{
		Dialer:               dialer,
		Creds:                credStore,
		Reporter:             reporter,
		Bus:                  bus,
		Deliveries:           deliveries,
		Logger:               logger,
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
		FirstReconnectDelay:  time.Duration(cfg.Reconnect.FirstDelaySec) * time.Second,
		NextReconnectDelay:   time.Duration(cfg.Reconnect.NextDelaySec) * time.Second,
		RetryReconnectDelay:  time.Duration(cfg.Reconnect.RetryDelaySec) * time.Second,
		DialTimeout:          cfg.Upstream.DialTimeout(),
	})

	// Restore sessions for every tenant with stored credentials before
	// the API opens; callers see a warm registry.
	if err := registry.LoadExisting(ctx); err != nil {
		logger.Warn("restoring stored sessions failed", "error", err)
	}

	addr := net.JoinHostPort(cfg.Listen.Address, strconv.Itoa(cfg.Listen.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(registry, deliveries, cfg.API.Token, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("command API listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		registry.CloseAll()
		reporter.Flush()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(stderr, "http shutdown: %v\n", err)
	}
	registry.CloseAll()
	reporter.Flush()
	logger.Info("shutdown complete", "uptime", buildinfo.Uptime().String())
	return nil
}
