// Command companion runs the loopback control-plane daemon used by the
// browser extension: it supervises tool servers, executes shell commands
// under the permission policy, schedules recurring jobs, and keeps durable
// run and approval records.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Trapezohe/companion-service/internal/config"
	"github.com/Trapezohe/companion-service/internal/cron"
	"github.com/Trapezohe/companion-service/internal/logging"
	"github.com/Trapezohe/companion-service/internal/mcp"
	"github.com/Trapezohe/companion-service/internal/policy"
	"github.com/Trapezohe/companion-service/internal/runtime"
	"github.com/Trapezohe/companion-service/internal/store"
	"github.com/Trapezohe/companion-service/internal/web"
)

// version is injected via -ldflags at build time.
var version = "dev"

func main() {
	var (
		portFlag  = flag.Int("port", 0, "listen port (overrides companion.json)")
		debugFlag = flag.Bool("debug", false, "enable debug logging")
		levelFlag = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	if err := run(*portFlag, *debugFlag, *levelFlag); err != nil {
		fmt.Fprintf(os.Stderr, "companion: %v\n", err)
		os.Exit(1)
	}
}

func run(portOverride int, debug bool, level string) error {
	dir, err := config.Dir()
	if err != nil {
		return err
	}

	if debug {
		level = "debug"
	}
	logging.Init(logging.Config{
		LogDir: dir,
		Level:  level,
		Debug:  debug,
	})
	defer logging.Shutdown()
	log := logging.Logger()

	cfg, err := config.Init()
	if err != nil {
		return err
	}
	port := cfg.Port
	if portOverride > 0 {
		port = portOverride
	}

	pol, err := policy.Normalize(cfg.PermissionPolicy, false)
	if err != nil || (pol.Mode == policy.ModeWorkspace && len(pol.Roots) == 0) {
		pol = policy.Default()
	}

	if _, err := config.WritePidFile(); err != nil {
		log.Warn("pid_write_failed", slog.String("error", err.Error()))
	}
	defer config.RemovePidFile()

	runs := store.OpenRunStore(dir)
	approvals := store.OpenApprovalStore(dir)
	cronStore := store.OpenCronStore(dir)

	supervisor := mcp.NewSupervisor(cfg.MCPServers, version)
	sessions := runtime.NewManager()
	scheduler := cron.New(cronStore)

	server := web.NewServer(web.Config{
		Port:       port,
		Token:      cfg.Token,
		Version:    version,
		SkillsRoot: dir,
		Policy:     pol,
		Runs:       runs,
		Approvals:  approvals,
		CronStore:  cronStore,
		Scheduler:  scheduler,
		Supervisor: supervisor,
		Sessions:   sessions,
	})

	watcher, err := config.NewPolicyWatcher(server.SetPolicy)
	if err != nil {
		log.Warn("policy_watcher_disabled", slog.String("error", err.Error()))
	} else if err := watcher.Start(); err != nil {
		log.Warn("policy_watcher_failed", slog.String("error", err.Error()))
		watcher = nil
	}

	supervisor.StartAll()
	scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening",
			slog.String("addr", server.Addr()),
			slog.String("version", version))
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", server.Addr(), err)
		}
	case sig := <-sigCh:
		log.Info("shutting_down", slog.String("signal", sig.String()))
	}

	if watcher != nil {
		watcher.Stop()
	}
	scheduler.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("shutdown_error", slog.String("error", err.Error()))
	}
	supervisor.Shutdown()

	log.Info("stopped")
	return nil
}
