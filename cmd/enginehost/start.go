package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/enginehost/internal/api"
	"github.com/mattjoyce/enginehost/internal/auth"
	"github.com/mattjoyce/enginehost/internal/bridge"
	"github.com/mattjoyce/enginehost/internal/config"
	"github.com/mattjoyce/enginehost/internal/dispatch"
	"github.com/mattjoyce/enginehost/internal/events"
	"github.com/mattjoyce/enginehost/internal/journal"
	"github.com/mattjoyce/enginehost/internal/lock"
	"github.com/mattjoyce/enginehost/internal/log"
	"github.com/mattjoyce/enginehost/internal/storage"
	"github.com/mattjoyce/enginehost/internal/worker"
)

const (
	eventBufferSize = 256
	pruneInterval   = time.Hour
)

var errStartupAborted = errors.New("startup aborted after worker failure")

// hostOptions are the start-path seams tests replace.
type hostOptions struct {
	// continueAfterFailure decides whether the host keeps serving after the
	// worker fails to start. It must return once ctx is done.
	continueAfterFailure func(ctx context.Context, err error) bool
	launcher             worker.Launcher
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	if err := log.SetupWithOptions(log.Options{
		Level:    cfg.Service.LogLevel,
		Format:   cfg.Service.LogFormat,
		FilePath: cfg.Service.LogFile(),
		MaxBytes: cfg.Service.LogMaxBytes,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Log file unavailable, logging to console only: %v\n", err)
	}
	defer log.Close()

	logger := log.WithComponent("main")
	logger.Info("enginehost starting", "version", version, "config", cfg.SourcePath)

	instance, err := lock.Acquire(cfg.Service.LockPath)
	if err != nil {
		logger.Error("failed to acquire instance lock (another host may be running)", "path", cfg.Service.LockPath, "error", err)
		return 1
	}
	defer instance.Release()
	logger.Info("acquired instance lock", "path", instance.Path())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runHost(ctx, cfg, hostOptions{
		continueAfterFailure: startFailurePrompt(cfg, os.Stdin, os.Stderr),
	})
}

// runHost wires the host together and blocks until ctx ends, the UI asks
// the host to exit, or a component fails.
func runHost(ctx context.Context, cfg *config.Config, opts hostOptions) (code int) {
	logger := log.WithComponent("main")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, dir := range []string{cfg.Paths.TempDir, cfg.Paths.ReportDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("failed to create data directory", "path", dir, "error", err)
			return 1
		}
	}

	hub := events.NewHub(eventBufferSize)

	var (
		recorder dispatch.Recorder
		calls    api.CallLister
		jrnl     *journal.Journal
	)
	if cfg.Journal.Enabled {
		db, err := storage.OpenSQLite(ctx, cfg.Journal.Path)
		if err != nil {
			logger.Error("failed to open call journal", "path", cfg.Journal.Path, "error", err)
			return 1
		}
		defer db.Close()
		jrnl = journal.New(db)
		recorder, calls = jrnl, jrnl
		logger.Info("call journal opened", "path", cfg.Journal.Path)
	}

	sup := worker.New(workerConfig(cfg), opts.launcher, hub)
	disp := dispatch.New(sup, dispatch.Options{
		Timeout:   cfg.Calls.Timeout,
		MaxQueued: cfg.Calls.MaxQueued,
	}, recorder, hub)
	sup.SetObserver(disp)

	startup, err := startupOperations(cfg.Startup.Operations)
	if err != nil {
		logger.Error("invalid startup operations", "error", err)
		return 1
	}
	br := bridge.New(disp, sup, hub, startup, bridge.Paths{
		LogDir:    cfg.Service.LogDir,
		TempDir:   cfg.Paths.TempDir,
		ReportDir: cfg.Paths.ReportDir,
	})
	br.SetExitHandler(cancel)

	// Whatever happens below, the worker does not outlive the host.
	defer stopWorker(sup, cfg.Worker.ShutdownGrace, logger)

	g, gctx := errgroup.WithContext(ctx)
	goSafe(g, "lifetime", func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	if cfg.API.Enabled {
		srv := api.New(apiConfig(cfg), br, hub, calls, log.WithComponent("api"))
		goSafe(g, "api", func() error {
			if err := srv.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if jrnl != nil && cfg.Journal.Retention > 0 {
		goSafe(g, "journal", func() error {
			return jrnl.RunPruner(gctx, cfg.Journal.Retention, pruneInterval)
		})
	}

	goSafe(g, "worker", func() error {
		if err := sup.Start(gctx); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			logger.Error("worker failed to start",
				"error", err,
				"log_dir", cfg.Service.LogDir,
				"hint", startHint(err),
			)
			if opts.continueAfterFailure != nil && !opts.continueAfterFailure(gctx, err) {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: %v", errStartupAborted, err)
			}
			logger.Warn("host running without a ready worker; restart it with POST /v1/worker/restart")
			return nil
		}
		br.RunStartup(gctx)
		return nil
	})

	logger.Info("enginehost running (press Ctrl+C to stop)")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("component failed", "error", err)
		return 1
	}

	logger.Info("enginehost stopped")
	return 0
}

// goSafe runs fn in g, turning a panic into a group error.
func goSafe(g *errgroup.Group, name string, fn func() error) {
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in host component", "component", name, "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("%s: panic: %v", name, r)
			}
		}()
		return fn()
	})
}

func stopWorker(sup *worker.Supervisor, grace time.Duration, logger *slog.Logger) {
	sup.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), grace+2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err != nil {
		logger.Warn("worker did not exit in time", "error", err)
	}
}

func workerConfig(cfg *config.Config) worker.Config {
	w := cfg.Worker
	return worker.Config{
		Executable:     w.Executable,
		Script:         w.Script,
		Args:           w.Args,
		WorkingDir:     w.WorkingDir,
		Env:            w.Env,
		LogDir:         cfg.Service.LogDir,
		LogDirEnv:      w.LogDirEnv,
		ReadyTimeout:   w.ReadyTimeout,
		ShutdownGrace:  w.ShutdownGrace,
		ScriptBLAKE3:   w.ScriptBLAKE3,
		ControlChannel: w.ControlChannel,
	}
}

func apiConfig(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	ops := make([]string, 0, len(cfg.Startup.Operations))
	for _, op := range cfg.Startup.Operations {
		ops = append(ops, op.Operation)
	}
	return api.Config{
		Listen:     cfg.API.Listen,
		APIKey:     cfg.API.Auth.APIKey,
		Tokens:     tokens,
		Operations: ops,
		Version:    version,
	}
}

func startupOperations(ops []config.StartupOperation) ([]bridge.StartupOperation, error) {
	out := make([]bridge.StartupOperation, 0, len(ops))
	for _, op := range ops {
		var payload json.RawMessage
		if len(op.Payload) > 0 {
			b, err := json.Marshal(op.Payload)
			if err != nil {
				return nil, fmt.Errorf("startup operation %s: %w", op.Operation, err)
			}
			payload = b
		}
		out = append(out, bridge.StartupOperation{Operation: op.Operation, Payload: payload})
	}
	return out, nil
}

func startHint(err error) string {
	switch {
	case errors.Is(err, worker.ErrReadinessTimeout):
		return "the worker never printed its ready event; check the worker log for import or load errors"
	case errors.Is(err, worker.ErrSpawnFailed):
		return "check worker.executable and worker.script, then run 'enginehost config check'"
	default:
		return "run 'enginehost config check'"
	}
}

// startFailurePrompt asks the operator whether to keep the host up after the
// worker fails to start. Without a terminal, startup.exit_on_failure decides.
func startFailurePrompt(cfg *config.Config, in *os.File, out io.Writer) func(context.Context, error) bool {
	return func(ctx context.Context, err error) bool {
		if !isTerminal(in) {
			return !cfg.Startup.ExitOnFailure
		}
		fmt.Fprintf(out, "\nThe worker failed to start: %v\n", err)
		fmt.Fprintf(out, "Logs are in %s\n", cfg.Service.LogDir)
		fmt.Fprint(out, "Keep the host running without a worker? [Y/n] ")
		return readContinue(ctx, in)
	}
}

// readContinue reads one answer line. Anything but an explicit no continues.
// A done ctx counts as no; the read itself is left behind.
func readContinue(ctx context.Context, r io.Reader) bool {
	answer := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(r).ReadString('\n')
		answer <- line
	}()

	var line string
	select {
	case line = <-answer:
	case <-ctx.Done():
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "n", "no", "q", "quit", "exit":
		return false
	default:
		return true
	}
}

func isTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
