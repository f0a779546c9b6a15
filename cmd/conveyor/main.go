// Command conveyor runs the flow execution engine as an MCP server on
// stdio. State lives in a local libsql database under ~/.conveyor.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/conveyorhq/conveyor/internal/engine"
	"github.com/conveyorhq/conveyor/internal/expressions"
	"github.com/conveyorhq/conveyor/internal/logging"
	"github.com/conveyorhq/conveyor/internal/pieces"
	"github.com/conveyorhq/conveyor/internal/progress"
	"github.com/conveyorhq/conveyor/internal/scheduler"
	"github.com/conveyorhq/conveyor/internal/secrets"
	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/internal/validation"
	"github.com/conveyorhq/conveyor/pkg/mcp"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("conveyor " + version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "conveyor:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	// Logs go to stderr; stdout carries the MCP protocol.
	handler := logging.NewCorrelationHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	eventLog := store.NewEventLog(st)

	var vault expressions.ConnectionResolver
	if cfg.VaultPassphrase != "" {
		salt, err := hex.DecodeString(cfg.VaultSalt)
		if err != nil {
			return fmt.Errorf("decode vault salt: %w", err)
		}
		v, err := secrets.NewAESVault(st, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       salt,
		})
		if err != nil {
			return fmt.Errorf("open vault: %w", err)
		}
		vault = v
	}

	engines, err := expressions.Engines()
	if err != nil {
		return fmt.Errorf("init expression engines: %w", err)
	}
	resolver := expressions.NewResolver(vault)

	registry := pieces.NewRegistry()
	if err := pieces.RegisterBuiltins(registry, pieces.HTTPConfig{}); err != nil {
		return fmt.Errorf("register pieces: %w", err)
	}

	validator, err := validation.NewFlowValidator(registry)
	if err != nil {
		return fmt.Errorf("init validator: %w", err)
	}

	sessions := mcp.NewSessionRegistry()
	notifier := mcp.NewProgressNotifier(sessions)
	reporter := progress.NewMulti(progress.NewEventReporter(eventLog), notifier)

	interpreter := engine.NewInterpreter(engine.InterpreterDeps{
		Resolver: resolver,
		Engines:  engines,
		Registry: registry,
		Reporter: reporter,
		Logger:   logger,
	})
	runner := engine.NewRunner(engine.RunnerDeps{
		Store:       st,
		EventLog:    eventLog,
		Interpreter: interpreter,
		Validator:   validator,
		Config: engine.RunnerConfig{
			PublicURL:    cfg.PublicURL,
			InternalURL:  cfg.InternalURL,
			ProgressMode: engine.ProgressMode(cfg.ProgressMode),
		},
		Logger: logger,
	})

	sched, err := scheduler.NewScheduler(st, runner, cfg.PollSchedule, logger)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	srv := mcp.NewConveyorServer(mcp.ConveyorServerDeps{
		Runner:   runner,
		Sessions: sessions,
		Notifier: notifier,
		Logger:   logger,
	})

	logger.InfoContext(ctx, "conveyor engine starting",
		"version", version,
		"db_path", cfg.DBPath,
	)
	return srv.Serve(ctx)
}
