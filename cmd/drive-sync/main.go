package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/drive-sync/internal/config"
	"github.com/alexjbarnes/drive-sync/internal/drive"
	"github.com/alexjbarnes/drive-sync/internal/history"
	"github.com/alexjbarnes/drive-sync/internal/logging"
	"github.com/alexjbarnes/drive-sync/internal/session"
	"github.com/alexjbarnes/drive-sync/internal/state"
	"github.com/alexjbarnes/drive-sync/internal/sync"
	"github.com/alexjbarnes/drive-sync/internal/vault"
)

var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "store-token":
			if err := storeToken(); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}

			return
		case "reset":
			if err := resetSyncState(); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}

			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// storeToken reads a refresh token from stdin, encrypts it with the
// configured password, and persists it in the state database. Token
// acquisition itself happens out of band.
func storeToken() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	fmt.Fprint(os.Stderr, "Enter refresh token: ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return errors.New("no input")
	}

	encrypted, err := session.NewTokenCipher(cfg.TokenPassword).Encrypt(scanner.Text())
	if err != nil {
		return fmt.Errorf("encrypting token: %w", err)
	}

	appState, err := state.Load(cfg.WorkspaceDir)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	err = appState.SetSession(state.StoredSession{EncryptedRefreshToken: encrypted})
	if err != nil {
		return fmt.Errorf("storing session: %w", err)
	}

	fmt.Println("refresh token stored")

	return nil
}

// resetSyncState clears both metadata sides and the dirty set so the
// next run behaves as a first sync.
func resetSyncState() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	engine, appState, _, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer appState.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return engine.Reset(ctx)
}

// buildEngine wires the full dependency graph: state, token guard,
// drive client, vault, optional history recorder, engine.
func buildEngine(cfg *config.Config, logger *slog.Logger) (*sync.Engine, *state.State, *vault.Vault, error) {
	appState, err := state.Load(cfg.WorkspaceDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading state: %w", err)
	}

	cipher := session.NewTokenCipher(cfg.TokenPassword)

	guard, err := session.NewGuard(cfg.TokenProxyOrigin, cipher, appState, nil, logger)
	if err != nil {
		appState.Close()

		return nil, nil, nil, fmt.Errorf("creating token guard: %w", err)
	}

	client := drive.NewClient(cfg.DriveOrigin, guard, nil, logger)

	v, err := vault.New(cfg.VaultDir)
	if err != nil {
		appState.Close()

		return nil, nil, nil, fmt.Errorf("opening vault: %w", err)
	}

	var recorder sync.Recorder
	if cfg.RecordHistory {
		recorder = history.NewFileRecorder(cfg.WorkspaceDir, logger)
	}

	engine := sync.NewEngine(sync.EngineConfig{
		Drive:     client,
		Vault:     v,
		State:     appState,
		Recorder:  recorder,
		Logger:    logger,
		Policy:    sync.Policy(cfg.ConflictPolicy),
		RootName:  cfg.DriveRootFolder,
		Workspace: cfg.WorkspaceDir,
	})

	return engine, appState, v, nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("drive-sync starting",
		slog.String("version", Version),
		slog.String("vault", cfg.VaultDir),
		slog.String("rootFolder", cfg.DriveRootFolder),
		slog.Duration("interval", cfg.SyncInterval),
	)

	engine, appState, v, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer appState.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.SyncInterval == 0 {
		return engine.Run(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Watch {
		watcher := vault.NewWatcher(v, appState, logger)

		g.Go(func() error {
			err := watcher.Watch(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		})
	}

	g.Go(func() error {
		return runPeriodic(gctx, engine, cfg.SyncInterval, logger)
	})

	return g.Wait()
}

// runPeriodic runs a pass immediately and then on every tick until the
// context is cancelled. A failed pass is logged and retried on the next
// tick rather than stopping the daemon.
func runPeriodic(ctx context.Context, engine *sync.Engine, interval time.Duration, logger *slog.Logger) error {
	if err := engine.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}

		logger.Error("sync pass failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := engine.Run(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}

				logger.Error("sync pass failed", slog.String("error", err.Error()))
			}
		}
	}
}
