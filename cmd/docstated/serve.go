package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ivan-mezentsev/anti-ephemeral-state/internal/docstate"
	"github.com/ivan-mezentsev/anti-ephemeral-state/internal/hostbridge"
	"github.com/ivan-mezentsev/anti-ephemeral-state/internal/vaultwatch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the websocket bridge and vault watcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadSettings()
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().String("addr", "127.0.0.1:8750", "listen address")
	if err := viper.BindPFlag("addr", serveCmd.Flags().Lookup("addr")); err != nil {
		log.Fatalf("bind flag addr: %v", err)
	}
	rootCmd.AddCommand(serveCmd)
}

// engineRelay forwards filesystem events to whichever engine currently owns a
// host session. Between sessions the events still need to land in storage, so
// rename and delete fall back to direct record-store operations.
type engineRelay struct {
	engine atomic.Pointer[docstate.Engine]
	store  *docstate.RecordStore
}

func (r *engineRelay) set(engine *docstate.Engine) {
	r.engine.Store(engine)
}

func (r *engineRelay) HandleRename(oldPath, newPath string) {
	if engine := r.engine.Load(); engine != nil {
		engine.HandleRename(oldPath, newPath)
		return
	}
	r.store.Migrate(oldPath, newPath)
}

func (r *engineRelay) HandleDelete(path string) {
	if engine := r.engine.Load(); engine != nil {
		engine.HandleDelete(path)
		return
	}
	r.store.Remove(path)
}

func (r *engineRelay) HandleExternalModification(path string) {
	if engine := r.engine.Load(); engine != nil {
		engine.HandleExternalModification(path)
	}
}

func runServe(ctx context.Context, cfg settings) error {
	logger := log.New(os.Stderr, "docstated: ", log.LstdFlags)

	backend, err := docstate.BuildBackendFromDSN(cfg.StorageDSN)
	if err != nil {
		return fmt.Errorf("storage backend: %w", err)
	}
	if backend == nil {
		return fmt.Errorf("storage DSN is required")
	}
	defer backend.Close()

	documents := docstate.OSDocumentFS{Root: cfg.Vault}
	store, err := docstate.NewRecordStore(docstate.RecordStoreOptions{
		Backend:   backend,
		Documents: documents,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("record store: %w", err)
	}

	relay := &engineRelay{store: store}
	bridge, err := hostbridge.NewServer(hostbridge.ServerOptions{
		Store:  store,
		Logger: logger,
		NewEngine: func(host docstate.Host, status docstate.StatusListener) (*docstate.Engine, error) {
			engine, err := docstate.NewEngine(docstate.EngineOptions{
				Backend:          backend,
				Documents:        documents,
				Host:             host,
				Logger:           logger,
				StatusListener:   status,
				LockModeDisabled: !cfg.LockMode,
				DebounceDelay:    cfg.DebounceDelay,
			})
			if err != nil {
				return nil, err
			}
			relay.set(engine)
			return engine, nil
		},
	})
	if err != nil {
		return fmt.Errorf("host bridge: %w", err)
	}

	watcher, err := vaultwatch.New(vaultwatch.Options{
		Root:       cfg.Vault,
		Events:     relay,
		Logger:     logger,
		IgnoreDirs: []string{".docstate", ".git"},
	})
	if err != nil {
		return fmt.Errorf("vault watcher: %w", err)
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("vault watcher stopped: %v", err)
		}
	}()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           bridge,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	pterm.Info.Printfln("serving vault %s on %s (storage %s)", cfg.Vault, cfg.Addr, cfg.StorageDSN)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
