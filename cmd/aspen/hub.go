package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/aspen/internal/conductor"
	"github.com/ShayCichocki/aspen/internal/dispatch"
	"github.com/ShayCichocki/aspen/internal/hub"
	"github.com/ShayCichocki/aspen/internal/oplog"
	"github.com/ShayCichocki/aspen/internal/resolver"
	"github.com/ShayCichocki/aspen/internal/state"
)

// systemActor is the identity the hub's own machinery acts as. It is
// always a store administrator.
const systemActor = "aspen"

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the hub daemon",
	Long: `Run the hub: the task store, the dependency engine, and the
conductor loop, exposed over an HTTP API.

The hub is the single writer for task state. Executors report outcomes
to it, CLI clients create and inspect tasks through it, and the
conductor retries failures and spawns declared follow-ups.`,
	RunE: runHub,
}

func runHub(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := oplog.New(cfg.Hub.LogPath)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer log.Close()

	dbPath := cfg.Hub.DBPath
	if dbPath == "" {
		dbPath = state.DefaultDBPath()
	}
	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate task store: %w", err)
	}
	db.SetAdmins(append([]string{systemActor}, cfg.Hub.Admins...))

	dispatcher := dispatch.New(db, cfg.Ember.Token)
	engine := resolver.New(db, dispatcher, systemActor)
	engine.SetLogf(log.Log)

	cond := conductor.New(db, engine, conductor.Config{
		Actor:            systemActor,
		TickInterval:     cfg.Conductor.TickInterval,
		RetryCeiling:     cfg.Conductor.RetryCeiling,
		StaleLaunched:    cfg.Conductor.StaleLaunched,
		MaxActivePerHost: cfg.Conductor.MaxActivePerHost,
		DefaultMaxDepth:  cfg.Conductor.DefaultMaxDepth,
		SignalDir:        cfg.Conductor.SignalDir,
	}, log)
	engine.SetNotify(cond.NotifyHook())

	server := hub.NewServer(db, engine, log)
	httpSrv := &http.Server{
		Addr:    cfg.Hub.Listen,
		Handler: server.Router(cfg.Hub.Token),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	color.Green("aspen hub listening on %s (store: %s)", cfg.Hub.Listen, dbPath)
	log.Log("hub started on %s", cfg.Hub.Listen)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := cond.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("hub: %w", err)
	}
	log.Log("hub stopped")
	return nil
}
