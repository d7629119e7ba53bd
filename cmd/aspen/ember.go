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

	"github.com/ShayCichocki/aspen/internal/exec"
	"github.com/ShayCichocki/aspen/internal/executor"
	"github.com/ShayCichocki/aspen/internal/hub"
	"github.com/ShayCichocki/aspen/internal/oplog"
)

var emberFlags struct {
	host string
}

var emberCmd = &cobra.Command{
	Use:   "ember",
	Short: "Run the per-host executor daemon",
	Long: `Run an ember: the executor daemon serving one host.

Ember accepts dispatches from the hub, runs each task in an isolated
git worktree as its own process group, and reports the outcome back to
the hub when the session exits. On startup it registers its endpoint
with the hub so the dispatcher can find it.`,
	RunE: runEmber,
}

func init() {
	emberCmd.Flags().StringVar(&emberFlags.host, "host", "", "Host identity this executor serves (defaults to the hostname)")
}

func runEmber(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	host := emberFlags.host
	if host == "" {
		host = cfg.Ember.Host
	}
	if host == "" {
		host, err = os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve host identity: %w", err)
		}
	}

	log, err := oplog.New(cfg.Ember.LogPath)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer log.Close()

	reporter := hub.NewClient(cfg.Hub.URL, cfg.Hub.Token, host)
	ember := executor.New(executor.Config{
		Host:         host,
		Capacity:     cfg.Ember.Capacity,
		RepoPath:     cfg.Ember.RepoPath,
		WorktreeBase: cfg.Ember.WorktreeBase,
		AgentCommand: cfg.Ember.AgentCommand,
		ReapInterval: cfg.Ember.ReapInterval,
	}, exec.NewRunner(), reporter, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registerCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := reporter.RegisterExecutor(registerCtx, host, cfg.Ember.URL); err != nil {
		return fmt.Errorf("register with hub at %s: %w", cfg.Hub.URL, err)
	}

	httpSrv := &http.Server{
		Addr:    cfg.Ember.Listen,
		Handler: ember.Router(cfg.Ember.Token),
	}

	color.Green("aspen ember %q listening on %s (hub: %s)", host, cfg.Ember.Listen, cfg.Hub.URL)
	log.Log("ember %s started on %s", host, cfg.Ember.Listen)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ember.RunReaper(ctx)
		return nil
	})
	g.Go(func() error {
		// Periodic re-registration keeps the endpoint's last-seen fresh.
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := reporter.RegisterExecutor(ctx, host, cfg.Ember.URL); err != nil {
					log.Log("re-register with hub: %v", err)
				}
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		// Give in-flight outcome reports a chance to reach the hub.
		// Sessions still running hold their waiters, so the drain is
		// bounded by the same shutdown window.
		drained := make(chan struct{})
		go func() {
			ember.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-shutdownCtx.Done():
			log.Log("shutdown: sessions still running, leaving waiters behind")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("ember: %w", err)
	}
	log.Log("ember %s stopped", host)
	return nil
}
