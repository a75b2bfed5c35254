package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skybet/canvass/internal/app"
	"github.com/skybet/canvass/internal/config"
	"github.com/skybet/canvass/pkg/prefs"
	"github.com/skybet/canvass/pkg/preview"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

func runServe(ctx context.Context, configPath string, debug, watch bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize canvass: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.Logger.Warn(context.Background(), "close failed", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if watch {
		go func() {
			err := config.Watch(ctx, configPath, config.DefaultWatchDebounce, func(next *config.Config, err error) {
				if err != nil {
					a.Logger.Error(ctx, "config reload failed, keeping previous configuration", "error", err)
					return
				}
				a.Reload(ctx, next)
			})
			if err != nil {
				a.Logger.Error(ctx, "config watch stopped", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newServer(a).routes(),
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	a.Logger.Info(ctx, "canvass server started",
		"addr", cfg.Server.Addr,
		"version", version,
		"commit", commit,
		"config", configPath,
		"watch", watch,
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	a.Logger.Info(context.Background(), "shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutMs)*time.Millisecond)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	a.Logger.Info(context.Background(), "canvass server stopped gracefully")
	return nil
}

// =============================================================================
// State Command Handler
// =============================================================================

func runState(cmd *cobra.Command, configPath, visitorID, path, query string, fire []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, app.WithLogOutput(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer a.Close()

	// Cookies need a request; a one-off page view uses a throwaway store.
	var store prefs.Store = prefs.NewMemoryStore()
	if cfg.Storage.Driver != config.DriverCookie {
		if store, err = a.Store(nil, nil, visitorID); err != nil {
			return err
		}
	}

	session, err := a.NewSession(ctx, app.Visit{
		VisitorID: visitorID,
		Path:      path,
		Query:     query,
		Store:     store,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	for _, event := range fire {
		if err := session.Emit(event); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "event %s: %v\n", event, err)
		}
	}
	return session.Manager.PrintState(cmd.OutOrStdout())
}

// =============================================================================
// Preview Command Handler
// =============================================================================

func runPreview(cmd *cobra.Command, query, param string) error {
	resolved := preview.ParseValue(preview.QueryValue(query, param))
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "mode: %s\n", resolved.Mode)

	ids := make([]string, 0, len(resolved.Experiments))
	for id := range resolved.Experiments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(out, "  %s -> %s\n", id, resolved.Experiments[id])
	}
	return nil
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigValidate(cmd *cobra.Command, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d experiments, storage %s, provider %s)\n",
		path, len(cfg.Experiments), cfg.Storage.Driver, cfg.Provider.Type)
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	raw, err := config.JSONSchema()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if _, err := out.Write(raw); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out)
	return err
}
