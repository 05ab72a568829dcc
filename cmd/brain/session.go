package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kalambet/brain/internal/app"
	"github.com/kalambet/brain/internal/config"
	"github.com/kalambet/brain/internal/navigation"
	"github.com/kalambet/brain/internal/storage"
)

// openApp loads the configuration and wires the client. Tests replace it
// to point the commands at an in-process backend.
var openApp = func() (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	setupLogging(cfg.Log, os.Stderr)

	return app.Open(cfg)
}

// withApp runs fn with a freshly opened app and closes it afterwards.
func withApp(fn func(a *app.App) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("closing local storage failed", "error", err)
		}
	}()
	return fn(a)
}

// restoreLocation brings back the location of the previous invocation,
// which loads the conversation or memory it pointed at.
func restoreLocation(ctx context.Context, a *app.App) navigation.Route {
	if err := a.Nav.Restore(ctx); err != nil {
		slog.Warn("restoring last location failed", "error", err)
	}
	return a.Nav.Current()
}

// savedLocation reads the persisted location without loading anything.
func savedLocation(a *app.App) navigation.Route {
	home := navigation.Route{Page: navigation.PageHome}
	if a.Store() == nil {
		return home
	}
	raw, err := a.Store().GetState(storage.KeyLocation)
	if err != nil {
		return home
	}
	r, err := navigation.Parse(raw)
	if err != nil {
		return home
	}
	return r
}

func requireUser(a *app.App) (string, error) {
	id, err := a.UserID()
	if err != nil {
		return "", fmt.Errorf("%w; run `brain config set user.id <id>`", err)
	}
	return id, nil
}
