// Package app builds the client once at start-up: one API client, one
// sequencer and one instance of each store, wired to the navigation
// coordinator. Consumers get the App by reference; nothing is global.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/brain/internal/api"
	"github.com/kalambet/brain/internal/chat"
	"github.com/kalambet/brain/internal/config"
	"github.com/kalambet/brain/internal/memory"
	"github.com/kalambet/brain/internal/navigation"
	"github.com/kalambet/brain/internal/profile"
	"github.com/kalambet/brain/internal/reminder"
	"github.com/kalambet/brain/internal/sequence"
	"github.com/kalambet/brain/internal/storage"
)

// ErrNoUser is returned by operations that need user.id when it is unset.
var ErrNoUser = errors.New("user.id is not configured (env BRAIN_USER_ID)")

type App struct {
	Config     config.Config
	API        *api.Client
	Chat       *chat.Store
	Memory     *memory.Repository
	Reminders  *reminder.Lifecycle
	Nav        *navigation.Coordinator
	Onboarding *profile.Onboarding

	store  *storage.Store
	logger *slog.Logger
}

// Options overrides parts of the wiring, mostly for tests.
type Options struct {
	HTTPClient *http.Client
	Store      *storage.Store // nil keeps drafts and location in memory only
	Logger     *slog.Logger   // nil uses slog.Default()
}

// New wires every component from cfg.
func New(cfg config.Config, opts Options) *App {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.RequestTimeout()}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := api.New(api.Options{
		BaseURL:    cfg.API.BaseURL,
		Token:      cfg.API.Token,
		HTTPClient: hc,
		MaxRetries: cfg.API.MaxRetries,
		RateLimit:  cfg.API.RateLimit,
		Logger:     logger,
	})

	seq := sequence.New()
	a := &App{
		Config:     cfg,
		API:        client,
		Chat:       chat.NewStore(client, seq),
		Memory:     memory.NewRepository(client, seq),
		Reminders:  reminder.NewLifecycle(client, seq, cfg.User.FCMToken),
		Onboarding: profile.NewOnboarding(client),
		store:      opts.Store,
		logger:     logger,
	}
	a.Nav = navigation.NewCoordinator(a.Chat, a.Memory)
	a.Chat.SetNavigator(a.Nav)

	a.Chat.SetLogger(logger)
	a.Memory.SetLogger(logger)
	a.Reminders.SetLogger(logger)
	a.Onboarding.SetLogger(logger)
	a.Nav.SetLogger(logger)

	if opts.Store != nil {
		a.Memory.SetDrafts(opts.Store)
		a.Nav.SetLocationStore(opts.Store)
	}
	return a
}

// Open opens local storage in the configured data directory and wires the
// app around it. Close releases the storage.
func Open(cfg config.Config) (*App, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return New(cfg, Options{Store: store}), nil
}

func (a *App) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// Logger returns the logger every component was wired with.
func (a *App) Logger() *slog.Logger { return a.logger }

// Store returns the local storage, nil when the app runs without one.
func (a *App) Store() *storage.Store { return a.store }

// UserID returns the configured user or ErrNoUser.
func (a *App) UserID() (string, error) {
	if a.Config.User.ID == "" {
		return "", ErrNoUser
	}
	return a.Config.User.ID, nil
}

// Refresh loads sessions, memory summaries and, when a user is configured,
// reminders at the same time. One failing load does not stop the others;
// the first error is returned after all have finished.
func (a *App) Refresh(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return a.Chat.LoadSessions(ctx) })
	g.Go(func() error { return a.Memory.ListSummaries(ctx) })
	if a.Config.User.ID != "" {
		g.Go(func() error { return a.Reminders.List(ctx, a.Config.User.ID) })
	}
	if err := g.Wait(); err != nil {
		a.logger.Debug("refresh incomplete", "error", err)
		return err
	}
	return nil
}
