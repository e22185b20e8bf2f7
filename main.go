package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"unlock-server/internal/auth"
	"unlock-server/internal/cache"
	"unlock-server/internal/config"
	"unlock-server/internal/decrypt"
	"unlock-server/internal/lessons"
	"unlock-server/internal/nostr"
	"unlock-server/internal/nwc"
	"unlock-server/internal/payments"
	"unlock-server/internal/platform"
	"unlock-server/internal/services"
	"unlock-server/internal/store"
	"unlock-server/internal/subscription"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "unlock-server",
		Short:         "Paid-content entitlement, decryption and Lightning payments",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogger(cfg.Log.Level)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func migrateCmd() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations to the Postgres store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				setupLogger(cfg.Log.Level)
				dsn = cfg.Store.DSN
			}
			if dsn == "" {
				return errors.New("no database DSN: set store.dsn or pass --dsn")
			}
			db, err := store.Open(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			slog.Info("migrations applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN (defaults to store.dsn from config)")
	return cmd
}

// serve runs the HTTP server until ctx is cancelled, then shuts down gracefully.
func serve(ctx context.Context, cfg *config.Config) error {
	a, cleanup, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      a.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", srv.Addr, "version", Version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newApp wires every service from configuration. cleanup releases sessions,
// the cache and the database.
func newApp(ctx context.Context, cfg *config.Config) (*app, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*app, func(), error) {
		cleanup()
		return nil, nil, err
	}

	cacheCfg := cache.DefaultCacheConfig()
	cacheCfg.ContentTTL = cfg.Content.CacheTTL
	cacheCfg.UserTTL = cfg.Cache.UserTTL
	backend, backendType := cache.New(ctx, cfg.Cache.RedisURL, cacheCfg)
	closers = append(closers, func() { _ = backend.Close() })
	slog.Info("cache backend ready", "type", backendType)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	if c, ok := st.(interface{ Close() error }); ok {
		closers = append(closers, func() { _ = c.Close() })
	}

	dec, err := newDecrypter(cfg.Decrypt)
	if err != nil {
		return fail(err)
	}

	csrf, err := auth.NewCSRF(cfg.Auth.CSRFSecret, cfg.Auth.CSRFMaxAge)
	if err != nil {
		return fail(err)
	}

	lnurl := services.NewLNURLClient()
	lnurl.AllowPrivateHosts = cfg.Payments.AllowPrivateHosts

	fetcher := nostr.NewFetcher(cfg.Content.Relays, cfg.Content.FetchTimeout, slog.Default())

	a := &app{
		cfg:       cfg,
		content:   nostr.NewContentSource(fetcher, backend, cacheCfg.ContentTTL),
		users:     newUserLoader(st, backend, cacheCfg.UserTTL),
		tokens:    auth.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer),
		csrf:      csrf,
		decrypter: dec,
		payments: payments.New(lnurl, st,
			payments.WithPollIntervals(cfg.Payments.CoursePollInterval, cfg.Payments.ResourcePollInterval),
			payments.WithObserver(observeInvoiceFlow),
		),
		lessonOpts: lessons.Options{
			AttemptTimeout: cfg.Lessons.AttemptTimeout,
			RetryDelay:     cfg.Lessons.RetryDelay,
			MaxAttempts:    cfg.Lessons.MaxAttempts,
			OnStateChange:  observeLessonState,
		},
	}

	a.connector = nwc.NewConnector(nwc.ConnectorConfig{
		AuthorizeURL: cfg.Subscription.AuthorizeURL,
		ReturnTo:     cfg.Subscription.NWCCallbackURL(cfg.Server.PublicURL),
		PendingTTL:   cfg.Subscription.ApprovalTimeout,
	})
	a.subscriptions = subscription.New(subscription.Config{
		Address:       cfg.SubscriptionAddress(),
		AmountSats:    cfg.Subscription.AmountSats,
		AppName:       cfg.Subscription.AppName,
		MaxBudgetSats: cfg.Subscription.MaxBudgetSats,
		BudgetRenewal: cfg.Subscription.BudgetRenewal,
		Expiry:        cfg.Subscription.Expiry,
	}, lnurl, st,
		subscription.NWCProviders(nwc.Encryption(cfg.Subscription.Encryption), nwc.WithRequestTimeout(cfg.Subscription.RequestTimeout)),
		subscription.WithConnector(subscription.NWCConnector(a.connector)),
		subscription.WithObserver(observeSubscriptionFlow),
	)

	a.sessions = newSessionRegistry(cfg.Cache.MaxSessions, cfg.Cache.SessionTTL, a.newRuntime)
	closers = append(closers, a.sessions.Close)

	return a, cleanup, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := store.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		if cfg.Store.MigrateOnStart {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, err
			}
		}
		slog.Info("using postgres store")
		return pg, nil
	default:
		slog.Info("using platform API store", "url", cfg.Platform.BaseURL)
		return platform.New(cfg.Platform.BaseURL, cfg.Platform.Token, cfg.Platform.Timeout), nil
	}
}

func newDecrypter(cfg config.DecryptConfig) (decrypt.Decrypter, error) {
	if cfg.Mode == "local" {
		d, err := decrypt.NewLocalDecrypter(cfg.AppKey)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	return decrypt.NewRemoteDecrypter(cfg.URL, cfg.Token, cfg.Timeout), nil
}
