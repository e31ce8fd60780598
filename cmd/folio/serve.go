package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/systemshift/folio/internal/access"
	"github.com/systemshift/folio/internal/api"
	"github.com/systemshift/folio/internal/config"
	"github.com/systemshift/folio/internal/events"
	"github.com/systemshift/folio/internal/logging"
	"github.com/systemshift/folio/internal/service"
	"github.com/systemshift/folio/internal/store"
)

func newServeCmd(envFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *envFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("port", "", "port to listen on")
	return cmd
}

// serve runs until ctx is done, then shuts down within cfg.ShutdownTimeout
func serve(ctx context.Context, cfg config.Config) error {
	log, file, err := logging.New(cfg.LogOptions())
	if err != nil {
		return err
	}
	if file != nil {
		defer file.Close()
	}

	st, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close(context.Background())
	log.Info().Str("backend", cfg.Backend).Msg("store ready")

	checker := newChecker(st, cfg, log)

	var notifierOpts []events.NotifierOption
	if cfg.WebhookAllowPrivate {
		notifierOpts = append(notifierOpts, events.WithPrivateWebhooks())
	}
	subMgr := events.NewManager(log, events.NewNotifier(log, notifierOpts...), checker)
	subMgr.Start()
	defer subMgr.Stop()

	svc := service.New(st, checker, service.WithPublisher(subMgr), service.WithLogger(log))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(api.New(svc, subMgr, log), log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("starting folio server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("server exited")
	return nil
}

// newChecker builds the access checker shared by the tree service and the
// subscription manager. With no configured members every identified caller
// is allowed; otherwise grants are inherited from a workspace by its pages.
func newChecker(st store.Store, cfg config.Config, log zerolog.Logger) access.Checker {
	if len(cfg.Members) == 0 {
		return access.AllowAll{}
	}

	members := access.NewMembers(service.ScopeResolver(st))
	for scope, callers := range cfg.Members {
		for _, c := range callers {
			members.Grant(scope, c)
		}
	}
	log.Info().Int("scopes", len(cfg.Members)).Msg("access restricted to configured members")
	return members
}
