package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"autoreply/internal/auth"
	"autoreply/internal/config"
	"autoreply/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the JSON API, the reply delivery worker and daily maintenance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			created, err := opts.load()
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "Created default config at %s. Review it (especially admin_token, admin_bind_cidrs and TLS paths), then rerun.\n", opts.configPath)
				return nil
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
}

func serve(ctx context.Context, opts *rootOptions) error {
	cfg, log := opts.cfg, opts.logger
	if missing, err := config.MissingKeys(opts.configPath); err == nil && len(missing) > 0 {
		log.Info("config keys missing from file, using defaults", zap.Strings("keys", missing))
	}

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	guard, err := auth.New(cfg.AdminToken, cfg.AdminBindCIDRs)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	api := server.New(cfg, server.Deps{
		Store:     a.store,
		Rules:     a.rules,
		Responder: a.responder,
		Scheduler: a.scheduler,
		Hub:       a.hub,
		Guard:     guard,
		Log:       log.Named("http"),
	})
	httpServer := server.NewHTTPServer(cfg, api.Routes())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.scheduler.Start(gctx) })
	g.Go(func() error { return a.responder.Run(gctx) })
	g.Go(func() error { return a.hub.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shCtx)
	})
	g.Go(func() error {
		log.Info("starting autoreply",
			zap.String("addr", cfg.ListenAddress),
			zap.Bool("tls", cfg.EnableTLS),
			zap.String("selection_policy", cfg.SelectionPolicy),
			zap.Bool("webhook", cfg.ReplyWebhookURL != ""))
		var err error
		if cfg.EnableTLS {
			err = httpServer.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	err = g.Wait()
	log.Info("autoreply stopped", zap.Error(err))
	return err
}
