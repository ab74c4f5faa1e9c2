package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/VenkatGGG/ticketing/internal/api"
	"github.com/VenkatGGG/ticketing/internal/config"
	"github.com/VenkatGGG/ticketing/internal/ticket"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ticket API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("closing backends", zap.Error(err))
		}
	}()

	repo, err := b.ticketRepository(ctx, cfg)
	if err != nil {
		return err
	}
	locks := b.lockManager(cfg)
	svc := ticket.NewService(repo, locks, ticket.Options{
		LockTTL:  cfg.LockTTL,
		LockWait: cfg.LockWait,
		Logger:   logger.Named("ticket"),
	})
	server := api.NewServer(svc, api.Options{
		Logger:         logger.Named("http"),
		APIKey:         cfg.APIKey,
		RateLimit:      cfg.RateLimit,
		RateWindow:     cfg.RateWindow,
		Idempotency:    b.idempotencyStore(cfg),
		Locks:          locks,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("ticketd listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("lock_backend", cfg.LockBackend),
			zap.String("ticket_store", cfg.TicketStore),
			zap.Duration("lock_ttl", cfg.LockTTL),
			zap.Duration("lock_wait", cfg.LockWait),
		)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("grace", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
