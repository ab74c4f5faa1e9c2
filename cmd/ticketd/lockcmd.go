package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/VenkatGGG/ticketing/internal/config"
	"github.com/VenkatGGG/ticketing/internal/lock"
)

// newLockCmd exposes the lock store for operators, e.g. to inspect or clear a
// ticket lock left behind by a crashed instance.
func newLockCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire or release locks directly in the lock store",
	}
	config.RegisterLockFlags(cmd.PersistentFlags())

	var wait time.Duration
	acquire := &cobra.Command{
		Use:   "acquire [key]",
		Short: "Acquire a lock and print its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLockManager(v, cmd, func(ctx context.Context, cfg config.Config, m lock.Manager) error {
				lease, ok, err := lock.AcquireWithRetry(ctx, m, args[0], cfg.LockTTL, wait)
				if err != nil {
					return fmt.Errorf("acquire %s: %w", args[0], err)
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "acquired=false")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "acquired=true token=%s fence=%d expires=%s\n", lease.Token, lease.Fence, lease.ExpiresAt.Format(time.RFC3339Nano))
				return nil
			})
		},
	}
	acquire.Flags().DurationVar(&wait, "wait", 0, "keep retrying a busy lock for this long")

	release := &cobra.Command{
		Use:   "release [key] [token]",
		Short: "Release a lock held with the given token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLockManager(v, cmd, func(ctx context.Context, _ config.Config, m lock.Manager) error {
				released, err := m.Release(ctx, args[0], args[1])
				if err != nil {
					return fmt.Errorf("release %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "released=%t\n", released)
				return nil
			})
		},
	}

	cmd.AddCommand(acquire, release)
	return cmd
}

func withLockManager(v *viper.Viper, cmd *cobra.Command, fn func(context.Context, config.Config, lock.Manager) error) error {
	cfg, err := loadConfig(v, cmd)
	if err != nil {
		return err
	}
	if cfg.LockBackend == config.LockBackendMemory {
		return fmt.Errorf("lock-backend=memory is process local; use redis or etcd")
	}
	// Only the lock store is needed here.
	cfg.IdempotencyStore = config.StoreMemory

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	b, err := openBackends(ctx, cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer func() {
		_ = b.Close()
	}()
	return fn(ctx, cfg, b.lockManager(cfg))
}
