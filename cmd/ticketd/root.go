package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/VenkatGGG/ticketing/internal/config"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func newRootCmd() *cobra.Command {
	v := config.New()

	root := &cobra.Command{
		Use:   "ticketd",
		Short: "support ticket service with store-backed ticket locks",
		Long: fmt.Sprintf(`ticketd (%s)

Serves the ticket REST API. Ticket mutations are serialized across instances
through a lock held in Redis or etcd. Every flag can also be set through a
TICKETD_<FLAG> environment variable (e.g. TICKETD_LOCK_BACKEND=etcd).`, Version),
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd(v))
	root.AddCommand(newLockCmd(v))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version of ticketd",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ticketd %s\n", Version)
		},
	})
	return root
}

func loadConfig(v *viper.Viper, cmd *cobra.Command) (config.Config, error) {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return config.Config{}, err
	}
	return config.Load(v)
}
