package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"fundbridge/config"
	"fundbridge/db"
	"fundbridge/logger"
)

// app carries state shared by every subcommand once the config is loaded.
type app struct {
	configPath string
	cfg        *config.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "fundbridge",
		Short:         "Sponsor to beneficiary agreements with on-chain disbursement",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			logger.Init(cfg.Log)
			a.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("FUNDBRIDGE_CONFIG"), "path to a YAML config file")

	root.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newTokenCmd(a),
		newPartyCmd(a),
	)
	return root
}

func (a *app) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, a.cfg.Database.URL, db.PoolOptions{
		MaxConns: a.cfg.Database.MaxConns,
		MinConns: a.cfg.Database.MinConns,
	})
}
