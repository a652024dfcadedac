package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/uplinehq/upline/pkg/configuration"
)

var smokeTables = []string{
	"participants",
	"referral_trees",
	"referral_nodes",
	"referral_edges",
	"referral_events",
}

func newSmokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "smoke",
		Short: "Check database connectivity and referral schema presence",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configuration.Use()
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			pool, err := pgxpool.New(ctx, cfg.Database.Opts)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer pool.Close()

			if err := pool.Ping(ctx); err != nil {
				return fmt.Errorf("ping: %w", err)
			}

			for _, table := range smokeTables {
				var regclass *string
				if err := pool.QueryRow(ctx, "SELECT to_regclass($1)::text", table).Scan(&regclass); err != nil {
					return fmt.Errorf("check %s: %w", table, err)
				}
				if regclass == nil {
					return fmt.Errorf("table %s is missing", table)
				}
			}

			fmt.Printf("smoke ok: %d tables present at %s\n", len(smokeTables), cfg.Database.Host)
			return nil
		},
	}
}
