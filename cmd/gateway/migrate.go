package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"qazna.org/gateway/internal/config"
	"qazna.org/gateway/internal/migrate"
	"qazna.org/gateway/internal/store/pg"
)

func newMigrateCmd(load func() (*config.Config, error)) *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply or inspect the Postgres schema of the webhook store",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				cfg, err := load()
				if err != nil {
					return err
				}
				dsn = cfg.Storage.DSN
			}
			if dsn == "" {
				return errors.New("missing DSN: provide --dsn or storage.dsn / GATEWAY_PG_DSN")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			db, err := sql.Open("pgx", dsn)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()

			mgr := migrate.NewManager(db, pg.Migrations, "migrations")
			out := cmd.OutOrStdout()
			switch args[0] {
			case "up":
				var applied []string
				applied, err = mgr.Up(ctx)
				for _, id := range applied {
					fmt.Fprintln(out, "applied", id)
				}
				if err == nil && len(applied) == 0 {
					fmt.Fprintln(out, "schema up to date")
				}
			case "down":
				var id string
				id, err = mgr.Down(ctx)
				if errors.Is(err, migrate.ErrNothingApplied) {
					fmt.Fprintln(out, "nothing to roll back")
					return nil
				}
				if err == nil {
					fmt.Fprintln(out, "rolled back", id)
				}
			case "status":
				var states []migrate.State
				states, err = mgr.Status(ctx)
				for _, s := range states {
					fmt.Fprintln(out, s)
				}
			default:
				return fmt.Errorf("unknown command %q", args[0])
			}
			if err != nil {
				return fmt.Errorf("migrate %s: %w", args[0], err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (defaults to storage.dsn)")
	return cmd
}
