package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/infrastructure/persistence/postgres"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/logger"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|status]",
	Short:     "Apply, roll back or list database migrations",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		action := "up"
		if len(args) == 1 {
			action = args[0]
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for migrations")
		}
		log := newLogger(cfg)
		defer log.Sync()

		ctx := cmd.Context()
		conn, err := postgres.NewConnection(ctx, postgresConfig(cfg))
		if err != nil {
			return err
		}
		defer conn.Close()

		migrator := postgres.NewMigrator(conn)
		out := cmd.OutOrStdout()

		switch action {
		case "up":
			n, err := migrator.Migrate(ctx)
			if err != nil {
				return err
			}
			log.Info("migrations applied", logger.Int("count", n))
			fmt.Fprintf(out, "applied %d migrations\n", n)

		case "down":
			n, err := migrator.Rollback(ctx)
			if err != nil {
				return err
			}
			log.Info("migrations rolled back", logger.Int("count", n))
			fmt.Fprintf(out, "rolled back %d migrations\n", n)

		case "status":
			migrations, err := migrator.Status(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED AT")
			for _, m := range migrations {
				applied := "pending"
				if m.IsApplied {
					applied = m.AppliedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\n", m.Version, m.Name, applied)
			}
			return w.Flush()
		}
		return nil
	},
}
