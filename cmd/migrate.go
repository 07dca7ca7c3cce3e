package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/spidermini-crawler/internal/config"
	"github.com/JakeFAU/spidermini-crawler/internal/frontier/postgres"
)

// newMigrateCmd manages the Postgres frontier schema. SQLite and memory stores
// create their schema when opened.
func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "migrate",
		Short:       "Manage the Postgres frontier schema",
		Annotations: map[string]string{skipAppAnnotation: "true"},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m *postgres.Migrator) error {
				return m.Up()
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back migrations (one by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return fmt.Errorf("steps must be a positive integer, got %q", args[0])
				}
				steps = n
			}
			return withMigrator(cmd, func(m *postgres.Migrator) error {
				return m.Down(steps)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m *postgres.Migrator) error {
				version, dirty, err := m.Version()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version\t%d\ndirty\t%t\n", version, dirty)
				return nil
			})
		},
	})
	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(*postgres.Migrator) error) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	if rt.cfg.DB.Driver != config.DriverPostgres {
		fmt.Fprintf(cmd.OutOrStdout(), "db.driver is %s; schema is created on open, nothing to migrate\n", rt.cfg.DB.Driver)
		return nil
	}

	m, err := postgres.NewMigrator(rt.cfg.DB.DSN, rt.logger.Named("migrate"))
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	defer func() {
		if cerr := m.Close(); cerr != nil {
			rt.logger.Warn("failed to close migrator", zap.Error(cerr))
		}
	}()
	return fn(m)
}
