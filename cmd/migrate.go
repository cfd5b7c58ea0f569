package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ef-pipeline/internal/migrate"
)

var migrateStatus bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations",
	Long:  "Applies all pending SQL migrations in lexicographic order under an advisory lock.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pool, err := initPool(ctx, "migrate")
		if err != nil {
			return err
		}
		defer pool.Close()

		if migrateStatus {
			pending, err := migrate.Pending(ctx, pool)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
				return nil
			}
			for _, name := range pending {
				fmt.Fprintln(cmd.OutOrStdout(), "pending:", name)
			}
			return nil
		}

		if err := migrate.Run(ctx, pool); err != nil {
			return eris.Wrap(err, "migrate")
		}
		zap.L().Info("all migrations applied successfully")
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "list pending migrations without applying them")
	rootCmd.AddCommand(migrateCmd)
}
