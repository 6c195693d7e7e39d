package cli

import (
	"context"

	"leadflow/internal/database"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a, err := newApp(ctx)
		if err != nil {
			logrus.Fatalf("Failed to initialize: %v", err)
		}
		defer a.close(ctx)

		logrus.Info("Starting database migration...")
		if err := database.Migrate(a.db); err != nil {
			logrus.Fatalf("Failed to migrate database: %v", err)
		}
		logrus.Info("Database migration completed")
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
