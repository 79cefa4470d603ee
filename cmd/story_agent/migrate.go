package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/story-illustrator/internal/config"
	"github.com/jonathan/story-illustrator/internal/db"
)

var migrateDown bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the postgres schema migrations",
	Long: `Apply the embedded migrations to STORY_DATABASE_URL, or roll them all back
with --down. SQLite stores create their schema on open.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "Roll back every migration")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	if settings.Database.ResolvedDriver() != config.DriverPostgres {
		return fmt.Errorf("migrate requires the postgres driver (set STORY_DATABASE_URL)")
	}

	if err := db.Migrate(settings.Database.URL, migrateDown); err != nil {
		return err
	}
	version, dirty, err := db.MigrationVersion(settings.Database.URL)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Schema version %d (dirty: %t)\n", version, dirty) //nolint:errcheck
	return nil
}
