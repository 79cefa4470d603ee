package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/story-illustrator/internal/health"
	"github.com/jonathan/story-illustrator/internal/observability"
)

var healthJSON bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the database, file storage and every inference service",
	Long: `Probe every component once and print its status. Exits non-zero when the
service as a whole is unavailable.`,
	RunE: runHealth,
}

func init() {
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "Print the report as JSON")
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, _ []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	cliLogging(settings)

	a, err := newApp(cmd.Context(), settings)
	if err != nil {
		return err
	}
	defer a.Close()

	res := a.checker.Check(cmd.Context())
	if healthJSON {
		if err := writeJSON(cmd, res); err != nil {
			return err
		}
	} else {
		observability.NewPrinter(cmd.OutOrStdout()).PrintHealth(res)
	}
	if res.Status == health.Unavailable {
		return fmt.Errorf("service unavailable")
	}
	return nil
}
