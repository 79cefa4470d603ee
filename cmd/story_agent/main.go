// Package main provides the entry point for the story illustrator service and CLI.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var modelsPath string

var rootCmd = &cobra.Command{
	Use:   "story_agent",
	Short: "Story and illustration generation service",
	Long: `story_agent turns a text prompt or a spoken recording into a short story,
a character portrait, a background scene and a composed illustration, with
ordered model fallback and a full audit log of every provider attempt.

Settings are read from STORY_* environment variables (and .env).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&modelsPath, "config", "", "Path to the models TOML file (defaults to STORY_MODELS_FILE)")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
