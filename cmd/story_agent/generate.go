package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jonathan/story-illustrator/internal/db"
	"github.com/jonathan/story-illustrator/internal/observability"
	"github.com/jonathan/story-illustrator/internal/pipeline"
	"github.com/jonathan/story-illustrator/internal/types"
)

var (
	genPrompt         string
	genAudio          string
	genIdempotencyKey string
	genJSON           bool
	genQuiet          bool
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a story and its illustration",
	Long: `Run the full pipeline once: transcription (for --audio), story, character
description, character and background images, and composition.

At least one of --prompt and --audio is required. When both are given the
prompt drives the story and the transcript is recorded alongside it.`,
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVarP(&genPrompt, "prompt", "p", "", "Story prompt")
	generateCmd.Flags().StringVarP(&genAudio, "audio", "a", "", "Path to a spoken prompt (wav, mp3, m4a, ogg, flac)")
	generateCmd.Flags().StringVar(&genIdempotencyKey, "idempotency-key", "", "Return the existing story for a repeated key")
	generateCmd.Flags().BoolVar(&genJSON, "json", false, "Print the story as JSON")
	generateCmd.Flags().BoolVarP(&genQuiet, "quiet", "q", false, "Do not print stage progress")
	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	req := &types.GenerateRequest{UserPrompt: genPrompt, IdempotencyKey: genIdempotencyKey}
	if genAudio != "" {
		data, err := os.ReadFile(genAudio)
		if err != nil {
			return fmt.Errorf("failed to read audio file: %w", err)
		}
		req.Audio = &types.AudioUpload{Filename: filepath.Base(genAudio), Data: data}
	}
	// Reject bad input before any store or provider is touched.
	if err := req.Validate(); err != nil {
		return err
	}

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

	printer := observability.NewPrinter(cmd.OutOrStdout())
	opts := pipeline.RunOptions{}
	if !genQuiet && !genJSON {
		opts.OnProgress = printer.PrintProgress
	}

	story, err := a.pool.Generate(cmd.Context(), req, opts)
	if err != nil {
		return err
	}
	if genJSON {
		return writeJSON(cmd, story)
	}
	printer.PrintStory(story)
	if story.Status == db.StatusFailed {
		return fmt.Errorf("generation failed: %s", deref(story.ErrorMessage))
	}
	return nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
