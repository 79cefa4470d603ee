package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonathan/story-illustrator/internal/db"
	"github.com/jonathan/story-illustrator/internal/logging"
	"github.com/jonathan/story-illustrator/internal/observability"
)

var (
	listLimit  int
	listOffset int
	showJSON   bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stories, newest first",
	RunE:  runList,
}

var showCmd = &cobra.Command{
	Use:   "show <story-id>",
	Short: "Show a story and its generation logs",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var logsCmd = &cobra.Command{
	Use:   "logs <story-id>",
	Short: "Show the ordered generation log of a story",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <story-id>",
	Short: "Delete a story and its logs",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum stories to list (1-100)")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "Stories to skip")
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print the story as JSON")

	rootCmd.AddCommand(listCmd, showCmd, logsCmd, deleteCmd)
}

// withStore opens only the configured store.
func withStore(ctx context.Context, fn func(db.Store) error) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	cliLogging(settings)

	logger, err := logging.New(settings.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := openStore(ctx, settings.Database, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()
	return fn(store)
}

func parseID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid story id %q: %w", arg, err)
	}
	return id, nil
}

func runList(cmd *cobra.Command, _ []string) error {
	return withStore(cmd.Context(), func(store db.Store) error {
		page, err := store.ListStories(cmd.Context(), db.ListOptions{Limit: listLimit, Offset: listOffset}.Normalized())
		if err != nil {
			return err
		}
		observability.NewPrinter(cmd.OutOrStdout()).PrintStoryTable(page)
		return nil
	})
}

func runShow(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withStore(cmd.Context(), func(store db.Store) error {
		story, err := store.GetStory(cmd.Context(), id)
		if err != nil {
			return err
		}
		if story == nil {
			return fmt.Errorf("story not found: %s", id)
		}
		if story.Logs, err = store.ListLogs(cmd.Context(), id); err != nil {
			return err
		}
		if showJSON {
			return writeJSON(cmd, story)
		}
		p := observability.NewPrinter(cmd.OutOrStdout())
		p.PrintStory(story)
		p.PrintLogs(story.Logs)
		return nil
	})
}

func runLogs(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withStore(cmd.Context(), func(store db.Store) error {
		story, err := store.GetStory(cmd.Context(), id)
		if err != nil {
			return err
		}
		if story == nil {
			return fmt.Errorf("story not found: %s", id)
		}
		logs, err := store.ListLogs(cmd.Context(), id)
		if err != nil {
			return err
		}
		observability.NewPrinter(cmd.OutOrStdout()).PrintLogs(logs)
		return nil
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withStore(cmd.Context(), func(store db.Store) error {
		if err := store.DeleteStory(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted story %s\n", id) //nolint:errcheck
		return nil
	})
}
