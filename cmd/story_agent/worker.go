package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonathan/story-illustrator/internal/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume queued stories and run the pipeline",
	Long: `Consume story ids from the AMQP queue and run each on the worker pool.
Requires STORY_AMQP_URL. The broker prefetch bounds concurrent runs.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	if settings.AMQP.URL == "" {
		return fmt.Errorf("STORY_AMQP_URL is required for the worker")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, settings)
	if err != nil {
		return err
	}
	defer a.Close()

	conn, err := queue.Dial(ctx, settings.AMQP.URL, a.logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	defer ch.Close()

	consumer := queue.NewConsumer(ch, queue.ConsumerConfig{
		Queue:    settings.AMQP.Queue,
		Tag:      "story-worker-" + uuid.NewString()[:8],
		Prefetch: settings.AMQP.Prefetch,
	}, a.pool, a.logger)

	a.logger.Info("worker started", zap.String("queue", settings.AMQP.Queue), zap.Int("prefetch", settings.AMQP.Prefetch))
	err = consumer.Run(ctx)
	a.pool.Wait()
	if err != nil {
		return err
	}
	a.logger.Info("worker stopped")
	return nil
}
