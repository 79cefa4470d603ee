package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonathan/story-illustrator/internal/media"
	"github.com/jonathan/story-illustrator/internal/pipeline"
	"github.com/jonathan/story-illustrator/internal/queue"
	"github.com/jonathan/story-illustrator/internal/ratelimit"
	"github.com/jonathan/story-illustrator/internal/server"
)

var (
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start an HTTP server that exposes the story generation API.

Async requests run on the in-process worker pool, or are published to the
AMQP queue when STORY_AMQP_URL is set.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (defaults to STORY_HTTP_PORT)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	if servePort != 0 {
		settings.HTTP.Port = servePort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, settings)
	if err != nil {
		return err
	}
	defer a.Close()

	var dispatcher pipeline.Dispatcher
	if settings.AMQP.URL != "" {
		publisher, err := openPublisher(ctx, a)
		if err != nil {
			return err
		}
		defer publisher.Close()
		dispatcher = publisher
	} else {
		// A standalone server owns its media directory.
		if err := a.files.Lock(); err != nil {
			if errors.Is(err, media.ErrLocked) {
				return fmt.Errorf("another server is using %s: %w", a.files.Root(), err)
			}
			return err
		}
		defer a.files.Unlock()
	}

	var ingress *ratelimit.IngressLimiter
	if settings.Ingress.Enabled {
		ingress = ratelimit.NewIngressLimiter(a.limitStore, settings.Ingress)
	}

	srv, err := server.New(settings.HTTP, server.Deps{
		Pool:       a.pool,
		Store:      a.store,
		Dispatcher: dispatcher,
		Health:     a.checker,
		Files:      a.files,
		Signer:     a.signer,
		Ingress:    ingress,
		Logger:     a.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Start(ctx)
}

// openPublisher dials the broker and returns a publisher on a new channel.
func openPublisher(ctx context.Context, a *app) (*queue.Publisher, error) {
	conn, err := queue.Dial(ctx, a.settings.AMQP.URL, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, conn.Close)

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	publisher, err := queue.NewPublisher(ch, a.settings.AMQP.Queue, a.logger)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	a.logger.Info("dispatching async stories to queue", zap.String("queue", a.settings.AMQP.Queue))
	return publisher, nil
}
