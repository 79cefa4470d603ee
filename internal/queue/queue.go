// Package queue hands submitted stories to worker processes over RabbitMQ.
//
// The API server publishes one message per accepted story; workers consume
// them and run the pipeline through a pipeline.Pool. Claiming in the store
// keeps a redelivered message from running a story twice.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/jonathan/story-illustrator/internal/db"
	"github.com/jonathan/story-illustrator/internal/logging"
	"github.com/jonathan/story-illustrator/internal/pipeline"
	"github.com/jonathan/story-illustrator/internal/retry"
)

// DefaultQueue is the task queue name.
const DefaultQueue = "story_generation_tasks"

// Task is the message body.
type Task struct {
	StoryID    uuid.UUID `json:"story_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Channel is the part of *amqp.Channel used here.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Dial connects to the broker, retrying with backoff.
func Dial(ctx context.Context, url string, logger *zap.Logger) (*amqp.Connection, error) {
	logger = logging.OrNop(logger)
	policy := retry.Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		OnAttempt: func(a retry.Attempt) {
			if a.Err != nil {
				logger.Warn("rabbitmq dial failed", zap.Int("attempt", a.Number), zap.Error(a.Err))
			}
		},
	}
	conn, _, err := retry.Execute(ctx, policy, func(context.Context, int) (*amqp.Connection, error) {
		return amqp.Dial(url)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	return conn, nil
}

func declare(ch Channel, name string) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return nil
}

// Publisher publishes story tasks. It implements pipeline.Dispatcher.
type Publisher struct {
	ch     Channel
	queue  string
	logger *zap.Logger
	// publish retries
	policy retry.Policy
}

// NewPublisher declares the queue on ch and returns a publisher for it.
func NewPublisher(ch Channel, queue string, logger *zap.Logger) (*Publisher, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	if err := declare(ch, queue); err != nil {
		return nil, err
	}
	return &Publisher{
		ch:     ch,
		queue:  queue,
		logger: logging.OrNop(logger).With(zap.String("component", "queue_publisher")),
		policy: retry.Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond},
	}, nil
}

// Dispatch publishes a task for the story.
func (p *Publisher) Dispatch(ctx context.Context, id uuid.UUID) error {
	body, err := json.Marshal(Task{StoryID: id, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err = retry.Do(ctx, p.policy, func(ctx context.Context, _ int) error {
		return p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    id.String(),
			Timestamp:    time.Now(),
			AppId:        "story-illustrator",
			Body:         body,
		})
	})
	if err != nil {
		return &pipeline.StorageError{Op: "publish task", Cause: err}
	}
	p.logger.Debug("task published", zap.String("story_id", id.String()))
	return nil
}

// Close closes the channel.
func (p *Publisher) Close() error {
	return p.ch.Close()
}

// Executor runs a story. *pipeline.Pool implements it.
type Executor interface {
	Run(ctx context.Context, id uuid.UUID, opts pipeline.RunOptions) (*db.Story, error)
}

// Consumer consumes story tasks and runs them.
type Consumer struct {
	ch       Channel
	queue    string
	tag      string
	prefetch int
	exec     Executor
	logger   *zap.Logger
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Queue string
	Tag   string
	// Prefetch bounds unacknowledged deliveries, and so concurrent runs.
	Prefetch int
}

// NewConsumer creates a consumer on ch.
func NewConsumer(ch Channel, cfg ConsumerConfig, exec Executor, logger *zap.Logger) *Consumer {
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Consumer{
		ch:       ch,
		queue:    cfg.Queue,
		tag:      cfg.Tag,
		prefetch: cfg.Prefetch,
		exec:     exec,
		logger:   logging.OrNop(logger).With(zap.String("component", "queue_consumer")),
	}
}

// Run consumes until ctx is done or the delivery channel closes.
// Deliveries are handled concurrently up to the prefetch count.
func (c *Consumer) Run(ctx context.Context) error {
	if err := declare(c.ch, c.queue); err != nil {
		return err
	}
	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	msgs, err := c.ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}
	c.logger.Info("consumer started", zap.String("queue", c.queue), zap.Int("prefetch", c.prefetch))

	slots := make(chan struct{}, c.prefetch)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping")
			for i := 0; i < c.prefetch; i++ {
				slots <- struct{}{}
			}
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			slots <- struct{}{}
			go func() {
				defer func() { <-slots }()
				c.Handle(ctx, msg)
			}()
		}
	}
}

// Handle processes one delivery and settles it. Malformed messages and
// stories that are already claimed are dropped; storage failures are
// requeued.
func (c *Consumer) Handle(ctx context.Context, msg amqp.Delivery) {
	var task Task
	if err := json.Unmarshal(msg.Body, &task); err != nil || task.StoryID == uuid.Nil {
		c.logger.Error("dropping malformed task", zap.Uint64("delivery_tag", msg.DeliveryTag), zap.Error(err))
		c.settle(msg.Reject(false))
		return
	}
	logger := c.logger.With(zap.String("story_id", task.StoryID.String()))

	story, err := c.exec.Run(context.WithoutCancel(ctx), task.StoryID, pipeline.RunOptions{})
	switch {
	case err == nil:
		logger.Info("task done", zap.String("status", story.Status))
		c.settle(msg.Ack(false))
	case errors.Is(err, pipeline.ErrAlreadyClaimed):
		logger.Debug("task already claimed")
		c.settle(msg.Ack(false))
	case pipeline.IsStorageError(err) && !msg.Redelivered:
		logger.Warn("task failed, requeueing", zap.Error(err))
		c.settle(msg.Nack(false, true))
	default:
		logger.Error("task failed", zap.Error(err))
		c.settle(msg.Reject(false))
	}
}

func (c *Consumer) settle(err error) {
	if err != nil {
		c.logger.Error("failed to settle delivery", zap.Error(err))
	}
}
