// Package tasks provides the Asynq background work of the impersonation
// service: a client for enqueuing, a worker server, and the task handlers.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

// RedisConfig is the Redis connection used for the task queues.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) clientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	}
}

// Enqueuer is the part of asynq.Client the Client depends on.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Client enqueues tasks with JSON payloads.
type Client struct {
	enqueuer Enqueuer
	close    func() error
}

// NewClient creates a task client connected to Redis.
func NewClient(redis RedisConfig) *Client {
	client := asynq.NewClient(redis.clientOpt())
	return &Client{enqueuer: client, close: client.Close}
}

// NewClientWithEnqueuer creates a task client on top of an existing enqueuer.
func NewClientWithEnqueuer(e Enqueuer) *Client {
	return &Client{enqueuer: e, close: func() error { return nil }}
}

// Close closes the task client.
func (c *Client) Close() error {
	return c.close()
}

// Enqueue enqueues a task with the given type and payload.
func (c *Client) Enqueue(ctx context.Context, taskType string, payload interface{}, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling task payload: %w", err)
	}

	info, err := c.enqueuer.EnqueueContext(ctx, asynq.NewTask(taskType, data), opts...)
	if err != nil {
		return nil, fmt.Errorf("enqueuing task: %w", err)
	}

	log.Debug().
		Str("task_type", taskType).
		Str("task_id", info.ID).
		Time("process_at", info.NextProcessAt).
		Msg("Task enqueued")

	return info, nil
}

// EnqueueAt enqueues a task to be processed at the specified time.
func (c *Client) EnqueueAt(ctx context.Context, taskType string, payload interface{}, processAt time.Time, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	opts = append(opts, asynq.ProcessAt(processAt))
	return c.Enqueue(ctx, taskType, payload, opts...)
}

// Server wraps an Asynq server for processing tasks.
type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// ServerConfig holds configuration for the task server.
type ServerConfig struct {
	Redis       RedisConfig
	Concurrency int
	Queues      map[string]int // Queue name -> priority
}

// DefaultServerConfig returns a default server configuration.
func DefaultServerConfig(redis RedisConfig) *ServerConfig {
	return &ServerConfig{
		Redis:       redis,
		Concurrency: 10,
		Queues: map[string]int{
			QueueImpersonation: 6,
			"default":          3,
		},
	}
}

// NewServer creates a new task server.
func NewServer(cfg *ServerConfig) *Server {
	server := asynq.NewServer(
		cfg.Redis.clientOpt(),
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues:      cfg.Queues,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Error().
					Err(err).
					Str("task_type", task.Type()).
					Bytes("payload", task.Payload()).
					Msg("Task failed")
			}),
		},
	)

	return &Server{
		server: server,
		mux:    asynq.NewServeMux(),
	}
}

// Handle registers a handler for the given task type.
func (s *Server) Handle(taskType string, handler asynq.Handler) {
	s.mux.Handle(taskType, handler)
	log.Debug().Str("task_type", taskType).Msg("Registered task handler")
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	log.Info().Msg("Starting task server")
	return s.server.Run(s.mux)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() {
	log.Info().Msg("Shutting down task server")
	s.server.Shutdown()
}

// TaskHandler adapts a function taking a typed payload to asynq.Handler.
type TaskHandler[T any] struct {
	handler func(context.Context, T) error
}

// NewTaskHandler creates a new typed task handler.
func NewTaskHandler[T any](handler func(context.Context, T) error) *TaskHandler[T] {
	return &TaskHandler[T]{handler: handler}
}

// ProcessTask implements asynq.Handler. A payload that cannot be decoded
// will never succeed, so it is not retried.
func (h *TaskHandler[T]) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload T
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshaling task payload: %w: %w", err, asynq.SkipRetry)
	}
	return h.handler(ctx, payload)
}
