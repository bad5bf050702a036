package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/greyflow/internal/domain"
	"github.com/hibiken/asynq"
)

type Client struct {
	client   *asynq.Client
	queue    string
	maxRetry int
	timeout  time.Duration
	now      func() time.Time
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, maxRetry int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		client:   asynq.NewClient(redisOpt),
		queue:    queueName,
		maxRetry: maxRetry,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Dispatch enqueues one notification. Notifications carrying an event id are
// enqueued under that id, so a redelivered event is accepted once.
func (c *Client) Dispatch(ctx context.Context, n domain.Notification) error {
	task, err := NewBlobCreatedTask(BlobCreatedPayload{Notification: n, EnqueuedAt: c.now().UTC()})
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.Queue(c.queue),
		asynq.MaxRetry(c.maxRetry),
		asynq.Timeout(c.timeout),
	}
	if id := strings.TrimSpace(n.ID); id != "" {
		opts = append(opts, asynq.TaskID(TypeBlobCreated+":"+id))
	}

	if _, err := c.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue %s: %w", TypeBlobCreated, err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
