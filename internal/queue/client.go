package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

const (
	batchBaseTimeout = 10 * time.Minute
	perImageTimeout  = 2 * time.Minute
)

// batchTimeout bounds one whole batch. It grows with the image count and
// assumes the images run one after another, so a retry never starts while
// the timed-out attempt could still be writing the same output keys.
func batchTimeout(images int) time.Duration {
	return batchBaseTimeout + time.Duration(max(images, 1))*perImageTimeout
}

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

func (c *Client) EnqueueProcessBatch(ctx context.Context, payload ProcessBatchPayload) (*asynq.TaskInfo, error) {
	task, err := NewProcessBatchTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.BatchID),
		asynq.MaxRetry(3),
		asynq.Timeout(batchTimeout(len(payload.Images))),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
