package interfaces

import (
	"context"

	"github.com/ternarybob/linewatch/internal/models"
)

// TaskDelivery is one work-queue message plus its broker acknowledgement
// controls. Redelivered is true when the broker is retrying the message after
// a consumer died without acking.
type TaskDelivery struct {
	Message     models.TaskMessage
	Redelivered bool
}

// TaskHandler processes one delivery. Returning nil acks the message;
// returning an error nacks it without requeue.
type TaskHandler func(ctx context.Context, delivery TaskDelivery) error

// ProgressHandler receives one progress event from the updates exchange.
type ProgressHandler func(progress models.TaskProgress)

// TaskPublisher - enqueue side of the work queue
type TaskPublisher interface {
	PublishTask(ctx context.Context, msg models.TaskMessage) error
}

// ProgressPublisher - publish side of the progress exchange
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, progress models.TaskProgress) error
}

// QueueService - full broker client used by the worker and the hub
type QueueService interface {
	TaskPublisher
	ProgressPublisher
	// ConsumeTasks blocks delivering work messages to handler until ctx is
	// cancelled or the connection drops.
	ConsumeTasks(ctx context.Context, handler TaskHandler) error
	// ConsumeProgress blocks delivering progress events to handler. Malformed
	// payloads are dropped.
	ConsumeProgress(ctx context.Context, handler ProgressHandler) error
	Close() error
}
