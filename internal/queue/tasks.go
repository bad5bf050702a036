package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/greyflow/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeBlobCreated = "blob:created"

type BlobCreatedPayload struct {
	Notification domain.Notification `json:"notification"`
	EnqueuedAt   time.Time           `json:"enqueued_at"`
}

func NewBlobCreatedTask(payload BlobCreatedPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal blob payload: %w", err)
	}
	return asynq.NewTask(TypeBlobCreated, body), nil
}

func ParseBlobCreatedPayload(task *asynq.Task) (BlobCreatedPayload, error) {
	var payload BlobCreatedPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return BlobCreatedPayload{}, fmt.Errorf("unmarshal blob payload: %w", err)
	}
	return payload, nil
}
