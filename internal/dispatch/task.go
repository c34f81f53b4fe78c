package dispatch

import "context"

// DefaultChunkSize bounds subscribers per delivery task.
const DefaultChunkSize = 100

// TaskHandle identifies an enqueued task.
type TaskHandle string

// Task is the unit of delivery work: a chunk of subscriber ids for one drip.
type Task struct {
	DripID        string   `json:"drip_id"`
	SubscriberIDs []string `json:"subscriber_ids"`
	NextStepID    *string  `json:"next_step_id,omitempty"`
}

// TaskRunner hands tasks to an asynchronous worker. Delivery is
// at-least-once; a task may be redelivered.
type TaskRunner interface {
	Enqueue(ctx context.Context, task Task) (TaskHandle, error)
}

// Chunk splits ids into consecutive slices of at most size elements.
func Chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end:end])
	}
	return chunks
}
