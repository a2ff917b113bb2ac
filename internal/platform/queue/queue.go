package queue

import "context"

// Signal wakes the sync worker. It carries no payload: the worker derives
// everything it needs from persisted state.
type Signal string

const (
	SignalDeltaSync   Signal = "delta-sync"
	SignalInitialSync Signal = "initial-sync"
)

type TriggerQueue interface {
	Push(ctx context.Context, signal Signal) error
	// Pop blocks until a signal arrives or ctx ends.
	Pop(ctx context.Context) (Signal, error)
}

// MemoryTriggerQueue serves single-process runs. Pushing onto a full queue
// drops the signal; a pending wake-up already covers it.
type MemoryTriggerQueue struct {
	ch chan Signal
}

func NewMemoryTriggerQueue(size int) *MemoryTriggerQueue {
	if size < 1 {
		size = 1
	}
	return &MemoryTriggerQueue{ch: make(chan Signal, size)}
}

func (q *MemoryTriggerQueue) Push(ctx context.Context, signal Signal) error {
	select {
	case q.ch <- signal:
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}

func (q *MemoryTriggerQueue) Pop(ctx context.Context) (Signal, error) {
	select {
	case s := <-q.ch:
		return s, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
