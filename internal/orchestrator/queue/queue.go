// Package queue provides the durable per-target command queue.
//
// Work items whose target is busy are buffered here in strict arrival order.
// The whole queue persists as one JSON document rewritten atomically on every
// mutation, with writes debounced to coalesce bursts. The in-memory state is
// authoritative; persistence is best effort and a failed write is retried on
// the next flush.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/agentfleet/agentfleet/internal/common/errors"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/events/bus"
	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

// Queue event types.
const (
	EventAdd    = "queue:add"
	EventRemove = "queue:remove"
)

const defaultDebounce = time.Second

// persistedState is the on-disk document.
type persistedState struct {
	NextSeqID int64           `json:"nextSeqId"`
	Items     []*v1.QueueItem `json:"items"`
}

// CommandQueue is a crash-safe FIFO per target key.
//
// seqId is a single monotonic counter shared by all targets and is never
// reused, so it remains a stable external reference even after removal.
type CommandQueue struct {
	path     string
	debounce time.Duration

	mu        sync.Mutex
	nextSeqID int64
	items     map[string][]*v1.QueueItem
	timer     *time.Timer

	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewCommandQueue creates a queue backed by the file at path and reloads any
// persisted items. A corrupt or missing file yields an empty queue.
func NewCommandQueue(path string, debounce time.Duration, eventBus bus.EventBus, log *logger.Logger) *CommandQueue {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	q := &CommandQueue{
		path:      path,
		debounce:  debounce,
		nextSeqID: 1,
		items:     make(map[string][]*v1.QueueItem),
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "queue")),
	}
	q.load()
	return q
}

// load restores queue state from disk. Errors are never fatal.
func (q *CommandQueue) load() {
	data, err := os.ReadFile(q.path)
	if err != nil {
		return
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		q.logger.Warn("queue file is corrupt, starting empty",
			zap.String("path", q.path),
			zap.Error(err))
		return
	}

	if state.NextSeqID > q.nextSeqID {
		q.nextSeqID = state.NextSeqID
	}
	for _, item := range state.Items {
		key := item.TargetKey()
		q.items[key] = append(q.items[key], item)
		// Guard against a stale counter so seqIds stay unique.
		if item.SeqID >= q.nextSeqID {
			q.nextSeqID = item.SeqID + 1
		}
	}
	// Restore FIFO order within each target.
	for _, list := range q.items {
		sort.Slice(list, func(i, j int) bool { return list[i].SeqID < list[j].SeqID })
	}

	q.logger.Info("queue restored",
		zap.String("path", q.path),
		zap.Int("items", q.lenLocked()),
		zap.Int64("next_seq_id", q.nextSeqID))
}

// Enqueue appends a work item to its target's FIFO, assigning the next
// sequence number, and emits an add event.
func (q *CommandQueue) Enqueue(item *v1.QueueItem) *v1.QueueItem {
	q.mu.Lock()
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	item.SeqID = q.nextSeqID
	q.nextSeqID++
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	key := item.TargetKey()
	q.items[key] = append(q.items[key], item)
	q.schedulePersistLocked()
	q.mu.Unlock()

	q.logger.Info("queued work item",
		zap.Int64("seq_id", item.SeqID),
		zap.String("target", key),
		zap.String("source", item.Source))
	q.publish(EventAdd, item)
	return item
}

// Dequeue pops the oldest item for a target key, or returns nil.
func (q *CommandQueue) Dequeue(targetKey string) *v1.QueueItem {
	q.mu.Lock()
	list := q.items[targetKey]
	if len(list) == 0 {
		q.mu.Unlock()
		return nil
	}
	item := list[0]
	if len(list) == 1 {
		delete(q.items, targetKey)
	} else {
		q.items[targetKey] = list[1:]
	}
	q.schedulePersistLocked()
	q.mu.Unlock()

	q.publish(EventRemove, item)
	return item
}

// Remove deletes a specific item by its sequence number, wherever it sits.
func (q *CommandQueue) Remove(seqID int64) bool {
	q.mu.Lock()
	var removed *v1.QueueItem
	for key, list := range q.items {
		for i, item := range list {
			if item.SeqID != seqID {
				continue
			}
			removed = item
			if len(list) == 1 {
				delete(q.items, key)
			} else {
				q.items[key] = append(list[:i:i], list[i+1:]...)
			}
			break
		}
		if removed != nil {
			break
		}
	}
	if removed != nil {
		q.schedulePersistLocked()
	}
	q.mu.Unlock()

	if removed == nil {
		return false
	}
	q.publish(EventRemove, removed)
	return true
}

// GetAll returns every queued item across all targets sorted by seqId
// ascending, the authoritative global ordering.
func (q *CommandQueue) GetAll() []*v1.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	all := make([]*v1.QueueItem, 0, q.lenLocked())
	for _, list := range q.items {
		all = append(all, list...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].SeqID < all[j].SeqID })
	return all
}

// Pending reports how many items are queued for a target key.
func (q *CommandQueue) Pending(targetKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[targetKey])
}

// Len returns the total number of queued items.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *CommandQueue) lenLocked() int {
	n := 0
	for _, list := range q.items {
		n += len(list)
	}
	return n
}

// schedulePersistLocked arms the debounce timer if it is not already armed.
func (q *CommandQueue) schedulePersistLocked() {
	if q.timer != nil {
		return
	}
	q.timer = time.AfterFunc(q.debounce, func() {
		if err := q.Flush(); err != nil {
			q.logger.Error("queue persistence failed", zap.Error(err))
		}
	})
}

// Flush writes the queue to disk immediately. Call on shutdown so the
// debounce window cannot lose mutations.
func (q *CommandQueue) Flush() error {
	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	state := persistedState{
		NextSeqID: q.nextSeqID,
		Items:     make([]*v1.QueueItem, 0, q.lenLocked()),
	}
	for _, list := range q.items {
		state.Items = append(state.Items, list...)
	}
	sort.Slice(state.Items, func(i, j int) bool { return state.Items[i].SeqID < state.Items[j].SeqID })
	q.mu.Unlock()

	data, err := json.MarshalIndent(&state, "", "  ")
	if err != nil {
		return apperrors.Persistence("failed to marshal queue state", err)
	}

	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return apperrors.Persistence("failed to create queue directory", err)
	}

	// Write-temp-then-rename so a crash never leaves a half-written file.
	tmp := fmt.Sprintf("%s.tmp", q.path)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.Persistence("failed to write queue file", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return apperrors.Persistence("failed to replace queue file", err)
	}
	return nil
}

func (q *CommandQueue) publish(eventType string, item *v1.QueueItem) {
	if q.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "queue", map[string]interface{}{
		"seq_id": item.SeqID,
		"item":   item,
	})
	if err := q.eventBus.Publish(context.Background(), bus.SubjectQueue, event); err != nil {
		q.logger.Warn("failed to publish queue event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
