// Package queue holds remote operations deferred while sync was not
// possible, with exponential-backoff retry bookkeeping.
package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pokebrowser/core/internal/logging"
	"github.com/pokebrowser/core/internal/models"
)

// Operation is the kind of deferred remote work.
type Operation string

const (
	OperationPush          Operation = "push"
	OperationItemDelete    Operation = "item_delete"
	OperationHistoryUpsert Operation = "history_upsert"
	OperationLedgerCredit  Operation = "ledger_credit"
	OperationLedgerDebit   Operation = "ledger_debit"
)

// Status of a queued operation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusFailed     Status = "failed"
	StatusCompleted  Status = "completed"
)

// Item is one deferred operation.
type Item struct {
	ID          string
	Operation   Operation
	Payload     map[string]interface{}
	RetryCount  int
	MaxRetries  int
	NextRetryAt int64 // unix seconds
	Status      Status
	CreatedAt   int64
	UpdatedAt   int64
	LastError   string
}

// Queue is an in-memory retry queue, drained by the scheduler once the
// auth gate opens.
type Queue struct {
	mu      sync.RWMutex
	items   map[string]*Item
	maxSize int
}

// New creates a Queue with the given capacity.
func New(maxSize int) *Queue {
	return &Queue{
		items:   make(map[string]*Item),
		maxSize: maxSize,
	}
}

// Enqueue adds an operation to the queue.
func (q *Queue) Enqueue(operation Operation, payload map[string]interface{}) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.maxSize {
		return nil, fmt.Errorf("queue is full (max size: %d)", q.maxSize)
	}

	now := time.Now().Unix()
	item := &Item{
		ID:          uuid.New().String(),
		Operation:   operation,
		Payload:     payload,
		MaxRetries:  3,
		NextRetryAt: now,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	q.items[item.ID] = item

	logging.Debug("operation queued", map[string]interface{}{
		"op": string(operation),
		"id": item.ID,
	})
	return item, nil
}

// Dequeue retrieves the next retry-ready pending operation and marks it
// in-progress. Returns nil when nothing is ready.
func (q *Queue) Dequeue() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().Unix()
	for _, item := range q.items {
		if item.Status == StatusPending && item.NextRetryAt <= now {
			item.Status = StatusInProgress
			item.UpdatedAt = now
			return item
		}
	}
	return nil
}

// Complete removes a finished operation from the queue.
func (q *Queue) Complete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("item %s not found", id)
	}
	item.Status = StatusCompleted
	delete(q.items, id)
	return nil
}

// Failed records a failure and schedules a retry with exponential
// backoff, or parks the item as failed once retries are exhausted.
func (q *Queue) Failed(id string, opErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("item %s not found", id)
	}

	item.RetryCount++
	item.LastError = opErr.Error()
	item.UpdatedAt = time.Now().Unix()

	if item.RetryCount >= item.MaxRetries {
		item.Status = StatusFailed
		logging.Warn("queued operation failed permanently", map[string]interface{}{
			"op":    string(item.Operation),
			"id":    id,
			"error": opErr.Error(),
		})
		return fmt.Errorf("max retries (%d) reached: %w", item.MaxRetries, opErr)
	}

	backoff := backoffSeconds(item.RetryCount)
	item.NextRetryAt = time.Now().Unix() + backoff
	item.Status = StatusPending

	logging.Debug("queued operation will retry", map[string]interface{}{
		"op":          string(item.Operation),
		"id":          id,
		"retry":       item.RetryCount,
		"backoff_sec": backoff,
	})
	return nil
}

// backoffSeconds computes 2^retry * 30s, capped at 15 minutes. A browser
// session is short; an hour-scale cap would never fire.
func backoffSeconds(retryCount int) int64 {
	backoff := int64(1) << uint(retryCount)
	backoff *= 30

	const maxBackoff = int64(15 * 60)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// Pending returns all retry-ready pending operations.
func (q *Queue) Pending() []*Item {
	q.mu.RLock()
	defer q.mu.RUnlock()

	now := time.Now().Unix()
	var pending []*Item
	for _, item := range q.items {
		if item.Status == StatusPending && item.NextRetryAt <= now {
			cp := *item
			pending = append(pending, &cp)
		}
	}
	return pending
}

// RetryAll resets all permanently-failed items to pending.
func (q *Queue) RetryAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().Unix()
	count := 0
	for _, item := range q.items {
		if item.Status == StatusFailed {
			item.Status = StatusPending
			item.RetryCount = 0
			item.NextRetryAt = now
			item.LastError = ""
			item.UpdatedAt = now
			count++
		}
	}
	return count
}

// Size returns the number of items in the queue.
func (q *Queue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Clear removes all items. Called on logout.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make(map[string]*Item)
}

// ToModel converts an Item to its storable model shape.
func (item *Item) ToModel() *models.QueuedOp {
	payloadJSON, _ := json.Marshal(item.Payload)
	return &models.QueuedOp{
		ID:          item.ID,
		Operation:   string(item.Operation),
		Payload:     payloadJSON,
		RetryCount:  item.RetryCount,
		MaxRetries:  item.MaxRetries,
		NextRetryAt: item.NextRetryAt,
		Status:      string(item.Status),
		CreatedAt:   item.CreatedAt,
		UpdatedAt:   item.UpdatedAt,
		LastError:   item.LastError,
	}
}

// FromModel restores an Item from its storable model shape.
func FromModel(model *models.QueuedOp) (*Item, error) {
	var payload map[string]interface{}
	if len(model.Payload) > 0 {
		if err := json.Unmarshal(model.Payload, &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	return &Item{
		ID:          model.ID,
		Operation:   Operation(model.Operation),
		Payload:     payload,
		RetryCount:  model.RetryCount,
		MaxRetries:  model.MaxRetries,
		NextRetryAt: model.NextRetryAt,
		Status:      Status(model.Status),
		CreatedAt:   model.CreatedAt,
		UpdatedAt:   model.UpdatedAt,
		LastError:   model.LastError,
	}, nil
}
