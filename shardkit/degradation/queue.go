package degradation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxPayloadBytes bounds one queued write's encoded payload.
const maxPayloadBytes = 1 << 20

// QueuedWrite is one deferred write awaiting replay. Entries are append-only
// until dequeued by the replay worker.
type QueuedWrite struct {
	ID         uuid.UUID `json:"id"`
	Target     string    `json:"target"`
	Payload    []byte    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"lastError,omitempty"`
}

// DeadLetter records a queued write that exhausted its replay retries. Dead
// letters are kept for inspection instead of being silently discarded.
type DeadLetter struct {
	Write     QueuedWrite `json:"write"`
	FailedAt  time.Time   `json:"failedAt"`
	LastError string      `json:"lastError"`
}

// writeQueue holds deferred writes in enqueue order across all targets.
// Bounded: when full the oldest entry is evicted and counted as a drop.
type writeQueue struct {
	mu      sync.Mutex
	entries []*QueuedWrite
	max     int
	dropped int64
}

func newWriteQueue(max int) *writeQueue {
	return &writeQueue{max: max}
}

// push appends a write, returning the evicted oldest entry when the queue
// was full.
func (q *writeQueue) push(write *QueuedWrite) *QueuedWrite {
	q.mu.Lock()
	defer q.mu.Unlock()

	var evicted *QueuedWrite

	if q.max > 0 && len(q.entries) >= q.max {
		evicted = q.entries[0]
		q.entries = q.entries[1:]
		q.dropped++
	}

	q.entries = append(q.entries, write)

	return evicted
}

// head returns the oldest entry for target without removing it. Replay
// retries the head until it succeeds or dead-letters, so writes for one
// target never reorder.
func (q *writeQueue) head(target string) *QueuedWrite {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, entry := range q.entries {
		if entry.Target == target {
			return entry
		}
	}

	return nil
}

// remove deletes the entry with the given id, reporting whether it existed.
func (q *writeQueue) remove(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, entry := range q.entries {
		if entry.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)

			return true
		}
	}

	return false
}

func (q *writeQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

func (q *writeQueue) droppedCount() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.dropped
}

// deadLetterStore is a bounded record of writes that exhausted retries.
type deadLetterStore struct {
	mu      sync.Mutex
	letters []DeadLetter
	max     int
}

func newDeadLetterStore(max int) *deadLetterStore {
	return &deadLetterStore{max: max}
}

func (d *deadLetterStore) add(letter DeadLetter) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.max > 0 && len(d.letters) >= d.max {
		d.letters = d.letters[1:]
	}

	d.letters = append(d.letters, letter)
}

func (d *deadLetterStore) all() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]DeadLetter(nil), d.letters...)
}
