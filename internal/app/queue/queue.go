// Package queue provides the per-channel track queue: pending entries, the
// current slot and a bounded history.
package queue

import (
	"math/rand/v2"

	"github.com/osa030/voicebox/internal/domain/playerr"
	"github.com/osa030/voicebox/internal/domain/track"
)

// Config holds queue limits.
type Config struct {
	MaxQueueSize int // Maximum pending entries
	MaxBatchSize int // Maximum entries admitted by one EnqueueMany (0 = no limit)
	HistorySize  int // Maximum history entries kept
}

// Admission reports the outcome of a batch enqueue.
type Admission struct {
	Admitted int
	Rejected int
}

// Snapshot is a read-only copy of the queue.
type Snapshot struct {
	Current      *track.Reference
	Pending      []*track.Reference
	History      []*track.Reference
	PendingCount int
	HistoryCount int
}

// Queue holds pending references, the current slot and the play history.
// Queue is not safe for concurrent use; the playback controller guards it.
type Queue struct {
	config  Config
	pending []*track.Reference
	current *track.Reference
	history []*track.Reference
}

// New creates an empty queue.
func New(config Config) *Queue {
	if config.HistorySize <= 0 {
		config.HistorySize = 20
	}
	return &Queue{
		config:  config,
		pending: make([]*track.Reference, 0),
		history: make([]*track.Reference, 0, config.HistorySize),
	}
}

// Remaining returns the free pending capacity.
func (q *Queue) Remaining() int {
	r := q.config.MaxQueueSize - len(q.pending)
	if r < 0 {
		return 0
	}
	return r
}

// EnqueueOne appends a single reference.
func (q *Queue) EnqueueOne(ref *track.Reference) error {
	if q.Remaining() == 0 {
		return playerr.ErrQueueFull
	}
	q.pending = append(q.pending, ref)
	return nil
}

// EnqueueMany appends as many references as the batch limit and the
// remaining capacity allow; the tail of refs is rejected.
func (q *Queue) EnqueueMany(refs []*track.Reference) Admission {
	n := len(refs)
	if q.config.MaxBatchSize > 0 && n > q.config.MaxBatchSize {
		n = q.config.MaxBatchSize
	}
	if r := q.Remaining(); n > r {
		n = r
	}
	q.pending = append(q.pending, refs[:n]...)
	return Admission{Admitted: n, Rejected: len(refs) - n}
}

// TakeNext pops the head of the pending list. It does not touch current.
func (q *Queue) TakeNext() (*track.Reference, bool) {
	if len(q.pending) == 0 {
		return nil, false
	}
	ref := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return ref, true
}

// Peek returns the head of the pending list without removing it.
func (q *Queue) Peek() (*track.Reference, bool) {
	if len(q.pending) == 0 {
		return nil, false
	}
	return q.pending[0], true
}

// SetCurrent assigns current and pushes the previous one onto the history.
func (q *Queue) SetCurrent(ref *track.Reference) {
	if q.current != nil {
		q.pushHistory(q.current)
	}
	q.current = ref
}

// DropCurrent clears current without recording it in the history.
func (q *Queue) DropCurrent() {
	q.current = nil
}

// Current returns the current reference, or nil.
func (q *Queue) Current() *track.Reference {
	return q.current
}

// LastPlayed returns the most recent history entry, or nil.
func (q *Queue) LastPlayed() *track.Reference {
	if len(q.history) == 0 {
		return nil
	}
	return q.history[len(q.history)-1]
}

func (q *Queue) pushHistory(ref *track.Reference) {
	if len(q.history) >= q.config.HistorySize {
		copy(q.history, q.history[1:])
		q.history = q.history[:len(q.history)-1]
	}
	q.history = append(q.history, ref)
}

// Clear empties the pending list and current. History is kept.
func (q *Queue) Clear() {
	q.pending = make([]*track.Reference, 0)
	q.current = nil
}

// ClearPending empties the pending list only.
func (q *Queue) ClearPending() int {
	n := len(q.pending)
	q.pending = make([]*track.Reference, 0)
	return n
}

// Shuffle randomizes the pending order.
func (q *Queue) Shuffle() error {
	if len(q.pending) < 2 {
		return playerr.ErrNotEnoughTracks
	}
	rand.Shuffle(len(q.pending), func(i, j int) {
		q.pending[i], q.pending[j] = q.pending[j], q.pending[i]
	})
	return nil
}

// Remove deletes the pending entry at index.
func (q *Queue) Remove(index int) (*track.Reference, bool) {
	if index < 0 || index >= len(q.pending) {
		return nil, false
	}
	ref := q.pending[index]
	q.pending = append(q.pending[:index], q.pending[index+1:]...)
	return ref, true
}

// Len returns the pending length.
func (q *Queue) Len() int {
	return len(q.pending)
}

// Contains reports whether a reference with key is pending or current.
func (q *Queue) Contains(key string) bool {
	if q.current != nil && q.current.Key() == key {
		return true
	}
	for _, ref := range q.pending {
		if ref.Key() == key {
			return true
		}
	}
	return false
}

// PendingBy counts the pending entries requested by requesterID.
func (q *Queue) PendingBy(requesterID string) int {
	n := 0
	for _, ref := range q.pending {
		if ref.Requester.ID == requesterID {
			n++
		}
	}
	return n
}

// Titles returns the titles of the current and pending entries.
func (q *Queue) Titles() []string {
	out := make([]string, 0, len(q.pending)+1)
	if q.current != nil {
		out = append(out, q.current.Title())
	}
	for _, ref := range q.pending {
		out = append(out, ref.Title())
	}
	return out
}

// Snapshot returns deep copies of the queue contents.
func (q *Queue) Snapshot() Snapshot {
	return Snapshot{
		Current:      q.current.Clone(),
		Pending:      cloneAll(q.pending),
		History:      cloneAll(q.history),
		PendingCount: len(q.pending),
		HistoryCount: len(q.history),
	}
}

func cloneAll(refs []*track.Reference) []*track.Reference {
	out := make([]*track.Reference, len(refs))
	for i, r := range refs {
		out[i] = r.Clone()
	}
	return out
}
