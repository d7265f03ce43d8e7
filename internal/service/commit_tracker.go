package service

import (
	"context"
	"sync"

	"github.com/heikotroetsch/simedge/internal/model"
)

// CommitTracker holds the broker's CHECK_MODEL answers for models being
// committed and the set of models already committed by this node.
type CommitTracker struct {
	mu        sync.Mutex
	checks    map[model.ModelHash]*commitRecord
	committed []model.ModelHash
}

type commitRecord struct {
	checked bool
	present bool
	done    chan struct{}
}

// NewCommitTracker creates an empty tracker
func NewCommitTracker() *CommitTracker {
	return &CommitTracker{checks: make(map[model.ModelHash]*commitRecord)}
}

// Begin resets the record for hash before a CHECK_MODEL is sent.
func (t *CommitTracker) Begin(hash model.ModelHash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checks[hash] = &commitRecord{done: make(chan struct{})}
}

// Resolve stores the broker's answer for a pending check. An answer that
// arrives before Await is kept on the record; answers for hashes without a
// record (never asked, or already forgotten) are dropped and false is returned.
func (t *CommitTracker) Resolve(hash model.ModelHash, present bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.checks[hash]
	if !ok {
		return false
	}
	rec.present = present
	if !rec.checked {
		rec.checked = true
		close(rec.done)
	}
	return true
}

func (t *CommitTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.checks)
}

// Await blocks until the answer for hash arrives or ctx is done.
func (t *CommitTracker) Await(ctx context.Context, hash model.ModelHash) (bool, error) {
	t.mu.Lock()
	rec, ok := t.checks[hash]
	if !ok {
		rec = &commitRecord{done: make(chan struct{})}
		t.checks[hash] = rec
	}
	t.mu.Unlock()

	select {
	case <-rec.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return rec.present, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Forget drops the check record for hash
func (t *CommitTracker) Forget(hash model.ModelHash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.checks, hash)
}

// MarkCommitted adds hash to the committed set; repeated calls are no-ops.
func (t *CommitTracker) MarkCommitted(hash model.ModelHash) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, h := range t.committed {
		if h == hash {
			return
		}
	}
	t.committed = append(t.committed, hash)
}

// CommittedModels returns the committed hashes in commit order
func (t *CommitTracker) CommittedModels() []model.ModelHash {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.ModelHash(nil), t.committed...)
}
