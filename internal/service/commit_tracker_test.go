package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heikotroetsch/simedge/internal/model"
)

func TestCommitTrackerAwaitResolve(t *testing.T) {
	tracker := NewCommitTracker()
	h := model.ComputeHash([]byte("m"))
	tracker.Begin(h)

	go func() {
		time.Sleep(10 * time.Millisecond)
		tracker.Resolve(h, true)
	}()

	present, err := tracker.Await(context.Background(), h)
	require.NoError(t, err)
	assert.True(t, present)
}

func TestCommitTrackerEarlyAnswer(t *testing.T) {
	tracker := NewCommitTracker()
	h := model.ComputeHash([]byte("m"))
	tracker.Begin(h)
	tracker.Resolve(h, false)

	present, err := tracker.Await(context.Background(), h)
	require.NoError(t, err)
	assert.False(t, present)

	// Begin starts a fresh round
	tracker.Begin(h)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tracker.Await(ctx, h)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommitTrackerDropsUnsolicitedAnswers(t *testing.T) {
	tracker := NewCommitTracker()
	h := model.ComputeHash([]byte("m"))

	assert.False(t, tracker.Resolve(h, true))
	assert.Zero(t, tracker.pending())

	// a late answer after the commit gave up
	tracker.Begin(h)
	tracker.Forget(h)
	assert.False(t, tracker.Resolve(h, true))
	assert.Zero(t, tracker.pending())

	// neither answer leaks into the next round
	tracker.Begin(h)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tracker.Await(ctx, h)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.True(t, tracker.Resolve(h, false))
	tracker.Forget(h)
	assert.Zero(t, tracker.pending())
}

func TestCommitTrackerCommittedModels(t *testing.T) {
	tracker := NewCommitTracker()
	h1 := model.ComputeHash([]byte("one"))
	h2 := model.ComputeHash([]byte("two"))

	assert.Empty(t, tracker.CommittedModels())
	tracker.MarkCommitted(h1)
	tracker.MarkCommitted(h2)
	tracker.MarkCommitted(h1)

	assert.Equal(t, []model.ModelHash{h1, h2}, tracker.CommittedModels())
}
