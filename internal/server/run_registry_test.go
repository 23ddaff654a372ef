package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRunRegistry(t *testing.T) {
	t.Run("CreateAndGet", func(t *testing.T) {
		reg := NewRunRegistry()
		id := reg.Create("chan-1")

		run, err := reg.Get(id)
		require.NoError(t, err)
		assert.Equal(t, id, run.ID)
		assert.Equal(t, "chan-1", run.ChannelID)
		assert.Equal(t, RunStatusPending, run.Status)
		assert.Nil(t, run.FinishedAt)
	})

	t.Run("UnknownRun", func(t *testing.T) {
		reg := NewRunRegistry()
		_, err := reg.Get("missing")
		assert.ErrorIs(t, err, ErrRunNotFound)
		assert.ErrorIs(t, reg.Complete("missing"), ErrRunNotFound)
		assert.ErrorIs(t, reg.Processing("missing", nil), ErrRunNotFound)
	})

	t.Run("ProcessingReportsLiveCounters", func(t *testing.T) {
		reg := NewRunRegistry()
		id := reg.Create("chan-1")

		var messages atomic.Int64
		require.NoError(t, reg.Processing(id, func() (int64, int64) { return messages.Load(), 2 }))

		messages.Store(10)
		run, err := reg.Get(id)
		require.NoError(t, err)
		assert.Equal(t, RunStatusProcessing, run.Status)
		assert.EqualValues(t, 10, run.Messages)
		assert.EqualValues(t, 2, run.Attachments)

		// После завершения счетчики замораживаются.
		require.NoError(t, reg.Complete(id))
		messages.Store(99)
		run, err = reg.Get(id)
		require.NoError(t, err)
		assert.Equal(t, RunStatusCompleted, run.Status)
		assert.EqualValues(t, 10, run.Messages)
		assert.NotNil(t, run.FinishedAt)
	})

	t.Run("Fail", func(t *testing.T) {
		reg := NewRunRegistry()
		id := reg.Create("chan-1")

		require.NoError(t, reg.Fail(id, errors.New("disk full")))
		run, err := reg.Get(id)
		require.NoError(t, err)
		assert.Equal(t, RunStatusFailed, run.Status)
		assert.Equal(t, "disk full", run.ErrorMessage)
	})

	t.Run("ListInCreationOrder", func(t *testing.T) {
		clock := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		reg := NewRunRegistry(WithRegistryClock(clock.Now))
		first := reg.Create("a")
		clock.Advance(time.Second)
		second := reg.Create("b")

		runs := reg.List()
		require.Len(t, runs, 2)
		assert.Equal(t, first, runs[0].ID)
		assert.Equal(t, second, runs[1].ID)
	})

	t.Run("CleanupExpired", func(t *testing.T) {
		clock := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		reg := NewRunRegistry(WithRegistryClock(clock.Now), WithRunTTL(time.Hour))

		done := reg.Create("done")
		running := reg.Create("running")
		require.NoError(t, reg.Complete(done))
		require.NoError(t, reg.Processing(running, nil))

		clock.Advance(30 * time.Minute)
		reg.CleanupExpired()
		assert.Len(t, reg.List(), 2)

		clock.Advance(31 * time.Minute)
		reg.CleanupExpired()

		_, err := reg.Get(done)
		assert.ErrorIs(t, err, ErrRunNotFound)
		_, err = reg.Get(running)
		assert.NoError(t, err, "unfinished runs never expire")
	})
}
