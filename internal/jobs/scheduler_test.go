package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"broadcast-platform/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu        sync.Mutex
	dueCalls  []time.Time
	watchdogs int
	err       error
}

func (f *fakeDispatcher) StartDue(_ context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dueCalls = append(f.dueCalls, now)
	return 2, f.err
}

func (f *fakeDispatcher) Watchdog(context.Context, time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchdogs++
	return 0
}

func TestRunOnceDrivesBothJobs(t *testing.T) {
	d := &fakeDispatcher{}
	s, err := New(d, "", logger.Discard())
	require.NoError(t, err)
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	s.RunOnce(context.Background())

	require.Len(t, d.dueCalls, 1)
	assert.Equal(t, fixed, d.dueCalls[0])
	assert.Equal(t, 1, d.watchdogs)
}

func TestWatchdogRunsEvenWhenStartDueFails(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("db down")}
	s, err := New(d, "@every 1m", logger.Discard())
	require.NoError(t, err)

	s.RunOnce(context.Background())
	assert.Equal(t, 1, d.watchdogs)
}

func TestInvalidSpec(t *testing.T) {
	_, err := New(&fakeDispatcher{}, "every now and then", logger.Discard())
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	s, err := New(&fakeDispatcher{}, "@every 1h", logger.Discard())
	require.NoError(t, err)
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
