package store

import (
	"context"
	"testing"
	"time"

	"broadcast-platform/internal/attempts"
	"broadcast-platform/internal/broadcast"
	"broadcast-platform/internal/escalation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newBroadcast(t *testing.T, by string, at time.Time, scheduled *time.Time) broadcast.Broadcast {
	t.Helper()
	b, err := broadcast.NewBroadcast(broadcast.NewInput{
		Title: "Drill", Message: "Fire drill at noon", Type: broadcast.TypeVoice, CreatedBy: by, ScheduledAt: scheduled,
	}, []broadcast.Recipient{{PhoneNumber: "1001"}, {PhoneNumber: "1002"}}, 3, at)
	require.NoError(t, err)
	return b
}

func TestMemoryRepoRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	b := newBroadcast(t, "u1", t0, nil)
	require.NoError(t, r.CreateBroadcast(ctx, b))

	require.NoError(t, b.Start(t0))
	require.NoError(t, b.MarkCalling("1001", t0))
	require.NoError(t, b.UpdateRecipientStatus("1001", broadcast.RecipientNoAnswer, 0, "no answer", t0))
	require.NoError(t, r.SaveBroadcast(ctx, b))
	rc, _ := b.Recipient("1001")
	require.NoError(t, r.SaveRecipient(ctx, b.ID, rc))

	got, err := r.GetBroadcast(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, broadcast.StatusInProgress, got.Status)
	assert.Equal(t, 1, got.FailureCount)
	gr, _ := got.Recipient("1001")
	assert.Equal(t, broadcast.TallyFailure, gr.Tally, "tally survives persistence")
	assert.Equal(t, 1, gr.Attempts)

	// a later success moves the count over after reload
	require.NoError(t, got.MarkCalling("1001", t0))
	require.NoError(t, got.UpdateRecipientStatus("1001", broadcast.RecipientSuccess, 10, "", t0))
	assert.Equal(t, 1, got.SuccessCount)
	assert.Equal(t, 0, got.FailureCount)

	_, err = r.GetBroadcast(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.SaveRecipient(ctx, b.ID, broadcast.Recipient{PhoneNumber: "9"}), ErrNotFound)
}

func TestMemoryRepoListing(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	due := t0.Add(time.Minute)
	later := t0.Add(time.Hour)

	a := newBroadcast(t, "u1", t0, nil)
	b := newBroadcast(t, "u2", t0.Add(time.Second), &due)
	c := newBroadcast(t, "u1", t0.Add(2*time.Second), &later)
	for _, x := range []broadcast.Broadcast{a, b, c} {
		require.NoError(t, r.CreateBroadcast(ctx, x))
	}

	all, err := r.ListBroadcasts(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, c.ID, all[0].ID, "newest first")
	assert.Nil(t, all[0].Recipients)

	mine, _ := r.ListBroadcasts(ctx, Filter{CreatedBy: "u1", Limit: 1})
	require.Len(t, mine, 1)
	assert.Equal(t, c.ID, mine[0].ID)

	page, _ := r.ListBroadcasts(ctx, Filter{Offset: 5})
	assert.Empty(t, page)

	dueList, _ := r.ListDue(ctx, t0.Add(2*time.Minute))
	require.Len(t, dueList, 1)
	assert.Equal(t, b.ID, dueList[0].ID)
	assert.Len(t, dueList[0].Recipients, 2)

	pending, _ := r.ListByStatus(ctx, broadcast.StatusPending)
	assert.Len(t, pending, 3)
}

func TestMemoryRepoAttemptsAndSMS(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	require.NoError(t, r.AppendAttempt(ctx, attempts.CallAttempt{ID: "a1", BroadcastID: "b1", PhoneNumber: "1001", AttemptNumber: 1}))
	require.NoError(t, r.AppendAttempt(ctx, attempts.CallAttempt{ID: "a2", BroadcastID: "b2", PhoneNumber: "1001", AttemptNumber: 1}))
	require.NoError(t, r.AppendSMSResult(ctx, escalation.Result{ID: "s1", BroadcastID: "b1", PhoneNumber: "1001", Status: escalation.StatusSent}))

	as, _ := r.ListAttempts(ctx, "b1")
	require.Len(t, as, 1)
	assert.Equal(t, "a1", as[0].ID)

	ss, _ := r.ListSMSResults(ctx, "b1")
	require.Len(t, ss, 1)
	none, _ := r.ListSMSResults(ctx, "b2")
	assert.Empty(t, none)
}
