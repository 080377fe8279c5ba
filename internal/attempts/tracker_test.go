package attempts

import (
	"errors"
	"sync"
	"testing"
	"time"

	"broadcast-platform/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1700000000, 0).UTC()

func noAnswer() Result {
	return Result{StartedAt: t0, EndedAt: t0.Add(30 * time.Second), Status: StatusNoAnswer, FailureReason: "ring timeout"}
}

func TestRecordAttempt_NumbersContiguously(t *testing.T) {
	tr := NewTracker("b1", 5, []string{"111", "222"})

	for i := 1; i <= 3; i++ {
		a, err := tr.RecordAttempt("111", noAnswer())
		require.NoError(t, err)
		assert.Equal(t, i, a.AttemptNumber)
		assert.Nil(t, a.Duration)
	}
	a, err := tr.RecordAttempt("222", noAnswer())
	require.NoError(t, err)
	assert.Equal(t, 1, a.AttemptNumber, "numbering is per phone")
}

func TestRecordAttempt_ConcurrentSamePhone(t *testing.T) {
	const n = 50
	tr := NewTracker("b1", n, []string{"111"})

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.RecordAttempt("111", noAnswer())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	as, err := tr.Attempts("111")
	require.NoError(t, err)
	require.Len(t, as, n)
	for i, a := range as {
		assert.Equal(t, i+1, a.AttemptNumber)
	}
}

func TestRecordAttempt_UnknownPhone(t *testing.T) {
	tr := NewTracker("b1", 3, []string{"111"})
	_, err := tr.RecordAttempt("999", noAnswer())

	var ur *apperr.UnknownRecipientError
	require.True(t, errors.As(err, &ur))
	assert.Equal(t, "999", ur.Phone)
}

func TestRecordAttempt_Validation(t *testing.T) {
	tr := NewTracker("b1", 3, []string{"111"})
	var ve *apperr.ValidationError

	_, err := tr.RecordAttempt("111", Result{Duration: -time.Second})
	assert.True(t, errors.As(err, &ve))

	_, err = tr.RecordAttempt("111", Result{DTMFConfirmed: true})
	assert.True(t, errors.As(err, &ve))

	as, _ := tr.Attempts("111")
	assert.Empty(t, as, "invalid results are not recorded")
}

func TestOutcomeFor(t *testing.T) {
	tr := NewTracker("b1", 3, []string{"111"})

	o, err := tr.OutcomeFor("111")
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, o)

	require.NoError(t, tr.MarkDialing("111"))
	o, _ = tr.OutcomeFor("111")
	assert.Equal(t, OutcomeInProgress, o)

	_, _ = tr.RecordAttempt("111", noAnswer())
	o, _ = tr.OutcomeFor("111")
	assert.Equal(t, OutcomePending, o)

	a, err := tr.RecordAttempt("111", Result{StartedAt: t0, Answered: true, DTMFConfirmed: true, Duration: 12400 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, a.Status)
	require.NotNil(t, a.Duration)
	assert.Equal(t, 12, *a.Duration)

	o, _ = tr.OutcomeFor("111")
	assert.Equal(t, OutcomeConfirmed, o)
	assert.True(t, o.Terminal())
}

func TestOutcomeFor_ExhaustedAfterMaxRetries(t *testing.T) {
	tr := NewTracker("b1", 3, []string{"111"})
	for i := 0; i < 3; i++ {
		_, err := tr.RecordAttempt("111", noAnswer())
		require.NoError(t, err)
	}
	o, _ := tr.OutcomeFor("111")
	assert.Equal(t, OutcomeExhausted, o)
}

func TestOutcomeFor_RejectionExhaustsImmediately(t *testing.T) {
	tr := NewTracker("b1", 3, []string{"111"})
	_, err := tr.RecordAttempt("111", Result{StartedAt: t0, Status: StatusRejected, FailureReason: "declined"})
	require.NoError(t, err)
	o, _ := tr.OutcomeFor("111")
	assert.Equal(t, OutcomeExhausted, o)
}

func TestRestore(t *testing.T) {
	src := NewTracker("b1", 3, []string{"111", "222"})
	_, _ = src.RecordAttempt("111", noAnswer())
	_, _ = src.RecordAttempt("111", Result{StartedAt: t0, Answered: true, DTMFConfirmed: true})

	var all []CallAttempt
	for _, as := range src.Snapshot() {
		all = append(all, as...)
	}

	dst := NewTracker("b1", 3, []string{"111", "222"})
	require.NoError(t, dst.Restore(all))
	o, _ := dst.OutcomeFor("111")
	assert.Equal(t, OutcomeConfirmed, o)

	a, err := dst.RecordAttempt("222", noAnswer())
	require.NoError(t, err)
	assert.Equal(t, 1, a.AttemptNumber)

	gap := []CallAttempt{{PhoneNumber: "222", AttemptNumber: 3}}
	assert.Error(t, NewTracker("b1", 3, []string{"222"}).Restore(gap))
}
