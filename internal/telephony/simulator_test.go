package telephony

import (
	"context"
	"errors"
	"testing"
	"time"

	"broadcast-platform/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatorScripts(t *testing.T) {
	s := NewSimulator()
	s.Script("1", NoAnswer, Confirm)
	s.Default = func(CallRequest) Behaviour { return Busy }
	ctx := context.Background()
	req := CallRequest{PhoneNumber: "1", ConfirmDigit: "1", TrunkID: "t"}

	res, err := s.PlaceCall(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, CallNoAnswer, res.Status)

	res, err = s.PlaceCall(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	assert.Equal(t, "1", res.Digits)

	res, err = s.PlaceCall(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, CallBusy, res.Status, "script exhausted, default applies")

	assert.Len(t, s.Calls(), 3)
	assert.Equal(t, 1, s.PeakConcurrent())
}

func TestSimulatorTransportFault(t *testing.T) {
	s := NewSimulator()
	s.Script("2", TransportFault)
	_, err := s.PlaceCall(context.Background(), CallRequest{PhoneNumber: "2", TrunkID: "t7"})
	var te *apperr.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "t7", te.TrunkID)
}

func TestSimulatorHangRespectsContext(t *testing.T) {
	s := NewSimulator()
	s.Script("3", Hang)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := s.PlaceCall(ctx, CallRequest{PhoneNumber: "3"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, res.Answered)
}
