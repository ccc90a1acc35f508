package bloodbank

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext(t *testing.T) {
	tests := []struct {
		from UnitStatus
		ev   Event
		want UnitStatus
	}{
		{StatusCollected, EventStartTesting, StatusTesting},
		{StatusTesting, EventSeparate, StatusSeparated},
		{StatusTesting, EventLabelConfirm, StatusAvailable},
		{StatusAvailable, EventReserve, StatusReserved},
		{StatusAvailable, EventCrossMatch, StatusCrossMatched},
		{StatusReserved, EventCrossMatch, StatusCrossMatched},
		{StatusCrossMatched, EventIssue, StatusIssued},
		{StatusReserved, EventIssue, StatusIssued},
		{StatusCrossMatched, EventUnreserve, StatusAvailable},
		{StatusIssued, EventTransfuse, StatusTransfused},
		{StatusIssued, EventReturn, StatusReturned},
		{StatusReturned, EventRestock, StatusAvailable},
		{StatusIssued, EventQuarantine, StatusQuarantined},
		{StatusQuarantined, EventLookbackClose, StatusAvailable},
		{StatusQuarantined, EventDiscard, StatusDiscarded},
		{StatusAvailable, EventTransferInit, StatusTransferPending},
		{StatusTransferPending, EventDispatch, StatusInTransit},
		{StatusInTransit, EventReceive, StatusAvailable},
		{StatusTransferPending, EventTransferCancel, StatusAvailable},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			got, err := Next(tt.from, tt.ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNext_Rejects(t *testing.T) {
	tests := []struct {
		from UnitStatus
		ev   Event
	}{
		{StatusCollected, EventLabelConfirm},
		{StatusAvailable, EventIssue},
		{StatusAvailable, EventTransfuse},
		{StatusQuarantined, EventReserve},
		{StatusQuarantined, EventRestock},
		{StatusTransfused, EventReturn},
		{StatusDiscarded, EventQuarantine},
		{StatusInTransit, EventDiscard},
		{StatusSeparated, EventLabelConfirm},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			_, err := Next(tt.from, tt.ev)
			assert.ErrorIs(t, err, ErrStateConflict)
		})
	}

	_, err := Next(StatusAvailable, Event("MELT"))
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestAllowed(t *testing.T) {
	assert.True(t, Allowed(StatusAvailable, StatusQuarantined))
	assert.True(t, Allowed(StatusQuarantined, StatusAvailable))
	assert.True(t, Allowed(StatusReturned, StatusAvailable))
	assert.False(t, Allowed(StatusTransfused, StatusAvailable))
	assert.False(t, Allowed(StatusCollected, StatusAvailable))
	assert.False(t, Allowed(StatusIssued, StatusAvailable))
}

func TestTerminal(t *testing.T) {
	for _, s := range []UnitStatus{StatusTransfused, StatusDiscarded, StatusSeparated} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []UnitStatus{StatusCollected, StatusAvailable, StatusQuarantined, StatusIssued, StatusInTransit} {
		assert.False(t, s.Terminal(), s)
	}
}
