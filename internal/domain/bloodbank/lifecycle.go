package bloodbank

import (
	"fmt"
)

// Event names a unit lifecycle transition. Each event admits a fixed set of
// source statuses and always lands on one target status.
type Event string

const (
	EventStartTesting   Event = "START_TESTING"
	EventSeparate       Event = "SEPARATE"
	EventQuarantine     Event = "QUARANTINE"
	EventLabelConfirm   Event = "LABEL_CONFIRM"
	EventReserve        Event = "RESERVE"
	EventCrossMatch     Event = "CROSS_MATCH"
	EventIssue          Event = "ISSUE"
	EventUnreserve      Event = "UNRESERVE"
	EventTransfuse      Event = "TRANSFUSE"
	EventReturn         Event = "RETURN"
	EventRestock        Event = "RESTOCK"
	EventLookbackClose  Event = "LOOKBACK_CLOSE"
	EventDiscard        Event = "DISCARD"
	EventTransferInit   Event = "TRANSFER_INIT"
	EventTransferCancel Event = "TRANSFER_CANCEL"
	EventDispatch       Event = "DISPATCH"
	EventReceive        Event = "RECEIVE"
)

type edge struct {
	from []UnitStatus
	to   UnitStatus
}

var lifecycle = map[Event]edge{
	EventStartTesting: {[]UnitStatus{StatusCollected}, StatusTesting},
	EventSeparate:     {[]UnitStatus{StatusTesting}, StatusSeparated},
	EventQuarantine: {[]UnitStatus{
		StatusTesting, StatusAvailable, StatusReserved, StatusCrossMatched,
		StatusIssued, StatusReturned, StatusTransferPending,
	}, StatusQuarantined},
	EventLabelConfirm: {[]UnitStatus{StatusTesting}, StatusAvailable},
	EventReserve:      {[]UnitStatus{StatusAvailable}, StatusReserved},
	EventCrossMatch:   {[]UnitStatus{StatusAvailable, StatusReserved}, StatusCrossMatched},
	EventIssue:        {[]UnitStatus{StatusCrossMatched, StatusReserved}, StatusIssued},
	EventUnreserve:    {[]UnitStatus{StatusReserved, StatusCrossMatched}, StatusAvailable},
	EventTransfuse:    {[]UnitStatus{StatusIssued}, StatusTransfused},
	EventReturn:       {[]UnitStatus{StatusIssued}, StatusReturned},
	EventRestock:      {[]UnitStatus{StatusReturned}, StatusAvailable},
	// Quarantine is left only through a look-back closure.
	EventLookbackClose: {[]UnitStatus{StatusQuarantined}, StatusAvailable},
	EventDiscard: {[]UnitStatus{
		StatusCollected, StatusTesting, StatusAvailable, StatusReserved,
		StatusCrossMatched, StatusQuarantined, StatusReturned,
	}, StatusDiscarded},
	EventTransferInit:   {[]UnitStatus{StatusAvailable}, StatusTransferPending},
	EventTransferCancel: {[]UnitStatus{StatusTransferPending}, StatusAvailable},
	EventDispatch:       {[]UnitStatus{StatusTransferPending}, StatusInTransit},
	EventReceive:        {[]UnitStatus{StatusInTransit}, StatusAvailable},
}

// Next returns the status a unit in from reaches through ev, or a
// state-conflict error when the edge does not exist.
func Next(from UnitStatus, ev Event) (UnitStatus, error) {
	e, ok := lifecycle[ev]
	if !ok {
		return "", fmt.Errorf("%w: unknown lifecycle event %s", ErrValidation, ev)
	}
	for _, s := range e.from {
		if s == from {
			return e.to, nil
		}
	}
	return "", fmt.Errorf("%w: cannot %s a unit in status %s", ErrStateConflict, ev, from)
}

// Allowed reports whether any event moves a unit from one status to another.
func Allowed(from, to UnitStatus) bool {
	for ev, e := range lifecycle {
		if e.to != to {
			continue
		}
		if _, err := Next(from, ev); err == nil {
			return true
		}
	}
	return false
}

// Terminal reports whether no event leaves the status.
func (s UnitStatus) Terminal() bool {
	for _, e := range lifecycle {
		for _, from := range e.from {
			if from == s {
				return false
			}
		}
	}
	return true
}
