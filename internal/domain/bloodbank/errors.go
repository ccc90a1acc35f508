package bloodbank

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrValidation    = errors.New("validation failed")
	ErrStateConflict = errors.New("state conflict")
	ErrGateFailed    = errors.New("safety gate failed")
	ErrShortfall     = errors.New("insufficient units")

	// ErrReactionHardStop is returned for vitals or a normal end on a
	// transfusion that has a reaction on record.
	ErrReactionHardStop = fmt.Errorf("%w: transfusion halted by reported reaction", ErrStateConflict)
	// ErrReturnWindowElapsed is returned for returns after the return window.
	ErrReturnWindowElapsed = fmt.Errorf("%w: return window elapsed", ErrStateConflict)
)

func notFound(entity string, id uuid.UUID) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStateConflict, fmt.Sprintf(format, args...))
}

// GateError carries every failing gate reason for one unit.
type GateError struct {
	UnitID  uuid.UUID    `json:"unit_id"`
	Reasons []GateReason `json:"reasons"`
}

func (e *GateError) Error() string {
	parts := make([]string, len(e.Reasons))
	for i, r := range e.Reasons {
		parts[i] = r.String()
	}
	return fmt.Sprintf("unit %s failed safety gates: %s", e.UnitID, strings.Join(parts, "; "))
}

func (e *GateError) Unwrap() error { return ErrGateFailed }

// Rejection is one allocation candidate that was passed over.
type Rejection struct {
	UnitID     uuid.UUID    `json:"unit_id"`
	UnitNumber string       `json:"unit_number"`
	Reasons    []GateReason `json:"reasons"`
}

func (r Rejection) String() string {
	codes := make([]string, len(r.Reasons))
	for i, reason := range r.Reasons {
		codes[i] = reason.String()
	}
	return r.UnitNumber + " [" + strings.Join(codes, ", ") + "]"
}

// ShortfallError reports an emergency allocation that could not reserve the
// requested quantity. Rejections holds every passed-over candidate; the
// message shows only the first SampleSize of them.
type ShortfallError struct {
	Component  ComponentType `json:"component"`
	Requested  int           `json:"requested"`
	Reserved   int           `json:"reserved"`
	Rejections []Rejection   `json:"rejections"`
	SampleSize int           `json:"-"`
}

func (e *ShortfallError) Short() int { return e.Requested - e.Reserved }

func (e *ShortfallError) Error() string {
	msg := fmt.Sprintf("insufficient %s units: requested %d, reserved %d (short %d)",
		e.Component, e.Requested, e.Reserved, e.Short())
	if len(e.Rejections) == 0 {
		return msg + "; no candidates in stock"
	}
	n := len(e.Rejections)
	if e.SampleSize > 0 && n > e.SampleSize {
		n = e.SampleSize
	}
	sample := make([]string, n)
	for i := 0; i < n; i++ {
		sample[i] = e.Rejections[i].String()
	}
	msg += "; rejected: " + strings.Join(sample, ", ")
	if n < len(e.Rejections) {
		msg += fmt.Sprintf(" and %d more", len(e.Rejections)-n)
	}
	return msg
}

func (e *ShortfallError) Unwrap() error { return ErrShortfall }
