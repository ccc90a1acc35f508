package bloodbank

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bloodbank/bloodbank/internal/platform/audit"
	"github.com/bloodbank/bloodbank/internal/platform/auth"
	"github.com/bloodbank/bloodbank/internal/platform/metrics"
	"github.com/bloodbank/bloodbank/internal/platform/notification"
)

// TxRunner runs fn in one transaction carried by ctx. db.TxManager is the
// production implementation.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// AuditSink appends to the audit trail on the transaction in ctx.
type AuditSink interface {
	Log(ctx context.Context, e audit.Entry) error
}

type Deps struct {
	Store   Store
	Tx      TxRunner
	Audit   AuditSink
	Notify  notification.Notifier
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	Policy  Policy
	// Now defaults to time.Now. Tests pin it.
	Now func() time.Time
}

// Service is the blood bank engine. Every operation resolves the caller's
// branch first, loads entities scoped to that branch, and runs its writes in
// a single transaction.
type Service struct {
	store   Store
	tx      TxRunner
	audit   AuditSink
	notify  notification.Notifier
	metrics *metrics.Metrics
	log     zerolog.Logger
	policy  Policy
	clock   func() time.Time
}

func NewService(d Deps) *Service {
	clock := d.Now
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		store:   d.Store,
		tx:      d.Tx,
		audit:   d.Audit,
		notify:  d.Notify,
		metrics: d.Metrics,
		log:     d.Logger.With().Str("component", "bloodbank").Logger(),
		policy:  d.Policy.withDefaults(),
		clock:   clock,
	}
}

func (s *Service) Policy() Policy { return s.policy }

func (s *Service) now() time.Time { return s.clock().UTC() }

// exec resolves the branch and runs fn under the effects coordinator.
func (s *Service) exec(ctx context.Context, p auth.Principal, requested uuid.UUID, fn func(ctx context.Context, fx *Effects) error) error {
	branchID, err := auth.ResolveBranchID(p, requested)
	if err != nil {
		return err
	}
	return s.run(ctx, p, branchID, fn)
}

// -- Branch-scoped loaders --
//
// An entity that belongs to another branch is reported as not found.

func (s *Service) unitAt(ctx context.Context, branchID, id uuid.UUID) (*BloodUnit, error) {
	if id == uuid.Nil {
		return nil, invalid("unit_id is required")
	}
	u, err := s.store.GetUnit(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.BranchID != branchID {
		return nil, notFound("blood unit", id)
	}
	return u, nil
}

func (s *Service) requestAt(ctx context.Context, branchID, id uuid.UUID) (*BloodRequest, error) {
	if id == uuid.Nil {
		return nil, invalid("request_id is required")
	}
	r, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.BranchID != branchID {
		return nil, notFound("blood request", id)
	}
	return r, nil
}

func (s *Service) crossMatchAt(ctx context.Context, branchID, id uuid.UUID) (*CrossMatch, error) {
	if id == uuid.Nil {
		return nil, invalid("cross_match_id is required")
	}
	x, err := s.store.GetCrossMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if x.BranchID != branchID {
		return nil, notFound("cross-match", id)
	}
	return x, nil
}

func (s *Service) issueAt(ctx context.Context, branchID, id uuid.UUID) (*BloodIssue, error) {
	if id == uuid.Nil {
		return nil, invalid("issue_id is required")
	}
	i, err := s.store.GetIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	if i.BranchID != branchID {
		return nil, notFound("blood issue", id)
	}
	return i, nil
}

func (s *Service) sessionAt(ctx context.Context, branchID, id uuid.UUID) (*MTPSession, error) {
	if id == uuid.Nil {
		return nil, invalid("session_id is required")
	}
	m, err := s.store.GetMTPSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.BranchID != branchID {
		return nil, notFound("MTP session", id)
	}
	return m, nil
}

func (s *Service) equipmentAt(ctx context.Context, branchID, id uuid.UUID) (*Equipment, error) {
	if id == uuid.Nil {
		return nil, invalid("equipment_id is required")
	}
	e, err := s.store.GetEquipment(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.BranchID != branchID {
		return nil, notFound("equipment", id)
	}
	return e, nil
}

func (s *Service) lookbackAt(ctx context.Context, branchID, id uuid.UUID) (*LookbackCase, error) {
	if id == uuid.Nil {
		return nil, invalid("lookback_id is required")
	}
	l, err := s.store.GetLookback(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.BranchID != branchID {
		return nil, notFound("look-back case", id)
	}
	return l, nil
}

// transfusionFor loads the issue's transfusion record, reporting its absence
// as a conflict since the record only exists after bedside verification.
func (s *Service) transfusionFor(ctx context.Context, issue *BloodIssue) (*TransfusionRecord, error) {
	t, err := s.store.GetTransfusionByIssue(ctx, issue.ID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, conflict("issue %s has no bedside verification", issue.IssueNumber)
	}
	return t, nil
}

// -- Unit state --

// transition moves u through ev with a conditional update. Losing the race
// is a state conflict; u is updated in place on success.
func (s *Service) transition(ctx context.Context, fx *Effects, u *BloodUnit, ev Event) error {
	to, err := Next(u.Status, ev)
	if err != nil {
		return fmt.Errorf("unit %s: %w", u.UnitNumber, err)
	}
	ok, err := s.store.CASUnitStatus(ctx, u.ID, u.Status, to)
	if err != nil {
		return err
	}
	if !ok {
		s.metrics.CASConflict()
		return conflict("unit %s is no longer %s", u.UnitNumber, u.Status)
	}
	fx.transitioned(u.Status, to)
	fx.Audit(ActionUnitStatusChanged, EntityUnit, u.ID, map[string]any{
		"from":  u.Status,
		"to":    to,
		"event": ev,
	})
	u.Status = to
	u.UpdatedAt = s.now()
	return nil
}

// quarantine moves a unit to QUARANTINED when its status allows it and
// returns the status it left. A unit that is already quarantined, terminal,
// or racing another writer is left alone and reported as not moved.
func (s *Service) quarantine(ctx context.Context, fx *Effects, unitID uuid.UUID, reason string) (UnitStatus, bool, error) {
	u, err := s.store.GetUnit(ctx, unitID)
	if err != nil {
		return "", false, err
	}
	if _, err := Next(u.Status, EventQuarantine); err != nil {
		return u.Status, false, nil
	}
	from := u.Status
	if err := s.transition(ctx, fx, u, EventQuarantine); err != nil {
		if errors.Is(err, ErrStateConflict) {
			s.log.Warn().Str("unit_id", u.ID.String()).Msg("quarantine lost race, unit status changed")
			return from, false, nil
		}
		return from, false, err
	}
	fx.Audit(ActionUnitQuarantined, EntityUnit, u.ID, map[string]any{"reason": reason, "prior_status": from})
	fx.Notify(notification.SeverityCritical, "Unit quarantined",
		fmt.Sprintf("Unit %s quarantined: %s", u.UnitNumber, reason), EntityUnit, u.ID, "quarantine")
	return from, true, nil
}

// quarantineLater registers a quarantine that survives the operation failing.
func (s *Service) quarantineLater(fx *Effects, unitID uuid.UUID, reason string) {
	fx.Durable("quarantine:"+unitID.String(), func(ctx context.Context, fx *Effects) error {
		_, _, err := s.quarantine(ctx, fx, unitID, reason)
		return err
	})
}

// snapshot loads everything the eligibility gates read.
func (s *Service) snapshot(ctx context.Context, u *BloodUnit) (UnitSnapshot, error) {
	snap := UnitSnapshot{Unit: *u}
	var err error
	if snap.Groupings, err = s.store.ListGroupings(ctx, u.ID); err != nil {
		return snap, err
	}
	if snap.Tests, err = s.store.ListTTI(ctx, u.ID); err != nil {
		return snap, err
	}
	if snap.Slot, err = s.store.GetActiveSlot(ctx, u.ID); err != nil {
		return snap, err
	}
	if snap.Slot == nil {
		return snap, nil
	}
	if snap.Equipment, err = s.store.GetEquipment(ctx, snap.Slot.EquipmentID); err != nil {
		return snap, err
	}
	if snap.Breaches, err = s.store.ListOpenBreaches(ctx, snap.Slot.EquipmentID); err != nil {
		return snap, err
	}
	return snap, nil
}

// gateError counts every reason and wraps them for the caller.
func (s *Service) gateError(unitID uuid.UUID, reasons []GateReason) error {
	for _, r := range reasons {
		s.metrics.GateFailed(string(r.Gate), r.Code)
	}
	return &GateError{UnitID: unitID, Reasons: reasons}
}

// withDetails attaches groupings, tests and slot for responses.
func (s *Service) withDetails(ctx context.Context, u *BloodUnit) (*BloodUnit, error) {
	snap, err := s.snapshot(ctx, u)
	if err != nil {
		return nil, err
	}
	u.Groupings = snap.Groupings
	u.TTITests = snap.Tests
	u.Slot = snap.Slot
	return u, nil
}

const base36 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// newNumber builds a human-facing number: prefix, a base36 millisecond stamp
// and three random base36 characters.
func newNumber(prefix string, now time.Time) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('-')
	b.WriteString(strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36)))
	for i := 0; i < 3; i++ {
		b.WriteByte(base36[rand.IntN(len(base36))])
	}
	return b.String()
}

func ptr[T any](v T) *T { return &v }
