package bloodbank

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/platform/auth"
	"github.com/bloodbank/bloodbank/internal/platform/notification"
)

// openLookback opens a case against the trigger unit's donor and quarantines
// that donor's AVAILABLE units at the branch. The units it quarantined are
// kept in the case snapshot so closure releases exactly those.
func (s *Service) openLookback(ctx context.Context, fx *Effects, trigger *BloodUnit, kind LookbackTrigger, ref string) (*LookbackCase, error) {
	now := s.now()
	n, err := s.store.CountLookbacksOn(ctx, fx.branchID, now)
	if err != nil {
		return nil, err
	}
	lb := &LookbackCase{
		ID:            uuid.New(),
		BranchID:      fx.branchID,
		CaseNumber:    fmt.Sprintf("LB-%s-%03d", now.Format("20060102"), n+1),
		DonorID:       trigger.DonorID,
		TriggerUnitID: trigger.ID,
		TriggerType:   kind,
		TriggerRef:    ref,
		Status:        LookbackOpen,
		Snapshot:      LookbackSnapshot{Quarantined: []LookbackUnit{}},
		OpenedBy:      fx.actor.UserID,
		OpenedAt:      now,
	}

	if trigger.DonorID != nil {
		units, err := s.store.ListUnits(ctx, UnitFilter{
			BranchID: fx.branchID,
			Status:   StatusAvailable,
			DonorID:  trigger.DonorID,
		})
		if err != nil {
			return nil, err
		}
		reason := "look-back " + lb.CaseNumber
		for _, u := range units {
			from, moved, err := s.quarantine(ctx, fx, u.ID, reason)
			if err != nil {
				return nil, err
			}
			if moved {
				lb.Snapshot.Quarantined = append(lb.Snapshot.Quarantined, LookbackUnit{
					UnitID: u.ID, UnitNumber: u.UnitNumber, PriorStatus: from,
				})
			}
		}
	}

	if err := s.store.CreateLookback(ctx, lb); err != nil {
		return nil, err
	}
	fx.Audit(ActionLookbackOpened, EntityLookback, lb.ID, map[string]any{
		"case_number":     lb.CaseNumber,
		"trigger_type":    kind,
		"trigger_unit_id": trigger.ID,
		"trigger_ref":     ref,
		"quarantined":     len(lb.Snapshot.Quarantined),
	})
	fx.Notify(notification.SeverityCritical, "Look-back opened",
		fmt.Sprintf("%s opened from unit %s (%s), %d unit(s) quarantined",
			lb.CaseNumber, trigger.UnitNumber, kind, len(lb.Snapshot.Quarantined)),
		EntityLookback, lb.ID, "lookback")
	return lb, nil
}

type LookbackInput struct {
	UnitID uuid.UUID `json:"unit_id"`
	Reason string    `json:"reason"`
}

// OpenLookback opens a case by hand against a unit's donor.
func (s *Service) OpenLookback(ctx context.Context, p auth.Principal, branchID uuid.UUID, in LookbackInput) (*LookbackCase, error) {
	if in.Reason == "" {
		return nil, invalid("reason is required")
	}
	var out *LookbackCase
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		u, err := s.unitAt(ctx, fx.branchID, in.UnitID)
		if err != nil {
			return err
		}
		out, err = s.openLookback(ctx, fx, u, TriggerManual, in.Reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CloseLookback releases the units this case quarantined that are still
// quarantined and carry no reactive latest TTI result.
func (s *Service) CloseLookback(ctx context.Context, p auth.Principal, branchID, id uuid.UUID, findings string) (*LookbackCase, error) {
	if findings == "" {
		return nil, invalid("findings are required")
	}
	var out *LookbackCase
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		lb, err := s.lookbackAt(ctx, fx.branchID, id)
		if err != nil {
			return err
		}
		if lb.Status != LookbackOpen {
			return conflict("look-back %s is %s", lb.CaseNumber, lb.Status)
		}
		for _, q := range lb.Snapshot.Quarantined {
			u, err := s.store.GetUnit(ctx, q.UnitID)
			if err != nil {
				return err
			}
			if u.Status != StatusQuarantined {
				continue
			}
			tests, err := s.store.ListTTI(ctx, u.ID)
			if err != nil {
				return err
			}
			if HasReactiveTTI(tests) {
				continue
			}
			if err := s.transition(ctx, fx, u, EventLookbackClose); err != nil {
				return err
			}
			lb.Snapshot.Released = append(lb.Snapshot.Released, u.ID)
		}
		lb.Status = LookbackClosed
		lb.ClosedBy = ptr(p.UserID)
		lb.ClosedAt = ptr(s.now())
		lb.Findings = findings
		if err := s.store.UpdateLookback(ctx, lb); err != nil {
			return err
		}
		fx.Audit(ActionLookbackClosed, EntityLookback, lb.ID, map[string]any{
			"case_number": lb.CaseNumber,
			"released":    len(lb.Snapshot.Released),
		})
		out = lb
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) GetLookback(ctx context.Context, p auth.Principal, branchID, id uuid.UUID) (*LookbackCase, error) {
	branchID, err := auth.ResolveBranchID(p, branchID)
	if err != nil {
		return nil, err
	}
	return s.lookbackAt(ctx, branchID, id)
}

func (s *Service) ListLookbacks(ctx context.Context, p auth.Principal, branchID uuid.UUID, status LookbackStatus, limit, offset int) ([]LookbackCase, error) {
	branchID, err := auth.ResolveBranchID(p, branchID)
	if err != nil {
		return nil, err
	}
	return s.store.ListLookbacks(ctx, branchID, status, limit, offset)
}
