package bloodbank

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/platform/auth"
	"github.com/bloodbank/bloodbank/internal/platform/notification"
)

// testable lists the statuses in which lab results may be recorded.
var testable = map[UnitStatus]bool{
	StatusTesting:         true,
	StatusSeparated:       true,
	StatusQuarantined:     true,
	StatusAvailable:       true,
	StatusReserved:        true,
	StatusCrossMatched:    true,
	StatusIssued:          true,
	StatusTransfused:      true,
	StatusReturned:        true,
	StatusTransferPending: true,
}

type GroupingInput struct {
	BloodGroup BloodGroup `json:"blood_group"`
	Notes      string     `json:"notes"`
}

// RecordGrouping stores a grouping result. A result that disagrees with the
// unit's confirmed group or with the previous result is a discrepancy.
func (s *Service) RecordGrouping(ctx context.Context, p auth.Principal, branchID, unitID uuid.UUID, in GroupingInput) (*GroupingResult, error) {
	if !in.BloodGroup.Valid() {
		return nil, invalid("blood_group %q is not recognised", in.BloodGroup)
	}
	var out *GroupingResult
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		u, err := s.unitAt(ctx, fx.branchID, unitID)
		if err != nil {
			return err
		}
		if !testable[u.Status] && u.Status != StatusCollected {
			return conflict("unit %s in status %s cannot be grouped", u.UnitNumber, u.Status)
		}
		prior, err := s.store.ListGroupings(ctx, u.ID)
		if err != nil {
			return err
		}
		discrepancy := u.BloodGroup.Valid() && u.BloodGroup != in.BloodGroup
		if prev := latestGrouping(prior); prev != nil && prev.BloodGroup != in.BloodGroup {
			discrepancy = true
		}
		g := &GroupingResult{
			ID:             uuid.New(),
			UnitID:         u.ID,
			BloodGroup:     in.BloodGroup,
			TestedBy:       p.UserID,
			HasDiscrepancy: discrepancy,
			Notes:          in.Notes,
			CreatedAt:      s.now(),
		}
		if err := s.store.CreateGrouping(ctx, g); err != nil {
			return err
		}
		fx.Audit(ActionGroupingRecorded, EntityGrouping, g.ID, map[string]any{
			"unit_id":     u.ID,
			"blood_group": g.BloodGroup,
			"discrepancy": discrepancy,
		})
		if discrepancy {
			fx.Notify(notification.SeverityWarning, "Grouping discrepancy",
				fmt.Sprintf("Unit %s grouped as %s, previously %s", u.UnitNumber, g.BloodGroup, u.BloodGroup),
				EntityUnit, u.ID, "grouping")
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyGrouping signs off a result. The verifier must not be the tester. A
// verified result without discrepancy confirms the unit's group.
func (s *Service) VerifyGrouping(ctx context.Context, p auth.Principal, branchID, groupingID uuid.UUID) (*GroupingResult, error) {
	if groupingID == uuid.Nil {
		return nil, invalid("grouping_id is required")
	}
	var out *GroupingResult
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		g, err := s.store.GetGrouping(ctx, groupingID)
		if err != nil {
			return err
		}
		u, err := s.store.GetUnit(ctx, g.UnitID)
		if err != nil {
			return err
		}
		if u.BranchID != fx.branchID {
			return notFound("grouping result", groupingID)
		}
		if g.VerifiedBy != nil {
			return conflict("grouping result already verified")
		}
		if g.TestedBy == p.UserID {
			return invalid("a grouping result must be verified by someone other than the tester")
		}
		g.VerifiedBy = ptr(p.UserID)
		g.VerifiedAt = ptr(s.now())
		if err := s.store.UpdateGrouping(ctx, g); err != nil {
			return err
		}
		fx.Audit(ActionGroupingVerified, EntityGrouping, g.ID, map[string]any{"unit_id": u.ID})

		if !g.HasDiscrepancy && u.BloodGroup != g.BloodGroup {
			u.BloodGroup = g.BloodGroup
			if err := s.store.UpdateUnit(ctx, u); err != nil {
				return err
			}
			fx.Audit(ActionUnitUpdated, EntityUnit, u.ID, map[string]any{"blood_group": u.BloodGroup})
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type TTIInput struct {
	TestName string     `json:"test_name"`
	Result   TTIResult  `json:"result"`
	Method   string     `json:"method"`
	TestedAt *time.Time `json:"tested_at"`
}

// RecordTTI stores a screening result. A REACTIVE result quarantines the unit
// (or the live children of a separated donation) in the same transaction and
// opens a donor look-back; on a transfused unit only the look-back opens.
// Results on a separated donation are copied to its live children.
func (s *Service) RecordTTI(ctx context.Context, p auth.Principal, branchID, unitID uuid.UUID, in TTIInput) (*TTITestRecord, error) {
	if in.TestName == "" {
		return nil, invalid("test_name is required")
	}
	if in.Result == "" {
		in.Result = TTIPending
	}
	if !in.Result.Valid() {
		return nil, invalid("result %q is not recognised", in.Result)
	}
	var out *TTITestRecord
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		u, err := s.unitAt(ctx, fx.branchID, unitID)
		if err != nil {
			return err
		}
		if !testable[u.Status] {
			return conflict("unit %s in status %s cannot take TTI results", u.UnitNumber, u.Status)
		}
		now := s.now()
		testedAt := now
		if in.TestedAt != nil {
			if in.TestedAt.After(now) {
				return invalid("tested_at is in the future")
			}
			testedAt = in.TestedAt.UTC()
		}
		rec := &TTITestRecord{
			ID:        uuid.New(),
			UnitID:    u.ID,
			TestName:  in.TestName,
			Result:    in.Result,
			Method:    in.Method,
			TestedBy:  p.UserID,
			TestedAt:  testedAt,
			CreatedAt: now,
		}
		if err := s.store.CreateTTI(ctx, rec); err != nil {
			return err
		}
		fx.Audit(ActionTTIRecorded, EntityTTI, rec.ID, map[string]any{
			"unit_id": u.ID,
			"test":    rec.TestName,
			"result":  rec.Result,
		})

		targets := []uuid.UUID{u.ID}
		if u.Status == StatusSeparated {
			children, err := s.store.ListChildUnits(ctx, u.ID)
			if err != nil {
				return err
			}
			targets = targets[:0]
			for _, c := range children {
				if c.Status.Terminal() {
					continue
				}
				copied := *rec
				copied.ID = uuid.New()
				copied.UnitID = c.ID
				if err := s.store.CreateTTI(ctx, &copied); err != nil {
					return err
				}
				targets = append(targets, c.ID)
			}
		}

		if rec.Result != TTIReactive {
			out = rec
			return nil
		}
		reason := fmt.Sprintf("reactive %s result", rec.TestName)
		for _, id := range targets {
			if _, _, err := s.quarantine(ctx, fx, id, reason); err != nil {
				return err
			}
		}
		if _, err := s.openLookback(ctx, fx, u, TriggerTTIReactive, rec.ID.String()); err != nil {
			return err
		}
		fx.Notify(notification.SeverityCritical, "Reactive TTI result",
			fmt.Sprintf("Unit %s is reactive for %s", u.UnitNumber, rec.TestName),
			EntityTTI, rec.ID, "tti", "reactive")
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) VerifyTTI(ctx context.Context, p auth.Principal, branchID, ttiID uuid.UUID) (*TTITestRecord, error) {
	if ttiID == uuid.Nil {
		return nil, invalid("tti_id is required")
	}
	var out *TTITestRecord
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		t, err := s.store.GetTTI(ctx, ttiID)
		if err != nil {
			return err
		}
		if _, err := s.unitAt(ctx, fx.branchID, t.UnitID); err != nil {
			return notFound("TTI record", ttiID)
		}
		if t.VerifiedBy != nil {
			return conflict("TTI record already verified")
		}
		if t.TestedBy == p.UserID {
			return invalid("a TTI result must be verified by someone other than the tester")
		}
		if t.Result == TTIPending {
			return invalid("a pending TTI result cannot be verified")
		}
		t.VerifiedBy = ptr(p.UserID)
		t.VerifiedAt = ptr(s.now())
		if err := s.store.UpdateTTI(ctx, t); err != nil {
			return err
		}
		fx.Audit(ActionTTIVerified, EntityTTI, t.ID, map[string]any{"unit_id": t.UnitID, "test": t.TestName})
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type LabelInput struct {
	EquipmentID *uuid.UUID `json:"equipment_id"`
	Shelf       string     `json:"shelf"`
}

// ConfirmLabel releases a tested unit to stock and places it in cold
// storage. A reactive result found here quarantines the unit even though the
// confirmation itself fails.
func (s *Service) ConfirmLabel(ctx context.Context, p auth.Principal, branchID, unitID uuid.UUID, in LabelInput) (*BloodUnit, error) {
	var unit *BloodUnit
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		u, err := s.unitAt(ctx, fx.branchID, unitID)
		if err != nil {
			return err
		}
		if _, err := Next(u.Status, EventLabelConfirm); err != nil {
			return err
		}
		if u.ExpiryDate == nil {
			u.ExpiryDate = ptr(defaultExpiry(u))
			if err := s.store.UpdateUnit(ctx, u); err != nil {
				return err
			}
		}
		snap, err := s.snapshot(ctx, u)
		if err != nil {
			return err
		}
		if reasons := LabelReasons(snap, s.now()); len(reasons) > 0 {
			if hasCode(reasons, CodeTTIReactive) {
				s.quarantineLater(fx, u.ID, "reactive TTI result at label confirmation")
			}
			return s.gateError(u.ID, reasons)
		}
		if err := s.transition(ctx, fx, u, EventLabelConfirm); err != nil {
			return err
		}
		fx.Audit(ActionLabelConfirmed, EntityUnit, u.ID, map[string]any{"expiry_date": u.ExpiryDate})
		slot, err := s.place(ctx, fx, u, in.EquipmentID, in.Shelf)
		if err != nil {
			return err
		}
		u.Slot = slot
		unit = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return unit, nil
}
