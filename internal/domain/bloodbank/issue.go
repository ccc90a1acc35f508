package bloodbank

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bloodbank/bloodbank/internal/platform/auth"
	"github.com/bloodbank/bloodbank/internal/platform/notification"
	"github.com/bloodbank/bloodbank/internal/platform/telemetry"
)

type IssueInput struct {
	CrossMatchID   uuid.UUID `json:"cross_match_id"`
	IssuedTo       string    `json:"issued_to"`
	TransportTempC *float64  `json:"transport_temp_c"`
}

// IssueUnit hands a cross-matched unit over for transfusion. Every gate runs
// and every failing reason is returned together.
func (s *Service) IssueUnit(ctx context.Context, p auth.Principal, branchID uuid.UUID, in IssueInput) (issue *BloodIssue, err error) {
	if in.IssuedTo == "" {
		return nil, invalid("issued_to is required")
	}
	ctx, span := telemetry.StartSpan(ctx, "bloodbank.issue", attribute.String("cross_match_id", in.CrossMatchID.String()))
	defer func() { telemetry.EndSpan(span, err) }()

	err = s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		xm, err := s.crossMatchAt(ctx, fx.branchID, in.CrossMatchID)
		if err != nil {
			return err
		}
		r, err := s.requestAt(ctx, fx.branchID, xm.RequestID)
		if err != nil {
			return err
		}
		u, err := s.unitAt(ctx, fx.branchID, xm.UnitID)
		if err != nil {
			return err
		}
		if u.Status != StatusCrossMatched {
			return conflict("unit %s is %s, not %s", u.UnitNumber, u.Status, StatusCrossMatched)
		}
		snap, err := s.snapshot(ctx, u)
		if err != nil {
			return err
		}
		now := s.now()
		reasons := EligibilityReasons(snap, now)
		reasons = append(reasons, CrossMatchGate(xm, r, u.ID, now, s.policy.CrossMatchValidity)...)
		if len(reasons) > 0 {
			if hasCode(reasons, CodeTTIReactive) {
				s.quarantineLater(fx, u.ID, "reactive TTI result at issue")
			}
			return s.gateError(u.ID, reasons)
		}
		if r.IssuedCount >= r.Quantity {
			return conflict("request %s already has %d of %d units issued", r.RequestNumber, r.IssuedCount, r.Quantity)
		}

		issue, err = s.handOver(ctx, fx, u, r, handOver{
			crossMatchID:   &xm.ID,
			issuedTo:       in.IssuedTo,
			transportTempC: in.TransportTempC,
		})
		if err != nil {
			return err
		}
		return s.countIssued(ctx, fx, r, 1)
	})
	if err != nil {
		return nil, err
	}
	return issue, nil
}

type handOver struct {
	crossMatchID   *uuid.UUID
	issuedTo       string
	transportTempC *float64
	emergency      bool
	sessionID      *uuid.UUID
}

// handOver moves the unit to ISSUED, takes it off the shelf and creates the
// issue record.
func (s *Service) handOver(ctx context.Context, fx *Effects, u *BloodUnit, r *BloodRequest, h handOver) (*BloodIssue, error) {
	if err := s.transition(ctx, fx, u, EventIssue); err != nil {
		return nil, err
	}
	if err := s.unslot(ctx, u.ID); err != nil {
		return nil, err
	}
	now := s.now()
	i := &BloodIssue{
		ID:             uuid.New(),
		BranchID:       fx.branchID,
		IssueNumber:    newNumber("BI", now),
		UnitID:         u.ID,
		RequestID:      r.ID,
		CrossMatchID:   h.crossMatchID,
		Status:         IssueIssued,
		IssuedTo:       h.issuedTo,
		IssuedBy:       fx.actor.UserID,
		TransportTempC: h.transportTempC,
		IsEmergency:    h.emergency,
		MTPSessionID:   h.sessionID,
		IssuedAt:       now,
	}
	if err := s.store.CreateIssue(ctx, i); err != nil {
		return nil, err
	}
	fx.Audit(ActionUnitIssued, EntityIssue, i.ID, map[string]any{
		"issue_number": i.IssueNumber,
		"unit_id":      u.ID,
		"request_id":   r.ID,
		"emergency":    h.emergency,
	})
	return i, nil
}

// countIssued adds n handed-over units to the request and marks it ISSUED
// once the quantity is met.
func (s *Service) countIssued(ctx context.Context, fx *Effects, r *BloodRequest, n int) error {
	r.IssuedCount += n
	if r.IssuedCount >= r.Quantity {
		return s.setRequestStatus(ctx, fx, r, RequestIssued, "")
	}
	r.UpdatedAt = s.now()
	return s.store.UpdateRequest(ctx, r)
}

// EmergencyRelease issues uncrossmatched units for an EMERGENCY or MTP
// request outside an MTP session. Either the whole quantity is issued or
// nothing is.
func (s *Service) EmergencyRelease(ctx context.Context, p auth.Principal, branchID, requestID uuid.UUID, in EmergencyIssueInput) ([]BloodIssue, error) {
	if in.IssuedTo == "" {
		return nil, invalid("issued_to is required")
	}
	var issues []BloodIssue
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		r, err := s.requestAt(ctx, fx.branchID, requestID)
		if err != nil {
			return err
		}
		if r.Urgency != UrgencyEmergency && r.Urgency != UrgencyMTP {
			return invalid("request %s is %s; emergency release needs EMERGENCY or MTP", r.RequestNumber, r.Urgency)
		}
		if r.MTPSessionID != nil {
			return conflict("request %s belongs to an MTP session", r.RequestNumber)
		}
		if r.Status.Terminal() || r.Status == RequestIssued {
			return conflict("request %s is %s", r.RequestNumber, r.Status)
		}
		remaining := r.Quantity - r.IssuedCount
		qty := in.Quantity
		if qty == 0 {
			qty = remaining
		}
		if qty <= 0 || qty > remaining {
			return invalid("quantity must be between 1 and %d", remaining)
		}
		smp, err := s.store.LatestSample(ctx, r.ID)
		if err != nil {
			return err
		}
		var patient BloodGroup
		if smp.Typed() {
			patient = smp.BloodGroup
		}

		units, err := s.allocate(ctx, fx, allocation{
			Components: []ComponentType{r.Component},
			Groups:     func(c ComponentType) []BloodGroup { return EmergencyGroups(c, patient) },
			Quantity:   qty,
			Entity:     EntityRequest,
			EntityID:   r.ID,
		})
		if err != nil {
			return err
		}
		for i := range units {
			issue, err := s.handOver(ctx, fx, &units[i], r, handOver{
				issuedTo:       in.IssuedTo,
				transportTempC: in.TransportTempC,
				emergency:      true,
			})
			if err != nil {
				return err
			}
			issues = append(issues, *issue)
		}
		if err := s.countIssued(ctx, fx, r, len(units)); err != nil {
			return err
		}
		fx.Audit(ActionEmergencyRelease, EntityRequest, r.ID, map[string]any{
			"component":     r.Component,
			"quantity":      len(units),
			"patient_group": patient,
		})
		fx.Notify(notification.SeverityWarning, "Emergency release",
			fmt.Sprintf("%d uncrossmatched %s unit(s) released for request %s", len(units), r.Component, r.RequestNumber),
			EntityRequest, r.ID, "emergency")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return issues, nil
}

func (s *Service) GetIssue(ctx context.Context, p auth.Principal, branchID, issueID uuid.UUID) (*BloodIssue, error) {
	branchID, err := auth.ResolveBranchID(p, branchID)
	if err != nil {
		return nil, err
	}
	return s.issueAt(ctx, branchID, issueID)
}
