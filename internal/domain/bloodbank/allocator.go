package bloodbank

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bloodbank/bloodbank/internal/platform/notification"
	"github.com/bloodbank/bloodbank/internal/platform/telemetry"
)

// allocation asks for Quantity units of the first component in Components,
// falling back to later ones when stock runs out, from the groups Groups
// returns for each component.
type allocation struct {
	Components []ComponentType
	Groups     func(ComponentType) []BloodGroup
	Quantity   int
	// Entity and EntityID name the record the shortfall audit is filed under.
	Entity   string
	EntityID uuid.UUID
}

// allocate reserves units in FEFO order with AVAILABLE→RESERVED conditional
// updates. Candidates failing a gate or lost to a concurrent writer are
// skipped and reported. Falling short returns a *ShortfallError; the caller's
// transaction then rolls back every reservation made here, while the
// shortfall audit and any reactive-unit quarantines still persist.
func (s *Service) allocate(ctx context.Context, fx *Effects, a allocation) (reserved []BloodUnit, err error) {
	primary := a.Components[0]
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "bloodbank.allocate",
		attribute.String("component", string(primary)),
		attribute.Int("quantity", a.Quantity),
		attribute.String("branch_id", fx.branchID.String()),
	)
	defer func() {
		outcome := "filled"
		var short *ShortfallError
		switch {
		case errors.As(err, &short):
			outcome = "shortfall"
		case err != nil:
			outcome = "error"
		}
		span.SetAttributes(attribute.Int("reserved", len(reserved)), attribute.String("outcome", outcome))
		telemetry.EndSpan(span, err)
		s.metrics.ObserveAllocation(string(primary), outcome, start)
	}()

	now := s.now()
	pageSize := a.Quantity * 2
	if pageSize < 16 {
		pageSize = 16
	}
	var rejections []Rejection

	for _, component := range a.Components {
		q := CandidateQuery{
			BranchID:  fx.branchID,
			Component: component,
			Groups:    a.Groups(component),
			Now:       now,
			Limit:     pageSize,
		}
		for len(reserved) < a.Quantity {
			page, err := s.store.FEFOCandidates(ctx, q)
			if err != nil {
				return nil, err
			}
			for i := range page {
				u := page[i]
				snap, err := s.snapshot(ctx, &u)
				if err != nil {
					return nil, err
				}
				if reasons := EligibilityReasons(snap, now); len(reasons) > 0 {
					for _, r := range reasons {
						s.metrics.GateFailed(string(r.Gate), r.Code)
					}
					if hasCode(reasons, CodeTTIReactive) {
						s.quarantineLater(fx, u.ID, "reactive TTI result at allocation")
					}
					rejections = append(rejections, Rejection{UnitID: u.ID, UnitNumber: u.UnitNumber, Reasons: reasons})
					continue
				}
				if err := s.transition(ctx, fx, &u, EventReserve); err != nil {
					if !errors.Is(err, ErrStateConflict) {
						return nil, err
					}
					rejections = append(rejections, Rejection{UnitID: u.ID, UnitNumber: u.UnitNumber,
						Reasons: []GateReason{{Gate: GateStatus, Code: CodeStatusChanged}}})
					continue
				}
				reserved = append(reserved, u)
				if len(reserved) == a.Quantity {
					break
				}
			}
			if len(page) < q.Limit {
				break
			}
			q.After = ptr(keyOf(page[len(page)-1]))
		}
		if len(reserved) == a.Quantity {
			return reserved, nil
		}
	}

	short := &ShortfallError{
		Component:  primary,
		Requested:  a.Quantity,
		Reserved:   len(reserved),
		Rejections: rejections,
		SampleSize: s.policy.ShortfallSample,
	}
	s.recordShortfall(fx, a, short)
	return nil, short
}

// recordShortfall files every rejection, not just the sampled message, in a
// durable audit entry.
func (s *Service) recordShortfall(fx *Effects, a allocation, short *ShortfallError) {
	fx.Durable("shortfall:"+a.EntityID.String(), func(ctx context.Context, fx *Effects) error {
		fx.Audit(ActionAllocationShortfall, a.Entity, a.EntityID, map[string]any{
			"component":  short.Component,
			"requested":  short.Requested,
			"reserved":   short.Reserved,
			"rejections": short.Rejections,
		})
		fx.Notify(notification.SeverityCritical, "Emergency allocation short",
			fmt.Sprintf("%s: needed %d, reserved %d", short.Component, short.Requested, short.Reserved),
			a.Entity, a.EntityID, "allocation", "shortfall")
		return nil
	})
}

// EmergencyIssueInput carries the hand-off details for uncrossmatched units.
type EmergencyIssueInput struct {
	Quantity       int      `json:"quantity"`
	IssuedTo       string   `json:"issued_to"`
	TransportTempC *float64 `json:"transport_temp_c"`
}
