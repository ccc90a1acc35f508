package bloodbank

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/platform/auth"
	"github.com/bloodbank/bloodbank/internal/platform/notification"
)

// RegisterUnitInput describes a freshly collected bag.
type RegisterUnitInput struct {
	Barcode     string        `json:"barcode"`
	DonorID     *uuid.UUID    `json:"donor_id"`
	BloodGroup  BloodGroup    `json:"blood_group"`
	Component   ComponentType `json:"component"`
	BagType     BagType       `json:"bag_type"`
	VolumeML    int           `json:"volume_ml"`
	CollectedAt *time.Time    `json:"collected_at"`
}

// SeparationPart is one child component cut from a multi-bag donation.
type SeparationPart struct {
	Component ComponentType `json:"component"`
	VolumeML  int           `json:"volume_ml"`
}

var bagCapacity = map[BagType]int{
	BagDouble:    2,
	BagTriple:    3,
	BagQuadruple: 4,
}

// defaultExpiry counts the component's shelf life from collection, or from
// registration when the collection time is unknown.
func defaultExpiry(u *BloodUnit) time.Time {
	base := u.CreatedAt
	if u.CollectedAt != nil {
		base = *u.CollectedAt
	}
	return base.Add(u.Component.ShelfLife())
}

func (s *Service) RegisterUnit(ctx context.Context, p auth.Principal, branchID uuid.UUID, in RegisterUnitInput) (*BloodUnit, error) {
	if !in.Component.Valid() {
		return nil, invalid("component %q is not recognised", in.Component)
	}
	if in.BagType == "" {
		in.BagType = BagSingle
	}
	if !in.BagType.Valid() {
		return nil, invalid("bag_type %q is not recognised", in.BagType)
	}
	if in.BloodGroup != "" && !in.BloodGroup.Valid() {
		return nil, invalid("blood_group %q is not recognised", in.BloodGroup)
	}
	if in.VolumeML <= 0 {
		return nil, invalid("volume_ml must be positive")
	}

	var unit *BloodUnit
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		now := s.now()
		if in.CollectedAt != nil && in.CollectedAt.After(now) {
			return invalid("collected_at is in the future")
		}
		u := &BloodUnit{
			ID:          uuid.New(),
			BranchID:    fx.branchID,
			UnitNumber:  newNumber("BU", now),
			Barcode:     in.Barcode,
			DonorID:     in.DonorID,
			BloodGroup:  in.BloodGroup,
			Component:   in.Component,
			BagType:     in.BagType,
			VolumeML:    in.VolumeML,
			Status:      StatusCollected,
			CollectedAt: in.CollectedAt,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if u.Barcode == "" {
			u.Barcode = u.UnitNumber
		}
		if err := s.store.CreateUnit(ctx, u); err != nil {
			return err
		}
		fx.Audit(ActionUnitRegistered, EntityUnit, u.ID, map[string]any{
			"unit_number": u.UnitNumber,
			"component":   u.Component,
			"bag_type":    u.BagType,
		})
		unit = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return unit, nil
}

// EndCollection stamps the collection time, fixes the expiry and starts
// testing.
func (s *Service) EndCollection(ctx context.Context, p auth.Principal, branchID, unitID uuid.UUID, collectedAt *time.Time) (*BloodUnit, error) {
	var unit *BloodUnit
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		u, err := s.unitAt(ctx, fx.branchID, unitID)
		if err != nil {
			return err
		}
		if _, err := Next(u.Status, EventStartTesting); err != nil {
			return err
		}
		now := s.now()
		switch {
		case collectedAt != nil:
			if collectedAt.After(now) {
				return invalid("collected_at is in the future")
			}
			u.CollectedAt = ptr(collectedAt.UTC())
		case u.CollectedAt == nil:
			u.CollectedAt = ptr(now)
		}
		if u.ExpiryDate == nil {
			u.ExpiryDate = ptr(defaultExpiry(u))
		}
		if err := s.store.UpdateUnit(ctx, u); err != nil {
			return err
		}
		if err := s.transition(ctx, fx, u, EventStartTesting); err != nil {
			return err
		}
		unit = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return unit, nil
}

// SeparateComponents splits a multi-bag donation into child units in one
// transaction. Children start in TESTING and inherit donor, group and every
// test result recorded so far.
func (s *Service) SeparateComponents(ctx context.Context, p auth.Principal, branchID, unitID uuid.UUID, parts []SeparationPart) ([]BloodUnit, error) {
	if len(parts) == 0 {
		return nil, invalid("at least one component is required")
	}
	seen := make(map[ComponentType]bool, len(parts))
	for _, part := range parts {
		if !part.Component.Valid() || part.Component == ComponentWholeBlood {
			return nil, invalid("component %q cannot be separated", part.Component)
		}
		if part.VolumeML <= 0 {
			return nil, invalid("volume_ml must be positive for %s", part.Component)
		}
		if seen[part.Component] {
			return nil, invalid("component %s listed twice", part.Component)
		}
		seen[part.Component] = true
	}

	var children []BloodUnit
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		parent, err := s.unitAt(ctx, fx.branchID, unitID)
		if err != nil {
			return err
		}
		if _, err := Next(parent.Status, EventSeparate); err != nil {
			return err
		}
		capacity, ok := bagCapacity[parent.BagType]
		if !ok {
			return invalid("a %s bag cannot be separated", parent.BagType)
		}
		if len(parts) > capacity {
			return invalid("a %s bag yields at most %d components", parent.BagType, capacity)
		}
		existing, err := s.store.ListChildUnits(ctx, parent.ID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return conflict("unit %s is already separated", parent.UnitNumber)
		}
		groupings, err := s.store.ListGroupings(ctx, parent.ID)
		if err != nil {
			return err
		}
		tests, err := s.store.ListTTI(ctx, parent.ID)
		if err != nil {
			return err
		}

		now := s.now()
		for _, part := range parts {
			child := BloodUnit{
				ID:           uuid.New(),
				BranchID:     parent.BranchID,
				UnitNumber:   parent.UnitNumber + "-" + string(part.Component),
				DonorID:      parent.DonorID,
				BloodGroup:   parent.BloodGroup,
				Component:    part.Component,
				BagType:      parent.BagType,
				VolumeML:     part.VolumeML,
				Status:       StatusTesting,
				CollectedAt:  parent.CollectedAt,
				ParentUnitID: &parent.ID,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			child.Barcode = child.UnitNumber
			child.ExpiryDate = ptr(defaultExpiry(&BloodUnit{
				Component: part.Component, CollectedAt: parent.CollectedAt, CreatedAt: parent.CreatedAt,
			}))
			if err := s.store.CreateUnit(ctx, &child); err != nil {
				return err
			}
			for _, g := range groupings {
				g.ID = uuid.New()
				g.UnitID = child.ID
				if err := s.store.CreateGrouping(ctx, &g); err != nil {
					return err
				}
			}
			for _, t := range tests {
				t.ID = uuid.New()
				t.UnitID = child.ID
				if err := s.store.CreateTTI(ctx, &t); err != nil {
					return err
				}
			}
			children = append(children, child)
		}
		if err := s.transition(ctx, fx, parent, EventSeparate); err != nil {
			return err
		}

		numbers := make([]string, len(children))
		for i, c := range children {
			numbers[i] = c.UnitNumber
		}
		fx.Audit(ActionUnitSeparated, EntityUnit, parent.ID, map[string]any{"children": numbers})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return children, nil
}

// ListSeparationOverdue lists multi-bag donations still waiting for
// separation past the alert threshold.
func (s *Service) ListSeparationOverdue(ctx context.Context, p auth.Principal, branchID uuid.UUID) ([]BloodUnit, error) {
	branchID, err := auth.ResolveBranchID(p, branchID)
	if err != nil {
		return nil, err
	}
	return s.store.ListSeparationOverdue(ctx, branchID, s.now().Add(-s.policy.SeparationAlertAfter))
}

func (s *Service) GetUnit(ctx context.Context, p auth.Principal, branchID, unitID uuid.UUID) (*BloodUnit, error) {
	branchID, err := auth.ResolveBranchID(p, branchID)
	if err != nil {
		return nil, err
	}
	u, err := s.unitAt(ctx, branchID, unitID)
	if err != nil {
		return nil, err
	}
	return s.withDetails(ctx, u)
}

func (s *Service) ListUnits(ctx context.Context, p auth.Principal, f UnitFilter) ([]BloodUnit, error) {
	branchID, err := auth.ResolveBranchID(p, f.BranchID)
	if err != nil {
		return nil, err
	}
	f.BranchID = branchID
	return s.store.ListUnits(ctx, f)
}

// StockQuery pages through issuable stock in FEFO order.
type StockQuery struct {
	Component ComponentType
	Group     BloodGroup
	After     *FEFOKey
	Limit     int
}

// ListStock returns AVAILABLE, unexpired units in FEFO order and the key to
// resume from, or nil when the page is the last one.
func (s *Service) ListStock(ctx context.Context, p auth.Principal, branchID uuid.UUID, q StockQuery) ([]BloodUnit, *FEFOKey, error) {
	branchID, err := auth.ResolveBranchID(p, branchID)
	if err != nil {
		return nil, nil, err
	}
	if !q.Component.Valid() {
		return nil, nil, invalid("component is required")
	}
	groups := AllBloodGroups
	if q.Group != "" {
		if !q.Group.Valid() {
			return nil, nil, invalid("blood_group %q is not recognised", q.Group)
		}
		groups = []BloodGroup{q.Group}
	}
	if q.Limit <= 0 {
		q.Limit = 20
	}
	units, err := s.store.FEFOCandidates(ctx, CandidateQuery{
		BranchID:  branchID,
		Component: q.Component,
		Groups:    groups,
		Now:       s.now(),
		After:     q.After,
		Limit:     q.Limit,
	})
	if err != nil {
		return nil, nil, err
	}
	if len(units) < q.Limit {
		return units, nil, nil
	}
	next := keyOf(units[len(units)-1])
	return units, &next, nil
}

// Eligibility is the gate verdict for one unit.
type Eligibility struct {
	UnitID     uuid.UUID    `json:"unit_id"`
	UnitNumber string       `json:"unit_number"`
	Status     UnitStatus   `json:"status"`
	Eligible   bool         `json:"eligible"`
	Reasons    []GateReason `json:"reasons"`
}

// CheckEligibility runs the grouping, TTI and cold-chain gates without
// changing anything.
func (s *Service) CheckEligibility(ctx context.Context, p auth.Principal, branchID, unitID uuid.UUID) (*Eligibility, error) {
	branchID, err := auth.ResolveBranchID(p, branchID)
	if err != nil {
		return nil, err
	}
	u, err := s.unitAt(ctx, branchID, unitID)
	if err != nil {
		return nil, err
	}
	snap, err := s.snapshot(ctx, u)
	if err != nil {
		return nil, err
	}
	reasons := EligibilityReasons(snap, s.now())
	if reasons == nil {
		reasons = []GateReason{}
	}
	return &Eligibility{
		UnitID:     u.ID,
		UnitNumber: u.UnitNumber,
		Status:     u.Status,
		Eligible:   len(reasons) == 0,
		Reasons:    reasons,
	}, nil
}

// Discard retires a unit that has not been issued.
func (s *Service) Discard(ctx context.Context, p auth.Principal, branchID, unitID uuid.UUID, reason string) (*BloodUnit, error) {
	if reason == "" {
		return nil, invalid("reason is required")
	}
	var unit *BloodUnit
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		u, err := s.unitAt(ctx, fx.branchID, unitID)
		if err != nil {
			return err
		}
		if err := s.discard(ctx, fx, u, reason); err != nil {
			return err
		}
		unit = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return unit, nil
}

func (s *Service) discard(ctx context.Context, fx *Effects, u *BloodUnit, reason string) error {
	if err := s.transition(ctx, fx, u, EventDiscard); err != nil {
		return err
	}
	if err := s.unslot(ctx, u.ID); err != nil {
		return err
	}
	fx.Audit(ActionUnitDiscarded, EntityUnit, u.ID, map[string]any{"reason": reason})
	return nil
}

// Restock puts a returned unit back on the shelf once it passes the label
// gates again.
func (s *Service) Restock(ctx context.Context, p auth.Principal, branchID, unitID uuid.UUID, equipmentID *uuid.UUID) (*BloodUnit, error) {
	var unit *BloodUnit
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		u, err := s.unitAt(ctx, fx.branchID, unitID)
		if err != nil {
			return err
		}
		if _, err := Next(u.Status, EventRestock); err != nil {
			return err
		}
		snap, err := s.snapshot(ctx, u)
		if err != nil {
			return err
		}
		if reasons := LabelReasons(snap, s.now()); len(reasons) > 0 {
			if hasCode(reasons, CodeTTIReactive) {
				s.quarantineLater(fx, u.ID, "reactive TTI result at restock")
			}
			return s.gateError(u.ID, reasons)
		}
		if err := s.transition(ctx, fx, u, EventRestock); err != nil {
			return err
		}
		slot, err := s.place(ctx, fx, u, equipmentID, "")
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

// notifyUnslotted warns that a unit has no storage and will fail the
// cold-chain gate.
func notifyUnslotted(fx *Effects, u *BloodUnit) {
	fx.Notify(notification.SeverityWarning, "No storage for unit",
		"Unit "+u.UnitNumber+" has no active "+string(StorageFor(u.Component))+" to be placed in",
		EntityUnit, u.ID, "cold-chain")
}
