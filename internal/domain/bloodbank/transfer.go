package bloodbank

import (
	"context"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/platform/auth"
)

// transferAt loads a transfer visible from branchID, which may be either end.
func (s *Service) transferAt(ctx context.Context, branchID, id uuid.UUID) (*UnitTransfer, error) {
	if id == uuid.Nil {
		return nil, invalid("transfer_id is required")
	}
	t, err := s.store.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.FromBranchID != branchID && t.ToBranchID != branchID {
		return nil, notFound("transfer", id)
	}
	return t, nil
}

func (s *Service) InitiateTransfer(ctx context.Context, p auth.Principal, branchID, unitID, toBranchID uuid.UUID, notes string) (*UnitTransfer, error) {
	if toBranchID == uuid.Nil {
		return nil, invalid("to_branch_id is required")
	}
	var out *UnitTransfer
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		if toBranchID == fx.branchID {
			return invalid("a unit cannot be transferred to its own branch")
		}
		u, err := s.unitAt(ctx, fx.branchID, unitID)
		if err != nil {
			return err
		}
		if err := s.transition(ctx, fx, u, EventTransferInit); err != nil {
			return err
		}
		t := &UnitTransfer{
			ID:           uuid.New(),
			UnitID:       u.ID,
			FromBranchID: fx.branchID,
			ToBranchID:   toBranchID,
			Status:       TransferPending,
			InitiatedBy:  p.UserID,
			Notes:        notes,
			CreatedAt:    s.now(),
		}
		if err := s.store.CreateTransfer(ctx, t); err != nil {
			return err
		}
		fx.Audit(ActionTransferUpdated, EntityTransfer, t.ID, map[string]any{"status": t.Status, "unit_id": u.ID, "to_branch_id": toBranchID})
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DispatchTransfer hands the unit to transport and takes it off the shelf.
func (s *Service) DispatchTransfer(ctx context.Context, p auth.Principal, branchID, transferID uuid.UUID) (*UnitTransfer, error) {
	return s.advanceTransfer(ctx, p, branchID, transferID, func(ctx context.Context, fx *Effects, t *UnitTransfer, u *BloodUnit) error {
		if t.FromBranchID != fx.branchID {
			return notFound("transfer", t.ID)
		}
		if t.Status != TransferPending {
			return conflict("transfer is %s", t.Status)
		}
		if err := s.transition(ctx, fx, u, EventDispatch); err != nil {
			return err
		}
		if err := s.unslot(ctx, u.ID); err != nil {
			return err
		}
		t.Status = TransferInTransit
		t.DispatchedAt = ptr(s.now())
		return nil
	})
}

// ReceiveTransfer books the unit into the destination branch.
func (s *Service) ReceiveTransfer(ctx context.Context, p auth.Principal, branchID, transferID uuid.UUID) (*UnitTransfer, error) {
	return s.advanceTransfer(ctx, p, branchID, transferID, func(ctx context.Context, fx *Effects, t *UnitTransfer, u *BloodUnit) error {
		if t.ToBranchID != fx.branchID {
			return conflict("only the destination branch can receive a transfer")
		}
		if t.Status != TransferInTransit {
			return conflict("transfer is %s", t.Status)
		}
		if err := s.transition(ctx, fx, u, EventReceive); err != nil {
			return err
		}
		u.BranchID = t.ToBranchID
		if err := s.store.UpdateUnit(ctx, u); err != nil {
			return err
		}
		t.Status = TransferReceived
		t.ReceivedAt = ptr(s.now())
		t.ReceivedBy = ptr(p.UserID)
		return nil
	})
}

func (s *Service) CancelTransfer(ctx context.Context, p auth.Principal, branchID, transferID uuid.UUID) (*UnitTransfer, error) {
	return s.advanceTransfer(ctx, p, branchID, transferID, func(ctx context.Context, fx *Effects, t *UnitTransfer, u *BloodUnit) error {
		if t.FromBranchID != fx.branchID {
			return notFound("transfer", t.ID)
		}
		if t.Status != TransferPending {
			return conflict("transfer is %s", t.Status)
		}
		if err := s.transition(ctx, fx, u, EventTransferCancel); err != nil {
			return err
		}
		t.Status = TransferCancelled
		return nil
	})
}

func (s *Service) advanceTransfer(ctx context.Context, p auth.Principal, branchID, transferID uuid.UUID,
	step func(ctx context.Context, fx *Effects, t *UnitTransfer, u *BloodUnit) error,
) (*UnitTransfer, error) {
	var out *UnitTransfer
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		t, err := s.transferAt(ctx, fx.branchID, transferID)
		if err != nil {
			return err
		}
		u, err := s.store.GetUnit(ctx, t.UnitID)
		if err != nil {
			return err
		}
		if err := step(ctx, fx, t, u); err != nil {
			return err
		}
		if err := s.store.UpdateTransfer(ctx, t); err != nil {
			return err
		}
		fx.Audit(ActionTransferUpdated, EntityTransfer, t.ID, map[string]any{"status": t.Status, "unit_id": u.ID})
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) GetTransfer(ctx context.Context, p auth.Principal, branchID, transferID uuid.UUID) (*UnitTransfer, error) {
	branchID, err := auth.ResolveBranchID(p, branchID)
	if err != nil {
		return nil, err
	}
	return s.transferAt(ctx, branchID, transferID)
}
