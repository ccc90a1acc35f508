package bloodbank

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/platform/auth"
	"github.com/bloodbank/bloodbank/internal/platform/notification"
)

type EquipmentInput struct {
	Name             string        `json:"name"`
	Type             EquipmentType `json:"type"`
	MinTempC         float64       `json:"min_temp_c"`
	MaxTempC         float64       `json:"max_temp_c"`
	IsActive         *bool         `json:"is_active"`
	IsDefault        bool          `json:"is_default"`
	CalibrationDueAt *time.Time    `json:"calibration_due_at"`
}

func (in EquipmentInput) validate() error {
	if in.Name == "" {
		return invalid("name is required")
	}
	switch in.Type {
	case EquipmentRefrigerator, EquipmentDeepFreezer, EquipmentPlateletAgitator:
	default:
		return invalid("equipment type %q is not recognised", in.Type)
	}
	if in.MinTempC >= in.MaxTempC {
		return invalid("min_temp_c must be below max_temp_c")
	}
	return nil
}

func (s *Service) RegisterEquipment(ctx context.Context, p auth.Principal, branchID uuid.UUID, in EquipmentInput) (*Equipment, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	var out *Equipment
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		e := &Equipment{
			ID:               uuid.New(),
			BranchID:         fx.branchID,
			Name:             in.Name,
			Type:             in.Type,
			MinTempC:         in.MinTempC,
			MaxTempC:         in.MaxTempC,
			IsActive:         in.IsActive == nil || *in.IsActive,
			IsDefault:        in.IsDefault,
			CalibrationDueAt: in.CalibrationDueAt,
			CreatedAt:        s.now(),
		}
		if err := s.store.CreateEquipment(ctx, e); err != nil {
			return err
		}
		fx.Audit(ActionEquipmentSaved, EntityEquipment, e.ID, map[string]any{"name": e.Name, "type": e.Type})
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) UpdateEquipment(ctx context.Context, p auth.Principal, branchID, id uuid.UUID, in EquipmentInput) (*Equipment, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	var out *Equipment
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		e, err := s.equipmentAt(ctx, fx.branchID, id)
		if err != nil {
			return err
		}
		e.Name = in.Name
		e.Type = in.Type
		e.MinTempC = in.MinTempC
		e.MaxTempC = in.MaxTempC
		if in.IsActive != nil {
			e.IsActive = *in.IsActive
		}
		e.IsDefault = in.IsDefault
		e.CalibrationDueAt = in.CalibrationDueAt
		if err := s.store.UpdateEquipment(ctx, e); err != nil {
			return err
		}
		fx.Audit(ActionEquipmentSaved, EntityEquipment, e.ID, map[string]any{"active": e.IsActive})
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) ListEquipment(ctx context.Context, p auth.Principal, branchID uuid.UUID) ([]Equipment, error) {
	branchID, err := auth.ResolveBranchID(p, branchID)
	if err != nil {
		return nil, err
	}
	return s.store.ListEquipment(ctx, branchID)
}

// storable lists the statuses in which a unit sits on a shelf.
var storable = map[UnitStatus]bool{
	StatusCollected:    true,
	StatusTesting:      true,
	StatusQuarantined:  true,
	StatusAvailable:    true,
	StatusReserved:     true,
	StatusCrossMatched: true,
	StatusReturned:     true,
}

// AssignSlot places a unit into storage, closing its previous slot.
func (s *Service) AssignSlot(ctx context.Context, p auth.Principal, branchID, unitID, equipmentID uuid.UUID, shelf string) (*InventorySlot, error) {
	var slot *InventorySlot
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		u, err := s.unitAt(ctx, fx.branchID, unitID)
		if err != nil {
			return err
		}
		if !storable[u.Status] {
			return conflict("unit %s in status %s cannot be stored", u.UnitNumber, u.Status)
		}
		e, err := s.equipmentAt(ctx, fx.branchID, equipmentID)
		if err != nil {
			return err
		}
		if err := checkStorage(e, u); err != nil {
			return err
		}
		slot, err = s.slot(ctx, fx, u, e, shelf)
		return err
	})
	if err != nil {
		return nil, err
	}
	return slot, nil
}

func checkStorage(e *Equipment, u *BloodUnit) error {
	if !e.IsActive {
		return invalid("equipment %s is inactive", e.Name)
	}
	if want := StorageFor(u.Component); e.Type != want {
		return invalid("%s must be stored in a %s, not a %s", u.Component, want, e.Type)
	}
	return nil
}

// place slots a unit into the requested equipment, the branch default of the
// right type, or the first active equipment of that type. With no candidate
// it raises a warning and leaves the unit unslotted.
func (s *Service) place(ctx context.Context, fx *Effects, u *BloodUnit, equipmentID *uuid.UUID, shelf string) (*InventorySlot, error) {
	if equipmentID != nil {
		e, err := s.equipmentAt(ctx, fx.branchID, *equipmentID)
		if err != nil {
			return nil, err
		}
		if err := checkStorage(e, u); err != nil {
			return nil, err
		}
		return s.slot(ctx, fx, u, e, shelf)
	}

	all, err := s.store.ListEquipment(ctx, fx.branchID)
	if err != nil {
		return nil, err
	}
	want := StorageFor(u.Component)
	var pick *Equipment
	for i := range all {
		e := &all[i]
		if !e.IsActive || e.Type != want {
			continue
		}
		if e.IsDefault {
			pick = e
			break
		}
		if pick == nil {
			pick = e
		}
	}
	if pick == nil {
		notifyUnslotted(fx, u)
		return nil, nil
	}
	return s.slot(ctx, fx, u, pick, shelf)
}

func (s *Service) slot(ctx context.Context, fx *Effects, u *BloodUnit, e *Equipment, shelf string) (*InventorySlot, error) {
	if err := s.unslot(ctx, u.ID); err != nil {
		return nil, err
	}
	sl := &InventorySlot{
		ID:          uuid.New(),
		UnitID:      u.ID,
		EquipmentID: e.ID,
		Shelf:       shelf,
		AssignedAt:  s.now(),
	}
	if err := s.store.CreateSlot(ctx, sl); err != nil {
		return nil, err
	}
	fx.Audit(ActionSlotAssigned, EntityUnit, u.ID, map[string]any{"equipment_id": e.ID, "equipment": e.Name, "shelf": shelf})
	return sl, nil
}

// unslot closes the unit's active slot, if any.
func (s *Service) unslot(ctx context.Context, unitID uuid.UUID) error {
	cur, err := s.store.GetActiveSlot(ctx, unitID)
	if err != nil || cur == nil {
		return err
	}
	return s.store.CloseSlot(ctx, cur.ID, s.now())
}

type TemperatureInput struct {
	TempC      float64    `json:"temp_c"`
	RecordedAt *time.Time `json:"recorded_at"`
	Notes      string     `json:"notes"`
}

// LogTemperature records a reading. A reading outside the equipment's range
// is a breach that blocks issue from that equipment until acknowledged.
func (s *Service) LogTemperature(ctx context.Context, p auth.Principal, branchID, equipmentID uuid.UUID, in TemperatureInput) (*TempLog, error) {
	var out *TempLog
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		e, err := s.equipmentAt(ctx, fx.branchID, equipmentID)
		if err != nil {
			return err
		}
		now := s.now()
		at := now
		if in.RecordedAt != nil {
			if in.RecordedAt.After(now) {
				return invalid("recorded_at is in the future")
			}
			at = in.RecordedAt.UTC()
		}
		l := &TempLog{
			ID:          uuid.New(),
			BranchID:    fx.branchID,
			EquipmentID: e.ID,
			TempC:       in.TempC,
			RecordedAt:  at,
			RecordedBy:  p.UserID,
			IsBreach:    in.TempC < e.MinTempC || in.TempC > e.MaxTempC,
			Notes:       in.Notes,
		}
		if err := s.store.CreateTempLog(ctx, l); err != nil {
			return err
		}
		fx.Audit(ActionTemperatureLogged, EntityTempLog, l.ID, map[string]any{
			"equipment_id": e.ID,
			"temp_c":       l.TempC,
			"breach":       l.IsBreach,
		})
		if l.IsBreach {
			fx.Notify(notification.SeverityCritical, "Temperature breach",
				fmt.Sprintf("%s read %.1f°C, outside %.1f to %.1f°C", e.Name, l.TempC, e.MinTempC, e.MaxTempC),
				EntityEquipment, e.ID, "cold-chain", "breach")
		}
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) AcknowledgeBreach(ctx context.Context, p auth.Principal, branchID, logID uuid.UUID, notes string) (*TempLog, error) {
	if logID == uuid.Nil {
		return nil, invalid("log_id is required")
	}
	var out *TempLog
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		l, err := s.store.GetTempLog(ctx, logID)
		if err != nil {
			return err
		}
		if l.BranchID != fx.branchID {
			return notFound("temperature log", logID)
		}
		if !l.IsBreach {
			return invalid("temperature log %s is not a breach", logID)
		}
		if l.AcknowledgedAt != nil {
			return conflict("breach %s already acknowledged", logID)
		}
		l.AcknowledgedBy = ptr(p.UserID)
		l.AcknowledgedAt = ptr(s.now())
		if notes != "" {
			l.Notes = notes
		}
		if err := s.store.UpdateTempLog(ctx, l); err != nil {
			return err
		}
		fx.Audit(ActionBreachAcknowledged, EntityTempLog, l.ID, map[string]any{"equipment_id": l.EquipmentID})
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
