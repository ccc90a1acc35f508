package bloodbank

import (
	"context"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/platform/audit"
	"github.com/bloodbank/bloodbank/internal/platform/auth"
	"github.com/bloodbank/bloodbank/internal/platform/notification"
)

// Audit actions.
const (
	ActionUnitRegistered       = "BB_UNIT_REGISTERED"
	ActionUnitStatusChanged    = "BB_UNIT_STATUS_CHANGED"
	ActionUnitUpdated          = "BB_UNIT_UPDATED"
	ActionUnitSeparated        = "BB_UNIT_SEPARATED"
	ActionUnitQuarantined      = "BB_UNIT_QUARANTINED"
	ActionUnitDiscarded        = "BB_UNIT_DISCARDED"
	ActionGroupingRecorded     = "BB_GROUPING_RECORDED"
	ActionGroupingVerified     = "BB_GROUPING_VERIFIED"
	ActionTTIRecorded          = "BB_TTI_RECORDED"
	ActionTTIVerified          = "BB_TTI_VERIFIED"
	ActionLabelConfirmed       = "BB_LABEL_CONFIRMED"
	ActionEquipmentSaved       = "BB_EQUIPMENT_SAVED"
	ActionSlotAssigned         = "BB_SLOT_ASSIGNED"
	ActionTemperatureLogged    = "BB_TEMPERATURE_LOGGED"
	ActionBreachAcknowledged   = "BB_BREACH_ACKNOWLEDGED"
	ActionTransferUpdated      = "BB_TRANSFER_UPDATED"
	ActionRequestCreated       = "BB_REQUEST_CREATED"
	ActionRequestUpdated       = "BB_REQUEST_UPDATED"
	ActionSampleReceived       = "BB_SAMPLE_RECEIVED"
	ActionSampleTyped          = "BB_SAMPLE_TYPED"
	ActionCrossMatchRecorded   = "BB_CROSSMATCH_RECORDED"
	ActionUnitIssued           = "BB_UNIT_ISSUED"
	ActionEmergencyRelease     = "BB_EMERGENCY_RELEASE"
	ActionAllocationShortfall  = "BB_ALLOCATION_SHORTFALL"
	ActionBedsideVerified      = "BB_BEDSIDE_VERIFIED"
	ActionBedsideNearMiss      = "BB_BEDSIDE_NEAR_MISS"
	ActionTransfusionStarted   = "BB_TRANSFUSION_STARTED"
	ActionTransfusionOverride  = "BB_TRANSFUSION_OVERRIDE"
	ActionVitalsRecorded       = "BB_VITALS_RECORDED"
	ActionReactionReported     = "BB_REACTION_REPORTED"
	ActionReactionWorkupClosed = "BB_REACTION_WORKUP_CLOSED"
	ActionTransfusionEnded     = "BB_TRANSFUSION_ENDED"
	ActionUnitReturned         = "BB_UNIT_RETURNED"
	ActionMTPActivated         = "BB_MTP_ACTIVATED"
	ActionMTPDeactivated       = "BB_MTP_DEACTIVATED"
	ActionMTPPackReleased      = "BB_MTP_PACK_RELEASED"
	ActionLookbackOpened       = "BB_LOOKBACK_OPENED"
	ActionLookbackClosed       = "BB_LOOKBACK_CLOSED"
)

// Audit entity names.
const (
	EntityUnit        = "BloodUnit"
	EntityGrouping    = "GroupingResult"
	EntityTTI         = "TTITestRecord"
	EntityEquipment   = "Equipment"
	EntityTempLog     = "TempLog"
	EntityTransfer    = "UnitTransfer"
	EntityRequest     = "BloodRequest"
	EntitySample      = "PatientSample"
	EntityCrossMatch  = "CrossMatch"
	EntityIssue       = "BloodIssue"
	EntityTransfusion = "TransfusionRecord"
	EntityReaction    = "TransfusionReaction"
	EntityMTP         = "MTPSession"
	EntityLookback    = "LookbackCase"
)

type durableEffect struct {
	name string
	fn   func(ctx context.Context, fx *Effects) error
}

type transitionRecord struct {
	from, to UnitStatus
}

// Effects collects the side effects of one operation. Audits are written
// inside the operation's transaction, notices are sent after commit, and
// durable effects are applied even when the operation itself fails.
type Effects struct {
	actor    auth.Principal
	branchID uuid.UUID

	audits      []audit.Entry
	notices     []notification.Notice
	durable     []durableEffect
	transitions []transitionRecord
	reactions   []ReactionSeverity
}

func newEffects(p auth.Principal, branchID uuid.UUID) *Effects {
	return &Effects{actor: p, branchID: branchID}
}

func (fx *Effects) Audit(action, entity string, id uuid.UUID, meta map[string]any) {
	fx.audits = append(fx.audits, audit.Entry{
		BranchID:    fx.branchID,
		ActorUserID: fx.actor.UserID,
		Action:      action,
		Entity:      entity,
		EntityID:    id.String(),
		Meta:        meta,
	})
}

func (fx *Effects) Notify(sev notification.Severity, title, message, entity string, id uuid.UUID, tags ...string) {
	fx.notices = append(fx.notices, notification.Notice{
		BranchID:    fx.branchID,
		ActorUserID: fx.actor.UserID,
		Title:       title,
		Message:     message,
		Severity:    sev,
		Entity:      entity,
		EntityID:    id.String(),
		Tags:        append([]string{"blood-bank"}, tags...),
	})
}

// Durable registers an effect that must persist whatever the outcome. On
// success it runs in the operation's transaction; on failure it runs in a
// fresh one after the rollback. fn must re-read the state it touches.
func (fx *Effects) Durable(name string, fn func(ctx context.Context, fx *Effects) error) {
	fx.durable = append(fx.durable, durableEffect{name: name, fn: fn})
}

func (fx *Effects) transitioned(from, to UnitStatus) {
	fx.transitions = append(fx.transitions, transitionRecord{from: from, to: to})
}

// -- Coordinator --

// run executes fn in one transaction and applies its effects.
func (s *Service) run(ctx context.Context, p auth.Principal, branchID uuid.UUID, fn func(ctx context.Context, fx *Effects) error) error {
	fx := newEffects(p, branchID)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := fn(ctx, fx); err != nil {
			return err
		}
		pending := fx.durable
		fx.durable = nil
		for _, d := range pending {
			if err := d.fn(ctx, fx); err != nil {
				return err
			}
		}
		s.writeAudits(ctx, fx)
		return nil
	})
	if err != nil {
		if len(fx.durable) > 0 {
			s.compensate(ctx, p, branchID, fx.durable)
		}
		return err
	}
	s.publish(ctx, fx)
	return nil
}

// compensate applies durable effects of a failed operation in a fresh
// transaction. Failures here are logged; the caller still gets the original
// error.
func (s *Service) compensate(ctx context.Context, p auth.Principal, branchID uuid.UUID, effects []durableEffect) {
	ctx = context.WithoutCancel(ctx)
	cfx := newEffects(p, branchID)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		for _, d := range effects {
			if err := d.fn(ctx, cfx); err != nil {
				return err
			}
		}
		s.writeAudits(ctx, cfx)
		return nil
	})
	if err != nil {
		names := make([]string, len(effects))
		for i, d := range effects {
			names[i] = d.name
		}
		s.log.Error().Err(err).Strs("effects", names).Str("branch_id", branchID.String()).Msg("durable side effects failed")
		return
	}
	s.publish(ctx, cfx)
}

func (s *Service) writeAudits(ctx context.Context, fx *Effects) {
	if s.audit == nil {
		return
	}
	for _, e := range fx.audits {
		if err := s.audit.Log(ctx, e); err != nil {
			s.log.Warn().Err(err).Str("action", e.Action).Str("entity_id", e.EntityID).Msg("audit write failed")
		}
	}
}

func (s *Service) publish(ctx context.Context, fx *Effects) {
	for _, t := range fx.transitions {
		s.metrics.Transition(string(t.from), string(t.to))
	}
	for _, sev := range fx.reactions {
		s.metrics.Reaction(string(sev))
	}
	if s.notify == nil {
		return
	}
	for _, n := range fx.notices {
		if err := s.notify.Notify(ctx, n); err != nil {
			s.log.Warn().Err(err).Str("title", n.Title).Str("entity_id", n.EntityID).Msg("notification failed")
		}
	}
}
