package bloodbank

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/platform/auth"
	"github.com/bloodbank/bloodbank/internal/platform/notification"
)

const (
	OutcomeCompleted     = "COMPLETED"
	OutcomeStopped       = "STOPPED_FOR_REACTION"
	OutcomeWorkupClosed  = "CLOSED_AFTER_REACTION"
	vitalsInterval       = 15 * time.Minute
	reactionReasonPrefix = "transfusion reaction "
)

type BedsideInput struct {
	WristbandPatientID *uuid.UUID `json:"wristband_patient_id"`
	UnitBarcode        string     `json:"unit_barcode"`
	SecondVerifierID   string     `json:"second_verifier_id"`
}

// BedsideVerify checks patient and unit identity at the bedside. Emergency
// issues may skip the scans and the second verifier. A mismatch is recorded
// as a near-miss and revokes any earlier verification, and the call fails.
func (s *Service) BedsideVerify(ctx context.Context, p auth.Principal, branchID, issueID uuid.UUID, in BedsideInput) (*TransfusionRecord, error) {
	var out *TransfusionRecord
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		issue, err := s.issueAt(ctx, fx.branchID, issueID)
		if err != nil {
			return err
		}
		if issue.Status != IssueIssued {
			return conflict("issue %s is %s", issue.IssueNumber, issue.Status)
		}
		u, err := s.store.GetUnit(ctx, issue.UnitID)
		if err != nil {
			return err
		}
		if err := s.checkIssuedUnit(ctx, u); err != nil {
			return err
		}
		r, err := s.store.GetRequest(ctx, issue.RequestID)
		if err != nil {
			return err
		}
		if !issue.IsEmergency {
			switch {
			case in.WristbandPatientID == nil:
				return invalid("wristband scan is required")
			case in.UnitBarcode == "":
				return invalid("unit barcode scan is required")
			case in.SecondVerifierID == "":
				return invalid("second verifier is required")
			case in.SecondVerifierID == p.UserID:
				return invalid("second verifier must differ from the primary verifier")
			}
		}

		var reasons []GateReason
		if in.WristbandPatientID != nil && *in.WristbandPatientID != r.PatientID {
			reasons = append(reasons, GateReason{Gate: GateBedside, Code: CodeWristbandMismatch})
		}
		if in.UnitBarcode != "" && in.UnitBarcode != u.Barcode && in.UnitBarcode != u.UnitNumber {
			reasons = append(reasons, GateReason{Gate: GateBedside, Code: CodeUnitBarcodeMismatch})
		}
		patient, err := s.patientGroup(ctx, issue, r)
		if err != nil {
			return err
		}
		if patient.Valid() && !Compatible(u.Component, patient, u.BloodGroup) {
			reasons = append(reasons, GateReason{Gate: GateBedside, Code: CodeABOIncompatible,
				Detail: fmt.Sprintf("patient %s, unit %s", patient, u.BloodGroup)})
		}
		if len(reasons) > 0 {
			s.nearMiss(fx, issue, u, reasons)
			return s.gateError(u.ID, reasons)
		}

		t, err := s.store.GetTransfusionByIssue(ctx, issue.ID)
		if err != nil {
			return err
		}
		now := s.now()
		create := t == nil
		if create {
			t = &TransfusionRecord{
				ID:        uuid.New(),
				BranchID:  fx.branchID,
				IssueID:   issue.ID,
				PatientID: r.PatientID,
				CreatedAt: now,
			}
		} else if t.StartedAt != nil {
			return conflict("transfusion for issue %s has already started", issue.IssueNumber)
		}
		t.BedsideVerified = true
		t.BedsideVerifiedBy = ptr(p.UserID)
		t.BedsideVerifiedAt = ptr(now)
		t.SecondVerifierID = nil
		if in.SecondVerifierID != "" {
			t.SecondVerifierID = ptr(in.SecondVerifierID)
		}
		if create {
			err = s.store.CreateTransfusion(ctx, t)
		} else {
			err = s.store.UpdateTransfusion(ctx, t)
		}
		if err != nil {
			return err
		}
		fx.Audit(ActionBedsideVerified, EntityTransfusion, t.ID, map[string]any{
			"issue_id":        issue.ID,
			"second_verifier": in.SecondVerifierID,
			"emergency":       issue.IsEmergency,
		})
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// patientGroup is the typed sample's group, or the MTP session's recorded
// group for session issues. Empty when the patient is untyped.
func (s *Service) patientGroup(ctx context.Context, issue *BloodIssue, r *BloodRequest) (BloodGroup, error) {
	smp, err := s.store.LatestSample(ctx, r.ID)
	if err != nil {
		return "", err
	}
	if smp.Typed() {
		return smp.BloodGroup, nil
	}
	if issue.MTPSessionID == nil {
		return "", nil
	}
	m, err := s.store.GetMTPSession(ctx, *issue.MTPSessionID)
	if err != nil {
		return "", err
	}
	return m.PatientGroup, nil
}

// nearMiss records a failed bedside check and revokes any prior
// verification. Both persist although the verification call fails.
func (s *Service) nearMiss(fx *Effects, issue *BloodIssue, u *BloodUnit, reasons []GateReason) {
	issueID, unitNumber := issue.ID, u.UnitNumber
	codes := make([]string, len(reasons))
	for i, r := range reasons {
		codes[i] = r.Code
	}
	fx.Durable("near-miss:"+issueID.String(), func(ctx context.Context, fx *Effects) error {
		fx.Audit(ActionBedsideNearMiss, EntityIssue, issueID, map[string]any{"reasons": codes, "unit_id": u.ID})
		t, err := s.store.GetTransfusionByIssue(ctx, issueID)
		if err != nil {
			return err
		}
		if t != nil && t.BedsideVerified && t.StartedAt == nil {
			t.BedsideVerified = false
			if err := s.store.UpdateTransfusion(ctx, t); err != nil {
				return err
			}
		}
		fx.Notify(notification.SeverityWarning, "Bedside near-miss",
			fmt.Sprintf("Bedside check failed for unit %s: %v", unitNumber, codes),
			EntityIssue, issueID, "bedside", "near-miss")
		return nil
	})
}

// checkIssuedUnit re-reads the unit at the bedside. A unit quarantined or
// found reactive after it left the bank must not be transfused.
func (s *Service) checkIssuedUnit(ctx context.Context, u *BloodUnit) error {
	var reasons []GateReason
	if u.Status != StatusIssued {
		reasons = append(reasons, GateReason{Gate: GateStatus, Code: CodeUnitNotIssued,
			Detail: fmt.Sprintf("unit %s is %s", u.UnitNumber, u.Status)})
	}
	tests, err := s.store.ListTTI(ctx, u.ID)
	if err != nil {
		return err
	}
	reasons = append(reasons, TTIGate(UnitSnapshot{Unit: *u, Tests: tests})...)
	if len(reasons) > 0 {
		return s.gateError(u.ID, reasons)
	}
	return nil
}

type StartInput struct {
	ClinicianOverride bool `json:"clinician_override"`
}

// StartTransfusion begins a bedside-verified transfusion. A patient with a
// high-signal reaction history needs a clinician override unless the issue
// is an emergency one.
func (s *Service) StartTransfusion(ctx context.Context, p auth.Principal, branchID, issueID uuid.UUID, in StartInput) (*TransfusionRecord, error) {
	var out *TransfusionRecord
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		issue, err := s.issueAt(ctx, fx.branchID, issueID)
		if err != nil {
			return err
		}
		t, err := s.transfusionFor(ctx, issue)
		if err != nil {
			return err
		}
		if issue.Status != IssueIssued {
			return conflict("issue %s is %s", issue.IssueNumber, issue.Status)
		}
		if !t.BedsideVerified {
			return conflict("issue %s needs bedside verification", issue.IssueNumber)
		}
		u, err := s.store.GetUnit(ctx, issue.UnitID)
		if err != nil {
			return err
		}
		if err := s.checkIssuedUnit(ctx, u); err != nil {
			return err
		}
		history, err := s.store.ListPatientReactions(ctx, t.PatientID)
		if err != nil {
			return err
		}
		var flagged []uuid.UUID
		for i := range history {
			if history[i].HighSignal() {
				flagged = append(flagged, history[i].ID)
			}
		}
		override := false
		if len(flagged) > 0 && !issue.IsEmergency {
			if !in.ClinicianOverride {
				return s.gateError(issue.UnitID, []GateReason{{Gate: GateBedside, Code: CodeOverrideRequired,
					Detail: fmt.Sprintf("%d prior high-signal reaction(s)", len(flagged))}})
			}
			override = true
		}

		ok, err := s.store.CASIssueStatus(ctx, issue.ID, IssueIssued, IssueActive)
		if err != nil {
			return err
		}
		if !ok {
			return conflict("issue %s changed status", issue.IssueNumber)
		}
		now := s.now()
		t.StartedAt = ptr(now)
		t.StartedBy = ptr(p.UserID)
		t.ClinicianOverride = override
		if err := s.store.UpdateTransfusion(ctx, t); err != nil {
			return err
		}
		fx.Audit(ActionTransfusionStarted, EntityTransfusion, t.ID, map[string]any{"issue_id": issue.ID})
		if override {
			fx.Audit(ActionTransfusionOverride, EntityTransfusion, t.ID, map[string]any{
				"issue_id":     issue.ID,
				"reaction_ids": flagged,
			})
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// vitalsBucket places a reading by time since start: before start is pre,
// then 15-minute steps capped into the three post-start buckets.
func vitalsBucket(startedAt *time.Time, at time.Time) VitalsBucket {
	if startedAt == nil || at.Before(*startedAt) {
		return BucketPre
	}
	switch step := int(at.Sub(*startedAt) / vitalsInterval); {
	case step <= 1:
		return Bucket15Min
	case step <= 3:
		return Bucket30Min
	default:
		return Bucket1Hr
	}
}

// RecordVitals appends a reading to the bucket for the current time. Readings
// are refused once the transfusion ended or a reaction was reported.
func (s *Service) RecordVitals(ctx context.Context, p auth.Principal, branchID, issueID uuid.UUID, v VitalsEntry) (VitalsBucket, error) {
	var bucket VitalsBucket
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		issue, err := s.issueAt(ctx, fx.branchID, issueID)
		if err != nil {
			return err
		}
		t, err := s.transfusionFor(ctx, issue)
		if err != nil {
			return err
		}
		if t.HasReaction {
			return ErrReactionHardStop
		}
		if t.EndedAt != nil {
			return conflict("transfusion for issue %s has ended", issue.IssueNumber)
		}
		now := s.now()
		v.RecordedAt = now
		v.RecordedBy = p.UserID
		bucket = vitalsBucket(t.StartedAt, now)
		ok, err := s.store.AppendVitals(ctx, t.ID, bucket, v)
		if err != nil {
			return err
		}
		if !ok {
			return ErrReactionHardStop
		}
		fx.Audit(ActionVitalsRecorded, EntityTransfusion, t.ID, map[string]any{"bucket": bucket})
		return nil
	})
	if err != nil {
		return "", err
	}
	return bucket, nil
}

type ReactionInput struct {
	Type        ReactionType     `json:"type"`
	Severity    ReactionSeverity `json:"severity"`
	Description string           `json:"description"`
	// ContinueTransfusion opts out of the default stop.
	ContinueTransfusion bool `json:"continue_transfusion"`
}

// ReportReaction records an adverse reaction. The transfusion is halted for
// good: no further vitals and no normal end. An ISSUED unit is quarantined,
// and a high-signal reaction opens a look-back on the donor.
func (s *Service) ReportReaction(ctx context.Context, p auth.Principal, branchID, issueID uuid.UUID, in ReactionInput) (*TransfusionReaction, error) {
	if !in.Type.Valid() {
		return nil, invalid("reaction type %q is not recognised", in.Type)
	}
	if !in.Severity.Valid() {
		return nil, invalid("severity %q is not recognised", in.Severity)
	}
	var out *TransfusionReaction
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		issue, err := s.issueAt(ctx, fx.branchID, issueID)
		if err != nil {
			return err
		}
		t, err := s.transfusionFor(ctx, issue)
		if err != nil {
			return err
		}
		now := s.now()
		rx := &TransfusionReaction{
			ID:                 uuid.New(),
			BranchID:           fx.branchID,
			TransfusionID:      t.ID,
			IssueID:            issue.ID,
			PatientID:          t.PatientID,
			Type:               in.Type,
			Severity:           in.Severity,
			Description:        in.Description,
			TransfusionStopped: !in.ContinueTransfusion,
			ReportedBy:         p.UserID,
			ReportedAt:         now,
		}
		if err := s.store.CreateReaction(ctx, rx); err != nil {
			return err
		}
		t.HasReaction = true
		if rx.TransfusionStopped && t.EndedAt == nil {
			t.EndedAt = ptr(now)
			t.EndedBy = ptr(p.UserID)
			t.Outcome = OutcomeStopped
		}
		if err := s.store.UpdateTransfusion(ctx, t); err != nil {
			return err
		}
		if issue.Status == IssueIssued || issue.Status == IssueActive {
			ok, err := s.store.CASIssueStatus(ctx, issue.ID, issue.Status, IssueReaction)
			if err != nil {
				return err
			}
			if !ok {
				return conflict("issue %s changed status", issue.IssueNumber)
			}
		}

		u, err := s.store.GetUnit(ctx, issue.UnitID)
		if err != nil {
			return err
		}
		if u.Status == StatusIssued {
			if _, _, err := s.quarantine(ctx, fx, u.ID, reactionReasonPrefix+string(rx.Type)); err != nil {
				return err
			}
		}
		if rx.HighSignal() {
			if _, err := s.openLookback(ctx, fx, u, TriggerReaction, rx.ID.String()); err != nil {
				return err
			}
		}

		fx.reactions = append(fx.reactions, rx.Severity)
		fx.Audit(ActionReactionReported, EntityReaction, rx.ID, map[string]any{
			"issue_id": issue.ID,
			"type":     rx.Type,
			"severity": rx.Severity,
			"stopped":  rx.TransfusionStopped,
		})
		fx.Notify(notification.SeverityCritical, "Transfusion reaction",
			fmt.Sprintf("%s %s reaction on unit %s", rx.Severity, rx.Type, u.UnitNumber),
			EntityReaction, rx.ID, "reaction")
		out = rx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type EndInput struct {
	Notes string `json:"notes"`
}

// EndTransfusion closes a transfusion on the normal path. It is refused for
// good once a reaction is on record.
func (s *Service) EndTransfusion(ctx context.Context, p auth.Principal, branchID, issueID uuid.UUID, in EndInput) (*TransfusionRecord, error) {
	var out *TransfusionRecord
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		issue, err := s.issueAt(ctx, fx.branchID, issueID)
		if err != nil {
			return err
		}
		t, err := s.transfusionFor(ctx, issue)
		if err != nil {
			return err
		}
		if t.HasReaction {
			return ErrReactionHardStop
		}
		if issue.Status != IssueActive {
			return conflict("issue %s is %s", issue.IssueNumber, issue.Status)
		}
		ok, err := s.store.CASIssueStatus(ctx, issue.ID, IssueActive, IssueCompleted)
		if err != nil {
			return err
		}
		if !ok {
			return conflict("issue %s changed status", issue.IssueNumber)
		}
		now := s.now()
		issue.Status = IssueCompleted
		issue.ClosedAt = ptr(now)
		if err := s.store.UpdateIssue(ctx, issue); err != nil {
			return err
		}
		t.EndedAt = ptr(now)
		t.EndedBy = ptr(p.UserID)
		t.Outcome = OutcomeCompleted
		if err := s.store.UpdateTransfusion(ctx, t); err != nil {
			return err
		}

		u, err := s.store.GetUnit(ctx, issue.UnitID)
		if err != nil {
			return err
		}
		// A unit quarantined mid-transfusion by a look-back stays quarantined.
		if u.Status == StatusIssued {
			if err := s.transition(ctx, fx, u, EventTransfuse); err != nil {
				return err
			}
		}
		fx.Audit(ActionTransfusionEnded, EntityTransfusion, t.ID, map[string]any{
			"issue_id":    issue.ID,
			"unit_status": u.Status,
			"notes":       in.Notes,
		})
		if err := s.completeIfClosed(ctx, fx, issue.RequestID); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type WorkupInput struct {
	Findings    string `json:"findings"`
	DiscardUnit bool   `json:"discard_unit"`
}

// CloseReactionWorkup closes the investigation of a reaction. When no open
// reaction remains on the transfusion the issue is closed, optionally
// discarding the quarantined unit.
func (s *Service) CloseReactionWorkup(ctx context.Context, p auth.Principal, branchID, reactionID uuid.UUID, in WorkupInput) (*TransfusionReaction, error) {
	if reactionID == uuid.Nil {
		return nil, invalid("reaction_id is required")
	}
	if in.Findings == "" {
		return nil, invalid("findings are required")
	}
	var out *TransfusionReaction
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		rx, err := s.store.GetReaction(ctx, reactionID)
		if err != nil {
			return err
		}
		if rx.BranchID != fx.branchID {
			return notFound("transfusion reaction", reactionID)
		}
		if rx.WorkupClosedAt != nil {
			return conflict("reaction work-up already closed")
		}
		now := s.now()
		rx.WorkupClosedAt = ptr(now)
		rx.WorkupClosedBy = ptr(p.UserID)
		rx.WorkupFindings = in.Findings
		if err := s.store.UpdateReaction(ctx, rx); err != nil {
			return err
		}
		fx.Audit(ActionReactionWorkupClosed, EntityReaction, rx.ID, map[string]any{"discard_unit": in.DiscardUnit})

		all, err := s.store.ListReactionsForTransfusion(ctx, rx.TransfusionID)
		if err != nil {
			return err
		}
		for _, other := range all {
			if other.ID != rx.ID && other.WorkupClosedAt == nil {
				out = rx
				return nil
			}
		}

		issue, err := s.store.GetIssue(ctx, rx.IssueID)
		if err != nil {
			return err
		}
		t, err := s.transfusionFor(ctx, issue)
		if err != nil {
			return err
		}
		if t.EndedAt == nil {
			t.EndedAt = ptr(now)
			t.EndedBy = ptr(p.UserID)
			t.Outcome = OutcomeWorkupClosed
			if err := s.store.UpdateTransfusion(ctx, t); err != nil {
				return err
			}
		}
		if issue.ClosedAt == nil {
			issue.ClosedAt = ptr(now)
			if err := s.store.UpdateIssue(ctx, issue); err != nil {
				return err
			}
		}
		if in.DiscardUnit {
			u, err := s.store.GetUnit(ctx, issue.UnitID)
			if err != nil {
				return err
			}
			if u.Status == StatusQuarantined {
				if err := s.discard(ctx, fx, u, reactionReasonPrefix+"work-up"); err != nil {
					return err
				}
			}
		}
		if err := s.completeIfClosed(ctx, fx, issue.RequestID); err != nil {
			return err
		}
		out = rx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type ReturnInput struct {
	Reason string `json:"reason"`
}

// ReturnIssue takes back an unused unit. Returns are accepted up to the
// return window after issue, inclusive.
func (s *Service) ReturnIssue(ctx context.Context, p auth.Principal, branchID, issueID uuid.UUID, in ReturnInput) (*BloodIssue, error) {
	if in.Reason == "" {
		return nil, invalid("reason is required")
	}
	var out *BloodIssue
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		issue, err := s.issueAt(ctx, fx.branchID, issueID)
		if err != nil {
			return err
		}
		t, err := s.store.GetTransfusionByIssue(ctx, issue.ID)
		if err != nil {
			return err
		}
		if t != nil && t.HasReaction {
			return ErrReactionHardStop
		}
		if issue.Status != IssueIssued || t != nil && t.StartedAt != nil {
			return conflict("issue %s is %s and cannot be returned", issue.IssueNumber, issue.Status)
		}
		now := s.now()
		if now.Sub(issue.IssuedAt) > s.policy.ReturnWindow {
			return fmt.Errorf("issue %s was issued %s ago: %w",
				issue.IssueNumber, now.Sub(issue.IssuedAt).Truncate(time.Minute), ErrReturnWindowElapsed)
		}
		ok, err := s.store.CASIssueStatus(ctx, issue.ID, IssueIssued, IssueReturned)
		if err != nil {
			return err
		}
		if !ok {
			return conflict("issue %s changed status", issue.IssueNumber)
		}
		issue.Status = IssueReturned
		issue.ReturnedAt = ptr(now)
		issue.ReturnReason = in.Reason
		issue.ClosedAt = ptr(now)
		if err := s.store.UpdateIssue(ctx, issue); err != nil {
			return err
		}
		u, err := s.store.GetUnit(ctx, issue.UnitID)
		if err != nil {
			return err
		}
		if err := s.transition(ctx, fx, u, EventReturn); err != nil {
			return err
		}
		fx.Audit(ActionUnitReturned, EntityIssue, issue.ID, map[string]any{"unit_id": u.ID, "reason": in.Reason})
		if err := s.completeIfClosed(ctx, fx, issue.RequestID); err != nil {
			return err
		}
		out = issue
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TransfusionDetail is an issue with its transfusion record and reactions.
type TransfusionDetail struct {
	Issue       BloodIssue            `json:"issue"`
	Transfusion *TransfusionRecord    `json:"transfusion,omitempty"`
	Reactions   []TransfusionReaction `json:"reactions"`
}

func (s *Service) GetTransfusion(ctx context.Context, p auth.Principal, branchID, issueID uuid.UUID) (*TransfusionDetail, error) {
	branchID, err := auth.ResolveBranchID(p, branchID)
	if err != nil {
		return nil, err
	}
	issue, err := s.issueAt(ctx, branchID, issueID)
	if err != nil {
		return nil, err
	}
	d := &TransfusionDetail{Issue: *issue, Reactions: []TransfusionReaction{}}
	if d.Transfusion, err = s.store.GetTransfusionByIssue(ctx, issue.ID); err != nil {
		return nil, err
	}
	if d.Transfusion != nil {
		if d.Reactions, err = s.store.ListReactionsForTransfusion(ctx, d.Transfusion.ID); err != nil {
			return nil, err
		}
	}
	return d, nil
}
