package bloodbank

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/platform/auth"
)

type CrossMatchInput struct {
	RequestID uuid.UUID        `json:"request_id"`
	UnitID    uuid.UUID        `json:"unit_id"`
	SampleID  *uuid.UUID       `json:"sample_id"`
	Method    CrossMatchMethod `json:"method"`
	Result    CrossMatchResult `json:"result"`
	Notes     string           `json:"notes"`
}

// matchTarget is the request, sample and unit a cross-match binds, loaded
// and checked for branch and state.
type matchTarget struct {
	req    *BloodRequest
	sample *PatientSample
	unit   *BloodUnit
}

func (s *Service) loadMatchTarget(ctx context.Context, branchID, requestID, unitID uuid.UUID, sampleID *uuid.UUID) (*matchTarget, error) {
	r, err := s.requestAt(ctx, branchID, requestID)
	if err != nil {
		return nil, err
	}
	u, err := s.unitAt(ctx, branchID, unitID)
	if err != nil {
		return nil, err
	}
	var smp *PatientSample
	if sampleID != nil {
		smp, err = s.store.GetSample(ctx, *sampleID)
		if err != nil {
			return nil, err
		}
		if smp.RequestID != r.ID {
			return nil, invalid("sample %s does not belong to request %s", smp.ID, r.RequestNumber)
		}
	} else if smp, err = s.store.LatestSample(ctx, r.ID); err != nil {
		return nil, err
	}

	if r.Status != RequestSampleReceived && r.Status != RequestReady {
		return nil, conflict("request %s is %s", r.RequestNumber, r.Status)
	}
	if smp == nil {
		return nil, conflict("request %s has no patient sample", r.RequestNumber)
	}
	if u.Status != StatusAvailable && u.Status != StatusReserved {
		return nil, conflict("unit %s is %s", u.UnitNumber, u.Status)
	}
	if u.Component != r.Component {
		return nil, invalid("unit %s is %s but request %s needs %s", u.UnitNumber, u.Component, r.RequestNumber, r.Component)
	}
	return &matchTarget{req: r, sample: smp, unit: u}, nil
}

// CrossMatch records a serological cross-match. The unit must pass the
// eligibility gates; a COMPATIBLE result reserves it for the request.
func (s *Service) CrossMatch(ctx context.Context, p auth.Principal, branchID uuid.UUID, in CrossMatchInput) (*CrossMatch, error) {
	if in.Method == "" {
		in.Method = MethodAHG
	}
	if in.Method != MethodImmediateSpin && in.Method != MethodAHG {
		return nil, invalid("method %q is not a serological method", in.Method)
	}
	if in.Result == "" {
		in.Result = XMPending
	}
	switch in.Result {
	case XMPending, XMCompatible, XMIncompatible:
	default:
		return nil, invalid("result %q is not recognised", in.Result)
	}

	var out *CrossMatch
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		t, err := s.loadMatchTarget(ctx, fx.branchID, in.RequestID, in.UnitID, in.SampleID)
		if err != nil {
			return err
		}
		if err := s.eligible(ctx, fx, t, in.Result == XMCompatible); err != nil {
			return err
		}
		now := s.now()
		xm := &CrossMatch{
			ID:          uuid.New(),
			BranchID:    fx.branchID,
			Number:      newNumber("XM", now),
			RequestID:   t.req.ID,
			SampleID:    t.sample.ID,
			UnitID:      t.unit.ID,
			Method:      in.Method,
			Result:      in.Result,
			PerformedBy: p.UserID,
			Notes:       in.Notes,
			ValidUntil:  ptr(now.Add(s.policy.CrossMatchValidity)),
			CreatedAt:   now,
		}
		if err := s.store.CreateCrossMatch(ctx, xm); err != nil {
			return err
		}
		if err := s.recordMatch(ctx, fx, xm, t); err != nil {
			return err
		}
		out = xm
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// eligible runs the unit gates for a cross-match. When the result would be
// compatible and the patient is typed, ABO/Rh compatibility is checked too.
func (s *Service) eligible(ctx context.Context, fx *Effects, t *matchTarget, compatible bool) error {
	snap, err := s.snapshot(ctx, t.unit)
	if err != nil {
		return err
	}
	reasons := EligibilityReasons(snap, s.now())
	if compatible && t.sample.Typed() && !Compatible(t.unit.Component, t.sample.BloodGroup, t.unit.BloodGroup) {
		reasons = append(reasons, GateReason{Gate: GateCrossMatch, Code: CodeABOIncompatible,
			Detail: fmt.Sprintf("patient %s, unit %s", t.sample.BloodGroup, t.unit.BloodGroup)})
	}
	if len(reasons) == 0 {
		return nil
	}
	if hasCode(reasons, CodeTTIReactive) {
		s.quarantineLater(fx, t.unit.ID, "reactive TTI result at cross-match")
	}
	return s.gateError(t.unit.ID, reasons)
}

// recordMatch audits a new result and, when COMPATIBLE, moves the unit to
// CROSS_MATCHED and the request to READY.
func (s *Service) recordMatch(ctx context.Context, fx *Effects, xm *CrossMatch, t *matchTarget) error {
	fx.Audit(ActionCrossMatchRecorded, EntityCrossMatch, xm.ID, map[string]any{
		"number":     xm.Number,
		"request_id": xm.RequestID,
		"unit_id":    xm.UnitID,
		"method":     xm.Method,
		"result":     xm.Result,
	})
	if xm.Result != XMCompatible {
		return nil
	}
	if err := s.transition(ctx, fx, t.unit, EventCrossMatch); err != nil {
		return err
	}
	if t.req.Status == RequestSampleReceived {
		return s.setRequestStatus(ctx, fx, t.req, RequestReady, "")
	}
	return nil
}

// UpdateCrossMatchResult settles a PENDING serological cross-match.
func (s *Service) UpdateCrossMatchResult(ctx context.Context, p auth.Principal, branchID, xmID uuid.UUID, result CrossMatchResult, notes string) (*CrossMatch, error) {
	if result != XMCompatible && result != XMIncompatible {
		return nil, invalid("result must be COMPATIBLE or INCOMPATIBLE")
	}
	var out *CrossMatch
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		xm, err := s.crossMatchAt(ctx, fx.branchID, xmID)
		if err != nil {
			return err
		}
		if xm.Result != XMPending {
			return conflict("cross-match %s already %s", xm.Number, xm.Result)
		}
		t, err := s.loadMatchTarget(ctx, fx.branchID, xm.RequestID, xm.UnitID, &xm.SampleID)
		if err != nil {
			return err
		}
		if err := s.eligible(ctx, fx, t, result == XMCompatible); err != nil {
			return err
		}
		xm.Result = result
		if notes != "" {
			xm.Notes = notes
		}
		if err := s.store.UpdateCrossMatch(ctx, xm); err != nil {
			return err
		}
		if err := s.recordMatch(ctx, fx, xm, t); err != nil {
			return err
		}
		out = xm
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type ElectronicCrossMatchInput struct {
	RequestID uuid.UUID `json:"request_id"`
	UnitID    uuid.UUID `json:"unit_id"`
}

// ElectronicCrossMatch computes compatibility from the typed sample and the
// unit's confirmed group. An incompatible pair is recorded and returned, not
// raised as an error.
func (s *Service) ElectronicCrossMatch(ctx context.Context, p auth.Principal, branchID uuid.UUID, in ElectronicCrossMatchInput) (*CrossMatch, error) {
	var out *CrossMatch
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		t, err := s.loadMatchTarget(ctx, fx.branchID, in.RequestID, in.UnitID, nil)
		if err != nil {
			return err
		}
		if !t.sample.Typed() {
			return conflict("electronic cross-match needs a typed sample")
		}
		snap, err := s.snapshot(ctx, t.unit)
		if err != nil {
			return err
		}
		reasons := GroupingGate(snap)
		if HasReactiveTTI(snap.Tests) {
			reasons = append(reasons, GateReason{Gate: GateTTI, Code: CodeTTIReactive})
			s.quarantineLater(fx, t.unit.ID, "reactive TTI result at electronic cross-match")
		}
		if len(reasons) > 0 {
			return s.gateError(t.unit.ID, reasons)
		}

		result := XMIncompatible
		if Compatible(t.unit.Component, t.sample.BloodGroup, t.unit.BloodGroup) {
			result = XMCompatible
		}
		now := s.now()
		xm := &CrossMatch{
			ID:          uuid.New(),
			BranchID:    fx.branchID,
			Number:      newNumber("EXM", now),
			RequestID:   t.req.ID,
			SampleID:    t.sample.ID,
			UnitID:      t.unit.ID,
			Method:      MethodElectronic,
			Result:      result,
			PerformedBy: p.UserID,
			Notes:       fmt.Sprintf("patient %s, unit %s", t.sample.BloodGroup, t.unit.BloodGroup),
			ValidUntil:  ptr(now.Add(s.policy.CrossMatchValidity)),
			CreatedAt:   now,
		}
		if err := s.store.CreateCrossMatch(ctx, xm); err != nil {
			return err
		}
		if err := s.recordMatch(ctx, fx, xm, t); err != nil {
			return err
		}
		out = xm
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Certificate is the compatibility certificate shown before issue.
type Certificate struct {
	CrossMatch CrossMatch     `json:"cross_match"`
	Unit       BloodUnit      `json:"unit"`
	Request    BloodRequest   `json:"request"`
	Sample     *PatientSample `json:"sample,omitempty"`
	Valid      bool           `json:"valid"`
	Reasons    []GateReason   `json:"reasons"`
	ExpiresIn  time.Duration  `json:"expires_in"`
}

func (s *Service) GetCertificate(ctx context.Context, p auth.Principal, branchID, xmID uuid.UUID) (*Certificate, error) {
	branchID, err := auth.ResolveBranchID(p, branchID)
	if err != nil {
		return nil, err
	}
	xm, err := s.crossMatchAt(ctx, branchID, xmID)
	if err != nil {
		return nil, err
	}
	u, err := s.store.GetUnit(ctx, xm.UnitID)
	if err != nil {
		return nil, err
	}
	r, err := s.store.GetRequest(ctx, xm.RequestID)
	if err != nil {
		return nil, err
	}
	smp, err := s.store.GetSample(ctx, xm.SampleID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	reasons := CrossMatchGate(xm, r, u.ID, now, s.policy.CrossMatchValidity)
	if reasons == nil {
		reasons = []GateReason{}
	}
	c := &Certificate{
		CrossMatch: *xm,
		Unit:       *u,
		Request:    *r,
		Sample:     smp,
		Valid:      len(reasons) == 0,
		Reasons:    reasons,
	}
	if xm.ValidUntil != nil && xm.ValidUntil.After(now) {
		c.ExpiresIn = xm.ValidUntil.Sub(now)
	}
	return c, nil
}

// SuggestUnits lists eligible stock for a request in FEFO order: group
// compatible units for a typed patient, the standing protocol otherwise.
func (s *Service) SuggestUnits(ctx context.Context, p auth.Principal, branchID, requestID uuid.UUID, limit int) ([]BloodUnit, error) {
	branchID, err := auth.ResolveBranchID(p, branchID)
	if err != nil {
		return nil, err
	}
	r, err := s.requestAt(ctx, branchID, requestID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	smp, err := s.store.LatestSample(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	var patient BloodGroup
	if smp.Typed() {
		patient = smp.BloodGroup
	}
	q := CandidateQuery{
		BranchID:  branchID,
		Component: r.Component,
		Groups:    EmergencyGroups(r.Component, patient),
		Now:       s.now(),
		Limit:     limit * 2,
	}
	var out []BloodUnit
	for len(out) < limit {
		page, err := s.store.FEFOCandidates(ctx, q)
		if err != nil {
			return nil, err
		}
		for i := range page {
			snap, err := s.snapshot(ctx, &page[i])
			if err != nil {
				return nil, err
			}
			if len(EligibilityReasons(snap, q.Now)) == 0 {
				out = append(out, page[i])
				if len(out) == limit {
					break
				}
			}
		}
		if len(page) < q.Limit {
			break
		}
		q.After = ptr(keyOf(page[len(page)-1]))
	}
	return out, nil
}
