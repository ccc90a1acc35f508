package bloodbank

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/platform/auth"
)

type RequestInput struct {
	PatientID  uuid.UUID     `json:"patient_id"`
	Component  ComponentType `json:"component"`
	Quantity   int           `json:"quantity"`
	Urgency    Urgency       `json:"urgency"`
	Indication string        `json:"indication"`
}

func (s *Service) CreateRequest(ctx context.Context, p auth.Principal, branchID uuid.UUID, in RequestInput) (*BloodRequest, error) {
	if in.PatientID == uuid.Nil {
		return nil, invalid("patient_id is required")
	}
	if !in.Component.Valid() {
		return nil, invalid("component %q is not recognised", in.Component)
	}
	if in.Quantity <= 0 {
		return nil, invalid("quantity must be positive")
	}
	if in.Urgency == "" {
		in.Urgency = UrgencyRoutine
	}
	if !in.Urgency.Valid() {
		return nil, invalid("urgency %q is not recognised", in.Urgency)
	}
	var out *BloodRequest
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		now := s.now()
		r := &BloodRequest{
			ID:            uuid.New(),
			BranchID:      fx.branchID,
			RequestNumber: newNumber("BR", now),
			PatientID:     in.PatientID,
			Component:     in.Component,
			Quantity:      in.Quantity,
			Urgency:       in.Urgency,
			Status:        RequestPending,
			Indication:    in.Indication,
			RequestedBy:   p.UserID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.store.CreateRequest(ctx, r); err != nil {
			return err
		}
		fx.Audit(ActionRequestCreated, EntityRequest, r.ID, map[string]any{
			"request_number": r.RequestNumber,
			"component":      r.Component,
			"quantity":       r.Quantity,
			"urgency":        r.Urgency,
		})
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type SampleInput struct {
	CollectedAt *time.Time `json:"collected_at"`
}

// ReceiveSample logs a patient sample against an open request. The first
// sample moves a PENDING request to SAMPLE_RECEIVED.
func (s *Service) ReceiveSample(ctx context.Context, p auth.Principal, branchID, requestID uuid.UUID, in SampleInput) (*PatientSample, error) {
	var out *PatientSample
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		r, err := s.requestAt(ctx, fx.branchID, requestID)
		if err != nil {
			return err
		}
		if r.Status.Terminal() || r.Status == RequestIssued {
			return conflict("request %s is %s", r.RequestNumber, r.Status)
		}
		now := s.now()
		collected := now
		if in.CollectedAt != nil {
			if in.CollectedAt.After(now) {
				return invalid("collected_at is in the future")
			}
			collected = in.CollectedAt.UTC()
		}
		smp := &PatientSample{
			ID:          uuid.New(),
			BranchID:    fx.branchID,
			RequestID:   r.ID,
			PatientID:   r.PatientID,
			CollectedAt: collected,
			ReceivedBy:  p.UserID,
			CreatedAt:   now,
		}
		if err := s.store.CreateSample(ctx, smp); err != nil {
			return err
		}
		fx.Audit(ActionSampleReceived, EntitySample, smp.ID, map[string]any{"request_id": r.ID})
		if r.Status == RequestPending {
			if err := s.setRequestStatus(ctx, fx, r, RequestSampleReceived, ""); err != nil {
				return err
			}
		}
		out = smp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type TypeSampleInput struct {
	BloodGroup     BloodGroup `json:"blood_group"`
	AntibodyScreen string     `json:"antibody_screen"`
}

func (s *Service) TypeSample(ctx context.Context, p auth.Principal, branchID, sampleID uuid.UUID, in TypeSampleInput) (*PatientSample, error) {
	if sampleID == uuid.Nil {
		return nil, invalid("sample_id is required")
	}
	if !in.BloodGroup.Valid() {
		return nil, invalid("blood_group %q is not recognised", in.BloodGroup)
	}
	var out *PatientSample
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		smp, err := s.store.GetSample(ctx, sampleID)
		if err != nil {
			return err
		}
		if smp.BranchID != fx.branchID {
			return notFound("patient sample", sampleID)
		}
		if smp.Typed() {
			return conflict("sample already typed as %s", smp.BloodGroup)
		}
		smp.BloodGroup = in.BloodGroup
		smp.AntibodyScreen = in.AntibodyScreen
		smp.TypedBy = ptr(p.UserID)
		smp.TypedAt = ptr(s.now())
		if err := s.store.UpdateSample(ctx, smp); err != nil {
			return err
		}
		fx.Audit(ActionSampleTyped, EntitySample, smp.ID, map[string]any{
			"request_id":  smp.RequestID,
			"blood_group": smp.BloodGroup,
		})
		out = smp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelRequest and RejectRequest end a request that has not been fully
// issued. Units cross-matched for it go back to stock.
func (s *Service) CancelRequest(ctx context.Context, p auth.Principal, branchID, requestID uuid.UUID, reason string) (*BloodRequest, error) {
	return s.closeRequest(ctx, p, branchID, requestID, RequestCancelled, reason)
}

func (s *Service) RejectRequest(ctx context.Context, p auth.Principal, branchID, requestID uuid.UUID, reason string) (*BloodRequest, error) {
	return s.closeRequest(ctx, p, branchID, requestID, RequestRejected, reason)
}

func (s *Service) closeRequest(ctx context.Context, p auth.Principal, branchID, requestID uuid.UUID, to RequestStatus, reason string) (*BloodRequest, error) {
	if reason == "" {
		return nil, invalid("reason is required")
	}
	var out *BloodRequest
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		r, err := s.requestAt(ctx, fx.branchID, requestID)
		if err != nil {
			return err
		}
		if r.Status.Terminal() || r.Status == RequestIssued {
			return conflict("request %s is %s", r.RequestNumber, r.Status)
		}
		xms, err := s.store.ListCrossMatches(ctx, r.ID)
		if err != nil {
			return err
		}
		for _, xm := range xms {
			if xm.Result != XMCompatible {
				continue
			}
			u, err := s.store.GetUnit(ctx, xm.UnitID)
			if err != nil {
				return err
			}
			if u.Status != StatusCrossMatched {
				continue
			}
			if err := s.transition(ctx, fx, u, EventUnreserve); err != nil {
				return err
			}
		}
		if err := s.setRequestStatus(ctx, fx, r, to, reason); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) setRequestStatus(ctx context.Context, fx *Effects, r *BloodRequest, to RequestStatus, reason string) error {
	from := r.Status
	r.Status = to
	r.StatusReason = reason
	r.UpdatedAt = s.now()
	if err := s.store.UpdateRequest(ctx, r); err != nil {
		return err
	}
	fx.Audit(ActionRequestUpdated, EntityRequest, r.ID, map[string]any{"from": from, "to": to, "reason": reason})
	return nil
}

// completeIfClosed completes an ISSUED request once every issue under it is
// closed.
func (s *Service) completeIfClosed(ctx context.Context, fx *Effects, requestID uuid.UUID) error {
	r, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if r.Status != RequestIssued {
		return nil
	}
	issues, err := s.store.ListIssuesForRequest(ctx, r.ID)
	if err != nil {
		return err
	}
	for _, i := range issues {
		if i.ClosedAt == nil {
			return nil
		}
	}
	return s.setRequestStatus(ctx, fx, r, RequestCompleted, "")
}

// RequestDetail is a request with its latest sample, cross-matches and
// issues.
type RequestDetail struct {
	BloodRequest
	Sample       *PatientSample `json:"sample,omitempty"`
	CrossMatches []CrossMatch   `json:"cross_matches"`
	Issues       []BloodIssue   `json:"issues"`
}

func (s *Service) GetRequest(ctx context.Context, p auth.Principal, branchID, requestID uuid.UUID) (*RequestDetail, error) {
	branchID, err := auth.ResolveBranchID(p, branchID)
	if err != nil {
		return nil, err
	}
	r, err := s.requestAt(ctx, branchID, requestID)
	if err != nil {
		return nil, err
	}
	d := &RequestDetail{BloodRequest: *r}
	if d.Sample, err = s.store.LatestSample(ctx, r.ID); err != nil {
		return nil, err
	}
	if d.CrossMatches, err = s.store.ListCrossMatches(ctx, r.ID); err != nil {
		return nil, err
	}
	if d.Issues, err = s.store.ListIssuesForRequest(ctx, r.ID); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) ListRequests(ctx context.Context, p auth.Principal, branchID uuid.UUID, status RequestStatus, limit, offset int) ([]BloodRequest, error) {
	branchID, err := auth.ResolveBranchID(p, branchID)
	if err != nil {
		return nil, err
	}
	return s.store.ListRequests(ctx, branchID, status, limit, offset)
}
