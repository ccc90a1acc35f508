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

type ActivateMTPInput struct {
	PatientID  uuid.UUID  `json:"patient_id"`
	Ratio      *PackRatio `json:"ratio"`
	Indication string     `json:"indication"`
	// PatientGroup is the patient's confirmed group when already known. Packs
	// still follow the protocol groups; the group is checked at the bedside.
	PatientGroup BloodGroup `json:"patient_group"`
}

// ActivateMTP opens a massive transfusion session. A patient has at most one
// ACTIVE session per branch.
func (s *Service) ActivateMTP(ctx context.Context, p auth.Principal, branchID uuid.UUID, in ActivateMTPInput) (*MTPSession, error) {
	if in.PatientID == uuid.Nil {
		return nil, invalid("patient_id is required")
	}
	ratio := DefaultPackRatio
	if in.Ratio != nil {
		ratio = *in.Ratio
	}
	if !ratio.Valid() {
		return nil, invalid("pack ratio must be non-negative with at least one unit")
	}
	if in.PatientGroup != "" && !in.PatientGroup.Valid() {
		return nil, invalid("patient_group %q is not recognised", in.PatientGroup)
	}
	var out *MTPSession
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		active, err := s.store.ActiveMTPForPatient(ctx, fx.branchID, in.PatientID)
		if err != nil {
			return err
		}
		if active != nil {
			return conflict("patient already has active MTP session %s", active.ID)
		}
		m := &MTPSession{
			ID:           uuid.New(),
			BranchID:     fx.branchID,
			PatientID:    in.PatientID,
			PatientGroup: in.PatientGroup,
			Status:       MTPActive,
			Ratio:        ratio,
			Indication:   in.Indication,
			ActivatedBy:  p.UserID,
			ActivatedAt:  s.now(),
		}
		if err := s.store.CreateMTPSession(ctx, m); err != nil {
			return err
		}
		fx.Audit(ActionMTPActivated, EntityMTP, m.ID, map[string]any{
			"patient_id": m.PatientID,
			"ratio":      m.Ratio,
		})
		fx.Notify(notification.SeverityCritical, "MTP activated",
			fmt.Sprintf("Massive transfusion protocol activated, pack %d PRBC / %d FFP / %d platelets",
				ratio.PRBC, ratio.FFP, ratio.Platelets),
			EntityMTP, m.ID, "mtp")
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PackInput overrides the session ratio per component for one release.
type PackInput struct {
	PRBC           *int     `json:"prbc"`
	FFP            *int     `json:"ffp"`
	Platelets      *int     `json:"platelets"`
	IssuedTo       string   `json:"issued_to"`
	TransportTempC *float64 `json:"transport_temp_c"`
}

func (in PackInput) counts(ratio PackRatio) (PackRatio, error) {
	out := ratio
	if in.PRBC != nil {
		out.PRBC = *in.PRBC
	}
	if in.FFP != nil {
		out.FFP = *in.FFP
	}
	if in.Platelets != nil {
		out.Platelets = *in.Platelets
	}
	if !out.Valid() {
		return out, invalid("pack counts must be non-negative with at least one unit")
	}
	return out, nil
}

// PackRelease is the result of one MTP release: the per-component requests
// and every issue created under them.
type PackRelease struct {
	Session  MTPSession     `json:"session"`
	Requests []BloodRequest `json:"requests"`
	Issues   []BloodIssue   `json:"issues"`
}

type packLine struct {
	components []ComponentType
	quantity   int
}

// ReleasePack allocates and issues one MTP pack. Each component is allocated
// on its own and gets its own request; a shortfall in any component releases
// nothing.
func (s *Service) ReleasePack(ctx context.Context, p auth.Principal, branchID, sessionID uuid.UUID, in PackInput) (out *PackRelease, err error) {
	if in.IssuedTo == "" {
		return nil, invalid("issued_to is required")
	}
	ctx, span := telemetry.StartSpan(ctx, "bloodbank.mtp.release", attribute.String("mtp_session_id", sessionID.String()))
	defer func() { telemetry.EndSpan(span, err) }()

	err = s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		m, err := s.sessionAt(ctx, fx.branchID, sessionID)
		if err != nil {
			return err
		}
		if m.Status != MTPActive {
			return conflict("MTP session %s is %s", m.ID, m.Status)
		}
		n, err := in.counts(m.Ratio)
		if err != nil {
			return err
		}
		lines := []packLine{
			{[]ComponentType{ComponentPRBC}, n.PRBC},
			{[]ComponentType{ComponentFFP}, n.FFP},
			{[]ComponentType{ComponentPlateletSDP, ComponentPlateletRDP}, n.Platelets},
		}

		rel := &PackRelease{Requests: []BloodRequest{}, Issues: []BloodIssue{}}
		for _, l := range lines {
			if l.quantity == 0 {
				continue
			}
			units, err := s.allocate(ctx, fx, allocation{
				Components: l.components,
				Groups:     ProtocolGroups,
				Quantity:   l.quantity,
				Entity:     EntityMTP,
				EntityID:   m.ID,
			})
			if err != nil {
				return err
			}
			// Platelets may come back as a mix of single- and random-donor
			// units; each component gets its own request.
			byComponent := map[ComponentType][]BloodUnit{}
			for _, u := range units {
				byComponent[u.Component] = append(byComponent[u.Component], u)
			}
			for _, c := range l.components {
				if len(byComponent[c]) == 0 {
					continue
				}
				r, issues, err := s.issuePackLine(ctx, fx, m, c, byComponent[c], in)
				if err != nil {
					return err
				}
				rel.Requests = append(rel.Requests, *r)
				rel.Issues = append(rel.Issues, issues...)
			}
		}

		m.PacksReleased++
		if err := s.store.UpdateMTPSession(ctx, m); err != nil {
			return err
		}
		fx.Audit(ActionMTPPackReleased, EntityMTP, m.ID, map[string]any{
			"pack":     m.PacksReleased,
			"prbc":     n.PRBC,
			"ffp":      n.FFP,
			"platelet": n.Platelets,
			"issues":   len(rel.Issues),
		})
		fx.Notify(notification.SeverityCritical, "MTP pack released",
			fmt.Sprintf("Pack %d released: %d unit(s) to %s", m.PacksReleased, len(rel.Issues), in.IssuedTo),
			EntityMTP, m.ID, "mtp")
		rel.Session = *m
		out = rel
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// issuePackLine records one component of a pack as an already-issued MTP
// request and hands each unit over against it.
func (s *Service) issuePackLine(ctx context.Context, fx *Effects, m *MTPSession, c ComponentType, units []BloodUnit, in PackInput) (*BloodRequest, []BloodIssue, error) {
	now := s.now()
	r := &BloodRequest{
		ID:            uuid.New(),
		BranchID:      fx.branchID,
		RequestNumber: newNumber("BR", now),
		PatientID:     m.PatientID,
		Component:     c,
		Quantity:      len(units),
		IssuedCount:   len(units),
		Urgency:       UrgencyMTP,
		Status:        RequestIssued,
		Indication:    m.Indication,
		RequestedBy:   fx.actor.UserID,
		MTPSessionID:  &m.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateRequest(ctx, r); err != nil {
		return nil, nil, err
	}
	fx.Audit(ActionRequestCreated, EntityRequest, r.ID, map[string]any{
		"request_number": r.RequestNumber,
		"component":      c,
		"quantity":       r.Quantity,
		"urgency":        r.Urgency,
		"mtp_session_id": m.ID,
	})
	issues := make([]BloodIssue, 0, len(units))
	for i := range units {
		issue, err := s.handOver(ctx, fx, &units[i], r, handOver{
			issuedTo:       in.IssuedTo,
			transportTempC: in.TransportTempC,
			emergency:      true,
			sessionID:      &m.ID,
		})
		if err != nil {
			return nil, nil, err
		}
		issues = append(issues, *issue)
	}
	return r, issues, nil
}

func (s *Service) DeactivateMTP(ctx context.Context, p auth.Principal, branchID, sessionID uuid.UUID) (*MTPSession, error) {
	var out *MTPSession
	err := s.exec(ctx, p, branchID, func(ctx context.Context, fx *Effects) error {
		m, err := s.sessionAt(ctx, fx.branchID, sessionID)
		if err != nil {
			return err
		}
		if m.Status != MTPActive {
			return conflict("MTP session %s is already %s", m.ID, m.Status)
		}
		now := s.now()
		m.Status = MTPDeactivated
		m.DeactivatedBy = ptr(p.UserID)
		m.DeactivatedAt = ptr(now)
		if err := s.store.UpdateMTPSession(ctx, m); err != nil {
			return err
		}
		fx.Audit(ActionMTPDeactivated, EntityMTP, m.ID, map[string]any{
			"packs_released": m.PacksReleased,
			"duration_min":   int(now.Sub(m.ActivatedAt).Minutes()),
		})
		fx.Notify(notification.SeverityInfo, "MTP deactivated",
			fmt.Sprintf("Massive transfusion protocol ended after %d pack(s)", m.PacksReleased),
			EntityMTP, m.ID, "mtp")
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MTPDetail is a session with every issue released under it.
type MTPDetail struct {
	MTPSession
	Issues []BloodIssue `json:"issues"`
}

func (s *Service) GetMTP(ctx context.Context, p auth.Principal, branchID, sessionID uuid.UUID) (*MTPDetail, error) {
	branchID, err := auth.ResolveBranchID(p, branchID)
	if err != nil {
		return nil, err
	}
	m, err := s.sessionAt(ctx, branchID, sessionID)
	if err != nil {
		return nil, err
	}
	issues, err := s.store.ListIssuesForSession(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	if issues == nil {
		issues = []BloodIssue{}
	}
	return &MTPDetail{MTPSession: *m, Issues: issues}, nil
}
