package bloodbank

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UnitFilter narrows unit listings. Zero values match everything.
type UnitFilter struct {
	BranchID  uuid.UUID
	Status    UnitStatus
	Component ComponentType
	Group     BloodGroup
	DonorID   *uuid.UUID
	Limit     int
	Offset    int
}

// FEFOKey is a keyset position in FEFO order.
type FEFOKey struct {
	Expiry    time.Time `json:"e"`
	CreatedAt time.Time `json:"c"`
	Seq       int64     `json:"s"`
}

func keyOf(u BloodUnit) FEFOKey {
	k := FEFOKey{CreatedAt: u.CreatedAt, Seq: u.Seq}
	if u.ExpiryDate != nil {
		k.Expiry = *u.ExpiryDate
	}
	return k
}

// Less orders by expiry, then creation, then insertion sequence.
func (k FEFOKey) Less(o FEFOKey) bool {
	if !k.Expiry.Equal(o.Expiry) {
		return k.Expiry.Before(o.Expiry)
	}
	if !k.CreatedAt.Equal(o.CreatedAt) {
		return k.CreatedAt.Before(o.CreatedAt)
	}
	return k.Seq < o.Seq
}

// CandidateQuery selects AVAILABLE, unexpired units in FEFO order strictly
// after After (when set).
type CandidateQuery struct {
	BranchID  uuid.UUID
	Component ComponentType
	Groups    []BloodGroup
	Now       time.Time
	After     *FEFOKey
	Limit     int
}

type UnitRepository interface {
	CreateUnit(ctx context.Context, u *BloodUnit) error
	GetUnit(ctx context.Context, id uuid.UUID) (*BloodUnit, error)
	// UpdateUnit writes every column except status.
	UpdateUnit(ctx context.Context, u *BloodUnit) error
	// CASUnitStatus moves the unit to `to` only while it is in `from`. It
	// reports false when another writer got there first.
	CASUnitStatus(ctx context.Context, id uuid.UUID, from, to UnitStatus) (bool, error)
	ListUnits(ctx context.Context, f UnitFilter) ([]BloodUnit, error)
	ListChildUnits(ctx context.Context, parentID uuid.UUID) ([]BloodUnit, error)
	FEFOCandidates(ctx context.Context, q CandidateQuery) ([]BloodUnit, error)
	// ListSeparationOverdue returns multi-bag units in COLLECTED or TESTING
	// created before cutoff that have no children.
	ListSeparationOverdue(ctx context.Context, branchID uuid.UUID, cutoff time.Time) ([]BloodUnit, error)
}

type TestingRepository interface {
	CreateGrouping(ctx context.Context, g *GroupingResult) error
	GetGrouping(ctx context.Context, id uuid.UUID) (*GroupingResult, error)
	UpdateGrouping(ctx context.Context, g *GroupingResult) error
	ListGroupings(ctx context.Context, unitID uuid.UUID) ([]GroupingResult, error)

	CreateTTI(ctx context.Context, t *TTITestRecord) error
	GetTTI(ctx context.Context, id uuid.UUID) (*TTITestRecord, error)
	UpdateTTI(ctx context.Context, t *TTITestRecord) error
	ListTTI(ctx context.Context, unitID uuid.UUID) ([]TTITestRecord, error)
}

type ColdChainRepository interface {
	CreateEquipment(ctx context.Context, e *Equipment) error
	GetEquipment(ctx context.Context, id uuid.UUID) (*Equipment, error)
	UpdateEquipment(ctx context.Context, e *Equipment) error
	ListEquipment(ctx context.Context, branchID uuid.UUID) ([]Equipment, error)

	CreateSlot(ctx context.Context, s *InventorySlot) error
	// GetActiveSlot returns nil, nil when the unit is not slotted.
	GetActiveSlot(ctx context.Context, unitID uuid.UUID) (*InventorySlot, error)
	CloseSlot(ctx context.Context, id uuid.UUID, at time.Time) error

	CreateTempLog(ctx context.Context, l *TempLog) error
	GetTempLog(ctx context.Context, id uuid.UUID) (*TempLog, error)
	UpdateTempLog(ctx context.Context, l *TempLog) error
	ListOpenBreaches(ctx context.Context, equipmentID uuid.UUID) ([]TempLog, error)
}

type TransferRepository interface {
	CreateTransfer(ctx context.Context, t *UnitTransfer) error
	GetTransfer(ctx context.Context, id uuid.UUID) (*UnitTransfer, error)
	UpdateTransfer(ctx context.Context, t *UnitTransfer) error
}

type RequestRepository interface {
	CreateRequest(ctx context.Context, r *BloodRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (*BloodRequest, error)
	UpdateRequest(ctx context.Context, r *BloodRequest) error
	ListRequests(ctx context.Context, branchID uuid.UUID, status RequestStatus, limit, offset int) ([]BloodRequest, error)

	CreateSample(ctx context.Context, s *PatientSample) error
	GetSample(ctx context.Context, id uuid.UUID) (*PatientSample, error)
	UpdateSample(ctx context.Context, s *PatientSample) error
	// LatestSample returns the newest sample for the request, typed or not,
	// or nil, nil when none was received.
	LatestSample(ctx context.Context, requestID uuid.UUID) (*PatientSample, error)
}

type CrossMatchRepository interface {
	CreateCrossMatch(ctx context.Context, x *CrossMatch) error
	GetCrossMatch(ctx context.Context, id uuid.UUID) (*CrossMatch, error)
	UpdateCrossMatch(ctx context.Context, x *CrossMatch) error
	ListCrossMatches(ctx context.Context, requestID uuid.UUID) ([]CrossMatch, error)
}

type IssueRepository interface {
	// CreateIssue fails with ErrStateConflict when the cross-match already
	// has an issue.
	CreateIssue(ctx context.Context, i *BloodIssue) error
	GetIssue(ctx context.Context, id uuid.UUID) (*BloodIssue, error)
	UpdateIssue(ctx context.Context, i *BloodIssue) error
	CASIssueStatus(ctx context.Context, id uuid.UUID, from, to IssueStatus) (bool, error)
	ListIssuesForRequest(ctx context.Context, requestID uuid.UUID) ([]BloodIssue, error)
	ListIssuesForSession(ctx context.Context, sessionID uuid.UUID) ([]BloodIssue, error)
}

type TransfusionRepository interface {
	CreateTransfusion(ctx context.Context, t *TransfusionRecord) error
	// GetTransfusionByIssue returns nil, nil before bedside verification.
	GetTransfusionByIssue(ctx context.Context, issueID uuid.UUID) (*TransfusionRecord, error)
	UpdateTransfusion(ctx context.Context, t *TransfusionRecord) error
	// AppendVitals adds an entry to one bucket while the transfusion has not
	// ended and has no reaction. It reports false otherwise.
	AppendVitals(ctx context.Context, id uuid.UUID, bucket VitalsBucket, e VitalsEntry) (bool, error)

	CreateReaction(ctx context.Context, r *TransfusionReaction) error
	GetReaction(ctx context.Context, id uuid.UUID) (*TransfusionReaction, error)
	UpdateReaction(ctx context.Context, r *TransfusionReaction) error
	ListReactionsForTransfusion(ctx context.Context, transfusionID uuid.UUID) ([]TransfusionReaction, error)
	ListPatientReactions(ctx context.Context, patientID uuid.UUID) ([]TransfusionReaction, error)
}

type MTPRepository interface {
	CreateMTPSession(ctx context.Context, m *MTPSession) error
	GetMTPSession(ctx context.Context, id uuid.UUID) (*MTPSession, error)
	UpdateMTPSession(ctx context.Context, m *MTPSession) error
	// ActiveMTPForPatient returns nil, nil when the patient has no active session.
	ActiveMTPForPatient(ctx context.Context, branchID, patientID uuid.UUID) (*MTPSession, error)
}

type LookbackRepository interface {
	CreateLookback(ctx context.Context, l *LookbackCase) error
	GetLookback(ctx context.Context, id uuid.UUID) (*LookbackCase, error)
	UpdateLookback(ctx context.Context, l *LookbackCase) error
	ListLookbacks(ctx context.Context, branchID uuid.UUID, status LookbackStatus, limit, offset int) ([]LookbackCase, error)
	// CountLookbacksOn counts cases opened at the branch on the UTC day of at.
	CountLookbacksOn(ctx context.Context, branchID uuid.UUID, at time.Time) (int, error)
}

// Store is the full persistence surface of the engine. Implementations
// resolve their connection from the context so every call made inside
// TxRunner.RunInTx joins that transaction.
type Store interface {
	UnitRepository
	TestingRepository
	ColdChainRepository
	TransferRepository
	RequestRepository
	CrossMatchRepository
	IssueRepository
	TransfusionRepository
	MTPRepository
	LookbackRepository
}
