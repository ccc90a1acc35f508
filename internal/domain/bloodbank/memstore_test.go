package bloodbank

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memState is every table of the in-memory store. Values are stored by copy
// so callers never share memory with the store.
type memState struct {
	seq          int64
	units        map[uuid.UUID]BloodUnit
	groupings    map[uuid.UUID]GroupingResult
	ttis         map[uuid.UUID]TTITestRecord
	equipment    map[uuid.UUID]Equipment
	slots        map[uuid.UUID]InventorySlot
	tempLogs     map[uuid.UUID]TempLog
	transfers    map[uuid.UUID]UnitTransfer
	requests     map[uuid.UUID]BloodRequest
	samples      map[uuid.UUID]PatientSample
	crossMatches map[uuid.UUID]CrossMatch
	issues       map[uuid.UUID]BloodIssue
	transfusions map[uuid.UUID]TransfusionRecord
	reactions    map[uuid.UUID]TransfusionReaction
	sessions     map[uuid.UUID]MTPSession
	lookbacks    map[uuid.UUID]LookbackCase
}

func (s memState) clone() memState {
	return memState{
		seq:          s.seq,
		units:        maps.Clone(s.units),
		groupings:    maps.Clone(s.groupings),
		ttis:         maps.Clone(s.ttis),
		equipment:    maps.Clone(s.equipment),
		slots:        maps.Clone(s.slots),
		tempLogs:     maps.Clone(s.tempLogs),
		transfers:    maps.Clone(s.transfers),
		requests:     maps.Clone(s.requests),
		samples:      maps.Clone(s.samples),
		crossMatches: maps.Clone(s.crossMatches),
		issues:       maps.Clone(s.issues),
		transfusions: maps.Clone(s.transfusions),
		reactions:    maps.Clone(s.reactions),
		sessions:     maps.Clone(s.sessions),
		lookbacks:    maps.Clone(s.lookbacks),
	}
}

type memStore struct {
	mu sync.Mutex
	memState
}

func newMemStore() *memStore {
	return &memStore{memState: memState{
		units:        map[uuid.UUID]BloodUnit{},
		groupings:    map[uuid.UUID]GroupingResult{},
		ttis:         map[uuid.UUID]TTITestRecord{},
		equipment:    map[uuid.UUID]Equipment{},
		slots:        map[uuid.UUID]InventorySlot{},
		tempLogs:     map[uuid.UUID]TempLog{},
		transfers:    map[uuid.UUID]UnitTransfer{},
		requests:     map[uuid.UUID]BloodRequest{},
		samples:      map[uuid.UUID]PatientSample{},
		crossMatches: map[uuid.UUID]CrossMatch{},
		issues:       map[uuid.UUID]BloodIssue{},
		transfusions: map[uuid.UUID]TransfusionRecord{},
		reactions:    map[uuid.UUID]TransfusionReaction{},
		sessions:     map[uuid.UUID]MTPSession{},
		lookbacks:    map[uuid.UUID]LookbackCase{},
	}}
}

// memTx gives the in-memory store transaction semantics: one transaction at
// a time, state restored on error, nested calls join the open one.
type memTx struct {
	mu    sync.Mutex
	store *memStore
}

type memTxKey struct{}

func (t *memTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.store.mu.Lock()
	saved := t.store.memState.clone()
	t.store.mu.Unlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		t.store.mu.Lock()
		t.store.memState = saved
		t.store.mu.Unlock()
		return err
	}
	return nil
}

func memGet[T any](mu *sync.Mutex, m map[uuid.UUID]T, id uuid.UUID, entity string) (*T, error) {
	mu.Lock()
	defer mu.Unlock()
	v, ok := m[id]
	if !ok {
		return nil, notFound(entity, id)
	}
	return &v, nil
}

func memPut[T any](mu *sync.Mutex, m map[uuid.UUID]T, id uuid.UUID, v T, mustExist bool, entity string) error {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := m[id]; mustExist && !ok {
		return notFound(entity, id)
	}
	m[id] = v
	return nil
}

func memFilter[T any](mu *sync.Mutex, m map[uuid.UUID]T, keep func(T) bool, less func(a, b T) bool) []T {
	mu.Lock()
	defer mu.Unlock()
	out := []T{}
	for _, v := range m {
		if keep(v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func memPage[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// -- Units --

func (m *memStore) CreateUnit(_ context.Context, u *BloodUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	u.Seq = m.seq
	stored := *u
	stored.Groupings, stored.TTITests, stored.Slot = nil, nil, nil
	m.units[u.ID] = stored
	return nil
}

func (m *memStore) GetUnit(_ context.Context, id uuid.UUID) (*BloodUnit, error) {
	return memGet(&m.mu, m.units, id, "blood unit")
}

func (m *memStore) UpdateUnit(_ context.Context, u *BloodUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.units[u.ID]
	if !ok {
		return notFound("blood unit", u.ID)
	}
	next := *u
	next.Status = cur.Status
	next.Seq = cur.Seq
	next.Groupings, next.TTITests, next.Slot = nil, nil, nil
	m.units[u.ID] = next
	return nil
}

func (m *memStore) CASUnitStatus(_ context.Context, id uuid.UUID, from, to UnitStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok || u.Status != from {
		return false, nil
	}
	u.Status = to
	m.units[id] = u
	return true, nil
}

func (m *memStore) ListUnits(_ context.Context, f UnitFilter) ([]BloodUnit, error) {
	units := memFilter(&m.mu, m.units, func(u BloodUnit) bool {
		return u.BranchID == f.BranchID &&
			(f.Status == "" || u.Status == f.Status) &&
			(f.Component == "" || u.Component == f.Component) &&
			(f.Group == "" || u.BloodGroup == f.Group) &&
			(f.DonorID == nil || u.DonorID != nil && *u.DonorID == *f.DonorID)
	}, func(a, b BloodUnit) bool { return a.Seq > b.Seq })
	return memPage(units, f.Limit, f.Offset), nil
}

func (m *memStore) ListChildUnits(_ context.Context, parentID uuid.UUID) ([]BloodUnit, error) {
	return memFilter(&m.mu, m.units, func(u BloodUnit) bool {
		return u.ParentUnitID != nil && *u.ParentUnitID == parentID
	}, func(a, b BloodUnit) bool { return a.Seq < b.Seq }), nil
}

func (m *memStore) FEFOCandidates(_ context.Context, q CandidateQuery) ([]BloodUnit, error) {
	units := memFilter(&m.mu, m.units, func(u BloodUnit) bool {
		if u.BranchID != q.BranchID || u.Component != q.Component || u.Status != StatusAvailable {
			return false
		}
		if u.ExpiryDate == nil || !u.ExpiryDate.After(q.Now) {
			return false
		}
		if q.Groups != nil && !slices.Contains(q.Groups, u.BloodGroup) {
			return false
		}
		return q.After == nil || q.After.Less(keyOf(u))
	}, func(a, b BloodUnit) bool { return keyOf(a).Less(keyOf(b)) })
	return memPage(units, q.Limit, 0), nil
}

func (m *memStore) ListSeparationOverdue(_ context.Context, branchID uuid.UUID, cutoff time.Time) ([]BloodUnit, error) {
	m.mu.Lock()
	parents := map[uuid.UUID]bool{}
	for _, u := range m.units {
		if u.ParentUnitID != nil {
			parents[*u.ParentUnitID] = true
		}
	}
	m.mu.Unlock()
	return memFilter(&m.mu, m.units, func(u BloodUnit) bool {
		return u.BranchID == branchID && u.BagType != BagSingle &&
			(u.Status == StatusCollected || u.Status == StatusTesting) &&
			u.CreatedAt.Before(cutoff) && !parents[u.ID]
	}, func(a, b BloodUnit) bool { return a.CreatedAt.Before(b.CreatedAt) }), nil
}

// -- Testing --

func (m *memStore) CreateGrouping(_ context.Context, g *GroupingResult) error {
	return memPut(&m.mu, m.groupings, g.ID, *g, false, "grouping result")
}

func (m *memStore) GetGrouping(_ context.Context, id uuid.UUID) (*GroupingResult, error) {
	return memGet(&m.mu, m.groupings, id, "grouping result")
}

func (m *memStore) UpdateGrouping(_ context.Context, g *GroupingResult) error {
	return memPut(&m.mu, m.groupings, g.ID, *g, true, "grouping result")
}

func (m *memStore) ListGroupings(_ context.Context, unitID uuid.UUID) ([]GroupingResult, error) {
	return memFilter(&m.mu, m.groupings, func(g GroupingResult) bool { return g.UnitID == unitID },
		func(a, b GroupingResult) bool { return a.CreatedAt.Before(b.CreatedAt) }), nil
}

func (m *memStore) CreateTTI(_ context.Context, t *TTITestRecord) error {
	return memPut(&m.mu, m.ttis, t.ID, *t, false, "TTI test record")
}

func (m *memStore) GetTTI(_ context.Context, id uuid.UUID) (*TTITestRecord, error) {
	return memGet(&m.mu, m.ttis, id, "TTI test record")
}

func (m *memStore) UpdateTTI(_ context.Context, t *TTITestRecord) error {
	return memPut(&m.mu, m.ttis, t.ID, *t, true, "TTI test record")
}

func (m *memStore) ListTTI(_ context.Context, unitID uuid.UUID) ([]TTITestRecord, error) {
	return memFilter(&m.mu, m.ttis, func(t TTITestRecord) bool { return t.UnitID == unitID },
		func(a, b TTITestRecord) bool { return a.TestedAt.Before(b.TestedAt) }), nil
}

// -- Cold chain --

func (m *memStore) CreateEquipment(_ context.Context, e *Equipment) error {
	return memPut(&m.mu, m.equipment, e.ID, *e, false, "equipment")
}

func (m *memStore) GetEquipment(_ context.Context, id uuid.UUID) (*Equipment, error) {
	return memGet(&m.mu, m.equipment, id, "equipment")
}

func (m *memStore) UpdateEquipment(_ context.Context, e *Equipment) error {
	return memPut(&m.mu, m.equipment, e.ID, *e, true, "equipment")
}

func (m *memStore) ListEquipment(_ context.Context, branchID uuid.UUID) ([]Equipment, error) {
	return memFilter(&m.mu, m.equipment, func(e Equipment) bool { return e.BranchID == branchID },
		func(a, b Equipment) bool { return a.Name < b.Name }), nil
}

func (m *memStore) CreateSlot(_ context.Context, s *InventorySlot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.slots {
		if cur.UnitID == s.UnitID && cur.RemovedAt == nil {
			return conflict("unit %s is already slotted", s.UnitID)
		}
	}
	m.slots[s.ID] = *s
	return nil
}

func (m *memStore) GetActiveSlot(_ context.Context, unitID uuid.UUID) (*InventorySlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		if s.UnitID == unitID && s.RemovedAt == nil {
			return &s, nil
		}
	}
	return nil, nil
}

func (m *memStore) CloseSlot(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[id]; ok && s.RemovedAt == nil {
		s.RemovedAt = &at
		m.slots[id] = s
	}
	return nil
}

func (m *memStore) CreateTempLog(_ context.Context, l *TempLog) error {
	return memPut(&m.mu, m.tempLogs, l.ID, *l, false, "temperature log")
}

func (m *memStore) GetTempLog(_ context.Context, id uuid.UUID) (*TempLog, error) {
	return memGet(&m.mu, m.tempLogs, id, "temperature log")
}

func (m *memStore) UpdateTempLog(_ context.Context, l *TempLog) error {
	return memPut(&m.mu, m.tempLogs, l.ID, *l, true, "temperature log")
}

func (m *memStore) ListOpenBreaches(_ context.Context, equipmentID uuid.UUID) ([]TempLog, error) {
	return memFilter(&m.mu, m.tempLogs, func(l TempLog) bool {
		return l.EquipmentID == equipmentID && l.IsBreach && l.AcknowledgedAt == nil
	}, func(a, b TempLog) bool { return a.RecordedAt.Before(b.RecordedAt) }), nil
}

// -- Transfers --

func (m *memStore) CreateTransfer(_ context.Context, t *UnitTransfer) error {
	return memPut(&m.mu, m.transfers, t.ID, *t, false, "unit transfer")
}

func (m *memStore) GetTransfer(_ context.Context, id uuid.UUID) (*UnitTransfer, error) {
	return memGet(&m.mu, m.transfers, id, "unit transfer")
}

func (m *memStore) UpdateTransfer(_ context.Context, t *UnitTransfer) error {
	return memPut(&m.mu, m.transfers, t.ID, *t, true, "unit transfer")
}

// -- Requests --

func (m *memStore) CreateRequest(_ context.Context, r *BloodRequest) error {
	return memPut(&m.mu, m.requests, r.ID, *r, false, "blood request")
}

func (m *memStore) GetRequest(_ context.Context, id uuid.UUID) (*BloodRequest, error) {
	return memGet(&m.mu, m.requests, id, "blood request")
}

func (m *memStore) UpdateRequest(_ context.Context, r *BloodRequest) error {
	return memPut(&m.mu, m.requests, r.ID, *r, true, "blood request")
}

func (m *memStore) ListRequests(_ context.Context, branchID uuid.UUID, status RequestStatus, limit, offset int) ([]BloodRequest, error) {
	items := memFilter(&m.mu, m.requests, func(r BloodRequest) bool {
		return r.BranchID == branchID && (status == "" || r.Status == status)
	}, func(a, b BloodRequest) bool { return a.CreatedAt.After(b.CreatedAt) })
	return memPage(items, limit, offset), nil
}

func (m *memStore) CreateSample(_ context.Context, s *PatientSample) error {
	return memPut(&m.mu, m.samples, s.ID, *s, false, "patient sample")
}

func (m *memStore) GetSample(_ context.Context, id uuid.UUID) (*PatientSample, error) {
	return memGet(&m.mu, m.samples, id, "patient sample")
}

func (m *memStore) UpdateSample(_ context.Context, s *PatientSample) error {
	return memPut(&m.mu, m.samples, s.ID, *s, true, "patient sample")
}

func (m *memStore) LatestSample(_ context.Context, requestID uuid.UUID) (*PatientSample, error) {
	items := memFilter(&m.mu, m.samples, func(s PatientSample) bool { return s.RequestID == requestID },
		func(a, b PatientSample) bool { return a.CreatedAt.After(b.CreatedAt) })
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// -- Cross-match --

func (m *memStore) CreateCrossMatch(_ context.Context, x *CrossMatch) error {
	return memPut(&m.mu, m.crossMatches, x.ID, *x, false, "cross-match")
}

func (m *memStore) GetCrossMatch(_ context.Context, id uuid.UUID) (*CrossMatch, error) {
	return memGet(&m.mu, m.crossMatches, id, "cross-match")
}

func (m *memStore) UpdateCrossMatch(_ context.Context, x *CrossMatch) error {
	return memPut(&m.mu, m.crossMatches, x.ID, *x, true, "cross-match")
}

func (m *memStore) ListCrossMatches(_ context.Context, requestID uuid.UUID) ([]CrossMatch, error) {
	return memFilter(&m.mu, m.crossMatches, func(x CrossMatch) bool { return x.RequestID == requestID },
		func(a, b CrossMatch) bool { return a.CreatedAt.Before(b.CreatedAt) }), nil
}

// -- Issues --

func (m *memStore) CreateIssue(_ context.Context, i *BloodIssue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i.CrossMatchID != nil {
		for _, cur := range m.issues {
			if cur.CrossMatchID != nil && *cur.CrossMatchID == *i.CrossMatchID {
				return conflict("cross-match %s already has an issue", *i.CrossMatchID)
			}
		}
	}
	m.issues[i.ID] = *i
	return nil
}

func (m *memStore) GetIssue(_ context.Context, id uuid.UUID) (*BloodIssue, error) {
	return memGet(&m.mu, m.issues, id, "blood issue")
}

func (m *memStore) UpdateIssue(_ context.Context, i *BloodIssue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.issues[i.ID]
	if !ok {
		return notFound("blood issue", i.ID)
	}
	cur.ReturnedAt, cur.ReturnReason, cur.ClosedAt = i.ReturnedAt, i.ReturnReason, i.ClosedAt
	m.issues[i.ID] = cur
	return nil
}

func (m *memStore) CASIssueStatus(_ context.Context, id uuid.UUID, from, to IssueStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.issues[id]
	if !ok || i.Status != from {
		return false, nil
	}
	i.Status = to
	m.issues[id] = i
	return true, nil
}

func (m *memStore) ListIssuesForRequest(_ context.Context, requestID uuid.UUID) ([]BloodIssue, error) {
	return memFilter(&m.mu, m.issues, func(i BloodIssue) bool { return i.RequestID == requestID },
		func(a, b BloodIssue) bool { return a.IssuedAt.Before(b.IssuedAt) }), nil
}

func (m *memStore) ListIssuesForSession(_ context.Context, sessionID uuid.UUID) ([]BloodIssue, error) {
	return memFilter(&m.mu, m.issues, func(i BloodIssue) bool {
		return i.MTPSessionID != nil && *i.MTPSessionID == sessionID
	}, func(a, b BloodIssue) bool { return a.IssuedAt.Before(b.IssuedAt) }), nil
}

// -- Transfusion --

func (m *memStore) CreateTransfusion(_ context.Context, t *TransfusionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.transfusions {
		if cur.IssueID == t.IssueID {
			return conflict("issue %s already has a transfusion record", t.IssueID)
		}
	}
	m.transfusions[t.ID] = *t
	return nil
}

func (m *memStore) GetTransfusionByIssue(_ context.Context, issueID uuid.UUID) (*TransfusionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transfusions {
		if t.IssueID == issueID {
			return &t, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdateTransfusion(_ context.Context, t *TransfusionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.transfusions[t.ID]
	if !ok {
		return notFound("transfusion record", t.ID)
	}
	next := *t
	next.HasReaction = cur.HasReaction || t.HasReaction
	next.PreVitals, next.Vitals15Min, next.Vitals30Min, next.Vitals1Hr =
		cur.PreVitals, cur.Vitals15Min, cur.Vitals30Min, cur.Vitals1Hr
	m.transfusions[t.ID] = next
	return nil
}

func (m *memStore) AppendVitals(_ context.Context, id uuid.UUID, bucket VitalsBucket, e VitalsEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfusions[id]
	if !ok || t.HasReaction || t.EndedAt != nil {
		return false, nil
	}
	switch bucket {
	case BucketPre:
		t.PreVitals = append(slices.Clone(t.PreVitals), e)
	case Bucket15Min:
		t.Vitals15Min = append(slices.Clone(t.Vitals15Min), e)
	case Bucket30Min:
		t.Vitals30Min = append(slices.Clone(t.Vitals30Min), e)
	case Bucket1Hr:
		t.Vitals1Hr = append(slices.Clone(t.Vitals1Hr), e)
	default:
		return false, invalid("unknown vitals bucket %q", bucket)
	}
	m.transfusions[id] = t
	return true, nil
}

func (m *memStore) CreateReaction(_ context.Context, r *TransfusionReaction) error {
	return memPut(&m.mu, m.reactions, r.ID, *r, false, "transfusion reaction")
}

func (m *memStore) GetReaction(_ context.Context, id uuid.UUID) (*TransfusionReaction, error) {
	return memGet(&m.mu, m.reactions, id, "transfusion reaction")
}

func (m *memStore) UpdateReaction(_ context.Context, r *TransfusionReaction) error {
	return memPut(&m.mu, m.reactions, r.ID, *r, true, "transfusion reaction")
}

func (m *memStore) ListReactionsForTransfusion(_ context.Context, transfusionID uuid.UUID) ([]TransfusionReaction, error) {
	return memFilter(&m.mu, m.reactions, func(r TransfusionReaction) bool { return r.TransfusionID == transfusionID },
		func(a, b TransfusionReaction) bool { return a.ReportedAt.Before(b.ReportedAt) }), nil
}

func (m *memStore) ListPatientReactions(_ context.Context, patientID uuid.UUID) ([]TransfusionReaction, error) {
	return memFilter(&m.mu, m.reactions, func(r TransfusionReaction) bool { return r.PatientID == patientID },
		func(a, b TransfusionReaction) bool { return a.ReportedAt.Before(b.ReportedAt) }), nil
}

// -- MTP --

func (m *memStore) CreateMTPSession(_ context.Context, s *MTPSession) error {
	return memPut(&m.mu, m.sessions, s.ID, *s, false, "MTP session")
}

func (m *memStore) GetMTPSession(_ context.Context, id uuid.UUID) (*MTPSession, error) {
	return memGet(&m.mu, m.sessions, id, "MTP session")
}

func (m *memStore) UpdateMTPSession(_ context.Context, s *MTPSession) error {
	return memPut(&m.mu, m.sessions, s.ID, *s, true, "MTP session")
}

func (m *memStore) ActiveMTPForPatient(_ context.Context, branchID, patientID uuid.UUID) (*MTPSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.BranchID == branchID && s.PatientID == patientID && s.Status == MTPActive {
			return &s, nil
		}
	}
	return nil, nil
}

// -- Look-back --

func (m *memStore) CreateLookback(_ context.Context, l *LookbackCase) error {
	return memPut(&m.mu, m.lookbacks, l.ID, *l, false, "look-back case")
}

func (m *memStore) GetLookback(_ context.Context, id uuid.UUID) (*LookbackCase, error) {
	return memGet(&m.mu, m.lookbacks, id, "look-back case")
}

func (m *memStore) UpdateLookback(_ context.Context, l *LookbackCase) error {
	return memPut(&m.mu, m.lookbacks, l.ID, *l, true, "look-back case")
}

func (m *memStore) ListLookbacks(_ context.Context, branchID uuid.UUID, status LookbackStatus, limit, offset int) ([]LookbackCase, error) {
	items := memFilter(&m.mu, m.lookbacks, func(l LookbackCase) bool {
		return l.BranchID == branchID && (status == "" || l.Status == status)
	}, func(a, b LookbackCase) bool { return a.OpenedAt.After(b.OpenedAt) })
	return memPage(items, limit, offset), nil
}

func (m *memStore) CountLookbacksOn(_ context.Context, branchID uuid.UUID, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	day := at.UTC().Truncate(24 * time.Hour)
	n := 0
	for _, l := range m.lookbacks {
		if l.BranchID == branchID && !l.OpenedAt.Before(day) && l.OpenedAt.Before(day.Add(24*time.Hour)) {
			n++
		}
	}
	return n, nil
}

var _ Store = (*memStore)(nil)
