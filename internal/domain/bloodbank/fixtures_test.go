package bloodbank

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/bloodbank/bloodbank/internal/platform/audit"
	"github.com/bloodbank/bloodbank/internal/platform/auth"
	"github.com/bloodbank/bloodbank/internal/platform/metrics"
	"github.com/bloodbank/bloodbank/internal/platform/notification"
)

var testStart = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type auditRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *auditRecorder) Log(_ context.Context, e audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *auditRecorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Action
	}
	return out
}

func (r *auditRecorder) find(action string) []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Entry
	for _, e := range r.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// harness is a service over the in-memory store with principals for two
// lab techs, a nurse pair and a second branch.
type harness struct {
	svc     *Service
	store   *memStore
	audits  *auditRecorder
	feed    *notification.Feed
	metrics *metrics.Metrics
	clock   *testClock

	branch  uuid.UUID
	other   uuid.UUID
	fridge  *Equipment
	lab     auth.Principal
	checker auth.Principal
	nurse   auth.Principal
	nurse2  auth.Principal
	ctx     context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, newMemStore(), nil)
}

// newHarnessWithStore lets a test wrap the store; store must be backed by mem.
func newHarnessWithStore(t *testing.T, mem *memStore, store Store) *harness {
	t.Helper()
	if store == nil {
		store = mem
	}
	h := &harness{
		store:   mem,
		audits:  &auditRecorder{},
		feed:    notification.NewFeed(100),
		metrics: metrics.New(prometheus.NewRegistry()),
		clock:   &testClock{now: testStart},
		branch:  uuid.New(),
		other:   uuid.New(),
		ctx:     context.Background(),
	}
	h.lab = auth.Principal{UserID: "lab-1", Roles: []string{"lab_tech"}, BranchIDs: []uuid.UUID{h.branch}}
	h.checker = auth.Principal{UserID: "lab-2", Roles: []string{"lab_tech"}, BranchIDs: []uuid.UUID{h.branch}}
	h.nurse = auth.Principal{UserID: "nurse-1", Roles: []string{"nurse"}, BranchIDs: []uuid.UUID{h.branch}}
	h.nurse2 = auth.Principal{UserID: "nurse-2", Roles: []string{"nurse"}, BranchIDs: []uuid.UUID{h.branch}}
	h.svc = NewService(Deps{
		Store:   store,
		Tx:      &memTx{store: mem},
		Audit:   h.audits,
		Notify:  h.feed,
		Metrics: h.metrics,
		Logger:  zerolog.Nop(),
		Policy:  DefaultPolicy(),
		Now:     h.clock.Now,
	})
	h.fridge = &Equipment{
		ID:        uuid.New(),
		BranchID:  h.branch,
		Name:      "Fridge A",
		Type:      EquipmentRefrigerator,
		MinTempC:  2,
		MaxTempC:  6,
		IsActive:  true,
		IsDefault: true,
		CreatedAt: testStart,
	}
	require.NoError(t, mem.CreateEquipment(h.ctx, h.fridge))
	return h
}

// seedUnit stores a fully tested, labelled and shelved unit. expiresIn is
// counted from the harness clock; created orders units sharing an expiry.
func (h *harness) seedUnit(t *testing.T, group BloodGroup, c ComponentType, expiresIn time.Duration) *BloodUnit {
	t.Helper()
	now := h.clock.Now()
	u := &BloodUnit{
		ID:          uuid.New(),
		BranchID:    h.branch,
		UnitNumber:  newNumber("BU", now),
		DonorID:     ptr(uuid.New()),
		BloodGroup:  group,
		Component:   c,
		BagType:     BagSingle,
		VolumeML:    350,
		Status:      StatusAvailable,
		CollectedAt: ptr(now.Add(-24 * time.Hour)),
		ExpiryDate:  ptr(now.Add(expiresIn)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	u.Barcode = u.UnitNumber
	require.NoError(t, h.store.CreateUnit(h.ctx, u))
	h.passTests(t, u.ID, group)
	require.NoError(t, h.store.CreateSlot(h.ctx, &InventorySlot{
		ID: uuid.New(), UnitID: u.ID, EquipmentID: h.fridge.ID, AssignedAt: now,
	}))
	return u
}

// passTests records a verified grouping and verified non-reactive results
// for every mandatory test.
func (h *harness) passTests(t *testing.T, unitID uuid.UUID, group BloodGroup) {
	t.Helper()
	now := h.clock.Now()
	require.NoError(t, h.store.CreateGrouping(h.ctx, &GroupingResult{
		ID: uuid.New(), UnitID: unitID, BloodGroup: group, TestedBy: "lab-1",
		VerifiedBy: ptr("lab-2"), VerifiedAt: &now, CreatedAt: now,
	}))
	for _, name := range MandatoryTTITests {
		require.NoError(t, h.store.CreateTTI(h.ctx, &TTITestRecord{
			ID: uuid.New(), UnitID: unitID, TestName: name, Result: TTINonReactive,
			TestedBy: "lab-1", TestedAt: now, VerifiedBy: ptr("lab-2"), VerifiedAt: &now, CreatedAt: now,
		}))
	}
}

func (h *harness) unit(t *testing.T, id uuid.UUID) *BloodUnit {
	t.Helper()
	u, err := h.store.GetUnit(h.ctx, id)
	require.NoError(t, err)
	return u
}

func (h *harness) issue(t *testing.T, id uuid.UUID) *BloodIssue {
	t.Helper()
	i, err := h.store.GetIssue(h.ctx, id)
	require.NoError(t, err)
	return i
}

// readyRequest walks a routine request through sample receipt and typing.
func (h *harness) readyRequest(t *testing.T, patientGroup BloodGroup, c ComponentType, qty int) *BloodRequest {
	t.Helper()
	r, err := h.svc.CreateRequest(h.ctx, h.nurse, uuid.Nil, RequestInput{
		PatientID: uuid.New(), Component: c, Quantity: qty, Urgency: UrgencyRoutine,
	})
	require.NoError(t, err)
	smp, err := h.svc.ReceiveSample(h.ctx, h.lab, uuid.Nil, r.ID, SampleInput{})
	require.NoError(t, err)
	_, err = h.svc.TypeSample(h.ctx, h.lab, uuid.Nil, smp.ID, TypeSampleInput{BloodGroup: patientGroup})
	require.NoError(t, err)
	r, err = h.store.GetRequest(h.ctx, r.ID)
	require.NoError(t, err)
	return r
}

// issuedUnit cross-matches a fresh unit for a new request and issues it.
func (h *harness) issuedUnit(t *testing.T, group BloodGroup) (*BloodRequest, *BloodUnit, *BloodIssue) {
	t.Helper()
	r := h.readyRequest(t, group, ComponentPRBC, 1)
	u := h.seedUnit(t, group, ComponentPRBC, 10*24*time.Hour)
	xm, err := h.svc.CrossMatch(h.ctx, h.lab, uuid.Nil, CrossMatchInput{
		RequestID: r.ID, UnitID: u.ID, Result: XMCompatible,
	})
	require.NoError(t, err)
	issue, err := h.svc.IssueUnit(h.ctx, h.lab, uuid.Nil, IssueInput{CrossMatchID: xm.ID, IssuedTo: "Ward 4"})
	require.NoError(t, err)
	return r, h.unit(t, u.ID), issue
}

// verified runs a passing bedside check on an issue for the request's patient.
func (h *harness) verified(t *testing.T, r *BloodRequest, u *BloodUnit, issue *BloodIssue) *TransfusionRecord {
	t.Helper()
	rec, err := h.svc.BedsideVerify(h.ctx, h.nurse, uuid.Nil, issue.ID, BedsideInput{
		WristbandPatientID: &r.PatientID, UnitBarcode: u.Barcode, SecondVerifierID: h.nurse2.UserID,
	})
	require.NoError(t, err)
	return rec
}

func codes(t *testing.T, err error) []string {
	t.Helper()
	var ge *GateError
	require.ErrorAs(t, err, &ge)
	out := make([]string, len(ge.Reasons))
	for i, r := range ge.Reasons {
		out[i] = r.Code
	}
	return out
}
