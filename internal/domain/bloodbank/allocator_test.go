package bloodbank

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const day = 24 * time.Hour

func emergencyRequest(t *testing.T, h *harness, c ComponentType, qty int) *BloodRequest {
	t.Helper()
	r, err := h.svc.CreateRequest(h.ctx, h.nurse, uuid.Nil, RequestInput{
		PatientID: uuid.New(), Component: c, Quantity: qty, Urgency: UrgencyEmergency,
	})
	require.NoError(t, err)
	return r
}

func issuedUnitIDs(issues []BloodIssue) []uuid.UUID {
	out := make([]uuid.UUID, len(issues))
	for i, is := range issues {
		out[i] = is.UnitID
	}
	return out
}

func TestEmergencyRelease_FEFOOrder(t *testing.T) {
	h := newHarness(t)
	var byExpiry [7]*BloodUnit
	for _, d := range []int{6, 2, 5, 1, 4, 3} {
		byExpiry[d] = h.seedUnit(t, GroupONeg, ComponentPRBC, time.Duration(d)*day)
	}
	h.seedUnit(t, GroupAPos, ComponentPRBC, 12*time.Hour)
	h.seedUnit(t, GroupONeg, ComponentFFP, 12*time.Hour)
	expired := h.seedUnit(t, GroupONeg, ComponentPRBC, time.Hour)

	// Sooner than everything else but never tested.
	untested := &BloodUnit{
		ID: uuid.New(), BranchID: h.branch, UnitNumber: "BU-UNTESTED", Barcode: "BU-UNTESTED",
		BloodGroup: GroupONeg, Component: ComponentPRBC, BagType: BagSingle, VolumeML: 300,
		Status: StatusAvailable, ExpiryDate: ptr(testStart.Add(12 * time.Hour)), CreatedAt: testStart,
	}
	require.NoError(t, h.store.CreateUnit(h.ctx, untested))

	h.clock.Advance(2 * time.Hour)
	r := emergencyRequest(t, h, ComponentPRBC, 4)
	issues, err := h.svc.EmergencyRelease(h.ctx, h.nurse, uuid.Nil, r.ID, EmergencyIssueInput{IssuedTo: "ED bay 2"})
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{byExpiry[1].ID, byExpiry[2].ID, byExpiry[3].ID, byExpiry[4].ID}, issuedUnitIDs(issues))
	for _, is := range issues {
		assert.True(t, is.IsEmergency)
		assert.Nil(t, is.CrossMatchID)
		assert.Equal(t, StatusIssued, h.unit(t, is.UnitID).Status)
	}
	assert.Equal(t, StatusAvailable, h.unit(t, byExpiry[5].ID).Status)
	assert.Equal(t, StatusAvailable, h.unit(t, untested.ID).Status)
	assert.Equal(t, StatusAvailable, h.unit(t, expired.ID).Status)

	got, err := h.store.GetRequest(h.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, RequestIssued, got.Status)
	assert.Equal(t, 4, got.IssuedCount)
	assert.Len(t, h.audits.find(ActionEmergencyRelease), 1)
	assert.Empty(t, h.audits.find(ActionAllocationShortfall))
}

func TestEmergencyRelease_TypedPatientWidensGroups(t *testing.T) {
	h := newHarness(t)
	aNeg := h.seedUnit(t, GroupANeg, ComponentPRBC, 2*day)
	h.seedUnit(t, GroupAPos, ComponentPRBC, 1*day)
	oNeg := h.seedUnit(t, GroupONeg, ComponentPRBC, 3*day)

	r := emergencyRequest(t, h, ComponentPRBC, 2)
	smp, err := h.svc.ReceiveSample(h.ctx, h.lab, uuid.Nil, r.ID, SampleInput{})
	require.NoError(t, err)
	_, err = h.svc.TypeSample(h.ctx, h.lab, uuid.Nil, smp.ID, TypeSampleInput{BloodGroup: GroupANeg})
	require.NoError(t, err)

	issues, err := h.svc.EmergencyRelease(h.ctx, h.nurse, uuid.Nil, r.ID, EmergencyIssueInput{IssuedTo: "ICU"})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{aNeg.ID, oNeg.ID}, issuedUnitIDs(issues))
}

func TestEmergencyRelease_RoutineRefused(t *testing.T) {
	h := newHarness(t)
	h.seedUnit(t, GroupONeg, ComponentPRBC, 2*day)
	r, err := h.svc.CreateRequest(h.ctx, h.nurse, uuid.Nil, RequestInput{
		PatientID: uuid.New(), Component: ComponentPRBC, Quantity: 1,
	})
	require.NoError(t, err)
	_, err = h.svc.EmergencyRelease(h.ctx, h.nurse, uuid.Nil, r.ID, EmergencyIssueInput{IssuedTo: "ward"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEmergencyRelease_ShortfallRollsBack(t *testing.T) {
	h := newHarness(t)
	var good []*BloodUnit
	for d := 1; d <= 3; d++ {
		good = append(good, h.seedUnit(t, GroupONeg, ComponentPRBC, time.Duration(d)*day))
	}
	reactive := h.seedUnit(t, GroupONeg, ComponentPRBC, 5*day)
	h.clock.Advance(time.Minute)
	require.NoError(t, h.store.CreateTTI(h.ctx, &TTITestRecord{
		ID: uuid.New(), UnitID: reactive.ID, TestName: "HIV", Result: TTIReactive,
		TestedBy: "lab-1", TestedAt: h.clock.Now(), VerifiedBy: ptr("lab-2"), CreatedAt: h.clock.Now(),
	}))

	r := emergencyRequest(t, h, ComponentPRBC, 4)
	_, err := h.svc.EmergencyRelease(h.ctx, h.nurse, uuid.Nil, r.ID, EmergencyIssueInput{IssuedTo: "theatre"})
	require.ErrorIs(t, err, ErrShortfall)

	var short *ShortfallError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 4, short.Requested)
	assert.Equal(t, 3, short.Reserved)
	assert.Equal(t, 1, short.Short())
	require.Len(t, short.Rejections, 1)
	assert.Equal(t, reactive.ID, short.Rejections[0].UnitID)
	assert.Contains(t, short.Error(), "HIV: "+CodeTTIReactive)

	for _, u := range good {
		assert.Equal(t, StatusAvailable, h.unit(t, u.ID).Status, "reservation rolled back")
	}
	assert.Equal(t, StatusQuarantined, h.unit(t, reactive.ID).Status, "quarantine survives the rollback")

	got, err := h.store.GetRequest(h.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, RequestPending, got.Status)
	assert.Zero(t, got.IssuedCount)

	shortfalls := h.audits.find(ActionAllocationShortfall)
	require.Len(t, shortfalls, 1)
	assert.Equal(t, r.ID.String(), shortfalls[0].EntityID)
	assert.Len(t, shortfalls[0].Meta["rejections"], 1)
	assert.Len(t, h.audits.find(ActionUnitQuarantined), 1)
	assert.Empty(t, h.audits.find(ActionUnitIssued))
}

func TestShortfallError_SamplesRejections(t *testing.T) {
	e := &ShortfallError{Component: ComponentPRBC, Requested: 4, SampleSize: 8}
	assert.Equal(t, "insufficient PRBC units: requested 4, reserved 0 (short 4); no candidates in stock", e.Error())

	for i := 0; i < 10; i++ {
		e.Rejections = append(e.Rejections, Rejection{
			UnitNumber: "BU-" + string(rune('A'+i)),
			Reasons:    []GateReason{{Code: CodeStatusChanged}},
		})
	}
	msg := e.Error()
	assert.Contains(t, msg, "BU-H [STATUS_CHANGED]")
	assert.NotContains(t, msg, "BU-I")
	assert.True(t, strings.HasSuffix(msg, "and 2 more"), msg)
}

func TestCASUnitStatus_SingleWinner(t *testing.T) {
	store := newMemStore()
	u := &BloodUnit{ID: uuid.New(), Status: StatusAvailable, Component: ComponentPRBC}
	require.NoError(t, store.CreateUnit(context.Background(), u))

	var wins atomic.Int32
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			ok, err := store.CASUnitStatus(context.Background(), u.ID, StatusAvailable, StatusReserved)
			if ok {
				wins.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 1, wins.Load())
}

func TestEmergencyRelease_ConcurrentCallersGetDistinctUnits(t *testing.T) {
	h := newHarness(t)
	for d := 1; d <= 5; d++ {
		h.seedUnit(t, GroupONeg, ComponentPRBC, time.Duration(d)*day)
	}
	requests := make([]*BloodRequest, 5)
	for i := range requests {
		requests[i] = emergencyRequest(t, h, ComponentPRBC, 1)
	}

	var mu sync.Mutex
	seen := map[uuid.UUID]bool{}
	g, ctx := errgroup.WithContext(h.ctx)
	for _, r := range requests {
		g.Go(func() error {
			issues, err := h.svc.EmergencyRelease(ctx, h.nurse, uuid.Nil, r.ID, EmergencyIssueInput{IssuedTo: "ED"})
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, is := range issues {
				seen[is.UnitID] = true
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, seen, 5)

	// Stock is exhausted now.
	r := emergencyRequest(t, h, ComponentPRBC, 1)
	_, err := h.svc.EmergencyRelease(h.ctx, h.nurse, uuid.Nil, r.ID, EmergencyIssueInput{IssuedTo: "ED"})
	assert.ErrorIs(t, err, ErrShortfall)
}

// racingStore hands out its first candidate page after another writer has
// already reserved the head of it.
type racingStore struct {
	*memStore
	once   sync.Once
	stolen uuid.UUID
}

func (r *racingStore) FEFOCandidates(ctx context.Context, q CandidateQuery) ([]BloodUnit, error) {
	page, err := r.memStore.FEFOCandidates(ctx, q)
	if err != nil || len(page) == 0 {
		return page, err
	}
	r.once.Do(func() {
		r.stolen = page[0].ID
		_, err = r.memStore.CASUnitStatus(ctx, page[0].ID, StatusAvailable, StatusReserved)
	})
	return page, err
}

func TestAllocate_SkipsUnitsLostToConcurrentWriter(t *testing.T) {
	mem := newMemStore()
	racing := &racingStore{memStore: mem}
	h := newHarnessWithStore(t, mem, racing)
	first := h.seedUnit(t, GroupONeg, ComponentPRBC, 1*day)
	second := h.seedUnit(t, GroupONeg, ComponentPRBC, 2*day)
	third := h.seedUnit(t, GroupONeg, ComponentPRBC, 3*day)

	r := emergencyRequest(t, h, ComponentPRBC, 2)
	issues, err := h.svc.EmergencyRelease(h.ctx, h.nurse, uuid.Nil, r.ID, EmergencyIssueInput{IssuedTo: "ED"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, racing.stolen)
	assert.Equal(t, []uuid.UUID{second.ID, third.ID}, issuedUnitIDs(issues))
	assert.Equal(t, StatusReserved, h.unit(t, first.ID).Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CASConflicts))
}

func TestAllocate_LostRaceCanCauseShortfall(t *testing.T) {
	mem := newMemStore()
	h := newHarnessWithStore(t, mem, &racingStore{memStore: mem})
	for d := 1; d <= 2; d++ {
		h.seedUnit(t, GroupONeg, ComponentPRBC, time.Duration(d)*day)
	}

	r := emergencyRequest(t, h, ComponentPRBC, 2)
	_, err := h.svc.EmergencyRelease(h.ctx, h.nurse, uuid.Nil, r.ID, EmergencyIssueInput{IssuedTo: "ED"})
	var short *ShortfallError
	require.ErrorAs(t, err, &short)
	require.Len(t, short.Rejections, 1)
	assert.Equal(t, CodeStatusChanged, short.Rejections[0].Reasons[0].Code)
	assert.Equal(t, GateStatus, short.Rejections[0].Reasons[0].Gate)
}

func TestListStock_Pages(t *testing.T) {
	h := newHarness(t)
	var want []uuid.UUID
	for d := 1; d <= 5; d++ {
		want = append(want, h.seedUnit(t, GroupBPos, ComponentPRBC, time.Duration(d)*day).ID)
	}
	h.seedUnit(t, GroupAPos, ComponentPRBC, day)

	var got []uuid.UUID
	q := StockQuery{Component: ComponentPRBC, Group: GroupBPos, Limit: 2}
	for pages := 0; ; pages++ {
		require.Less(t, pages, 4)
		units, next, err := h.svc.ListStock(h.ctx, h.lab, uuid.Nil, q)
		require.NoError(t, err)
		for _, u := range units {
			got = append(got, u.ID)
		}
		if next == nil {
			break
		}
		q.After = next
	}
	assert.Equal(t, want, got)
}
