package bloodbank

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeSession(t *testing.T, h *harness, in ActivateMTPInput) *MTPSession {
	t.Helper()
	if in.PatientID == uuid.Nil {
		in.PatientID = uuid.New()
	}
	m, err := h.svc.ActivateMTP(h.ctx, h.nurse, uuid.Nil, in)
	require.NoError(t, err)
	return m
}

func TestActivateMTP_OneActiveSessionPerPatient(t *testing.T) {
	h := newHarness(t)
	m := activeSession(t, h, ActivateMTPInput{Indication: "trauma"})
	assert.Equal(t, MTPActive, m.Status)
	assert.Equal(t, DefaultPackRatio, m.Ratio)

	_, err := h.svc.ActivateMTP(h.ctx, h.nurse, uuid.Nil, ActivateMTPInput{PatientID: m.PatientID})
	assert.ErrorIs(t, err, ErrStateConflict)

	_, err = h.svc.ActivateMTP(h.ctx, h.nurse, uuid.Nil, ActivateMTPInput{PatientID: uuid.New(), Ratio: &PackRatio{}})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.DeactivateMTP(h.ctx, h.nurse, uuid.Nil, m.ID)
	require.NoError(t, err)
	again := activeSession(t, h, ActivateMTPInput{PatientID: m.PatientID})
	assert.NotEqual(t, m.ID, again.ID)
}

func TestReleasePack_IssuesEveryComponent(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 4; i++ {
		h.seedUnit(t, GroupONeg, ComponentPRBC, 5*day)
		h.seedUnit(t, GroupABPos, ComponentFFP, 300*day)
	}
	h.seedUnit(t, GroupAPos, ComponentFFP, 300*day)
	m := activeSession(t, h, ActivateMTPInput{})

	rel, err := h.svc.ReleasePack(h.ctx, h.nurse, uuid.Nil, m.ID, PackInput{IssuedTo: "Trauma Bay 1"})
	require.NoError(t, err)
	assert.Equal(t, 1, rel.Session.PacksReleased)
	require.Len(t, rel.Requests, 2)
	require.Len(t, rel.Issues, 8)
	for _, r := range rel.Requests {
		assert.Equal(t, RequestIssued, r.Status)
		assert.Equal(t, UrgencyMTP, r.Urgency)
		assert.Equal(t, 4, r.IssuedCount)
		assert.Equal(t, &m.ID, r.MTPSessionID)
	}
	for _, i := range rel.Issues {
		assert.True(t, i.IsEmergency)
		assert.Equal(t, StatusIssued, h.unit(t, i.UnitID).Status)
		assert.NotEqual(t, GroupAPos, h.unit(t, i.UnitID).BloodGroup, "an untyped patient only gets AB plasma")
	}

	d, err := h.svc.GetMTP(h.ctx, h.nurse, uuid.Nil, m.ID)
	require.NoError(t, err)
	assert.Len(t, d.Issues, 8)
	assert.Len(t, h.audits.find(ActionMTPPackReleased), 1)
}

func TestReleasePack_TypedPatientStillGetsProtocolGroups(t *testing.T) {
	h := newHarness(t)
	typed := []*BloodUnit{
		h.seedUnit(t, GroupBPos, ComponentPRBC, 2*day),
		h.seedUnit(t, GroupBNeg, ComponentPRBC, 3*day),
	}
	h.seedUnit(t, GroupONeg, ComponentPRBC, 5*day)
	h.seedUnit(t, GroupONeg, ComponentPRBC, 6*day)
	h.seedUnit(t, GroupAPos, ComponentPlateletSDP, 4*day)
	h.seedUnit(t, GroupONeg, ComponentPlateletRDP, 3*day)
	m := activeSession(t, h, ActivateMTPInput{PatientGroup: GroupBPos, Ratio: &PackRatio{PRBC: 6, FFP: 6, Platelets: 2}})

	rel, err := h.svc.ReleasePack(h.ctx, h.nurse, uuid.Nil, m.ID, PackInput{
		PRBC: ptr(2), FFP: ptr(0), IssuedTo: "OR 3",
	})
	require.NoError(t, err)
	require.Len(t, rel.Issues, 4)
	var components []ComponentType
	for _, r := range rel.Requests {
		components = append(components, r.Component)
	}
	assert.ElementsMatch(t, []ComponentType{ComponentPRBC, ComponentPlateletSDP, ComponentPlateletRDP}, components)
	for _, i := range rel.Issues {
		u := h.unit(t, i.UnitID)
		if u.Component == ComponentPRBC {
			assert.Equal(t, GroupONeg, u.BloodGroup)
		}
	}
	for _, u := range typed {
		assert.Equal(t, StatusAvailable, h.unit(t, u.ID).Status)
	}
}

func TestReleasePack_TypeSpecificRedCellsDoNotFillThePack(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 4; i++ {
		h.seedUnit(t, GroupOPos, ComponentPRBC, 5*day)
	}
	m := activeSession(t, h, ActivateMTPInput{PatientGroup: GroupOPos})

	_, err := h.svc.ReleasePack(h.ctx, h.nurse, uuid.Nil, m.ID, PackInput{FFP: ptr(0), IssuedTo: "Trauma Bay 2"})
	var short *ShortfallError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, ComponentPRBC, short.Component)
	assert.Zero(t, short.Reserved)
}

func TestReleasePack_ShortfallReleasesNothing(t *testing.T) {
	h := newHarness(t)
	var prbc []*BloodUnit
	for i := 0; i < 4; i++ {
		prbc = append(prbc, h.seedUnit(t, GroupONeg, ComponentPRBC, 5*day))
	}
	for i := 0; i < 3; i++ {
		h.seedUnit(t, GroupABNeg, ComponentFFP, 300*day)
	}
	m := activeSession(t, h, ActivateMTPInput{})

	_, err := h.svc.ReleasePack(h.ctx, h.nurse, uuid.Nil, m.ID, PackInput{IssuedTo: "Trauma Bay 1"})
	var short *ShortfallError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 4, short.Requested)
	assert.Equal(t, 3, short.Reserved)
	assert.Equal(t, 1, short.Short())

	for _, u := range prbc {
		assert.Equal(t, StatusAvailable, h.unit(t, u.ID).Status)
	}
	d, err := h.svc.GetMTP(h.ctx, h.nurse, uuid.Nil, m.ID)
	require.NoError(t, err)
	assert.Zero(t, d.PacksReleased)
	assert.Empty(t, d.Issues)
	assert.Empty(t, h.audits.find(ActionUnitIssued))
	assert.Len(t, h.audits.find(ActionAllocationShortfall), 1)
}

func TestReleasePack_EmergencyIssueSkipsBedsideScans(t *testing.T) {
	h := newHarness(t)
	h.seedUnit(t, GroupONeg, ComponentPRBC, 5*day)
	m := activeSession(t, h, ActivateMTPInput{})
	rel, err := h.svc.ReleasePack(h.ctx, h.nurse, uuid.Nil, m.ID, PackInput{PRBC: ptr(1), FFP: ptr(0), IssuedTo: "ED"})
	require.NoError(t, err)
	require.Len(t, rel.Issues, 1)

	rec, err := h.svc.BedsideVerify(h.ctx, h.nurse, uuid.Nil, rel.Issues[0].ID, BedsideInput{})
	require.NoError(t, err)
	assert.True(t, rec.BedsideVerified)
	_, err = h.svc.StartTransfusion(h.ctx, h.nurse, uuid.Nil, rel.Issues[0].ID, StartInput{})
	require.NoError(t, err)
}

func TestDeactivateMTP(t *testing.T) {
	h := newHarness(t)
	h.seedUnit(t, GroupONeg, ComponentPRBC, 5*day)
	m := activeSession(t, h, ActivateMTPInput{})
	h.clock.Advance(90 * time.Minute)

	got, err := h.svc.DeactivateMTP(h.ctx, h.nurse, uuid.Nil, m.ID)
	require.NoError(t, err)
	assert.Equal(t, MTPDeactivated, got.Status)
	assert.Equal(t, "nurse-1", *got.DeactivatedBy)

	entries := h.audits.find(ActionMTPDeactivated)
	require.Len(t, entries, 1)

	_, err = h.svc.DeactivateMTP(h.ctx, h.nurse, uuid.Nil, m.ID)
	assert.ErrorIs(t, err, ErrStateConflict)
	_, err = h.svc.ReleasePack(h.ctx, h.nurse, uuid.Nil, m.ID, PackInput{PRBC: ptr(1), IssuedTo: "ED"})
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestGetMTP_OtherBranchIsNotFound(t *testing.T) {
	h := newHarness(t)
	m := activeSession(t, h, ActivateMTPInput{})
	outsider := h.nurse
	outsider.BranchIDs = []uuid.UUID{h.other}
	_, err := h.svc.GetMTP(h.ctx, outsider, uuid.Nil, m.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
