package bloodbank

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Gate string

const (
	GateGrouping   Gate = "grouping"
	GateTTI        Gate = "tti"
	GateColdChain  Gate = "cold_chain"
	GateCrossMatch Gate = "cross_match"
	GateRequest    Gate = "request"
	GateBedside    Gate = "bedside"
	GateStatus     Gate = "status"
)

// Reason codes. Each failing condition has its own code so callers can
// decide on an override without a second query.
const (
	CodeGroupingNotVerified = "GROUPING_NOT_VERIFIED"
	CodeGroupingDiscrepancy = "GROUPING_DISCREPANCY"
	CodeGroupUnconfirmed    = "GROUP_UNCONFIRMED"

	CodeTTIMissing       = "TTI_MISSING"
	CodeTTIReactive      = "TTI_REACTIVE"
	CodeTTIPending       = "TTI_PENDING"
	CodeTTIIndeterminate = "TTI_INDETERMINATE"
	CodeTTIUnverified    = "TTI_UNVERIFIED"

	CodeStorageUnassigned  = "STORAGE_UNASSIGNED"
	CodeEquipmentInactive  = "EQUIPMENT_INACTIVE"
	CodeCalibrationOverdue = "CALIBRATION_OVERDUE"
	CodeTemperatureBreach  = "TEMPERATURE_BREACH"

	CodeXMMissing         = "XM_MISSING"
	CodeXMNotCompatible   = "XM_NOT_COMPATIBLE"
	CodeXMExpired         = "XM_EXPIRED"
	CodeXMStale           = "XM_STALE"
	CodeXMUnitMismatch    = "XM_UNIT_MISMATCH"
	CodeXMRequestMismatch = "XM_REQUEST_MISMATCH"
	CodeRequestNotReady   = "REQUEST_NOT_READY"

	CodeWristbandMismatch   = "WRISTBAND_MISMATCH"
	CodeUnitBarcodeMismatch = "UNIT_BARCODE_MISMATCH"
	CodeABOIncompatible     = "ABO_INCOMPATIBLE"
	CodeOverrideRequired    = "REACTION_HISTORY_OVERRIDE_REQUIRED"

	CodeUnitExpired   = "UNIT_EXPIRED"
	CodeStatusChanged = "STATUS_CHANGED"
	CodeUnitNotIssued = "UNIT_NOT_ISSUED"
)

// GateReason is one blocking condition. Test names the TTI test when the
// reason concerns one.
type GateReason struct {
	Gate   Gate   `json:"gate"`
	Code   string `json:"code"`
	Test   string `json:"test,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (r GateReason) String() string {
	if r.Test != "" {
		return r.Test + ": " + r.Code
	}
	return r.Code
}

// UnitSnapshot is everything the eligibility gates read for one unit.
type UnitSnapshot struct {
	Unit      BloodUnit
	Groupings []GroupingResult
	Tests     []TTITestRecord
	Slot      *InventorySlot
	Equipment *Equipment
	// Breaches are unacknowledged breach logs of the slot's equipment.
	Breaches []TempLog
}

// GroupingGate fails when no grouping result is verified, when the latest
// result has a discrepancy, or when the unit has no confirmed group.
func GroupingGate(s UnitSnapshot) []GateReason {
	var reasons []GateReason
	verified := false
	for _, g := range s.Groupings {
		if g.VerifiedBy != nil {
			verified = true
			break
		}
	}
	if !verified {
		reasons = append(reasons, GateReason{Gate: GateGrouping, Code: CodeGroupingNotVerified})
	}
	if latest := latestGrouping(s.Groupings); latest != nil && latest.HasDiscrepancy {
		reasons = append(reasons, GateReason{Gate: GateGrouping, Code: CodeGroupingDiscrepancy,
			Detail: "latest result " + string(latest.BloodGroup)})
	}
	if !s.Unit.BloodGroup.Valid() {
		reasons = append(reasons, GateReason{Gate: GateGrouping, Code: CodeGroupUnconfirmed})
	}
	return reasons
}

func latestGrouping(gs []GroupingResult) *GroupingResult {
	var latest *GroupingResult
	for i := range gs {
		if latest == nil || !gs[i].CreatedAt.Before(latest.CreatedAt) {
			latest = &gs[i]
		}
	}
	return latest
}

func testKey(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// LatestTTI returns the most recent result per test, keyed by upper-cased
// test name.
func LatestTTI(tests []TTITestRecord) map[string]TTITestRecord {
	out := make(map[string]TTITestRecord, len(tests))
	for _, t := range tests {
		k := testKey(t.TestName)
		cur, ok := out[k]
		if !ok || t.TestedAt.After(cur.TestedAt) ||
			t.TestedAt.Equal(cur.TestedAt) && !t.CreatedAt.Before(cur.CreatedAt) {
			out[k] = t
		}
	}
	return out
}

// TTIGate checks every mandatory test's latest result. A reactive latest
// result on any other test also blocks.
func TTIGate(s UnitSnapshot) []GateReason {
	latest := LatestTTI(s.Tests)
	var reasons []GateReason
	mandatory := make(map[string]bool, len(MandatoryTTITests))
	for _, name := range MandatoryTTITests {
		mandatory[testKey(name)] = true
		t, ok := latest[testKey(name)]
		if !ok {
			reasons = append(reasons, GateReason{Gate: GateTTI, Code: CodeTTIMissing, Test: name})
			continue
		}
		if code := ttiCode(t); code != "" {
			reasons = append(reasons, GateReason{Gate: GateTTI, Code: code, Test: name})
		}
	}

	var extra []string
	for k, t := range latest {
		if !mandatory[k] && t.Result == TTIReactive {
			extra = append(extra, t.TestName)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		reasons = append(reasons, GateReason{Gate: GateTTI, Code: CodeTTIReactive, Test: name})
	}
	return reasons
}

func ttiCode(t TTITestRecord) string {
	switch t.Result {
	case TTIReactive:
		return CodeTTIReactive
	case TTIPending:
		return CodeTTIPending
	case TTIIndeterminate:
		return CodeTTIIndeterminate
	}
	if t.VerifiedBy == nil {
		return CodeTTIUnverified
	}
	return ""
}

// HasReactiveTTI reports whether any latest TTI result is reactive.
func HasReactiveTTI(tests []TTITestRecord) bool {
	for _, t := range LatestTTI(tests) {
		if t.Result == TTIReactive {
			return true
		}
	}
	return false
}

// ColdChainGate fails when the unit is not slotted into active, calibrated
// equipment, or when that equipment logged an unacknowledged breach after
// the unit was placed.
func ColdChainGate(s UnitSnapshot, now time.Time) []GateReason {
	if s.Slot == nil || s.Slot.RemovedAt != nil || s.Equipment == nil {
		return []GateReason{{Gate: GateColdChain, Code: CodeStorageUnassigned}}
	}
	var reasons []GateReason
	if !s.Equipment.IsActive {
		reasons = append(reasons, GateReason{Gate: GateColdChain, Code: CodeEquipmentInactive, Detail: s.Equipment.Name})
	}
	if s.Equipment.CalibrationDueAt != nil && s.Equipment.CalibrationDueAt.Before(now) {
		reasons = append(reasons, GateReason{Gate: GateColdChain, Code: CodeCalibrationOverdue, Detail: s.Equipment.Name})
	}
	for _, b := range s.Breaches {
		if b.IsBreach && b.AcknowledgedAt == nil && b.RecordedAt.After(s.Slot.AssignedAt) {
			reasons = append(reasons, GateReason{Gate: GateColdChain, Code: CodeTemperatureBreach, Detail: s.Equipment.Name})
			break
		}
	}
	return reasons
}

// EligibilityReasons runs the grouping, TTI and cold-chain gates. An expired
// unit is reported first.
func EligibilityReasons(s UnitSnapshot, now time.Time) []GateReason {
	var reasons []GateReason
	if s.Unit.Expired(now) {
		reasons = append(reasons, GateReason{Gate: GateStatus, Code: CodeUnitExpired})
	}
	reasons = append(reasons, GroupingGate(s)...)
	reasons = append(reasons, TTIGate(s)...)
	reasons = append(reasons, ColdChainGate(s, now)...)
	return reasons
}

// LabelReasons is the gate set for label confirmation, before the unit has a
// storage slot.
func LabelReasons(s UnitSnapshot, now time.Time) []GateReason {
	var reasons []GateReason
	if s.Unit.Expired(now) {
		reasons = append(reasons, GateReason{Gate: GateStatus, Code: CodeUnitExpired})
	}
	reasons = append(reasons, GroupingGate(s)...)
	return append(reasons, TTIGate(s)...)
}

// CrossMatchGate checks the certificate bound to an issue. validity bounds
// the certificate's age independently of its stored ValidUntil.
func CrossMatchGate(xm *CrossMatch, req *BloodRequest, unitID uuid.UUID, now time.Time, validity time.Duration) []GateReason {
	if xm == nil {
		return []GateReason{{Gate: GateCrossMatch, Code: CodeXMMissing}}
	}
	var reasons []GateReason
	if xm.UnitID != unitID {
		reasons = append(reasons, GateReason{Gate: GateCrossMatch, Code: CodeXMUnitMismatch})
	}
	if req != nil && xm.RequestID != req.ID {
		reasons = append(reasons, GateReason{Gate: GateCrossMatch, Code: CodeXMRequestMismatch})
	}
	if xm.Result != XMCompatible {
		reasons = append(reasons, GateReason{Gate: GateCrossMatch, Code: CodeXMNotCompatible, Detail: string(xm.Result)})
	}
	if xm.ValidUntil != nil && now.After(*xm.ValidUntil) {
		reasons = append(reasons, GateReason{Gate: GateCrossMatch, Code: CodeXMExpired})
	}
	if now.Sub(xm.CreatedAt) > validity {
		reasons = append(reasons, GateReason{Gate: GateCrossMatch, Code: CodeXMStale})
	}
	if req == nil || req.Status != RequestReady {
		status := ""
		if req != nil {
			status = string(req.Status)
		}
		reasons = append(reasons, GateReason{Gate: GateRequest, Code: CodeRequestNotReady, Detail: status})
	}
	return reasons
}

func hasCode(reasons []GateReason, code string) bool {
	for _, r := range reasons {
		if r.Code == code {
			return true
		}
	}
	return false
}
