package bloodbank

import (
	"time"

	"github.com/google/uuid"
)

type BloodGroup string

const (
	GroupAPos  BloodGroup = "A_POS"
	GroupANeg  BloodGroup = "A_NEG"
	GroupBPos  BloodGroup = "B_POS"
	GroupBNeg  BloodGroup = "B_NEG"
	GroupABPos BloodGroup = "AB_POS"
	GroupABNeg BloodGroup = "AB_NEG"
	GroupOPos  BloodGroup = "O_POS"
	GroupONeg  BloodGroup = "O_NEG"
)

var AllBloodGroups = []BloodGroup{GroupONeg, GroupOPos, GroupANeg, GroupAPos, GroupBNeg, GroupBPos, GroupABNeg, GroupABPos}

func (g BloodGroup) Valid() bool {
	for _, v := range AllBloodGroups {
		if g == v {
			return true
		}
	}
	return false
}

type ComponentType string

const (
	ComponentWholeBlood  ComponentType = "WHOLE_BLOOD"
	ComponentPRBC        ComponentType = "PRBC"
	ComponentFFP         ComponentType = "FFP"
	ComponentPlateletRDP ComponentType = "PLATELET_RDP"
	ComponentPlateletSDP ComponentType = "PLATELET_SDP"
	ComponentCryo        ComponentType = "CRYOPRECIPITATE"
)

// shelfLife is counted from collection.
var shelfLife = map[ComponentType]time.Duration{
	ComponentWholeBlood:  35 * 24 * time.Hour,
	ComponentPRBC:        42 * 24 * time.Hour,
	ComponentFFP:         365 * 24 * time.Hour,
	ComponentPlateletRDP: 5 * 24 * time.Hour,
	ComponentPlateletSDP: 5 * 24 * time.Hour,
	ComponentCryo:        365 * 24 * time.Hour,
}

func (c ComponentType) Valid() bool {
	_, ok := shelfLife[c]
	return ok
}

// ShelfLife returns how long a component keeps from collection.
func (c ComponentType) ShelfLife() time.Duration {
	return shelfLife[c]
}

func (c ComponentType) IsPlatelet() bool {
	return c == ComponentPlateletRDP || c == ComponentPlateletSDP
}

type BagType string

const (
	BagSingle    BagType = "SINGLE"
	BagDouble    BagType = "DOUBLE"
	BagTriple    BagType = "TRIPLE"
	BagQuadruple BagType = "QUADRUPLE"
)

func (b BagType) Valid() bool {
	switch b {
	case BagSingle, BagDouble, BagTriple, BagQuadruple:
		return true
	}
	return false
}

type UnitStatus string

const (
	StatusCollected       UnitStatus = "COLLECTED"
	StatusTesting         UnitStatus = "TESTING"
	StatusSeparated       UnitStatus = "SEPARATED"
	StatusQuarantined     UnitStatus = "QUARANTINED"
	StatusAvailable       UnitStatus = "AVAILABLE"
	StatusReserved        UnitStatus = "RESERVED"
	StatusCrossMatched    UnitStatus = "CROSS_MATCHED"
	StatusIssued          UnitStatus = "ISSUED"
	StatusTransfused      UnitStatus = "TRANSFUSED"
	StatusReturned        UnitStatus = "RETURNED"
	StatusDiscarded       UnitStatus = "DISCARDED"
	StatusTransferPending UnitStatus = "TRANSFER_PENDING"
	StatusInTransit       UnitStatus = "IN_TRANSIT"
)

// BloodUnit maps to the blood_unit table. Seq is the insertion order used to
// break FEFO ties.
type BloodUnit struct {
	ID           uuid.UUID     `db:"id" json:"id"`
	BranchID     uuid.UUID     `db:"branch_id" json:"branch_id"`
	UnitNumber   string        `db:"unit_number" json:"unit_number"`
	Barcode      string        `db:"barcode" json:"barcode"`
	DonorID      *uuid.UUID    `db:"donor_id" json:"donor_id,omitempty"`
	BloodGroup   BloodGroup    `db:"blood_group" json:"blood_group,omitempty"`
	Component    ComponentType `db:"component" json:"component"`
	BagType      BagType       `db:"bag_type" json:"bag_type"`
	VolumeML     int           `db:"volume_ml" json:"volume_ml"`
	Status       UnitStatus    `db:"status" json:"status"`
	CollectedAt  *time.Time    `db:"collected_at" json:"collected_at,omitempty"`
	ExpiryDate   *time.Time    `db:"expiry_date" json:"expiry_date,omitempty"`
	ParentUnitID *uuid.UUID    `db:"parent_unit_id" json:"parent_unit_id,omitempty"`
	Seq          int64         `db:"seq" json:"-"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`

	Groupings []GroupingResult `db:"-" json:"groupings,omitempty"`
	TTITests  []TTITestRecord  `db:"-" json:"tti_tests,omitempty"`
	Slot      *InventorySlot   `db:"-" json:"slot,omitempty"`
}

// Expired reports whether the unit is past its expiry at now.
func (u *BloodUnit) Expired(now time.Time) bool {
	return u.ExpiryDate != nil && !now.Before(*u.ExpiryDate)
}

// GroupingResult maps to the blood_grouping_result table.
type GroupingResult struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	UnitID         uuid.UUID  `db:"unit_id" json:"unit_id"`
	BloodGroup     BloodGroup `db:"blood_group" json:"blood_group"`
	TestedBy       string     `db:"tested_by" json:"tested_by"`
	VerifiedBy     *string    `db:"verified_by" json:"verified_by,omitempty"`
	VerifiedAt     *time.Time `db:"verified_at" json:"verified_at,omitempty"`
	HasDiscrepancy bool       `db:"has_discrepancy" json:"has_discrepancy"`
	Notes          string     `db:"notes" json:"notes,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

type TTIResult string

const (
	TTIPending       TTIResult = "PENDING"
	TTINonReactive   TTIResult = "NON_REACTIVE"
	TTIReactive      TTIResult = "REACTIVE"
	TTIIndeterminate TTIResult = "INDETERMINATE"
)

func (r TTIResult) Valid() bool {
	switch r {
	case TTIPending, TTINonReactive, TTIReactive, TTIIndeterminate:
		return true
	}
	return false
}

// TTITestRecord maps to the tti_test_record table.
type TTITestRecord struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	UnitID     uuid.UUID  `db:"unit_id" json:"unit_id"`
	TestName   string     `db:"test_name" json:"test_name"`
	Result     TTIResult  `db:"result" json:"result"`
	Method     string     `db:"method" json:"method,omitempty"`
	TestedBy   string     `db:"tested_by" json:"tested_by"`
	TestedAt   time.Time  `db:"tested_at" json:"tested_at"`
	VerifiedBy *string    `db:"verified_by" json:"verified_by,omitempty"`
	VerifiedAt *time.Time `db:"verified_at" json:"verified_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

type EquipmentType string

const (
	EquipmentRefrigerator     EquipmentType = "REFRIGERATOR"
	EquipmentDeepFreezer      EquipmentType = "DEEP_FREEZER"
	EquipmentPlateletAgitator EquipmentType = "PLATELET_AGITATOR"
)

// StorageFor returns the equipment type a component is stored in.
func StorageFor(c ComponentType) EquipmentType {
	switch c {
	case ComponentFFP, ComponentCryo:
		return EquipmentDeepFreezer
	case ComponentPlateletRDP, ComponentPlateletSDP:
		return EquipmentPlateletAgitator
	default:
		return EquipmentRefrigerator
	}
}

// Equipment maps to the bb_equipment table.
type Equipment struct {
	ID               uuid.UUID     `db:"id" json:"id"`
	BranchID         uuid.UUID     `db:"branch_id" json:"branch_id"`
	Name             string        `db:"name" json:"name"`
	Type             EquipmentType `db:"type" json:"type"`
	MinTempC         float64       `db:"min_temp_c" json:"min_temp_c"`
	MaxTempC         float64       `db:"max_temp_c" json:"max_temp_c"`
	IsActive         bool          `db:"is_active" json:"is_active"`
	IsDefault        bool          `db:"is_default" json:"is_default"`
	CalibrationDueAt *time.Time    `db:"calibration_due_at" json:"calibration_due_at,omitempty"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
}

// InventorySlot maps to the blood_inventory_slot table. A unit has at most
// one slot with RemovedAt unset.
type InventorySlot struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	UnitID      uuid.UUID  `db:"unit_id" json:"unit_id"`
	EquipmentID uuid.UUID  `db:"equipment_id" json:"equipment_id"`
	Shelf       string     `db:"shelf" json:"shelf,omitempty"`
	AssignedAt  time.Time  `db:"assigned_at" json:"assigned_at"`
	RemovedAt   *time.Time `db:"removed_at" json:"removed_at,omitempty"`
}

// TempLog maps to the bb_temp_log table.
type TempLog struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	BranchID       uuid.UUID  `db:"branch_id" json:"branch_id"`
	EquipmentID    uuid.UUID  `db:"equipment_id" json:"equipment_id"`
	TempC          float64    `db:"temp_c" json:"temp_c"`
	RecordedAt     time.Time  `db:"recorded_at" json:"recorded_at"`
	RecordedBy     string     `db:"recorded_by" json:"recorded_by"`
	IsBreach       bool       `db:"is_breach" json:"is_breach"`
	AcknowledgedBy *string    `db:"acknowledged_by" json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	Notes          string     `db:"notes" json:"notes,omitempty"`
}

type TransferStatus string

const (
	TransferPending   TransferStatus = "PENDING"
	TransferInTransit TransferStatus = "IN_TRANSIT"
	TransferReceived  TransferStatus = "RECEIVED"
	TransferCancelled TransferStatus = "CANCELLED"
)

// UnitTransfer maps to the unit_transfer table.
type UnitTransfer struct {
	ID           uuid.UUID      `db:"id" json:"id"`
	UnitID       uuid.UUID      `db:"unit_id" json:"unit_id"`
	FromBranchID uuid.UUID      `db:"from_branch_id" json:"from_branch_id"`
	ToBranchID   uuid.UUID      `db:"to_branch_id" json:"to_branch_id"`
	Status       TransferStatus `db:"status" json:"status"`
	InitiatedBy  string         `db:"initiated_by" json:"initiated_by"`
	DispatchedAt *time.Time     `db:"dispatched_at" json:"dispatched_at,omitempty"`
	ReceivedAt   *time.Time     `db:"received_at" json:"received_at,omitempty"`
	ReceivedBy   *string        `db:"received_by" json:"received_by,omitempty"`
	Notes        string         `db:"notes" json:"notes,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}

type Urgency string

const (
	UrgencyRoutine   Urgency = "ROUTINE"
	UrgencyUrgent    Urgency = "URGENT"
	UrgencyEmergency Urgency = "EMERGENCY"
	UrgencyMTP       Urgency = "MTP"
)

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyRoutine, UrgencyUrgent, UrgencyEmergency, UrgencyMTP:
		return true
	}
	return false
}

type RequestStatus string

const (
	RequestPending        RequestStatus = "PENDING"
	RequestSampleReceived RequestStatus = "SAMPLE_RECEIVED"
	RequestReady          RequestStatus = "READY"
	RequestIssued         RequestStatus = "ISSUED"
	RequestCompleted      RequestStatus = "COMPLETED"
	RequestCancelled      RequestStatus = "CANCELLED"
	RequestRejected       RequestStatus = "REJECTED"
)

func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestCancelled || s == RequestRejected
}

// BloodRequest maps to the blood_request table.
type BloodRequest struct {
	ID            uuid.UUID     `db:"id" json:"id"`
	BranchID      uuid.UUID     `db:"branch_id" json:"branch_id"`
	RequestNumber string        `db:"request_number" json:"request_number"`
	PatientID     uuid.UUID     `db:"patient_id" json:"patient_id"`
	Component     ComponentType `db:"component" json:"component"`
	Quantity      int           `db:"quantity" json:"quantity"`
	IssuedCount   int           `db:"issued_count" json:"issued_count"`
	Urgency       Urgency       `db:"urgency" json:"urgency"`
	Status        RequestStatus `db:"status" json:"status"`
	Indication    string        `db:"indication" json:"indication,omitempty"`
	RequestedBy   string        `db:"requested_by" json:"requested_by"`
	MTPSessionID  *uuid.UUID    `db:"mtp_session_id" json:"mtp_session_id,omitempty"`
	StatusReason  string        `db:"status_reason" json:"status_reason,omitempty"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// PatientSample maps to the patient_blood_sample table. BloodGroup is empty
// until the sample is typed.
type PatientSample struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	BranchID       uuid.UUID  `db:"branch_id" json:"branch_id"`
	RequestID      uuid.UUID  `db:"request_id" json:"request_id"`
	PatientID      uuid.UUID  `db:"patient_id" json:"patient_id"`
	BloodGroup     BloodGroup `db:"blood_group" json:"blood_group,omitempty"`
	AntibodyScreen string     `db:"antibody_screen" json:"antibody_screen,omitempty"`
	CollectedAt    time.Time  `db:"collected_at" json:"collected_at"`
	ReceivedBy     string     `db:"received_by" json:"received_by"`
	TypedBy        *string    `db:"typed_by" json:"typed_by,omitempty"`
	TypedAt        *time.Time `db:"typed_at" json:"typed_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

func (s *PatientSample) Typed() bool {
	return s != nil && s.BloodGroup != ""
}

type CrossMatchMethod string

const (
	MethodImmediateSpin CrossMatchMethod = "IMMEDIATE_SPIN"
	MethodAHG           CrossMatchMethod = "AHG_INDIRECT_COOMBS"
	MethodElectronic    CrossMatchMethod = "ELECTRONIC"
)

type CrossMatchResult string

const (
	XMPending      CrossMatchResult = "PENDING"
	XMCompatible   CrossMatchResult = "COMPATIBLE"
	XMIncompatible CrossMatchResult = "INCOMPATIBLE"
)

// CrossMatch maps to the cross_match_test table.
type CrossMatch struct {
	ID          uuid.UUID        `db:"id" json:"id"`
	BranchID    uuid.UUID        `db:"branch_id" json:"branch_id"`
	Number      string           `db:"number" json:"number"`
	RequestID   uuid.UUID        `db:"request_id" json:"request_id"`
	SampleID    uuid.UUID        `db:"sample_id" json:"sample_id"`
	UnitID      uuid.UUID        `db:"unit_id" json:"unit_id"`
	Method      CrossMatchMethod `db:"method" json:"method"`
	Result      CrossMatchResult `db:"result" json:"result"`
	PerformedBy string           `db:"performed_by" json:"performed_by"`
	Notes       string           `db:"notes" json:"notes,omitempty"`
	ValidUntil  *time.Time       `db:"valid_until" json:"valid_until,omitempty"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
}

type IssueStatus string

const (
	IssueIssued    IssueStatus = "ISSUED"
	IssueActive    IssueStatus = "ACTIVE"
	IssueCompleted IssueStatus = "COMPLETED"
	IssueReaction  IssueStatus = "REACTION"
	IssueReturned  IssueStatus = "RETURNED"
)

// BloodIssue maps to the blood_issue table. ClosedAt is set once the issue
// reaches an end state that needs no further work.
type BloodIssue struct {
	ID             uuid.UUID   `db:"id" json:"id"`
	BranchID       uuid.UUID   `db:"branch_id" json:"branch_id"`
	IssueNumber    string      `db:"issue_number" json:"issue_number"`
	UnitID         uuid.UUID   `db:"unit_id" json:"unit_id"`
	RequestID      uuid.UUID   `db:"request_id" json:"request_id"`
	CrossMatchID   *uuid.UUID  `db:"cross_match_id" json:"cross_match_id,omitempty"`
	Status         IssueStatus `db:"status" json:"status"`
	IssuedTo       string      `db:"issued_to" json:"issued_to"`
	IssuedBy       string      `db:"issued_by" json:"issued_by"`
	TransportTempC *float64    `db:"transport_temp_c" json:"transport_temp_c,omitempty"`
	IsEmergency    bool        `db:"is_emergency_issue" json:"is_emergency_issue"`
	MTPSessionID   *uuid.UUID  `db:"mtp_session_id" json:"mtp_session_id,omitempty"`
	IssuedAt       time.Time   `db:"issued_at" json:"issued_at"`
	ReturnedAt     *time.Time  `db:"returned_at" json:"returned_at,omitempty"`
	ReturnReason   string      `db:"return_reason" json:"return_reason,omitempty"`
	ClosedAt       *time.Time  `db:"closed_at" json:"closed_at,omitempty"`
}

// VitalsEntry is one observation appended to a vitals bucket.
type VitalsEntry struct {
	RecordedAt  time.Time `json:"recorded_at"`
	RecordedBy  string    `json:"recorded_by"`
	TempC       *float64  `json:"temp_c,omitempty"`
	Pulse       *int      `json:"pulse,omitempty"`
	SystolicBP  *int      `json:"systolic_bp,omitempty"`
	DiastolicBP *int      `json:"diastolic_bp,omitempty"`
	RespRate    *int      `json:"resp_rate,omitempty"`
	SpO2        *int      `json:"spo2,omitempty"`
	Notes       string    `json:"notes,omitempty"`
}

type VitalsBucket string

const (
	BucketPre   VitalsBucket = "pre"
	Bucket15Min VitalsBucket = "15min"
	Bucket30Min VitalsBucket = "30min"
	Bucket1Hr   VitalsBucket = "1hr"
)

// TransfusionRecord maps to the transfusion_record table. Vitals buckets are
// append-only JSONB arrays.
type TransfusionRecord struct {
	ID                uuid.UUID     `db:"id" json:"id"`
	BranchID          uuid.UUID     `db:"branch_id" json:"branch_id"`
	IssueID           uuid.UUID     `db:"issue_id" json:"issue_id"`
	PatientID         uuid.UUID     `db:"patient_id" json:"patient_id"`
	BedsideVerified   bool          `db:"bedside_verified" json:"bedside_verified"`
	BedsideVerifiedBy *string       `db:"bedside_verified_by" json:"bedside_verified_by,omitempty"`
	SecondVerifierID  *string       `db:"second_verifier_id" json:"second_verifier_id,omitempty"`
	BedsideVerifiedAt *time.Time    `db:"bedside_verified_at" json:"bedside_verified_at,omitempty"`
	ClinicianOverride bool          `db:"clinician_override" json:"clinician_override"`
	StartedAt         *time.Time    `db:"started_at" json:"started_at,omitempty"`
	StartedBy         *string       `db:"started_by" json:"started_by,omitempty"`
	EndedAt           *time.Time    `db:"ended_at" json:"ended_at,omitempty"`
	EndedBy           *string       `db:"ended_by" json:"ended_by,omitempty"`
	Outcome           string        `db:"outcome" json:"outcome,omitempty"`
	HasReaction       bool          `db:"has_reaction" json:"has_reaction"`
	PreVitals         []VitalsEntry `db:"pre_vitals" json:"pre_vitals"`
	Vitals15Min       []VitalsEntry `db:"vitals_15min" json:"vitals_15min"`
	Vitals30Min       []VitalsEntry `db:"vitals_30min" json:"vitals_30min"`
	Vitals1Hr         []VitalsEntry `db:"vitals_1hr" json:"vitals_1hr"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
}

type ReactionSeverity string

const (
	SeverityMild            ReactionSeverity = "MILD"
	SeverityModerate        ReactionSeverity = "MODERATE"
	SeveritySevere          ReactionSeverity = "SEVERE"
	SeverityLifeThreatening ReactionSeverity = "LIFE_THREATENING"
)

func (s ReactionSeverity) Valid() bool {
	switch s {
	case SeverityMild, SeverityModerate, SeveritySevere, SeverityLifeThreatening:
		return true
	}
	return false
}

type ReactionType string

const (
	ReactionFebrile          ReactionType = "FEBRILE"
	ReactionAllergic         ReactionType = "ALLERGIC"
	ReactionAnaphylaxis      ReactionType = "ANAPHYLAXIS"
	ReactionAcuteHemolytic   ReactionType = "ACUTE_HEMOLYTIC"
	ReactionDelayedHemolytic ReactionType = "DELAYED_HEMOLYTIC"
	ReactionTACO             ReactionType = "TACO"
	ReactionTRALI            ReactionType = "TRALI"
	ReactionBacterial        ReactionType = "BACTERIAL"
	ReactionOther            ReactionType = "OTHER"
)

func (t ReactionType) Valid() bool {
	switch t {
	case ReactionFebrile, ReactionAllergic, ReactionAnaphylaxis, ReactionAcuteHemolytic,
		ReactionDelayedHemolytic, ReactionTACO, ReactionTRALI, ReactionBacterial, ReactionOther:
		return true
	}
	return false
}

// TransfusionReaction maps to the transfusion_reaction table.
type TransfusionReaction struct {
	ID                 uuid.UUID        `db:"id" json:"id"`
	BranchID           uuid.UUID        `db:"branch_id" json:"branch_id"`
	TransfusionID      uuid.UUID        `db:"transfusion_id" json:"transfusion_id"`
	IssueID            uuid.UUID        `db:"issue_id" json:"issue_id"`
	PatientID          uuid.UUID        `db:"patient_id" json:"patient_id"`
	Type               ReactionType     `db:"type" json:"type"`
	Severity           ReactionSeverity `db:"severity" json:"severity"`
	Description        string           `db:"description" json:"description,omitempty"`
	TransfusionStopped bool             `db:"transfusion_stopped" json:"transfusion_stopped"`
	ReportedBy         string           `db:"reported_by" json:"reported_by"`
	ReportedAt         time.Time        `db:"reported_at" json:"reported_at"`
	WorkupClosedAt     *time.Time       `db:"workup_closed_at" json:"workup_closed_at,omitempty"`
	WorkupClosedBy     *string          `db:"workup_closed_by" json:"workup_closed_by,omitempty"`
	WorkupFindings     string           `db:"workup_findings" json:"workup_findings,omitempty"`
}

// HighSignal reports whether the reaction warrants a donor look-back and
// blocks future non-emergency starts without a clinician override.
func (r *TransfusionReaction) HighSignal() bool {
	switch r.Severity {
	case SeveritySevere, SeverityLifeThreatening:
		return true
	}
	switch r.Type {
	case ReactionAnaphylaxis, ReactionAcuteHemolytic, ReactionBacterial:
		return true
	}
	return false
}

type MTPStatus string

const (
	MTPActive      MTPStatus = "ACTIVE"
	MTPDeactivated MTPStatus = "DEACTIVATED"
)

// PackRatio is the per-release component composition of an MTP pack.
type PackRatio struct {
	PRBC      int `json:"prbc"`
	FFP       int `json:"ffp"`
	Platelets int `json:"platelets"`
}

var DefaultPackRatio = PackRatio{PRBC: 4, FFP: 4, Platelets: 0}

func (r PackRatio) Valid() bool {
	return r.PRBC >= 0 && r.FFP >= 0 && r.Platelets >= 0 && r.PRBC+r.FFP+r.Platelets > 0
}

// MTPSession maps to the mtp_session table. PatientGroup is empty while the
// patient is untyped.
type MTPSession struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	BranchID      uuid.UUID  `db:"branch_id" json:"branch_id"`
	PatientID     uuid.UUID  `db:"patient_id" json:"patient_id"`
	PatientGroup  BloodGroup `db:"patient_group" json:"patient_group,omitempty"`
	Status        MTPStatus  `db:"status" json:"status"`
	Ratio         PackRatio  `db:"ratio" json:"ratio"`
	Indication    string     `db:"indication" json:"indication,omitempty"`
	ActivatedBy   string     `db:"activated_by" json:"activated_by"`
	ActivatedAt   time.Time  `db:"activated_at" json:"activated_at"`
	DeactivatedBy *string    `db:"deactivated_by" json:"deactivated_by,omitempty"`
	DeactivatedAt *time.Time `db:"deactivated_at" json:"deactivated_at,omitempty"`
	PacksReleased int        `db:"packs_released" json:"packs_released"`
}

type LookbackStatus string

const (
	LookbackOpen   LookbackStatus = "OPEN"
	LookbackClosed LookbackStatus = "CLOSED"
)

type LookbackTrigger string

const (
	TriggerTTIReactive LookbackTrigger = "TTI_REACTIVE"
	TriggerReaction    LookbackTrigger = "TRANSFUSION_REACTION"
	TriggerManual      LookbackTrigger = "MANUAL"
)

// LookbackUnit is one unit the case quarantined, with the status it had.
type LookbackUnit struct {
	UnitID      uuid.UUID  `json:"unit_id"`
	UnitNumber  string     `json:"unit_number"`
	PriorStatus UnitStatus `json:"prior_status"`
}

// LookbackSnapshot is stored as JSONB on the case.
type LookbackSnapshot struct {
	Quarantined []LookbackUnit `json:"quarantined"`
	Released    []uuid.UUID    `json:"released,omitempty"`
}

// LookbackCase maps to the lookback_case table.
type LookbackCase struct {
	ID            uuid.UUID        `db:"id" json:"id"`
	BranchID      uuid.UUID        `db:"branch_id" json:"branch_id"`
	CaseNumber    string           `db:"case_number" json:"case_number"`
	DonorID       *uuid.UUID       `db:"donor_id" json:"donor_id,omitempty"`
	TriggerUnitID uuid.UUID        `db:"trigger_unit_id" json:"trigger_unit_id"`
	TriggerType   LookbackTrigger  `db:"trigger_type" json:"trigger_type"`
	TriggerRef    string           `db:"trigger_ref" json:"trigger_ref,omitempty"`
	Status        LookbackStatus   `db:"status" json:"status"`
	Snapshot      LookbackSnapshot `db:"snapshot" json:"snapshot"`
	OpenedBy      string           `db:"opened_by" json:"opened_by"`
	OpenedAt      time.Time        `db:"opened_at" json:"opened_at"`
	ClosedBy      *string          `db:"closed_by" json:"closed_by,omitempty"`
	ClosedAt      *time.Time       `db:"closed_at" json:"closed_at,omitempty"`
	Findings      string           `db:"findings" json:"findings,omitempty"`
}
