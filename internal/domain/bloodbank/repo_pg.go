package bloodbank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bloodbank/bloodbank/internal/platform/db"
)

const pgUniqueViolation = "23505"

// numberAttempts bounds how often a clashing generated number is replaced.
const numberAttempts = 5

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG returns the Postgres Store. Every call runs on the transaction
// or tenant connection carried by ctx when there is one.
func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

func (r *storePG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// insertNumbered runs insert, replacing *number with renumber(*number) when
// it clashes with the unique index named by index. Inside a transaction each
// attempt runs under a savepoint so a clash leaves the transaction usable.
func (r *storePG) insertNumbered(ctx context.Context, index string, number *string, renumber func(string) string, insert func(q db.Querier) error) error {
	for attempt := 1; ; attempt++ {
		var err error
		if tx := db.TxFromContext(ctx); tx != nil {
			err = pgx.BeginFunc(ctx, tx, func(sp pgx.Tx) error { return insert(sp) })
		} else {
			err = insert(r.conn(ctx))
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation || pgErr.ConstraintName != index {
			return err
		}
		if attempt == numberAttempts {
			return conflict("could not allocate a unique number after %d attempts (last %s)", attempt, *number)
		}
		*number = renumber(*number)
	}
}

// regenerate draws a fresh number with the same prefix.
func regenerate(n string) string {
	prefix, _, _ := strings.Cut(n, "-")
	return newNumber(prefix, time.Now())
}

// nextSequence bumps the trailing counter of a LB-YYYYMMDD-NNN number.
func nextSequence(n string) string {
	i := strings.LastIndexByte(n, '-')
	seq, err := strconv.Atoi(n[i+1:])
	if i < 0 || err != nil {
		return regenerate(n)
	}
	return fmt.Sprintf("%s-%03d", n[:i], seq+1)
}

// one maps a missing row onto ErrNotFound.
func one(err error, entity string, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(entity, id)
	}
	return err
}

// maybe maps a missing row onto a nil result.
func maybe[T any](v *T, err error) (*T, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func collect[T any](rows pgx.Rows, err error, scan func(pgx.Row) (*T, error)) ([]T, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *v)
	}
	return items, rows.Err()
}

func expectOne(tag pgconn.CommandTag, err error, entity string, id uuid.UUID) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(entity, id)
	}
	return nil
}

func strs[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

// =========== Units ===========

const unitCols = `id, branch_id, unit_number, barcode, donor_id, blood_group, component, bag_type,
	volume_ml, status, collected_at, expiry_date, parent_unit_id, seq, created_at, updated_at`

func scanUnit(row pgx.Row) (*BloodUnit, error) {
	var u BloodUnit
	err := row.Scan(&u.ID, &u.BranchID, &u.UnitNumber, &u.Barcode, &u.DonorID, &u.BloodGroup, &u.Component, &u.BagType,
		&u.VolumeML, &u.Status, &u.CollectedAt, &u.ExpiryDate, &u.ParentUnitID, &u.Seq, &u.CreatedAt, &u.UpdatedAt)
	return &u, err
}

func (r *storePG) CreateUnit(ctx context.Context, u *BloodUnit) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO blood_unit (id, branch_id, unit_number, barcode, donor_id, blood_group, component, bag_type,
			volume_ml, status, collected_at, expiry_date, parent_unit_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING seq`,
		u.ID, u.BranchID, u.UnitNumber, u.Barcode, u.DonorID, string(u.BloodGroup), string(u.Component), string(u.BagType),
		u.VolumeML, string(u.Status), u.CollectedAt, u.ExpiryDate, u.ParentUnitID, u.CreatedAt, u.UpdatedAt,
	).Scan(&u.Seq)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return conflict("unit number %s already exists at this branch", u.UnitNumber)
	}
	return err
}

func (r *storePG) GetUnit(ctx context.Context, id uuid.UUID) (*BloodUnit, error) {
	u, err := scanUnit(r.conn(ctx).QueryRow(ctx, `SELECT `+unitCols+` FROM blood_unit WHERE id = $1`, id))
	if err != nil {
		return nil, one(err, "blood unit", id)
	}
	return u, nil
}

func (r *storePG) UpdateUnit(ctx context.Context, u *BloodUnit) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE blood_unit SET branch_id=$2, barcode=$3, donor_id=$4, blood_group=$5, component=$6,
			bag_type=$7, volume_ml=$8, collected_at=$9, expiry_date=$10, updated_at=$11
		WHERE id = $1`,
		u.ID, u.BranchID, u.Barcode, u.DonorID, string(u.BloodGroup), string(u.Component),
		string(u.BagType), u.VolumeML, u.CollectedAt, u.ExpiryDate, u.UpdatedAt)
	return expectOne(tag, err, "blood unit", u.ID)
}

func (r *storePG) CASUnitStatus(ctx context.Context, id uuid.UUID, from, to UnitStatus) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE blood_unit SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, string(from), string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *storePG) ListUnits(ctx context.Context, f UnitFilter) ([]BloodUnit, error) {
	query := `SELECT ` + unitCols + ` FROM blood_unit WHERE branch_id = $1`
	args := []interface{}{f.BranchID}
	idx := 2

	if f.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, string(f.Status))
		idx++
	}
	if f.Component != "" {
		query += fmt.Sprintf(` AND component = $%d`, idx)
		args = append(args, string(f.Component))
		idx++
	}
	if f.Group != "" {
		query += fmt.Sprintf(` AND blood_group = $%d`, idx)
		args = append(args, string(f.Group))
		idx++
	}
	if f.DonorID != nil {
		query += fmt.Sprintf(` AND donor_id = $%d`, idx)
		args = append(args, *f.DonorID)
		idx++
	}
	query += ` ORDER BY created_at DESC, seq DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, idx, idx+1)
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	return collect(rows, err, scanUnit)
}

func (r *storePG) ListChildUnits(ctx context.Context, parentID uuid.UUID) ([]BloodUnit, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+unitCols+` FROM blood_unit WHERE parent_unit_id = $1 ORDER BY seq`, parentID)
	return collect(rows, err, scanUnit)
}

// FEFOCandidates pages with a row-value comparison so the keyset matches the
// ORDER BY exactly.
func (r *storePG) FEFOCandidates(ctx context.Context, q CandidateQuery) ([]BloodUnit, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + unitCols + ` FROM blood_unit
		WHERE branch_id = $1 AND component = $2 AND status = 'AVAILABLE' AND expiry_date > $3`)
	args := []interface{}{q.BranchID, string(q.Component), q.Now}
	idx := 4
	if q.Groups != nil {
		fmt.Fprintf(&b, ` AND blood_group = ANY($%d)`, idx)
		args = append(args, strs(q.Groups))
		idx++
	}
	if q.After != nil {
		fmt.Fprintf(&b, ` AND (expiry_date, created_at, seq) > ($%d, $%d, $%d)`, idx, idx+1, idx+2)
		args = append(args, q.After.Expiry, q.After.CreatedAt, q.After.Seq)
		idx += 3
	}
	fmt.Fprintf(&b, ` ORDER BY expiry_date, created_at, seq LIMIT $%d`, idx)
	args = append(args, q.Limit)

	rows, err := r.conn(ctx).Query(ctx, b.String(), args...)
	return collect(rows, err, scanUnit)
}

func (r *storePG) ListSeparationOverdue(ctx context.Context, branchID uuid.UUID, cutoff time.Time) ([]BloodUnit, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+unitCols+` FROM blood_unit p
		WHERE p.branch_id = $1
			AND p.bag_type IN ('DOUBLE', 'TRIPLE', 'QUADRUPLE')
			AND p.status IN ('COLLECTED', 'TESTING')
			AND p.created_at < $2
			AND NOT EXISTS (SELECT 1 FROM blood_unit c WHERE c.parent_unit_id = p.id)
		ORDER BY p.created_at`, branchID, cutoff)
	return collect(rows, err, scanUnit)
}

// =========== Testing ===========

const groupingCols = `id, unit_id, blood_group, tested_by, verified_by, verified_at, has_discrepancy, notes, created_at`

func scanGrouping(row pgx.Row) (*GroupingResult, error) {
	var g GroupingResult
	err := row.Scan(&g.ID, &g.UnitID, &g.BloodGroup, &g.TestedBy, &g.VerifiedBy, &g.VerifiedAt,
		&g.HasDiscrepancy, &g.Notes, &g.CreatedAt)
	return &g, err
}

func (r *storePG) CreateGrouping(ctx context.Context, g *GroupingResult) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO blood_grouping_result (`+groupingCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		g.ID, g.UnitID, string(g.BloodGroup), g.TestedBy, g.VerifiedBy, g.VerifiedAt, g.HasDiscrepancy, g.Notes, g.CreatedAt)
	return err
}

func (r *storePG) GetGrouping(ctx context.Context, id uuid.UUID) (*GroupingResult, error) {
	g, err := scanGrouping(r.conn(ctx).QueryRow(ctx, `SELECT `+groupingCols+` FROM blood_grouping_result WHERE id = $1`, id))
	if err != nil {
		return nil, one(err, "grouping result", id)
	}
	return g, nil
}

func (r *storePG) UpdateGrouping(ctx context.Context, g *GroupingResult) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE blood_grouping_result SET verified_by=$2, verified_at=$3, has_discrepancy=$4, notes=$5
		WHERE id = $1`, g.ID, g.VerifiedBy, g.VerifiedAt, g.HasDiscrepancy, g.Notes)
	return expectOne(tag, err, "grouping result", g.ID)
}

func (r *storePG) ListGroupings(ctx context.Context, unitID uuid.UUID) ([]GroupingResult, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+groupingCols+` FROM blood_grouping_result WHERE unit_id = $1 ORDER BY created_at, id`, unitID)
	return collect(rows, err, scanGrouping)
}

const ttiCols = `id, unit_id, test_name, result, method, tested_by, tested_at, verified_by, verified_at, created_at`

func scanTTI(row pgx.Row) (*TTITestRecord, error) {
	var t TTITestRecord
	err := row.Scan(&t.ID, &t.UnitID, &t.TestName, &t.Result, &t.Method, &t.TestedBy, &t.TestedAt,
		&t.VerifiedBy, &t.VerifiedAt, &t.CreatedAt)
	return &t, err
}

func (r *storePG) CreateTTI(ctx context.Context, t *TTITestRecord) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO tti_test_record (`+ttiCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		t.ID, t.UnitID, t.TestName, string(t.Result), t.Method, t.TestedBy, t.TestedAt, t.VerifiedBy, t.VerifiedAt, t.CreatedAt)
	return err
}

func (r *storePG) GetTTI(ctx context.Context, id uuid.UUID) (*TTITestRecord, error) {
	t, err := scanTTI(r.conn(ctx).QueryRow(ctx, `SELECT `+ttiCols+` FROM tti_test_record WHERE id = $1`, id))
	if err != nil {
		return nil, one(err, "TTI test record", id)
	}
	return t, nil
}

func (r *storePG) UpdateTTI(ctx context.Context, t *TTITestRecord) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE tti_test_record SET result=$2, verified_by=$3, verified_at=$4
		WHERE id = $1`, t.ID, string(t.Result), t.VerifiedBy, t.VerifiedAt)
	return expectOne(tag, err, "TTI test record", t.ID)
}

func (r *storePG) ListTTI(ctx context.Context, unitID uuid.UUID) ([]TTITestRecord, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+ttiCols+` FROM tti_test_record WHERE unit_id = $1 ORDER BY tested_at, created_at, id`, unitID)
	return collect(rows, err, scanTTI)
}

// =========== Cold chain ===========

const equipmentCols = `id, branch_id, name, type, min_temp_c, max_temp_c, is_active, is_default, calibration_due_at, created_at`

func scanEquipment(row pgx.Row) (*Equipment, error) {
	var e Equipment
	err := row.Scan(&e.ID, &e.BranchID, &e.Name, &e.Type, &e.MinTempC, &e.MaxTempC, &e.IsActive, &e.IsDefault,
		&e.CalibrationDueAt, &e.CreatedAt)
	return &e, err
}

func (r *storePG) CreateEquipment(ctx context.Context, e *Equipment) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO bb_equipment (`+equipmentCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.BranchID, e.Name, string(e.Type), e.MinTempC, e.MaxTempC, e.IsActive, e.IsDefault, e.CalibrationDueAt, e.CreatedAt)
	return err
}

func (r *storePG) GetEquipment(ctx context.Context, id uuid.UUID) (*Equipment, error) {
	e, err := scanEquipment(r.conn(ctx).QueryRow(ctx, `SELECT `+equipmentCols+` FROM bb_equipment WHERE id = $1`, id))
	if err != nil {
		return nil, one(err, "equipment", id)
	}
	return e, nil
}

func (r *storePG) UpdateEquipment(ctx context.Context, e *Equipment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE bb_equipment SET name=$2, type=$3, min_temp_c=$4, max_temp_c=$5, is_active=$6,
			is_default=$7, calibration_due_at=$8
		WHERE id = $1`,
		e.ID, e.Name, string(e.Type), e.MinTempC, e.MaxTempC, e.IsActive, e.IsDefault, e.CalibrationDueAt)
	return expectOne(tag, err, "equipment", e.ID)
}

func (r *storePG) ListEquipment(ctx context.Context, branchID uuid.UUID) ([]Equipment, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+equipmentCols+` FROM bb_equipment WHERE branch_id = $1 ORDER BY name, id`, branchID)
	return collect(rows, err, scanEquipment)
}

const slotCols = `id, unit_id, equipment_id, shelf, assigned_at, removed_at`

func scanSlot(row pgx.Row) (*InventorySlot, error) {
	var s InventorySlot
	err := row.Scan(&s.ID, &s.UnitID, &s.EquipmentID, &s.Shelf, &s.AssignedAt, &s.RemovedAt)
	return &s, err
}

func (r *storePG) CreateSlot(ctx context.Context, s *InventorySlot) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO blood_inventory_slot (`+slotCols+`) VALUES ($1,$2,$3,$4,$5,$6)`,
		s.ID, s.UnitID, s.EquipmentID, s.Shelf, s.AssignedAt, s.RemovedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return conflict("unit %s is already slotted", s.UnitID)
	}
	return err
}

func (r *storePG) GetActiveSlot(ctx context.Context, unitID uuid.UUID) (*InventorySlot, error) {
	return maybe(scanSlot(r.conn(ctx).QueryRow(ctx,
		`SELECT `+slotCols+` FROM blood_inventory_slot WHERE unit_id = $1 AND removed_at IS NULL`, unitID)))
}

func (r *storePG) CloseSlot(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE blood_inventory_slot SET removed_at = $2 WHERE id = $1 AND removed_at IS NULL`, id, at)
	return err
}

const tempLogCols = `id, branch_id, equipment_id, temp_c, recorded_at, recorded_by, is_breach,
	acknowledged_by, acknowledged_at, notes`

func scanTempLog(row pgx.Row) (*TempLog, error) {
	var l TempLog
	err := row.Scan(&l.ID, &l.BranchID, &l.EquipmentID, &l.TempC, &l.RecordedAt, &l.RecordedBy, &l.IsBreach,
		&l.AcknowledgedBy, &l.AcknowledgedAt, &l.Notes)
	return &l, err
}

func (r *storePG) CreateTempLog(ctx context.Context, l *TempLog) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO bb_temp_log (`+tempLogCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		l.ID, l.BranchID, l.EquipmentID, l.TempC, l.RecordedAt, l.RecordedBy, l.IsBreach,
		l.AcknowledgedBy, l.AcknowledgedAt, l.Notes)
	return err
}

func (r *storePG) GetTempLog(ctx context.Context, id uuid.UUID) (*TempLog, error) {
	l, err := scanTempLog(r.conn(ctx).QueryRow(ctx, `SELECT `+tempLogCols+` FROM bb_temp_log WHERE id = $1`, id))
	if err != nil {
		return nil, one(err, "temperature log", id)
	}
	return l, nil
}

func (r *storePG) UpdateTempLog(ctx context.Context, l *TempLog) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE bb_temp_log SET acknowledged_by=$2, acknowledged_at=$3, notes=$4 WHERE id = $1`,
		l.ID, l.AcknowledgedBy, l.AcknowledgedAt, l.Notes)
	return expectOne(tag, err, "temperature log", l.ID)
}

func (r *storePG) ListOpenBreaches(ctx context.Context, equipmentID uuid.UUID) ([]TempLog, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+tempLogCols+` FROM bb_temp_log
		WHERE equipment_id = $1 AND is_breach AND acknowledged_at IS NULL
		ORDER BY recorded_at`, equipmentID)
	return collect(rows, err, scanTempLog)
}

// =========== Transfers ===========

const transferCols = `id, unit_id, from_branch_id, to_branch_id, status, initiated_by, dispatched_at,
	received_at, received_by, notes, created_at`

func scanTransfer(row pgx.Row) (*UnitTransfer, error) {
	var t UnitTransfer
	err := row.Scan(&t.ID, &t.UnitID, &t.FromBranchID, &t.ToBranchID, &t.Status, &t.InitiatedBy, &t.DispatchedAt,
		&t.ReceivedAt, &t.ReceivedBy, &t.Notes, &t.CreatedAt)
	return &t, err
}

func (r *storePG) CreateTransfer(ctx context.Context, t *UnitTransfer) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO unit_transfer (`+transferCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.ID, t.UnitID, t.FromBranchID, t.ToBranchID, string(t.Status), t.InitiatedBy, t.DispatchedAt,
		t.ReceivedAt, t.ReceivedBy, t.Notes, t.CreatedAt)
	return err
}

func (r *storePG) GetTransfer(ctx context.Context, id uuid.UUID) (*UnitTransfer, error) {
	t, err := scanTransfer(r.conn(ctx).QueryRow(ctx, `SELECT `+transferCols+` FROM unit_transfer WHERE id = $1`, id))
	if err != nil {
		return nil, one(err, "unit transfer", id)
	}
	return t, nil
}

func (r *storePG) UpdateTransfer(ctx context.Context, t *UnitTransfer) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE unit_transfer SET status=$2, dispatched_at=$3, received_at=$4, received_by=$5, notes=$6
		WHERE id = $1`, t.ID, string(t.Status), t.DispatchedAt, t.ReceivedAt, t.ReceivedBy, t.Notes)
	return expectOne(tag, err, "unit transfer", t.ID)
}

// =========== Requests ===========

const requestCols = `id, branch_id, request_number, patient_id, component, quantity, issued_count, urgency,
	status, indication, requested_by, mtp_session_id, status_reason, created_at, updated_at`

func scanRequest(row pgx.Row) (*BloodRequest, error) {
	var q BloodRequest
	err := row.Scan(&q.ID, &q.BranchID, &q.RequestNumber, &q.PatientID, &q.Component, &q.Quantity, &q.IssuedCount,
		&q.Urgency, &q.Status, &q.Indication, &q.RequestedBy, &q.MTPSessionID, &q.StatusReason, &q.CreatedAt, &q.UpdatedAt)
	return &q, err
}

func (r *storePG) CreateRequest(ctx context.Context, q *BloodRequest) error {
	return r.insertNumbered(ctx, "uq_blood_request_number", &q.RequestNumber, regenerate, func(conn db.Querier) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO blood_request (`+requestCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			q.ID, q.BranchID, q.RequestNumber, q.PatientID, string(q.Component), q.Quantity, q.IssuedCount,
			string(q.Urgency), string(q.Status), q.Indication, q.RequestedBy, q.MTPSessionID, q.StatusReason, q.CreatedAt, q.UpdatedAt)
		return err
	})
}

func (r *storePG) GetRequest(ctx context.Context, id uuid.UUID) (*BloodRequest, error) {
	q, err := scanRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+requestCols+` FROM blood_request WHERE id = $1`, id))
	if err != nil {
		return nil, one(err, "blood request", id)
	}
	return q, nil
}

func (r *storePG) UpdateRequest(ctx context.Context, q *BloodRequest) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE blood_request SET issued_count=$2, status=$3, status_reason=$4, updated_at=$5
		WHERE id = $1`, q.ID, q.IssuedCount, string(q.Status), q.StatusReason, q.UpdatedAt)
	return expectOne(tag, err, "blood request", q.ID)
}

func (r *storePG) ListRequests(ctx context.Context, branchID uuid.UUID, status RequestStatus, limit, offset int) ([]BloodRequest, error) {
	query := `SELECT ` + requestCols + ` FROM blood_request WHERE branch_id = $1`
	args := []interface{}{branchID}
	idx := 2
	if status != "" {
		query += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, string(status))
		idx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	return collect(rows, err, scanRequest)
}

const sampleCols = `id, branch_id, request_id, patient_id, blood_group, antibody_screen, collected_at,
	received_by, typed_by, typed_at, created_at`

func scanSample(row pgx.Row) (*PatientSample, error) {
	var s PatientSample
	err := row.Scan(&s.ID, &s.BranchID, &s.RequestID, &s.PatientID, &s.BloodGroup, &s.AntibodyScreen, &s.CollectedAt,
		&s.ReceivedBy, &s.TypedBy, &s.TypedAt, &s.CreatedAt)
	return &s, err
}

func (r *storePG) CreateSample(ctx context.Context, s *PatientSample) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_blood_sample (`+sampleCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		s.ID, s.BranchID, s.RequestID, s.PatientID, string(s.BloodGroup), s.AntibodyScreen, s.CollectedAt,
		s.ReceivedBy, s.TypedBy, s.TypedAt, s.CreatedAt)
	return err
}

func (r *storePG) GetSample(ctx context.Context, id uuid.UUID) (*PatientSample, error) {
	s, err := scanSample(r.conn(ctx).QueryRow(ctx, `SELECT `+sampleCols+` FROM patient_blood_sample WHERE id = $1`, id))
	if err != nil {
		return nil, one(err, "patient sample", id)
	}
	return s, nil
}

func (r *storePG) UpdateSample(ctx context.Context, s *PatientSample) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient_blood_sample SET blood_group=$2, antibody_screen=$3, typed_by=$4, typed_at=$5
		WHERE id = $1`, s.ID, string(s.BloodGroup), s.AntibodyScreen, s.TypedBy, s.TypedAt)
	return expectOne(tag, err, "patient sample", s.ID)
}

func (r *storePG) LatestSample(ctx context.Context, requestID uuid.UUID) (*PatientSample, error) {
	return maybe(scanSample(r.conn(ctx).QueryRow(ctx, `
		SELECT `+sampleCols+` FROM patient_blood_sample
		WHERE request_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, requestID)))
}

// =========== Cross-match ===========

const crossMatchCols = `id, branch_id, number, request_id, sample_id, unit_id, method, result,
	performed_by, notes, valid_until, created_at`

func scanCrossMatch(row pgx.Row) (*CrossMatch, error) {
	var x CrossMatch
	err := row.Scan(&x.ID, &x.BranchID, &x.Number, &x.RequestID, &x.SampleID, &x.UnitID, &x.Method, &x.Result,
		&x.PerformedBy, &x.Notes, &x.ValidUntil, &x.CreatedAt)
	return &x, err
}

func (r *storePG) CreateCrossMatch(ctx context.Context, x *CrossMatch) error {
	return r.insertNumbered(ctx, "uq_cross_match_number", &x.Number, regenerate, func(conn db.Querier) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO cross_match_test (`+crossMatchCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			x.ID, x.BranchID, x.Number, x.RequestID, x.SampleID, x.UnitID, string(x.Method), string(x.Result),
			x.PerformedBy, x.Notes, x.ValidUntil, x.CreatedAt)
		return err
	})
}

func (r *storePG) GetCrossMatch(ctx context.Context, id uuid.UUID) (*CrossMatch, error) {
	x, err := scanCrossMatch(r.conn(ctx).QueryRow(ctx, `SELECT `+crossMatchCols+` FROM cross_match_test WHERE id = $1`, id))
	if err != nil {
		return nil, one(err, "cross-match", id)
	}
	return x, nil
}

func (r *storePG) UpdateCrossMatch(ctx context.Context, x *CrossMatch) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE cross_match_test SET result=$2, notes=$3, valid_until=$4 WHERE id = $1`,
		x.ID, string(x.Result), x.Notes, x.ValidUntil)
	return expectOne(tag, err, "cross-match", x.ID)
}

func (r *storePG) ListCrossMatches(ctx context.Context, requestID uuid.UUID) ([]CrossMatch, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+crossMatchCols+` FROM cross_match_test WHERE request_id = $1 ORDER BY created_at, id`, requestID)
	return collect(rows, err, scanCrossMatch)
}

// =========== Issues ===========

const issueCols = `id, branch_id, issue_number, unit_id, request_id, cross_match_id, status, issued_to,
	issued_by, transport_temp_c, is_emergency_issue, mtp_session_id, issued_at, returned_at, return_reason, closed_at`

func scanIssue(row pgx.Row) (*BloodIssue, error) {
	var i BloodIssue
	err := row.Scan(&i.ID, &i.BranchID, &i.IssueNumber, &i.UnitID, &i.RequestID, &i.CrossMatchID, &i.Status, &i.IssuedTo,
		&i.IssuedBy, &i.TransportTempC, &i.IsEmergency, &i.MTPSessionID, &i.IssuedAt, &i.ReturnedAt, &i.ReturnReason, &i.ClosedAt)
	return &i, err
}

// CreateIssue relies on the unique index on cross_match_id to refuse a
// second issue against one cross-match.
func (r *storePG) CreateIssue(ctx context.Context, i *BloodIssue) error {
	err := r.insertNumbered(ctx, "uq_blood_issue_number", &i.IssueNumber, regenerate, func(conn db.Querier) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO blood_issue (`+issueCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			i.ID, i.BranchID, i.IssueNumber, i.UnitID, i.RequestID, i.CrossMatchID, string(i.Status), i.IssuedTo,
			i.IssuedBy, i.TransportTempC, i.IsEmergency, i.MTPSessionID, i.IssuedAt, i.ReturnedAt, i.ReturnReason, i.ClosedAt)
		return err
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return conflict("cross-match %v already has an issue", i.CrossMatchID)
	}
	return err
}

func (r *storePG) GetIssue(ctx context.Context, id uuid.UUID) (*BloodIssue, error) {
	i, err := scanIssue(r.conn(ctx).QueryRow(ctx, `SELECT `+issueCols+` FROM blood_issue WHERE id = $1`, id))
	if err != nil {
		return nil, one(err, "blood issue", id)
	}
	return i, nil
}

// UpdateIssue writes everything but status, which only moves through
// CASIssueStatus.
func (r *storePG) UpdateIssue(ctx context.Context, i *BloodIssue) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE blood_issue SET returned_at=$2, return_reason=$3, closed_at=$4 WHERE id = $1`,
		i.ID, i.ReturnedAt, i.ReturnReason, i.ClosedAt)
	return expectOne(tag, err, "blood issue", i.ID)
}

func (r *storePG) CASIssueStatus(ctx context.Context, id uuid.UUID, from, to IssueStatus) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE blood_issue SET status = $3 WHERE id = $1 AND status = $2`, id, string(from), string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *storePG) ListIssuesForRequest(ctx context.Context, requestID uuid.UUID) ([]BloodIssue, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+issueCols+` FROM blood_issue WHERE request_id = $1 ORDER BY issued_at, id`, requestID)
	return collect(rows, err, scanIssue)
}

func (r *storePG) ListIssuesForSession(ctx context.Context, sessionID uuid.UUID) ([]BloodIssue, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+issueCols+` FROM blood_issue WHERE mtp_session_id = $1 ORDER BY issued_at, id`, sessionID)
	return collect(rows, err, scanIssue)
}

// =========== Transfusion ===========

const transfusionCols = `id, branch_id, issue_id, patient_id, bedside_verified, bedside_verified_by,
	second_verifier_id, bedside_verified_at, clinician_override, started_at, started_by, ended_at, ended_by,
	outcome, has_reaction, pre_vitals, vitals_15min, vitals_30min, vitals_1hr, created_at`

func scanTransfusion(row pgx.Row) (*TransfusionRecord, error) {
	var (
		t                    TransfusionRecord
		pre, v15, v30, v1hr []byte
	)
	err := row.Scan(&t.ID, &t.BranchID, &t.IssueID, &t.PatientID, &t.BedsideVerified, &t.BedsideVerifiedBy,
		&t.SecondVerifierID, &t.BedsideVerifiedAt, &t.ClinicianOverride, &t.StartedAt, &t.StartedBy, &t.EndedAt, &t.EndedBy,
		&t.Outcome, &t.HasReaction, &pre, &v15, &v30, &v1hr, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	for _, b := range []struct {
		raw []byte
		dst *[]VitalsEntry
	}{{pre, &t.PreVitals}, {v15, &t.Vitals15Min}, {v30, &t.Vitals30Min}, {v1hr, &t.Vitals1Hr}} {
		if err := json.Unmarshal(b.raw, b.dst); err != nil {
			return nil, fmt.Errorf("decode vitals: %w", err)
		}
	}
	return &t, nil
}

func (r *storePG) CreateTransfusion(ctx context.Context, t *TransfusionRecord) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO transfusion_record (id, branch_id, issue_id, patient_id, bedside_verified, bedside_verified_by,
			second_verifier_id, bedside_verified_at, clinician_override, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		t.ID, t.BranchID, t.IssueID, t.PatientID, t.BedsideVerified, t.BedsideVerifiedBy,
		t.SecondVerifierID, t.BedsideVerifiedAt, t.ClinicianOverride, t.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return conflict("issue %s already has a transfusion record", t.IssueID)
	}
	return err
}

func (r *storePG) GetTransfusionByIssue(ctx context.Context, issueID uuid.UUID) (*TransfusionRecord, error) {
	return maybe(scanTransfusion(r.conn(ctx).QueryRow(ctx,
		`SELECT `+transfusionCols+` FROM transfusion_record WHERE issue_id = $1`, issueID)))
}

// UpdateTransfusion never touches the vitals buckets, and has_reaction can
// only be set, never cleared.
func (r *storePG) UpdateTransfusion(ctx context.Context, t *TransfusionRecord) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE transfusion_record SET bedside_verified=$2, bedside_verified_by=$3, second_verifier_id=$4,
			bedside_verified_at=$5, clinician_override=$6, started_at=$7, started_by=$8, ended_at=$9,
			ended_by=$10, outcome=$11, has_reaction = has_reaction OR $12
		WHERE id = $1`,
		t.ID, t.BedsideVerified, t.BedsideVerifiedBy, t.SecondVerifierID,
		t.BedsideVerifiedAt, t.ClinicianOverride, t.StartedAt, t.StartedBy, t.EndedAt,
		t.EndedBy, t.Outcome, t.HasReaction)
	return expectOne(tag, err, "transfusion record", t.ID)
}

var vitalsColumn = map[VitalsBucket]string{
	BucketPre:   "pre_vitals",
	Bucket15Min: "vitals_15min",
	Bucket30Min: "vitals_30min",
	Bucket1Hr:   "vitals_1hr",
}

// AppendVitals concatenates onto the JSONB array in place, guarded by the
// same row so a concurrent reaction report wins.
func (r *storePG) AppendVitals(ctx context.Context, id uuid.UUID, bucket VitalsBucket, e VitalsEntry) (bool, error) {
	col, ok := vitalsColumn[bucket]
	if !ok {
		return false, invalid("unknown vitals bucket %q", bucket)
	}
	entry, err := json.Marshal([]VitalsEntry{e})
	if err != nil {
		return false, fmt.Errorf("encode vitals: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, fmt.Sprintf(`
		UPDATE transfusion_record SET %[1]s = %[1]s || $2::jsonb
		WHERE id = $1 AND NOT has_reaction AND ended_at IS NULL`, col), id, entry)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const reactionCols = `id, branch_id, transfusion_id, issue_id, patient_id, type, severity, description,
	transfusion_stopped, reported_by, reported_at, workup_closed_at, workup_closed_by, workup_findings`

func scanReaction(row pgx.Row) (*TransfusionReaction, error) {
	var x TransfusionReaction
	err := row.Scan(&x.ID, &x.BranchID, &x.TransfusionID, &x.IssueID, &x.PatientID, &x.Type, &x.Severity, &x.Description,
		&x.TransfusionStopped, &x.ReportedBy, &x.ReportedAt, &x.WorkupClosedAt, &x.WorkupClosedBy, &x.WorkupFindings)
	return &x, err
}

func (r *storePG) CreateReaction(ctx context.Context, x *TransfusionReaction) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO transfusion_reaction (`+reactionCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		x.ID, x.BranchID, x.TransfusionID, x.IssueID, x.PatientID, string(x.Type), string(x.Severity), x.Description,
		x.TransfusionStopped, x.ReportedBy, x.ReportedAt, x.WorkupClosedAt, x.WorkupClosedBy, x.WorkupFindings)
	return err
}

func (r *storePG) GetReaction(ctx context.Context, id uuid.UUID) (*TransfusionReaction, error) {
	x, err := scanReaction(r.conn(ctx).QueryRow(ctx, `SELECT `+reactionCols+` FROM transfusion_reaction WHERE id = $1`, id))
	if err != nil {
		return nil, one(err, "transfusion reaction", id)
	}
	return x, nil
}

func (r *storePG) UpdateReaction(ctx context.Context, x *TransfusionReaction) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE transfusion_reaction SET workup_closed_at=$2, workup_closed_by=$3, workup_findings=$4
		WHERE id = $1`, x.ID, x.WorkupClosedAt, x.WorkupClosedBy, x.WorkupFindings)
	return expectOne(tag, err, "transfusion reaction", x.ID)
}

func (r *storePG) ListReactionsForTransfusion(ctx context.Context, transfusionID uuid.UUID) ([]TransfusionReaction, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+reactionCols+` FROM transfusion_reaction WHERE transfusion_id = $1 ORDER BY reported_at, id`, transfusionID)
	return collect(rows, err, scanReaction)
}

func (r *storePG) ListPatientReactions(ctx context.Context, patientID uuid.UUID) ([]TransfusionReaction, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+reactionCols+` FROM transfusion_reaction WHERE patient_id = $1 ORDER BY reported_at, id`, patientID)
	return collect(rows, err, scanReaction)
}

// =========== MTP ===========

const mtpCols = `id, branch_id, patient_id, patient_group, status, ratio, indication, activated_by,
	activated_at, deactivated_by, deactivated_at, packs_released`

func scanMTP(row pgx.Row) (*MTPSession, error) {
	var (
		m     MTPSession
		ratio []byte
	)
	err := row.Scan(&m.ID, &m.BranchID, &m.PatientID, &m.PatientGroup, &m.Status, &ratio, &m.Indication, &m.ActivatedBy,
		&m.ActivatedAt, &m.DeactivatedBy, &m.DeactivatedAt, &m.PacksReleased)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(ratio, &m.Ratio); err != nil {
		return nil, fmt.Errorf("decode pack ratio: %w", err)
	}
	return &m, nil
}

func (r *storePG) CreateMTPSession(ctx context.Context, m *MTPSession) error {
	ratio, err := json.Marshal(m.Ratio)
	if err != nil {
		return fmt.Errorf("encode pack ratio: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO mtp_session (`+mtpCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		m.ID, m.BranchID, m.PatientID, string(m.PatientGroup), string(m.Status), ratio, m.Indication, m.ActivatedBy,
		m.ActivatedAt, m.DeactivatedBy, m.DeactivatedAt, m.PacksReleased)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return conflict("patient %s already has an active MTP session", m.PatientID)
	}
	return err
}

func (r *storePG) GetMTPSession(ctx context.Context, id uuid.UUID) (*MTPSession, error) {
	m, err := scanMTP(r.conn(ctx).QueryRow(ctx, `SELECT `+mtpCols+` FROM mtp_session WHERE id = $1`, id))
	if err != nil {
		return nil, one(err, "MTP session", id)
	}
	return m, nil
}

func (r *storePG) UpdateMTPSession(ctx context.Context, m *MTPSession) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE mtp_session SET status=$2, deactivated_by=$3, deactivated_at=$4, packs_released=$5
		WHERE id = $1`, m.ID, string(m.Status), m.DeactivatedBy, m.DeactivatedAt, m.PacksReleased)
	return expectOne(tag, err, "MTP session", m.ID)
}

func (r *storePG) ActiveMTPForPatient(ctx context.Context, branchID, patientID uuid.UUID) (*MTPSession, error) {
	return maybe(scanMTP(r.conn(ctx).QueryRow(ctx, `
		SELECT `+mtpCols+` FROM mtp_session
		WHERE branch_id = $1 AND patient_id = $2 AND status = 'ACTIVE'`, branchID, patientID)))
}

// =========== Look-back ===========

const lookbackCols = `id, branch_id, case_number, donor_id, trigger_unit_id, trigger_type, trigger_ref, status,
	snapshot, opened_by, opened_at, closed_by, closed_at, findings`

func scanLookback(row pgx.Row) (*LookbackCase, error) {
	var (
		l    LookbackCase
		snap []byte
	)
	err := row.Scan(&l.ID, &l.BranchID, &l.CaseNumber, &l.DonorID, &l.TriggerUnitID, &l.TriggerType, &l.TriggerRef, &l.Status,
		&snap, &l.OpenedBy, &l.OpenedAt, &l.ClosedBy, &l.ClosedAt, &l.Findings)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(snap, &l.Snapshot); err != nil {
		return nil, fmt.Errorf("decode look-back snapshot: %w", err)
	}
	return &l, nil
}

func (r *storePG) CreateLookback(ctx context.Context, l *LookbackCase) error {
	snap, err := json.Marshal(l.Snapshot)
	if err != nil {
		return fmt.Errorf("encode look-back snapshot: %w", err)
	}
	return r.insertNumbered(ctx, "uq_lookback_case_number", &l.CaseNumber, nextSequence, func(conn db.Querier) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO lookback_case (`+lookbackCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			l.ID, l.BranchID, l.CaseNumber, l.DonorID, l.TriggerUnitID, string(l.TriggerType), l.TriggerRef, string(l.Status),
			snap, l.OpenedBy, l.OpenedAt, l.ClosedBy, l.ClosedAt, l.Findings)
		return err
	})
}

func (r *storePG) GetLookback(ctx context.Context, id uuid.UUID) (*LookbackCase, error) {
	l, err := scanLookback(r.conn(ctx).QueryRow(ctx, `SELECT `+lookbackCols+` FROM lookback_case WHERE id = $1`, id))
	if err != nil {
		return nil, one(err, "look-back case", id)
	}
	return l, nil
}

func (r *storePG) UpdateLookback(ctx context.Context, l *LookbackCase) error {
	snap, err := json.Marshal(l.Snapshot)
	if err != nil {
		return fmt.Errorf("encode look-back snapshot: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE lookback_case SET status=$2, snapshot=$3, closed_by=$4, closed_at=$5, findings=$6
		WHERE id = $1`, l.ID, string(l.Status), snap, l.ClosedBy, l.ClosedAt, l.Findings)
	return expectOne(tag, err, "look-back case", l.ID)
}

func (r *storePG) ListLookbacks(ctx context.Context, branchID uuid.UUID, status LookbackStatus, limit, offset int) ([]LookbackCase, error) {
	query := `SELECT ` + lookbackCols + ` FROM lookback_case WHERE branch_id = $1`
	args := []interface{}{branchID}
	idx := 2
	if status != "" {
		query += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, string(status))
		idx++
	}
	query += fmt.Sprintf(` ORDER BY opened_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	return collect(rows, err, scanLookback)
}

func (r *storePG) CountLookbacksOn(ctx context.Context, branchID uuid.UUID, at time.Time) (int, error) {
	day := at.UTC().Truncate(24 * time.Hour)
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM lookback_case
		WHERE branch_id = $1 AND opened_at >= $2 AND opened_at < $3`,
		branchID, day, day.Add(24*time.Hour)).Scan(&n)
	return n, err
}
