// Package audit persists the blood bank's durable audit trail. Entries are
// written on the transaction carried in the context so they commit or roll
// back with the state change they describe.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bloodbank/bloodbank/internal/platform/db"
	"github.com/bloodbank/bloodbank/internal/platform/middleware"
)

// Entry is one audit row. Action names are BB_* constants owned by the
// domain package.
type Entry struct {
	ID          uuid.UUID      `json:"id"`
	BranchID    uuid.UUID      `json:"branchId"`
	ActorUserID string         `json:"actorUserId"`
	Action      string         `json:"action"`
	Entity      string         `json:"entity"`
	EntityID    string         `json:"entityId"`
	Meta        map[string]any `json:"meta,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Logger writes entries to bb_audit_log and API access rows to
// bb_access_log. It uses the querier from ctx (transaction, then tenant
// connection) and falls back to the given querier, normally the pool.
type Logger struct {
	fallback db.Querier
}

func NewLogger(fallback db.Querier) *Logger {
	return &Logger{fallback: fallback}
}

func (l *Logger) conn(ctx context.Context) db.Querier {
	if q := db.ConnFromContext(ctx); q != nil {
		return q
	}
	return l.fallback
}

func (l *Logger) Log(ctx context.Context, e Entry) error {
	if e.Action == "" || e.Entity == "" {
		return fmt.Errorf("audit entry requires action and entity")
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("marshal audit meta: %w", err)
	}

	const insert = `
		INSERT INTO bb_audit_log (id, branch_id, actor_user_id, action, entity, entity_id, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	args := []any{e.ID, e.BranchID, e.ActorUserID, e.Action, e.Entity, e.EntityID, meta, e.CreatedAt}

	// Inside a transaction the insert runs under a savepoint, so a failed
	// audit write does not abort the caller's transaction.
	if tx := db.TxFromContext(ctx); tx != nil {
		err = pgx.BeginFunc(ctx, tx, func(sp pgx.Tx) error {
			_, err := sp.Exec(ctx, insert, args...)
			return err
		})
	} else {
		_, err = l.conn(ctx).Exec(ctx, insert, args...)
	}
	if err != nil {
		return fmt.Errorf("insert audit entry %s: %w", e.Action, err)
	}
	return nil
}

// ListForEntity returns the trail of one entity, oldest first.
func (l *Logger) ListForEntity(ctx context.Context, branchID uuid.UUID, entity, entityID string, limit int) ([]Entry, error) {
	rows, err := l.conn(ctx).Query(ctx, `
		SELECT id, branch_id, actor_user_id, action, entity, entity_id, meta, created_at
		FROM bb_audit_log
		WHERE branch_id = $1 AND entity = $2 AND entity_id = $3
		ORDER BY created_at, id
		LIMIT $4`, branchID, entity, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e    Entry
			meta []byte
		)
		if err := row.Scan(&e.ID, &e.BranchID, &e.ActorUserID, &e.Action, &e.Entity, &e.EntityID, &meta, &e.CreatedAt); err != nil {
			return e, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return e, fmt.Errorf("decode audit meta: %w", err)
			}
		}
		return e, nil
	})
}

// RecordAccess implements middleware.AccessRecorder.
func (l *Logger) RecordAccess(ctx context.Context, a middleware.AccessEntry) error {
	_, err := l.conn(ctx).Exec(ctx, `
		INSERT INTO bb_access_log (user_id, branch_id, resource, resource_id, action, method, path, status_code, request_id, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.UserID, a.BranchID, a.Resource, a.ResourceID, a.Action, a.Method, a.Path, a.StatusCode, a.RequestID, a.IPAddress, a.Timestamp)
	if err != nil {
		return fmt.Errorf("insert access entry: %w", err)
	}
	return nil
}
