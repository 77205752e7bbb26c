package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-approvals/internal/audit"
)

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// WriteBatch пишет пачку событий одним INSERT.
func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице approval_events
	const numFields = 8
	placeholders := make([]string, 0, len(events))
	vals := make([]any, 0, len(events)*numFields)

	for i, e := range events {
		p := i * numFields
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8))

		detail, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("postgres: marshal audit detail: %w", err)
		}

		vals = append(vals,
			e.ID, e.TraceID, e.TaskID, string(e.Kind), e.Status, e.Decision, detail, e.Timestamp,
		)
	}

	query := "INSERT INTO approval_events (id, trace_id, task_id, kind, status, decision, detail, created_at) VALUES " +
		strings.Join(placeholders, ",") + " ON CONFLICT (id) DO NOTHING"

	if _, err := r.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write audit batch: %w", err)
	}
	return nil
}

// ListEvents отдает историю задачи для консоли.
func (r *AuditRepo) ListEvents(ctx context.Context, taskID string) ([]audit.Event, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, trace_id, task_id, kind, status, decision, detail, created_at
		 FROM approval_events WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("postgres: query audit events: %w", err)
	}
	defer rows.Close()

	events := make([]audit.Event, 0)
	for rows.Next() {
		var (
			e      audit.Event
			kind   string
			detail []byte
		)
		if err := rows.Scan(&e.ID, &e.TraceID, &e.TaskID, &kind, &e.Status, &e.Decision, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan audit event: %w", err)
		}
		e.Kind = audit.EventKind(kind)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: decode audit detail: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
