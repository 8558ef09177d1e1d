package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/sdu-review-console/internal/audit"
)

var auditColumns = []string{
	"id", "trace_id", "kind", "entity_id", "actor_id", "actor_role", "action",
	"from_status", "to_status", "notes", "outcome", "reason", "error", "duration_ms", "timestamp",
}

// WriteBatch пакетная вставка журнала через COPY: одна команда на пачку.
func (r *Repo) WriteBatch(ctx context.Context, events []audit.ReviewEvent) error {
	if len(events) == 0 {
		return nil
	}

	n, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"audit_logs"},
		auditColumns,
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			e := events[i]
			return []any{
				e.ID, e.TraceID, e.Kind, e.EntityID, e.ActorID, e.ActorRole, e.Action,
				e.FromStatus, e.ToStatus, e.Notes, e.Outcome, e.Reason, e.Error, e.DurationMs, e.Timestamp,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("postgres: audit copy failed after %d rows: %w", n, err)
	}
	return nil
}

// FetchLogs выборка журнала; пустые поля фильтра не ограничивают выборку.
func (r *Repo) FetchLogs(ctx context.Context, f audit.Filter) ([]audit.ReviewEvent, error) {
	var (
		sb    strings.Builder
		args  []any
		conds []string
	)
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("kind", f.Kind)
	add("entity_id", f.EntityID)
	add("actor_id", f.ActorID)
	add("outcome", f.Outcome)

	sb.WriteString(`SELECT ` + strings.Join(auditColumns, ", ") + ` FROM audit_logs`)
	if len(conds) > 0 {
		sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, " ORDER BY timestamp DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit logs: %w", err)
	}
	defer rows.Close()

	logs := make([]audit.ReviewEvent, 0)
	for rows.Next() {
		var e audit.ReviewEvent
		if err := rows.Scan(
			&e.ID, &e.TraceID, &e.Kind, &e.EntityID, &e.ActorID, &e.ActorRole, &e.Action,
			&e.FromStatus, &e.ToStatus, &e.Notes, &e.Outcome, &e.Reason, &e.Error, &e.DurationMs, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan audit event: %w", err)
		}
		logs = append(logs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return logs, nil
}
