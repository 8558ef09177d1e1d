package postgres

/*
Файл entity_repo.go — хранилище проверяемых сущностей и истории их статусов.

Смена статуса атомарна: UPDATE выполняется с условием на ожидаемый статус
(WHERE state = $expected AND status_by = $by), и запись в status_history
делается в той же транзакции. Если статус успели изменить, ErrStatusConflict,
а не тихая перезапись чужого решения.
*/

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/sdu-review-console/internal/domain"
)

const entityColumns = `id, kind, organization_id, title, state, status_by, revision_notes, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*domain.ReviewableEntity, error) {
	var (
		e            domain.ReviewableEntity
		state, by    string
		revisionNote *string
	)
	if err := row.Scan(&e.ID, &e.Kind, &e.OrganizationID, &e.Title, &state, &by,
		&revisionNote, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Status = domain.Status{State: domain.State(state), By: domain.Role(by)}
	// revisionNotes показываем только пока сущность на доработке
	if e.Status.State == domain.StateRevisionRequested {
		e.RevisionNotes = revisionNote
	}
	return &e, nil
}

// GetEntity возвращает сущность без истории.
func (r *Repo) GetEntity(ctx context.Context, kind domain.Kind, id string) (*domain.ReviewableEntity, error) {
	query := `SELECT ` + entityColumns + ` FROM reviewable_entities WHERE kind = $1 AND id = $2`

	e, err := scanEntity(r.pool.QueryRow(ctx, query, kind, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: failed to get entity: %w", err)
	}
	return e, nil
}

// ListEntities очередь на проверку по типу сущности.
func (r *Repo) ListEntities(ctx context.Context, kind domain.Kind, f domain.EntityFilter) ([]*domain.ReviewableEntity, error) {
	var (
		sb   strings.Builder
		args = []any{kind}
	)
	sb.WriteString(`SELECT ` + entityColumns + ` FROM reviewable_entities WHERE kind = $1`)

	if !f.Status.IsZero() {
		args = append(args, f.Status.State)
		fmt.Fprintf(&sb, " AND state = $%d", len(args))
		if f.Status.By != "" {
			args = append(args, f.Status.By)
			fmt.Fprintf(&sb, " AND status_by = $%d", len(args))
		}
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		args = append(args, q)
		fmt.Fprintf(&sb, " AND (title ILIKE '%%' || $%d || '%%' OR organization_id ILIKE '%%' || $%d || '%%')", len(args), len(args))
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, " ORDER BY updated_at DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query entities: %w", err)
	}
	defer rows.Close()

	// Инициализируем пустой слайс, чтобы в JSON был [] вместо null
	results := make([]*domain.ReviewableEntity, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan entity: %w", err)
		}
		results = append(results, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

// ListByOrganization все сущности организации (для пересчёта аккредитации).
func (r *Repo) ListByOrganization(ctx context.Context, orgID string) ([]*domain.ReviewableEntity, error) {
	query := `SELECT ` + entityColumns + ` FROM reviewable_entities WHERE organization_id = $1 ORDER BY kind, id`

	rows, err := r.pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query organization entities: %w", err)
	}
	defer rows.Close()

	results := make([]*domain.ReviewableEntity, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan entity: %w", err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// History журнал статусов сущности, от старых к новым.
func (r *Repo) History(ctx context.Context, kind domain.Kind, id string) ([]domain.HistoryEntry, error) {
	query := `
		SELECT seq, state, status_by, actor_role, actor_id, notes, created_at
		FROM status_history
		WHERE kind = $1 AND entity_id = $2
		ORDER BY seq`

	rows, err := r.pool.Query(ctx, query, kind, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query history: %w", err)
	}
	defer rows.Close()

	history := make([]domain.HistoryEntry, 0)
	for rows.Next() {
		var (
			h         domain.HistoryEntry
			state, by string
		)
		if err := rows.Scan(&h.Seq, &state, &by, &h.ActorRole, &h.ActorID, &h.Notes, &h.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan history: %w", err)
		}
		h.Status = domain.Status{State: domain.State(state), By: domain.Role(by)}
		history = append(history, h)
	}
	return history, rows.Err()
}

// UpdateStatus атомарно меняет статус, если он всё ещё равен Expected, и дописывает историю.
func (r *Repo) UpdateStatus(ctx context.Context, c domain.StatusChange) (*domain.ReviewableEntity, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	// Rollback после Commit: no-op
	defer tx.Rollback(ctx)

	// RETURNING отдаёт итоговую строку за один проход, без отдельного SELECT
	update := `
		UPDATE reviewable_entities
		SET state = $1,
		    status_by = $2,
		    revision_notes = $3,
		    updated_at = NOW()
		WHERE kind = $4 AND id = $5 AND state = $6 AND status_by = $7
		RETURNING ` + entityColumns

	var notes *string
	if c.Next.State == domain.StateRevisionRequested {
		notes = c.Notes
	}

	e, err := scanEntity(tx.QueryRow(ctx, update,
		c.Next.State, c.Next.By, notes,
		c.Kind, c.ID, c.Expected.State, c.Expected.By))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: failed to update status: %w", err)
		}
		// Строк нет: либо ID неверный, либо (что чаще) статус уже изменил другой ревьюер
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM reviewable_entities WHERE kind = $1 AND id = $2)`,
			c.Kind, c.ID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("postgres: failed to check entity: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("%s %s: %w", c.Kind, c.ID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("%s %s expected %q: %w", c.Kind, c.ID, c.Expected.String(), domain.ErrStatusConflict)
	}

	insert := `
		INSERT INTO status_history (kind, entity_id, state, status_by, actor_role, actor_id, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := tx.Exec(ctx, insert, c.Kind, c.ID, c.Next.State, c.Next.By, c.ActorRole, c.ActorID, c.Notes); err != nil {
		return nil, fmt.Errorf("postgres: failed to append history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit status change: %w", err)
	}
	return e, nil
}

// StateCounts агрегаты для дашборда.
func (r *Repo) StateCounts(ctx context.Context) ([]domain.StateCount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT kind, state, COUNT(*)
		FROM reviewable_entities
		GROUP BY kind, state`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to count states: %w", err)
	}

	counts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.StateCount, error) {
		var c domain.StateCount
		err := row.Scan(&c.Kind, &c.State, &c.Count)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to scan state counts: %w", err)
	}
	return counts, nil
}
