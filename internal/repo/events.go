package repo

import (
	"context"
	"database/sql"

	"nodegrid/internal/domain"
)

// LatestEvents returns the newest audit entries, newest first, optionally
// filtered by event type and entity kind.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT id, ts, type, entity_kind, entity_id, actor_id, payload_json FROM events WHERE 1=1`
	args := []any{}
	if evtType != "" {
		q += ` AND type = ?`
		args = append(args, evtType)
	}
	if entityKind != "" {
		q += ` AND entity_kind = ?`
		args = append(args, entityKind)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		out = append(out, e)
	}
	return out, rows.Err()
}
