package repo

import (
	"context"
	"database/sql"

	"nodegrid/internal/domain"
)

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (domain.Task, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(name, collaboration_id, image, input, created_at) VALUES (?,?,?,?,?)`,
		t.Name, t.CollaborationID, nullable(t.Image), nullable(t.Input), t.CreatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	t.ID, err = res.LastInsertId()
	return t, err
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	var t domain.Task
	var image, input sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,collaboration_id,image,input,created_at FROM tasks WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.CollaborationID, &image, &input, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Image = image.String
	t.Input = input.String
	return t, nil
}

func (r Repo) ListTasks(ctx context.Context, collaborationID int64) ([]domain.Task, error) {
	query := `SELECT id,name,collaboration_id,image,input,created_at FROM tasks`
	var args []any
	if collaborationID != 0 {
		query += ` WHERE collaboration_id=?`
		args = append(args, collaborationID)
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		var image, input sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &t.CollaborationID, &image, &input, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Image = image.String
		t.Input = input.String
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertTaskResult(ctx context.Context, tx *sql.Tx, taskID, nodeID int64) (domain.TaskResult, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO task_results(task_id, node_id) VALUES (?,?)`, taskID, nodeID)
	if err != nil {
		return domain.TaskResult{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.TaskResult{}, err
	}
	return domain.TaskResult{ID: id, TaskID: taskID, NodeID: nodeID}, nil
}

func scanTaskResult(row *sql.Row) (domain.TaskResult, error) {
	var tr domain.TaskResult
	var output, startedAt, finishedAt sql.NullString
	err := row.Scan(&tr.ID, &tr.TaskID, &tr.NodeID, &output, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return tr, ErrNotFound
	}
	if err != nil {
		return tr, err
	}
	if output.Valid {
		tr.Output = &output.String
	}
	if startedAt.Valid {
		tr.StartedAt = &startedAt.String
	}
	if finishedAt.Valid {
		tr.FinishedAt = &finishedAt.String
	}
	return tr, nil
}

func (r Repo) GetTaskResult(ctx context.Context, id int64) (domain.TaskResult, error) {
	return scanTaskResult(r.DB.QueryRowContext(ctx,
		`SELECT id,task_id,node_id,output,started_at,finished_at FROM task_results WHERE id=?`, id))
}

// ListNodeResults returns a node's task results. With openOnly the list is
// restricted to rows whose finished_at is still unset; that exact predicate
// is the pull-queue contract nodes poll against.
func (r Repo) ListNodeResults(ctx context.Context, nodeID int64, openOnly bool) ([]domain.TaskResult, error) {
	query := `SELECT id,task_id,node_id,output,started_at,finished_at FROM task_results WHERE node_id=?`
	if openOnly {
		query += ` AND finished_at IS NULL`
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskResult
	for rows.Next() {
		var tr domain.TaskResult
		var output, startedAt, finishedAt sql.NullString
		if err := rows.Scan(&tr.ID, &tr.TaskID, &tr.NodeID, &output, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		if output.Valid {
			tr.Output = &output.String
		}
		if startedAt.Valid {
			tr.StartedAt = &startedAt.String
		}
		if finishedAt.Valid {
			tr.FinishedAt = &finishedAt.String
		}
		res = append(res, tr)
	}
	return res, rows.Err()
}

// FinishTaskResult records output and the finish timestamp. The finished_at
// IS NULL guard makes completion first-write-wins under concurrent submits.
func (r Repo) FinishTaskResult(ctx context.Context, id int64, output, finishedAt string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE task_results SET output=?, finished_at=? WHERE id=? AND finished_at IS NULL`,
		output, finishedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkTaskResultStarted(ctx context.Context, id int64, startedAt string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE task_results SET started_at=? WHERE id=? AND started_at IS NULL`, startedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
