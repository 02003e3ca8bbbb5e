package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/missionctl/internal/mission"
)

const taskColumns = `id, mission_id, name, seq, category, status, input, output, partial, optional, fatal,
	attempt, max_attempts, last_error, retry_at, created_at, started_at, completed_at`

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*mission.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &mission.NotFoundError{Kind: "task", ID: taskID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	deps, err := s.loadDependencies(ctx, `WHERE d.task_id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	task.DependsOn = deps[taskID]
	return task, nil
}

// ListTasks returns a mission's tasks ordered by Seq, with their dependencies.
func (s *SQLiteStore) ListTasks(ctx context.Context, missionID string) ([]*mission.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE mission_id = ?
		ORDER BY seq, id
	`, missionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	var tasks []*mission.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	// Dependencies are loaded after the task cursor is closed; the store holds one connection.
	deps, err := s.loadDependencies(ctx, `JOIN tasks t ON t.id = d.task_id WHERE t.mission_id = ?`, missionID)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		task.DependsOn = deps[task.ID]
	}
	return tasks, nil
}

// loadDependencies returns ordered dependency IDs keyed by task ID.
func (s *SQLiteStore) loadDependencies(ctx context.Context, where string, arg any) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.task_id, d.depends_on_id
		FROM task_dependencies d `+where+`
		ORDER BY d.task_id, d.position
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	deps := make(map[string][]string)
	for rows.Next() {
		var taskID, depID string
		if err := rows.Scan(&taskID, &depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps[taskID] = append(deps[taskID], depID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}

// insertTasks inserts tasks and their ordered dependencies. Tasks may depend on
// tasks inserted earlier in the same slice or already stored for the mission.
func insertTasks(ctx context.Context, tx *sql.Tx, tasks []*mission.Task) error {
	for _, t := range tasks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, t.MissionID, t.Name, t.Seq, t.Category, t.Status, nullJSON(t.Input), nullJSON(t.Output),
			boolInt(t.Partial), boolInt(t.Optional), boolInt(t.Fatal), t.Attempt, t.MaxAttempts, t.LastError,
			nullTime(t.RetryAt), t.CreatedAt.UnixNano(), nullTime(t.StartedAt), nullTime(t.CompletedAt))
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
		}
	}

	for _, t := range tasks {
		for pos, depID := range t.DependsOn {
			var depMission string
			err := tx.QueryRowContext(ctx, `SELECT mission_id FROM tasks WHERE id = ?`, depID).Scan(&depMission)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("foreign key constraint failed: dependency task %s does not exist", depID)
			}
			if err != nil {
				return fmt.Errorf("failed to check dependency existence: %w", err)
			}
			if depMission != t.MissionID {
				return fmt.Errorf("task %s depends on task %s of another mission", t.ID, depID)
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO task_dependencies (task_id, depends_on_id, position)
				VALUES (?, ?, ?)
			`, t.ID, depID, pos)
			if err != nil {
				return fmt.Errorf("failed to insert dependency %s -> %s: %w", t.ID, depID, err)
			}
		}
	}
	return nil
}

func updateTask(ctx context.Context, tx *sql.Tx, t *mission.Task) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, output = ?, partial = ?, attempt = ?, last_error = ?, retry_at = ?,
			started_at = ?, completed_at = ?
		WHERE id = ?
	`, t.Status, nullJSON(t.Output), boolInt(t.Partial), t.Attempt, t.LastError, nullTime(t.RetryAt),
		nullTime(t.StartedAt), nullTime(t.CompletedAt), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", t.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return &mission.NotFoundError{Kind: "task", ID: t.ID}
	}
	return nil
}

func scanTask(row rowScanner) (*mission.Task, error) {
	t := &mission.Task{}
	var (
		input, output                   sql.NullString
		partial, optional, fatal        int
		created                         int64
		retryAt, startedAt, completedAt sql.NullInt64
	)

	err := row.Scan(&t.ID, &t.MissionID, &t.Name, &t.Seq, &t.Category, &t.Status, &input, &output,
		&partial, &optional, &fatal, &t.Attempt, &t.MaxAttempts, &t.LastError,
		&retryAt, &created, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.Input = jsonFrom(input)
	t.Output = jsonFrom(output)
	t.Partial = partial != 0
	t.Optional = optional != 0
	t.Fatal = fatal != 0
	t.RetryAt = timeFrom(retryAt)
	t.CreatedAt = time.Unix(0, created)
	t.StartedAt = timeFrom(startedAt)
	t.CompletedAt = timeFrom(completedAt)
	return t, nil
}

// Apply commits a transition in one transaction. When the report key was already
// recorded it returns ErrDuplicateReport and applies nothing.
func (s *SQLiteStore) Apply(ctx context.Context, tr Transition) error {
	if tr.Empty() {
		return nil
	}

	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if tr.Report != nil {
			res, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO task_reports (task_id, attempt, recorded_at)
				VALUES (?, ?, ?)
			`, tr.Report.TaskID, tr.Report.Attempt, time.Now().UnixNano())
			if err != nil {
				return fmt.Errorf("failed to record report %s/%d: %w", tr.Report.TaskID, tr.Report.Attempt, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to get rows affected: %w", err)
			}
			if n == 0 {
				return ErrDuplicateReport
			}
		}

		if err := insertTasks(ctx, tx, tr.Insert); err != nil {
			return err
		}
		for _, t := range tr.Update {
			if err := updateTask(ctx, tx, t); err != nil {
				return err
			}
		}
		if tr.Mission != nil {
			if err := updateMission(ctx, tx, tr.Mission); err != nil {
				return err
			}
		}
		return nil
	})
}
