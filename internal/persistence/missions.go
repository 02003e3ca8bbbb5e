package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/missionctl/internal/mission"
)

const missionColumns = `id, goal, context, playbook, status, priority, requester_id, result, error,
	estimated_duration, actual_duration, created_at, started_at, completed_at`

// CreateMission persists a mission and its initial task graph atomically.
func (s *SQLiteStore) CreateMission(ctx context.Context, m *mission.Mission, tasks []*mission.Task) error {
	contextJSON, err := marshalContext(m.Context)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO missions (`+missionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.ID, m.Goal, contextJSON, m.Playbook, m.Status, m.Priority, m.RequesterID, nullJSON(m.Result), m.Error,
			int64(m.EstimatedDuration), int64(m.ActualDuration), m.CreatedAt.UnixNano(), nullTime(m.StartedAt), nullTime(m.CompletedAt))
		if err != nil {
			return fmt.Errorf("failed to insert mission %s: %w", m.ID, err)
		}

		return insertTasks(ctx, tx, tasks)
	})
}

// GetMission retrieves a mission by ID.
func (s *SQLiteStore) GetMission(ctx context.Context, missionID string) (*mission.Mission, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = ?`, missionID)
	m, err := scanMission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &mission.NotFoundError{Kind: "mission", ID: missionID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query mission: %w", err)
	}
	return m, nil
}

// ListMissions returns missions newest first.
func (s *SQLiteStore) ListMissions(ctx context.Context, filter MissionFilter) ([]*mission.Mission, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT ` + missionColumns + ` FROM missions`
	var args []any
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query missions: %w", err)
	}
	defer rows.Close()

	var missions []*mission.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mission: %w", err)
		}
		missions = append(missions, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating missions: %w", err)
	}
	return missions, nil
}

func updateMission(ctx context.Context, tx *sql.Tx, m *mission.Mission) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE missions
		SET status = ?, result = ?, error = ?, estimated_duration = ?, actual_duration = ?,
			started_at = ?, completed_at = ?
		WHERE id = ?
	`, m.Status, nullJSON(m.Result), m.Error, int64(m.EstimatedDuration), int64(m.ActualDuration),
		nullTime(m.StartedAt), nullTime(m.CompletedAt), m.ID)
	if err != nil {
		return fmt.Errorf("failed to update mission %s: %w", m.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return &mission.NotFoundError{Kind: "mission", ID: m.ID}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMission(row rowScanner) (*mission.Mission, error) {
	m := &mission.Mission{}
	var (
		contextJSON, result        sql.NullString
		estimated, actual, created int64
		startedAt, completedAt     sql.NullInt64
	)

	err := row.Scan(&m.ID, &m.Goal, &contextJSON, &m.Playbook, &m.Status, &m.Priority, &m.RequesterID, &result, &m.Error,
		&estimated, &actual, &created, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &m.Context); err != nil {
			return nil, fmt.Errorf("decoding context of mission %s: %w", m.ID, err)
		}
	}
	m.Result = jsonFrom(result)
	m.EstimatedDuration = time.Duration(estimated)
	m.ActualDuration = time.Duration(actual)
	m.CreatedAt = time.Unix(0, created)
	m.StartedAt = timeFrom(startedAt)
	m.CompletedAt = timeFrom(completedAt)
	return m, nil
}

func marshalContext(ctx map[string]any) (sql.NullString, error) {
	if len(ctx) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding mission context: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
