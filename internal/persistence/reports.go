package persistence

import (
	"context"
	"fmt"
	"time"
)

// Report dispositions recorded in the report log.
const (
	DispositionApplied   = "applied"   // Changed task state
	DispositionDuplicate = "duplicate" // Same (task, attempt) completion already processed
	DispositionStale     = "stale"     // Attempt no longer current
	DispositionAudit     = "audit"     // Mission already terminal; only audit fields updated
)

// ReportRecord is one worker report as received by the scheduler.
type ReportRecord struct {
	TaskID      string
	Attempt     int
	Outcome     string
	Disposition string
	Error       string
	ReceivedAt  time.Time
}

// LogReport appends a report to the task's audit log.
// Entries are append-only.
func (s *SQLiteStore) LogReport(ctx context.Context, rec ReportRecord) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO report_log (task_id, attempt, outcome, disposition, error, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.TaskID, rec.Attempt, rec.Outcome, rec.Disposition, rec.Error, rec.ReceivedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to log report for task %s: %w", rec.TaskID, err)
	}
	return nil
}

// ReportLog returns every logged report for a task in arrival order.
func (s *SQLiteStore) ReportLog(ctx context.Context, taskID string) ([]ReportRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, attempt, outcome, disposition, error, received_at
		FROM report_log
		WHERE task_id = ?
		ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query report log: %w", err)
	}
	defer rows.Close()

	var log []ReportRecord
	for rows.Next() {
		var rec ReportRecord
		var received int64
		if err := rows.Scan(&rec.TaskID, &rec.Attempt, &rec.Outcome, &rec.Disposition, &rec.Error, &received); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		rec.ReceivedAt = time.Unix(0, received)
		log = append(log, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating report log: %w", err)
	}

	return log, nil
}
