// Package persistence is the durable store for missions, tasks and processed
// worker reports. It is the single source of truth for orchestration state.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/missionctl/internal/mission"
)

// queryTimeout bounds every store call.
const queryTimeout = 5 * time.Second

// ErrDuplicateReport is returned by Apply when the transition's report key was
// already recorded. Nothing from the transition is applied.
var ErrDuplicateReport = errors.New("report already processed")

// MissionFilter narrows ListMissions. Empty Statuses matches every mission.
type MissionFilter struct {
	Statuses []mission.MissionStatus
	Limit    int
}

// ReportKey identifies one processed completion report.
type ReportKey struct {
	TaskID  string
	Attempt int
}

// Transition is a set of changes committed atomically by Apply.
type Transition struct {
	Mission *mission.Mission // Full mission row update, optional
	Insert  []*mission.Task  // New tasks with their dependencies
	Update  []*mission.Task  // Task row updates; dependencies are immutable
	Report  *ReportKey       // Completion key to record exactly once, optional
}

// Empty reports whether the transition changes nothing.
func (t Transition) Empty() bool {
	return t.Mission == nil && len(t.Insert) == 0 && len(t.Update) == 0 && t.Report == nil
}

// Store defines the persistence interface for missions and tasks.
type Store interface {
	// Mission operations
	CreateMission(ctx context.Context, m *mission.Mission, tasks []*mission.Task) error
	GetMission(ctx context.Context, missionID string) (*mission.Mission, error)
	ListMissions(ctx context.Context, filter MissionFilter) ([]*mission.Mission, error)

	// Task operations
	GetTask(ctx context.Context, taskID string) (*mission.Task, error)
	ListTasks(ctx context.Context, missionID string) ([]*mission.Task, error)

	// Apply commits a transition in one transaction.
	Apply(ctx context.Context, tr Transition) error

	// Report audit log
	LogReport(ctx context.Context, rec ReportRecord) error
	ReportLog(ctx context.Context, taskID string) ([]ReportRecord, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Each store gets its own named database so parallel tests never share state.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:memdb-%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	connStr += "&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer; one connection serialises transactions
	// instead of surfacing SQLITE_BUSY to callers. Queries never nest.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a serializable transaction bounded by queryTimeout.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timeFrom(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}

func nullJSON(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func jsonFrom(s sql.NullString) []byte {
	if !s.Valid || s.String == "" {
		return nil
	}
	return []byte(s.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
