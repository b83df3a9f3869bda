package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/nats-dispatch/internal/model"
)

// DispatchRecord is one row of dispatch history: which node ended up with
// which task, and how the dispatch went.
type DispatchRecord struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"task_id"`
	TaskName     string     `json:"task_name"`
	CommandType  string     `json:"command_type"`
	Host         string     `json:"host"`
	WorkerGroup  string     `json:"worker_group,omitempty"`
	Outcome      string     `json:"outcome"`
	Error        string     `json:"error,omitempty"`
	DispatchedAt time.Time  `json:"dispatched_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Dispatch outcomes.
const (
	OutcomeDispatched = "dispatched"
	OutcomeFailed     = "failed"
)

// DispatchHistoryStorage defines the interface for dispatch history storage
type DispatchHistoryStorage interface {
	// Store stores a dispatch record
	Store(ctx context.Context, record *DispatchRecord) error

	// Get retrieves a dispatch record by ID
	Get(ctx context.Context, id string) (*DispatchRecord, error)

	// List retrieves dispatch records with pagination and filters
	List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*DispatchRecord, error)

	// Count returns the total number of records matching the filters
	Count(ctx context.Context, filters map[string]interface{}) (int, error)

	// DeleteBefore deletes records older than the specified time
	DeleteBefore(ctx context.Context, before time.Time) error
}

// SQLiteDispatchHistory implements DispatchHistoryStorage using SQLite.
// It also satisfies dispatch.TaskAssignmentRecorder, persisting the
// assigned host of every successful dispatch.
type SQLiteDispatchHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteDispatchHistory creates a new SQLite-based dispatch history store
func NewSQLiteDispatchHistory(logger *zap.Logger, dbPath string) (*SQLiteDispatchHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &SQLiteDispatchHistory{
		logger: logger.Named("dispatch-history"),
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteDispatchHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS dispatch_history (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			task_name TEXT NOT NULL,
			command_type TEXT NOT NULL,
			host TEXT NOT NULL,
			worker_group TEXT,
			outcome TEXT NOT NULL,
			error TEXT,
			dispatched_at DATETIME NOT NULL,
			completed_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_dispatch_history_task_id ON dispatch_history(task_id);
		CREATE INDEX IF NOT EXISTS idx_dispatch_history_host ON dispatch_history(host);
		CREATE INDEX IF NOT EXISTS idx_dispatch_history_outcome ON dispatch_history(outcome);
		CREATE INDEX IF NOT EXISTS idx_dispatch_history_dispatched_at ON dispatch_history(dispatched_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// RecordAssignedHost implements dispatch.TaskAssignmentRecorder.
func (s *SQLiteDispatchHistory) RecordAssignedHost(ctx context.Context, task *model.Task, host model.Host) error {
	return s.Store(ctx, &DispatchRecord{
		ID:           uuid.New().String(),
		TaskID:       task.ID,
		TaskName:     task.Name,
		CommandType:  string(model.CommandTaskDispatch),
		Host:         host.Address(),
		WorkerGroup:  task.WorkerGroup,
		Outcome:      OutcomeDispatched,
		DispatchedAt: time.Now(),
	})
}

// Store implements DispatchHistoryStorage.Store
func (s *SQLiteDispatchHistory) Store(ctx context.Context, record *DispatchRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_history (
			id, task_id, task_name, command_type, host, worker_group, outcome, error, dispatched_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.TaskID,
		record.TaskName,
		record.CommandType,
		record.Host,
		sql.NullString{String: record.WorkerGroup, Valid: record.WorkerGroup != ""},
		record.Outcome,
		sql.NullString{String: record.Error, Valid: record.Error != ""},
		record.DispatchedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store dispatch record: %w", err)
	}
	return nil
}

// Get implements DispatchHistoryStorage.Get
func (s *SQLiteDispatchHistory) Get(ctx context.Context, id string) (*DispatchRecord, error) {
	var record DispatchRecord
	var workerGroup, errorStr sql.NullString
	var completedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, task_name, command_type, host, worker_group, outcome, error, dispatched_at, completed_at
		FROM dispatch_history
		WHERE id = ?`, id).Scan(
		&record.ID,
		&record.TaskID,
		&record.TaskName,
		&record.CommandType,
		&record.Host,
		&workerGroup,
		&record.Outcome,
		&errorStr,
		&record.DispatchedAt,
		&completedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan dispatch record: %w", err)
	}

	if workerGroup.Valid {
		record.WorkerGroup = workerGroup.String
	}
	if errorStr.Valid {
		record.Error = errorStr.String
	}
	if completedAt.Valid {
		record.CompletedAt = &completedAt.Time
	}

	return &record, nil
}

// List implements DispatchHistoryStorage.List
func (s *SQLiteDispatchHistory) List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*DispatchRecord, error) {
	query := "SELECT id, task_id, task_name, command_type, host, worker_group, outcome, error, dispatched_at, completed_at FROM dispatch_history"
	args := make([]interface{}, 0)

	if len(filters) > 0 {
		query += " WHERE"
		first := true
		for key, value := range filters {
			if !first {
				query += " AND"
			}
			query += fmt.Sprintf(" %s = ?", key)
			args = append(args, value)
			first = false
		}
	}

	query += " ORDER BY dispatched_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatch history: %w", err)
	}
	defer rows.Close()

	var records []*DispatchRecord
	for rows.Next() {
		record := &DispatchRecord{}
		var workerGroup, errorStr sql.NullString
		var completedAt sql.NullTime

		err := rows.Scan(
			&record.ID,
			&record.TaskID,
			&record.TaskName,
			&record.CommandType,
			&record.Host,
			&workerGroup,
			&record.Outcome,
			&errorStr,
			&record.DispatchedAt,
			&completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispatch record: %w", err)
		}

		if workerGroup.Valid {
			record.WorkerGroup = workerGroup.String
		}
		if errorStr.Valid {
			record.Error = errorStr.String
		}
		if completedAt.Valid {
			record.CompletedAt = &completedAt.Time
		}

		records = append(records, record)
	}

	return records, rows.Err()
}

// Count implements DispatchHistoryStorage.Count
func (s *SQLiteDispatchHistory) Count(ctx context.Context, filters map[string]interface{}) (int, error) {
	query := "SELECT COUNT(*) FROM dispatch_history"
	args := make([]interface{}, 0)

	if len(filters) > 0 {
		query += " WHERE"
		first := true
		for key, value := range filters {
			if !first {
				query += " AND"
			}
			query += fmt.Sprintf(" %s = ?", key)
			args = append(args, value)
			first = false
		}
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count dispatch history: %w", err)
	}
	return count, nil
}

// DeleteBefore implements DispatchHistoryStorage.DeleteBefore
func (s *SQLiteDispatchHistory) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM dispatch_history WHERE dispatched_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete old dispatch records: %w", err)
	}

	if deleted, err := result.RowsAffected(); err == nil && deleted > 0 {
		s.logger.Info("Deleted old dispatch records",
			zap.Int64("count", deleted),
			zap.Time("before", before))
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteDispatchHistory) Close() error {
	return s.db.Close()
}
