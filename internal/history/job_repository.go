package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/promptops/cursord/internal/orchestrator"
)

// ErrJobNotFound is returned when no job row matches a request id.
var ErrJobNotFound = errors.New("job not found")

// Mode says which top-level operation produced a record.
type Mode string

const (
	ModeExecute Mode = "execute"
	ModeIterate Mode = "iterate"
)

// JobRecord is one finished job as stored in the jobs table.
type JobRecord struct {
	ID                  int64     `json:"-"`
	RequestID           string    `json:"requestId"`
	ConversationID      string    `json:"conversationId,omitempty"`
	Mode                Mode      `json:"mode"`
	Prompt              string    `json:"prompt"`
	Repository          string    `json:"repository,omitempty"`
	Success             bool      `json:"success"`
	ExitCode            *int      `json:"exitCode"`
	Output              string    `json:"output"`
	Error               string    `json:"error,omitempty"`
	Iterations          int       `json:"iterations,omitempty"`
	ReviewJustification string    `json:"reviewJustification,omitempty"`
	DurationMs          int64     `json:"durationMs"`
	CreatedAt           time.Time `json:"createdAt"`
}

const jobColumns = `id, request_id, conversation_id, mode, prompt, repository,
	success, exit_code, output, error, iterations, review_justification, duration_ms, created_at`

// JobRepository persists finished jobs.
type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Record stores the terminal Result of a job.
func (r *JobRepository) Record(ctx context.Context, mode Mode, job orchestrator.Job, res orchestrator.Result) error {
	var exitCode sql.NullInt64
	if res.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*res.ExitCode), Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (
			request_id, conversation_id, mode, prompt, repository,
			success, exit_code, output, error, iterations, review_justification, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RequestID, res.ConversationID, string(mode), job.Prompt, job.Repository,
		res.Success, exitCode, res.Output, res.Error, res.Iterations,
		res.ReviewJustification, res.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// FindByRequestID retrieves one finished job.
func (r *JobRepository) FindByRequestID(ctx context.Context, requestID string) (*JobRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE request_id = ?`, requestID)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find job: %w", err)
	}
	return rec, nil
}

// ListRecent returns the newest jobs, most recent first.
func (r *JobRepository) ListRecent(ctx context.Context, limit int) ([]*JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var records []*JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanJob(scanner interface{ Scan(...any) error }) (*JobRecord, error) {
	var rec JobRecord
	var mode string
	var exitCode sql.NullInt64
	err := scanner.Scan(
		&rec.ID, &rec.RequestID, &rec.ConversationID, &mode, &rec.Prompt, &rec.Repository,
		&rec.Success, &exitCode, &rec.Output, &rec.Error, &rec.Iterations,
		&rec.ReviewJustification, &rec.DurationMs, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Mode = Mode(mode)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	return &rec, nil
}
