package repository

import (
	"context"
	"errors"
	"strings"

	"cpjudge/internal/common/db"
	"cpjudge/internal/judge/model"
)

var (
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrProblemNotFound    = errors.New("problem not found")
)

// SubmissionRepository defines submission persistence for the judging pipeline.
type SubmissionRepository interface {
	GetByID(ctx context.Context, tx db.Transaction, id int64) (*model.Submission, error)
	// GetForUpdate reads the row under an exclusive lock; tx is required.
	GetForUpdate(ctx context.Context, tx db.Transaction, id int64) (*model.Submission, error)
	// UpdateOutcome writes one terminal outcome in a single statement.
	UpdateOutcome(ctx context.Context, tx db.Transaction, id int64, outcome model.Outcome) error
}

// ProblemRepository loads problems.
type ProblemRepository interface {
	GetByID(ctx context.Context, tx db.Transaction, id int64) (*model.Problem, error)
}

// MySQLSubmissionRepository implements SubmissionRepository with MySQL.
type MySQLSubmissionRepository struct {
	db db.Database
}

// NewSubmissionRepository creates a submission repository.
func NewSubmissionRepository(database db.Database) *MySQLSubmissionRepository {
	return &MySQLSubmissionRepository{db: database}
}

var _ SubmissionRepository = (*MySQLSubmissionRepository)(nil)

const submissionColumns = "id, user_id, problem_id, language, code, status, external_submission_id, external_submission_url, execution_time, created_at, updated_at"

// GetByID retrieves a submission by id.
func (r *MySQLSubmissionRepository) GetByID(ctx context.Context, tx db.Transaction, id int64) (*model.Submission, error) {
	query := "SELECT " + submissionColumns + " FROM submissions WHERE id = ? LIMIT 1"
	return scanSubmission(db.GetQuerier(r.db, tx).QueryRow(ctx, query, id))
}

// GetForUpdate retrieves a submission and locks its row until tx ends.
func (r *MySQLSubmissionRepository) GetForUpdate(ctx context.Context, tx db.Transaction, id int64) (*model.Submission, error) {
	if tx == nil {
		return nil, errors.New("GetForUpdate requires a transaction")
	}
	query := "SELECT " + submissionColumns + " FROM submissions WHERE id = ? FOR UPDATE"
	return scanSubmission(tx.QueryRow(ctx, query, id))
}

// UpdateOutcome sets status and, when present, the external reference and execution
// time. Absent fields keep their stored values.
func (r *MySQLSubmissionRepository) UpdateOutcome(ctx context.Context, tx db.Transaction, id int64, outcome model.Outcome) error {
	if strings.TrimSpace(outcome.Status) == "" {
		return errors.New("outcome status is required")
	}
	sets := []string{"status = ?"}
	args := []interface{}{outcome.Status}
	if outcome.ExternalSubmissionID != nil {
		sets = append(sets, "external_submission_id = ?")
		args = append(args, *outcome.ExternalSubmissionID)
	}
	if outcome.ExternalSubmissionURL != nil {
		sets = append(sets, "external_submission_url = ?")
		args = append(args, *outcome.ExternalSubmissionURL)
	}
	if outcome.ExecutionTime != nil {
		sets = append(sets, "execution_time = ?")
		args = append(args, *outcome.ExecutionTime)
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP(3)")
	args = append(args, id)

	query := "UPDATE submissions SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	result, err := db.GetQuerier(r.db, tx).Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	// MySQL reports 0 affected rows when nothing changed, so only a missing row is an error.
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		if _, err := r.GetByID(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}

func scanSubmission(row db.Row) (*model.Submission, error) {
	sub := &model.Submission{}
	if err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.ProblemID,
		&sub.Language,
		&sub.Code,
		&sub.Status,
		&sub.ExternalSubmissionID,
		&sub.ExternalSubmissionURL,
		&sub.ExecutionTime,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// MySQLProblemRepository implements ProblemRepository with MySQL.
type MySQLProblemRepository struct {
	db db.Database
}

// NewProblemRepository creates a problem repository.
func NewProblemRepository(database db.Database) *MySQLProblemRepository {
	return &MySQLProblemRepository{db: database}
}

var _ ProblemRepository = (*MySQLProblemRepository)(nil)

// GetByID retrieves a problem by id.
func (r *MySQLProblemRepository) GetByID(ctx context.Context, tx db.Transaction, id int64) (*model.Problem, error) {
	query := "SELECT id, title, points, judge, judge_identifier, solvers_count FROM problems WHERE id = ? LIMIT 1"
	p := &model.Problem{}
	if err := db.GetQuerier(r.db, tx).QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.Title,
		&p.Points,
		&p.Judge,
		&p.JudgeIdentifier,
		&p.SolversCount,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrProblemNotFound
		}
		return nil, err
	}
	return p, nil
}
