package repository

import (
	"context"
	"errors"

	"cpjudge/internal/common/db"
	judgemodel "cpjudge/internal/judge/model"
	"cpjudge/internal/scoring/model"
)

const awardUniqueKey = "uk_score_awards_user_problem"

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrProblemNotFound    = errors.New("problem not found")
	ErrSubmissionNotFound = errors.New("submission not found")
)

// AwardRepository is the storage side of the score award ledger. Methods that take a
// transaction must be called inside the caller's transaction for their locks to hold.
type AwardRepository interface {
	GetSubmission(ctx context.Context, tx db.Transaction, submissionID int64) (*judgemodel.Submission, error)
	LockUser(ctx context.Context, tx db.Transaction, userID int64) error
	LockProblem(ctx context.Context, tx db.Transaction, problemID int64) (int64, error)
	SubmissionStatus(ctx context.Context, tx db.Transaction, submissionID int64) (string, error)
	CreditHeld(ctx context.Context, tx db.Transaction, userID, problemID int64) (bool, error)
	InsertAward(ctx context.Context, tx db.Transaction, award *model.Award) (bool, error)
	Credit(ctx context.Context, tx db.Transaction, userID, problemID, points int64) error
}

// MySQLAwardRepository implements AwardRepository with MySQL.
type MySQLAwardRepository struct {
	db db.Database
}

// NewAwardRepository creates an award repository.
func NewAwardRepository(database db.Database) *MySQLAwardRepository {
	return &MySQLAwardRepository{db: database}
}

var _ AwardRepository = (*MySQLAwardRepository)(nil)

// GetSubmission loads the fields the award needs.
func (r *MySQLAwardRepository) GetSubmission(ctx context.Context, tx db.Transaction, submissionID int64) (*judgemodel.Submission, error) {
	query := "SELECT id, user_id, problem_id, status FROM submissions WHERE id = ? LIMIT 1"
	sub := &judgemodel.Submission{}
	if err := db.GetQuerier(r.db, tx).QueryRow(ctx, query, submissionID).Scan(
		&sub.ID,
		&sub.UserID,
		&sub.ProblemID,
		&sub.Status,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// LockUser takes the row lock that serializes every award for one user.
func (r *MySQLAwardRepository) LockUser(ctx context.Context, tx db.Transaction, userID int64) error {
	var id int64
	err := db.GetQuerier(r.db, tx).QueryRow(ctx, "SELECT id FROM users WHERE id = ? FOR UPDATE", userID).Scan(&id)
	if db.IsNoRows(err) {
		return ErrUserNotFound
	}
	return err
}

// LockProblem locks the problem row and returns its points.
func (r *MySQLAwardRepository) LockProblem(ctx context.Context, tx db.Transaction, problemID int64) (int64, error) {
	var points int64
	err := db.GetQuerier(r.db, tx).QueryRow(ctx, "SELECT points FROM problems WHERE id = ? FOR UPDATE", problemID).Scan(&points)
	if db.IsNoRows(err) {
		return 0, ErrProblemNotFound
	}
	return points, err
}

// SubmissionStatus re-reads the status inside the transaction.
func (r *MySQLAwardRepository) SubmissionStatus(ctx context.Context, tx db.Transaction, submissionID int64) (string, error) {
	var status string
	err := db.GetQuerier(r.db, tx).QueryRow(ctx, "SELECT status FROM submissions WHERE id = ?", submissionID).Scan(&status)
	if db.IsNoRows(err) {
		return "", ErrSubmissionNotFound
	}
	return status, err
}

// CreditHeld reports whether the ledger already credits the user for the problem.
func (r *MySQLAwardRepository) CreditHeld(ctx context.Context, tx db.Transaction, userID, problemID int64) (bool, error) {
	var one int
	err := db.GetQuerier(r.db, tx).QueryRow(ctx,
		"SELECT 1 FROM score_awards WHERE user_id = ? AND problem_id = ? LIMIT 1",
		userID, problemID,
	).Scan(&one)
	if db.IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertAward writes the ledger row. A duplicate (user, problem) returns false.
func (r *MySQLAwardRepository) InsertAward(ctx context.Context, tx db.Transaction, award *model.Award) (bool, error) {
	if award == nil {
		return false, errors.New("award is nil")
	}
	result, err := db.GetQuerier(r.db, tx).Exec(ctx,
		"INSERT INTO score_awards (user_id, problem_id, submission_id, points) VALUES (?, ?, ?, ?)",
		award.UserID, award.ProblemID, award.SubmissionID, award.Points,
	)
	if err != nil {
		if key, ok := db.UniqueViolation(err); ok && (key == awardUniqueKey || key == "") {
			return false, nil
		}
		return false, err
	}
	if id, err := result.LastInsertId(); err == nil {
		award.ID = id
	}
	return true, nil
}

// Credit applies the award: score += points on the user, solvers_count += 1 on the problem.
func (r *MySQLAwardRepository) Credit(ctx context.Context, tx db.Transaction, userID, problemID, points int64) error {
	q := db.GetQuerier(r.db, tx)
	result, err := q.Exec(ctx, "UPDATE users SET score = COALESCE(score, 0) + ? WHERE id = ?", points, userID)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}
	result, err = q.Exec(ctx, "UPDATE problems SET solvers_count = solvers_count + 1 WHERE id = ?", problemID)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrProblemNotFound
	}
	return nil
}
