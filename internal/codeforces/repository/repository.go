// Package repository persists imported Codeforces problems and solves and the derived
// score on the user row.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cpjudge/internal/codeforces/model"
	"cpjudge/internal/common/db"
)

var ErrUserNotFound = errors.New("user not found")

// Repository is the storage used by the sync reconciler. Every write commits on its own.
type Repository interface {
	GetUser(ctx context.Context, userID int64) (*model.LinkedUser, error)
	ListLinkedUsers(ctx context.Context) ([]model.LinkedUser, error)
	SaveProfile(ctx context.Context, userID int64, info model.UserInfo) error
	// FindOrCreateProblem returns the id of the cached problem, creating it with name,
	// rating and tags when absent. Existing rows are never refreshed.
	FindOrCreateProblem(ctx context.Context, p model.Problem) (int64, error)
	// FindOrCreateSubmission records a solve keyed by (user, problem); created reports
	// whether a row was inserted.
	FindOrCreateSubmission(ctx context.Context, userID, problemID int64, sub model.Submission) (created bool, err error)
	// RecomputeScore overwrites codeforces_score with sum(rating / 10) over the user's
	// distinct solved problems and stamps the sync time.
	RecomputeScore(ctx context.Context, userID int64, syncedAt time.Time) (int64, error)
}

// MySQLRepository implements Repository with MySQL.
type MySQLRepository struct {
	db db.Database
}

// NewRepository creates a repository.
func NewRepository(database db.Database) *MySQLRepository {
	return &MySQLRepository{db: database}
}

var _ Repository = (*MySQLRepository)(nil)

func (r *MySQLRepository) GetUser(ctx context.Context, userID int64) (*model.LinkedUser, error) {
	var (
		u      model.LinkedUser
		handle sql.NullString
		synced sql.NullTime
	)
	err := r.db.QueryRow(ctx,
		"SELECT id, codeforces_handle, codeforces_last_synced_at FROM users WHERE id = ? LIMIT 1",
		userID,
	).Scan(&u.ID, &handle, &synced)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	u.Handle = handle.String
	if synced.Valid {
		t := synced.Time
		u.LastSyncedAt = &t
	}
	return &u, nil
}

func (r *MySQLRepository) ListLinkedUsers(ctx context.Context) ([]model.LinkedUser, error) {
	rows, err := r.db.Query(ctx,
		"SELECT id, codeforces_handle, codeforces_last_synced_at FROM users "+
			"WHERE codeforces_handle IS NOT NULL AND codeforces_handle <> '' "+
			"ORDER BY codeforces_last_synced_at IS NOT NULL, codeforces_last_synced_at, id",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.LinkedUser
	for rows.Next() {
		var (
			u      model.LinkedUser
			synced sql.NullTime
		)
		if err := rows.Scan(&u.ID, &u.Handle, &synced); err != nil {
			return nil, err
		}
		if synced.Valid {
			t := synced.Time
			u.LastSyncedAt = &t
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *MySQLRepository) SaveProfile(ctx context.Context, userID int64, info model.UserInfo) error {
	res, err := r.db.Exec(ctx,
		"UPDATE users SET codeforces_handle = ?, codeforces_rating = ?, codeforces_rank = ?, "+
			"codeforces_avatar = ?, codeforces_title_photo = ? WHERE id = ?",
		info.Handle, nullInt(info.Rating), nullString(info.Rank), nullString(info.Avatar), nullString(info.TitlePhoto), userID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *MySQLRepository) FindOrCreateProblem(ctx context.Context, p model.Problem) (int64, error) {
	tags, err := json.Marshal(nonNilTags(p.Tags))
	if err != nil {
		return 0, fmt.Errorf("marshal tags: %w", err)
	}
	// The no-op update keeps existing columns and makes LAST_INSERT_ID return the row id.
	res, err := r.db.Exec(ctx,
		"INSERT INTO external_problems (contest_id, problem_index, name, rating, tags) VALUES (?, ?, ?, ?, ?) "+
			"ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id)",
		p.ContestID, p.Index, p.Name, nullInt(p.Rating), string(tags),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *MySQLRepository) FindOrCreateSubmission(ctx context.Context, userID, problemID int64, sub model.Submission) (bool, error) {
	res, err := r.db.Exec(ctx,
		"INSERT IGNORE INTO external_submissions (user_id, external_problem_id, verdict, submitted_at) VALUES (?, ?, ?, ?)",
		userID, problemID, sub.Verdict, sub.SubmittedAt(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *MySQLRepository) RecomputeScore(ctx context.Context, userID int64, syncedAt time.Time) (int64, error) {
	var score int64
	err := r.db.Transaction(ctx, func(tx db.Transaction) error {
		err := tx.QueryRow(ctx,
			"SELECT COALESCE(SUM(p.rating DIV 10), 0) FROM external_submissions s "+
				"JOIN external_problems p ON p.id = s.external_problem_id "+
				"WHERE s.user_id = ? AND s.verdict = ? AND p.rating IS NOT NULL",
			userID, model.AcceptedVerdict,
		).Scan(&score)
		if err != nil {
			return err
		}
		res, err := tx.Exec(ctx,
			"UPDATE users SET codeforces_score = ?, codeforces_last_synced_at = ? WHERE id = ?",
			score, syncedAt, userID,
		)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
	return score, err
}

// requireRow maps a zero-row update to ErrUserNotFound. MySQL reports matched rows only
// with clientFoundRows, which the DSN enables.
func requireRow(res db.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
