package repository

import (
	"context"

	"cpjudge/internal/common/db"
	"cpjudge/internal/scoring/model"
)

// RankingRepository reads the leaderboard and repairs denormalized counters.
type RankingRepository interface {
	Ranking(ctx context.Context, limit int) ([]model.RankingEntry, error)
	BackfillSolversCounts(ctx context.Context) (int64, error)
}

// MySQLRankingRepository implements RankingRepository with MySQL.
type MySQLRankingRepository struct {
	db db.Database
}

// NewRankingRepository creates a ranking repository.
func NewRankingRepository(database db.Database) *MySQLRankingRepository {
	return &MySQLRankingRepository{db: database}
}

var _ RankingRepository = (*MySQLRankingRepository)(nil)

// Ranking orders users by local score plus external score. Rows come back without
// ranks; the service assigns them.
func (r *MySQLRankingRepository) Ranking(ctx context.Context, limit int) ([]model.RankingEntry, error) {
	query := `
		SELECT u.id, u.name, COALESCE(u.score, 0), COALESCE(u.codeforces_score, 0),
		       (SELECT COUNT(*) FROM score_awards a WHERE a.user_id = u.id)
		FROM users u
		ORDER BY COALESCE(u.score, 0) + COALESCE(u.codeforces_score, 0) DESC, u.id ASC
		LIMIT ?
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]model.RankingEntry, 0, limit)
	for rows.Next() {
		var e model.RankingEntry
		if err := rows.Scan(&e.UserID, &e.Name, &e.Score, &e.CodeforcesScore, &e.SolvedCount); err != nil {
			return nil, err
		}
		e.Total = e.Score + e.CodeforcesScore
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// BackfillSolversCounts recomputes every problem's solvers_count from accepted
// submissions. The connection runs with clientFoundRows, so the count is every
// problem matched, changed or not.
func (r *MySQLRankingRepository) BackfillSolversCounts(ctx context.Context) (int64, error) {
	query := `
		UPDATE problems p
		LEFT JOIN (
			SELECT problem_id, COUNT(DISTINCT user_id) AS solvers
			FROM submissions
			WHERE LOWER(TRIM(status)) = 'accepted'
			GROUP BY problem_id
		) s ON s.problem_id = p.id
		SET p.solvers_count = COALESCE(s.solvers, 0)
	`
	var changed int64
	err := r.db.TransactionWithOptions(ctx, &db.TxOptions{Isolation: db.LevelRepeatableRead}, func(tx db.Transaction) error {
		result, err := tx.Exec(ctx, query)
		if err != nil {
			return err
		}
		changed, err = result.RowsAffected()
		return err
	})
	return changed, err
}
