package service

import (
	"context"

	"cpjudge/internal/scoring/model"
	"cpjudge/internal/scoring/repository"
	appErr "cpjudge/pkg/errors"
	"cpjudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	DefaultRankingLimit = 50
	MaxRankingLimit     = 500
)

// RankingService serves the leaderboard and admin counter repairs.
type RankingService struct {
	repo repository.RankingRepository
}

// NewRankingService creates a ranking service.
func NewRankingService(repo repository.RankingRepository) *RankingService {
	return &RankingService{repo: repo}
}

// Ranking returns up to limit users ordered by score + codeforces_score. Users with
// equal totals share a rank.
func (s *RankingService) Ranking(ctx context.Context, limit int) ([]model.RankingEntry, error) {
	if limit <= 0 {
		limit = DefaultRankingLimit
	}
	if limit > MaxRankingLimit {
		return nil, appErr.ValidationError("limit", "must not exceed 500")
	}
	entries, err := s.repo.Ranking(ctx, limit)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load ranking failed")
	}
	for i := range entries {
		if i > 0 && entries[i].Total == entries[i-1].Total {
			entries[i].Rank = entries[i-1].Rank
			continue
		}
		entries[i].Rank = i + 1
	}
	return entries, nil
}

// BackfillSolversCounts recomputes solvers_count for every problem from accepted
// submissions. It repairs drift after failed awards and is not on the judging path.
func (s *RankingService) BackfillSolversCounts(ctx context.Context) (int64, error) {
	changed, err := s.repo.BackfillSolversCounts(ctx)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.DatabaseError, "backfill solvers counts failed")
	}
	logger.Info(ctx, "solvers counts backfilled", zap.Int64("changed", changed))
	return changed, nil
}
