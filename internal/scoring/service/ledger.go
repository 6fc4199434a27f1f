// Package service turns accepted verdicts into score, exactly once per user and problem.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cpjudge/internal/common/db"
	judgemodel "cpjudge/internal/judge/model"
	"cpjudge/internal/scoring/model"
	"cpjudge/internal/scoring/repository"
	appErr "cpjudge/pkg/errors"
	"cpjudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const awardSavepoint = "scoring_award"

// Ledger detects acceptance edges and applies awards. Concurrent awards for the same
// user serialize on the user row lock; the score_awards unique key is the backstop.
type Ledger struct {
	db    db.Database
	store repository.AwardRepository
	now   func() time.Time
}

// NewLedger creates a ledger.
func NewLedger(database db.Database, store repository.AwardRepository) *Ledger {
	return &Ledger{db: database, store: store, now: time.Now}
}

// IsAccepted reports whether status is the acceptance verdict.
func IsAccepted(status string) bool {
	return model.IsAccepted(status)
}

// RecordVerdict reports whether moving from the persisted previous status to next is an
// acceptance edge. Re-saving an accepted submission is not an edge.
func (l *Ledger) RecordVerdict(previous, next string) bool {
	return model.IsAccepted(next) && !model.IsAccepted(previous)
}

// AwardIfFirstAcceptance credits sub's user inside the caller's transaction. The award
// runs under a savepoint: on an ordinary error its writes are rolled back, the error is
// logged and AwardFailed is returned while the caller's own writes stay intact.
//
// A deadlock or lock wait timeout, or a savepoint statement that fails, means the server
// may already have rolled back the caller's writes too. Then the error is returned
// (wrapping db.ErrTxAborted) and the caller must not commit.
func (l *Ledger) AwardIfFirstAcceptance(ctx context.Context, tx db.Transaction, sub *judgemodel.Submission) (model.AwardResult, error) {
	if sub == nil {
		return model.AwardNotAccepted, nil
	}
	fields := []zap.Field{
		zap.Int64("submission_id", sub.ID),
		zap.Int64("user_id", sub.UserID),
		zap.Int64("problem_id", sub.ProblemID),
	}
	if err := db.Savepoint(ctx, tx, awardSavepoint); err != nil {
		logger.Error(ctx, "score award savepoint failed", append(fields, zap.Error(err))...)
		return model.AwardFailed, fmt.Errorf("%w: %v", db.ErrTxAborted, err)
	}

	result, err := l.award(ctx, tx, sub)
	if err != nil {
		logger.Error(ctx, "score award failed", append(fields, zap.Error(err))...)
		if rbErr := db.RollbackToSavepoint(ctx, tx, awardSavepoint); rbErr != nil {
			logger.Error(ctx, "score award rollback failed", append(fields, zap.Error(rbErr))...)
			return model.AwardFailed, fmt.Errorf("%w: %v (rollback: %v)", db.ErrTxAborted, err, rbErr)
		}
		if db.IsRetryableLockError(err) {
			return model.AwardFailed, fmt.Errorf("%w: %w", db.ErrTxAborted, err)
		}
		return model.AwardFailed, nil
	}
	if err := db.ReleaseSavepoint(ctx, tx, awardSavepoint); err != nil {
		logger.Warn(ctx, "score award savepoint release failed", append(fields, zap.Error(err))...)
	}
	logger.Info(ctx, "score award decided", append(fields, zap.String("result", string(result)))...)
	return result, nil
}

// Replay re-runs the award for an accepted submission in its own transaction. It is
// safe to call any number of times.
func (l *Ledger) Replay(ctx context.Context, submissionID int64) (model.AwardResult, error) {
	var result model.AwardResult
	err := l.db.TransactionWithOptions(ctx, &db.TxOptions{Isolation: db.LevelReadCommitted}, func(tx db.Transaction) error {
		sub, err := l.store.GetSubmission(ctx, tx, submissionID)
		if err != nil {
			return err
		}
		result, err = l.award(ctx, tx, sub)
		return err
	})
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return model.AwardFailed, appErr.New(appErr.SubmissionNotFound)
		}
		return model.AwardFailed, appErr.Wrapf(err, appErr.AwardFailed, "replay award for submission %d failed", submissionID)
	}
	logger.Info(ctx, "score award replayed",
		zap.Int64("submission_id", submissionID),
		zap.String("result", string(result)),
	)
	return result, nil
}

// award locks user then problem, so two awards never wait on each other in opposite order.
func (l *Ledger) award(ctx context.Context, tx db.Transaction, sub *judgemodel.Submission) (model.AwardResult, error) {
	if err := l.store.LockUser(ctx, tx, sub.UserID); err != nil {
		return "", err
	}
	points, err := l.store.LockProblem(ctx, tx, sub.ProblemID)
	if err != nil {
		return "", err
	}

	status, err := l.store.SubmissionStatus(ctx, tx, sub.ID)
	if err != nil {
		return "", err
	}
	if !model.IsAccepted(status) {
		return model.AwardNotAccepted, nil
	}

	held, err := l.store.CreditHeld(ctx, tx, sub.UserID, sub.ProblemID)
	if err != nil {
		return "", err
	}
	if held {
		return model.AwardAlreadyCredited, nil
	}

	inserted, err := l.store.InsertAward(ctx, tx, &model.Award{
		UserID:       sub.UserID,
		ProblemID:    sub.ProblemID,
		SubmissionID: sub.ID,
		Points:       points,
		CreatedAt:    l.now(),
	})
	if err != nil {
		return "", err
	}
	if !inserted {
		return model.AwardAlreadyCredited, nil
	}
	if err := l.store.Credit(ctx, tx, sub.UserID, sub.ProblemID, points); err != nil {
		return "", err
	}
	return model.AwardGranted, nil
}
