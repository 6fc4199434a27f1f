// Package service imports accepted Codeforces solves and recomputes the derived score.
package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"cpjudge/internal/codeforces/model"
	"cpjudge/internal/codeforces/repository"
	"cpjudge/internal/common/cache"
	appErr "cpjudge/pkg/errors"
	"cpjudge/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	syncLockPrefix     = "codeforces:sync:"
	defaultSyncLockTTL = 2 * time.Minute
)

// API is the Codeforces surface the reconciler needs.
type API interface {
	UserInfo(ctx context.Context, handle string) (model.UserInfo, error)
	UserStatus(ctx context.Context, handle string) ([]model.Submission, error)
}

// SyncService links handles and reconciles imported solves.
type SyncService struct {
	repo    repository.Repository
	api     API
	locks   cache.LockOps
	lockTTL time.Duration
	now     func() time.Time
}

// NewSyncService creates a sync service. lockTTL bounds how long a crashed sync blocks
// the next one; zero uses the default.
func NewSyncService(repo repository.Repository, api API, locks cache.LockOps, lockTTL time.Duration) *SyncService {
	if lockTTL <= 0 {
		lockTTL = defaultSyncLockTTL
	}
	return &SyncService{repo: repo, api: api, locks: locks, lockTTL: lockTTL, now: time.Now}
}

// LinkHandle validates handle against user.info and stores the profile on the user.
func (s *SyncService) LinkHandle(ctx context.Context, userID int64, handle string) (model.UserInfo, error) {
	if userID <= 0 {
		return model.UserInfo{}, appErr.ValidationError("user_id", "must be positive")
	}
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return model.UserInfo{}, appErr.New(appErr.ExternalHandleMissing)
	}
	info, err := s.api.UserInfo(ctx, handle)
	if err != nil {
		return model.UserInfo{}, err
	}
	if err := s.repo.SaveProfile(ctx, userID, info); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return model.UserInfo{}, appErr.New(appErr.UserNotFound)
		}
		return model.UserInfo{}, appErr.Wrapf(err, appErr.DatabaseError, "save codeforces profile failed")
	}
	logger.Info(ctx, "codeforces handle linked", zap.Int64("user_id", userID), zap.String("handle", info.Handle))
	return info, nil
}

// Sync imports the user's accepted, rated solves and overwrites codeforces_score. A fetch
// failure returns a typed error before anything is written; rows imported by earlier runs
// stay. Only one sync per user runs at a time.
func (s *SyncService) Sync(ctx context.Context, userID int64) (model.SyncReport, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return model.SyncReport{}, appErr.New(appErr.UserNotFound)
		}
		return model.SyncReport{}, appErr.Wrapf(err, appErr.DatabaseError, "load user failed")
	}
	if strings.TrimSpace(user.Handle) == "" {
		return model.SyncReport{}, appErr.New(appErr.ExternalHandleMissing)
	}

	release, err := s.lock(ctx, userID)
	if err != nil {
		return model.SyncReport{}, err
	}
	defer release()

	report := model.SyncReport{UserID: userID, Handle: user.Handle}
	subs, err := s.api.UserStatus(ctx, user.Handle)
	if err != nil {
		logger.Warn(ctx, "codeforces fetch failed, score not updated", zap.Int64("user_id", userID), zap.Error(err))
		return report, err
	}
	report.Fetched = len(subs)

	for _, sub := range subs {
		if !sub.Scoreable() {
			report.Skipped++
			continue
		}
		problemID, err := s.repo.FindOrCreateProblem(ctx, sub.Problem)
		if err != nil {
			return report, appErr.Wrapf(err, appErr.DatabaseError, "import codeforces problem %d%s failed", sub.Problem.ContestID, sub.Problem.Index)
		}
		created, err := s.repo.FindOrCreateSubmission(ctx, userID, problemID, sub)
		if err != nil {
			return report, appErr.Wrapf(err, appErr.DatabaseError, "import codeforces submission %d failed", sub.ID)
		}
		if created {
			report.Imported++
		}
	}

	report.SyncedAt = s.now().UTC()
	score, err := s.repo.RecomputeScore(ctx, userID, report.SyncedAt)
	if err != nil {
		return report, appErr.Wrapf(err, appErr.DatabaseError, "recompute codeforces score failed")
	}
	report.Score = score

	logger.Info(ctx, "codeforces sync finished",
		zap.Int64("user_id", userID),
		zap.String("handle", user.Handle),
		zap.Int("fetched", report.Fetched),
		zap.Int("imported", report.Imported),
		zap.Int("skipped", report.Skipped),
		zap.Int64("codeforces_score", score),
	)
	return report, nil
}

// SyncAllReport counts the outcome of one pass over every linked user.
type SyncAllReport struct {
	Users     int `json:"users"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Busy      int `json:"busy"`
}

// SyncAll syncs every linked user, least recently synced first. Per-user failures are
// logged and counted; only listing users can fail the pass.
func (s *SyncService) SyncAll(ctx context.Context) (SyncAllReport, error) {
	users, err := s.repo.ListLinkedUsers(ctx)
	if err != nil {
		return SyncAllReport{}, appErr.Wrapf(err, appErr.DatabaseError, "list linked users failed")
	}
	report := SyncAllReport{Users: len(users)}
	for _, u := range users {
		if ctx.Err() != nil {
			break
		}
		_, err := s.Sync(ctx, u.ID)
		switch {
		case err == nil:
			report.Succeeded++
		case appErr.Is(err, appErr.SyncInProgress):
			report.Busy++
		default:
			report.Failed++
			logger.Warn(ctx, "codeforces sync failed", zap.Int64("user_id", u.ID), zap.Error(err))
		}
	}
	logger.Info(ctx, "codeforces sync pass finished",
		zap.Int("users", report.Users),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("busy", report.Busy),
	)
	return report, ctx.Err()
}

func (s *SyncService) lock(ctx context.Context, userID int64) (func(), error) {
	if s.locks == nil {
		return func() {}, nil
	}
	key := syncLockPrefix + strconv.FormatInt(userID, 10)
	owner := uuid.NewString()
	ok, err := s.locks.TryLock(ctx, key, owner, s.lockTTL)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.LockFailed, "acquire sync lock failed")
	}
	if !ok {
		return nil, appErr.New(appErr.SyncInProgress)
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if released, err := s.locks.Unlock(releaseCtx, key, owner); err != nil || !released {
			logger.Warn(ctx, "sync lock was not released", zap.Int64("user_id", userID), zap.Bool("released", released), zap.Error(err))
		}
	}, nil
}
