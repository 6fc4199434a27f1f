package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"cpjudge/internal/common/cache"
	"cpjudge/internal/judge/model"
	appErr "cpjudge/pkg/errors"
)

const (
	statusKeyPrefix       = "judge:status:"
	defaultStatusTTL      = 10 * time.Minute
	defaultStatusEmptyTTL = 30 * time.Second
)

// StatusRepository serves submission status views cache-aside over MySQL. Every
// committed outcome invalidates the entry.
type StatusRepository struct {
	cache    cache.Cache
	subs     SubmissionRepository
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewStatusRepository creates a status repository. Zero TTLs use defaults.
func NewStatusRepository(cacheClient cache.Cache, subs SubmissionRepository, ttl, emptyTTL time.Duration) *StatusRepository {
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultStatusEmptyTTL
	}
	return &StatusRepository{
		cache:    cacheClient,
		subs:     subs,
		ttl:      ttl,
		emptyTTL: emptyTTL,
	}
}

// Get returns the status of one submission.
func (r *StatusRepository) Get(ctx context.Context, submissionID int64) (model.StatusView, error) {
	if submissionID <= 0 {
		return model.StatusView{}, appErr.ValidationError("submission_id", "must be positive")
	}
	if r.cache == nil {
		return r.load(ctx, submissionID)
	}
	view, err := cache.GetWithCached[*model.StatusView](
		ctx,
		r.cache,
		statusKey(submissionID),
		r.ttl,
		r.emptyTTL,
		func(v *model.StatusView) bool { return v == nil },
		marshalStatus,
		unmarshalStatus,
		func(ctx context.Context) (*model.StatusView, error) {
			v, err := r.load(ctx, submissionID)
			if err != nil {
				if appErr.Is(err, appErr.SubmissionNotFound) {
					return nil, nil
				}
				return nil, err
			}
			return &v, nil
		},
	)
	if err != nil {
		return model.StatusView{}, err
	}
	if view == nil {
		return model.StatusView{}, appErr.New(appErr.SubmissionNotFound)
	}
	return *view, nil
}

// Invalidate drops the cached view after the row changed.
func (r *StatusRepository) Invalidate(ctx context.Context, submissionID int64) error {
	if r.cache == nil {
		return nil
	}
	if err := r.cache.Del(ctx, statusKey(submissionID)); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "invalidate status failed")
	}
	return nil
}

func (r *StatusRepository) load(ctx context.Context, submissionID int64) (model.StatusView, error) {
	sub, err := r.subs.GetByID(ctx, nil, submissionID)
	if err != nil {
		if errors.Is(err, ErrSubmissionNotFound) {
			return model.StatusView{}, appErr.New(appErr.SubmissionNotFound)
		}
		return model.StatusView{}, appErr.Wrapf(err, appErr.DatabaseError, "load submission failed")
	}
	return model.NewStatusView(sub), nil
}

func statusKey(submissionID int64) string {
	return statusKeyPrefix + strconv.FormatInt(submissionID, 10)
}

func marshalStatus(v *model.StatusView) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalStatus(data string) (*model.StatusView, error) {
	if data == "" || data == cache.NullCacheValue {
		return nil, nil
	}
	var v model.StatusView
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, err
	}
	return &v, nil
}
