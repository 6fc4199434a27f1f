package service_test

import (
	"context"
	"errors"
	"testing"

	"cpjudge/internal/scoring/model"
	"cpjudge/internal/scoring/service"
	"cpjudge/internal/testutil"
	appErr "cpjudge/pkg/errors"
)

type fakeRankingRepo struct {
	entries  []model.RankingEntry
	gotLimit int
	backfill int64
	err      error
}

func (f *fakeRankingRepo) Ranking(ctx context.Context, limit int) ([]model.RankingEntry, error) {
	f.gotLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.RankingEntry(nil), f.entries...), nil
}

func (f *fakeRankingRepo) BackfillSolversCounts(ctx context.Context) (int64, error) {
	return f.backfill, f.err
}

func TestRankingAssignsSharedRanks(t *testing.T) {
	t.Parallel()
	repo := &fakeRankingRepo{entries: []model.RankingEntry{
		{UserID: 1, Total: 300},
		{UserID: 2, Total: 200},
		{UserID: 3, Total: 200},
		{UserID: 4, Total: 50},
	}}
	got, err := service.NewRankingService(repo).Ranking(context.Background(), 0)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, repo.gotLimit, service.DefaultRankingLimit)

	want := []int{1, 2, 2, 4}
	for i, e := range got {
		testutil.AssertEqual(t, e.Rank, want[i])
	}
}

func TestRankingRejectsHugeLimit(t *testing.T) {
	t.Parallel()
	_, err := service.NewRankingService(&fakeRankingRepo{}).Ranking(context.Background(), service.MaxRankingLimit+1)
	testutil.AssertEqual(t, appErr.GetCode(err), appErr.ValidationFailed)
}

func TestBackfillWrapsErrors(t *testing.T) {
	t.Parallel()
	svc := service.NewRankingService(&fakeRankingRepo{err: errors.New("boom")})
	_, err := svc.BackfillSolversCounts(context.Background())
	testutil.AssertEqual(t, appErr.GetCode(err), appErr.DatabaseError)

	svc = service.NewRankingService(&fakeRankingRepo{backfill: 7})
	n, err := svc.BackfillSolversCounts(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, n, int64(7))
}
