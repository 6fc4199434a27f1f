package testutil

import (
	"context"
	"fmt"
	"sync"

	"cpjudge/internal/common/db"
	judgemodel "cpjudge/internal/judge/model"
	judgerepo "cpjudge/internal/judge/repository"
	scoringmodel "cpjudge/internal/scoring/model"
	scoringrepo "cpjudge/internal/scoring/repository"
)

// MemUser is the scoring slice of a user row.
type MemUser struct {
	ID              int64
	Name            string
	Score           int64
	CodeforcesScore int64
}

// MemStore keeps users, problems, submissions and award rows in memory and implements
// the judge and scoring repositories on top of FakeDB transactions.
type MemStore struct {
	mu          sync.Mutex
	users       map[int64]*MemUser
	problems    map[int64]*judgemodel.Problem
	submissions map[int64]*judgemodel.Submission
	awards      map[[2]int64]scoringmodel.Award
	nextAward   int64
	failures    map[string]error
	once        map[string]error
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		users:       make(map[int64]*MemUser),
		problems:    make(map[int64]*judgemodel.Problem),
		submissions: make(map[int64]*judgemodel.Submission),
		awards:      make(map[[2]int64]scoringmodel.Award),
		failures:    make(map[string]error),
		once:        make(map[string]error),
	}
}

func (m *MemStore) AddUser(u MemUser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = &u
}

func (m *MemStore) AddProblem(p judgemodel.Problem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.problems[p.ID] = &p
}

func (m *MemStore) AddSubmission(s judgemodel.Submission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions[s.ID] = &s
}

// FailOn makes the named repository method return err. A nil err clears it.
func (m *MemStore) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

// FailOnce makes only the next call of the named repository method return err.
func (m *MemStore) FailOnce(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.once[method] = err
}

func (m *MemStore) User(id int64) MemUser {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return *u
	}
	return MemUser{}
}

func (m *MemStore) Problem(id int64) judgemodel.Problem {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.problems[id]; ok {
		return *p
	}
	return judgemodel.Problem{}
}

func (m *MemStore) Submission(id int64) judgemodel.Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.submissions[id]; ok {
		return *s
	}
	return judgemodel.Submission{}
}

// AwardCount is the number of ledger rows.
func (m *MemStore) AwardCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.awards)
}

// Submissions returns the store as a judge SubmissionRepository.
func (m *MemStore) Submissions() judgerepo.SubmissionRepository { return memSubmissions{m} }

// Problems returns the store as a judge ProblemRepository.
func (m *MemStore) Problems() judgerepo.ProblemRepository { return memProblems{m} }

// Awards returns the store as a scoring AwardRepository.
func (m *MemStore) Awards() scoringrepo.AwardRepository { return memAwards{m} }

func (m *MemStore) fail(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.once[method]; ok {
		delete(m.once, method)
		return err
	}
	return m.failures[method]
}

// mutate applies fn under the store mutex and registers its undo on tx.
func (m *MemStore) mutate(tx db.Transaction, fn func() (undo func())) {
	m.mu.Lock()
	undo := fn()
	m.mu.Unlock()
	if ftx := AsFakeTx(tx); ftx != nil && undo != nil {
		ftx.OnRollback(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			undo()
		})
	}
}

func lockRow(tx db.Transaction, table string, id int64) {
	if ftx := AsFakeTx(tx); ftx != nil {
		ftx.Lock(fmt.Sprintf("%s:%d", table, id))
	}
}

type memSubmissions struct{ m *MemStore }

func (r memSubmissions) GetByID(ctx context.Context, tx db.Transaction, id int64) (*judgemodel.Submission, error) {
	if err := r.m.fail("GetSubmission"); err != nil {
		return nil, err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.submissions[id]
	if !ok {
		return nil, judgerepo.ErrSubmissionNotFound
	}
	out := *s
	return &out, nil
}

func (r memSubmissions) GetForUpdate(ctx context.Context, tx db.Transaction, id int64) (*judgemodel.Submission, error) {
	if tx == nil {
		return nil, fmt.Errorf("GetForUpdate requires a transaction")
	}
	lockRow(tx, "submissions", id)
	return r.GetByID(ctx, tx, id)
}

func (r memSubmissions) UpdateOutcome(ctx context.Context, tx db.Transaction, id int64, outcome judgemodel.Outcome) error {
	if err := r.m.fail("UpdateOutcome"); err != nil {
		return err
	}
	var missing bool
	r.m.mutate(tx, func() func() {
		s, ok := r.m.submissions[id]
		if !ok {
			missing = true
			return nil
		}
		prev := *s
		s.Status = outcome.Status
		if outcome.ExternalSubmissionID != nil {
			s.ExternalSubmissionID = outcome.ExternalSubmissionID
		}
		if outcome.ExternalSubmissionURL != nil {
			s.ExternalSubmissionURL = outcome.ExternalSubmissionURL
		}
		if outcome.ExecutionTime != nil {
			s.ExecutionTime = outcome.ExecutionTime
		}
		return func() { *r.m.submissions[id] = prev }
	})
	if missing {
		return judgerepo.ErrSubmissionNotFound
	}
	return nil
}

type memProblems struct{ m *MemStore }

func (r memProblems) GetByID(ctx context.Context, tx db.Transaction, id int64) (*judgemodel.Problem, error) {
	if err := r.m.fail("GetProblem"); err != nil {
		return nil, err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	p, ok := r.m.problems[id]
	if !ok {
		return nil, judgerepo.ErrProblemNotFound
	}
	out := *p
	return &out, nil
}

type memAwards struct{ m *MemStore }

func (r memAwards) GetSubmission(ctx context.Context, tx db.Transaction, submissionID int64) (*judgemodel.Submission, error) {
	s, err := memSubmissions(r).GetByID(ctx, tx, submissionID)
	if err == judgerepo.ErrSubmissionNotFound {
		return nil, scoringrepo.ErrSubmissionNotFound
	}
	return s, err
}

func (r memAwards) LockUser(ctx context.Context, tx db.Transaction, userID int64) error {
	if err := r.m.fail("LockUser"); err != nil {
		return err
	}
	lockRow(tx, "users", userID)
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.users[userID]; !ok {
		return scoringrepo.ErrUserNotFound
	}
	return nil
}

func (r memAwards) LockProblem(ctx context.Context, tx db.Transaction, problemID int64) (int64, error) {
	if err := r.m.fail("LockProblem"); err != nil {
		return 0, err
	}
	lockRow(tx, "problems", problemID)
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	p, ok := r.m.problems[problemID]
	if !ok {
		return 0, scoringrepo.ErrProblemNotFound
	}
	return p.Points, nil
}

func (r memAwards) SubmissionStatus(ctx context.Context, tx db.Transaction, submissionID int64) (string, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.submissions[submissionID]
	if !ok {
		return "", scoringrepo.ErrSubmissionNotFound
	}
	return s.Status, nil
}

func (r memAwards) CreditHeld(ctx context.Context, tx db.Transaction, userID, problemID int64) (bool, error) {
	if err := r.m.fail("CreditHeld"); err != nil {
		return false, err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	_, ok := r.m.awards[[2]int64{userID, problemID}]
	return ok, nil
}

func (r memAwards) InsertAward(ctx context.Context, tx db.Transaction, award *scoringmodel.Award) (bool, error) {
	if err := r.m.fail("InsertAward"); err != nil {
		return false, err
	}
	key := [2]int64{award.UserID, award.ProblemID}
	inserted := false
	r.m.mutate(tx, func() func() {
		if _, ok := r.m.awards[key]; ok {
			return nil
		}
		r.m.nextAward++
		award.ID = r.m.nextAward
		r.m.awards[key] = *award
		inserted = true
		return func() { delete(r.m.awards, key) }
	})
	return inserted, nil
}

func (r memAwards) Credit(ctx context.Context, tx db.Transaction, userID, problemID, points int64) error {
	if err := r.m.fail("Credit"); err != nil {
		return err
	}
	var missing error
	r.m.mutate(tx, func() func() {
		u, ok := r.m.users[userID]
		if !ok {
			missing = scoringrepo.ErrUserNotFound
			return nil
		}
		p, ok := r.m.problems[problemID]
		if !ok {
			missing = scoringrepo.ErrProblemNotFound
			return nil
		}
		u.Score += points
		p.SolversCount++
		return func() {
			u.Score -= points
			p.SolversCount--
		}
	})
	return missing
}
