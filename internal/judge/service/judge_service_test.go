package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"cpjudge/internal/common/db"
	"cpjudge/internal/common/mq"
	"cpjudge/internal/judge/dispatcher"
	"cpjudge/internal/judge/model"
	"cpjudge/internal/judge/service"
	scoringmodel "cpjudge/internal/scoring/model"
	scoring "cpjudge/internal/scoring/service"
	"cpjudge/internal/testutil"
	appErr "cpjudge/pkg/errors"

	"github.com/go-sql-driver/mysql"
)

const (
	userID         = int64(1)
	kattisProblem  = int64(10)
	foreignProblem = int64(11)
)

type harness struct {
	db         *testutil.FakeDB
	store      *testutil.MemStore
	dispatcher *fakeDispatcher
	events     *fakePublisher
	archive    *fakeArchive
	status     *fakeInvalidator
	queue      *fakeQueue
	svc        *service.Service
}

func newHarness(t *testing.T, extra ...service.JudgeBackend) *harness {
	t.Helper()
	h := &harness{
		db:         testutil.NewFakeDB(),
		store:      testutil.NewMemStore(),
		dispatcher: &fakeDispatcher{},
		events:     &fakePublisher{},
		archive:    &fakeArchive{},
		status:     &fakeInvalidator{},
		queue:      &fakeQueue{},
	}
	h.store.AddUser(testutil.MemUser{ID: userID, Name: "alice"})
	h.store.AddProblem(model.Problem{ID: kattisProblem, Title: "Hello", Points: 75, Judge: "Kattis"})
	h.store.AddProblem(model.Problem{ID: foreignProblem, Title: "Watermelon", Points: 10, Judge: "codeforces"})

	backends := append([]service.JudgeBackend{service.NewKattisBackend(h.dispatcher)}, extra...)
	svc, err := service.NewService(service.Config{
		DB:             h.db,
		Submissions:    h.store.Submissions(),
		Problems:       h.store.Problems(),
		Backends:       service.NewRegistry(backends...),
		Ledger:         scoring.NewLedger(h.db, h.store.Awards()),
		Status:         h.status,
		Events:         h.events,
		Transcripts:    h.archive,
		WorkerPoolSize: 2,
		SlotWait:       10 * time.Millisecond,
		CommitBackoff:  time.Millisecond,
		Queue:          h.queue,
		RetryTopic:     "judge.retry",
		DeadLetter:     "judge.dead",
		PoolRetryMax:   2,
	})
	testutil.AssertNoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) addSubmission(id, problemID int64) {
	h.store.AddSubmission(model.Submission{
		ID:        id,
		UserID:    userID,
		ProblemID: problemID,
		Language:  "C++",
		Code:      "int main(){}",
		Status:    model.StatusPending,
	})
}

func acceptedRun(id int) dispatcher.Result {
	return dispatcher.Result{
		ExitSuccess: true,
		Stdout: "Submission ID: " + strconv.Itoa(id) + "\n" +
			"Submission URL: https://open.kattis.com/submissions/" + strconv.Itoa(id) + "\n" +
			"Accepted (0.05 s)\n",
	}
}

func TestProcessAcceptedSubmissionCommitsAndAwards(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addSubmission(100, kattisProblem)
	h.dispatcher.result = acceptedRun(555)

	testutil.AssertNoError(t, h.svc.Process(context.Background(), 100))

	sub := h.store.Submission(100)
	testutil.AssertEqual(t, sub.Status, "Accepted")
	testutil.AssertEqual(t, *sub.ExternalSubmissionID, int64(555))
	testutil.AssertEqual(t, *sub.ExternalSubmissionURL, "https://open.kattis.com/submissions/555")
	testutil.AssertEqual(t, *sub.ExecutionTime, 0.05)
	testutil.AssertEqual(t, h.store.User(userID).Score, int64(75))
	testutil.AssertEqual(t, h.store.Problem(kattisProblem).SolversCount, int64(1))

	testutil.AssertEqual(t, len(h.events.judged), 1)
	testutil.AssertTrue(t, h.events.judged[0].Awarded, "judged event should report the award")
	testutil.AssertEqual(t, len(h.events.retries), 0)
	testutil.AssertEqual(t, len(h.status.ids), 1)
	testutil.AssertTrue(t, h.archive.saved[100] != nil, "transcript should be archived")

	opts := h.db.LastTxOptions()
	testutil.AssertTrue(t, opts != nil, "commit should pass tx options")
}

func TestProcessSameProblemTwiceAwardsOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addSubmission(100, kattisProblem)
	h.addSubmission(101, kattisProblem)
	h.dispatcher.result = acceptedRun(1)

	testutil.AssertNoError(t, h.svc.Process(context.Background(), 100))
	testutil.AssertNoError(t, h.svc.Process(context.Background(), 101))

	testutil.AssertEqual(t, h.store.User(userID).Score, int64(75))
	testutil.AssertEqual(t, h.store.Problem(kattisProblem).SolversCount, int64(1))
	testutil.AssertEqual(t, h.store.Submission(101).Status, "Accepted")
}

func TestProcessRejudgeOfAcceptedDoesNotAwardAgain(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addSubmission(100, kattisProblem)
	h.dispatcher.result = acceptedRun(1)

	testutil.AssertNoError(t, h.svc.Process(context.Background(), 100))
	testutil.AssertNoError(t, h.svc.Process(context.Background(), 100))

	testutil.AssertEqual(t, h.store.User(userID).Score, int64(75))
	testutil.AssertEqual(t, h.store.AwardCount(), 1)
}

func TestProcessStateMachine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		problemID  int64
		run        dispatcher.Result
		runErr     error
		wantStatus string
	}{
		{name: "unsupported platform stays pending", problemID: foreignProblem, wantStatus: model.StatusPending},
		{name: "missing problem", problemID: 404, wantStatus: model.StatusSubmissionFailed},
		{name: "client non-zero exit", problemID: kattisProblem, run: dispatcher.Result{Stderr: "boom"}, wantStatus: model.StatusExecutionError},
		{name: "client missing", problemID: kattisProblem, runErr: errors.New("not found"), wantStatus: model.StatusExecutionError},
		{name: "no submission reference", problemID: kattisProblem, run: dispatcher.Result{ExitSuccess: true, Stdout: "Accepted\n"}, wantStatus: model.StatusSubmissionFailed},
		{name: "wrong answer", problemID: kattisProblem, run: dispatcher.Result{ExitSuccess: true, Stdout: "Submission ID: 4\nSubmission URL: https://k/4\nWrong Answer (1.2 s)\n"}, wantStatus: "Wrong Answer"},
		{name: "ambiguous output", problemID: kattisProblem, run: dispatcher.Result{ExitSuccess: true, Stdout: "Submission ID: 4\nSubmission URL: https://k/4\n(3 s)\n"}, wantStatus: "Submission URL: https://k/4"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.addSubmission(100, tt.problemID)
			h.dispatcher.result = tt.run
			h.dispatcher.err = tt.runErr

			testutil.AssertNoError(t, h.svc.Process(context.Background(), 100))
			testutil.AssertEqual(t, h.store.Submission(100).Status, tt.wantStatus)
			testutil.AssertEqual(t, h.store.User(userID).Score, int64(0))
		})
	}
}

func TestProcessClampsOverlongStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addSubmission(100, kattisProblem)
	noise := "Runtime Error " + strings.Repeat("x", 400)
	h.dispatcher.result = dispatcher.Result{
		ExitSuccess: true,
		Stdout:      "Submission ID: 4\nSubmission URL: https://k/4\n" + noise + "\n",
	}

	testutil.AssertNoError(t, h.svc.Process(context.Background(), 100))
	testutil.AssertEqual(t, h.store.Submission(100).Status, noise[:model.MaxStatusLength])
}

func TestProcessMissingSubmissionIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	testutil.AssertNoError(t, h.svc.Process(context.Background(), 999))
	testutil.AssertEqual(t, h.db.Commits(), int64(0))
	testutil.AssertEqual(t, len(h.dispatcher.calls), 0)
}

func TestProcessBackendPanicBecomesExecutionError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeBackend{name: "codeforces", panics: true})
	h.addSubmission(100, foreignProblem)

	testutil.AssertNoError(t, h.svc.Process(context.Background(), 100))
	testutil.AssertEqual(t, h.store.Submission(100).Status, model.StatusExecutionError)
}

func TestProcessPluggedBackend(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeBackend{name: "Codeforces", outcome: model.StatusOnly("Accepted")})
	h.addSubmission(100, foreignProblem)

	testutil.AssertNoError(t, h.svc.Process(context.Background(), 100))
	testutil.AssertEqual(t, h.store.Submission(100).Status, "Accepted")
	testutil.AssertEqual(t, h.store.User(userID).Score, int64(10))
}

func TestProcessAwardFailureKeepsVerdictAndSchedulesRetry(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addSubmission(100, kattisProblem)
	h.dispatcher.result = acceptedRun(1)
	h.store.FailOn("Credit", errors.New("deadlock"))

	testutil.AssertNoError(t, h.svc.Process(context.Background(), 100))
	testutil.AssertEqual(t, h.store.Submission(100).Status, "Accepted")
	testutil.AssertEqual(t, h.store.User(userID).Score, int64(0))
	testutil.AssertEqual(t, len(h.events.retries), 1)
	testutil.AssertEqual(t, h.events.retries[0].SubmissionID, int64(100))

	h.store.FailOn("Credit", nil)
	body, _ := json.Marshal(h.events.retries[0])
	testutil.AssertNoError(t, h.svc.HandleAwardRetry(context.Background(), mq.NewMessage(body)))
	testutil.AssertEqual(t, h.store.User(userID).Score, int64(75))
}

func TestProcessFallsBackToExecutionErrorWhenCommitFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addSubmission(100, kattisProblem)
	h.dispatcher.result = acceptedRun(1)

	// The first update fails, the fallback goes through.
	failing := &onceFailing{store: h.store}
	svc, err := service.NewService(service.Config{
		DB:          h.db,
		Submissions: failing,
		Problems:    h.store.Problems(),
		Backends:    service.NewRegistry(service.NewKattisBackend(h.dispatcher)),
		Ledger:      scoring.NewLedger(h.db, h.store.Awards()),
	})
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, svc.Process(context.Background(), 100))
	testutil.AssertEqual(t, h.store.Submission(100).Status, model.StatusExecutionError)
	testutil.AssertEqual(t, h.store.User(userID).Score, int64(0))
}

func deadlock() error {
	return &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock; try restarting transaction"}
}

// lostSavepoint mimics InnoDB after a deadlock: the transaction is gone, so is the savepoint.
func lostSavepoint(query string) error {
	if strings.HasPrefix(query, "ROLLBACK TO SAVEPOINT") {
		return &mysql.MySQLError{Number: 1305, Message: "SAVEPOINT scoring_award does not exist"}
	}
	return nil
}

func TestProcessRetriesOutcomeAfterDeadlock(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addSubmission(100, kattisProblem)
	h.dispatcher.result = acceptedRun(1)
	h.store.FailOnce("UpdateOutcome", deadlock())

	testutil.AssertNoError(t, h.svc.Process(context.Background(), 100))
	testutil.AssertEqual(t, h.store.Submission(100).Status, "Accepted")
	testutil.AssertEqual(t, h.store.User(userID).Score, int64(75))
	testutil.AssertEqual(t, h.db.Rollbacks(), int64(1))
	testutil.AssertEqual(t, len(h.events.retries), 0)
}

func TestProcessRerunsTransactionWhenAwardDeadlocks(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addSubmission(100, kattisProblem)
	h.dispatcher.result = acceptedRun(1)
	h.db.ExecErr = lostSavepoint
	h.store.FailOnce("LockUser", deadlock())

	testutil.AssertNoError(t, h.svc.Process(context.Background(), 100))
	testutil.AssertEqual(t, h.store.Submission(100).Status, "Accepted")
	testutil.AssertEqual(t, h.store.User(userID).Score, int64(75))
	testutil.AssertEqual(t, h.store.AwardCount(), 1)
	testutil.AssertEqual(t, len(h.events.retries), 0)
	testutil.AssertEqual(t, len(h.events.judged), 1)
	testutil.AssertTrue(t, h.events.judged[0].Awarded, "judged event should report the award")
}

func TestProcessKeepsVerdictWhenAwardKeepsDeadlocking(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addSubmission(100, kattisProblem)
	h.dispatcher.result = acceptedRun(1)
	h.db.ExecErr = lostSavepoint
	h.store.FailOn("LockUser", deadlock())

	testutil.AssertNoError(t, h.svc.Process(context.Background(), 100))
	testutil.AssertEqual(t, h.store.Submission(100).Status, "Accepted")
	testutil.AssertEqual(t, h.store.User(userID).Score, int64(0))
	testutil.AssertEqual(t, len(h.events.retries), 1)
	testutil.AssertEqual(t, len(h.events.judged), 1)
	testutil.AssertFalse(t, h.events.judged[0].Awarded, "judged event should not report an award")

	h.store.FailOn("LockUser", nil)
	body, _ := json.Marshal(h.events.retries[0])
	testutil.AssertNoError(t, h.svc.HandleAwardRetry(context.Background(), mq.NewMessage(body)))
	testutil.AssertEqual(t, h.store.User(userID).Score, int64(75))
}

func TestProcessSingleAttemptStillKeepsVerdictWhenAwardDeadlocks(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addSubmission(100, kattisProblem)
	h.dispatcher.result = acceptedRun(1)
	h.db.ExecErr = lostSavepoint
	h.store.FailOn("LockUser", deadlock())
	svc, err := service.NewService(service.Config{
		DB:             h.db,
		Submissions:    h.store.Submissions(),
		Problems:       h.store.Problems(),
		Backends:       service.NewRegistry(service.NewKattisBackend(h.dispatcher)),
		Ledger:         scoring.NewLedger(h.db, h.store.Awards()),
		Events:         h.events,
		CommitAttempts: 1,
		CommitBackoff:  time.Millisecond,
	})
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, svc.Process(context.Background(), 100))
	testutil.AssertEqual(t, h.store.Submission(100).Status, "Accepted")
	testutil.AssertEqual(t, len(h.events.retries), 1)
}

func TestProcessFallsBackWhenLockErrorsPersist(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addSubmission(100, kattisProblem)
	h.dispatcher.result = acceptedRun(1)
	// Every attempt for the verdict times out; the fallback gets through.
	failing := &lockFailing{store: h.store, remaining: 3}
	svc, err := service.NewService(service.Config{
		DB:            h.db,
		Submissions:   failing,
		Problems:      h.store.Problems(),
		Backends:      service.NewRegistry(service.NewKattisBackend(h.dispatcher)),
		Ledger:        scoring.NewLedger(h.db, h.store.Awards()),
		CommitBackoff: time.Millisecond,
	})
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, svc.Process(context.Background(), 100))
	testutil.AssertEqual(t, h.store.Submission(100).Status, model.StatusExecutionError)
	testutil.AssertEqual(t, failing.remaining, 0)
}

// lockFailing times out the first remaining outcome updates.
type lockFailing struct {
	store     *testutil.MemStore
	remaining int
}

func (l *lockFailing) GetByID(ctx context.Context, tx db.Transaction, id int64) (*model.Submission, error) {
	return l.store.Submissions().GetByID(ctx, tx, id)
}

func (l *lockFailing) GetForUpdate(ctx context.Context, tx db.Transaction, id int64) (*model.Submission, error) {
	return l.store.Submissions().GetForUpdate(ctx, tx, id)
}

func (l *lockFailing) UpdateOutcome(ctx context.Context, tx db.Transaction, id int64, outcome model.Outcome) error {
	if l.remaining > 0 {
		l.remaining--
		return &mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}
	}
	return l.store.Submissions().UpdateOutcome(ctx, tx, id, outcome)
}

// onceFailing fails the first outcome update and delegates afterwards.
type onceFailing struct {
	store  *testutil.MemStore
	failed bool
}

func (o *onceFailing) GetByID(ctx context.Context, tx db.Transaction, id int64) (*model.Submission, error) {
	return o.store.Submissions().GetByID(ctx, tx, id)
}

func (o *onceFailing) GetForUpdate(ctx context.Context, tx db.Transaction, id int64) (*model.Submission, error) {
	return o.store.Submissions().GetForUpdate(ctx, tx, id)
}

func (o *onceFailing) UpdateOutcome(ctx context.Context, tx db.Transaction, id int64, outcome model.Outcome) error {
	if !o.failed {
		o.failed = true
		return errors.New("lock wait timeout exceeded")
	}
	return o.store.Submissions().UpdateOutcome(ctx, tx, id, outcome)
}

func TestHandleMessageDropsMalformedJobs(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	for _, body := range []string{"not json", `{"submission_id": 0}`, `{}`} {
		testutil.AssertNoError(t, h.svc.HandleMessage(context.Background(), mq.NewMessage([]byte(body))))
	}
	testutil.AssertEqual(t, len(h.dispatcher.calls), 0)
}

func TestHandleMessageProcessesJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addSubmission(100, kattisProblem)
	h.dispatcher.result = acceptedRun(3)

	body, _ := json.Marshal(model.JudgeMessage{SubmissionID: 100})
	testutil.AssertNoError(t, h.svc.HandleMessage(context.Background(), mq.NewMessage(body)))
	testutil.AssertEqual(t, h.store.Submission(100).Status, "Accepted")
}

func TestHandleAwardRetryIgnoresDeletedSubmission(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	body, _ := json.Marshal(model.AwardRetryMessage{SubmissionID: 999})
	testutil.AssertNoError(t, h.svc.HandleAwardRetry(context.Background(), mq.NewMessage(body)))
}

func TestHandleAwardRetryReturnsErrorWhileFailing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.AddSubmission(model.Submission{ID: 100, UserID: userID, ProblemID: kattisProblem, Status: "Accepted"})
	h.store.FailOn("LockUser", errors.New("lock wait timeout"))

	body, _ := json.Marshal(model.AwardRetryMessage{SubmissionID: 100})
	err := h.svc.HandleAwardRetry(context.Background(), mq.NewMessage(body))
	testutil.AssertEqual(t, appErr.GetCode(err), appErr.AwardFailed)
}

func TestEnqueue(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addSubmission(100, kattisProblem)

	testutil.AssertNoError(t, h.svc.Enqueue(context.Background(), 100))
	testutil.AssertEqual(t, len(h.events.jobs), 1)
	testutil.AssertEqual(t, h.events.jobs[0].SubmissionID, int64(100))

	err := h.svc.Enqueue(context.Background(), 999)
	testutil.AssertEqual(t, appErr.GetCode(err), appErr.SubmissionNotFound)
	err = h.svc.Enqueue(context.Background(), 0)
	testutil.AssertEqual(t, appErr.GetCode(err), appErr.ValidationFailed)
}

func TestAwardResultOnlyFailedIsRetryable(t *testing.T) {
	t.Parallel()
	testutil.AssertTrue(t, scoringmodel.AwardFailed.Retryable(), "failed should be retryable")
	testutil.AssertFalse(t, scoringmodel.AwardGranted.Retryable(), "granted should not be retryable")
}
