// Package service runs submissions through their judge backend and commits the outcome
// together with any score award.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"cpjudge/internal/common/db"
	"cpjudge/internal/common/mq"
	"cpjudge/internal/judge/model"
	"cpjudge/internal/judge/repository"
	scoringmodel "cpjudge/internal/scoring/model"
	appErr "cpjudge/pkg/errors"
	"cpjudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultSlotWait       = 2 * time.Second
	defaultAfterTimeout   = 10 * time.Second
	defaultCommitAttempts = 3
	defaultCommitBackoff  = 50 * time.Millisecond
)

// errAwardAborted tags a commit whose transaction died inside the score award.
var errAwardAborted = errors.New("score award aborted the transaction")

// Ledger is the scoring side of the commit point.
type Ledger interface {
	RecordVerdict(previous, next string) bool
	AwardIfFirstAcceptance(ctx context.Context, tx db.Transaction, sub *model.Submission) (scoringmodel.AwardResult, error)
	Replay(ctx context.Context, submissionID int64) (scoringmodel.AwardResult, error)
}

// StatusInvalidator drops cached submission status.
type StatusInvalidator interface {
	Invalidate(ctx context.Context, submissionID int64) error
}

// TranscriptArchive stores judge client output.
type TranscriptArchive interface {
	Save(ctx context.Context, submissionID int64, transcript *model.Transcript) error
}

// Service processes judge jobs.
type Service struct {
	db          db.Database
	submissions repository.SubmissionRepository
	problems    repository.ProblemRepository
	backends    *Registry
	ledger      Ledger
	status      StatusInvalidator
	events      repository.EventPublisher
	transcripts TranscriptArchive

	judgeTimeout time.Duration
	afterTimeout time.Duration
	slotWait     time.Duration
	sem          chan struct{}

	commitAttempts int
	commitBackoff  time.Duration

	poolRetry PoolRetry

	now func() time.Time
}

// Config holds service dependencies and settings.
type Config struct {
	DB          db.Database
	Submissions repository.SubmissionRepository
	Problems    repository.ProblemRepository
	Backends    *Registry
	Ledger      Ledger
	// Optional collaborators; nil disables the step.
	Status      StatusInvalidator
	Events      repository.EventPublisher
	Transcripts TranscriptArchive

	// JudgeTimeout bounds one backend run on top of the dispatcher's own timeout.
	JudgeTimeout   time.Duration
	WorkerPoolSize int
	SlotWait       time.Duration
	// CommitAttempts bounds reruns of the outcome transaction after deadlocks and lock
	// wait timeouts. CommitBackoff is the pause before the first rerun and grows linearly.
	CommitAttempts int
	CommitBackoff  time.Duration

	Queue         mq.MessageQueue
	RetryTopic    string
	DeadLetter    string
	PoolRetryMax  int
	PoolRetryBase time.Duration
	PoolRetryMaxD time.Duration
}

// NewService creates a new judge service.
func NewService(cfg Config) (*Service, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if cfg.Submissions == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if cfg.Problems == nil {
		return nil, fmt.Errorf("problem repository is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("scoring ledger is required")
	}
	backends := cfg.Backends
	if backends == nil {
		backends = NewRegistry()
	}
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	slotWait := cfg.SlotWait
	if slotWait <= 0 {
		slotWait = defaultSlotWait
	}
	commitAttempts := cfg.CommitAttempts
	if commitAttempts <= 0 {
		commitAttempts = defaultCommitAttempts
	}
	commitBackoff := cfg.CommitBackoff
	if commitBackoff <= 0 {
		commitBackoff = defaultCommitBackoff
	}
	return &Service{
		db:             cfg.DB,
		submissions:    cfg.Submissions,
		problems:       cfg.Problems,
		backends:       backends,
		ledger:         cfg.Ledger,
		status:         cfg.Status,
		events:         cfg.Events,
		transcripts:    cfg.Transcripts,
		judgeTimeout:   cfg.JudgeTimeout,
		afterTimeout:   defaultAfterTimeout,
		slotWait:       slotWait,
		sem:            make(chan struct{}, poolSize),
		commitAttempts: commitAttempts,
		commitBackoff:  commitBackoff,
		poolRetry: PoolRetry{
			Queue:      cfg.Queue,
			Topic:      cfg.RetryTopic,
			DeadLetter: cfg.DeadLetter,
			Max:        cfg.PoolRetryMax,
			BaseDelay:  cfg.PoolRetryBase,
			MaxDelay:   cfg.PoolRetryMaxD,
		},
		now: time.Now,
	}, nil
}

// Process judges one submission and commits its terminal outcome. A missing submission
// is a no-op. Judging failures end as a status, never as an error; an error means the
// outcome could not be persisted at all.
func (s *Service) Process(ctx context.Context, submissionID int64) error {
	sub, err := s.submissions.GetByID(ctx, nil, submissionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			logger.Info(ctx, "submission vanished before judging")
			return nil
		}
		return appErr.Wrapf(err, appErr.DatabaseError, "load submission failed")
	}

	outcome := s.judge(ctx, sub)
	committed, err := s.commitWithRetry(ctx, sub.ID, outcome)
	if err != nil {
		logger.Error(ctx, "commit judge outcome failed", zap.String("status", outcome.Status), zap.Error(err))
		if outcome.Status == model.StatusExecutionError {
			return err
		}
		fallback := model.Outcome{Status: model.StatusExecutionError, Transcript: outcome.Transcript}
		if committed, err = s.commitWithRetry(ctx, sub.ID, fallback); err != nil {
			return err
		}
		outcome = fallback
	}

	s.afterCommit(ctx, committed, outcome)
	return nil
}

// judge produces the outcome for sub. It never fails: problems that cannot be loaded,
// backend errors and panics all become terminal statuses.
func (s *Service) judge(ctx context.Context, sub *model.Submission) (outcome model.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "judging panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			outcome = model.StatusOnly(model.StatusExecutionError)
		}
	}()

	problem, err := s.problems.GetByID(ctx, nil, sub.ProblemID)
	if err != nil {
		if errors.Is(err, repository.ErrProblemNotFound) {
			logger.Warn(ctx, "submission references a missing problem", zap.Int64("problem_id", sub.ProblemID))
			return model.StatusOnly(model.StatusSubmissionFailed)
		}
		logger.Error(ctx, "load problem failed", zap.Int64("problem_id", sub.ProblemID), zap.Error(err))
		return model.StatusOnly(model.StatusExecutionError)
	}

	backend, ok := s.backends.Lookup(problem.Judge)
	if !ok {
		logger.Info(ctx, "no judge backend for platform, leaving pending",
			zap.Int64("problem_id", problem.ID),
			zap.String("judge", problem.Judge),
		)
		return model.StatusOnly(model.StatusPending)
	}

	judgeCtx := ctx
	if s.judgeTimeout > 0 {
		var cancel context.CancelFunc
		judgeCtx, cancel = context.WithTimeout(ctx, s.judgeTimeout)
		defer cancel()
	}
	start := s.now()
	outcome, err = backend.Judge(judgeCtx, sub, problem)
	if err != nil {
		logger.Error(ctx, "judge backend failed",
			zap.String("backend", backend.Name()),
			zap.Int64("problem_id", problem.ID),
			zap.Error(err),
		)
		return model.StatusOnly(model.StatusExecutionError)
	}
	if outcome.Status == "" {
		outcome.Status = model.StatusSubmitted
	}
	outcome.Status = model.ClampStatus(outcome.Status)
	logger.Info(ctx, "submission judged",
		zap.String("backend", backend.Name()),
		zap.Int64("problem_id", problem.ID),
		zap.String("status", outcome.Status),
		zap.Duration("elapsed", s.now().Sub(start)),
	)
	return outcome
}

type commitResult struct {
	submission model.Submission
	edge       bool
	award      scoringmodel.AwardResult
}

// commitWithRetry reruns commit while the transaction fails on a deadlock, a lock wait
// timeout or an aborted award. Once the award has aborted an attempt, the last try
// stores the outcome without it and leaves the award to the retry queue.
func (s *Service) commitWithRetry(ctx context.Context, submissionID int64, outcome model.Outcome) (commitResult, error) {
	var (
		err          error
		awardAborted bool
		withAward    bool
	)
	for attempt := 1; attempt <= s.commitAttempts+1; attempt++ {
		last := attempt >= s.commitAttempts
		if attempt > s.commitAttempts && !(awardAborted && withAward) {
			break
		}
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return commitResult{}, errors.Join(err, ctx.Err())
			case <-time.After(time.Duration(attempt-1) * s.commitBackoff):
			}
		}
		withAward = !(awardAborted && last)
		var res commitResult
		res, err = s.commit(ctx, submissionID, outcome, withAward)
		if err == nil {
			return res, nil
		}
		if !db.IsRetryableTx(err) {
			return commitResult{}, err
		}
		awardAborted = awardAborted || errors.Is(err, errAwardAborted)
		logger.Warn(ctx, "commit judge outcome aborted",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.commitAttempts),
			zap.Bool("award_aborted", awardAborted),
			zap.Error(err),
		)
	}
	return commitResult{}, err
}

// commit is the single write of a terminal outcome. The status update and the score
// award share one READ COMMITTED transaction; the award runs under its own savepoint
// so its failure never blocks the status. Without withAward an acceptance edge is
// recorded as AwardFailed and left to the retry queue.
func (s *Service) commit(ctx context.Context, submissionID int64, outcome model.Outcome, withAward bool) (commitResult, error) {
	var res commitResult
	err := s.db.TransactionWithOptions(ctx, &db.TxOptions{Isolation: db.LevelReadCommitted}, func(tx db.Transaction) error {
		current, err := s.submissions.GetForUpdate(ctx, tx, submissionID)
		if err != nil {
			return err
		}
		edge := s.ledger.RecordVerdict(current.Status, outcome.Status)
		if err := s.submissions.UpdateOutcome(ctx, tx, submissionID, outcome); err != nil {
			return err
		}
		res = commitResult{submission: *current, edge: edge}
		if !edge {
			return nil
		}
		if !withAward {
			res.award = scoringmodel.AwardFailed
			return nil
		}
		award, err := s.ledger.AwardIfFirstAcceptance(ctx, tx, current)
		if err != nil {
			return fmt.Errorf("%w: %w", errAwardAborted, err)
		}
		res.award = award
		return nil
	})
	if err != nil {
		return commitResult{}, err
	}
	applyOutcome(&res.submission, outcome)
	return res, nil
}

func applyOutcome(sub *model.Submission, outcome model.Outcome) {
	sub.Status = outcome.Status
	if outcome.ExternalSubmissionID != nil {
		sub.ExternalSubmissionID = outcome.ExternalSubmissionID
	}
	if outcome.ExternalSubmissionURL != nil {
		sub.ExternalSubmissionURL = outcome.ExternalSubmissionURL
	}
	if outcome.ExecutionTime != nil {
		sub.ExecutionTime = outcome.ExecutionTime
	}
}

// afterCommit runs the best-effort side effects of a committed outcome. None of them
// can change the stored status.
func (s *Service) afterCommit(ctx context.Context, res commitResult, outcome model.Outcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.afterTimeout)
	defer cancel()
	sub := res.submission

	if s.status != nil {
		if err := s.status.Invalidate(ctx, sub.ID); err != nil {
			logger.Warn(ctx, "invalidate status cache failed", zap.Error(err))
		}
	}

	if s.transcripts != nil && outcome.Transcript != nil {
		if err := s.transcripts.Save(ctx, sub.ID, outcome.Transcript); err != nil {
			logger.Warn(ctx, "archive judge transcript failed", zap.Error(err))
		}
	}

	if s.events == nil {
		if res.award == scoringmodel.AwardFailed {
			logger.Error(ctx, "score award failed and no retry queue is configured")
		}
		return
	}

	if res.award == scoringmodel.AwardFailed {
		retry := model.AwardRetryMessage{SubmissionID: sub.ID, Reason: "award failed at commit"}
		if err := s.events.PublishAwardRetry(ctx, retry); err != nil {
			logger.Error(ctx, "enqueue award retry failed, replay manually", zap.Error(err))
		}
	}

	if model.IsTerminal(sub.Status) {
		event := model.JudgedEvent{
			SubmissionID:  sub.ID,
			UserID:        sub.UserID,
			ProblemID:     sub.ProblemID,
			Status:        sub.Status,
			ExecutionTime: sub.ExecutionTime,
			Awarded:       res.award == scoringmodel.AwardGranted,
			FinishedAt:    s.now().UTC(),
		}
		if err := s.events.PublishJudged(ctx, event); err != nil {
			logger.Warn(ctx, "publish judged event failed", zap.Error(err))
		}
	}
}

// Enqueue publishes a judge job for an existing submission.
func (s *Service) Enqueue(ctx context.Context, submissionID int64) error {
	if submissionID <= 0 {
		return appErr.ValidationError("submission_id", "must be positive")
	}
	if s.events == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("judge queue is not configured")
	}
	if _, err := s.submissions.GetByID(ctx, nil, submissionID); err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return appErr.New(appErr.SubmissionNotFound)
		}
		return appErr.Wrapf(err, appErr.DatabaseError, "load submission failed")
	}
	if err := s.events.PublishJob(ctx, model.JudgeMessage{SubmissionID: submissionID}); err != nil {
		return err
	}
	logger.Info(ctx, "judge job enqueued", zap.Int64("submission_id", submissionID))
	return nil
}
