package service

import (
	"context"
	"strconv"
	"time"

	"cpjudge/internal/common/mq"
	appErr "cpjudge/pkg/errors"
	"cpjudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	poolRetryHeader  = "x-pool-retry"
	deadReasonHeader = "x-dead-reason"
)

// PoolRetry puts judge jobs that found every worker busy back on the retry topic.
// Each requeue waits BaseDelay doubled per earlier requeue, capped at MaxDelay; after
// Max requeues the job is parked on DeadLetter.
type PoolRetry struct {
	Queue      mq.MessageQueue
	Topic      string
	DeadLetter string
	Max        int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (s *Service) acquireSlot(ctx context.Context) error {
	timer := time.NewTimer(s.slotWait)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return appErr.New(appErr.JudgeQueueFull).WithMessage("worker pool is full")
	}
}

func (s *Service) releaseSlot() {
	select {
	case <-s.sem:
	default:
	}
}

func (s *Service) tryAcquireSlot() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// PoolRetryCount is how many times msg was already requeued for a full pool.
func PoolRetryCount(msg *mq.Message) int {
	if msg == nil {
		return 0
	}
	raw, ok := msg.GetHeader(poolRetryHeader)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// WithPoolRetry copies msg with a fresh timestamp and the requeue count set to n.
// msg itself is left untouched.
func WithPoolRetry(msg *mq.Message, n int) *mq.Message {
	if msg == nil {
		msg = mq.NewMessage(nil)
	}
	out := &mq.Message{
		ID:         msg.ID,
		Body:       msg.Body,
		Headers:    make(map[string]string, len(msg.Headers)+1),
		Timestamp:  time.Now(),
		MaxRetries: msg.MaxRetries,
		Expiration: msg.Expiration,
	}
	for k, v := range msg.Headers {
		out.Headers[k] = v
	}
	out.Headers[poolRetryHeader] = strconv.Itoa(n)
	return out
}

// Backoff is the wait before the requeue that follows n earlier ones.
func (p PoolRetry) Backoff(n int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 0; i < n; i++ {
		if p.MaxDelay > 0 && delay > p.MaxDelay/2 {
			return p.MaxDelay
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Requeue republishes the job in msg for submissionID, or parks it once Max is reached.
func (p PoolRetry) Requeue(ctx context.Context, submissionID int64, msg *mq.Message) error {
	if p.Queue == nil || p.Topic == "" {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("retry queue is not configured")
	}
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	n := PoolRetryCount(msg)
	fields := []zap.Field{
		zap.Int64("submission_id", submissionID),
		zap.String("message_id", msg.ID),
		zap.Int("pool_retries", n),
	}

	if p.Max > 0 && n >= p.Max {
		if p.DeadLetter == "" {
			logger.Warn(ctx, "judge job gave up on a full worker pool, no dead letter topic", fields...)
			return appErr.New(appErr.JudgeQueueFull).WithMessage("worker pool is full")
		}
		parked := WithPoolRetry(msg, n)
		parked.SetHeader(deadReasonHeader, "worker pool full")
		logger.Warn(ctx, "judge job parked on dead letter after full worker pool",
			append(fields, zap.String("topic", p.DeadLetter))...)
		return p.Queue.Publish(ctx, p.DeadLetter, parked)
	}

	delay := p.Backoff(n)
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	logger.Info(ctx, "judge job requeued, worker pool full",
		append(fields, zap.Duration("delay", delay), zap.String("topic", p.Topic))...)
	return p.Queue.Publish(ctx, p.Topic, WithPoolRetry(msg, n+1))
}
