package service

import (
	"context"
	"encoding/json"

	"cpjudge/internal/common/mq"
	"cpjudge/internal/judge/model"
	appErr "cpjudge/pkg/errors"
	"cpjudge/pkg/utils/contextkey"
	"cpjudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// HandleMessage processes a judge job message. Malformed jobs are dropped; a full
// worker pool requeues the job with backoff.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	var job model.JudgeMessage
	if err := json.Unmarshal(msg.Body, &job); err != nil || job.SubmissionID <= 0 {
		logger.Error(ctx, "drop malformed judge job", zap.String("message_id", msg.ID), zap.ByteString("body", msg.Body), zap.Error(err))
		return nil
	}
	ctx = context.WithValue(ctx, contextkey.SubmissionID, job.SubmissionID)

	if !s.tryAcquireSlot() {
		if err := s.acquireSlot(ctx); err != nil {
			if appErr.Is(err, appErr.JudgeQueueFull) {
				return s.poolRetry.Requeue(ctx, job.SubmissionID, msg)
			}
			return err
		}
	}
	defer s.releaseSlot()

	return s.Process(ctx, job.SubmissionID)
}

// HandleAwardRetry replays a failed score award. Errors are returned so the queue
// retries and finally dead-letters the message.
func (s *Service) HandleAwardRetry(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	var retry model.AwardRetryMessage
	if err := json.Unmarshal(msg.Body, &retry); err != nil || retry.SubmissionID <= 0 {
		logger.Error(ctx, "drop malformed award retry", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	ctx = context.WithValue(ctx, contextkey.SubmissionID, retry.SubmissionID)

	result, err := s.ledger.Replay(ctx, retry.SubmissionID)
	if err != nil {
		if appErr.Is(err, appErr.SubmissionNotFound) {
			logger.Warn(ctx, "award retry for a deleted submission")
			return nil
		}
		return err
	}
	if result.Retryable() {
		return appErr.New(appErr.AwardFailed)
	}
	if s.status != nil {
		_ = s.status.Invalidate(ctx, retry.SubmissionID)
	}
	return nil
}
