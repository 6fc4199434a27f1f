package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"cpjudge/internal/common/mq"
	"cpjudge/internal/judge/model"
	appErr "cpjudge/pkg/errors"
)

// Topics names the kafka topics the judge service writes to.
type Topics struct {
	Jobs       string
	AwardRetry string
	Judged     string
}

// EventPublisher publishes judge jobs and the events that follow a committed outcome.
type EventPublisher interface {
	PublishJob(ctx context.Context, job model.JudgeMessage) error
	PublishJudged(ctx context.Context, event model.JudgedEvent) error
	PublishAwardRetry(ctx context.Context, retry model.AwardRetryMessage) error
}

// MQEventPublisher publishes to a message queue. Messages are keyed by submission id
// so every event for one submission lands on one partition.
type MQEventPublisher struct {
	queue  mq.MessageQueue
	topics Topics
}

// NewMQEventPublisher creates a publisher.
func NewMQEventPublisher(queue mq.MessageQueue, topics Topics) *MQEventPublisher {
	return &MQEventPublisher{queue: queue, topics: topics}
}

var _ EventPublisher = (*MQEventPublisher)(nil)

// PublishJob enqueues a judge job.
func (p *MQEventPublisher) PublishJob(ctx context.Context, job model.JudgeMessage) error {
	return p.publish(ctx, p.topics.Jobs, job.SubmissionID, job)
}

// PublishJudged announces a committed terminal outcome.
func (p *MQEventPublisher) PublishJudged(ctx context.Context, event model.JudgedEvent) error {
	return p.publish(ctx, p.topics.Judged, event.SubmissionID, event)
}

// PublishAwardRetry schedules an award replay.
func (p *MQEventPublisher) PublishAwardRetry(ctx context.Context, retry model.AwardRetryMessage) error {
	return p.publish(ctx, p.topics.AwardRetry, retry.SubmissionID, retry)
}

func (p *MQEventPublisher) publish(ctx context.Context, topic string, submissionID int64, payload interface{}) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("event publisher is not configured")
	}
	if topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("topic is required")
	}
	if submissionID <= 0 {
		return appErr.ValidationError("submission_id", "must be positive")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload failed: %w", topic, err)
	}
	message := mq.NewMessage(body)
	message.ID = strconv.FormatInt(submissionID, 10)
	if err := p.queue.Publish(ctx, topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish to %s failed", topic)
	}
	return nil
}
