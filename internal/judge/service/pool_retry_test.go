package service_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cpjudge/internal/common/mq"
	"cpjudge/internal/judge/model"
	"cpjudge/internal/judge/service"
	"cpjudge/internal/testutil"
	appErr "cpjudge/pkg/errors"
)

func TestPoolRetryCount(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", want: 0},
		{name: "valid", header: "3", want: 3},
		{name: "negative", header: "-1", want: 0},
		{name: "garbage", header: "abc", want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg := mq.NewMessage(nil)
			if tt.header != "" {
				msg.SetHeader("x-pool-retry", tt.header)
			}
			testutil.AssertEqual(t, service.PoolRetryCount(msg), tt.want)
		})
	}
	testutil.AssertEqual(t, service.PoolRetryCount(nil), 0)
}

func TestPoolRetryBackoff(t *testing.T) {
	t.Parallel()
	p := service.PoolRetry{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	testutil.AssertEqual(t, p.Backoff(0), 100*time.Millisecond)
	testutil.AssertEqual(t, p.Backoff(2), 400*time.Millisecond)
	testutil.AssertEqual(t, p.Backoff(10), time.Second)
	testutil.AssertEqual(t, service.PoolRetry{MaxDelay: time.Second}.Backoff(3), time.Duration(0))
}

func TestWithPoolRetryKeepsHeaders(t *testing.T) {
	t.Parallel()
	msg := mq.NewMessage([]byte(`{"submission_id":7}`))
	msg.SetHeader("trace_id", "abc")

	clone := service.WithPoolRetry(msg, 2)
	testutil.AssertEqual(t, clone.ID, msg.ID)
	testutil.AssertEqual(t, string(clone.Body), string(msg.Body))
	testutil.AssertEqual(t, clone.Headers["trace_id"], "abc")
	testutil.AssertEqual(t, service.PoolRetryCount(clone), 2)
	_, mutated := msg.GetHeader("x-pool-retry")
	testutil.AssertFalse(t, mutated, "original message must not gain the retry header")
}

func TestPoolRetryRequeueThenPark(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	queue := &fakeQueue{}
	p := service.PoolRetry{Queue: queue, Topic: "judge.retry", DeadLetter: "judge.dead", Max: 2}
	msg := mq.NewMessage([]byte(`{"submission_id":7}`))

	testutil.AssertNoError(t, p.Requeue(ctx, 7, msg))
	testutil.AssertEqual(t, len(queue.published), 1)
	testutil.AssertEqual(t, queue.published[0].topic, "judge.retry")
	testutil.AssertEqual(t, service.PoolRetryCount(queue.published[0].msg), 1)

	testutil.AssertNoError(t, p.Requeue(ctx, 7, service.WithPoolRetry(msg, 2)))
	testutil.AssertEqual(t, len(queue.published), 2)
	parked := queue.published[1]
	testutil.AssertEqual(t, parked.topic, "judge.dead")
	reason, _ := parked.msg.GetHeader("x-dead-reason")
	testutil.AssertEqual(t, reason, "worker pool full")
	testutil.AssertEqual(t, service.PoolRetryCount(parked.msg), 2)
}

func TestPoolRetryWithoutDeadLetter(t *testing.T) {
	t.Parallel()
	queue := &fakeQueue{}
	p := service.PoolRetry{Queue: queue, Topic: "judge.retry", Max: 2}

	err := p.Requeue(context.Background(), 7, service.WithPoolRetry(mq.NewMessage([]byte(`{}`)), 5))
	testutil.AssertEqual(t, appErr.GetCode(err), appErr.JudgeQueueFull)
	testutil.AssertEqual(t, len(queue.published), 0)
}

func TestPoolRetryRequiresQueue(t *testing.T) {
	t.Parallel()
	err := service.PoolRetry{Topic: "judge.retry", Max: 1}.Requeue(context.Background(), 7, mq.NewMessage(nil))
	testutil.AssertEqual(t, appErr.GetCode(err), appErr.ServiceUnavailable)
}

func TestPoolRetryHonoursCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	queue := &fakeQueue{}
	p := service.PoolRetry{Queue: queue, Topic: "judge.retry", Max: 3, BaseDelay: time.Minute, MaxDelay: time.Minute}

	err := p.Requeue(ctx, 7, mq.NewMessage(nil))
	testutil.AssertTrue(t, err == context.Canceled, "cancelled context should abort the backoff wait")
	testutil.AssertEqual(t, len(queue.published), 0)
}

func TestHandleMessageRequeuesWhenPoolIsFull(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addSubmission(100, kattisProblem)
	blocked := make(chan struct{})
	release := make(chan struct{})
	h.dispatcher.block = blocked
	h.dispatcher.release = release
	h.dispatcher.result = acceptedRun(1)

	body, _ := json.Marshal(model.JudgeMessage{SubmissionID: 100})
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { done <- h.svc.HandleMessage(context.Background(), mq.NewMessage(body)) }()
		<-blocked
	}

	// Both workers are busy; the third job waits out the slot and is requeued.
	testutil.AssertNoError(t, h.svc.HandleMessage(context.Background(), mq.NewMessage(body)))
	close(release)
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("busy worker failed: %v", err)
		}
	}
	h.queue.mu.Lock()
	defer h.queue.mu.Unlock()
	testutil.AssertEqual(t, len(h.queue.published), 1)
	testutil.AssertEqual(t, h.queue.published[0].topic, "judge.retry")
	testutil.AssertEqual(t, service.PoolRetryCount(h.queue.published[0].msg), 1)
}
