package service_test

import (
	"context"
	"sync"

	"cpjudge/internal/common/mq"
	"cpjudge/internal/judge/dispatcher"
	"cpjudge/internal/judge/model"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	result dispatcher.Result
	err    error
	calls  []dispatcher.Request

	// block, when set, receives once per call; the call then waits for release to close.
	block   chan struct{}
	release chan struct{}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req dispatcher.Request) (dispatcher.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	result, err := f.result, f.err
	block, release := f.block, f.release
	f.mu.Unlock()

	if block != nil {
		block <- struct{}{}
		<-release
	}
	return result, err
}

type fakeBackend struct {
	name    string
	outcome model.Outcome
	err     error
	panics  bool
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Judge(ctx context.Context, sub *model.Submission, problem *model.Problem) (model.Outcome, error) {
	if f.panics {
		panic("backend exploded")
	}
	return f.outcome, f.err
}

type fakePublisher struct {
	mu      sync.Mutex
	jobs    []model.JudgeMessage
	judged  []model.JudgedEvent
	retries []model.AwardRetryMessage
	err     error
}

func (f *fakePublisher) PublishJob(ctx context.Context, job model.JudgeMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return f.err
}

func (f *fakePublisher) PublishJudged(ctx context.Context, event model.JudgedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.judged = append(f.judged, event)
	return f.err
}

func (f *fakePublisher) PublishAwardRetry(ctx context.Context, retry model.AwardRetryMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, retry)
	return f.err
}

type fakeArchive struct {
	mu    sync.Mutex
	saved map[int64]*model.Transcript
}

func (f *fakeArchive) Save(ctx context.Context, submissionID int64, transcript *model.Transcript) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = make(map[int64]*model.Transcript)
	}
	f.saved[submissionID] = transcript
	return nil
}

type fakeInvalidator struct {
	mu  sync.Mutex
	ids []int64
}

func (f *fakeInvalidator) Invalidate(ctx context.Context, submissionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, submissionID)
	return nil
}

type publishedMessage struct {
	topic string
	msg   *mq.Message
}

type fakeQueue struct {
	mu        sync.Mutex
	published []publishedMessage
}

func (f *fakeQueue) Publish(ctx context.Context, topic string, message *mq.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMessage{topic: topic, msg: message})
	return nil
}

func (f *fakeQueue) Subscribe(ctx context.Context, topic string, handler mq.HandlerFunc) error {
	return nil
}

func (f *fakeQueue) SubscribeWithOptions(ctx context.Context, topic string, handler mq.HandlerFunc, opts *mq.SubscribeOptions) error {
	return nil
}

func (f *fakeQueue) Start() error                   { return nil }
func (f *fakeQueue) Stop() error                    { return nil }
func (f *fakeQueue) Ping(ctx context.Context) error { return nil }
func (f *fakeQueue) Close() error                   { return nil }
