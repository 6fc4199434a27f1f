package mq

import (
	"context"
	"sync"

	"github.com/segmentio/kafka-go"
)

// offsetTracker commits one reader's offsets in fetch order. Handlers of a partition
// may finish out of order; an offset is committed only once every message fetched
// before it on the same partition is settled.
type offsetTracker struct {
	mu       sync.Mutex
	commit   func(ctx context.Context, msgs ...kafka.Message) error
	inflight map[int][]*trackedMessage
}

type trackedMessage struct {
	msg     kafka.Message
	settled bool
}

func newOffsetTracker(commit func(ctx context.Context, msgs ...kafka.Message) error) *offsetTracker {
	return &offsetTracker{commit: commit, inflight: make(map[int][]*trackedMessage)}
}

// track registers msg. Calls must follow fetch order.
func (t *offsetTracker) track(msg kafka.Message) *trackedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	tm := &trackedMessage{msg: msg}
	t.inflight[msg.Partition] = append(t.inflight[msg.Partition], tm)
	return tm
}

// settle marks tm done and commits the longest settled prefix of its partition. A
// failed commit keeps the prefix, so the next settle on the partition retries it.
func (t *offsetTracker) settle(ctx context.Context, tm *trackedMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tm.settled = true

	partition := tm.msg.Partition
	queue := t.inflight[partition]
	n := 0
	for n < len(queue) && queue[n].settled {
		n++
	}
	if n == 0 {
		return nil
	}
	if err := t.commit(ctx, queue[n-1].msg); err != nil {
		return err
	}
	if n == len(queue) {
		delete(t.inflight, partition)
		return nil
	}
	t.inflight[partition] = queue[n:]
	return nil
}

// pending is the number of tracked messages not yet committed.
func (t *offsetTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, q := range t.inflight {
		n += len(q)
	}
	return n
}
