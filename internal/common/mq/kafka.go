package mq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"cpjudge/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	headerID         = "x-message-id"
	headerTimestamp  = "x-message-ts"
	headerRetryCount = "x-message-retry"
	headerMaxRetries = "x-message-max-retries"
	headerExpiration = "x-message-expiration-ms"

	consumerGroupPrefix = "cpjudge-"
	fetchBackoff        = 100 * time.Millisecond
	commitTimeout       = 5 * time.Second
)

// KafkaConfig defines configuration for Kafka implementation.
type KafkaConfig struct {
	Brokers  []string
	ClientID string

	// Producer settings
	RequiredAcks kafka.RequiredAcks
	BatchSize    int
	BatchTimeout time.Duration
	Compression  kafka.Compression

	// Consumer settings
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration

	// Dialer settings
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaQueue implements MessageQueue using Kafka.
type KafkaQueue struct {
	config KafkaConfig
	writer *kafka.Writer
	dialer *kafka.Dialer

	mu            sync.Mutex
	subscriptions []*kafkaSubscription
	started       bool
	closed        bool
}

// kafkaSubscription is either a single-topic subscription with a worker pool, or a
// weighted multi-topic subscription gated by a FetchLimiter.
type kafkaSubscription struct {
	topics  []WeightedTopic
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context
	limiter FetchLimiter
	publish func(ctx context.Context, topic string, message *Message) error

	readers  []*kafka.Reader
	trackers []*offsetTracker
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func (s *kafkaSubscription) weighted() bool {
	return s.limiter != nil
}

// WeightedTopic defines a topic with fetch weight.
type WeightedTopic struct {
	Topic  string
	Weight int
}

// NewKafkaQueue creates a Kafka-backed message queue.
func NewKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("brokers are required")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	if cfg.MinBytes == 0 {
		cfg.MinBytes = 1 << 10
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.RequiredAcks == 0 {
		cfg.RequiredAcks = kafka.RequireOne
	}

	dialer := &kafka.Dialer{
		ClientID:  cfg.ClientID,
		Timeout:   cfg.DialTimeout,
		DualStack: true,
	}

	// Hash balancing on the message key keeps every job for one submission on one partition.
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: cfg.RequiredAcks,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		Compression:  cfg.Compression,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Transport: &kafka.Transport{
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, address)
			},
			ClientID: cfg.ClientID,
		},
	}

	return &KafkaQueue{
		config: cfg,
		writer: writer,
		dialer: dialer,
	}, nil
}

// Publish publishes a message to a topic.
func (k *KafkaQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	return k.writer.WriteMessages(ctx, toKafkaMessage(topic, message))
}

// Subscribe subscribes to a topic with default options.
func (k *KafkaQueue) Subscribe(ctx context.Context, topic string, handler HandlerFunc) error {
	return k.SubscribeWithOptions(ctx, topic, handler, nil)
}

// SubscribeWithOptions subscribes to a topic with custom options.
func (k *KafkaQueue) SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	return k.register(ctx, []WeightedTopic{{Topic: topic, Weight: 1}}, handler, opts, nil)
}

// SubscribeWeighted subscribes to several topics behind one handler. Topics are fetched
// round-robin in proportion to their weight and every fetch first takes a limiter token,
// so the limiter size caps in-flight messages across all topics.
func (k *KafkaQueue) SubscribeWeighted(ctx context.Context, topics []WeightedTopic, handler HandlerFunc, opts *SubscribeOptions, limiter FetchLimiter) error {
	if len(topics) == 0 {
		return errors.New("topics are required")
	}
	if limiter == nil {
		return errors.New("limiter is required")
	}
	for _, t := range topics {
		if t.Topic == "" {
			return errors.New("topic is required")
		}
		if t.Weight <= 0 {
			return fmt.Errorf("topic %s weight must be positive", t.Topic)
		}
	}
	return k.register(ctx, topics, handler, opts, limiter)
}

func (k *KafkaQueue) register(ctx context.Context, topics []WeightedTopic, handler HandlerFunc, opts *SubscribeOptions, limiter FetchLimiter) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	var options SubscribeOptions
	if opts != nil {
		options = *opts
	}
	options.SetDefaults()
	if options.ConsumerGroup == "" {
		options.ConsumerGroup = consumerGroupPrefix + topics[0].Topic
	}

	sub := &kafkaSubscription{
		topics:  append([]WeightedTopic(nil), topics...),
		handler: handler,
		opts:    options,
		baseCtx: ctx,
		limiter: limiter,
		publish: k.Publish,
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errors.New("message queue is closed")
	}
	k.subscriptions = append(k.subscriptions, sub)
	if k.started {
		return k.startSubscription(sub)
	}
	return nil
}

// Start starts consuming messages for all subscriptions.
func (k *KafkaQueue) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errors.New("message queue is closed")
	}
	if k.started {
		return nil
	}
	for _, sub := range k.subscriptions {
		if err := k.startSubscription(sub); err != nil {
			return err
		}
	}
	k.started = true
	return nil
}

// Stop stops all consumers gracefully.
func (k *KafkaQueue) Stop() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, sub := range k.subscriptions {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	for _, sub := range k.subscriptions {
		sub.wg.Wait()
		for _, reader := range sub.readers {
			_ = reader.Close()
		}
		sub.readers = nil
		sub.trackers = nil
	}
	k.started = false
	return nil
}

// Ping verifies the Kafka connection.
func (k *KafkaQueue) Ping(ctx context.Context) error {
	conn, err := k.dialer.DialContext(ctx, "tcp", k.config.Brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

// Close closes the producer and stops consumers.
func (k *KafkaQueue) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	_ = k.Stop()
	return k.writer.Close()
}

func (k *KafkaQueue) newReader(topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.config.Brokers,
		Topic:       topic,
		GroupID:     group,
		Dialer:      k.dialer,
		MinBytes:    k.config.MinBytes,
		MaxBytes:    k.config.MaxBytes,
		MaxWait:     k.config.MaxWait,
		StartOffset: kafka.FirstOffset,
	})
}

func (k *KafkaQueue) startSubscription(sub *kafkaSubscription) error {
	schedule := buildWeightedSchedule(sub.topics)
	if len(schedule) == 0 {
		return errors.New("no topics to consume")
	}
	sub.readers = make([]*kafka.Reader, 0, len(sub.topics))
	sub.trackers = make([]*offsetTracker, 0, len(sub.topics))
	for _, t := range sub.topics {
		reader := k.newReader(t.Topic, sub.opts.ConsumerGroup)
		sub.readers = append(sub.readers, reader)
		sub.trackers = append(sub.trackers, newOffsetTracker(reader.CommitMessages))
	}
	if sub.baseCtx == nil {
		sub.baseCtx = context.Background()
	}
	sub.ctx, sub.cancel = context.WithCancel(sub.baseCtx)

	if sub.weighted() {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			k.weightedLoop(sub, schedule)
		}()
		return nil
	}

	reader, tracker := sub.readers[0], sub.trackers[0]
	msgCh := make(chan *trackedMessage, sub.opts.Concurrency*sub.opts.PrefetchCount)
	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		defer close(msgCh)
		for {
			msg, err := reader.FetchMessage(sub.ctx)
			if err != nil {
				if sub.ctx.Err() != nil {
					return
				}
				sleepCtx(sub.ctx, fetchBackoff)
				continue
			}
			tm := tracker.track(msg)
			select {
			case msgCh <- tm:
			case <-sub.ctx.Done():
				return
			}
		}
	}()

	for i := 0; i < sub.opts.Concurrency; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for tm := range msgCh {
				k.process(sub, tracker, tm)
			}
		}()
	}
	return nil
}

func (k *KafkaQueue) weightedLoop(sub *kafkaSubscription, schedule []int) {
	for idx := 0; ; idx++ {
		if err := sub.limiter.Acquire(sub.ctx); err != nil {
			return
		}
		ri := schedule[idx%len(schedule)]
		msg, err := sub.readers[ri].FetchMessage(sub.ctx)
		if err != nil {
			sub.limiter.Release()
			if sub.ctx.Err() != nil {
				return
			}
			sleepCtx(sub.ctx, fetchBackoff)
			continue
		}
		tracker := sub.trackers[ri]
		tm := tracker.track(msg)
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			defer sub.limiter.Release()
			k.process(sub, tracker, tm)
		}()
	}
}

// process handles one tracked message and commits whatever its settlement unblocks.
func (k *KafkaQueue) process(sub *kafkaSubscription, tracker *offsetTracker, tm *trackedMessage) {
	if !k.handleMessage(sub, tm.msg) {
		return
	}
	// Commit even while stopping; readers close only after handlers return.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(sub.ctx), commitTimeout)
	defer cancel()
	if err := tracker.settle(ctx, tm); err != nil {
		logger.Warn(ctx, "kafka offset commit failed",
			zap.String("topic", tm.msg.Topic),
			zap.Int("partition", tm.msg.Partition),
			zap.Int64("offset", tm.msg.Offset),
			zap.Error(err),
		)
	}
}

// handleMessage runs the handler with in-process retries. It reports whether the message
// is settled: handled, expired, or parked on the dead letter topic. Unsettled messages
// keep their offset uncommitted so the group redelivers them.
func (k *KafkaQueue) handleMessage(sub *kafkaSubscription, msg kafka.Message) bool {
	m := fromKafkaMessage(msg)
	if m.MaxRetries == 0 {
		m.MaxRetries = sub.opts.MaxRetries
	}
	if m.Expiration == 0 && sub.opts.MessageTTL > 0 {
		m.Expiration = sub.opts.MessageTTL
	}
	if m.Expired(time.Now()) {
		return true
	}

	for {
		err := sub.handler(sub.ctx, m)
		if err == nil {
			return true
		}
		if sub.ctx.Err() != nil {
			return false
		}
		m.RetryCount++
		if m.RetryCount > m.MaxRetries {
			if sub.opts.DeadLetterTopic == "" {
				return true
			}
			m.SetHeader("x-last-error", err.Error())
			return parkDeadLetter(sub, m)
		}
		sleepCtx(sub.ctx, sub.opts.RetryDelay)
	}
}

// parkDeadLetter publishes m to the dead letter topic until it lands or the subscription stops.
func parkDeadLetter(sub *kafkaSubscription, m *Message) bool {
	for {
		err := sub.publish(sub.ctx, sub.opts.DeadLetterTopic, m)
		if err == nil {
			return true
		}
		if sub.ctx.Err() != nil {
			return false
		}
		logger.Warn(sub.ctx, "dead letter publish failed",
			zap.String("topic", sub.opts.DeadLetterTopic),
			zap.String("message_id", m.ID),
			zap.Error(err),
		)
		sleepCtx(sub.ctx, max(sub.opts.RetryDelay, fetchBackoff))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func buildWeightedSchedule(topics []WeightedTopic) []int {
	schedule := make([]int, 0, len(topics))
	for idx, t := range topics {
		for i := 0; i < t.Weight; i++ {
			schedule = append(schedule, idx)
		}
	}
	return schedule
}

func toKafkaMessage(topic string, message *Message) kafka.Message {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	headers := make([]kafka.Header, 0, len(message.Headers)+5)
	for k, v := range message.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if message.ID != "" {
		headers = append(headers, kafka.Header{Key: headerID, Value: []byte(message.ID)})
	}
	headers = append(headers, kafka.Header{Key: headerTimestamp, Value: []byte(message.Timestamp.Format(time.RFC3339Nano))})
	if message.RetryCount != 0 {
		headers = append(headers, kafka.Header{Key: headerRetryCount, Value: []byte(strconv.Itoa(message.RetryCount))})
	}
	if message.MaxRetries != 0 {
		headers = append(headers, kafka.Header{Key: headerMaxRetries, Value: []byte(strconv.Itoa(message.MaxRetries))})
	}
	if message.Expiration > 0 {
		headers = append(headers, kafka.Header{Key: headerExpiration, Value: []byte(strconv.FormatInt(message.Expiration.Milliseconds(), 10))})
	}

	return kafka.Message{
		Topic:   topic,
		Key:     []byte(message.ID),
		Value:   message.Body,
		Headers: headers,
		Time:    message.Timestamp,
	}
}

func fromKafkaMessage(msg kafka.Message) *Message {
	m := &Message{
		Body:      msg.Value,
		Headers:   make(map[string]string),
		Timestamp: msg.Time,
	}
	for _, h := range msg.Headers {
		switch h.Key {
		case headerID:
			m.ID = string(h.Value)
		case headerTimestamp:
			if ts, err := time.Parse(time.RFC3339Nano, string(h.Value)); err == nil {
				m.Timestamp = ts
			}
		case headerRetryCount:
			if v, err := strconv.Atoi(string(h.Value)); err == nil && v >= 0 {
				m.RetryCount = v
			}
		case headerMaxRetries:
			if v, err := strconv.Atoi(string(h.Value)); err == nil && v >= 0 {
				m.MaxRetries = v
			}
		case headerExpiration:
			if v, err := strconv.ParseInt(string(h.Value), 10, 64); err == nil && v > 0 {
				m.Expiration = time.Duration(v) * time.Millisecond
			}
		default:
			m.Headers[h.Key] = string(h.Value)
		}
	}
	if m.ID == "" {
		m.ID = string(msg.Key)
	}
	return m
}
