package mq

import (
	"context"
	"time"
)

// MessageQueue is the queue surface used by the judge service: job delivery,
// award retries and judged-submission events.
type MessageQueue interface {
	Producer
	Consumer

	// Ping verifies the message queue connection is alive
	Ping(ctx context.Context) error

	// Close closes the message queue connection
	Close() error
}

// Producer defines the interface for publishing messages
type Producer interface {
	// Publish publishes a message to the specified topic
	Publish(ctx context.Context, topic string, message *Message) error
}

// Consumer defines the interface for consuming messages
type Consumer interface {
	// Subscribe registers handler for topic with default options
	Subscribe(ctx context.Context, topic string, handler HandlerFunc) error

	// SubscribeWithOptions registers handler for topic with custom options
	SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error

	// Start starts consuming messages for every registered subscription
	Start() error

	// Stop gracefully stops consuming messages, waiting for in-flight handlers
	Stop() error
}

// Message represents a message in the queue
type Message struct {
	// ID is the unique identifier for the message; used as the kafka key
	ID string `json:"id"`

	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers"`

	// Timestamp is when the message was created
	Timestamp time.Time `json:"timestamp"`

	// Retry information for in-process handler retries
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// Expiration drops the message unhandled once it is older than this
	Expiration time.Duration `json:"expiration"`
}

// HandlerFunc processes one message; a non-nil error triggers a retry
type HandlerFunc func(ctx context.Context, message *Message) error

// SubscribeOptions defines options for subscribing to a topic
type SubscribeOptions struct {
	// ConsumerGroup is the kafka consumer group
	ConsumerGroup string

	// PrefetchCount sets the number of messages buffered per worker
	// Default: 1
	PrefetchCount int

	// Concurrency sets the number of concurrent handlers
	// Default: 1
	Concurrency int

	// MaxRetries sets the maximum number of handler retries per message
	// Default: 3
	MaxRetries int

	// RetryDelay sets the delay between retries
	// Default: 1 second
	RetryDelay time.Duration

	// DeadLetterTopic receives messages that exhausted their retries
	DeadLetterTopic string

	// MessageTTL applies to messages that carry no expiration of their own
	MessageTTL time.Duration
}

// SetDefaults sets default values for subscribe options
func (o *SubscribeOptions) SetDefaults() {
	if o.PrefetchCount == 0 {
		o.PrefetchCount = 1
	}
	if o.Concurrency == 0 {
		o.Concurrency = 1
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = time.Second
	}
}

// NewMessage creates a new message with the given body
func NewMessage(body []byte) *Message {
	return &Message{
		Body:       body,
		Headers:    make(map[string]string),
		Timestamp:  time.Now(),
		MaxRetries: 3,
	}
}

// SetHeader sets a header value
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// GetHeader retrieves a header value
func (m *Message) GetHeader(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	val, ok := m.Headers[key]
	return val, ok
}

// Expired reports whether the message outlived its expiration at now.
func (m *Message) Expired(now time.Time) bool {
	if m.Expiration <= 0 || m.Timestamp.IsZero() {
		return false
	}
	return now.Sub(m.Timestamp) > m.Expiration
}
