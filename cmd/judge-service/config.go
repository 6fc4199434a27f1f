package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"cpjudge/internal/common/cache"
	"cpjudge/internal/common/db"
	"cpjudge/internal/common/mq"
	"cpjudge/internal/common/storage"
	"cpjudge/internal/judge/dispatcher"
	"cpjudge/pkg/utils/logger"

	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8080"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultJobTopic        = "judge.jobs"
	defaultRetryTopic      = "judge.retry"
	defaultJudgedTopic     = "judge.judged"
	defaultAwardRetryTopic = "scoring.award.retry"
	defaultConsumerGroup   = "cpjudge-judge"

	defaultStatusTTL      = 10 * time.Minute
	defaultStatusEmptyTTL = 30 * time.Second
	defaultSyncInterval   = time.Hour
	defaultSyncLockTTL    = 2 * time.Minute
	defaultTranscriptDir  = "transcripts"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	// RateLimit applies per client IP to the public read routes.
	RateLimit RateLimitConfig `yaml:"rateLimit"`
}

// RateLimitConfig holds fixed-window limits. IPMax 0 disables limiting.
type RateLimitConfig struct {
	Window time.Duration `yaml:"window"`
	IPMax  int           `yaml:"ipMax"`
}

// KafkaConfig holds Kafka settings.
type KafkaConfig struct {
	Brokers         []string       `yaml:"brokers"`
	ClientID        string         `yaml:"clientID"`
	MinBytes        int            `yaml:"minBytes"`
	MaxBytes        int            `yaml:"maxBytes"`
	MaxWait         time.Duration  `yaml:"maxWait"`
	BatchSize       int            `yaml:"batchSize"`
	BatchTimeout    time.Duration  `yaml:"batchTimeout"`
	DialTimeout     time.Duration  `yaml:"dialTimeout"`
	ReadTimeout     time.Duration  `yaml:"readTimeout"`
	WriteTimeout    time.Duration  `yaml:"writeTimeout"`
	RequiredAcks    int            `yaml:"requiredAcks"`
	Compression     string         `yaml:"compression"`
	JobTopic        string         `yaml:"jobTopic"`
	RetryTopic      string         `yaml:"retryTopic"`
	JudgedTopic     string         `yaml:"judgedTopic"`
	AwardRetryTopic string         `yaml:"awardRetryTopic"`
	DeadLetter      string         `yaml:"deadLetterTopic"`
	ConsumerGroup   string         `yaml:"consumerGroup"`
	PrefetchCount   int            `yaml:"prefetchCount"`
	Concurrency     int            `yaml:"concurrency"`
	MaxRetries      int            `yaml:"maxRetries"`
	RetryDelay      time.Duration  `yaml:"retryDelay"`
	PoolRetryMax    int            `yaml:"poolRetryMax"`
	PoolRetryBase   time.Duration  `yaml:"poolRetryBaseDelay"`
	PoolRetryMaxD   time.Duration  `yaml:"poolRetryMaxDelay"`
	MessageTTL      time.Duration  `yaml:"messageTTL"`
	TopicWeights    map[string]int `yaml:"topicWeights"`
}

// WorkerConfig holds judge worker pool settings.
type WorkerConfig struct {
	PoolSize       int           `yaml:"poolSize"`
	SlotWait       time.Duration `yaml:"slotWait"`
	JudgeTimeout   time.Duration `yaml:"judgeTimeout"`
	// CommitAttempts bounds reruns of the outcome transaction after deadlocks.
	CommitAttempts int           `yaml:"commitAttempts"`
	CommitBackoff  time.Duration `yaml:"commitBackoff"`
}

// JudgeConfig holds judge client settings.
type JudgeConfig struct {
	ClientCommand    string        `yaml:"clientCommand"`
	TempDir          string        `yaml:"tempDir"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxOutputBytes   int           `yaml:"maxOutputBytes"`
	Env              []string      `yaml:"env"`
	TranscriptPrefix string        `yaml:"transcriptPrefix"`
}

// StatusConfig holds status cache and watch settings.
type StatusConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	EmptyTTL      time.Duration `yaml:"emptyTTL"`
	WatchInterval time.Duration `yaml:"watchInterval"`
	WatchTimeout  time.Duration `yaml:"watchTimeout"`
}

// ScoringConfig holds ranking settings.
type ScoringConfig struct {
	// BackfillOnStart recomputes solvers_count once at boot.
	BackfillOnStart bool `yaml:"backfillOnStart"`
}

// CodeforcesConfig holds external sync settings.
type CodeforcesConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BaseURL       string        `yaml:"baseURL"`
	InfoTimeout   time.Duration `yaml:"infoTimeout"`
	StatusTimeout time.Duration `yaml:"statusTimeout"`
	UserAgent     string        `yaml:"userAgent"`
	SyncInterval  time.Duration `yaml:"syncInterval"`
	LockTTL       time.Duration `yaml:"lockTTL"`
}

// AuthConfig holds access token verification settings.
type AuthConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// AppConfig holds judge-service config.
type AppConfig struct {
	Server     ServerConfig        `yaml:"server"`
	Logger     logger.Config       `yaml:"logger"`
	Database   db.MySQLConfig      `yaml:"database"`
	Redis      cache.RedisConfig   `yaml:"redis"`
	Kafka      KafkaConfig         `yaml:"kafka"`
	MinIO      storage.MinIOConfig `yaml:"minio"`
	Worker     WorkerConfig        `yaml:"worker"`
	Judge      JudgeConfig         `yaml:"judge"`
	Status     StatusConfig        `yaml:"status"`
	Scoring    ScoringConfig       `yaml:"scoring"`
	Codeforces CodeforcesConfig    `yaml:"codeforces"`
	Auth       AuthConfig          `yaml:"auth"`
}

// loadYAML reads path after loading envFile into the environment and
// expanding ${VAR} references. A missing envFile is ignored.
func loadYAML(path, envFile string, out interface{}) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file failed: %w", err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path, envFile string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, envFile, &cfg); err != nil {
		return nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.Judge.ClientCommand) == "" {
		return nil, fmt.Errorf("judge clientCommand is required")
	}
	if cfg.Auth.Secret == "" {
		return nil, fmt.Errorf("auth secret is required")
	}
	applyRedisDefaults(&cfg.Redis)
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Server.RateLimit.Window == 0 {
		cfg.Server.RateLimit.Window = time.Minute
	}
	if cfg.Worker.PoolSize <= 0 {
		cfg.Worker.PoolSize = 1
	}
	if cfg.Judge.TranscriptPrefix == "" {
		cfg.Judge.TranscriptPrefix = defaultTranscriptDir
	}
	if cfg.Status.TTL == 0 {
		cfg.Status.TTL = defaultStatusTTL
	}
	if cfg.Status.EmptyTTL == 0 {
		cfg.Status.EmptyTTL = defaultStatusEmptyTTL
	}

	k := &cfg.Kafka
	if k.JobTopic == "" {
		k.JobTopic = defaultJobTopic
	}
	if k.RetryTopic == "" {
		k.RetryTopic = defaultRetryTopic
	}
	if k.JudgedTopic == "" {
		k.JudgedTopic = defaultJudgedTopic
	}
	if k.AwardRetryTopic == "" {
		k.AwardRetryTopic = defaultAwardRetryTopic
	}
	if k.ConsumerGroup == "" {
		k.ConsumerGroup = defaultConsumerGroup
	}
	if k.PoolRetryMax <= 0 {
		k.PoolRetryMax = 5
	}
	if k.PoolRetryBase == 0 {
		k.PoolRetryBase = time.Second
	}
	if k.PoolRetryMaxD == 0 {
		k.PoolRetryMaxD = 30 * time.Second
	}
	if len(k.TopicWeights) == 0 {
		k.TopicWeights = defaultTopicWeights([]string{k.JobTopic, k.RetryTopic})
	}

	cf := &cfg.Codeforces
	if cf.SyncInterval == 0 {
		cf.SyncInterval = defaultSyncInterval
	}
	if cf.LockTTL == 0 {
		cf.LockTTL = defaultSyncLockTTL
	}
}

// defaultTopicWeights favours earlier topics: fresh jobs before pool-full retries.
func defaultTopicWeights(topics []string) map[string]int {
	weights := []int{8, 4, 2, 1}
	out := make(map[string]int, len(topics))
	for i, topic := range topics {
		if topic == "" {
			continue
		}
		if i < len(weights) {
			out[topic] = weights[i]
			continue
		}
		out[topic] = 1
	}
	return out
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	cfg := mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		ReadTimeout:  k.ReadTimeout,
		WriteTimeout: k.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
	}
	cfg.Compression = parseCompression(k.Compression)
	return cfg
}

func (k KafkaConfig) subscribeOptions() *mq.SubscribeOptions {
	return &mq.SubscribeOptions{
		ConsumerGroup:   k.ConsumerGroup,
		PrefetchCount:   k.PrefetchCount,
		Concurrency:     k.Concurrency,
		MaxRetries:      k.MaxRetries,
		RetryDelay:      k.RetryDelay,
		DeadLetterTopic: k.DeadLetter,
		MessageTTL:      k.MessageTTL,
	}
}

func (k KafkaConfig) weightedTopics() ([]mq.WeightedTopic, error) {
	topics := []string{k.JobTopic, k.RetryTopic}
	out := make([]mq.WeightedTopic, 0, len(topics))
	for _, topic := range topics {
		weight, ok := k.TopicWeights[topic]
		if !ok || weight <= 0 {
			return nil, fmt.Errorf("invalid weight %d for topic %s", weight, topic)
		}
		out = append(out, mq.WeightedTopic{Topic: topic, Weight: weight})
	}
	return out, nil
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

func (j JudgeConfig) toDispatcherConfig() dispatcher.Config {
	return dispatcher.Config{
		Command:        j.ClientCommand,
		TempDir:        j.TempDir,
		Timeout:        j.Timeout,
		MaxOutputBytes: j.MaxOutputBytes,
		Env:            j.Env,
	}
}
