package config

import (
	"sync"
	"time"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
)

type IngestConfig struct {
	BatchSize      int `yaml:"batch_size"`
	MaxResources   int `yaml:"max_resources"`
	MaxNameLength  int `yaml:"max_name_length"`
	MaxTitleLength int `yaml:"max_title_length"`
}

type ExecutorConfig struct {
	MaxExecution         time.Duration               `yaml:"max_execution"`
	ItemTimeout          time.Duration               `yaml:"item_timeout"`
	PartialTimeoutPolicy consts.PartialTimeoutPolicy `yaml:"partial_timeout_policy"`
}

type EnrichConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type ReviewConfig struct {
	Workers              int           `yaml:"workers"`
	QueueSize            int           `yaml:"queue_size"`
	Timeout              time.Duration `yaml:"timeout"`
	AutoApproveThreshold int           `yaml:"auto_approve_threshold"`
	DeadLetterPath       string        `yaml:"dead_letter_path"`
}

type CategoryConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	StaleWait   time.Duration `yaml:"stale_wait"`
	DefaultName string        `yaml:"default_name"`
	DefaultID   int64         `yaml:"default_id"`
}

type KafkaConfig struct {
	Brokers []string      `yaml:"brokers"`
	Topic   string        `yaml:"topic"`
	GroupID string        `yaml:"group_id"`
	LockTTL time.Duration `yaml:"lock_ttl"`
}

type ChainConfig struct {
	Mode            consts.ChainMode `yaml:"mode"`
	InternalBase    string           `yaml:"internal_base"`
	InternalToken   string           `yaml:"internal_token" env:"INGESTOR_INTERNAL_TOKEN"`
	TriggerAttempts int              `yaml:"trigger_attempts"`
	TriggerBackoff  time.Duration    `yaml:"trigger_backoff"`
	Kafka           KafkaConfig      `yaml:"kafka"`
}

type ReconcilerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`
	StallAfter        time.Duration `yaml:"stall_after"`
	StuckSubtaskAfter time.Duration `yaml:"stuck_subtask_after"`
	BatchLimit        int           `yaml:"batch_limit"`
}

type RetentionConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	MaxAge   time.Duration `yaml:"max_age"`
}

type AIConfig struct {
	Client           string  `yaml:"client"`
	Endpoint         string  `yaml:"endpoint"`
	Model            string  `yaml:"model"`
	APIKey           string  `yaml:"api_key" env:"INGESTOR_AI_API_KEY"`
	RatePerSecond    float64 `yaml:"rate_per_second"`
	Burst            int     `yaml:"burst"`
	ParseConcurrency int     `yaml:"parse_concurrency"`
}

type StoreConfig struct {
	Datasource string        `yaml:"datasource"`
	KeyPrefix  string        `yaml:"key_prefix"`
	TaskTTL    time.Duration `yaml:"task_ttl"`
}

type BizConfig struct {
	Ingest     IngestConfig     `yaml:"ingest"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Enrich     EnrichConfig     `yaml:"enrich"`
	Review     ReviewConfig     `yaml:"review"`
	Category   CategoryConfig   `yaml:"category"`
	Chain      ChainConfig      `yaml:"chain"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Retention  RetentionConfig  `yaml:"retention"`
	AI         AIConfig         `yaml:"ai"`
	Store      StoreConfig      `yaml:"store"`
}

var (
	bizOnce sync.Once
	bizCfg  *BizConfig
)

// GetBizConfig returns the process-wide biz config. It is pre-filled with defaults and handed to
// the app loader, which decodes the biz_config yaml section over it.
func GetBizConfig() *BizConfig {
	bizOnce.Do(func() { bizCfg = Default() })
	return bizCfg
}

func Default() *BizConfig {
	return &BizConfig{
		Ingest:   IngestConfig{BatchSize: 10, MaxResources: 500, MaxNameLength: 200, MaxTitleLength: 120},
		Executor: ExecutorConfig{MaxExecution: 50 * time.Second, ItemTimeout: 15 * time.Second, PartialTimeoutPolicy: consts.PartialRequeue},
		Enrich:   EnrichConfig{Timeout: 10 * time.Second},
		Review: ReviewConfig{Workers: 4, QueueSize: 256, Timeout: 20 * time.Second, AutoApproveThreshold: 30,
			DeadLetterPath: "./data/review_dlq.db"},
		Category: CategoryConfig{TTL: 5 * time.Minute, StaleWait: 200 * time.Millisecond, DefaultName: "Other", DefaultID: 1},
		Chain: ChainConfig{Mode: consts.ChainHTTP, InternalBase: "http://127.0.0.1:8080", TriggerAttempts: 3,
			TriggerBackoff: 200 * time.Millisecond,
			Kafka:          KafkaConfig{Topic: "ingest.subtasks", GroupID: "ingestor", LockTTL: 2 * time.Minute}},
		Reconciler: ReconcilerConfig{Enabled: true, Interval: 30 * time.Second, StallAfter: 2 * time.Minute,
			StuckSubtaskAfter: 150 * time.Second, BatchLimit: 200},
		Retention: RetentionConfig{Interval: time.Hour, MaxAge: 90 * 24 * time.Hour},
		AI:        AIConfig{Client: "ai", Model: "gpt-4o-mini", RatePerSecond: 2, Burst: 4, ParseConcurrency: 3},
		Store:     StoreConfig{Datasource: "ingest", KeyPrefix: "ingest:", TaskTTL: 72 * time.Hour},
	}
}
