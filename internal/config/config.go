package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	DefaultModel          = "gpt-4o-mini"
	DefaultMaxTokens      = 2048
	DefaultTemperature    = 0.1
	DefaultEmbedModel     = "text-embedding-3-small"
	DefaultEmbedBatchSize = 16
	DefaultEmbedTimeoutMs = 10000
	DefaultCacheSize      = 10000
	DefaultMaxRetries     = 3

	DefaultWorkingCapacity  = 20
	DefaultLongTermCapacity = 10000
	DefaultUserCapacity     = 5000
	DefaultOuterCapacity    = 500

	DefaultTopK                = 10
	DefaultSimilarityThreshold = 0.75
	DefaultMinContentTokens    = 6

	DefaultConflictThreshold = 0.8
	DefaultConflictTopK      = 5
	DefaultFeedbackStep      = 0.1
	DefaultArchiveFloor      = 0.05

	DefaultWorkers         = 8
	MinWorkers             = 2
	MaxWorkers             = 20
	DefaultHandlerTimeout  = "60s"
	DefaultBatchSize       = 32
	DefaultQueryHistory    = 20
	DefaultRetentionBuffer = 5

	DefaultReorganizeSpec  = "0 0 * * * *"
	DefaultSampleLimit     = 200
	DefaultClusterEps      = 0.25
	DefaultClusterMinPts   = 2

	DefaultRedisAddr   = "127.0.0.1:6379"
	DefaultStream      = "memcube:schedule"
	DefaultGroup       = "memcube-scheduler"
	DefaultPollTimeout = "2s"

	DefaultWeblogHost = "127.0.0.1"
	DefaultWeblogPort = 18791
)

type Config struct {
	Provider    ProviderConfig    `json:"provider"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	Store       StoreConfig       `json:"store"`
	Queue       QueueConfig       `json:"queue"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Memory      MemoryConfig      `json:"memory"`
	Retrieval   RetrievalConfig   `json:"retrieval"`
	Conflict    ConflictConfig    `json:"conflict"`
	Reorganizer ReorganizerConfig `json:"reorganizer"`
	Weblog      WeblogConfig      `json:"weblog"`
}

// ProviderConfig points at an OpenAI-compatible chat completion endpoint.
type ProviderConfig struct {
	APIKey      string  `json:"apiKey"`
	BaseURL     string  `json:"baseUrl,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature"`
}

// EmbeddingConfig points at an embeddings endpoint. Empty credentials fall
// back to the chat provider's.
type EmbeddingConfig struct {
	Provider  string `json:"provider,omitempty"` // "api" (default) or "ollama"
	APIKey    string `json:"apiKey,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
	Model     string `json:"model,omitempty"`
	Dimension int    `json:"dimension,omitempty"`
	BatchSize int    `json:"batchSize,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
	CacheSize int    `json:"cacheSize,omitempty"`
}

type StoreConfig struct {
	Backend string `json:"backend"` // "sqlite" (default) or "memory"
	DBPath  string `json:"dbPath,omitempty"`
}

type QueueConfig struct {
	Backend     string `json:"backend"` // "memory" (default) or "redis"
	RedisAddr   string `json:"redisAddr,omitempty"`
	RedisDB     int    `json:"redisDb,omitempty"`
	Password    string `json:"password,omitempty"`
	Stream      string `json:"stream,omitempty"`
	Group       string `json:"group,omitempty"`
	Consumer    string `json:"consumer,omitempty"`
	PollTimeout string `json:"pollTimeout,omitempty"`
}

type SchedulerConfig struct {
	Workers         int    `json:"workers"`
	HandlerTimeout  string `json:"handlerTimeout,omitempty"`
	BatchSize       int    `json:"batchSize,omitempty"`
	QueryHistory    int    `json:"queryHistory,omitempty"`
	RetentionBuffer int    `json:"retentionBuffer,omitempty"`
}

// MemoryConfig sets per-owner tier capacities and feedback thresholds.
type MemoryConfig struct {
	WorkingCapacity  int     `json:"workingCapacity,omitempty"`
	LongTermCapacity int     `json:"longTermCapacity,omitempty"`
	UserCapacity     int     `json:"userCapacity,omitempty"`
	OuterCapacity    int     `json:"outerCapacity,omitempty"`
	FeedbackStep     float64 `json:"feedbackStep,omitempty"`
	ArchiveFloor     float64 `json:"archiveFloor,omitempty"`
}

type RetrievalConfig struct {
	TopK                int     `json:"topK,omitempty"`
	SimilarityThreshold float64 `json:"similarityThreshold,omitempty"`
	MinContentTokens    int     `json:"minContentTokens,omitempty"`
}

type ConflictConfig struct {
	Threshold float64 `json:"threshold,omitempty"`
	TopK      int     `json:"topK,omitempty"`
}

type ReorganizerConfig struct {
	Enabled     bool    `json:"enabled"`
	CronSpec    string  `json:"cronSpec,omitempty"`
	SampleLimit int     `json:"sampleLimit,omitempty"`
	ClusterEps  float64 `json:"clusterEps,omitempty"`
	MinPoints   int     `json:"minPoints,omitempty"`
}

type WeblogConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Model:       DefaultModel,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
		},
		Embedding: EmbeddingConfig{
			Model:     DefaultEmbedModel,
			BatchSize: DefaultEmbedBatchSize,
			TimeoutMs: DefaultEmbedTimeoutMs,
			CacheSize: DefaultCacheSize,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			DBPath:  filepath.Join(ConfigDir(), "memcube.db"),
		},
		Queue: QueueConfig{
			Backend:     "memory",
			RedisAddr:   DefaultRedisAddr,
			Stream:      DefaultStream,
			Group:       DefaultGroup,
			PollTimeout: DefaultPollTimeout,
		},
		Scheduler: SchedulerConfig{
			Workers:         DefaultWorkers,
			HandlerTimeout:  DefaultHandlerTimeout,
			BatchSize:       DefaultBatchSize,
			QueryHistory:    DefaultQueryHistory,
			RetentionBuffer: DefaultRetentionBuffer,
		},
		Memory: MemoryConfig{
			WorkingCapacity:  DefaultWorkingCapacity,
			LongTermCapacity: DefaultLongTermCapacity,
			UserCapacity:     DefaultUserCapacity,
			OuterCapacity:    DefaultOuterCapacity,
			FeedbackStep:     DefaultFeedbackStep,
			ArchiveFloor:     DefaultArchiveFloor,
		},
		Retrieval: RetrievalConfig{
			TopK:                DefaultTopK,
			SimilarityThreshold: DefaultSimilarityThreshold,
			MinContentTokens:    DefaultMinContentTokens,
		},
		Conflict: ConflictConfig{
			Threshold: DefaultConflictThreshold,
			TopK:      DefaultConflictTopK,
		},
		Reorganizer: ReorganizerConfig{
			Enabled:     true,
			CronSpec:    DefaultReorganizeSpec,
			SampleLimit: DefaultSampleLimit,
			ClusterEps:  DefaultClusterEps,
			MinPoints:   DefaultClusterMinPts,
		},
		Weblog: WeblogConfig{
			Enabled: false,
			Host:    DefaultWeblogHost,
			Port:    DefaultWeblogPort,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".memcube")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("MEMCUBE_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("MEMCUBE_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("MEMCUBE_MODEL"); model != "" {
		cfg.Provider.Model = model
	}
	if key := os.Getenv("MEMCUBE_EMBED_API_KEY"); key != "" {
		cfg.Embedding.APIKey = key
	}
	if url := os.Getenv("MEMCUBE_EMBED_BASE_URL"); url != "" {
		cfg.Embedding.BaseURL = url
	}
	if model := os.Getenv("MEMCUBE_EMBED_MODEL"); model != "" {
		cfg.Embedding.Model = model
	}
	if backend := os.Getenv("MEMCUBE_STORE_BACKEND"); backend != "" {
		cfg.Store.Backend = backend
	}
	if dbPath := os.Getenv("MEMCUBE_DB_PATH"); dbPath != "" {
		cfg.Store.DBPath = dbPath
	}
	if backend := os.Getenv("MEMCUBE_QUEUE_BACKEND"); backend != "" {
		cfg.Queue.Backend = backend
	}
	if addr := os.Getenv("MEMCUBE_REDIS_ADDR"); addr != "" {
		cfg.Queue.RedisAddr = addr
	}
	if workers := os.Getenv("MEMCUBE_WORKERS"); workers != "" {
		if parsed, err := strconv.Atoi(workers); err == nil {
			cfg.Scheduler.Workers = parsed
		}
	}
	if port := os.Getenv("MEMCUBE_WEBLOG_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Weblog.Port = parsed
		}
	}

	cfg.Normalize()
	return cfg, nil
}

// PollBlock parses the poll timeout, falling back to the default on junk.
func (q QueueConfig) PollBlock() time.Duration {
	d, err := time.ParseDuration(q.PollTimeout)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultPollTimeout)
	}
	return d
}

// Timeout parses the per-handler timeout, falling back to the default on junk.
func (s SchedulerConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(s.HandlerTimeout)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultHandlerTimeout)
	}
	return d
}

// Normalize clamps out-of-range values back to usable defaults.
func (c *Config) Normalize() {
	if c.Provider.Model == "" {
		c.Provider.Model = DefaultModel
	}
	if c.Provider.MaxTokens <= 0 {
		c.Provider.MaxTokens = DefaultMaxTokens
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = DefaultEmbedModel
	}
	if c.Embedding.BatchSize <= 0 {
		c.Embedding.BatchSize = DefaultEmbedBatchSize
	}
	if c.Embedding.TimeoutMs <= 0 {
		c.Embedding.TimeoutMs = DefaultEmbedTimeoutMs
	}
	if c.Embedding.CacheSize <= 0 {
		c.Embedding.CacheSize = DefaultCacheSize
	}
	if c.Scheduler.Workers < MinWorkers {
		c.Scheduler.Workers = MinWorkers
	}
	if c.Scheduler.Workers > MaxWorkers {
		c.Scheduler.Workers = MaxWorkers
	}
	if c.Scheduler.BatchSize <= 0 {
		c.Scheduler.BatchSize = DefaultBatchSize
	}
	if c.Scheduler.QueryHistory <= 0 {
		c.Scheduler.QueryHistory = DefaultQueryHistory
	}
	if c.Scheduler.RetentionBuffer < 0 {
		c.Scheduler.RetentionBuffer = DefaultRetentionBuffer
	}
	if c.Memory.WorkingCapacity <= 0 {
		c.Memory.WorkingCapacity = DefaultWorkingCapacity
	}
	if c.Memory.LongTermCapacity <= 0 {
		c.Memory.LongTermCapacity = DefaultLongTermCapacity
	}
	if c.Memory.UserCapacity <= 0 {
		c.Memory.UserCapacity = DefaultUserCapacity
	}
	if c.Memory.OuterCapacity <= 0 {
		c.Memory.OuterCapacity = DefaultOuterCapacity
	}
	if c.Memory.FeedbackStep <= 0 || c.Memory.FeedbackStep > 1 {
		c.Memory.FeedbackStep = DefaultFeedbackStep
	}
	if c.Memory.ArchiveFloor < 0 || c.Memory.ArchiveFloor >= 1 {
		c.Memory.ArchiveFloor = DefaultArchiveFloor
	}
	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = DefaultTopK
	}
	if c.Retrieval.SimilarityThreshold <= 0 || c.Retrieval.SimilarityThreshold > 1 {
		c.Retrieval.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if c.Retrieval.MinContentTokens <= 0 {
		c.Retrieval.MinContentTokens = DefaultMinContentTokens
	}
	if c.Conflict.Threshold <= 0 || c.Conflict.Threshold > 1 {
		c.Conflict.Threshold = DefaultConflictThreshold
	}
	if c.Conflict.TopK <= 0 {
		c.Conflict.TopK = DefaultConflictTopK
	}
	if c.Reorganizer.CronSpec == "" {
		c.Reorganizer.CronSpec = DefaultReorganizeSpec
	}
	if c.Reorganizer.SampleLimit <= 0 {
		c.Reorganizer.SampleLimit = DefaultSampleLimit
	}
	if c.Reorganizer.ClusterEps <= 0 || c.Reorganizer.ClusterEps >= 1 {
		c.Reorganizer.ClusterEps = DefaultClusterEps
	}
	if c.Reorganizer.MinPoints < 2 {
		c.Reorganizer.MinPoints = DefaultClusterMinPts
	}
	if c.Queue.Stream == "" {
		c.Queue.Stream = DefaultStream
	}
	if c.Queue.Group == "" {
		c.Queue.Group = DefaultGroup
	}
	if c.Queue.PollTimeout == "" {
		c.Queue.PollTimeout = DefaultPollTimeout
	}
	if c.Weblog.Host == "" {
		c.Weblog.Host = DefaultWeblogHost
	}
	if c.Weblog.Port <= 0 {
		c.Weblog.Port = DefaultWeblogPort
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
