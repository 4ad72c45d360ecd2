package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 CrossFlow 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Queue     QueueConfig     `json:"queue"`
	Storage   StorageConfig   `json:"storage"`
	Poller    PollerConfig    `json:"poller"`
	PriceFeed PriceFeedConfig `json:"pricefeed"`
	Executor  ExecutorConfig  `json:"executor"`
	Chains    ChainsConfig    `json:"chains"`
	Logging   LoggingConfig   `json:"logging"`
	Alerting  AlertingConfig  `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address                string `json:"address"`
	ReadTimeoutSeconds     int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `json:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds"`
}

// PipelineConfig 控制意图流水线的并发与重试行为。
type PipelineConfig struct {
	Enabled       bool `json:"enabled"`
	WorkerLimit   int  `json:"worker_limit"`
	MaxAttempts   int  `json:"max_attempts"`
	BackoffUnitMs int  `json:"backoff_unit_ms"`
	IdleWaitMs    int  `json:"idle_wait_ms"`
}

// QueueConfig 选择消息队列后端。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列所需的连接信息。
type RedisConfig struct {
	Addr               string `json:"addr"`
	Password           string `json:"password"`
	DB                 int    `json:"db"`
	QueueKey           string `json:"queue_key"`
	PollTimeoutSeconds int    `json:"poll_timeout_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列所需的连接信息。
type RabbitMQConfig struct {
	URL   string `json:"url"`
	Queue string `json:"queue"`
}

// StorageConfig 统一描述持久化后端的连接信息。
type StorageConfig struct {
	Driver string      `json:"driver"`
	MySQL  MySQLConfig `json:"mysql"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// PollerConfig 控制价格轮询的节奏。
type PollerConfig struct {
	Enabled         bool `json:"enabled"`
	IntervalSeconds int  `json:"interval_seconds"`
}

// PriceFeedConfig 选择价格源及其缓存。
type PriceFeedConfig struct {
	Driver string               `json:"driver"`
	HTTP   HTTPPriceFeedConfig  `json:"http"`
	Cache  PriceFeedCacheConfig `json:"cache"`
}

// HTTPPriceFeedConfig 描述外部价格服务的调用方式。
type HTTPPriceFeedConfig struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// PriceFeedCacheConfig 描述基于 Redis 的报价缓存。
type PriceFeedCacheConfig struct {
	Enabled    bool   `json:"enabled"`
	Addr       string `json:"addr"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// ExecutorConfig 选择执行流的实现。生产环境由外部结算适配器注入，
// simulated 仅用于开发与测试。
type ExecutorConfig struct {
	Driver    string                  `json:"driver"`
	Simulated SimulatedExecutorConfig `json:"simulated"`
}

// SimulatedExecutorConfig 控制模拟执行流的行为。
type SimulatedExecutorConfig struct {
	LatencyMs int     `json:"latency_ms"`
	FailRate  float64 `json:"fail_rate"`
}

// ChainsConfig 指向链与资产定义文件，并配置托管地址派生。
type ChainsConfig struct {
	Config      string `json:"config"`
	CustodyRoot string `json:"custody_root"`
}

// LoggingConfig 映射到 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string         `json:"level"`
	Format  string         `json:"format"`
	Outputs []string       `json:"outputs"`
	File    FileLogConfig  `json:"file"`
	Audit   AuditLogConfig `json:"audit"`
}

// FileLogConfig 控制文件输出的滚动策略。
type FileLogConfig struct {
	MaxSizeMB  int `json:"max_size_mb"`
	MaxBackups int `json:"max_backups"`
	MaxAgeDays int `json:"max_age_days"`
}

// AuditLogConfig 控制审计日志输出。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// AlertingConfig 控制告警分发的最低级别。
type AlertingConfig struct {
	MinSeverity string `json:"min_severity"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// Default 返回一份不依赖配置文件的默认配置，主要用于测试与本地试运行。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 30
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}

	if c.Pipeline.WorkerLimit <= 0 {
		c.Pipeline.WorkerLimit = 8
	}
	if c.Pipeline.MaxAttempts <= 0 {
		c.Pipeline.MaxAttempts = 3
	}
	if c.Pipeline.BackoffUnitMs <= 0 {
		c.Pipeline.BackoffUnitMs = 1000
	}
	if c.Pipeline.IdleWaitMs <= 0 {
		c.Pipeline.IdleWaitMs = 200
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Redis.QueueKey == "" {
		c.Queue.Redis.QueueKey = "crossflow:intents"
	}
	if c.Queue.Redis.PollTimeoutSeconds <= 0 {
		c.Queue.Redis.PollTimeoutSeconds = 2
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "crossflow.intents"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.MySQL.MaxOpenConns <= 0 {
		c.Storage.MySQL.MaxOpenConns = 20
	}
	if c.Storage.MySQL.MaxIdleConns <= 0 {
		c.Storage.MySQL.MaxIdleConns = 10
	}
	if c.Storage.MySQL.ConnMaxLifetimeSeconds <= 0 {
		c.Storage.MySQL.ConnMaxLifetimeSeconds = 1800
	}

	if c.Poller.IntervalSeconds <= 0 {
		c.Poller.IntervalSeconds = 30
	}

	if c.PriceFeed.Driver == "" {
		c.PriceFeed.Driver = "static"
	}
	if c.PriceFeed.HTTP.TimeoutSeconds <= 0 {
		c.PriceFeed.HTTP.TimeoutSeconds = 10
	}
	if c.PriceFeed.Cache.TTLSeconds <= 0 {
		c.PriceFeed.Cache.TTLSeconds = 15
	}

	if c.Executor.Driver == "" {
		c.Executor.Driver = "simulated"
	}
	if c.Executor.Simulated.LatencyMs < 0 {
		c.Executor.Simulated.LatencyMs = 0
	}

	if c.Chains.Config == "" {
		c.Chains.Config = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Chains.Config) {
		c.Chains.Config = filepath.Join(baseDir, c.Chains.Config)
	}
	if c.Chains.CustodyRoot == "" {
		c.Chains.CustodyRoot = "crossflow-agent"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Alerting.MinSeverity == "" {
		c.Alerting.MinSeverity = "warning"
	}
}
