package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述 revenued 在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Queue    QueueConfig    `yaml:"queue"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
	Alerting AlertingConfig `yaml:"alerting"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Plugins  PluginsConfig  `yaml:"plugins"`
}

// ServerConfig 控制 API 服务的监听地址与基础元信息。
type ServerConfig struct {
	Name                     string   `yaml:"name"`
	Version                  string   `yaml:"version"`
	Host                     string   `yaml:"host"`
	Port                     int      `yaml:"port"`
	AllowedOrigins           []string `yaml:"allowed_origins"`
	MetricsAddress           string   `yaml:"metrics_address"`
	ReadHeaderTimeoutSeconds int      `yaml:"read_header_timeout_seconds"`
}

// Address 拼接监听地址。
func (c ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// StorageConfig 统一描述任务状态与营收台账的存储后端。
type StorageConfig struct {
	TaskStore TaskStoreConfig    `yaml:"task_store"`
	Revenue   RevenueStoreConfig `yaml:"revenue"`
}

// TaskStoreConfig 描述任务状态存储的驱动与连接池参数。
type TaskStoreConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `yaml:"conn_max_idle_time_seconds"`
	Retries                int    `yaml:"retries"`
}

// RevenueStoreConfig 描述营收台账的存储驱动。memory 驱动落盘到 data_dir。
type RevenueStoreConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
}

// QueueConfig 描述任务队列的驱动与工作协程数量。
type QueueConfig struct {
	Driver            string         `yaml:"driver"`
	Workers           int            `yaml:"workers"`
	JobTimeoutSeconds int            `yaml:"job_timeout_seconds"`
	Redis             RedisConfig    `yaml:"redis"`
	RabbitMQ          RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address          string `yaml:"address"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	Queue            string `yaml:"queue"`
	BlockWaitSeconds int    `yaml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// AuthConfig 描述身份认证子系统的配置。
type AuthConfig struct {
	Mode  string          `yaml:"mode"`
	Store AuthStoreConfig `yaml:"store"`
	JWT   JWTConfig       `yaml:"jwt"`
	OAuth OAuthConfig     `yaml:"oauth"`
	Seeds []SeedConfig    `yaml:"seeds"`
}

// AuthStoreConfig 描述用户目录的存储驱动。
type AuthStoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// JWTConfig 描述本地 JWT 签发参数。
type JWTConfig struct {
	Secret     string   `yaml:"secret"`
	Issuer     string   `yaml:"issuer"`
	Audience   []string `yaml:"audience"`
	AccessTTL  int64    `yaml:"access_ttl_seconds"`
	RefreshTTL int64    `yaml:"refresh_ttl_seconds"`
}

// OAuthConfig 描述委托给外部 OAuth2 提供方时的参数。
type OAuthConfig struct {
	TokenURL         string   `yaml:"token_url"`
	IntrospectionURL string   `yaml:"introspection_url"`
	ClientID         string   `yaml:"client_id"`
	ClientSecret     string   `yaml:"client_secret"`
	Scopes           []string `yaml:"scopes"`
	TimeoutSeconds   int      `yaml:"timeout_seconds"`
	UsernameClaim    string   `yaml:"username_claim"`
}

// SeedConfig 描述启动阶段写入的初始账号。
type SeedConfig struct {
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	Roles       []string `yaml:"roles"`
	Permissions []string `yaml:"permissions"`
	Disabled    bool     `yaml:"disabled"`
}

// LoggingConfig 描述日志输出行为。
type LoggingConfig struct {
	Level   string         `yaml:"level"`
	Format  string         `yaml:"format"`
	Outputs []string       `yaml:"outputs"`
	Audit   AuditLogConfig `yaml:"audit"`
}

// AuditLogConfig 描述审计日志的落盘与轮转参数。
type AuditLogConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// AlertingConfig 描述告警通知渠道。
type AlertingConfig struct {
	Webhook WebhookAlertConfig `yaml:"webhook"`
	Slack   SlackAlertConfig   `yaml:"slack"`
	Email   EmailAlertConfig   `yaml:"email"`
}

// WebhookAlertConfig 描述通用 Webhook 告警渠道。
type WebhookAlertConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SlackAlertConfig 描述 Slack 告警渠道。
type SlackAlertConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

// EmailAlertConfig 描述邮件告警渠道。仅保存收件人，SMTP 接入由调用方注入。
type EmailAlertConfig struct {
	To            []string `yaml:"to"`
	SubjectPrefix string   `yaml:"subject_prefix"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// PluginsConfig 描述工作流插件的加载参数。
type PluginsConfig struct {
	Dir     string                  `yaml:"dir"`
	Entries map[string]PluginConfig `yaml:"entries"`
}

// PluginConfig 描述单个插件的启用状态与配置块。
type PluginConfig struct {
	Enabled bool           `yaml:"enabled"`
	Path    string         `yaml:"path"`
	Config  map[string]any `yaml:"config"`
}

// JobTimeout 返回单个任务的执行超时。
func (c QueueConfig) JobTimeout() time.Duration {
	if c.JobTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

// Load 解析指定路径的 YAML 配置文件并填充默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Name == "" {
		c.Server.Name = "revenue-api"
	}
	if c.Server.Version == "" {
		c.Server.Version = "0.1.0"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port <= 0 {
		c.Server.Port = 8000
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.ReadHeaderTimeoutSeconds <= 0 {
		c.Server.ReadHeaderTimeoutSeconds = 5
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Retries <= 0 {
		c.Storage.TaskStore.Retries = 3
	}
	if c.Storage.Revenue.Driver == "" {
		c.Storage.Revenue.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.Redis.Queue == "" {
		c.Queue.Redis.Queue = "revenue:jobs"
	}
	if c.Queue.Redis.BlockWaitSeconds <= 0 {
		c.Queue.Redis.BlockWaitSeconds = 5
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "revenue.jobs"
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.Store.Driver == "" {
		c.Auth.Store.Driver = "memory"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Plugins.Dir != "" && !filepath.IsAbs(c.Plugins.Dir) {
		c.Plugins.Dir = filepath.Join(baseDir, c.Plugins.Dir)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}

// validate 检查互相矛盾或缺失的配置项。
func (c *Config) validate() error {
	switch c.Storage.TaskStore.Driver {
	case "memory", "mysql":
	default:
		return fmt.Errorf("未知的任务存储驱动: %s", c.Storage.TaskStore.Driver)
	}
	if c.Storage.TaskStore.Driver == "mysql" && c.Storage.TaskStore.DSN == "" {
		return errors.New("mysql 任务存储需要配置 dsn")
	}

	switch c.Storage.Revenue.Driver {
	case "memory", "mysql":
	default:
		return fmt.Errorf("未知的营收存储驱动: %s", c.Storage.Revenue.Driver)
	}
	if c.Storage.Revenue.Driver == "mysql" && c.Storage.Revenue.DSN == "" {
		return errors.New("mysql 营收存储需要配置 dsn")
	}

	switch c.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Queue.Driver)
	}
	if c.Queue.Driver == "redis" && c.Queue.Redis.Address == "" {
		return errors.New("redis 队列需要配置 address")
	}
	if c.Queue.Driver == "rabbitmq" && c.Queue.RabbitMQ.URL == "" {
		return errors.New("rabbitmq 队列需要配置 url")
	}

	switch c.Auth.Mode {
	case "disabled", "jwt", "oauth":
	default:
		return fmt.Errorf("未知的认证模式: %s", c.Auth.Mode)
	}
	if c.Auth.Mode == "jwt" && c.Auth.JWT.Secret == "" {
		return errors.New("jwt 模式需要配置 secret")
	}
	return nil
}
