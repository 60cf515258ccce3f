package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/netroby/scm-manager/internal/auth"
	"github.com/netroby/scm-manager/pkg/logger"
)

// EnvPath 为配置文件路径的环境变量名。
const EnvPath = "SCM_CONSOLE_CONFIG"

// DefaultPath 在未设置环境变量时使用。
const DefaultPath = "configs/console.json"

// Config 描述了插件控制台在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	SCM      SCMConfig      `json:"scm"`
	Messages MessagesConfig `json:"messages"`
	History  HistoryConfig  `json:"history"`
	Events   EventsConfig   `json:"events"`
	Logging  logger.Config  `json:"logging"`
	Metrics  MetricsConfig  `json:"metrics"`
}

// ServerConfig 控制控制台 API 的监听地址。
type ServerConfig struct {
	Address string `json:"address"`
}

// AuthConfig 列出可访问控制台 API 的静态令牌，为空时不做认证。
type AuthConfig struct {
	Tokens []auth.Token `json:"tokens"`
}

// SCMConfig 描述 SCM-Manager REST 接口的访问方式。
type SCMConfig struct {
	BaseURL                string `json:"base_url"`
	AccessToken            string `json:"access_token"`
	Username               string `json:"username"`
	Password               string `json:"password"`
	TimeoutSeconds         int    `json:"timeout_seconds"`
	ExtendedTimeoutSeconds int    `json:"extended_timeout_seconds"`
}

// Timeout 返回卸载操作的超时时间。
func (c SCMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ExtendedTimeout 返回安装与更新操作的超时时间。
func (c SCMConfig) ExtendedTimeout() time.Duration {
	return time.Duration(c.ExtendedTimeoutSeconds) * time.Second
}

// MessagesConfig 指向 YAML 文案目录，为空时使用内置英文文案。
type MessagesConfig struct {
	Path string `json:"path"`
}

// HistoryConfig 描述操作日志的存储后端。
type HistoryConfig struct {
	Driver          string `json:"driver"`
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_seconds"`
	Retention       int    `json:"retention"`
}

// EventsConfig 描述生命周期事件的转发目标。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 为 Redis 发布订阅的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
}

// RabbitMQConfig 为 RabbitMQ fanout 交换机的连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
}

// MetricsConfig 控制 Prometheus 指标的暴露。
type MetricsConfig struct {
	Enabled   *bool  `json:"enabled"`
	Namespace string `json:"namespace"`
	// Address 非空时在独立端口暴露 /metrics，否则挂在控制台 API 上。
	Address string `json:"address"`
}

// IsEnabled 在未显式关闭时返回 true。
func (c MetricsConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Resolve 返回配置文件路径：优先使用显式参数，其次环境变量，最后是默认路径。
func Resolve(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := strings.TrimSpace(os.Getenv(EnvPath)); env != "" {
		return env
	}
	return DefaultPath
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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回不依赖配置文件的默认配置，供命令行直接使用。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// Validate 检查驱动名称等取值是否合法。
func (c *Config) Validate() error {
	switch c.History.Driver {
	case "memory":
	case "mysql":
		if c.History.DSN == "" {
			return errors.New("history.driver 为 mysql 时必须配置 dsn")
		}
	default:
		return fmt.Errorf("不支持的 history.driver: %s", c.History.Driver)
	}

	switch c.Events.Driver {
	case "none":
	case "redis":
		if c.Events.Redis.Address == "" {
			return errors.New("events.driver 为 redis 时必须配置 redis.address")
		}
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			return errors.New("events.driver 为 rabbitmq 时必须配置 rabbitmq.url")
		}
	default:
		return fmt.Errorf("不支持的 events.driver: %s", c.Events.Driver)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8081"
	}

	if c.SCM.BaseURL == "" {
		c.SCM.BaseURL = "http://localhost:8080/scm/api/rest/"
	}
	if c.SCM.TimeoutSeconds <= 0 {
		c.SCM.TimeoutSeconds = 30
	}
	if c.SCM.ExtendedTimeoutSeconds <= 0 {
		c.SCM.ExtendedTimeoutSeconds = 300
	}

	if c.Messages.Path != "" && !filepath.IsAbs(c.Messages.Path) {
		c.Messages.Path = filepath.Join(baseDir, c.Messages.Path)
	}

	c.History.Driver = strings.ToLower(strings.TrimSpace(c.History.Driver))
	if c.History.Driver == "" {
		c.History.Driver = "memory"
	}
	if c.History.Retention <= 0 {
		c.History.Retention = 500
	}
	if c.History.MaxOpenConns <= 0 {
		c.History.MaxOpenConns = 10
	}
	if c.History.MaxIdleConns <= 0 {
		c.History.MaxIdleConns = 5
	}
	if c.History.ConnMaxLifetime <= 0 {
		c.History.ConnMaxLifetime = 300
	}

	c.Events.Driver = strings.ToLower(strings.TrimSpace(c.Events.Driver))
	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	if c.Events.Redis.Channel == "" {
		c.Events.Redis.Channel = "scm.plugin.events"
	}
	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "scm.plugin.events"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "scm_console"
	}
}
