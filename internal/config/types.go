package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Server      ServerConfig      `mapstructure:"server"`
	OpenAI      OpenAIConfig      `mapstructure:"openai"`
	Hyperliquid HyperliquidConfig `mapstructure:"hyperliquid"`
	Execution   ExecutionConfig   `mapstructure:"execution"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ServerConfig 描述 HTTP 服务参数。
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AuthToken       string        `mapstructure:"auth_token"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// OpenAIConfig 描述大模型调用参数。
type OpenAIConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// HyperliquidConfig 描述交易所连接与签名身份。
type HyperliquidConfig struct {
	Wallet     string      `mapstructure:"wallet_address"`
	PrivateKey string      `mapstructure:"private_key"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// ExecutionConfig 控制批量提交行为。
type ExecutionConfig struct {
	Slippage float64       `mapstructure:"slippage"`
	Stagger  time.Duration `mapstructure:"stagger"`
}

// CacheConfig 管理 Redis 行情缓存。
type CacheConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	MetadataTTL time.Duration `mapstructure:"metadata_ttl"`
	PriceTTL    time.Duration `mapstructure:"price_ttl"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Server.Addr == "" {
		err = multierr.Append(err, errors.New("server.addr 不能为空"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		err = multierr.Append(err, errors.New("server.shutdown_timeout 必须大于0"))
	}
	if c.OpenAI.APIKey == "" {
		err = multierr.Append(err, errors.New("openai.api_key 不能为空"))
	}
	if c.OpenAI.Model == "" {
		err = multierr.Append(err, errors.New("openai.model 不能为空"))
	}
	if c.OpenAI.Timeout <= 0 {
		err = multierr.Append(err, errors.New("openai.timeout 必须大于0"))
	}
	if c.Hyperliquid.Wallet == "" || c.Hyperliquid.PrivateKey == "" {
		err = multierr.Append(err, errors.New("hyperliquid 需要配置 wallet_address 与 private_key"))
	}
	if c.Hyperliquid.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("hyperliquid.retry.max_attempts 必须大于0"))
	}
	if c.Hyperliquid.Retry.MinDelay <= 0 || c.Hyperliquid.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("hyperliquid.retry.delay 必须为正"))
	}
	if c.Hyperliquid.Retry.MinDelay > c.Hyperliquid.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("hyperliquid.retry.min_delay 不能大于 max_delay"))
	}
	if c.Execution.Slippage < 0 || c.Execution.Slippage > 0.2 {
		err = multierr.Append(err, errors.New("execution.slippage 应位于[0,0.2]"))
	}
	if c.Execution.Stagger < 0 {
		err = multierr.Append(err, errors.New("execution.stagger 不能为负"))
	}
	if c.Cache.Enabled {
		if c.Cache.Addr == "" {
			err = multierr.Append(err, errors.New("cache.addr 不能为空"))
		}
		if c.Cache.MetadataTTL <= 0 || c.Cache.PriceTTL <= 0 {
			err = multierr.Append(err, errors.New("cache 的 TTL 必须为正"))
		}
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
