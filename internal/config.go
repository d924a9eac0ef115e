package internal

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/koopa0/system-design/14-topic-chat/pkg/logger"
)

// EnvPrefix 環境變數前綴
const EnvPrefix = "CHAT_"

// Config 整個應用的配置
//
// 載入順序（後者覆蓋前者）：
//
//	預設值 → YAML 檔 → .env → 環境變數 → 命令列參數
type Config struct {
	Server ServerConfig `yaml:"server"`
	Broker BrokerConfig `yaml:"broker"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig HTTP 與 WebSocket 配置
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	AllowedOrigins  []string      `yaml:"allowed_origins" validate:"min=1,dive,required"`
	MaxFrameBytes   int64         `yaml:"max_frame_bytes" validate:"min=1"`
	SendQueueSize   int           `yaml:"send_queue_size" validate:"min=1"`
}

// BrokerConfig 主題、連線與訊息的限制
type BrokerConfig struct {
	MaxTopics              int           `yaml:"max_topics" validate:"min=1"`
	MaxConnectionsPerTopic int           `yaml:"max_connections_per_topic" validate:"min=1"`
	RateLimitPerMinute     int           `yaml:"rate_limit_per_minute" validate:"min=1"`
	MessageTTL             time.Duration `yaml:"message_ttl" validate:"gt=0"`
	ConnectionTimeout      time.Duration `yaml:"connection_timeout" validate:"gt=0"`
	SweepInterval          time.Duration `yaml:"sweep_interval" validate:"gt=0"`
}

// LogConfig 日誌配置
type LogConfig struct {
	Level     string `yaml:"level" validate:"oneof=debug info warn error"`
	Format    string `yaml:"format" validate:"oneof=text json"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// DefaultConfig 預設配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"*"},
			MaxFrameBytes:   DefaultMaxFrameBytes,
			SendQueueSize:   256,
		},
		Broker: BrokerConfig{
			MaxTopics:              1000,
			MaxConnectionsPerTopic: 100,
			RateLimitPerMinute:     60,
			MessageTTL:             30 * time.Second,
			ConnectionTimeout:      300 * time.Second,
			SweepInterval:          60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// LoadConfig 載入配置
//
// path 與 envFile 為空或檔案不存在時略過該來源。
func LoadConfig(path, envFile string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if envFile != "" {
		// 不覆蓋已存在的環境變數
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var configValidator = validator.New()

// Validate 驗證配置
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Server.MaxFrameBytes < MinFrameBytes {
		return fmt.Errorf("invalid config: max_frame_bytes %d is below %d, the size of the longest valid message frame",
			c.Server.MaxFrameBytes, MinFrameBytes)
	}
	return nil
}

// applyEnv 以 CHAT_* 環境變數覆蓋配置
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = n
	}
	duration := func(key string, dst *time.Duration) {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return
		}
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = d
	}

	str("HOST", &c.Server.Host)
	integer("PORT", &c.Server.Port)
	if v, ok := lookup(EnvPrefix + "ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup(EnvPrefix + "MAX_FRAME_BYTES"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sMAX_FRAME_BYTES: %w", EnvPrefix, err))
		} else {
			c.Server.MaxFrameBytes = n
		}
	}

	integer("MAX_TOPICS", &c.Broker.MaxTopics)
	integer("MAX_CONNECTIONS_PER_TOPIC", &c.Broker.MaxConnectionsPerTopic)
	integer("RATE_LIMIT_PER_MINUTE", &c.Broker.RateLimitPerMinute)
	duration("MESSAGE_TTL", &c.Broker.MessageTTL)
	duration("CONNECTION_TIMEOUT", &c.Broker.ConnectionTimeout)
	duration("SWEEP_INTERVAL", &c.Broker.SweepInterval)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_OUTPUT", &c.Log.Output)

	return errors.Join(errs...)
}

// parseDuration 接受 "30s" 這類格式，純數字視為秒
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

// Addr 監聽位址
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// RegistryConfig 轉換為註冊表配置
func (c *Config) RegistryConfig() RegistryConfig {
	return RegistryConfig{
		MaxTopics:              c.Broker.MaxTopics,
		MaxConnectionsPerTopic: c.Broker.MaxConnectionsPerTopic,
		RateLimitPerMinute:     c.Broker.RateLimitPerMinute,
	}
}

// MessageConfig 轉換為訊息管理器配置
func (c *Config) MessageConfig() MessageConfig {
	return MessageConfig{
		TTL:                c.Broker.MessageTTL,
		RateLimitPerMinute: c.Broker.RateLimitPerMinute,
	}
}

// WebSocketConfig 轉換為傳輸層配置
func (c *Config) WebSocketConfig() WebSocketConfig {
	ws := DefaultWebSocketConfig()
	ws.AllowedOrigins = c.Server.AllowedOrigins
	ws.MaxFrameBytes = c.Server.MaxFrameBytes
	ws.SendQueueSize = c.Server.SendQueueSize
	return ws
}

// LoggerOptions 轉換為日誌配置
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:     c.Log.Level,
		Format:    c.Log.Format,
		Output:    c.Log.Output,
		AddSource: c.Log.AddSource,
	}
}
