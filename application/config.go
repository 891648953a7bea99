package application

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lk2023060901/chat-relay-go/internal/network/acceptor"
	"github.com/lk2023060901/chat-relay-go/internal/relay/service"
	"github.com/lk2023060901/chat-relay-go/internal/storage/stores"
	"github.com/lk2023060901/chat-relay-go/pkg/log"
	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
)

const (
	// EnvPrefix 为环境变量覆盖使用的前缀，server.addr 对应 RELAY_SERVER_ADDR。
	EnvPrefix = "RELAY"
	// ConfigPathEnv 指定配置文件路径的环境变量。
	ConfigPathEnv = "RELAY_CONFIG_FILE_PATH"
	// DefaultConfigPath 为未显式指定时尝试加载的配置文件，不存在时只使用默认值。
	DefaultConfigPath = "./config.yaml"
)

// Config 为进程的完整配置。
type Config struct {
	Server   ServerConfig          `mapstructure:"server" json:"server"`
	Auth     AuthConfig            `mapstructure:"auth" json:"auth"`
	Presence PresenceConfig        `mapstructure:"presence" json:"presence"`
	Relay    RelayConfig           `mapstructure:"relay" json:"relay"`
	Storage  stores.Config         `mapstructure:"storage" json:"storage"`
	Log      log.Config            `mapstructure:"log" json:"log"`
	Logging  map[string]log.Config `mapstructure:"logging" json:"logging"`
	Metrics  MetricsConfig         `mapstructure:"metrics" json:"metrics"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" json:"addr" validate:"required"`
	Path            string        `mapstructure:"path" json:"path" validate:"required,startswith=/"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" json:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout" validate:"gt=0"`
	SendQueueSize   int           `mapstructure:"send_queue_size" json:"send_queue_size" validate:"gte=1"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes" json:"max_message_bytes" validate:"gte=1024"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" json:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`
}

type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret" json:"-" validate:"required"`
	Subprotocol string        `mapstructure:"subprotocol" json:"subprotocol" validate:"required"`
	TokenTTL    time.Duration `mapstructure:"token_ttl" json:"token_ttl" validate:"gte=0"`
}

type PresenceConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" json:"reconcile_interval" validate:"gt=0"`
	StaleThreshold    time.Duration `mapstructure:"stale_threshold" json:"stale_threshold" validate:"gt=0"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" json:"write_timeout" validate:"gt=0"`
	// ResetOnStart 为 true 时启动前将所有用户置为离线。
	ResetOnStart bool `mapstructure:"reset_on_start" json:"reset_on_start"`
}

type RelayConfig struct {
	MaxContentLength int `mapstructure:"max_content_length" json:"max_content_length" validate:"gte=1"`
	JoinWorkers      int `mapstructure:"join_workers" json:"join_workers" validate:"gte=1"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
}

// Defaults 返回全部配置项的默认值。
// 只有出现在这里的 key 才能被环境变量覆盖。
func Defaults() map[string]any {
	return map[string]any{
		"server.addr":              ":8080",
		"server.path":              "/ws",
		"server.read_timeout":      "60s",
		"server.write_timeout":     "10s",
		"server.send_queue_size":   256,
		"server.max_message_bytes": 64 << 10,
		"server.allowed_origins":   []string{},
		"server.shutdown_timeout":  "15s",

		"auth.jwt_secret":  "",
		"auth.subprotocol": service.Subprotocol,
		"auth.token_ttl":   "24h",

		"presence.reconcile_interval": "2m",
		"presence.stale_threshold":    "5m",
		"presence.write_timeout":      "5s",
		"presence.reset_on_start":     true,

		"relay.max_content_length": 1000,
		"relay.join_workers":       16,

		"storage.driver":           stores.DriverMemory,
		"storage.badger.dir":       "./data/badger",
		"storage.badger.in_memory": false,
		"storage.sqlite.path":      "./data/relay.db",
		"storage.startup_attempts": 5,

		"log.level":            "info",
		"log.format":           log.FormatText,
		"log.stdout":           true,
		"log.file.root_path":   "",
		"log.file.filename":    "",
		"log.file.max_size":    300,
		"log.file.max_days":    0,
		"log.file.max_backups": 0,

		"metrics.enabled": true,
	}
}

// Validate 校验配置取值。
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return merr.WrapErrParameterInvalidMsg("invalid config: %v", err)
	}
	if c.Presence.StaleThreshold < c.Presence.ReconcileInterval {
		return merr.WrapErrParameterInvalidMsg("presence.stale_threshold (%s) must not be shorter than presence.reconcile_interval (%s)",
			c.Presence.StaleThreshold, c.Presence.ReconcileInterval)
	}
	return nil
}

// ServiceConfig 转换为中继服务的运行参数。
func (c *Config) ServiceConfig() service.Config {
	return service.Config{
		Acceptor: acceptor.Config{
			SendQueueSize:  c.Server.SendQueueSize,
			ReadTimeout:    c.Server.ReadTimeout,
			WriteTimeout:   c.Server.WriteTimeout,
			MaxMessageSize: c.Server.MaxMessageBytes,
			Path:           c.Server.Path,
			Subprotocols:   []string{c.Auth.Subprotocol},
			AllowedOrigins: c.Server.AllowedOrigins,
		},
		JWTSecret:            c.Auth.JWTSecret,
		MaxContentLength:     c.Relay.MaxContentLength,
		JoinWorkers:          c.Relay.JoinWorkers,
		PresenceWriteTimeout: c.Presence.WriteTimeout,
		ReconcileInterval:    c.Presence.ReconcileInterval,
		StaleThreshold:       c.Presence.StaleThreshold,
		ShutdownTimeout:      c.Server.ShutdownTimeout,
	}
}
