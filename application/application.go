// Package application 负责进程级的配置加载、日志初始化与信号处理。
package application

import (
	"context"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-relay-go/pkg/log"
	zviper "github.com/lk2023060901/chat-relay-go/pkg/util/viper"
)

// Application 持有已加载的配置与按模块命名的 Logger。
type Application struct {
	path    string
	file    string
	cfg     *Config
	loggers map[string]*log.MLogger
}

// New 创建 Application。path 为 --config 的取值，可以为空。
func New(path string) *Application {
	return &Application{path: path}
}

// Run 加载配置并初始化日志。
//
// 配置文件按以下优先级确定：
//  1. CLI：--config <path>
//  2. Env：RELAY_CONFIG_FILE_PATH
//  3. 默认：./config.yaml（不存在时只使用默认值与环境变量）
func (a *Application) Run() error {
	cfg, file, err := LoadConfig(a.path)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.file = file

	if err := a.initLogging(); err != nil {
		return err
	}
	log.Info("config loaded", zap.String("file", file), zap.String("storage", cfg.Storage.Driver))
	return nil
}

// Config 返回已加载的配置。
func (a *Application) Config() *Config {
	return a.cfg
}

// ConfigFile 返回实际加载的配置文件，未加载文件时为空。
func (a *Application) ConfigFile() string {
	return a.file
}

// Logger 返回 logging 段中配置的模块 Logger，未配置时返回带模块字段的全局 Logger。
func (a *Application) Logger(name string) *log.MLogger {
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return log.With(log.FieldModule(name))
}

// LoadConfig 解析配置文件、.env 与环境变量，返回校验后的配置及实际使用的文件。
func LoadConfig(path string) (*Config, string, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, "", errors.Wrap(err, "load .env")
	}

	explicit := path != ""
	if !explicit {
		if env := os.Getenv(ConfigPathEnv); env != "" {
			path, explicit = env, true
		} else {
			path = DefaultConfigPath
		}
	}

	v := zviper.New()
	v.SetDefaults(Defaults())
	v.BindEnv(EnvPrefix)

	file := ""
	if _, err := os.Stat(path); err == nil || explicit {
		if err := v.LoadFile(path); err != nil {
			return nil, "", errors.Wrapf(err, "load config file %q", path)
		}
		file = v.ConfigFileUsed()
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, "", errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, file, nil
}

func (a *Application) initLogging() error {
	logger, props, err := log.InitLogger(&a.cfg.Log)
	if err != nil {
		return errors.Wrap(err, "init global logger")
	}
	log.ReplaceGlobals(logger, props)

	if len(a.cfg.Logging) == 0 {
		return nil
	}
	a.loggers = make(map[string]*log.MLogger, len(a.cfg.Logging))
	for name, lc := range a.cfg.Logging {
		cfgCopy := lc
		logger, _, err := log.InitLogger(&cfgCopy)
		if err != nil {
			return errors.Wrapf(err, "init module logger %q", name)
		}
		a.loggers[name] = &log.MLogger{Logger: logger.With(log.FieldModule(name))}
	}
	return nil
}

// SignalContext 返回在收到 SIGINT/SIGTERM 时取消的上下文。
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
