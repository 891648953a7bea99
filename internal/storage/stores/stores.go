// Package stores 根据配置选择并打开一个 storage.Store 后端。
package stores

import (
	"context"

	"github.com/lk2023060901/chat-relay-go/internal/storage"
	"github.com/lk2023060901/chat-relay-go/internal/storage/badgerstore"
	"github.com/lk2023060901/chat-relay-go/internal/storage/memstore"
	"github.com/lk2023060901/chat-relay-go/internal/storage/sqlitestore"
	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
)

const (
	DriverMemory = "memory"
	DriverBadger = "badger"
	DriverSQLite = "sqlite"
)

// Config 为存储后端配置。
type Config struct {
	Driver string       `mapstructure:"driver" json:"driver" validate:"oneof=memory badger sqlite"`
	Badger BadgerConfig `mapstructure:"badger" json:"badger"`
	SQLite SQLiteConfig `mapstructure:"sqlite" json:"sqlite"`

	// StartupAttempts 为启动时探测后端可用性的最大尝试次数。
	StartupAttempts uint `mapstructure:"startup_attempts" json:"startup_attempts" validate:"gte=1"`
}

type BadgerConfig struct {
	Dir      string `mapstructure:"dir" json:"dir"`
	InMemory bool   `mapstructure:"in_memory" json:"in_memory"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

// Open 打开配置指定的存储后端。
func Open(ctx context.Context, cfg Config) (storage.Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return memstore.New(), nil
	case DriverBadger:
		return badgerstore.Open(badgerstore.Options{Dir: cfg.Badger.Dir, InMemory: cfg.Badger.InMemory})
	case DriverSQLite:
		return sqlitestore.Open(ctx, cfg.SQLite.Path)
	default:
		return nil, merr.WrapErrParameterInvalidMsg("unknown storage driver %q", cfg.Driver)
	}
}
