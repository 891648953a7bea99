package viper

import (
	"path/filepath"
	"strings"

	spfviper "github.com/spf13/viper"
)

// Config 封装 spf13/viper 实例，对外提供精简的配置加载接口。
// 加载优先级：环境变量 > 配置文件 > 默认值。
type Config struct {
	v *spfviper.Viper
}

// New 创建一个空的 Config。
func New() *Config {
	return &Config{
		v: spfviper.New(),
	}
}

// LoadFile 将 YAML、JSON 或 TOML 配置文件加载到 Config 中。
// 文件类型通过扩展名推断。
func (c *Config) LoadFile(path string) error {
	c.ensure()
	c.v.SetConfigFile(path)

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		c.v.SetConfigType("yaml")
	case ".json":
		c.v.SetConfigType("json")
	case ".toml":
		c.v.SetConfigType("toml")
	default:
		// 让 viper 自行推断类型，或在读取时返回清晰的错误信息。
	}

	return c.v.ReadInConfig()
}

// BindEnv 开启环境变量覆盖，key 中的 "." 映射为 "_"，
// 例如 prefix 为 RELAY 时 server.addr 对应 RELAY_SERVER_ADDR。
func (c *Config) BindEnv(prefix string) {
	c.ensure()
	c.v.SetEnvPrefix(prefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	c.v.AutomaticEnv()
}

// SetDefaults 批量设置默认值。
// 只有设置过默认值（或出现在配置文件中）的 key 才能被环境变量覆盖并参与 Unmarshal。
func (c *Config) SetDefaults(defaults map[string]any) {
	c.ensure()
	for k, v := range defaults {
		c.v.SetDefault(k, v)
	}
}

// Set 显式覆盖某个 key，优先级最高。
func (c *Config) Set(key string, value any) {
	c.ensure()
	c.v.Set(key, value)
}

// ConfigFileUsed 返回实际加载的配置文件路径。
func (c *Config) ConfigFileUsed() string {
	c.ensure()
	return c.v.ConfigFileUsed()
}

// Unmarshal 将完整配置反序列化到 dst。
// dst 应为结构体或 map 的指针。
func (c *Config) Unmarshal(dst interface{}) error {
	c.ensure()
	return c.v.Unmarshal(dst)
}

// UnmarshalKey 将指定 key 对应的子配置反序列化到 dst。
func (c *Config) UnmarshalKey(key string, dst interface{}) error {
	c.ensure()
	return c.v.UnmarshalKey(key, dst)
}

func (c *Config) ensure() {
	if c.v == nil {
		c.v = spfviper.New()
	}
}
