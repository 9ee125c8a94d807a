package config

import "strings"

// Config 是 gridtrade 的主配置载体。
type Config struct {
	App       AppConfig       `toml:"app"`
	Store     StoreConfig     `toml:"store"`
	Gateway   GatewayConfig   `toml:"gateway"`
	Notify    NotifyConfig    `toml:"notify"`
	Strategy  StrategyConfig  `toml:"strategy"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Queue     QueueConfig     `toml:"queue"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

// StoreConfig 描述本地 SQLite 数据库位置。
type StoreConfig struct {
	Path string `toml:"path"`
}

// GatewayConfig 描述外部交易网关的访问方式。
type GatewayConfig struct {
	Enabled        bool   `toml:"enabled"`
	APIURL         string `toml:"api_url"`
	APIToken       string `toml:"api_token"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// StrategyConfig 指向可热更新的策略模板文件。
type StrategyConfig struct {
	Path string `toml:"path"`
}

// SchedulerConfig 控制切片检查与每日滚动的节奏。
type SchedulerConfig struct {
	SliceCheckInterval string `toml:"slice_check_interval"` // e.g. "5s"
	RolloverOffset     string `toml:"rollover_offset"`      // delay after UTC midnight, e.g. "30s"
}

// QueueConfig 控制执行请求队列。
type QueueConfig struct {
	Capacity int `toml:"capacity"`
}

// IsProd reports whether the app runs with production settings.
func (a AppConfig) IsProd() bool {
	return strings.EqualFold(strings.TrimSpace(a.Env), "prod")
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
