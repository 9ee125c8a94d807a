package config

import "strings"

// 默认值常量
const (
	defaultAppEnv             = "dev"
	defaultAppLogLevel        = "info"
	defaultAppHTTPAddr        = ":9991"
	defaultAppLogPath         = "/data/logs/gridtrade.log"
	defaultStorePath          = "/data/db/gridtrade.db"
	defaultGatewayTimeout     = 15
	defaultStrategyPath       = "configs/strategies.yaml"
	defaultSliceCheckInterval = "5s"
	defaultRolloverOffset     = "30s"
	defaultQueueCapacity      = 256
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Gateway.applyDefaults(keys)
	c.Strategy.applyDefaults(keys)
	c.Scheduler.applyDefaults(keys)
	c.Queue.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
	)
}

func (g *GatewayConfig) applyDefaults(keys keySet) {
	if g == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "gateway.timeout_seconds",
			need:  func() bool { return g.TimeoutSeconds <= 0 },
			apply: func() { g.TimeoutSeconds = defaultGatewayTimeout },
		},
	)
}

func (s *StrategyConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("strategy.path", &s.Path, defaultStrategyPath),
	)
}

func (s *SchedulerConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("scheduler.slice_check_interval", &s.SliceCheckInterval, defaultSliceCheckInterval),
		stringFieldDefault("scheduler.rollover_offset", &s.RolloverOffset, defaultRolloverOffset),
	)
}

func (q *QueueConfig) applyDefaults(keys keySet) {
	if q == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "queue.capacity",
			need:  func() bool { return q.Capacity <= 0 },
			apply: func() { q.Capacity = defaultQueueCapacity },
		},
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
