package config

import (
	"fmt"
	"strings"
	"time"

	"gridtrade/internal/scheduler"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Gateway.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	if err := c.Scheduler.validate(); err != nil {
		return err
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(a.LogLevel)) {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("app.log_level must be one of debug/info/warn/error, got %q", a.LogLevel)
	}
}

func (g *GatewayConfig) validate() error {
	if !g.Enabled {
		return nil
	}
	if strings.TrimSpace(g.APIURL) == "" {
		return fmt.Errorf("gateway.api_url is required when gateway.enabled=true")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	tg := n.Telegram
	if !tg.Enabled {
		return nil
	}
	if strings.TrimSpace(tg.BotToken) == "" || strings.TrimSpace(tg.ChatID) == "" {
		return fmt.Errorf("notify.telegram requires bot_token and chat_id when enabled")
	}
	return nil
}

func (s *SchedulerConfig) validate() error {
	if _, ok := scheduler.ParseIntervalDuration(s.SliceCheckInterval); !ok {
		return fmt.Errorf("scheduler.slice_check_interval is invalid: %q", s.SliceCheckInterval)
	}
	if _, ok := scheduler.ParseIntervalDuration(s.RolloverOffset); !ok {
		return fmt.Errorf("scheduler.rollover_offset is invalid: %q", s.RolloverOffset)
	}
	return nil
}

// SliceCheckDuration returns the parsed slice-check interval.
func (s SchedulerConfig) SliceCheckDuration() time.Duration {
	d, _ := scheduler.ParseIntervalDuration(s.SliceCheckInterval)
	return d
}

// RolloverOffsetDuration returns the parsed rollover offset.
func (s SchedulerConfig) RolloverOffsetDuration() time.Duration {
	d, _ := scheduler.ParseIntervalDuration(s.RolloverOffset)
	return d
}
