package strategyreg

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gridtrade/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
)

// Template 描述单个可执行策略模板。EXECUTE_STRATEGY 动作只能引用这里
// 注册的策略，参数在派发前按 schema 校验。
type Template struct {
	ID          string                 `mapstructure:"id" yaml:"id"`
	Description string                 `mapstructure:"description" yaml:"description"`
	Version     int                    `mapstructure:"version" yaml:"version"`
	Schema      map[string]interface{} `mapstructure:"schema" yaml:"schema"`

	schemaCompiled *jsonschema.Schema
}

// FileConfig 映射 strategies 配置文件。
type FileConfig struct {
	Strategies map[string]Template `mapstructure:"strategies" yaml:"strategies"`
}

// Snapshot 公开的模板快照。
type Snapshot struct {
	Version   int64
	LoadedAt  time.Time
	Templates map[string]Template
}

// Registry 管理策略模板，配置文件变更时热重载。
type Registry struct {
	path string
	v    *viper.Viper

	mu       sync.RWMutex
	snapshot Snapshot
}

// NewRegistry 读取配置文件并监听更新。
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("strategy registry requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read strategy config failed: %w", err)
	}
	r := &Registry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("strategy registry reload failed: %v", err)
		}
	})
	v.WatchConfig()
	return r, nil
}

// Snapshot 返回当前模板集。
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Template 返回指定 ID 的模板。
func (r *Registry) Template(id string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tpl, ok := r.snapshot.Templates[strings.TrimSpace(id)]
	return tpl, ok
}

// ValidateParams 按模板 schema 校验策略参数。未注册的策略 ID 与 schema
// 不符的参数都是配置错误。
func (r *Registry) ValidateParams(id string, params map[string]any) error {
	tpl, ok := r.Template(id)
	if !ok {
		return fmt.Errorf("未注册的策略: %q", id)
	}
	if tpl.schemaCompiled == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := tpl.schemaCompiled.Validate(params); err != nil {
		return fmt.Errorf("策略 %s 参数不符合 schema: %w", id, err)
	}
	return nil
}

func (r *Registry) reload() error {
	var cfg FileConfig
	if err := r.v.ReadInConfig(); err != nil {
		return err
	}
	if err := r.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("parse strategy config failed: %w", err)
	}
	templates := make(map[string]Template)
	for name, tpl := range cfg.Strategies {
		norm := normalizeTemplate(name, tpl)
		templates[norm.ID] = norm
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:   r.snapshot.Version + 1,
		LoadedAt:  time.Now(),
		Templates: templates,
	}
	r.mu.Unlock()
	logger.Infof("Strategy registry loaded %d templates from %s", len(templates), filepath.Base(r.path))
	return nil
}

func normalizeTemplate(name string, tpl Template) Template {
	tpl.ID = strings.TrimSpace(tpl.ID)
	if tpl.ID == "" {
		tpl.ID = strings.TrimSpace(name)
	}
	if tpl.Version <= 0 {
		tpl.Version = 1
	}
	tpl.Description = strings.TrimSpace(tpl.Description)
	if len(tpl.Schema) > 0 {
		if compiled, err := compileSchema(tpl.Schema); err != nil {
			logger.Errorf("strategy schema compile failed id=%s: %v", tpl.ID, err)
		} else {
			tpl.schemaCompiled = compiled
		}
	}
	return tpl
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:   src.Version,
		LoadedAt:  src.LoadedAt,
		Templates: make(map[string]Template, len(src.Templates)),
	}
	for id, tpl := range src.Templates {
		dst.Templates[id] = tpl
	}
	return dst
}

func compileSchema(data map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}
