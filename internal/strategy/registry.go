package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"barwalk/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Template 描述一个具名策略模板：内嵌组合定义，外加参数覆盖
// 的 JSON Schema（可选，sweep 与 HTTP 提交的覆盖先过它）。
type Template struct {
	ID          string         `mapstructure:"id" yaml:"id"`
	Description string         `mapstructure:"description" yaml:"description"`
	Version     int            `mapstructure:"version" yaml:"version"`
	Strategy    Definition     `mapstructure:"strategy" yaml:"strategy"`
	Schema      map[string]any `mapstructure:"schema" yaml:"schema"`

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

// ChangeListener 在 registry 重载时触发。
type ChangeListener func(Snapshot)

// Registry 管理策略模板：启动时加载并校验，之后监听文件变更热重载。
// 首次加载失败视为配置错误直接返回；热重载失败保留旧快照只记日志。
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry 读取策略配置文件并监听更新。
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
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// OnChange 注册重载监听器。
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
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

// IDs 返回全部模板 ID（升序）。
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.snapshot.Templates))
	for id := range r.snapshot.Templates {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Materialize 取出模板定义并套上参数覆盖：overrides 按组件分组
// （signal/filter/policy/sizer/manager 键下挂各自的参数增量），
// 先过模板 schema 再合并。返回的 Definition 可直接交给 Build。
func (r *Registry) Materialize(id string, overrides map[string]any) (Definition, error) {
	tpl, ok := r.Template(id)
	if !ok {
		return Definition{}, fmt.Errorf("unknown strategy: %s", id)
	}
	// 覆盖值先归一（"6" 与 6 指纹一致），再过 schema
	overrides = sanitizeParams(overrides)
	if len(overrides) > 0 {
		if err := tpl.ValidateOverrides(overrides); err != nil {
			return Definition{}, fmt.Errorf("策略 %s 参数覆盖无效: %w", id, err)
		}
	}
	def := tpl.Strategy.clone()
	if err := applyOverrides(&def, overrides); err != nil {
		return Definition{}, fmt.Errorf("策略 %s: %w", id, err)
	}
	return def, nil
}

// ValidateOverrides 用模板 schema 校验参数覆盖，无 schema 则放行。
func (t Template) ValidateOverrides(params map[string]any) error {
	if t.schemaCompiled == nil {
		return nil
	}
	return t.schemaCompiled.Validate(sanitizeParams(params))
}

// ApplyOverrides 在 def 的拷贝上合并参数覆盖并返回新定义，原定义
// 不受影响。与 Materialize 的区别是不经过模板 schema，适用于内联
// 定义派生变体的场景。
func ApplyOverrides(def Definition, overrides map[string]any) (Definition, error) {
	out := def.clone()
	if err := applyOverrides(&out, sanitizeParams(overrides)); err != nil {
		return Definition{}, err
	}
	return out, nil
}

func (r *Registry) reload() error {
	cfg, err := readStrategyFile(r.path)
	if err != nil {
		return err
	}
	if len(cfg.Strategies) == 0 {
		return fmt.Errorf("strategy config %s has no strategies", filepath.Base(r.path))
	}
	templates := make(map[string]Template, len(cfg.Strategies))
	for name, tpl := range cfg.Strategies {
		norm, err := normalizeTemplate(name, tpl)
		if err != nil {
			return fmt.Errorf("strategy %q: %w", name, err)
		}
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

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer safeRecover("strategy registry listener")
			cb(snap)
		}(fn)
	}
}

// normalizeTemplate 补齐缺省、编译 schema，并试装配一次：
// 模板本身装不起来属于配置错误，当场报出。
func normalizeTemplate(name string, tpl Template) (Template, error) {
	tpl.ID = strings.TrimSpace(tpl.ID)
	if tpl.ID == "" {
		tpl.ID = strings.TrimSpace(name)
	}
	if tpl.Version <= 0 {
		tpl.Version = 1
	}
	tpl.Description = strings.TrimSpace(tpl.Description)
	if strings.TrimSpace(tpl.Strategy.ID) == "" {
		tpl.Strategy.ID = tpl.ID
	}
	if tpl.Strategy.Description == "" {
		tpl.Strategy.Description = tpl.Description
	}
	if _, err := Build(tpl.Strategy); err != nil {
		return Template{}, err
	}
	if len(tpl.Schema) > 0 {
		compiled, err := compileSchema(tpl.Schema)
		if err != nil {
			return Template{}, fmt.Errorf("schema compile failed: %w", err)
		}
		tpl.schemaCompiled = compiled
	}
	return tpl, nil
}

func (d Definition) clone() Definition {
	out := d
	out.Signal.Params = cloneMap(d.Signal.Params)
	out.Policy.Params = cloneMap(d.Policy.Params)
	out.Sizer.Params = cloneMap(d.Sizer.Params)
	if d.Filter != nil {
		f := *d.Filter
		f.Params = cloneMap(d.Filter.Params)
		out.Filter = &f
	}
	if d.Manager != nil {
		m := *d.Manager
		m.Params = cloneMap(d.Manager.Params)
		out.Manager = &m
	}
	out.Indicators = append([]string(nil), d.Indicators...)
	return out
}

func applyOverrides(def *Definition, overrides map[string]any) error {
	for key, raw := range overrides {
		params, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("覆盖键 %q 的值必须是参数对象", key)
		}
		var target *Ref
		switch key {
		case "signal":
			target = &def.Signal
		case "policy":
			target = &def.Policy
		case "sizer":
			target = &def.Sizer
		case "filter":
			if def.Filter == nil {
				def.Filter = &Ref{ID: "allow_all"}
			}
			target = def.Filter
		case "manager":
			if def.Manager == nil {
				return fmt.Errorf("模板未配置 manager，无法覆盖其参数")
			}
			target = def.Manager
		default:
			return fmt.Errorf("无法识别的覆盖键 %q", key)
		}
		if target.Params == nil {
			target.Params = make(map[string]any, len(params))
		}
		for k, v := range params {
			target.Params[k] = v
		}
	}
	return nil
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

func safeRecover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("%s panic: %v", tag, r)
	}
}

func compileSchema(data map[string]any) (*jsonschema.Schema, error) {
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

func readStrategyFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read strategy config failed: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse strategy config failed: %w", err)
	}
	return cfg, nil
}
