package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"inboxd/internal/config"
)

// TypeRegistry 类型定义和目的地的只读快照
//
// 配置热更新时整体替换快照，读取方无需加锁。
type TypeRegistry struct {
	snap atomic.Pointer[typeSnapshot]
}

type typeSnapshot struct {
	types          map[string]config.TypeDefinition
	schemas        map[string]*jsonschema.Schema
	destinations   map[string]config.Destination
	defaultChannel string
	defaultTimeout time.Duration
}

// NewTypeRegistry 根据配置构建注册表，任一 schema 编译失败即返回错误
func NewTypeRegistry(cfg *config.Config) (*TypeRegistry, error) {
	r := &TypeRegistry{}
	if err := r.Update(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Update 替换快照，编译失败时保留旧快照
func (r *TypeRegistry) Update(cfg *config.Config) error {
	snap := &typeSnapshot{
		types:          make(map[string]config.TypeDefinition, len(cfg.Types)),
		schemas:        make(map[string]*jsonschema.Schema),
		destinations:   make(map[string]config.Destination, len(cfg.Destinations)),
		defaultChannel: cfg.Ingest.DefaultChannel,
		defaultTimeout: config.ClampTimeout(cfg.Dispatch.DefaultTimeout, 10*time.Second),
	}
	if snap.defaultChannel == "" {
		snap.defaultChannel = "default"
	}

	for name, def := range cfg.Types {
		key := strings.ToLower(name)
		snap.types[key] = def
		if def.Schema == nil {
			continue
		}
		sch, err := compileSchema(key, def.Schema)
		if err != nil {
			return fmt.Errorf("type %q: %w", name, err)
		}
		if sch != nil {
			snap.schemas[key] = sch
		}
	}
	for name, dest := range cfg.Destinations {
		snap.destinations[name] = dest
	}

	r.snap.Store(snap)
	return nil
}

// Lookup 查找类型定义，大小写不敏感
func (r *TypeRegistry) Lookup(name string) (config.TypeDefinition, bool) {
	def, ok := r.snap.Load().types[strings.ToLower(strings.TrimSpace(name))]
	return def, ok
}

// Types 已定义的类型名，按字母序
func (r *TypeRegistry) Types() []string {
	types := r.snap.Load().types
	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveChannel 按 请求 > 类型定义 > 全局默认 的顺序确定频道
func (r *TypeRegistry) ResolveChannel(typeName, requested string) string {
	if ch := strings.TrimSpace(requested); ch != "" {
		return ch
	}
	snap := r.snap.Load()
	if def, ok := snap.types[strings.ToLower(strings.TrimSpace(typeName))]; ok && def.Channel != "" {
		return def.Channel
	}
	return snap.defaultChannel
}

// ValidatePayload 按类型的 JSON Schema 校验载荷，未配置 schema 的类型直接通过
func (r *TypeRegistry) ValidatePayload(typeName string, payload any) error {
	sch, ok := r.snap.Load().schemas[strings.ToLower(strings.TrimSpace(typeName))]
	if !ok {
		return nil
	}

	// 统一转换为 schema 库的数值表示
	data, err := json.Marshal(payload)
	if err != nil {
		return NewValidationError("payload", "payload is not valid JSON: %v", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return NewValidationError("payload", "payload is not valid JSON: %v", err)
	}

	if err := sch.Validate(inst); err != nil {
		return NewValidationError("payload", "payload does not match schema for type %q: %v", typeName, err)
	}
	return nil
}

// Destination 按名称查找目的地
func (r *TypeRegistry) Destination(name string) (config.Destination, bool) {
	dest, ok := r.snap.Load().destinations[name]
	return dest, ok
}

// DefaultTimeout 出站调用的默认超时
func (r *TypeRegistry) DefaultTimeout() time.Duration {
	return r.snap.Load().defaultTimeout
}

// compileSchema 字符串视为 schema 文件路径，其余视为内联 schema
func compileSchema(name string, raw any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()

	if path, ok := raw.(string); ok {
		path = strings.TrimSpace(path)
		if path == "" {
			return nil, nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("invalid schema path: %w", err)
		}
		sch, err := c.Compile(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", path, err)
		}
		return sch, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid inline schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid inline schema: %w", err)
	}

	loc := "mem://types/" + url.PathEscape(name) + ".json"
	if err := c.AddResource(loc, doc); err != nil {
		return nil, fmt.Errorf("invalid inline schema: %w", err)
	}
	sch, err := c.Compile(loc)
	if err != nil {
		return nil, fmt.Errorf("failed to compile inline schema: %w", err)
	}
	return sch, nil
}
