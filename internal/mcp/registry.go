package mcp

import (
	"bytes"
	"encoding/json"
	"iter"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/sirupsen/logrus"
)

// ToolDefinition describes a callable tool.
type ToolDefinition struct {
	Name        string
	Description string
	// Properties maps parameter names to their schema descriptors.
	Properties map[string]*jsonschema.Schema
	// ParamNames orders the parameters for positional calls.
	ParamNames []string

	convention Convention
	handler    ToolHandler
}

// Convention reports how the tool accepts arguments.
func (d *ToolDefinition) Convention() Convention { return d.convention }

// Info is the tools/list entry for the definition.
func (d *ToolDefinition) Info() ToolInfo {
	props := d.Properties
	if props == nil {
		props = map[string]*jsonschema.Schema{}
	}
	return ToolInfo{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: InputSchema{Type: "object", Properties: props},
	}
}

// bindArgs turns the raw "arguments" member into named arguments according to
// the tool's calling convention. Absent or null arguments yield nil.
func (d *ToolDefinition) bindArgs(raw json.RawMessage) (Args, *Error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, nullID) {
		return nil, nil
	}
	switch raw[0] {
	case '{':
		var args Args
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, Errorf(CodeInvalidParams, "%v", err)
		}
		return args, nil
	case '[':
		if d.convention != PositionalMapped {
			return nil, Errorf(CodeInvalidParams, "tool %q received positional arguments but has no parameter names", d.Name)
		}
		var values []any
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, Errorf(CodeInvalidParams, "%v", err)
		}
		if len(values) != len(d.ParamNames) {
			return nil, Errorf(CodeInvalidParams, "tool %q expects %d positional arguments, got %d", d.Name, len(d.ParamNames), len(values))
		}
		args := make(Args, len(values))
		for i, name := range d.ParamNames {
			args[name] = values[i]
		}
		return args, nil
	}
	return nil, Errorf(CodeInvalidParams, "arguments for tool %q must be an object, an array or null", d.Name)
}

// ResourceDefinition describes a readable resource.
type ResourceDefinition struct {
	URI         string
	Name        string
	Description string
	MimeType    string

	handler ResourceHandler
}

func (d *ResourceDefinition) Info() ResourceInfo {
	return ResourceInfo{URI: d.URI, Name: d.Name, Description: d.Description, MimeType: d.MimeType}
}

// PromptDefinition describes a prompt template.
type PromptDefinition struct {
	Name        string
	Description string
	Arguments   []PromptArgument

	handler PromptHandler
}

func (d *PromptDefinition) Info() PromptInfo {
	args := d.Arguments
	if args == nil {
		args = []PromptArgument{}
	}
	return PromptInfo{Name: d.Name, Description: d.Description, Arguments: args}
}

// ordered is a key -> definition map that lists in insertion order. Writing
// an existing key replaces the definition in place.
type ordered[D any] struct {
	keys  []string
	items map[string]D
}

func (o *ordered[D]) put(key string, d D) (replaced bool) {
	if o.items == nil {
		o.items = make(map[string]D)
	}
	if _, replaced = o.items[key]; !replaced {
		o.keys = append(o.keys, key)
	}
	o.items[key] = d
	return replaced
}

func (o *ordered[D]) get(key string) (D, bool) {
	d, ok := o.items[key]
	return d, ok
}

func (o *ordered[D]) all() iter.Seq[D] {
	return func(yield func(D) bool) {
		for _, k := range o.keys {
			if !yield(o.items[k]) {
				return
			}
		}
	}
}

// Registries are populated before a transport starts serving and are only
// read afterwards, so they carry no locks.

// ToolRegistry holds tool definitions keyed by name.
type ToolRegistry struct {
	set ordered[*ToolDefinition]
	log logrus.FieldLogger
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{log: logrus.StandardLogger()}
}

// Register binds h to def. Re-registering a name replaces the earlier
// definition; the last registration wins.
func (r *ToolRegistry) Register(def ToolDefinition, h ToolHandler) {
	def.handler = h
	def.convention = NamedOnly
	if len(def.ParamNames) > 0 {
		def.ParamNames = append([]string(nil), def.ParamNames...)
		def.convention = PositionalMapped
	}
	if r.set.put(def.Name, &def) {
		r.log.WithField("tool", def.Name).Warn("tool is being redefined")
	}
	r.log.WithFields(logrus.Fields{"tool": def.Name, "convention": def.convention}).Debug("tool registered")
}

func (r *ToolRegistry) Get(name string) (*ToolDefinition, bool) {
	if r == nil {
		return nil, false
	}
	return r.set.get(name)
}

// List yields the definitions in registration order.
func (r *ToolRegistry) List() iter.Seq[*ToolDefinition] { return r.set.all() }

func (r *ToolRegistry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.set.keys)
}

// ResourceRegistry holds resource definitions keyed by URI.
type ResourceRegistry struct {
	set ordered[*ResourceDefinition]
	log logrus.FieldLogger
}

func NewResourceRegistry() *ResourceRegistry {
	return &ResourceRegistry{log: logrus.StandardLogger()}
}

// Register binds h to def; the last registration of a URI wins.
func (r *ResourceRegistry) Register(def ResourceDefinition, h ResourceHandler) {
	def.handler = h
	if r.set.put(def.URI, &def) {
		r.log.WithField("uri", def.URI).Warn("resource is being redefined")
	}
	r.log.WithField("uri", def.URI).Debug("resource registered")
}

func (r *ResourceRegistry) Get(uri string) (*ResourceDefinition, bool) {
	if r == nil {
		return nil, false
	}
	return r.set.get(uri)
}

func (r *ResourceRegistry) List() iter.Seq[*ResourceDefinition] { return r.set.all() }

func (r *ResourceRegistry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.set.keys)
}

// PromptRegistry holds prompt definitions keyed by name.
type PromptRegistry struct {
	set ordered[*PromptDefinition]
	log logrus.FieldLogger
}

func NewPromptRegistry() *PromptRegistry {
	return &PromptRegistry{log: logrus.StandardLogger()}
}

// Register binds h to def; the last registration of a name wins.
func (r *PromptRegistry) Register(def PromptDefinition, h PromptHandler) {
	def.handler = h
	def.Arguments = append([]PromptArgument(nil), def.Arguments...)
	if r.set.put(def.Name, &def) {
		r.log.WithField("prompt", def.Name).Warn("prompt is being redefined")
	}
	r.log.WithField("prompt", def.Name).Debug("prompt registered")
}

func (r *PromptRegistry) Get(name string) (*PromptDefinition, bool) {
	if r == nil {
		return nil, false
	}
	return r.set.get(name)
}

func (r *PromptRegistry) List() iter.Seq[*PromptDefinition] { return r.set.all() }

func (r *PromptRegistry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.set.keys)
}

// Registries groups the three capability registries a server exposes. Any
// member may be nil when the server does not offer that capability.
type Registries struct {
	Tools     *ToolRegistry
	Resources *ResourceRegistry
	Prompts   *PromptRegistry
}

// NewRegistries returns empty registries for all three capabilities.
func NewRegistries() *Registries {
	return &Registries{
		Tools:     NewToolRegistry(),
		Resources: NewResourceRegistry(),
		Prompts:   NewPromptRegistry(),
	}
}

// Provider is a pluggable bundle of tools, resources and prompts.
type Provider interface {
	// Name returns the provider name (e.g., "fs").
	Name() string
	// Install registers the provider's capabilities.
	Install(regs *Registries) error
}

// Factory creates a Provider with implementation-specific options.
type Factory func(opts map[string]any) (Provider, error)

var providers = map[string]Factory{}

// RegisterProvider makes a provider available by name.
func RegisterProvider(name string, f Factory) {
	providers[name] = f
}

// LookupProvider finds a provider factory by name.
func LookupProvider(name string) Factory {
	return providers[name]
}

// Opt reads option k from a factory options map.
func Opt[T any](m map[string]any, k string, def T) T {
	if v, ok := m[k]; ok {
		if cast, ok := v.(T); ok {
			return cast
		}
	}
	return def
}

// OptSlice reads a slice option, accepting []any from JSON-y callers.
func OptSlice[T any](m map[string]any, k string, def []T) []T {
	v, ok := m[k]
	if !ok {
		return def
	}
	switch vv := v.(type) {
	case []T:
		return vv
	case []any:
		out := make([]T, 0, len(vv))
		for _, it := range vv {
			if cast, ok := it.(T); ok {
				out = append(out, cast)
			}
		}
		return out
	default:
		return def
	}
}
