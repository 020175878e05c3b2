// Package registry is the Tool Registry: an in-memory, load-once catalog
// of tool descriptors. It is the sole source of truth the Planner uses to
// build prompts and the sole authority the Orchestrator uses to resolve a
// node's callable.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/smith-ai/smith/smitherr"
)

// Param describes one entry of a tool's parameter_schema.
type Param struct {
	Type     string      `json:"type" yaml:"type"`
	Required bool        `json:"-" yaml:"-"`
	Default  interface{} `json:"default,omitempty" yaml:"default,omitempty"`
}

// Descriptor is a Tool Descriptor (spec §3): everything the Planner and
// Orchestrator need to know about a tool, built once at startup and
// immutable thereafter.
//
// Both json and yaml tags are required: LoadFile accepts either format and
// yaml.Unmarshal's untagged default (lowercase the bare field name, no
// underscore insertion) would silently leave every snake_case descriptor
// field like function_id/output_type unpopulated otherwise.
type Descriptor struct {
	Name                 string                 `json:"name" yaml:"name"`
	Description          string                 `json:"description" yaml:"description"`
	FunctionID           string                 `json:"function_id" yaml:"function_id"`
	Dangerous            bool                   `json:"dangerous" yaml:"dangerous"`
	Domain               string                 `json:"domain" yaml:"domain"`
	OutputType           string                 `json:"output_type" yaml:"output_type"`
	Parameters           map[string]interface{} `json:"parameters" yaml:"parameters"`
	Resources            []string               `json:"resources,omitempty" yaml:"resources,omitempty"`
	DefaultTimeout       time.Duration          `json:"-" yaml:"-"`
	DefaultTimeoutSec    float64                `json:"default_timeout,omitempty" yaml:"default_timeout,omitempty"`
	DefaultRateInterval  time.Duration          `json:"-" yaml:"-"`
	DefaultRateIntervalS float64                `json:"default_rate_interval,omitempty" yaml:"default_rate_interval,omitempty"`
	Notes                string                 `json:"notes,omitempty" yaml:"notes,omitempty"`

	// Extra holds descriptor-file fields not listed above. LoadFile does
	// not populate it: unknown fields are dropped during decoding, so
	// Extra is empty unless a caller fills it.
	Extra map[string]json.RawMessage `json:"-" yaml:"-"`

	schema *jsonschema.Schema
}

// Schema returns the compiled JSON-schema validator for this descriptor's
// parameters, built once at Registry construction time.
func (d *Descriptor) Schema() *jsonschema.Schema { return d.schema }

// ParamNames returns the names present in properties, for validation
// messages and Planner prompt rendering.
func (d *Descriptor) ParamNames() []string {
	props, _ := d.Parameters["properties"].(map[string]interface{})
	names := make([]string, 0, len(props))
	for k := range props {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// RequiredParams returns the names listed under parameters.required.
func (d *Descriptor) RequiredParams() []string {
	raw, _ := d.Parameters["required"].([]interface{})
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// ParamType reports the declared JSON-schema type of parameter name, if any.
func (d *Descriptor) ParamType(name string) (string, bool) {
	props, _ := d.Parameters["properties"].(map[string]interface{})
	entry, ok := props[name].(map[string]interface{})
	if !ok {
		return "", false
	}
	t, ok := entry["type"].(string)
	return t, ok
}

// Registry is the in-memory, read-only-after-init tool catalog.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*Descriptor
}

// New builds a Registry from already-decoded descriptors, compiling each
// one's parameter schema exactly once so Lookup never recompiles.
func New(descriptors []*Descriptor) (*Registry, error) {
	r := &Registry{descriptors: make(map[string]*Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if d.Name == "" {
			return nil, smitherr.New(smitherr.CodeValidationFailed, "tool descriptor missing name")
		}
		if _, exists := r.descriptors[d.Name]; exists {
			return nil, smitherr.New(smitherr.CodeValidationFailed, fmt.Sprintf("duplicate tool name %q", d.Name))
		}
		if d.FunctionID == "" {
			return nil, smitherr.New(smitherr.CodeValidationFailed, fmt.Sprintf("tool %q missing function_id", d.Name))
		}
		if d.Parameters == nil {
			d.Parameters = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}, "required": []interface{}{}}
		}
		schema, err := compileSchema(d.Name, d.Parameters)
		if err != nil {
			return nil, smitherr.Wrap(smitherr.CodeValidationFailed, fmt.Sprintf("tool %q parameter schema", d.Name), err)
		}
		d.schema = schema
		if d.DefaultTimeoutSec > 0 {
			d.DefaultTimeout = time.Duration(d.DefaultTimeoutSec * float64(time.Second))
		}
		if d.DefaultRateIntervalS > 0 {
			d.DefaultRateInterval = time.Duration(d.DefaultRateIntervalS * float64(time.Second))
		}
		r.descriptors[d.Name] = d
	}
	return r, nil
}

func compileSchema(name string, params map[string]interface{}) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	resourceID := "smith://tool/" + name
	if err := c.AddResource(resourceID, params); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// Lookup returns the descriptor for name, or ErrToolNotFound.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", smitherr.ErrToolNotFound, name)
	}
	return d, nil
}

// ListAll returns every descriptor, sorted by name for deterministic
// prompt rendering.
func (r *Registry) ListAll() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// WithoutTool returns a new Registry sharing every descriptor except name.
// Used by the sub-agent coordinator to strip `sub_agent` from a spawned
// instance's registry and so bound recursion (spec.md §4.7).
func (r *Registry) WithoutTool(name string) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := &Registry{descriptors: make(map[string]*Descriptor, len(r.descriptors))}
	for k, d := range r.descriptors {
		if k == name {
			continue
		}
		out.descriptors[k] = d
	}
	return out
}
