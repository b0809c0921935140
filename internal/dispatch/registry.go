package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Handler executes one tool call. Argument access goes through Request so
// every handler sees schema-validated input.
type Handler func(ctx context.Context, req *Request) (any, error)

// Request is the validated input of one tool invocation.
type Request struct {
	Tool          string
	Args          json.RawMessage
	Identity      *Identity
	CorrelationID string

	parsed map[string]any
}

// Bind unmarshals the raw arguments into v.
func (r *Request) Bind(v any) error {
	if len(r.Args) == 0 {
		return nil
	}
	return json.Unmarshal(r.Args, v)
}

// String returns the named argument as a string, or "" when absent.
func (r *Request) String(key string) string {
	s, _ := r.parsed[key].(string)
	return s
}

// Float returns the named argument as a float64 with a fallback.
func (r *Request) Float(key string, def float64) float64 {
	if f, ok := r.parsed[key].(float64); ok {
		return f
	}
	return def
}

// Int returns the named argument as an int with a fallback.
func (r *Request) Int(key string, def int) int {
	if f, ok := r.parsed[key].(float64); ok {
		return int(f)
	}
	return def
}

// Bool returns the named argument as a bool with a fallback.
func (r *Request) Bool(key string, def bool) bool {
	if b, ok := r.parsed[key].(bool); ok {
		return b
	}
	return def
}

// Tool is one registered operation.
type Tool struct {
	Name        string
	Description string
	// Capability is the permission the caller must hold.
	Capability string
	// RawSchema is served verbatim on tool listing.
	RawSchema json.RawMessage

	schema  *jsonschema.Schema
	handler Handler
}

// Descriptor is the listing shape of one tool.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Registry holds the tool table. Registration happens at startup; lookups
// are concurrent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register compiles the schema and adds the tool. Duplicate names and
// invalid schemas are programming errors surfaced at startup.
func (r *Registry) Register(name, description, capability, schemaJSON string, h Handler) error {
	var doc any
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		return fmt.Errorf("tool %s: parse schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".json"
	if err := c.AddResource(resource, doc); err != nil {
		return fmt.Errorf("tool %s: add schema resource: %w", name, err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s: already registered", name)
	}
	r.tools[name] = &Tool{
		Name:        name,
		Description: description,
		Capability:  capability,
		RawSchema:   json.RawMessage(schemaJSON),
		schema:      schema,
		handler:     h,
	}
	return nil
}

// Lookup returns the tool or nil.
func (r *Registry) Lookup(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Descriptor{Name: t.Name, Description: t.Description, InputSchema: t.RawSchema})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// validate checks args against the tool schema and returns the decoded
// argument map.
func (t *Tool) validate(args json.RawMessage) (map[string]any, *ToolError) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return nil, &ToolError{Kind: KindValidation, Message: "arguments are not valid JSON", cause: err}
	}
	if err := t.schema.Validate(doc); err != nil {
		return nil, &ToolError{
			Kind:    KindValidation,
			Message: "arguments failed schema validation",
			Details: map[string]any{"schema_error": err.Error()},
			cause:   err,
		}
	}
	parsed, _ := doc.(map[string]any)
	if parsed == nil {
		parsed = map[string]any{}
	}
	return parsed, nil
}
