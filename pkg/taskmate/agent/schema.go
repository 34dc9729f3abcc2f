package agent

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ValidationError reports a misconstructed function schema. These are
// programming errors surfaced at registration time, not runtime failures.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid function schema: %s: %s", e.Field, e.Detail)
}

// Allowed JSON Schema types for function parameters.
var paramTypes = map[string]bool{
	"string":  true,
	"integer": true,
	"number":  true,
	"boolean": true,
	"array":   true,
	"object":  true,
}

// paramSpec is one declared parameter.
type paramSpec struct {
	typ      string
	desc     string
	itemType string
	enum     []string
}

// FunctionBuilder assembles an OpenAI-compatible function declaration.
// Declarations are validated incrementally and serialized deterministically,
// so the same inputs always produce byte-identical schema JSON.
type FunctionBuilder struct {
	name        string
	description string
	params      map[string]paramSpec
	required    map[string]bool
	err         error
}

// NewFunction starts a function declaration. Name and description are
// mandatory: a model cannot pick a tool it cannot read.
func NewFunction(name, description string) *FunctionBuilder {
	b := &FunctionBuilder{
		params:   make(map[string]paramSpec),
		required: make(map[string]bool),
	}
	if name == "" {
		b.err = &ValidationError{Field: "name", Detail: "must not be empty"}
		return b
	}
	if description == "" {
		b.err = &ValidationError{Field: "description", Detail: fmt.Sprintf("must not be empty for function %q", name)}
		return b
	}
	b.name = name
	b.description = description
	return b
}

// Param declares a scalar or object parameter. Redeclaring a name replaces
// the earlier declaration.
func (b *FunctionBuilder) Param(name, typ, description string, required bool) *FunctionBuilder {
	if b.err != nil {
		return b
	}
	if name == "" {
		b.err = &ValidationError{Field: "param", Detail: "parameter name must not be empty"}
		return b
	}
	if !paramTypes[typ] {
		b.err = &ValidationError{Field: name, Detail: fmt.Sprintf("unknown type %q", typ)}
		return b
	}
	if typ == "array" {
		b.err = &ValidationError{Field: name, Detail: "array parameters must declare an item type, use ArrayParam"}
		return b
	}
	b.params[name] = paramSpec{typ: typ, desc: description}
	b.setRequired(name, required)
	return b
}

// ArrayParam declares an array parameter with a required item type.
func (b *FunctionBuilder) ArrayParam(name, itemType, description string, required bool) *FunctionBuilder {
	if b.err != nil {
		return b
	}
	if name == "" {
		b.err = &ValidationError{Field: "param", Detail: "parameter name must not be empty"}
		return b
	}
	if !paramTypes[itemType] {
		b.err = &ValidationError{Field: name, Detail: fmt.Sprintf("unknown array item type %q", itemType)}
		return b
	}
	b.params[name] = paramSpec{typ: "array", desc: description, itemType: itemType}
	b.setRequired(name, required)
	return b
}

// EnumParam declares a string parameter restricted to the given values.
func (b *FunctionBuilder) EnumParam(name, description string, values []string, required bool) *FunctionBuilder {
	if b.err != nil {
		return b
	}
	if name == "" {
		b.err = &ValidationError{Field: "param", Detail: "parameter name must not be empty"}
		return b
	}
	if len(values) == 0 {
		b.err = &ValidationError{Field: name, Detail: "enum must list at least one value"}
		return b
	}
	b.params[name] = paramSpec{typ: "string", desc: description, enum: values}
	b.setRequired(name, required)
	return b
}

// setRequired tracks membership; a redeclare flips the flag both ways.
func (b *FunctionBuilder) setRequired(name string, required bool) {
	if required {
		b.required[name] = true
	} else {
		delete(b.required, name)
	}
}

// Build validates the accumulated declaration and returns the wire-format
// tool definition. The required list is deduplicated and sorted, and the
// parameters object is key-sorted, so Build is deterministic.
func (b *FunctionBuilder) Build() (ToolDefinition, error) {
	if b.err != nil {
		return ToolDefinition{}, b.err
	}

	properties := make(map[string]any, len(b.params))
	for name, p := range b.params {
		prop := map[string]any{"type": p.typ}
		if p.desc != "" {
			prop["description"] = p.desc
		}
		if p.typ == "array" {
			prop["items"] = map[string]any{"type": p.itemType}
		}
		if len(p.enum) > 0 {
			prop["enum"] = p.enum
		}
		properties[name] = prop
	}

	required := make([]string, 0, len(b.required))
	for name := range b.required {
		if _, ok := b.params[name]; !ok {
			return ToolDefinition{}, &ValidationError{Field: name, Detail: "required parameter was never declared"}
		}
		required = append(required, name)
	}
	sort.Strings(required)

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	// json.Marshal emits map keys in sorted order, which keeps the output
	// byte-identical across builds.
	raw, err := json.Marshal(schema)
	if err != nil {
		return ToolDefinition{}, fmt.Errorf("marshaling schema for %q: %w", b.name, err)
	}

	return ToolDefinition{
		Type: "function",
		Function: FunctionDef{
			Name:        b.name,
			Description: b.description,
			Parameters:  raw,
		},
	}, nil
}

// MustBuild is Build for static tool tables assembled at startup.
func (b *FunctionBuilder) MustBuild() ToolDefinition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}
