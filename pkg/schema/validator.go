// Package schema compiles and runs JSON Schema validation for work orders,
// prompt contracts, attention templates, and tool call/output payloads.
// Modeled on the teacher's policy firewall (pkg/firewall/firewall.go),
// which compiles one jsonschema.Schema per tool name and validates params
// before dispatch; here the same compile-once-validate-many pattern is
// generalized to named "kinds" instead of tool names.
package schema

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/govkernel/pkg/kernelerrors"
)

// Registry holds compiled schemas keyed by kind (e.g. "work_order.v1",
// "tool_call.create_file", "attention_template.v1").
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewRegistry returns an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles and stores a JSON Schema document under the given
// kind, replacing any previous schema registered under that kind.
func (r *Registry) Register(kind, schemaDoc string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://govkernel.schemas.local/%s.schema.json", kind)
	if err := c.AddResource(url, strings.NewReader(schemaDoc)); err != nil {
		return kernelerrors.Wrap(kernelerrors.KindValidation, "SCHEMA_LOAD_FAILED", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return kernelerrors.Wrap(kernelerrors.KindValidation, "SCHEMA_COMPILE_FAILED", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[kind] = compiled
	return nil
}

// Known reports whether a schema is registered for kind.
func (r *Registry) Known(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[kind]
	return ok
}

// Validate checks payload (already decoded into Go values, e.g. via
// encoding/json into map[string]any) against the schema registered for
// kind. Validating against an unregistered kind fails closed.
func (r *Registry) Validate(kind string, payload any) error {
	r.mu.RLock()
	s, ok := r.schemas[kind]
	r.mu.RUnlock()
	if !ok {
		return kernelerrors.New(kernelerrors.KindValidation, "SCHEMA_UNKNOWN", fmt.Sprintf("no schema registered for kind %q", kind))
	}
	if err := s.Validate(payload); err != nil {
		return kernelerrors.Wrap(kernelerrors.KindOutputInvalid, "SCHEMA_VALIDATION_FAILED", err)
	}
	return nil
}

// Kinds returns the set of registered schema kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for k := range r.schemas {
		out = append(out, k)
	}
	return out
}
