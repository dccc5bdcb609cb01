package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
// A cue.Context is not safe for concurrent use, so every evaluation holds the lock.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.Mutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// Register built-in schemas
	sr.registerBuiltInSchemas()

	return sr
}

// registerBuiltInSchemas registers all built-in schemas.
func (sr *SchemaRegistry) registerBuiltInSchemas() {
	for name, schema := range map[string]string{
		"bundle":  builtinBundleSchema,
		"file":    builtinFileSchema,
		"exec":    builtinExecSchema,
		"package": builtinPackageSchema,
		"service": builtinServiceSchema,
		"script":  builtinScriptSchema,
	} {
		if err := sr.RegisterSchema(name, schema); err != nil {
			panic(err)
		}
	}
}

// RegisterSchema registers a CUE schema with the given name.
// The schema source must declare a definition named #Schema.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".schema.cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath("#Schema"))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not declare #Schema", name)
	}

	sr.schemas[name] = def
	return nil
}

// HasSchema reports whether a schema is registered under name.
func (sr *SchemaRegistry) HasSchema(name string) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	_, ok := sr.schemas[name]
	return ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	// Convert data to CUE value
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	// Unify with schema (validates)
	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ValidateParams validates the parameters of a built-in resource type.
func (sr *SchemaRegistry) ValidateParams(resourceType string, params map[string]interface{}) error {
	return sr.ValidateAgainstSchema(resourceType, params)
}

// unify compiles nothing; it unifies an already-built value with a named schema.
// Callers must hold sr.mu.
func (sr *SchemaRegistry) unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.schemas[schemaName]
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	return schema.Unify(val), nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var defaultSchemas = sync.OnceValue(NewSchemaRegistry)

// DefaultSchemas returns the process-wide registry of built-in schemas.
func DefaultSchemas() *SchemaRegistry {
	return defaultSchemas()
}

// Built-in schema definitions

const builtinBundleSchema = `
#Resource: {
	type:        string & != ""
	name?:       string & != ""
	params?:     {...}
	depends_on?: [...string & =~"^[^\\[\\]]+\\[.+\\]$"]
}

#Schema: {
	imports?:   [...string & != ""]
	resources?: [...#Resource] | {[string]: #Resource}
	...
}
`

const builtinFileSchema = `
#Schema: {
	name:    string & =~"^/"
	ensure?: "present" | "absent"
	content?: string
	mode?:   string & =~"^0?[0-7]{3,4}$"
}
`

const builtinExecSchema = `
#Schema: {
	name:     string
	command?: string & != ""
	creates?: string & =~"^/"
	unless?:  string & != ""
	cwd?:     string & =~"^/"
	env?:     {[string]: string}
	timeout?: string | int
}
`

const builtinPackageSchema = `
#Schema: {
	name:     string & =~"^[^-]"
	ensure?:  "present" | "absent" | "latest"
	version?: string & =~"^[^-]"
	manager?: "apt" | "dnf" | "yum" | "zypper"
}
`

const builtinServiceSchema = `
#Schema: {
	name:     string & =~"^[^-]"
	ensure?:  "running" | "stopped"
	enabled?: bool
}
`

const builtinScriptSchema = `
#Schema: {
	name:     string
	program?: string & != ""
	path?:    string & =~"^/"
	timeout?: string | int
	args?:    {...}
}
`
