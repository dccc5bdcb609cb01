package config

import (
	"fmt"
	"strings"

	"github.com/openfroyo/converge/pkg/engine"
)

// BundleConfig is the decoded top level of a CUE bundle.
type BundleConfig struct {
	// Imports are references to other bundles, relative to this one or absolute.
	Imports []string `json:"imports,omitempty" validate:"dive,required"`

	// Resources are the declared resources, in declaration order.
	Resources []ResourceConfig `json:"resources,omitempty" validate:"dive"`
}

// ResourceConfig represents a resource declaration from CUE.
type ResourceConfig struct {
	// Type is the resource type (e.g., "file", "package").
	Type string `json:"type" validate:"required"`

	// Name identifies the resource within its type. When resources are declared as a
	// struct, the field label is used if name is omitted.
	Name string `json:"name" validate:"required"`

	// Params are the handler parameters.
	Params map[string]interface{} `json:"params,omitempty"`

	// DependsOn lists references written as type[name].
	DependsOn []string `json:"depends_on,omitempty" validate:"dive,required"`
}

// ToDefinition converts the declaration into an engine definition.
func (rc ResourceConfig) ToDefinition() (engine.Definition, error) {
	deps := make([]engine.Ref, 0, len(rc.DependsOn))
	for _, d := range rc.DependsOn {
		ref, err := engine.ParseRef(d)
		if err != nil {
			return engine.Definition{}, err
		}
		deps = append(deps, ref)
	}
	return engine.NewDefinition(rc.Type, rc.Name, rc.Params, deps...), nil
}

// ValidationError represents a configuration error with its position, if known.
type ValidationError struct {
	// File is the bundle the error was found in.
	File string `json:"file,omitempty"`

	// Line is the 1-based line number.
	Line int `json:"line,omitempty"`

	// Column is the 1-based column number.
	Column int `json:"column,omitempty"`

	// Path is the configuration path (e.g., "resources[2].depends_on").
	Path string `json:"path,omitempty"`

	// Message describes the problem.
	Message string `json:"message"`
}

// Error implements the error interface.
func (ve ValidationError) Error() string {
	var sb strings.Builder
	if ve.File != "" {
		sb.WriteString(ve.File)
		if ve.Line > 0 {
			fmt.Fprintf(&sb, ":%d:%d", ve.Line, ve.Column)
		}
		sb.WriteString(": ")
	}
	if ve.Path != "" {
		sb.WriteString(ve.Path)
		sb.WriteString(": ")
	}
	sb.WriteString(ve.Message)
	return sb.String()
}
