package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"

	"github.com/openfroyo/converge/pkg/modules"
)

// CUEParser parses and validates CUE bundles.
// It implements modules.Decoder.
type CUEParser struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewCUEParser creates a new CUE parser backed by the built-in schemas.
func NewCUEParser() *CUEParser {
	return NewCUEParserWithSchemas(DefaultSchemas())
}

// NewCUEParserWithSchemas creates a parser that validates against the given registry.
func NewCUEParserWithSchemas(schemas *SchemaRegistry) *CUEParser {
	return &CUEParser{
		schemas:   schemas,
		validator: validator.New(),
	}
}

// Decode parses one bundle. Errors are aggregated: every problem in the bundle is
// reported, each with its position where CUE provides one.
func (cp *CUEParser) Decode(loc modules.Location, data []byte) (*modules.Bundle, error) {
	cfg, err := cp.parse(loc.String(), data)
	if err != nil {
		return nil, err
	}

	bundle := &modules.Bundle{Imports: cfg.Imports}
	var result *multierror.Error
	for i, rc := range cfg.Resources {
		def, err := rc.ToDefinition()
		if err != nil {
			result = multierror.Append(result, ValidationError{
				File:    loc.String(),
				Path:    fmt.Sprintf("resources[%d].depends_on", i),
				Message: err.Error(),
			})
			continue
		}
		bundle.Definitions = append(bundle.Definitions, def)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return bundle, nil
}

// ParseFile parses a local bundle file without following its imports.
func (cp *CUEParser) ParseFile(path string) (*BundleConfig, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return cp.parse(abs, data)
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(content string) (*BundleConfig, error) {
	return cp.parse("inline", []byte(content))
}

// ExportJSON compiles a bundle and exports it to indented JSON.
func (cp *CUEParser) ExportJSON(filename string, data []byte) ([]byte, error) {
	cp.schemas.mu.Lock()
	defer cp.schemas.mu.Unlock()

	val := cp.schemas.ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, cueError(filename, val, err)
	}

	var out interface{}
	if err := val.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return json.MarshalIndent(out, "", "  ")
}

// parse compiles, validates and extracts a bundle.
func (cp *CUEParser) parse(filename string, data []byte) (*BundleConfig, error) {
	cp.schemas.mu.Lock()
	defer cp.schemas.mu.Unlock()

	val := cp.schemas.ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, cueError(filename, val, err)
	}

	unified, err := cp.schemas.unify("bundle", val)
	if err != nil {
		return nil, err
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(filename, val, err)
	}

	return cp.extractBundle(filename, unified)
}

// extractBundle extracts the bundle configuration from a CUE value.
func (cp *CUEParser) extractBundle(filename string, val cue.Value) (*BundleConfig, error) {
	cfg := &BundleConfig{}
	var errs []ValidationError

	importsVal := val.LookupPath(cue.ParsePath("imports"))
	if importsVal.Exists() {
		if err := importsVal.Decode(&cfg.Imports); err != nil {
			errs = append(errs, ValidationError{
				File:    filename,
				Path:    "imports",
				Message: fmt.Sprintf("failed to decode imports: %v", err),
			})
		}
	}

	// Resources can be either a map or a list
	resourcesVal := val.LookupPath(cue.ParsePath("resources"))
	if resourcesVal.Exists() {
		switch resourcesVal.IncompleteKind() {
		case cue.StructKind:
			iter, err := resourcesVal.Fields()
			if err != nil {
				errs = append(errs, ValidationError{
					File:    filename,
					Path:    "resources",
					Message: fmt.Sprintf("failed to iterate resources: %v", err),
				})
				break
			}
			for iter.Next() {
				label := iter.Selector().Unquoted()
				resource, err := cp.extractResource(label, iter.Value())
				if err != nil {
					errs = append(errs, resourceError(filename, "resources."+label, iter.Value(), err))
					continue
				}
				cfg.Resources = append(cfg.Resources, resource)
			}
		case cue.ListKind:
			list, err := resourcesVal.List()
			if err != nil {
				errs = append(errs, ValidationError{
					File:    filename,
					Path:    "resources",
					Message: fmt.Sprintf("failed to list resources: %v", err),
				})
				break
			}
			for idx := 0; list.Next(); idx++ {
				resource, err := cp.extractResource("", list.Value())
				if err != nil {
					errs = append(errs, resourceError(filename, fmt.Sprintf("resources[%d]", idx), list.Value(), err))
					continue
				}
				cfg.Resources = append(cfg.Resources, resource)
			}
		default:
			errs = append(errs, ValidationError{
				File:    filename,
				Path:    "resources",
				Message: "resources must be a list or a struct",
			})
		}
	}

	if len(errs) > 0 {
		return nil, aggregate(errs)
	}

	if err := cp.validator.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%s: validation failed: %w", filename, err)
	}
	return cfg, nil
}

// extractResource extracts a resource configuration from a CUE value.
func (cp *CUEParser) extractResource(label string, val cue.Value) (ResourceConfig, error) {
	var resource ResourceConfig

	if err := val.Decode(&resource); err != nil {
		return resource, fmt.Errorf("failed to decode resource: %w", err)
	}

	// If the name is provided as key and not in value, use the key
	if resource.Name == "" && label != "" {
		resource.Name = label
	}

	if err := cp.validator.Struct(resource); err != nil {
		return resource, fmt.Errorf("validation failed: %w", err)
	}

	return resource, nil
}

func resourceError(filename, path string, val cue.Value, err error) ValidationError {
	ve := ValidationError{File: filename, Path: path, Message: err.Error()}
	if pos := val.Pos(); pos.IsValid() {
		ve.Line = pos.Line()
		ve.Column = pos.Column()
	}
	return ve
}

// convertCUEErrors converts CUE errors to ValidationErrors located in filename.
// Errors that CUE reports without a position in the bundle, such as a failed
// disjunction, are placed at the closest enclosing field of the bundle value.
func convertCUEErrors(filename string, val cue.Value, err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		path := userPath(e.Path())

		format, args := e.Msg()
		ve := ValidationError{
			File:    filename,
			Path:    strings.Join(path, "."),
			Message: fmt.Sprintf(format, args...),
		}

		for _, pos := range errors.Positions(e) {
			if pos.IsValid() && pos.Filename() == filename {
				ve.Line = pos.Line()
				ve.Column = pos.Column()
				break
			}
		}
		if ve.Line == 0 {
			if pos := enclosingPos(val, path); pos.IsValid() {
				ve.Line = pos.Line()
				ve.Column = pos.Column()
			}
		}

		validationErrors = append(validationErrors, ve)
	}

	return validationErrors
}

// userPath drops the schema definition selectors that unification prefixes to paths.
func userPath(path []string) []string {
	for len(path) > 0 && strings.HasPrefix(path[0], "#") {
		path = path[1:]
	}
	return path
}

// enclosingPos returns the position of the deepest existing value along path.
func enclosingPos(val cue.Value, path []string) token.Pos {
	if !val.Exists() {
		return token.NoPos
	}
	pos := val.Pos()
	cur := val
	for _, sel := range path {
		next := cur.LookupPath(cue.MakePath(selector(sel)))
		if !next.Exists() {
			break
		}
		if p := next.Pos(); p.IsValid() {
			pos = p
		}
		cur = next
	}
	return pos
}

func selector(sel string) cue.Selector {
	if i, err := strconv.Atoi(sel); err == nil {
		return cue.Index(i)
	}
	return cue.Str(sel)
}

func cueError(filename string, val cue.Value, err error) error {
	if errs := convertCUEErrors(filename, val, err); len(errs) > 0 {
		return aggregate(errs)
	}
	return err
}

func aggregate(errs []ValidationError) error {
	var result *multierror.Error
	for _, ve := range errs {
		result = multierror.Append(result, ve)
	}
	return result.ErrorOrNil()
}
