package modules

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

// Bundle is the decoded content of one module.
type Bundle struct {
	// Imports are references to other bundles, resolved against this bundle's location.
	Imports []string

	// Definitions are the resources declared by this bundle, in declaration order.
	Definitions []engine.Definition
}

// Decoder turns raw bundle bytes into a Bundle.
type Decoder interface {
	Decode(loc Location, data []byte) (*Bundle, error)
}

// DecoderFunc adapts a function to a Decoder.
type DecoderFunc func(loc Location, data []byte) (*Bundle, error)

// Decode calls f.
func (f DecoderFunc) Decode(loc Location, data []byte) (*Bundle, error) {
	return f(loc, data)
}

// Result is the outcome of loading a module tree.
type Result struct {
	// Definitions are every definition in load order, each tagged with its source.
	Definitions []engine.Definition

	// Locations are the loaded bundles in load order.
	Locations []Location
}

// Loader walks a module and its imports.
type Loader struct {
	fetcher Fetcher
	decoder Decoder
	logger  zerolog.Logger
}

// NewLoader creates a loader.
func NewLoader(fetcher Fetcher, decoder Decoder, logger zerolog.Logger) *Loader {
	return &Loader{
		fetcher: fetcher,
		decoder: decoder,
		logger:  logger.With().Str("component", "loader").Logger(),
	}
}

// Load reads root and, depth first, everything it imports.
// Every location is loaded once. Imported definitions precede the definitions of the
// bundle that imports them, so the result is in a stable declaration order.
func (l *Loader) Load(ctx context.Context, root Location) (*Result, error) {
	result := &Result{}
	visited := make(map[Location]bool)

	var visit func(loc Location, from Location) error
	visit = func(loc Location, from Location) error {
		if visited[loc] {
			return nil
		}
		visited[loc] = true

		if err := ctx.Err(); err != nil {
			return err
		}

		data, err := l.fetcher.Fetch(ctx, loc)
		if err != nil {
			if !from.IsZero() {
				return fmt.Errorf("failed to load %s (imported by %s): %w", loc, from, err)
			}
			return fmt.Errorf("failed to load %s: %w", loc, err)
		}

		bundle, err := l.decoder.Decode(loc, data)
		if err != nil {
			return fmt.Errorf("failed to decode %s: %w", loc, err)
		}

		for _, ref := range bundle.Imports {
			child, err := Resolve(loc, ref)
			if err != nil {
				return fmt.Errorf("failed to resolve import %q in %s: %w", ref, loc, err)
			}
			if err := visit(child, loc); err != nil {
				return err
			}
		}

		for _, def := range bundle.Definitions {
			result.Definitions = append(result.Definitions, def.WithSource(loc.String()))
		}
		result.Locations = append(result.Locations, loc)

		l.logger.Debug().
			Str("location", loc.String()).
			Int("imports", len(bundle.Imports)).
			Int("definitions", len(bundle.Definitions)).
			Msg("Loaded module")
		return nil
	}

	if err := visit(root, Location{}); err != nil {
		return nil, err
	}
	return result, nil
}
