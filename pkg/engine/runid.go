package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const runIDTimeFormat = "20060102T150405Z"

// NewRunID returns a fresh run identifier.
// The timestamp prefix keeps run directories sorted by creation time; the UUID suffix
// makes the identifier unique across concurrent runs.
func NewRunID() string {
	return time.Now().UTC().Format(runIDTimeFormat) + "-" + uuid.New().String()
}

// ValidateRunID checks that id can be used as a single path element.
func ValidateRunID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("run id is empty")
	case id == "." || id == "..":
		return fmt.Errorf("invalid run id %q", id)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("invalid run id %q: contains a path separator", id)
	case strings.ContainsRune(id, 0):
		return fmt.Errorf("invalid run id %q: contains a NUL byte", id)
	}
	return nil
}

type runIDKey struct{}

// ContextWithRunID returns a context carrying the run identifier.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run identifier carried by ctx, if any.
func RunIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey{}).(string); ok {
		return id
	}
	return ""
}
