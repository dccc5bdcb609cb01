package handlers

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
)

const defaultFileMode os.FileMode = 0o644

// FileHandler manages the content and mode of regular files.
//
// Parameters: name (absolute path), ensure (present|absent, default present), content,
// mode (octal string). Without content an existing file keeps its content and a missing
// one is created empty.
type FileHandler struct {
	schemas *config.SchemaRegistry
}

// NewFileHandler creates a file handler.
func NewFileHandler(schemas *config.SchemaRegistry) *FileHandler {
	return &FileHandler{schemas: schemas}
}

// Validate checks the parameters against the file schema.
func (h *FileHandler) Validate(params map[string]interface{}) error {
	if err := h.schemas.ValidateParams(TypeFile, params); err != nil {
		return err
	}
	_, err := parseFileParams(params)
	return err
}

type fileParams struct {
	path       string
	ensure     string
	content    string
	hasContent bool
	mode       os.FileMode
	hasMode    bool
}

func parseFileParams(params map[string]interface{}) (fileParams, error) {
	var p fileParams
	var err error

	if p.path, err = stringParam(params, engine.NameParameter, ""); err != nil {
		return p, err
	}
	if !filepath.IsAbs(p.path) {
		return p, fmt.Errorf("file path %q must be absolute", p.path)
	}
	p.path = filepath.Clean(p.path)

	if p.ensure, err = stringParam(params, "ensure", "present"); err != nil {
		return p, err
	}
	if p.ensure != "present" && p.ensure != "absent" {
		return p, fmt.Errorf("invalid ensure %q", p.ensure)
	}

	if _, ok := params["content"]; ok {
		if p.content, err = stringParam(params, "content", ""); err != nil {
			return p, err
		}
		p.hasContent = true
	}

	mode, err := stringParam(params, "mode", "")
	if err != nil {
		return p, err
	}
	if mode != "" {
		m, err := strconv.ParseUint(mode, 8, 32)
		if err != nil || m > 0o7777 {
			return p, fmt.Errorf("invalid mode %q", mode)
		}
		p.mode = os.FileMode(m)
		p.hasMode = true
	}
	return p, nil
}

// Apply converges the file.
func (h *FileHandler) Apply(ctx context.Context, req *engine.ApplyRequest) (engine.ExecutionResult, error) {
	p, err := parseFileParams(req.Definition.Parameters)
	if err != nil {
		return engine.ExecutionResult{}, err
	}

	info, err := os.Lstat(p.path)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return engine.ExecutionResult{}, fmt.Errorf("failed to stat %s: %w", p.path, err)
	}
	if exists && !info.Mode().IsRegular() {
		return engine.ExecutionResult{}, fmt.Errorf("%s exists and is not a regular file", p.path)
	}

	if p.ensure == "absent" {
		return h.remove(ctx, req, p, exists)
	}
	return h.write(ctx, req, p, info, exists)
}

func (h *FileHandler) remove(ctx context.Context, req *engine.ApplyRequest, p fileParams, exists bool) (engine.ExecutionResult, error) {
	if !exists {
		return engine.ExecutionResult{Success: true, Message: "already absent"}, nil
	}

	diff := "remove " + p.path
	if req.DryRun {
		return engine.ExecutionResult{Success: true, Message: "would remove", Diff: diff}, nil
	}

	if err := req.BackupPath(ctx, p.path); err != nil {
		return engine.ExecutionResult{}, err
	}
	if err := os.Remove(p.path); err != nil {
		return engine.ExecutionResult{}, fmt.Errorf("failed to remove %s: %w", p.path, err)
	}
	return engine.ExecutionResult{Success: true, Message: "removed", Diff: diff}, nil
}

func (h *FileHandler) write(ctx context.Context, req *engine.ApplyRequest, p fileParams, info os.FileInfo, exists bool) (engine.ExecutionResult, error) {
	mode := defaultFileMode
	if exists {
		mode = info.Mode().Perm()
	}
	if p.hasMode {
		mode = p.mode
	}

	var changes []string
	var current []byte
	if exists {
		data, err := os.ReadFile(p.path)
		if err != nil {
			return engine.ExecutionResult{}, fmt.Errorf("failed to read %s: %w", p.path, err)
		}
		current = data

		if p.hasContent {
			before, after := checksum(current), checksum([]byte(p.content))
			if before != after {
				changes = append(changes, fmt.Sprintf("content %s -> %s", before, after))
			}
		}
		if info.Mode().Perm() != mode {
			changes = append(changes, fmt.Sprintf("mode %04o -> %04o", info.Mode().Perm(), mode))
		}
	} else {
		changes = append(changes, fmt.Sprintf("create %s (%04o, %s)", p.path, mode, checksum([]byte(p.content))))
	}

	if len(changes) == 0 {
		return engine.ExecutionResult{Success: true, Message: "up to date"}, nil
	}

	diff := strings.Join(changes, "\n")
	if req.DryRun {
		return engine.ExecutionResult{Success: true, Message: "would update", Diff: diff}, nil
	}

	if err := req.BackupPath(ctx, p.path); err != nil {
		return engine.ExecutionResult{}, err
	}

	content := current
	if p.hasContent || !exists {
		content = []byte(p.content)
	}
	if err := writeFileAtomic(p.path, content, mode); err != nil {
		return engine.ExecutionResult{}, err
	}

	msg := "updated"
	if !exists {
		msg = "created"
	}
	return engine.ExecutionResult{Success: true, Message: msg, Diff: diff}, nil
}

// writeFileAtomic writes through a temporary file in the same directory and renames it
// into place.
func writeFileAtomic(path string, content []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename into place: %w", err)
	}
	return nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("sha256:%x", sum[:6])
}
