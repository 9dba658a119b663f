package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Exporter writes published page documents under the site output root. One
// directory per project, one JSON document per page slug.
type Exporter struct {
	root   string
	logger *log.Logger
}

func NewExporter(root string, logger *log.Logger) (*Exporter, error) {
	if logger == nil {
		logger = log.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve site root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create site root: %w", err)
	}
	return &Exporter{root: abs, logger: logger}, nil
}

// Publish writes the final document for one page. The slug is confined to
// the project directory; anything that escapes it is rejected.
func (e *Exporter) Publish(ctx context.Context, projectID, slug string, doc json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := e.pagePath(projectID, slug)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create page directory: %w", err)
	}

	// Write through a temp file so a crash never leaves a torn document.
	tmp, err := os.CreateTemp(filepath.Dir(target), ".page-*")
	if err != nil {
		return fmt.Errorf("create temp page file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(doc); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write page document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close page document: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("finalize page document: %w", err)
	}
	e.logger.Printf("published page project=%s slug=%s path=%s", projectID, slug, target)
	return nil
}

func (e *Exporter) pagePath(projectID, slug string) (string, error) {
	if projectID == "" || slug == "" {
		return "", fmt.Errorf("project id and slug are required")
	}
	cleaned := filepath.Clean(strings.TrimPrefix(slug, "/"))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("slug %q escapes the site root", slug)
	}
	projectDir := filepath.Join(e.root, filepath.Base(projectID))
	target := filepath.Join(projectDir, cleaned+".json")
	rel, err := filepath.Rel(projectDir, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("slug %q escapes the site root", slug)
	}
	return target, nil
}
