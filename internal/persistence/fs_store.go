package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"briefly/internal/model"
)

// FSStore writes each artifact as its own JSON file under outputsDir, and
// each normalized article under normalizedDir, per the spec's artifact
// layout table.
type FSStore struct {
	outputsDir    string
	normalizedDir string
}

// NewFSStore returns an FSStore rooted at outputsDir and normalizedDir.
// Directories are created lazily on first write.
func NewFSStore(outputsDir, normalizedDir string) *FSStore {
	return &FSStore{outputsDir: outputsDir, normalizedDir: normalizedDir}
}

func (s *FSStore) WriteArtifact(ctx context.Context, runID, kind string, data any) error {
	dir := filepath.Join(s.outputsDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persistence: create run dir: %w", err)
	}
	return writeJSON(filepath.Join(dir, kind+".json"), data)
}

func (s *FSStore) ReadArtifact(ctx context.Context, runID, kind string, out any) error {
	path := filepath.Join(s.outputsDir, runID, kind+".json")
	return readJSON(path, out)
}

func (s *FSStore) WriteNormalized(ctx context.Context, articleID string, article model.NormalizedArticle) error {
	if err := os.MkdirAll(s.normalizedDir, 0o755); err != nil {
		return fmt.Errorf("persistence: create normalized dir: %w", err)
	}
	return writeJSON(filepath.Join(s.normalizedDir, articleID+".json"), article)
}

func (s *FSStore) ReadNormalized(ctx context.Context, articleID string) (model.NormalizedArticle, error) {
	var article model.NormalizedArticle
	path := filepath.Join(s.normalizedDir, articleID+".json")
	err := readJSON(path, &article)
	return article, err
}

func writeJSON(path string, data any) error {
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("persistence: write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, out any) error {
	payload, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("persistence: read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("persistence: unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}
