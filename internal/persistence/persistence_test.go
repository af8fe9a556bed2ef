package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"briefly/internal/model"
)

func TestFSStoreRoundTripsArtifact(t *testing.T) {
	dir := t.TempDir()
	s := NewFSStore(filepath.Join(dir, "outputs"), filepath.Join(dir, "normalized"))
	ctx := context.Background()

	type payload struct {
		Count int `json:"count"`
	}
	if err := s.WriteArtifact(ctx, "run-1", KindOutline, payload{Count: 3}); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	var out payload
	if err := s.ReadArtifact(ctx, "run-1", KindOutline, &out); err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if out.Count != 3 {
		t.Fatalf("expected count 3, got %d", out.Count)
	}
}

func TestFSStoreReadMissingArtifactReturnsErrNotFound(t *testing.T) {
	dir := t.TempDir()
	s := NewFSStore(filepath.Join(dir, "outputs"), filepath.Join(dir, "normalized"))

	var out map[string]any
	err := s.ReadArtifact(context.Background(), "run-missing", KindArticle, &out)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFSStoreRoundTripsNormalizedArticle(t *testing.T) {
	dir := t.TempDir()
	s := NewFSStore(filepath.Join(dir, "outputs"), filepath.Join(dir, "normalized"))
	ctx := context.Background()

	article := model.NormalizedArticle{ID: "abc123", Title: "A headline", CanonicalURL: "https://example.com/a"}
	if err := s.WriteNormalized(ctx, article.ID, article); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	got, err := s.ReadNormalized(ctx, "abc123")
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if got.Title != "A headline" {
		t.Fatalf("expected round-tripped title, got %q", got.Title)
	}
}

func TestFSStoreSeparatesRunsByID(t *testing.T) {
	dir := t.TempDir()
	s := NewFSStore(filepath.Join(dir, "outputs"), filepath.Join(dir, "normalized"))
	ctx := context.Background()

	if err := s.WriteArtifact(ctx, "run-a", KindSourceCatalog, map[string]int{"v": 1}); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if err := s.WriteArtifact(ctx, "run-b", KindSourceCatalog, map[string]int{"v": 2}); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	var a, b map[string]int
	if err := s.ReadArtifact(ctx, "run-a", KindSourceCatalog, &a); err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if err := s.ReadArtifact(ctx, "run-b", KindSourceCatalog, &b); err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if a["v"] != 1 || b["v"] != 2 {
		t.Fatalf("expected runs to be isolated, got a=%v b=%v", a, b)
	}
}

func TestNoneStoreWritesAreNoOpsAndReadsAreNotFound(t *testing.T) {
	s := NoneStore{}
	ctx := context.Background()

	if err := s.WriteArtifact(ctx, "run-1", KindArticle, map[string]string{"x": "y"}); err != nil {
		t.Fatalf("expected nil error from no-op write, got %v", err)
	}

	var out map[string]string
	if err := s.ReadArtifact(ctx, "run-1", KindArticle, &out); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.WriteNormalized(ctx, "abc", model.NormalizedArticle{ID: "abc"}); err != nil {
		t.Fatalf("expected nil error from no-op write, got %v", err)
	}
	if _, err := s.ReadNormalized(ctx, "abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewSelectsBackendByMode(t *testing.T) {
	dir := t.TempDir()
	fs := New(ModeFS, filepath.Join(dir, "outputs"), filepath.Join(dir, "normalized"))
	if _, ok := fs.(*FSStore); !ok {
		t.Fatalf("expected *FSStore for ModeFS, got %T", fs)
	}

	none := New(ModeNone, "", "")
	if _, ok := none.(NoneStore); !ok {
		t.Fatalf("expected NoneStore for ModeNone, got %T", none)
	}
}
