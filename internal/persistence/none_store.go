package persistence

import (
	"context"

	"briefly/internal/model"
)

// NoneStore discards every write and reports every read as not found. It
// backs the serverless-host deployment mode, where a run's artifacts live
// only in the SSE stream sent to the caller.
type NoneStore struct{}

func (NoneStore) WriteArtifact(ctx context.Context, runID, kind string, data any) error {
	return nil
}

func (NoneStore) ReadArtifact(ctx context.Context, runID, kind string, out any) error {
	return ErrNotFound
}

func (NoneStore) WriteNormalized(ctx context.Context, articleID string, article model.NormalizedArticle) error {
	return nil
}

func (NoneStore) ReadNormalized(ctx context.Context, articleID string) (model.NormalizedArticle, error) {
	return model.NormalizedArticle{}, ErrNotFound
}
