// Package providers defines the shared connector contract used by the
// Candidate Retriever (C4) and its four concrete search connectors.
package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"briefly/internal/model"
)

// Query describes one provider-bound search request. MaxResults and
// SinceHours are advisory; a connector clamps them to whatever its upstream
// API actually supports.
type Query struct {
	Text       string
	MaxResults int
	SinceHours int
}

// Result is what one connector invocation returns on success.
type Result struct {
	Items   []model.Candidate
	Metrics model.ProviderMetrics
}

// Connector is implemented by every search provider wired into C4. A
// connector failure is isolated by the caller (internal/retrieval) into a
// {failed: true, error} metrics record; it never aborts the retrieval stage.
type Connector interface {
	Name() string
	Search(ctx context.Context, q Query) (Result, error)
}

// DefaultTimeout bounds a single connector HTTP round trip.
const DefaultTimeout = 20 * time.Second

// CandidateID derives the stable {id (hash of URL)} field required by the
// Candidate data model, before any canonicalization has happened.
func CandidateID(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])[:16]
}
