// Package blobstore provides named JSON documents with atomic reads and
// optimistic, version-checked updates.
package blobstore

import (
	"context"
	"encoding/json"
	"errors"
)

// Sentinel errors surfaced by store implementations.
var (
	// ErrContention is returned when an optimistic update exhausts its
	// retry budget without winning a version race.
	ErrContention = errors.New("storage contention")

	// ErrUnavailable is returned when the underlying store cannot be
	// reached or a read fails outright.
	ErrUnavailable = errors.New("storage unavailable")
)

// Transform produces the replacement document from the current one.
// current is nil when the document does not exist yet.
//
// Transforms may run more than once when an update races; they must be
// pure. Callers that need to observe a side condition ("was the email
// already present?") close over an outcome record and reset it at the top
// of the transform so retries do not accumulate stale state.
type Transform func(current json.RawMessage) (json.RawMessage, error)

// Store is the façade over named JSON documents.
type Store interface {
	// Read returns a point-in-time snapshot of the document, or
	// found=false when it does not exist.
	Read(ctx context.Context, path string) (data json.RawMessage, found bool, err error)

	// OptimisticUpdate applies transform to the current document and
	// writes the result conditionally on the version observed by the
	// read. On conflict the whole cycle retries from scratch; after the
	// retry budget it fails with ErrContention.
	OptimisticUpdate(ctx context.Context, path string, transform Transform) (json.RawMessage, error)

	Close() error
}

// maxUpdateRetries bounds the optimistic retry loop.
const maxUpdateRetries = 16
