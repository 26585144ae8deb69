package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ninjalabs/gatekeeper/internal/blobstore"
	"github.com/ninjalabs/gatekeeper/internal/metrics"
)

// UnknownUserLogger appends unknown-user sightings to the per-org attempt
// log. The earliest entry for an email is the source of truth for when
// that user's grace period started.
type UnknownUserLogger struct {
	store blobstore.Store
	now   func() time.Time
}

// NewUnknownUserLogger creates a logger over store.
func NewUnknownUserLogger(store blobstore.Store) *UnknownUserLogger {
	return &UnknownUserLogger{store: store, now: time.Now}
}

// LogAttempt records one sighting of email on appID within orgID and
// returns the earliest recorded timestamp for that email in the org
// (which is the timestamp just written when this is the first sighting).
// Duplicates are permitted; the log is never deduplicated.
func (l *UnknownUserLogger) LogAttempt(ctx context.Context, appID, email, orgID string) (int64, error) {
	lower := strings.ToLower(strings.TrimSpace(email))
	entry := UnknownAttempt{
		Timestamp: l.now().UnixMilli(),
		Email:     lower,
		AppID:     appID,
	}

	path := UnknownUsersPath(orgID)
	updated, err := l.store.OptimisticUpdate(ctx, path, func(current json.RawMessage) (json.RawMessage, error) {
		var attempts []UnknownAttempt
		if current != nil {
			if err := json.Unmarshal(current, &attempts); err != nil {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
		}
		return json.Marshal(append(attempts, entry))
	})
	if err != nil {
		return 0, err
	}

	var attempts []UnknownAttempt
	if err := json.Unmarshal(updated, &attempts); err != nil {
		return 0, fmt.Errorf("decode %s: %w", path, err)
	}

	metrics.UnknownUserAttemptsTotal.Inc()

	earliest := entry.Timestamp
	for _, attempt := range attempts {
		if strings.ToLower(attempt.Email) == lower && attempt.Timestamp < earliest {
			earliest = attempt.Timestamp
		}
	}
	return earliest, nil
}
