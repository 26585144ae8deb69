package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ninjalabs/gatekeeper/internal/blobstore"
	"github.com/ninjalabs/gatekeeper/internal/metrics"
)

// ActivityLogger appends feature-use entries to the owning organization's
// activity log. Only organization-owned apps produce entries; sponsored,
// orphaned, personal, and unknown apps are silently skipped. Append
// failures are logged and never surfaced to callers.
type ActivityLogger struct {
	cache *Cache
	store blobstore.Store
	now   func() time.Time
}

// NewActivityLogger creates a logger using cache for app classification
// and store for the log appends.
func NewActivityLogger(cache *Cache, store blobstore.Store) *ActivityLogger {
	return &ActivityLogger{cache: cache, store: store, now: time.Now}
}

// LogActivity records one feature use for appID.
func (l *ActivityLogger) LogActivity(ctx context.Context, appID, email, feature string) {
	apps, err := l.cache.GetApps(ctx, []string{appID})
	if err != nil {
		log.Error().Err(err).Str("appId", appID).Msg("Activity logging: apps lookup failed")
		return
	}
	entry, ok := apps[appID]
	if !ok || !entry.IsOrganization() {
		return
	}

	batch := []ActivityEntry{{
		AppID:     appID,
		Timestamp: l.now().UnixMilli(),
		Email:     strings.ToLower(strings.TrimSpace(email)),
		Feature:   feature,
	}}
	if err := l.appendBatch(ctx, entry.OwnerID, batch); err != nil {
		log.Error().Err(err).Str("orgId", entry.OwnerID).Str("appId", appID).Msg("Activity logging failed")
	}
}

// LogTouchActivity records one feature use per organization-owned app in
// appIDs, grouped by owner. A single apps lookup covers all ids, and each
// org's batch shares one timestamp. Batches are written in parallel.
func (l *ActivityLogger) LogTouchActivity(ctx context.Context, appIDs []string, email, feature string) {
	if len(appIDs) == 0 {
		return
	}

	apps, err := l.cache.GetApps(ctx, appIDs)
	if err != nil {
		log.Error().Err(err).Int("apps", len(appIDs)).Msg("Touch activity: apps lookup failed")
		return
	}

	lower := strings.ToLower(strings.TrimSpace(email))
	timestamp := l.now().UnixMilli()

	batches := make(map[string][]ActivityEntry)
	for _, appID := range appIDs {
		entry, ok := apps[appID]
		if !ok || !entry.IsOrganization() {
			continue
		}
		batches[entry.OwnerID] = append(batches[entry.OwnerID], ActivityEntry{
			AppID:     appID,
			Timestamp: timestamp,
			Email:     lower,
			Feature:   feature,
		})
	}

	var wg sync.WaitGroup
	for orgID, batch := range batches {
		wg.Add(1)
		go func(orgID string, batch []ActivityEntry) {
			defer wg.Done()
			if err := l.appendBatch(ctx, orgID, batch); err != nil {
				log.Error().Err(err).Str("orgId", orgID).Int("entries", len(batch)).Msg("Touch activity logging failed")
			}
		}(orgID, batch)
	}
	wg.Wait()
}

func (l *ActivityLogger) appendBatch(ctx context.Context, orgID string, batch []ActivityEntry) error {
	path := FeatureLogPath(orgID)
	_, err := l.store.OptimisticUpdate(ctx, path, func(current json.RawMessage) (json.RawMessage, error) {
		var entries []ActivityEntry
		if current != nil {
			if err := json.Unmarshal(current, &entries); err != nil {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
		}
		return json.Marshal(append(entries, batch...))
	})
	if err != nil {
		return err
	}
	metrics.ActivityEntriesTotal.Add(float64(len(batch)))
	return nil
}
