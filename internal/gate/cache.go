package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ninjalabs/gatekeeper/internal/blobstore"
	"github.com/ninjalabs/gatekeeper/internal/metrics"
)

// Write-path errors. Both indicate configuration drift rather than a bad
// request.
var (
	ErrOrganizationNotFound = errors.New("organization not found")
	ErrUsersLimitReached    = errors.New("organization users limit reached")
)

// Cache names accepted by Invalidate.
const (
	blobApps     = "apps"
	blobMembers  = "members"
	blobSettings = "settings"
)

// Cache serves the three cached system blobs (apps keyed view, org
// members, settings) from in-memory snapshots with TTL plus miss-driven
// refresh, and funnels writes through the blob store before invalidating
// the affected snapshot. The blocked blob is deliberately never cached.
type Cache struct {
	store blobstore.Store
	now   func() time.Time

	sf singleflight.Group

	mu             sync.Mutex
	ttl            time.Duration
	apps           *AppsDoc
	appsLoaded     time.Time
	members        *MembersDoc
	membersLoaded  time.Time
	settings       *SettingsDoc
	settingsLoaded time.Time
}

// NewCache creates a cache over store with the given snapshot TTL.
func NewCache(store blobstore.Store, ttl time.Duration) *Cache {
	return &Cache{
		store: store,
		ttl:   ttl,
		now:   time.Now,
	}
}

// SetTTL overrides the snapshot TTL. Test hook.
func (c *Cache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
}

// Clear drops all snapshots. Test hook.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apps = nil
	c.members = nil
	c.settings = nil
}

// Invalidate drops one snapshot so the next read refreshes.
func (c *Cache) Invalidate(blob string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch blob {
	case blobApps:
		c.apps = nil
	case blobMembers:
		c.members = nil
	case blobSettings:
		c.settings = nil
	}
}

// GetApps returns the keyed apps view, refreshing when the snapshot is
// stale or when any requested id is absent from it. The returned map is
// shared; callers must not mutate it.
func (c *Cache) GetApps(ctx context.Context, ids []string) (map[string]AppEntry, error) {
	c.mu.Lock()
	snap, loadedAt, ttl := c.apps, c.appsLoaded, c.ttl
	c.mu.Unlock()

	trigger := ""
	switch {
	case snap == nil:
		trigger = "cold"
	case c.now().Sub(loadedAt) >= ttl:
		trigger = "ttl"
	case !containsAllApps(snap.Apps, ids):
		// A missing key may mean admin state changed since the load.
		// No negative caching: every lookup of a missing key re-reads.
		trigger = "miss"
	}
	if trigger == "" {
		metrics.CacheHitTotal.WithLabelValues(blobApps).Inc()
		return snap.Apps, nil
	}

	doc, err := c.refreshApps(ctx, trigger)
	if err != nil {
		return nil, err
	}
	return doc.Apps, nil
}

// GetOrgMembers returns the member lists for orgID. The snapshot is only
// considered valid for this lookup when the org is present and, if email
// is non-empty, the lowercased email appears in either list.
func (c *Cache) GetOrgMembers(ctx context.Context, orgID, email string) (MemberList, bool, error) {
	email = normalizeEmail(email)

	c.mu.Lock()
	snap, loadedAt, ttl := c.members, c.membersLoaded, c.ttl
	c.mu.Unlock()

	trigger := ""
	switch {
	case snap == nil:
		trigger = "cold"
	case c.now().Sub(loadedAt) >= ttl:
		trigger = "ttl"
	case !membersContain(snap.Orgs, orgID, email):
		trigger = "miss"
	}
	if trigger == "" {
		metrics.CacheHitTotal.WithLabelValues(blobMembers).Inc()
		members, ok := snap.Orgs[orgID]
		return members, ok, nil
	}

	doc, err := c.refreshMembers(ctx, trigger)
	if err != nil {
		return MemberList{}, false, err
	}
	members, ok := doc.Orgs[orgID]
	return members, ok, nil
}

// GetSettings returns per-org settings. A non-empty orgID participates in
// the miss rule: when it is absent from the snapshot, a refresh absorbs
// any recent external write. The returned map is shared; callers must not
// mutate it.
func (c *Cache) GetSettings(ctx context.Context, orgID string) (map[string]OrgSettings, error) {
	c.mu.Lock()
	snap, loadedAt, ttl := c.settings, c.settingsLoaded, c.ttl
	c.mu.Unlock()

	trigger := ""
	switch {
	case snap == nil:
		trigger = "cold"
	case c.now().Sub(loadedAt) >= ttl:
		trigger = "ttl"
	case orgID != "" && !settingsContain(snap.Orgs, orgID):
		trigger = "miss"
	}
	if trigger == "" {
		metrics.CacheHitTotal.WithLabelValues(blobSettings).Inc()
		return snap.Orgs, nil
	}

	doc, err := c.refreshSettings(ctx, trigger)
	if err != nil {
		return nil, err
	}
	return doc.Orgs, nil
}

// GetBlocked reads the blocked-organizations blob. Always fresh: a block
// must take effect on the next request, so this store is never cached.
func (c *Cache) GetBlocked(ctx context.Context) (map[string]BlockedEntry, error) {
	raw, found, err := c.store.Read(ctx, PathBlocked)
	if err != nil {
		return nil, err
	}
	doc := BlockedDoc{Orgs: map[string]BlockedEntry{}}
	if found {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", PathBlocked, err)
		}
		if doc.Orgs == nil {
			doc.Orgs = map[string]BlockedEntry{}
		}
	}
	return doc.Orgs, nil
}

// Refresh plumbing. One in-flight refresh per blob; concurrent callers
// attach to the existing flight and share its result. On failure the
// stale snapshot stays in place and the error reaches every waiter.

func (c *Cache) refreshApps(ctx context.Context, trigger string) (*AppsDoc, error) {
	v, err, _ := c.sf.Do(blobApps, func() (any, error) {
		metrics.CacheRefreshTotal.WithLabelValues(blobApps, trigger).Inc()
		raw, found, err := c.store.Read(ctx, PathAppsCache)
		if err != nil {
			return nil, err
		}
		doc := &AppsDoc{Apps: map[string]AppEntry{}}
		if found {
			if err := json.Unmarshal(raw, doc); err != nil {
				return nil, fmt.Errorf("decode %s: %w", PathAppsCache, err)
			}
			if doc.Apps == nil {
				doc.Apps = map[string]AppEntry{}
			}
		}
		c.mu.Lock()
		c.apps = doc
		c.appsLoaded = c.now()
		c.mu.Unlock()
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*AppsDoc), nil
}

func (c *Cache) refreshMembers(ctx context.Context, trigger string) (*MembersDoc, error) {
	v, err, _ := c.sf.Do(blobMembers, func() (any, error) {
		metrics.CacheRefreshTotal.WithLabelValues(blobMembers, trigger).Inc()
		raw, found, err := c.store.Read(ctx, PathOrgMembers)
		if err != nil {
			return nil, err
		}
		doc := &MembersDoc{Orgs: map[string]MemberList{}}
		if found {
			if err := json.Unmarshal(raw, doc); err != nil {
				return nil, fmt.Errorf("decode %s: %w", PathOrgMembers, err)
			}
			if doc.Orgs == nil {
				doc.Orgs = map[string]MemberList{}
			}
		}
		c.mu.Lock()
		c.members = doc
		c.membersLoaded = c.now()
		c.mu.Unlock()
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*MembersDoc), nil
}

func (c *Cache) refreshSettings(ctx context.Context, trigger string) (*SettingsDoc, error) {
	v, err, _ := c.sf.Do(blobSettings, func() (any, error) {
		metrics.CacheRefreshTotal.WithLabelValues(blobSettings, trigger).Inc()
		raw, found, err := c.store.Read(ctx, PathSettings)
		if err != nil {
			return nil, err
		}
		doc := &SettingsDoc{Orgs: map[string]OrgSettings{}}
		if found {
			if err := json.Unmarshal(raw, doc); err != nil {
				return nil, fmt.Errorf("decode %s: %w", PathSettings, err)
			}
			if doc.Orgs == nil {
				doc.Orgs = map[string]OrgSettings{}
			}
		}
		c.mu.Lock()
		c.settings = doc
		c.settingsLoaded = c.now()
		c.mu.Unlock()
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*SettingsDoc), nil
}

// Writes. Each mutates the authoritative blob(s) through an optimistic
// update and then invalidates the in-memory snapshot so the next read
// observes the change.

// AddOrphanedApp records a first-seen app in the master list and keyed
// view. If the id already exists in the master list the original entry
// (including its freeUntil) is preserved, and the keyed view mirrors that
// original grace end.
func (c *Cache) AddOrphanedApp(ctx context.Context, id string, freeUntil int64, publisher, name string) error {
	publisher = strings.TrimSpace(publisher)
	name = strings.TrimSpace(name)

	var outcome struct{ freeUntil int64 }
	_, err := c.store.OptimisticUpdate(ctx, PathAppsMaster, func(current json.RawMessage) (json.RawMessage, error) {
		outcome = struct{ freeUntil int64 }{freeUntil: freeUntil}

		var list []AppRecord
		if current != nil {
			if err := json.Unmarshal(current, &list); err != nil {
				return nil, fmt.Errorf("decode %s: %w", PathAppsMaster, err)
			}
		}
		for _, rec := range list {
			if rec.ID == id {
				// freeUntil is immutable once written.
				if rec.FreeUntil != nil {
					outcome.freeUntil = *rec.FreeUntil
				}
				return current, nil
			}
		}
		fu := freeUntil
		list = append(list, AppRecord{ID: id, FreeUntil: &fu, Publisher: publisher, Name: name})
		return json.Marshal(list)
	})
	if err != nil {
		return err
	}

	effectiveFreeUntil := outcome.freeUntil
	_, err = c.store.OptimisticUpdate(ctx, PathAppsCache, func(current json.RawMessage) (json.RawMessage, error) {
		doc, err := decodeAppsDoc(current)
		if err != nil {
			return nil, err
		}
		fu := effectiveFreeUntil
		doc.Apps[id] = AppEntry{FreeUntil: &fu, Publisher: publisher}
		doc.UpdatedAt = c.now().UnixMilli()
		return json.Marshal(doc)
	})
	if err != nil {
		return err
	}

	c.Invalidate(blobApps)
	return nil
}

// AddOrganizationApp inserts an organization-owned app or upgrades an
// existing (typically orphaned) entry in place, preserving its original
// freeUntil and back-filling publisher/name when empty.
func (c *Cache) AddOrganizationApp(ctx context.Context, id, orgID string, freeUntil int64, publisher, name string) error {
	publisher = strings.TrimSpace(publisher)
	name = strings.TrimSpace(name)

	_, err := c.store.OptimisticUpdate(ctx, PathAppsMaster, func(current json.RawMessage) (json.RawMessage, error) {
		var list []AppRecord
		if current != nil {
			if err := json.Unmarshal(current, &list); err != nil {
				return nil, fmt.Errorf("decode %s: %w", PathAppsMaster, err)
			}
		}
		for i := range list {
			if list[i].ID != id {
				continue
			}
			rec := &list[i]
			rec.OwnerID = orgID
			rec.OwnerType = "organization"
			rec.Publisher = strings.TrimSpace(rec.Publisher)
			if rec.Publisher == "" {
				rec.Publisher = publisher
			}
			rec.Name = strings.TrimSpace(rec.Name)
			if rec.Name == "" {
				rec.Name = name
			}
			return json.Marshal(list)
		}
		fu := freeUntil
		list = append(list, AppRecord{
			ID:        id,
			OwnerID:   orgID,
			OwnerType: "organization",
			Publisher: publisher,
			Name:      name,
			FreeUntil: &fu,
		})
		return json.Marshal(list)
	})
	if err != nil {
		return err
	}

	_, err = c.store.OptimisticUpdate(ctx, PathAppsCache, func(current json.RawMessage) (json.RawMessage, error) {
		doc, err := decodeAppsDoc(current)
		if err != nil {
			return nil, err
		}
		doc.Apps[id] = AppEntry{OwnerID: orgID}
		doc.UpdatedAt = c.now().UnixMilli()
		return json.Marshal(doc)
	})
	if err != nil {
		return err
	}

	c.Invalidate(blobApps)
	return nil
}

// AllowListResult reports what an allow-list write actually did.
type AllowListResult struct {
	Added          bool
	AlreadyPresent bool
}

// AddUserToOrganizationAllowList appends email to the org's authoritative
// user roster (removing it from deniedUsers if present) and mirrors the
// change into the membership cache blob. The roster keeps the original
// casing; the cache stores lowercase. Empty email is a no-op.
func (c *Cache) AddUserToOrganizationAllowList(ctx context.Context, orgID, email string) (AllowListResult, error) {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return AllowListResult{}, nil
	}
	lower := strings.ToLower(trimmed)

	var outcome AllowListResult
	_, err := c.store.OptimisticUpdate(ctx, PathOrganizations, func(current json.RawMessage) (json.RawMessage, error) {
		outcome = AllowListResult{}

		orgs, idx, err := findOrganization(current, orgID)
		if err != nil {
			return nil, err
		}
		org := &orgs[idx]
		org.DeniedUsers = removeEmail(org.DeniedUsers, lower)
		if emailInList(org.Users, lower) {
			outcome.AlreadyPresent = true
			return json.Marshal(orgs)
		}
		if org.UsersLimit > 0 && len(org.Users) >= org.UsersLimit {
			return nil, ErrUsersLimitReached
		}
		org.Users = append(org.Users, trimmed)
		outcome.Added = true
		return json.Marshal(orgs)
	})
	if err != nil {
		return AllowListResult{}, err
	}

	_, err = c.store.OptimisticUpdate(ctx, PathOrgMembers, func(current json.RawMessage) (json.RawMessage, error) {
		doc, err := decodeMembersDoc(current)
		if err != nil {
			return nil, err
		}
		members := doc.Orgs[orgID]
		members.Deny = removeEmail(members.Deny, lower)
		if !emailInList(members.Allow, lower) {
			members.Allow = append(members.Allow, lower)
		}
		doc.Orgs[orgID] = members
		doc.UpdatedAt = c.now().UnixMilli()
		return json.Marshal(doc)
	})
	if err != nil {
		return AllowListResult{}, err
	}

	c.Invalidate(blobMembers)
	return outcome, nil
}

// AddUserToOrganizationDenyList appends email to the org's deniedUsers
// (leaving users untouched) and mirrors it into the membership cache.
func (c *Cache) AddUserToOrganizationDenyList(ctx context.Context, orgID, email string) error {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return nil
	}
	lower := strings.ToLower(trimmed)

	_, err := c.store.OptimisticUpdate(ctx, PathOrganizations, func(current json.RawMessage) (json.RawMessage, error) {
		orgs, idx, err := findOrganization(current, orgID)
		if err != nil {
			return nil, err
		}
		org := &orgs[idx]
		if !emailInList(org.DeniedUsers, lower) {
			org.DeniedUsers = append(org.DeniedUsers, trimmed)
		}
		return json.Marshal(orgs)
	})
	if err != nil {
		return err
	}

	_, err = c.store.OptimisticUpdate(ctx, PathOrgMembers, func(current json.RawMessage) (json.RawMessage, error) {
		doc, err := decodeMembersDoc(current)
		if err != nil {
			return nil, err
		}
		members := doc.Orgs[orgID]
		if !emailInList(members.Deny, lower) {
			members.Deny = append(members.Deny, lower)
		}
		doc.Orgs[orgID] = members
		doc.UpdatedAt = c.now().UnixMilli()
		return json.Marshal(doc)
	})
	if err != nil {
		return err
	}

	c.Invalidate(blobMembers)
	return nil
}

// Helpers

func containsAllApps(apps map[string]AppEntry, ids []string) bool {
	for _, id := range ids {
		if _, ok := apps[id]; !ok {
			return false
		}
	}
	return true
}

func membersContain(orgs map[string]MemberList, orgID, email string) bool {
	members, ok := orgs[orgID]
	if !ok {
		return false
	}
	if email == "" {
		return true
	}
	return emailInList(members.Allow, email) || emailInList(members.Deny, email)
}

func settingsContain(orgs map[string]OrgSettings, orgID string) bool {
	_, ok := orgs[orgID]
	return ok
}

func decodeAppsDoc(current json.RawMessage) (*AppsDoc, error) {
	doc := &AppsDoc{Apps: map[string]AppEntry{}}
	if current != nil {
		if err := json.Unmarshal(current, doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", PathAppsCache, err)
		}
		if doc.Apps == nil {
			doc.Apps = map[string]AppEntry{}
		}
	}
	return doc, nil
}

func decodeMembersDoc(current json.RawMessage) (*MembersDoc, error) {
	doc := &MembersDoc{Orgs: map[string]MemberList{}}
	if current != nil {
		if err := json.Unmarshal(current, doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", PathOrgMembers, err)
		}
		if doc.Orgs == nil {
			doc.Orgs = map[string]MemberList{}
		}
	}
	return doc, nil
}

func findOrganization(current json.RawMessage, orgID string) ([]Organization, int, error) {
	if current == nil {
		return nil, 0, ErrOrganizationNotFound
	}
	var orgs []Organization
	if err := json.Unmarshal(current, &orgs); err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", PathOrganizations, err)
	}
	for i := range orgs {
		if orgs[i].ID == orgID {
			return orgs, i, nil
		}
	}
	return nil, 0, ErrOrganizationNotFound
}

func removeEmail(list []string, email string) []string {
	out := list[:0]
	for _, candidate := range list {
		if !strings.EqualFold(candidate, email) {
			out = append(out, candidate)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
