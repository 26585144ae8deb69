package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ninjalabs/gatekeeper/internal/blobstore"
	"github.com/ninjalabs/gatekeeper/internal/gate"
)

type serverFixture struct {
	store   *blobstore.MemoryStore
	server  *Server
	private bool
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{store: blobstore.NewMemoryStore()}
	cache := gate.NewCache(f.store, 15*time.Minute)
	checker := gate.NewChecker(cache, gate.NewUnknownUserLogger(f.store), 15*24*time.Hour, 0)
	activity := gate.NewActivityLogger(cache, f.store)
	g := NewPermissionGate(checker, func() bool { return f.private })
	f.server = NewServer(f.store, g, NewSequenceService(f.store, activity))
	return f
}

func (f *serverFixture) request(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func sponsoredHeaders(appID string) map[string]string {
	return map[string]string{HeaderAppID: appID}
}

func (f *serverFixture) seedSponsored(appIDs ...string) {
	apps := make(map[string]gate.AppEntry, len(appIDs))
	for _, id := range appIDs {
		apps[id] = gate.AppEntry{Sponsored: true}
	}
	f.store.Seed(gate.PathAppsCache, gate.AppsDoc{UpdatedAt: time.Now().UnixMilli(), Apps: apps})
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)

	rec := f.request(http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHealthzStorageDown(t *testing.T) {
	f := newServerFixture(t)
	f.store.FailReads(errors.New("down"))

	rec := f.request(http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newServerFixture(t)

	rec := f.request(http.MethodGet, "/metrics", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSequenceNextAllocatesMonotonically(t *testing.T) {
	f := newServerFixture(t)
	f.seedSponsored("app-A")

	for want := int64(1); want <= 3; want++ {
		rec := f.request(http.MethodPost, "/api/sequence/next", "", sponsoredHeaders("app-A"))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp sequenceNextResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "app-A", resp.AppID)
		assert.Equal(t, want, resp.Value)
	}

	var counters map[string]int64
	require.True(t, f.store.Get(PathSequences, &counters))
	assert.Equal(t, int64(3), counters["app-A"])
}

func TestSequenceNextIsolatedPerApp(t *testing.T) {
	f := newServerFixture(t)
	f.seedSponsored("app-A", "app-B")

	f.request(http.MethodPost, "/api/sequence/next", "", sponsoredHeaders("app-A"))
	f.request(http.MethodPost, "/api/sequence/next", "", sponsoredHeaders("app-A"))
	rec := f.request(http.MethodPost, "/api/sequence/next", "", sponsoredHeaders("app-B"))

	var resp sequenceNextResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Value, "counters are per application")
}

func TestSequenceNextMethodNotAllowed(t *testing.T) {
	f := newServerFixture(t)
	f.seedSponsored("app-A")

	rec := f.request(http.MethodGet, "/api/sequence/next", "", sponsoredHeaders("app-A"))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSequenceNextLogsOrganizationActivity(t *testing.T) {
	f := newServerFixture(t)
	f.store.Seed(gate.PathAppsCache, gate.AppsDoc{
		UpdatedAt: time.Now().UnixMilli(),
		Apps:      map[string]gate.AppEntry{"app-org": {OwnerID: "org_1"}},
	})
	f.store.Seed(gate.PathOrgMembers, gate.MembersDoc{
		UpdatedAt: time.Now().UnixMilli(),
		Orgs:      map[string]gate.MemberList{"org_1": {Allow: []string{"u@x.io"}}},
	})
	f.store.Seed(gate.PathSettings, gate.SettingsDoc{
		UpdatedAt: time.Now().UnixMilli(),
		Orgs:      map[string]gate.OrgSettings{"org_1": {}},
	})

	rec := f.request(http.MethodPost, "/api/sequence/next", "", map[string]string{
		HeaderAppID:    "app-org",
		HeaderGitEmail: "U@X.io",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []gate.ActivityEntry
	require.True(t, f.store.Get(gate.FeatureLogPath("org_1"), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "app-org", entries[0].AppID)
	assert.Equal(t, "u@x.io", entries[0].Email)
	assert.Equal(t, "sequence", entries[0].Feature)
}

func TestSequenceNextWarningSurfacesInResponse(t *testing.T) {
	f := newServerFixture(t)
	freeUntil := time.Now().Add(time.Hour).UnixMilli()
	f.store.Seed(gate.PathAppsCache, gate.AppsDoc{
		UpdatedAt: time.Now().UnixMilli(),
		Apps:      map[string]gate.AppEntry{"app-o": {FreeUntil: &freeUntil}},
	})

	rec := f.request(http.MethodPost, "/api/sequence/next", "", sponsoredHeaders("app-o"))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Value   int64 `json:"value"`
		Warning *struct {
			Code string `json:"code"`
		} `json:"warning"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Value)
	require.NotNil(t, body.Warning)
	assert.Equal(t, "APP_GRACE_PERIOD", body.Warning.Code)
}

func TestSequenceReconcileNeverMovesBackwards(t *testing.T) {
	f := newServerFixture(t)
	f.seedSponsored("app-A")
	f.store.Seed(PathSequences, map[string]int64{"app-A": 5})

	rec := f.request(http.MethodPost, "/api/sequence/reconcile",
		`{"counters":{"app-A":3,"app-B":9}}`, sponsoredHeaders("app-A"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp sequenceReconcileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(5), resp.Counters["app-A"], "reported lower value must not rewind")
	assert.Equal(t, int64(9), resp.Counters["app-B"])
}

func TestSequenceReconcileBadBody(t *testing.T) {
	f := newServerFixture(t)
	f.seedSponsored("app-A")

	rec := f.request(http.MethodPost, "/api/sequence/reconcile", "{", sponsoredHeaders("app-A"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSequenceNextPrivateMode(t *testing.T) {
	f := newServerFixture(t)
	f.private = true

	rec := f.request(http.MethodPost, "/api/sequence/next", "", sponsoredHeaders("app-A"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp sequenceNextResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Value)
	assert.Equal(t, 0, f.store.ReadCount(gate.PathAppsCache))
}
