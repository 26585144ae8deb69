// Package gate implements the permission core: the cached read layer over
// the system blobs, the allow/deny/warn decision engine, auto-claim side
// effects, and the per-organization usage logs.
package gate

// Blob document paths. The system:// namespace holds admin-managed state;
// logs:// holds append-only per-organization logs.
const (
	PathAppsMaster    = "system://apps.json"
	PathAppsCache     = "system://cache/apps.json"
	PathOrgMembers    = "system://cache/org-members.json"
	PathBlocked       = "system://cache/blocked.json"
	PathSettings      = "system://cache/settings.json"
	PathOrganizations = "system://organizations.json"
)

// UnknownUsersPath returns the per-org unknown-user attempt log path.
func UnknownUsersPath(orgID string) string {
	return "logs://" + orgID + "_unknown.json"
}

// FeatureLogPath returns the per-org feature activity log path.
func FeatureLogPath(orgID string) string {
	return "logs://" + orgID + "_featureLog.json"
}

// AppRecord is one entry of the master application list.
type AppRecord struct {
	ID        string `json:"id"`
	FreeUntil *int64 `json:"freeUntil,omitempty"`
	OwnerID   string `json:"ownerId,omitempty"`
	OwnerType string `json:"ownerType,omitempty"`
	Publisher string `json:"publisher,omitempty"`
	Name      string `json:"name,omitempty"`
}

// AppEntry is the keyed-view record classifying one application. Exactly
// one classification field is populated; the populated field defines the
// classification.
type AppEntry struct {
	Sponsored bool     `json:"sponsored,omitempty"`
	FreeUntil *int64   `json:"freeUntil,omitempty"`
	Emails    []string `json:"emails,omitempty"`
	OwnerID   string   `json:"ownerId,omitempty"`
	Publisher string   `json:"publisher,omitempty"`
	Name      string   `json:"name,omitempty"`
}

// AppsDoc is the keyed apps cache blob.
type AppsDoc struct {
	UpdatedAt int64               `json:"updatedAt"`
	Apps      map[string]AppEntry `json:"apps"`
}

// MemberList holds one organization's allow/deny email lists. Emails are
// stored lowercase; comparisons are case-insensitive regardless.
type MemberList struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// MembersDoc is the org-members cache blob.
type MembersDoc struct {
	UpdatedAt int64                 `json:"updatedAt"`
	Orgs      map[string]MemberList `json:"orgs"`
}

// Block reasons.
const (
	BlockReasonFlagged               = "flagged"
	BlockReasonSubscriptionCancelled = "subscription_cancelled"
	BlockReasonPaymentFailed         = "payment_failed"
)

// BlockedEntry records why an organization is blocked.
type BlockedEntry struct {
	Reason    string `json:"reason"`
	BlockedAt int64  `json:"blockedAt"`
	Note      string `json:"note,omitempty"`
}

// BlockedDoc is the blocked-organizations blob. Never cached.
type BlockedDoc struct {
	UpdatedAt int64                   `json:"updatedAt"`
	Orgs      map[string]BlockedEntry `json:"orgs"`
}

// Settings flag bits.
const (
	FlagSkipUserCheck      int32 = 1 << 0
	FlagDenyUnknownDomains int32 = 1 << 1
)

// OrgSettings holds per-organization behavior switches and auto-claim
// match lists. Publishers and domains are compared case-insensitively.
type OrgSettings struct {
	Flags      int32    `json:"flags"`
	Publishers []string `json:"publishers,omitempty"`
	Domains    []string `json:"domains,omitempty"`
}

// SettingsDoc is the settings cache blob.
type SettingsDoc struct {
	UpdatedAt int64                  `json:"updatedAt"`
	Orgs      map[string]OrgSettings `json:"orgs"`
}

// Organization is the authoritative roster record. User emails here may
// retain their original casing.
type Organization struct {
	ID          string   `json:"id"`
	Users       []string `json:"users,omitempty"`
	DeniedUsers []string `json:"deniedUsers,omitempty"`
	UsersLimit  int      `json:"usersLimit,omitempty"`
}

// UnknownAttempt is one unknown-user sighting in an organization.
type UnknownAttempt struct {
	Timestamp int64  `json:"timestamp"`
	Email     string `json:"email"`
	AppID     string `json:"appId"`
}

// ActivityEntry is one feature-use record in an organization's log.
type ActivityEntry struct {
	AppID     string `json:"appId"`
	Timestamp int64  `json:"timestamp"`
	Email     string `json:"email"`
	Feature   string `json:"feature"`
}
