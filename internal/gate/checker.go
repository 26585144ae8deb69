package gate

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ninjalabs/gatekeeper/internal/metrics"
)

// Checker resolves whether an (application, user) pair is permitted right
// now, running auto-claim side effects along the way.
type Checker struct {
	cache   *Cache
	unknown *UnknownUserLogger
	now     func() time.Time

	gracePeriod     time.Duration
	minimumGraceEnd int64
}

// CheckRequest carries the request-scoped inputs of a permission check.
type CheckRequest struct {
	AppID     string
	Email     string
	Publisher string
	AppName   string
}

// NewChecker creates a checker. gracePeriod applies to both app-level and
// user-level grace; minimumGraceEnd (epoch ms) floors app-level expiry
// only.
func NewChecker(cache *Cache, unknown *UnknownUserLogger, gracePeriod time.Duration, minimumGraceEnd int64) *Checker {
	return &Checker{
		cache:           cache,
		unknown:         unknown,
		now:             time.Now,
		gracePeriod:     gracePeriod,
		minimumGraceEnd: minimumGraceEnd,
	}
}

// Check runs the ordered decision pipeline: unknown app, sponsored,
// orphaned, personal, organization. The first matching guard decides.
// Returned errors are infrastructure failures only; permission outcomes
// travel in the Result.
func (c *Checker) Check(ctx context.Context, req CheckRequest) (Result, error) {
	result, err := c.check(ctx, req)
	if err != nil {
		return result, err
	}
	recordDecision(result)
	return result, nil
}

func (c *Checker) check(ctx context.Context, req CheckRequest) (Result, error) {
	email := normalizeEmail(req.Email)
	nowMs := c.now().UnixMilli()
	graceMs := c.gracePeriod.Milliseconds()

	apps, err := c.cache.GetApps(ctx, []string{req.AppID})
	if err != nil {
		return Result{}, err
	}

	entry, known := apps[req.AppID]
	if !known {
		result, claimed, err := c.tryPublisherClaim(ctx, req, email, nowMs+graceMs)
		if err != nil {
			return Result{}, err
		}
		if claimed {
			return result, nil
		}
		if err := c.cache.AddOrphanedApp(ctx, req.AppID, nowMs+graceMs, req.Publisher, req.AppName); err != nil {
			return Result{}, err
		}
		return allowWithWarning(WarnAppGracePeriod, graceMs, ""), nil
	}

	switch {
	case entry.IsSponsored():
		return allow(), nil

	case entry.IsOrphaned():
		result, claimed, err := c.tryPublisherClaim(ctx, req, email, *entry.FreeUntil)
		if err != nil {
			return Result{}, err
		}
		if claimed {
			return result, nil
		}
		if isGracePeriodExpired(*entry.FreeUntil, c.minimumGraceEnd, nowMs) {
			return deny(CodeGraceExpired), nil
		}
		return allowWithWarning(WarnAppGracePeriod, timeRemaining(*entry.FreeUntil, c.minimumGraceEnd, nowMs), ""), nil

	case entry.IsPersonal():
		if email == "" {
			return deny(CodeGitEmailRequired), nil
		}
		if emailInList(entry.Emails, email) {
			return allow(), nil
		}
		return denyFor(CodeUserNotAuthorized, email), nil

	default:
		return c.checkOrganization(ctx, req.AppID, entry.OwnerID, email)
	}
}

// tryPublisherClaim assigns an unknown or orphaned app to the first
// organization whose settings list the request's publisher, then resolves
// the request against that organization. Iteration is by sorted org id so
// a publisher claimed by several organizations resolves deterministically.
func (c *Checker) tryPublisherClaim(ctx context.Context, req CheckRequest, email string, freeUntil int64) (Result, bool, error) {
	publisher := strings.ToLower(strings.TrimSpace(req.Publisher))
	if publisher == "" {
		return Result{}, false, nil
	}

	settings, err := c.cache.GetSettings(ctx, "")
	if err != nil {
		return Result{}, false, err
	}

	orgIDs := make([]string, 0, len(settings))
	for orgID := range settings {
		orgIDs = append(orgIDs, orgID)
	}
	sort.Strings(orgIDs)

	for _, orgID := range orgIDs {
		if !publisherMatches(settings[orgID].Publishers, publisher) {
			continue
		}
		if err := c.cache.AddOrganizationApp(ctx, req.AppID, orgID, freeUntil, req.Publisher, req.AppName); err != nil {
			return Result{}, false, err
		}
		log.Info().
			Str("appId", req.AppID).
			Str("orgId", orgID).
			Str("publisher", req.Publisher).
			Msg("App auto-claimed by publisher")
		result, err := c.checkOrganization(ctx, req.AppID, orgID, email)
		return result, true, err
	}
	return Result{}, false, nil
}

func publisherMatches(publishers []string, publisher string) bool {
	for _, candidate := range publishers {
		if strings.ToLower(strings.TrimSpace(candidate)) == publisher {
			return true
		}
	}
	return false
}

// checkOrganization resolves membership for an organization-owned app.
// Blocked beats everything, including allowed members.
func (c *Checker) checkOrganization(ctx context.Context, appID, orgID, email string) (Result, error) {
	var (
		members      MemberList
		membersFound bool
		blocked      map[string]BlockedEntry
		settings     map[string]OrgSettings
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if email == "" {
			return nil
		}
		var err error
		members, membersFound, err = c.cache.GetOrgMembers(gctx, orgID, email)
		return err
	})
	g.Go(func() error {
		var err error
		blocked, err = c.cache.GetBlocked(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		settings, err = c.cache.GetSettings(gctx, orgID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	if entry, isBlocked := blocked[orgID]; isBlocked {
		return deny(blockReasonToCode(entry.Reason)), nil
	}

	orgSettings := settings[orgID]
	if orgSettings.Flags&FlagSkipUserCheck != 0 {
		return allow(), nil
	}

	if email == "" {
		return deny(CodeGitEmailRequired), nil
	}
	if !membersFound {
		return deny(CodeUserNotAuthorized), nil
	}
	if emailInList(members.Deny, email) {
		return denyFor(CodeUserNotAuthorized, email), nil
	}
	if emailInList(members.Allow, email) {
		return allow(), nil
	}

	// Domain auto-claim
	if domainMatches(orgSettings.Domains, emailDomain(email)) {
		added, err := c.cache.AddUserToOrganizationAllowList(ctx, orgID, email)
		if err != nil {
			if errors.Is(err, ErrUsersLimitReached) {
				log.Warn().Str("orgId", orgID).Str("email", email).Msg("Domain auto-claim refused: users limit reached")
			} else {
				return Result{}, err
			}
		} else if added.Added {
			log.Info().Str("orgId", orgID).Str("email", email).Msg("User auto-claimed by domain")
			return allow(), nil
		}
	}

	if orgSettings.Flags&FlagDenyUnknownDomains != 0 {
		if err := c.cache.AddUserToOrganizationDenyList(ctx, orgID, email); err != nil {
			return Result{}, err
		}
		return denyFor(CodeUserNotAuthorized, email), nil
	}

	// Unknown user: grant a grace window measured from first sighting.
	firstSeen, err := c.unknown.LogAttempt(ctx, appID, email, orgID)
	if err != nil {
		log.Error().Err(err).Str("orgId", orgID).Str("email", email).Msg("Unknown-user logging failed, denying conservatively")
		return denyFor(CodeUserNotAuthorized, email), nil
	}

	remaining := c.gracePeriod.Milliseconds() - (c.now().UnixMilli() - firstSeen)
	if remaining > 0 {
		return allowWithWarning(WarnOrgGracePeriod, remaining, email), nil
	}
	return denyFor(CodeOrgGraceExpired, email), nil
}

func domainMatches(domains []string, domain string) bool {
	if domain == "" {
		return false
	}
	for _, candidate := range domains {
		if strings.ToLower(strings.TrimSpace(candidate)) == domain {
			return true
		}
	}
	return false
}

func recordDecision(result Result) {
	switch result.Kind {
	case KindAllow:
		metrics.DecisionsTotal.WithLabelValues("allow", "").Inc()
	case KindAllowWithWarning:
		metrics.DecisionsTotal.WithLabelValues("warn", string(result.Warning)).Inc()
	case KindDeny:
		metrics.DecisionsTotal.WithLabelValues("deny", string(result.Code)).Inc()
	}
}
