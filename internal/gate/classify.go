package gate

import "strings"

// IsSponsored reports whether the app skips all checks.
func (e AppEntry) IsSponsored() bool { return e.Sponsored }

// IsOrphaned reports whether the app is unclaimed and inside (or past) its
// grace period: a freeUntil with no owner.
func (e AppEntry) IsOrphaned() bool { return e.FreeUntil != nil && e.OwnerID == "" }

// IsPersonal reports whether the app is bound to specific emails.
func (e AppEntry) IsPersonal() bool { return len(e.Emails) > 0 }

// IsOrganization reports whether the app is organization-owned.
func (e AppEntry) IsOrganization() bool { return e.OwnerID != "" }

// emailInList reports whether email appears in list, case-insensitively.
func emailInList(list []string, email string) bool {
	for _, candidate := range list {
		if strings.EqualFold(candidate, email) {
			return true
		}
	}
	return false
}

// normalizeEmail trims and lowercases an email for storage and comparison.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// emailDomain returns the part after the last '@', lowercased, or "" when
// the input is not an address.
func emailDomain(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(email[at+1:]))
}

// effectiveFreeUntil floors a stored freeUntil to the configured minimum
// grace end. Read-time only; stored values are never rewritten.
func effectiveFreeUntil(freeUntil, minimumGraceEnd int64) int64 {
	if freeUntil < minimumGraceEnd {
		return minimumGraceEnd
	}
	return freeUntil
}

// isGracePeriodExpired reports whether the floored grace end has passed.
// Equality is not expired.
func isGracePeriodExpired(freeUntil, minimumGraceEnd, nowMs int64) bool {
	return effectiveFreeUntil(freeUntil, minimumGraceEnd) < nowMs
}

// timeRemaining returns milliseconds left in the floored grace window,
// clamped at zero.
func timeRemaining(freeUntil, minimumGraceEnd, nowMs int64) int64 {
	remaining := effectiveFreeUntil(freeUntil, minimumGraceEnd) - nowMs
	if remaining < 0 {
		return 0
	}
	return remaining
}

// blockReasonToCode maps a block reason to the deny code surfaced to
// clients. Unrecognized reasons fall back to ORG_FLAGGED.
func blockReasonToCode(reason string) ErrorCode {
	switch reason {
	case BlockReasonFlagged:
		return CodeOrgFlagged
	case BlockReasonSubscriptionCancelled:
		return CodeSubscriptionCancelled
	case BlockReasonPaymentFailed:
		return CodePaymentFailed
	default:
		return CodeOrgFlagged
	}
}
