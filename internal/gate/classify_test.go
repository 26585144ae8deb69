package gate

import (
	"testing"
)

func int64p(v int64) *int64 { return &v }

func TestClassificationExclusivity(t *testing.T) {
	entries := map[string]AppEntry{
		"sponsored":    {Sponsored: true},
		"orphaned":     {FreeUntil: int64p(1000)},
		"personal":     {Emails: []string{"a@x.io"}},
		"organization": {OwnerID: "org_1"},
		// Upgraded orphan: ownerId wins, freeUntil is historical metadata.
		"claimed": {OwnerID: "org_1", FreeUntil: int64p(1000)},
	}

	for name, entry := range entries {
		t.Run(name, func(t *testing.T) {
			classifications := 0
			if entry.IsSponsored() {
				classifications++
			}
			if entry.IsOrphaned() {
				classifications++
			}
			if entry.IsPersonal() {
				classifications++
			}
			if entry.IsOrganization() && !entry.IsPersonal() && !entry.IsOrphaned() && !entry.IsSponsored() {
				classifications++
			}
			if classifications != 1 {
				t.Errorf("entry %+v matches %d classifications, want exactly 1", entry, classifications)
			}
		})
	}
}

func TestEmailInListCaseInsensitive(t *testing.T) {
	list := []string{"Alice@Contoso.com", "bob@x.io"}

	for _, email := range []string{"alice@contoso.com", "ALICE@CONTOSO.COM", "aLiCe@cOnToSo.CoM"} {
		if !emailInList(list, email) {
			t.Errorf("emailInList should match %q", email)
		}
	}
	if emailInList(list, "carol@x.io") {
		t.Error("emailInList matched an absent email")
	}
	if emailInList(nil, "alice@contoso.com") {
		t.Error("emailInList matched against nil list")
	}
}

func TestEmailDomain(t *testing.T) {
	cases := map[string]string{
		"alice@Contoso.COM":   "contoso.com",
		"a@b@c.io":            "c.io",
		"no-at-sign":          "",
		"trailing@":           "",
		"padded@ contoso.com": "contoso.com",
	}
	for in, want := range cases {
		if got := emailDomain(in); got != want {
			t.Errorf("emailDomain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGraceFloor(t *testing.T) {
	const minEnd = int64(1_000_000)

	// Stored values below the floor behave exactly like the floor.
	for _, stored := range []int64{0, 1, 500_000, minEnd - 1} {
		for _, now := range []int64{minEnd - 10, minEnd, minEnd + 10} {
			if got, want := timeRemaining(stored, minEnd, now), timeRemaining(minEnd, minEnd, now); got != want {
				t.Errorf("timeRemaining(%d) = %d, want %d (floored)", stored, got, want)
			}
			if got, want := isGracePeriodExpired(stored, minEnd, now), isGracePeriodExpired(minEnd, minEnd, now); got != want {
				t.Errorf("isGracePeriodExpired(%d, now=%d) = %v, want %v", stored, now, got, want)
			}
		}
	}

	// Above the floor, stored value governs.
	if got := timeRemaining(minEnd+500, minEnd, minEnd); got != 500 {
		t.Errorf("timeRemaining above floor = %d, want 500", got)
	}
}

func TestGraceExpiryBoundary(t *testing.T) {
	const minEnd = int64(0)

	// Equality is not expired.
	if isGracePeriodExpired(1000, minEnd, 1000) {
		t.Error("grace ending exactly now should not be expired")
	}
	if !isGracePeriodExpired(1000, minEnd, 1001) {
		t.Error("grace ended 1ms ago should be expired")
	}
	if got := timeRemaining(1000, minEnd, 2000); got != 0 {
		t.Errorf("timeRemaining past expiry = %d, want 0", got)
	}
}

func TestBlockReasonToCode(t *testing.T) {
	cases := map[string]ErrorCode{
		BlockReasonFlagged:               CodeOrgFlagged,
		BlockReasonSubscriptionCancelled: CodeSubscriptionCancelled,
		BlockReasonPaymentFailed:         CodePaymentFailed,
		"something_new":                  CodeOrgFlagged,
	}
	for reason, want := range cases {
		if got := blockReasonToCode(reason); got != want {
			t.Errorf("blockReasonToCode(%q) = %s, want %s", reason, got, want)
		}
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := normalizeEmail("  Alice@Contoso.COM  "); got != "alice@contoso.com" {
		t.Errorf("normalizeEmail = %q", got)
	}
}
