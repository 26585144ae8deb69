package gate

// ResultKind discriminates the permission outcome.
type ResultKind int

const (
	KindAllow ResultKind = iota
	KindAllowWithWarning
	KindDeny
)

// WarningCode identifies an allow-with-warning condition.
type WarningCode string

const (
	WarnAppGracePeriod WarningCode = "APP_GRACE_PERIOD"
	WarnOrgGracePeriod WarningCode = "ORG_GRACE_PERIOD"
)

// ErrorCode identifies a deny condition.
type ErrorCode string

const (
	CodeGraceExpired          ErrorCode = "GRACE_EXPIRED"
	CodeUserNotAuthorized     ErrorCode = "USER_NOT_AUTHORIZED"
	CodeGitEmailRequired      ErrorCode = "GIT_EMAIL_REQUIRED"
	CodeOrgFlagged            ErrorCode = "ORG_FLAGGED"
	CodeSubscriptionCancelled ErrorCode = "SUBSCRIPTION_CANCELLED"
	CodePaymentFailed         ErrorCode = "PAYMENT_FAILED"
	CodeOrgGraceExpired       ErrorCode = "ORG_GRACE_EXPIRED"
)

// Result is the checker's verdict. Deny codes are values, never Go errors:
// only infrastructure failures travel the error path.
type Result struct {
	Kind ResultKind

	// Warning is set for KindAllowWithWarning.
	Warning WarningCode
	// Code is set for KindDeny.
	Code ErrorCode

	// TimeRemaining is milliseconds left in the applicable grace window,
	// present on grace-period warnings.
	TimeRemaining *int64

	// GitEmail echoes the email the outcome applies to, when relevant.
	GitEmail string
}

// Allowed reports whether the request may proceed (with or without a
// warning).
func (r Result) Allowed() bool { return r.Kind != KindDeny }

func allow() Result {
	return Result{Kind: KindAllow}
}

func allowWithWarning(code WarningCode, remainingMs int64, gitEmail string) Result {
	return Result{
		Kind:          KindAllowWithWarning,
		Warning:       code,
		TimeRemaining: &remainingMs,
		GitEmail:      gitEmail,
	}
}

func deny(code ErrorCode) Result {
	return Result{Kind: KindDeny, Code: code}
}

func denyFor(code ErrorCode, gitEmail string) Result {
	return Result{Kind: KindDeny, Code: code, GitEmail: gitEmail}
}
