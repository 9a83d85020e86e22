package audithook

// Action constants for audit events.
const (
	// Metering actions
	ActionCreditsConsumed     = "credits.consumed"
	ActionInsufficientCredits = "credits.insufficient"
	ActionUnknownAction       = "action.unknown"

	// Credit actions
	ActionCreditsGranted   = "credits.granted"
	ActionCreditsPurchased = "credits.purchased"
	ActionCreditsRefunded  = "credits.refunded"
	ActionCreditsAdjusted  = "credits.adjusted"

	// Promotional grant actions
	ActionGrantIssued   = "grant.issued"
	ActionGrantRedeemed = "grant.redeemed"

	// Warning actions
	ActionThresholdCrossed = "threshold.crossed"
)

// Resource constants for audit events.
const (
	ResourceTransaction = "transaction"
	ResourceAccount     = "account"
	ResourceAction      = "action"
	ResourceGrant       = "grant"
)

// Category constants for audit events.
const (
	CategoryUsage   = "usage"
	CategoryBilling = "billing"
	CategoryPayment = "payment"
	CategoryAccess  = "access"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
