package points

import "github.com/google/uuid"

// AuthReason explains an authorization outcome.
type AuthReason string

const (
	AuthOK                 AuthReason = "OK"
	AuthInsufficientPoints AuthReason = "INSUFFICIENT_POINTS"
	AuthUpgradeRequired    AuthReason = "UPGRADE_REQUIRED"
)

// AuthorizationResult is the outcome of the read-only affordability check.
// It is advisory: only Consume's atomic outcome is authoritative.
type AuthorizationResult struct {
	Authorized       bool       `json:"authorized"`
	Cost             int        `json:"cost"`
	Reason           AuthReason `json:"reason"`
	NeedTopup        bool       `json:"needTopup"`
	SuggestedPackIDs []int64    `json:"suggestPackIds"`
}

// OrderTicket is returned when a checkout order is created.
type OrderTicket struct {
	OrderID     uuid.UUID `json:"order_id"`
	CheckoutURL string    `json:"checkout_url"`
	Amount      int       `json:"amount"`
	Points      int       `json:"points"`
}

// WalletInfo is the user-facing wallet summary.
type WalletInfo struct {
	Balance          int  `json:"balance"`
	AutoTopupEnabled bool `json:"auto_topup_enabled"`
	ExpiringSoon     int  `json:"expiring_soon"`
}

// Pagination controls simple list pagination.
type Pagination struct {
	Limit  int
	Offset int
}
