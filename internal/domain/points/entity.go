package points

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Reason classifies a ledger entry.
type Reason string

const (
	ReasonPurchase     Reason = "purchase"
	ReasonDeduct       Reason = "deduct"
	ReasonRefund       Reason = "refund"
	ReasonExpire       Reason = "expire"
	ReasonGift         Reason = "gift"
	ReasonMonthlyGrant Reason = "monthly_grant"
	ReasonCarryover    Reason = "carryover"
)

// Mode selects the per-unit price of a usage.
type Mode string

const (
	ModeOneClick Mode = "oneclick"
	ModeChat     Mode = "chat"
)

// OrderStatus represents the order state machine: pending -> paid | failed.
// Both paid and failed are terminal.
type OrderStatus string

const (
	OrderPending OrderStatus = "pending"
	OrderPaid    OrderStatus = "paid"
	OrderFailed  OrderStatus = "failed"
)

// LedgerEntry is a signed, reason-coded point record. Delta is written once
// and never changes; Remaining tracks the unconsumed portion of credit
// entries and is the only field ever updated in place. Debit and expiry
// entries carry Remaining = 0 and reference the entry they negate via RefID.
type LedgerEntry struct {
	ID        uuid.UUID      `db:"id"`
	UserID    string         `db:"user_id"`
	Delta     int            `db:"delta"`
	Remaining int            `db:"remaining"`
	Reason    Reason         `db:"reason"`
	RefID     sql.NullString `db:"ref_id"`
	ExpireAt  sql.NullTime   `db:"expire_at"`
	CreatedAt time.Time      `db:"created_at"`
}

// Expired reports whether the entry's validity window has passed.
// Entries without an expiry never expire.
func (e *LedgerEntry) Expired(now time.Time) bool {
	return e.ExpireAt.Valid && !e.ExpireAt.Time.After(now)
}

// Spendable reports whether the entry still holds consumable credit.
func (e *LedgerEntry) Spendable(now time.Time) bool {
	return e.Delta > 0 && e.Remaining > 0 && !e.Expired(now)
}

// Wallet is the cached per-user balance projection. The ledger is the source
// of truth; Balance is recomputed after every mutation and any divergence is
// a consistency bug.
type Wallet struct {
	UserID           string        `db:"user_id"`
	Balance          int           `db:"balance"`
	AutoTopupEnabled bool          `db:"auto_topup_enabled"`
	AutoTopupPackID  sql.NullInt64 `db:"auto_topup_pack_id"`
	UpdatedAt        time.Time     `db:"updated_at"`
}

// PointPack is a purchasable credit SKU. Credits bought through a pack
// expire ValidDays after the order is paid.
type PointPack struct {
	ID        int64     `db:"pack_id"`
	Name      string    `db:"name"`
	Points    int       `db:"points"`
	Price     int       `db:"price"`
	ValidDays int       `db:"valid_days"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
}

// Order is a purchase attempt for a point pack.
type Order struct {
	ID        uuid.UUID    `db:"order_id"`
	UserID    string       `db:"user_id"`
	PackID    int64        `db:"pack_id"`
	PricePaid int          `db:"price_paid"`
	Status    OrderStatus  `db:"status"`
	Provider  string       `db:"provider"`
	CreatedAt time.Time    `db:"created_at"`
	PaidAt    sql.NullTime `db:"paid_at"`
}

// Plan is a read-only fact supplied by the external billing system.
// The engine consumes plan limits as constraints; it does not manage
// subscription lifecycle.
type Plan struct {
	ID            int64     `db:"plan_id"`
	Name          string    `db:"name"`
	MonthlyPoints int       `db:"monthly_points"`
	BatchLimit    int       `db:"batch_limit"`
	RolesLimit    int       `db:"roles_limit"`
	IsActive      bool      `db:"is_active"`
	CreatedAt     time.Time `db:"created_at"`
}

// Subscription links a user to a plan. Read-only here.
type Subscription struct {
	PlanID    int64        `db:"plan_id"`
	UserID    string       `db:"user_id"`
	RenewAt   sql.NullTime `db:"renew_at"`
	Status    string       `db:"status"`
	CreatedAt time.Time    `db:"created_at"`
}

// ExpiryNotice names a user whose credits are about to expire.
type ExpiryNotice struct {
	UserID string `db:"user_id"`
	Points int    `db:"points"`
}

// DefaultPacks seeds the pack catalog on fresh deployments.
var DefaultPacks = []PointPack{
	{Name: "Starter", Points: 300, Price: 399, ValidDays: 180, IsActive: true},
	{Name: "Standard", Points: 1000, Price: 1099, ValidDays: 180, IsActive: true},
	{Name: "Jumbo", Points: 3000, Price: 3399, ValidDays: 180, IsActive: true},
}

// DefaultPlans seeds the plan catalog on fresh deployments.
var DefaultPlans = []Plan{
	{Name: "Basic", MonthlyPoints: 100, BatchLimit: 10, RolesLimit: 1, IsActive: true},
	{Name: "Pro", MonthlyPoints: 500, BatchLimit: 50, RolesLimit: 3, IsActive: true},
	{Name: "Business", MonthlyPoints: 2000, BatchLimit: 200, RolesLimit: 10, IsActive: true},
}
