package points

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const queryTimeout = 3 * time.Second

// Repository defines ledger data access. Every mutating method is atomic:
// a single transaction per call, serialized per user through a FOR UPDATE
// lock on the wallet row (or the backend's equivalent). Implementations
// exist per storage backend and are selected once at construction.
type Repository interface {
	// Ledger
	AppendEntry(ctx context.Context, entry *LedgerEntry) error
	ListEntries(ctx context.Context, userID string, p Pagination) ([]LedgerEntry, error)
	SumBalance(ctx context.Context, userID string, now time.Time) (int, error)
	ExpiringSoon(ctx context.Context, userID string, from, until time.Time) (int, error)
	HasEntryRef(ctx context.Context, userID, refID string) (bool, error)
	EntryByRef(ctx context.Context, userID, refID string) (*LedgerEntry, error)
	CarryOver(ctx context.Context, entryID uuid.UUID, rate float64, validDays int, now time.Time) (int, int, error)

	// Consumption and expiry
	ConsumePoints(ctx context.Context, userID, module, day string, allotment, count, unitPrice int, now time.Time) (int, int, error)
	DebitPoints(ctx context.Context, userID string, cost int, now time.Time) (int, error)
	SweepExpired(ctx context.Context, now time.Time, batchSize int) (int, error)

	// Free quota
	FreeQuotaUsed(ctx context.Context, userID, module, day string) (int, error)

	// Wallets
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	SetAutoTopup(ctx context.Context, userID string, enabled bool, packID *int64) error

	// Catalog
	GetPack(ctx context.Context, packID int64) (*PointPack, error)
	ListPacks(ctx context.Context) ([]PointPack, error)
	SuggestPacks(ctx context.Context, minPoints, limit int) ([]int64, error)
	GetPlan(ctx context.Context, planID int64) (*Plan, error)
	ListPlans(ctx context.Context) ([]Plan, error)
	SeedCatalog(ctx context.Context) error

	// Plan facts and notices
	GetActivePlan(ctx context.Context, userID string) (*Plan, error)
	ListActiveSubscriptions(ctx context.Context) ([]Subscription, error)
	ExpiringWithin(ctx context.Context, from, until time.Time) ([]ExpiryNotice, error)

	// Orders
	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, orderID uuid.UUID) (*Order, error)
	HasPendingOrder(ctx context.Context, userID, provider string) (bool, error)
	SettleOrder(ctx context.Context, orderID uuid.UUID, provider string, now time.Time) (*Order, error)
	FailOrder(ctx context.Context, orderID uuid.UUID) error
}

type postgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository creates the PostgreSQL-backed repository.
func NewPostgresRepository(db *sqlx.DB) Repository {
	return &postgresRepository{db: db}
}

// Ledger

func (r *postgresRepository) AppendEntry(ctx context.Context, entry *LedgerEntry) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	if err := insertEntry(ctx2, tx, entry); err != nil {
		return err
	}
	if _, err := refreshWallet(ctx2, tx, entry.UserID, entry.CreatedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx", ErrInternal)
	}
	return nil
}

func (r *postgresRepository) ListEntries(ctx context.Context, userID string, p Pagination) ([]LedgerEntry, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	entries := make([]LedgerEntry, 0)
	err := r.db.SelectContext(ctx2, &entries, `
		SELECT id, user_id, delta, remaining, reason, ref_id, expire_at, created_at
		FROM point_ledger
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, p.Offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list entries", ErrInternal)
	}
	return entries, nil
}

func (r *postgresRepository) SumBalance(ctx context.Context, userID string, now time.Time) (int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var sum int
	err := r.db.GetContext(ctx2, &sum, `
		SELECT COALESCE(SUM(remaining), 0)
		FROM point_ledger
		WHERE user_id = $1 AND delta > 0 AND remaining > 0
		  AND (expire_at IS NULL OR expire_at > $2)
	`, userID, now)
	if err != nil {
		return 0, fmt.Errorf("%w: sum balance", ErrInternal)
	}
	return sum, nil
}

func (r *postgresRepository) ExpiringSoon(ctx context.Context, userID string, from, until time.Time) (int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var sum int
	err := r.db.GetContext(ctx2, &sum, `
		SELECT COALESCE(SUM(remaining), 0)
		FROM point_ledger
		WHERE user_id = $1 AND delta > 0 AND remaining > 0
		  AND expire_at > $2 AND expire_at <= $3
	`, userID, from, until)
	if err != nil {
		return 0, fmt.Errorf("%w: expiring soon", ErrInternal)
	}
	return sum, nil
}

func (r *postgresRepository) HasEntryRef(ctx context.Context, userID, refID string) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var exists bool
	err := r.db.GetContext(ctx2, &exists, `
		SELECT EXISTS(SELECT 1 FROM point_ledger WHERE user_id = $1 AND ref_id = $2)
	`, userID, refID)
	if err != nil {
		return false, fmt.Errorf("%w: has entry ref", ErrInternal)
	}
	return exists, nil
}

func (r *postgresRepository) EntryByRef(ctx context.Context, userID, refID string) (*LedgerEntry, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var entry LedgerEntry
	err := r.db.GetContext(ctx2, &entry, `
		SELECT id, user_id, delta, remaining, reason, ref_id, expire_at, created_at
		FROM point_ledger
		WHERE user_id = $1 AND ref_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, refID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: entry by ref", ErrInternal)
	}
	return &entry, nil
}

// CarryOver expires an entry's remaining credit and re-credits rate of it
// with a fresh validDays window, both in one transaction so a crash cannot
// lose the carried share. Returns the amounts expired and carried; (0, 0)
// when the entry had nothing left.
func (r *postgresRepository) CarryOver(ctx context.Context, entryID uuid.UUID, rate float64, validDays int, now time.Time) (int, int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return 0, 0, fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	// resolve the owner first: the wallet row lock must be taken before
	// any ledger row lock, same order as the consume path
	var userID string
	err = tx.QueryRowContext(ctx2, `
		SELECT user_id FROM point_ledger WHERE id = $1
	`, entryID).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, fmt.Errorf("%w: entry not found", ErrInternal)
		}
		return 0, 0, fmt.Errorf("%w: load entry", ErrInternal)
	}
	if _, err := lockWallet(ctx2, tx, userID); err != nil {
		return 0, 0, err
	}

	var remaining int
	if err := tx.QueryRowContext(ctx2, `
		SELECT remaining FROM point_ledger WHERE id = $1 FOR UPDATE
	`, entryID).Scan(&remaining); err != nil {
		return 0, 0, fmt.Errorf("%w: lock entry", ErrInternal)
	}
	if remaining <= 0 {
		return 0, 0, nil
	}

	negation := &LedgerEntry{
		ID:        uuid.New(),
		UserID:    userID,
		Delta:     -remaining,
		Remaining: 0,
		Reason:    ReasonExpire,
		RefID:     sql.NullString{String: entryID.String(), Valid: true},
		CreatedAt: now,
	}
	if err := insertEntry(ctx2, tx, negation); err != nil {
		return 0, 0, err
	}
	if _, err := tx.ExecContext(ctx2, `
		UPDATE point_ledger SET remaining = 0 WHERE id = $1
	`, entryID); err != nil {
		return 0, 0, fmt.Errorf("%w: zero remaining", ErrInternal)
	}

	carried := int(float64(remaining) * rate)
	if carried > 0 {
		carry := &LedgerEntry{
			ID:        uuid.New(),
			UserID:    userID,
			Delta:     carried,
			Remaining: carried,
			Reason:    ReasonCarryover,
			RefID:     sql.NullString{String: entryID.String(), Valid: true},
			ExpireAt:  sql.NullTime{Time: now.AddDate(0, 0, validDays), Valid: true},
			CreatedAt: now,
		}
		if err := insertEntry(ctx2, tx, carry); err != nil {
			return 0, 0, err
		}
	}

	if _, err := refreshWallet(ctx2, tx, userID, now); err != nil {
		return 0, 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("%w: commit tx", ErrInternal)
	}
	return remaining, carried, nil
}

// Consumption and expiry

// ConsumePoints charges a usage of count units: today's free allotment
// covers what it can, the remainder is debited at unitPrice per unit. One
// transaction end to end, so an insufficient balance rolls the free-quota
// increment back along with the debit.
func (r *postgresRepository) ConsumePoints(ctx context.Context, userID, module, day string, allotment, count, unitPrice int, now time.Time) (int, int, error) {
	if count <= 0 {
		return 0, 0, ErrInvalidAmount
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return 0, 0, fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	balance, err := lockWallet(ctx2, tx, userID)
	if err != nil {
		return 0, 0, err
	}

	covered, err := consumeQuota(ctx2, tx, userID, module, day, allotment, count)
	if err != nil {
		return 0, 0, err
	}

	if cost := unitPrice * (count - covered); cost > 0 {
		balance, err = debitEntries(ctx2, tx, userID, cost, now)
		if err != nil {
			return 0, 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("%w: commit tx", ErrInternal)
	}
	return covered, balance, nil
}

// DebitPoints charges cost points against the user's spendable entries,
// nearest expiry first. The wallet row lock serializes concurrent consumers
// of the same user; a shortfall aborts with no partial debit.
func (r *postgresRepository) DebitPoints(ctx context.Context, userID string, cost int, now time.Time) (int, error) {
	if cost <= 0 {
		return 0, ErrInvalidAmount
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	if _, err := lockWallet(ctx2, tx, userID); err != nil {
		return 0, err
	}

	balance, err := debitEntries(ctx2, tx, userID, cost, now)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit tx", ErrInternal)
	}
	return balance, nil
}

// debitEntries walks the spendable entries nearest expiry first and appends
// the paired deduct records. Caller holds the wallet row lock.
func debitEntries(ctx context.Context, tx *sqlx.Tx, userID string, cost int, now time.Time) (int, error) {
	var entries []LedgerEntry
	err := tx.SelectContext(ctx, &entries, `
		SELECT id, user_id, delta, remaining, reason, ref_id, expire_at, created_at
		FROM point_ledger
		WHERE user_id = $1 AND delta > 0 AND remaining > 0
		  AND (expire_at IS NULL OR expire_at > $2)
		ORDER BY expire_at ASC NULLS LAST, created_at ASC
		FOR UPDATE
	`, userID, now)
	if err != nil {
		return 0, fmt.Errorf("%w: load spendable entries", ErrInternal)
	}

	available := 0
	for _, e := range entries {
		available += e.Remaining
	}
	if available < cost {
		return 0, ErrInsufficientPoints
	}

	left := cost
	for _, e := range entries {
		if left == 0 {
			break
		}
		take := e.Remaining
		if take > left {
			take = left
		}

		deduct := &LedgerEntry{
			ID:        uuid.New(),
			UserID:    userID,
			Delta:     -take,
			Remaining: 0,
			Reason:    ReasonDeduct,
			RefID:     sql.NullString{String: e.ID.String(), Valid: true},
			CreatedAt: now,
		}
		if err := insertEntry(ctx, tx, deduct); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE point_ledger SET remaining = remaining - $2 WHERE id = $1
		`, e.ID, take); err != nil {
			return 0, fmt.Errorf("%w: decrement remaining", ErrInternal)
		}
		left -= take
	}

	return refreshWallet(ctx, tx, userID, now)
}

// SweepExpired converts expired positive balances into expire entries.
// Processes bounded batches in separate transactions so a large backlog
// never holds long locks. Idempotent: once remaining hits zero the entry
// no longer matches.
func (r *postgresRepository) SweepExpired(ctx context.Context, now time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	total := 0
	for {
		n, err := r.sweepBatch(ctx, now, batchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n < batchSize {
			return total, nil
		}
	}
}

func (r *postgresRepository) sweepBatch(ctx context.Context, now time.Time, batchSize int) (int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	// pick candidates without locks first: the wallet rows of the touched
	// users must be locked before any ledger row, in the same order as the
	// consume path, or a debit near the expiry boundary can deadlock
	var candidates []struct {
		ID     uuid.UUID `db:"id"`
		UserID string    `db:"user_id"`
	}
	err := r.db.SelectContext(ctx2, &candidates, `
		SELECT id, user_id
		FROM point_ledger
		WHERE delta > 0 AND remaining > 0
		  AND expire_at IS NOT NULL AND expire_at <= $1
		ORDER BY expire_at ASC
		LIMIT $2
	`, now, batchSize)
	if err != nil {
		return 0, fmt.Errorf("%w: load expired candidates", ErrInternal)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	ids := make([]uuid.UUID, 0, len(candidates))
	users := make([]string, 0, len(candidates))
	seen := make(map[string]struct{})
	for _, c := range candidates {
		ids = append(ids, c.ID)
		if _, ok := seen[c.UserID]; !ok {
			seen[c.UserID] = struct{}{}
			users = append(users, c.UserID)
		}
	}
	sort.Strings(users)

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	for _, userID := range users {
		if _, err := lockWallet(ctx2, tx, userID); err != nil {
			return 0, err
		}
	}

	// re-check under lock: a concurrent debit may have drained a candidate
	query, args, err := sqlx.In(`
		SELECT id, user_id, delta, remaining, reason, ref_id, expire_at, created_at
		FROM point_ledger
		WHERE id IN (?) AND remaining > 0 AND expire_at <= ?
		FOR UPDATE
	`, ids, now)
	if err != nil {
		return 0, fmt.Errorf("%w: build sweep query", ErrInternal)
	}
	var expired []LedgerEntry
	if err := tx.SelectContext(ctx2, &expired, tx.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("%w: load expired entries", ErrInternal)
	}
	if len(expired) == 0 {
		return 0, tx.Commit()
	}

	touched := make(map[string]struct{})
	for _, e := range expired {
		negation := &LedgerEntry{
			ID:        uuid.New(),
			UserID:    e.UserID,
			Delta:     -e.Remaining,
			Remaining: 0,
			Reason:    ReasonExpire,
			RefID:     sql.NullString{String: e.ID.String(), Valid: true},
			CreatedAt: now,
		}
		if err := insertEntry(ctx2, tx, negation); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx2, `
			UPDATE point_ledger SET remaining = 0 WHERE id = $1
		`, e.ID); err != nil {
			return 0, fmt.Errorf("%w: zero remaining", ErrInternal)
		}
		touched[e.UserID] = struct{}{}
	}

	for userID := range touched {
		if _, err := refreshWallet(ctx2, tx, userID, now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit tx", ErrInternal)
	}
	return len(expired), nil
}

// Free quota

func (r *postgresRepository) FreeQuotaUsed(ctx context.Context, userID, module, day string) (int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var used int
	err := r.db.GetContext(ctx2, &used, `
		SELECT count FROM free_quota_usage
		WHERE user_id = $1 AND module = $2 AND usage_date = $3
	`, userID, module, day)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: free quota used", ErrInternal)
	}
	return used, nil
}

// consumeQuota increases today's usage counter by however much of count the
// allotment still covers and returns that covered amount. Runs inside the
// caller's transaction so a later shortfall rolls the increment back.
func consumeQuota(ctx context.Context, tx *sqlx.Tx, userID, module, day string, allotment, count int) (int, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO free_quota_usage (user_id, module, usage_date, count)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (user_id, module, usage_date) DO NOTHING
	`, userID, module, day); err != nil {
		return 0, fmt.Errorf("%w: init quota row", ErrInternal)
	}

	var used int
	if err := tx.QueryRowContext(ctx, `
		SELECT count FROM free_quota_usage
		WHERE user_id = $1 AND module = $2 AND usage_date = $3
		FOR UPDATE
	`, userID, module, day).Scan(&used); err != nil {
		return 0, fmt.Errorf("%w: lock quota row", ErrInternal)
	}

	free := allotment - used
	if free < 0 {
		free = 0
	}
	covered := count
	if covered > free {
		covered = free
	}
	if covered > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE free_quota_usage SET count = count + $4
			WHERE user_id = $1 AND module = $2 AND usage_date = $3
		`, userID, module, day, covered); err != nil {
			return 0, fmt.Errorf("%w: update quota row", ErrInternal)
		}
	}
	return covered, nil
}

// Wallets

func (r *postgresRepository) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var wallet Wallet
	err := r.db.GetContext(ctx2, &wallet, `
		SELECT user_id, balance, auto_topup_enabled, auto_topup_pack_id, updated_at
		FROM point_wallets
		WHERE user_id = $1
	`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get wallet", ErrInternal)
	}
	return &wallet, nil
}

func (r *postgresRepository) SetAutoTopup(ctx context.Context, userID string, enabled bool, packID *int64) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var pack sql.NullInt64
	if packID != nil {
		pack = sql.NullInt64{Int64: *packID, Valid: true}
	}
	_, err := r.db.ExecContext(ctx2, `
		INSERT INTO point_wallets (user_id, balance, auto_topup_enabled, auto_topup_pack_id, updated_at)
		VALUES ($1, 0, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			auto_topup_enabled = EXCLUDED.auto_topup_enabled,
			auto_topup_pack_id = EXCLUDED.auto_topup_pack_id,
			updated_at = NOW()
	`, userID, enabled, pack)
	if err != nil {
		return fmt.Errorf("%w: set auto topup", ErrInternal)
	}
	return nil
}

// Catalog

func (r *postgresRepository) GetPack(ctx context.Context, packID int64) (*PointPack, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var pack PointPack
	err := r.db.GetContext(ctx2, &pack, `
		SELECT pack_id, name, points, price, valid_days, is_active, created_at
		FROM point_packs
		WHERE pack_id = $1 AND is_active = true
	`, packID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get pack", ErrInternal)
	}
	return &pack, nil
}

func (r *postgresRepository) ListPacks(ctx context.Context) ([]PointPack, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	packs := make([]PointPack, 0)
	err := r.db.SelectContext(ctx2, &packs, `
		SELECT pack_id, name, points, price, valid_days, is_active, created_at
		FROM point_packs
		WHERE is_active = true
		ORDER BY points ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list packs", ErrInternal)
	}
	return packs, nil
}

func (r *postgresRepository) SuggestPacks(ctx context.Context, minPoints, limit int) ([]int64, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 3
	}
	ids := make([]int64, 0, limit)
	err := r.db.SelectContext(ctx2, &ids, `
		SELECT pack_id FROM point_packs
		WHERE is_active = true AND points >= $1
		ORDER BY points ASC
		LIMIT $2
	`, minPoints, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: suggest packs", ErrInternal)
	}
	return ids, nil
}

func (r *postgresRepository) GetPlan(ctx context.Context, planID int64) (*Plan, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var plan Plan
	err := r.db.GetContext(ctx2, &plan, `
		SELECT plan_id, name, monthly_points, batch_limit, roles_limit, is_active, created_at
		FROM plans
		WHERE plan_id = $1 AND is_active = true
	`, planID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get plan", ErrInternal)
	}
	return &plan, nil
}

func (r *postgresRepository) ListPlans(ctx context.Context) ([]Plan, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	plans := make([]Plan, 0)
	err := r.db.SelectContext(ctx2, &plans, `
		SELECT plan_id, name, monthly_points, batch_limit, roles_limit, is_active, created_at
		FROM plans
		WHERE is_active = true
		ORDER BY monthly_points ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list plans", ErrInternal)
	}
	return plans, nil
}

// SeedCatalog inserts the default packs and plans on fresh deployments.
// Relies on the unique name constraints, so reruns are no-ops.
func (r *postgresRepository) SeedCatalog(ctx context.Context) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	for _, p := range DefaultPacks {
		if _, err := r.db.ExecContext(ctx2, `
			INSERT INTO point_packs (name, points, price, valid_days, is_active)
			VALUES ($1, $2, $3, $4, true)
			ON CONFLICT (name) DO NOTHING
		`, p.Name, p.Points, p.Price, p.ValidDays); err != nil {
			return fmt.Errorf("%w: seed packs", ErrInternal)
		}
	}
	for _, p := range DefaultPlans {
		if _, err := r.db.ExecContext(ctx2, `
			INSERT INTO plans (name, monthly_points, batch_limit, roles_limit, is_active)
			VALUES ($1, $2, $3, $4, true)
			ON CONFLICT (name) DO NOTHING
		`, p.Name, p.MonthlyPoints, p.BatchLimit, p.RolesLimit); err != nil {
			return fmt.Errorf("%w: seed plans", ErrInternal)
		}
	}
	return nil
}

// Plan facts and notices

func (r *postgresRepository) GetActivePlan(ctx context.Context, userID string) (*Plan, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var plan Plan
	err := r.db.GetContext(ctx2, &plan, `
		SELECT p.plan_id, p.name, p.monthly_points, p.batch_limit, p.roles_limit, p.is_active, p.created_at
		FROM subscriptions s
		JOIN plans p ON p.plan_id = s.plan_id
		WHERE s.user_id = $1 AND s.status = 'active' AND p.is_active = true
		ORDER BY s.created_at DESC
		LIMIT 1
	`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get active plan", ErrInternal)
	}
	return &plan, nil
}

func (r *postgresRepository) ListActiveSubscriptions(ctx context.Context) ([]Subscription, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	subs := make([]Subscription, 0)
	err := r.db.SelectContext(ctx2, &subs, `
		SELECT plan_id, user_id, renew_at, status, created_at
		FROM subscriptions
		WHERE status = 'active'
		ORDER BY user_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list active subscriptions", ErrInternal)
	}
	return subs, nil
}

func (r *postgresRepository) ExpiringWithin(ctx context.Context, from, until time.Time) ([]ExpiryNotice, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	notices := make([]ExpiryNotice, 0)
	err := r.db.SelectContext(ctx2, &notices, `
		SELECT user_id, SUM(remaining) AS points
		FROM point_ledger
		WHERE delta > 0 AND remaining > 0
		  AND expire_at > $1 AND expire_at <= $2
		GROUP BY user_id
		ORDER BY points DESC
	`, from, until)
	if err != nil {
		return nil, fmt.Errorf("%w: expiring within", ErrInternal)
	}
	return notices, nil
}

// Orders

func (r *postgresRepository) CreateOrder(ctx context.Context, order *Order) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx2, `
		INSERT INTO point_orders (order_id, user_id, pack_id, price_paid, status, provider, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, order.ID, order.UserID, order.PackID, order.PricePaid, order.Status, order.Provider, order.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: create order", ErrInternal)
	}
	return nil
}

func (r *postgresRepository) GetOrder(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var order Order
	err := r.db.GetContext(ctx2, &order, `
		SELECT order_id, user_id, pack_id, price_paid, status, provider, created_at, paid_at
		FROM point_orders
		WHERE order_id = $1
	`, orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("%w: get order", ErrInternal)
	}
	return &order, nil
}

func (r *postgresRepository) HasPendingOrder(ctx context.Context, userID, provider string) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var exists bool
	err := r.db.GetContext(ctx2, &exists, `
		SELECT EXISTS(
			SELECT 1 FROM point_orders
			WHERE user_id = $1 AND provider = $2 AND status = $3
		)
	`, userID, provider, OrderPending)
	if err != nil {
		return false, fmt.Errorf("%w: has pending order", ErrInternal)
	}
	return exists, nil
}

// SettleOrder marks a pending order paid and credits the purchased points,
// both inside one transaction. Terminal orders return ErrAlreadyProcessed so
// retried payment webhooks stay safe.
func (r *postgresRepository) SettleOrder(ctx context.Context, orderID uuid.UUID, provider string, now time.Time) (*Order, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	var row struct {
		Order
		Points    int `db:"points"`
		ValidDays int `db:"valid_days"`
	}
	err = tx.QueryRowxContext(ctx2, `
		SELECT o.order_id, o.user_id, o.pack_id, o.price_paid, o.status, o.provider,
		       o.created_at, o.paid_at, p.points, p.valid_days
		FROM point_orders o
		JOIN point_packs p ON p.pack_id = o.pack_id
		WHERE o.order_id = $1
		FOR UPDATE OF o
	`, orderID).StructScan(&row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("%w: lock order", ErrInternal)
	}
	if row.Status != OrderPending {
		return nil, ErrAlreadyProcessed
	}

	if _, err := tx.ExecContext(ctx2, `
		UPDATE point_orders
		SET status = $2, provider = $3, paid_at = $4
		WHERE order_id = $1
	`, orderID, OrderPaid, provider, now); err != nil {
		return nil, fmt.Errorf("%w: mark order paid", ErrInternal)
	}

	purchase := &LedgerEntry{
		ID:        uuid.New(),
		UserID:    row.UserID,
		Delta:     row.Points,
		Remaining: row.Points,
		Reason:    ReasonPurchase,
		RefID:     sql.NullString{String: orderID.String(), Valid: true},
		CreatedAt: now,
	}
	if row.ValidDays > 0 {
		purchase.ExpireAt = sql.NullTime{Time: now.AddDate(0, 0, row.ValidDays), Valid: true}
	}
	if err := insertEntry(ctx2, tx, purchase); err != nil {
		return nil, err
	}
	if _, err := refreshWallet(ctx2, tx, row.UserID, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit tx", ErrInternal)
	}

	settled := row.Order
	settled.Status = OrderPaid
	settled.Provider = provider
	settled.PaidAt = sql.NullTime{Time: now, Valid: true}
	return &settled, nil
}

// FailOrder moves a pending order to failed with no ledger effect.
func (r *postgresRepository) FailOrder(ctx context.Context, orderID uuid.UUID) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		UPDATE point_orders SET status = $2 WHERE order_id = $1 AND status = $3
	`, orderID, OrderFailed, OrderPending)
	if err != nil {
		return fmt.Errorf("%w: fail order", ErrInternal)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows == 0 {
		if _, err := r.GetOrder(ctx, orderID); err != nil {
			return err
		}
		return ErrAlreadyProcessed
	}
	return nil
}

// tx helpers

func insertEntry(ctx context.Context, tx *sqlx.Tx, entry *LedgerEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO point_ledger (id, user_id, delta, remaining, reason, ref_id, expire_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.UserID, entry.Delta, entry.Remaining, entry.Reason, entry.RefID, entry.ExpireAt, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: insert ledger entry", ErrInternal)
	}
	return nil
}

func lockWallet(ctx context.Context, tx *sqlx.Tx, userID string) (int, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO point_wallets (user_id, balance, updated_at)
		VALUES ($1, 0, NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return 0, fmt.Errorf("%w: init wallet row", ErrInternal)
	}

	var balance int
	if err := tx.QueryRowContext(ctx, `
		SELECT balance FROM point_wallets WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("%w: lock wallet row", ErrInternal)
	}
	return balance, nil
}

// refreshWallet recomputes the balance projection from the ledger and writes
// it to the wallet row. Must run inside the same transaction as the mutation
// it follows.
func refreshWallet(ctx context.Context, tx *sqlx.Tx, userID string, now time.Time) (int, error) {
	var balance int
	err := tx.QueryRowContext(ctx, `
		INSERT INTO point_wallets (user_id, balance, updated_at)
		VALUES ($1, COALESCE((
			SELECT SUM(remaining) FROM point_ledger
			WHERE user_id = $1 AND delta > 0 AND remaining > 0
			  AND (expire_at IS NULL OR expire_at > $2)
		), 0), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			balance = EXCLUDED.balance,
			updated_at = NOW()
		RETURNING balance
	`, userID, now).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("%w: refresh wallet", ErrInternal)
	}
	return balance, nil
}
