package points

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is the in-process Repository backend used by the test
// suite and local development. A single mutex serializes all operations;
// every method upholds the same atomicity contract as the Postgres backend.
type MemoryRepository struct {
	mu sync.Mutex

	entries map[string][]*LedgerEntry // by user, in insertion order
	wallets map[string]*Wallet
	packs   []*PointPack
	plans   []*Plan
	subs    []*Subscription
	orders  map[uuid.UUID]*Order
	quota   map[string]int // user|module|day

	nextPackID int64
	nextPlanID int64
}

// NewMemoryRepository creates the in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		entries: make(map[string][]*LedgerEntry),
		wallets: make(map[string]*Wallet),
		orders:  make(map[uuid.UUID]*Order),
		quota:   make(map[string]int),
	}
}

// AddPack registers a pack and returns its id. Test/seed helper; the
// Postgres backend gets its catalog from the database.
func (r *MemoryRepository) AddPack(p PointPack) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addPackLocked(p)
}

func (r *MemoryRepository) addPackLocked(p PointPack) int64 {
	r.nextPackID++
	p.ID = r.nextPackID
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	r.packs = append(r.packs, &p)
	return p.ID
}

// AddPlan registers a plan and returns its id.
func (r *MemoryRepository) AddPlan(p Plan) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addPlanLocked(p)
}

func (r *MemoryRepository) addPlanLocked(p Plan) int64 {
	r.nextPlanID++
	p.ID = r.nextPlanID
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	r.plans = append(r.plans, &p)
	return p.ID
}

// AddSubscription registers a read-only subscription fact.
func (r *MemoryRepository) AddSubscription(s Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	r.subs = append(r.subs, &s)
}

// OrdersByUser returns copies of a user's orders in unspecified order.
func (r *MemoryRepository) OrdersByUser(userID string) []Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Order, 0)
	for _, o := range r.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	return out
}

// Ledger

func (r *MemoryRepository) AppendEntry(_ context.Context, entry *LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLocked(entry)
	r.refreshWalletLocked(entry.UserID, entry.CreatedAt)
	return nil
}

func (r *MemoryRepository) appendLocked(entry *LedgerEntry) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	clone := *entry
	r.entries[entry.UserID] = append(r.entries[entry.UserID], &clone)
}

func (r *MemoryRepository) ListEntries(_ context.Context, userID string, p Pagination) ([]LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	all := r.entries[userID]
	out := make([]LedgerEntry, 0, limit)
	// newest first
	for i := len(all) - 1 - p.Offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, *all[i])
	}
	return out, nil
}

func (r *MemoryRepository) SumBalance(_ context.Context, userID string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sumBalanceLocked(userID, now), nil
}

func (r *MemoryRepository) sumBalanceLocked(userID string, now time.Time) int {
	sum := 0
	for _, e := range r.entries[userID] {
		if e.Spendable(now) {
			sum += e.Remaining
		}
	}
	return sum
}

func (r *MemoryRepository) ExpiringSoon(_ context.Context, userID string, from, until time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sum := 0
	for _, e := range r.entries[userID] {
		if e.Delta > 0 && e.Remaining > 0 && e.ExpireAt.Valid &&
			e.ExpireAt.Time.After(from) && !e.ExpireAt.Time.After(until) {
			sum += e.Remaining
		}
	}
	return sum, nil
}

func (r *MemoryRepository) HasEntryRef(_ context.Context, userID, refID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries[userID] {
		if e.RefID.Valid && e.RefID.String == refID {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepository) EntryByRef(_ context.Context, userID, refID string) (*LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := r.entries[userID]
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].RefID.Valid && all[i].RefID.String == refID {
			clone := *all[i]
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) CarryOver(_ context.Context, entryID uuid.UUID, rate float64, validDays int, now time.Time) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, all := range r.entries {
		for _, e := range all {
			if e.ID != entryID {
				continue
			}
			if e.Remaining <= 0 {
				return 0, 0, nil
			}
			expired := e.Remaining
			ref := sql.NullString{String: entryID.String(), Valid: true}
			r.appendLocked(&LedgerEntry{
				UserID:    e.UserID,
				Delta:     -expired,
				Reason:    ReasonExpire,
				RefID:     ref,
				CreatedAt: now,
			})
			e.Remaining = 0

			carried := int(float64(expired) * rate)
			if carried > 0 {
				r.appendLocked(&LedgerEntry{
					UserID:    e.UserID,
					Delta:     carried,
					Remaining: carried,
					Reason:    ReasonCarryover,
					RefID:     ref,
					ExpireAt:  sql.NullTime{Time: now.AddDate(0, 0, validDays), Valid: true},
					CreatedAt: now,
				})
			}
			r.refreshWalletLocked(e.UserID, now)
			return expired, carried, nil
		}
	}
	return 0, 0, ErrInternal
}

// Consumption and expiry

// ConsumePoints applies the free allotment first and debits the remainder at
// unitPrice per unit, all under one lock hold: an insufficient balance
// leaves the quota counter untouched.
func (r *MemoryRepository) ConsumePoints(_ context.Context, userID, module, day string, allotment, count, unitPrice int, now time.Time) (int, int, error) {
	if count <= 0 {
		return 0, 0, ErrInvalidAmount
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := quotaKey(userID, module, day)
	used := r.quota[key]
	free := allotment - used
	if free < 0 {
		free = 0
	}
	covered := count
	if covered > free {
		covered = free
	}

	balance := r.walletLocked(userID).Balance
	if cost := unitPrice * (count - covered); cost > 0 {
		var err error
		balance, err = r.debitLocked(userID, cost, now)
		if err != nil {
			return 0, 0, err
		}
	}
	r.quota[key] = used + covered
	return covered, balance, nil
}

func (r *MemoryRepository) DebitPoints(_ context.Context, userID string, cost int, now time.Time) (int, error) {
	if cost <= 0 {
		return 0, ErrInvalidAmount
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.debitLocked(userID, cost, now)
}

func (r *MemoryRepository) debitLocked(userID string, cost int, now time.Time) (int, error) {
	spendable := r.spendableLocked(userID, now)
	available := 0
	for _, e := range spendable {
		available += e.Remaining
	}
	if available < cost {
		return 0, ErrInsufficientPoints
	}

	left := cost
	for _, e := range spendable {
		if left == 0 {
			break
		}
		take := e.Remaining
		if take > left {
			take = left
		}
		r.appendLocked(&LedgerEntry{
			UserID:    userID,
			Delta:     -take,
			Reason:    ReasonDeduct,
			RefID:     sql.NullString{String: e.ID.String(), Valid: true},
			CreatedAt: now,
		})
		e.Remaining -= take
		left -= take
	}

	return r.refreshWalletLocked(userID, now), nil
}

// spendableLocked returns live entry pointers sorted nearest expiry first,
// never-expiring entries last, creation order as the tiebreak.
func (r *MemoryRepository) spendableLocked(userID string, now time.Time) []*LedgerEntry {
	out := make([]*LedgerEntry, 0)
	for _, e := range r.entries[userID] {
		if e.Spendable(now) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.ExpireAt.Valid && b.ExpireAt.Valid:
			return a.ExpireAt.Time.Before(b.ExpireAt.Time)
		case a.ExpireAt.Valid:
			return true
		default:
			return false
		}
	})
	return out
}

func (r *MemoryRepository) SweepExpired(_ context.Context, now time.Time, batchSize int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for userID, all := range r.entries {
		touched := false
		// iterate a snapshot: appendLocked grows the slice
		for _, e := range all {
			if e.Delta > 0 && e.Remaining > 0 && e.Expired(now) {
				r.appendLocked(&LedgerEntry{
					UserID:    userID,
					Delta:     -e.Remaining,
					Reason:    ReasonExpire,
					RefID:     sql.NullString{String: e.ID.String(), Valid: true},
					CreatedAt: now,
				})
				e.Remaining = 0
				touched = true
				count++
			}
		}
		if touched {
			r.refreshWalletLocked(userID, now)
		}
	}
	return count, nil
}

// Free quota

func quotaKey(userID, module, day string) string {
	return userID + "|" + module + "|" + day
}

func (r *MemoryRepository) FreeQuotaUsed(_ context.Context, userID, module, day string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quota[quotaKey(userID, module, day)], nil
}

// Wallets

func (r *MemoryRepository) GetWallet(_ context.Context, userID string) (*Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.wallets[userID]
	if !ok {
		return nil, nil
	}
	clone := *w
	return &clone, nil
}

func (r *MemoryRepository) SetAutoTopup(_ context.Context, userID string, enabled bool, packID *int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.walletLocked(userID)
	w.AutoTopupEnabled = enabled
	w.AutoTopupPackID = sql.NullInt64{}
	if packID != nil {
		w.AutoTopupPackID = sql.NullInt64{Int64: *packID, Valid: true}
	}
	w.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) walletLocked(userID string) *Wallet {
	w, ok := r.wallets[userID]
	if !ok {
		w = &Wallet{UserID: userID, UpdatedAt: time.Now()}
		r.wallets[userID] = w
	}
	return w
}

func (r *MemoryRepository) refreshWalletLocked(userID string, now time.Time) int {
	w := r.walletLocked(userID)
	w.Balance = r.sumBalanceLocked(userID, now)
	w.UpdatedAt = now
	return w.Balance
}

// Catalog

func (r *MemoryRepository) GetPack(_ context.Context, packID int64) (*PointPack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.packs {
		if p.ID == packID && p.IsActive {
			clone := *p
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) ListPacks(_ context.Context) ([]PointPack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PointPack, 0, len(r.packs))
	for _, p := range r.packs {
		if p.IsActive {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Points < out[j].Points })
	return out, nil
}

func (r *MemoryRepository) SuggestPacks(_ context.Context, minPoints, limit int) ([]int64, error) {
	packs, _ := r.ListPacks(context.Background())
	if limit <= 0 {
		limit = 3
	}
	ids := make([]int64, 0, limit)
	for _, p := range packs {
		if p.Points >= minPoints {
			ids = append(ids, p.ID)
			if len(ids) == limit {
				break
			}
		}
	}
	return ids, nil
}

func (r *MemoryRepository) GetPlan(_ context.Context, planID int64) (*Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.plans {
		if p.ID == planID && p.IsActive {
			clone := *p
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) ListPlans(_ context.Context) ([]Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Plan, 0, len(r.plans))
	for _, p := range r.plans {
		if p.IsActive {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MonthlyPoints < out[j].MonthlyPoints })
	return out, nil
}

func (r *MemoryRepository) SeedCatalog(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.packs) == 0 {
		for _, p := range DefaultPacks {
			r.addPackLocked(p)
		}
	}
	if len(r.plans) == 0 {
		for _, p := range DefaultPlans {
			r.addPlanLocked(p)
		}
	}
	return nil
}

// Plan facts and notices

func (r *MemoryRepository) GetActivePlan(_ context.Context, userID string) (*Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.subs) - 1; i >= 0; i-- {
		s := r.subs[i]
		if s.UserID != userID || s.Status != "active" {
			continue
		}
		for _, p := range r.plans {
			if p.ID == s.PlanID && p.IsActive {
				clone := *p
				return &clone, nil
			}
		}
	}
	return nil, nil
}

func (r *MemoryRepository) ListActiveSubscriptions(_ context.Context) ([]Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Subscription, 0)
	for _, s := range r.subs {
		if s.Status == "active" {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ExpiringWithin(_ context.Context, from, until time.Time) ([]ExpiryNotice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byUser := make(map[string]int)
	for userID, all := range r.entries {
		for _, e := range all {
			if e.Delta > 0 && e.Remaining > 0 && e.ExpireAt.Valid &&
				e.ExpireAt.Time.After(from) && !e.ExpireAt.Time.After(until) {
				byUser[userID] += e.Remaining
			}
		}
	}
	out := make([]ExpiryNotice, 0, len(byUser))
	for userID, points := range byUser {
		out = append(out, ExpiryNotice{UserID: userID, Points: points})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Points > out[j].Points })
	return out, nil
}

// Orders

func (r *MemoryRepository) CreateOrder(_ context.Context, order *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	clone := *order
	r.orders[order.ID] = &clone
	return nil
}

func (r *MemoryRepository) GetOrder(_ context.Context, orderID uuid.UUID) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	clone := *o
	return &clone, nil
}

func (r *MemoryRepository) HasPendingOrder(_ context.Context, userID, provider string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, o := range r.orders {
		if o.UserID == userID && o.Provider == provider && o.Status == OrderPending {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepository) SettleOrder(_ context.Context, orderID uuid.UUID, provider string, now time.Time) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Status != OrderPending {
		return nil, ErrAlreadyProcessed
	}

	var pack *PointPack
	for _, p := range r.packs {
		if p.ID == o.PackID {
			pack = p
			break
		}
	}
	if pack == nil {
		return nil, ErrPackNotFound
	}

	o.Status = OrderPaid
	o.Provider = provider
	o.PaidAt = sql.NullTime{Time: now, Valid: true}

	entry := &LedgerEntry{
		UserID:    o.UserID,
		Delta:     pack.Points,
		Remaining: pack.Points,
		Reason:    ReasonPurchase,
		RefID:     sql.NullString{String: orderID.String(), Valid: true},
		CreatedAt: now,
	}
	if pack.ValidDays > 0 {
		entry.ExpireAt = sql.NullTime{Time: now.AddDate(0, 0, pack.ValidDays), Valid: true}
	}
	r.appendLocked(entry)
	r.refreshWalletLocked(o.UserID, now)

	clone := *o
	return &clone, nil
}

func (r *MemoryRepository) FailOrder(_ context.Context, orderID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status != OrderPending {
		return ErrAlreadyProcessed
	}
	o.Status = OrderFailed
	return nil
}
