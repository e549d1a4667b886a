package points

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/storyforge/points-api/internal/pkg/logger"
)

const (
	suggestedPackLimit  = 3
	carryoverExpireDays = 30
	autoTopupProvider   = "auto_topup"
)

// Config carries the engine's pricing and maintenance knobs.
type Config struct {
	FreeQuotaPerModule int
	OneClickPoints     int
	ChatPoints         int
	AutoTopupThreshold int
	CarryoverRate      float64
	DefaultExpireDays  int
	SweepBatchSize     int
	ExpiringSoonWindow time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FreeQuotaPerModule: 10,
		OneClickPoints:     2,
		ChatPoints:         1,
		AutoTopupThreshold: 20,
		CarryoverRate:      0.3,
		DefaultExpireDays:  180,
		SweepBatchSize:     500,
		ExpiringSoonWindow: 7 * 24 * time.Hour,
	}
}

// PriceFor returns the per-unit point price of a mode. Anything that is not
// one-shot generation is priced at the conversational rate.
func (c Config) PriceFor(mode Mode) int {
	if mode == ModeOneClick {
		return c.OneClickPoints
	}
	return c.ChatPoints
}

// Service is the points ledger engine. All balance-affecting operations go
// through the repository's per-user serialization; Authorize is read-only
// and advisory.
type Service struct {
	repo Repository
	cfg  Config
}

// NewService creates the engine with an injected repository.
func NewService(repo Repository, cfg Config) *Service {
	return &Service{repo: repo, cfg: cfg}
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// Authorize is the read-only affordability check. It never mutates state and
// repeated calls with no intervening consumption return identical results.
// The outcome is advisory: the authoritative decision is Consume's.
func (s *Service) Authorize(ctx context.Context, userID, module string, mode Mode, count int) (*AuthorizationResult, error) {
	if count <= 0 {
		return nil, ErrInvalidAmount
	}
	now := time.Now()

	used, err := s.repo.FreeQuotaUsed(ctx, userID, module, dayKey(now))
	if err != nil {
		return nil, err
	}
	free := s.cfg.FreeQuotaPerModule - used
	if free < 0 {
		free = 0
	}
	if free >= count {
		return &AuthorizationResult{Authorized: true, Cost: 0, Reason: AuthOK, SuggestedPackIDs: []int64{}}, nil
	}

	billable := count - free
	cost := s.cfg.PriceFor(mode) * billable

	plan, err := s.repo.GetActivePlan(ctx, userID)
	if err != nil {
		return nil, err
	}
	if plan != nil && count > plan.BatchLimit {
		return &AuthorizationResult{
			Authorized:       false,
			Cost:             cost,
			Reason:           AuthUpgradeRequired,
			SuggestedPackIDs: []int64{},
		}, nil
	}

	balance := 0
	if wallet, err := s.repo.GetWallet(ctx, userID); err != nil {
		return nil, err
	} else if wallet != nil {
		balance = wallet.Balance
	}
	if balance >= cost {
		return &AuthorizationResult{Authorized: true, Cost: cost, Reason: AuthOK, SuggestedPackIDs: []int64{}}, nil
	}

	suggested, err := s.repo.SuggestPacks(ctx, cost, suggestedPackLimit)
	if err != nil {
		return nil, err
	}
	return &AuthorizationResult{
		Authorized:       false,
		Cost:             cost,
		Reason:           AuthInsufficientPoints,
		NeedTopup:        true,
		SuggestedPackIDs: suggested,
	}, nil
}

// Consume performs the actual charge after the gated action happened: free
// quota first, then a FIFO-by-expiry debit of paid points. The whole charge
// is one repository transaction, so a rejected consume leaves both the
// ledger and the free-quota counter untouched.
func (s *Service) Consume(ctx context.Context, userID, module string, mode Mode, count int) (bool, error) {
	if count <= 0 {
		return false, ErrInvalidAmount
	}
	log := logger.FromContext(ctx)
	now := time.Now()

	unitPrice := s.cfg.PriceFor(mode)
	covered, balance, err := s.repo.ConsumePoints(ctx, userID, module, dayKey(now), s.cfg.FreeQuotaPerModule, count, unitPrice, now)
	if err != nil {
		if errors.Is(err, ErrInsufficientPoints) {
			log.Info().Str("user_id", userID).Str("module", module).
				Int("cost", unitPrice*count).Msg("consume rejected: insufficient points")
			return false, nil
		}
		return false, err
	}

	if covered == count {
		log.Debug().Str("user_id", userID).Str("module", module).Int("free", covered).
			Msg("usage fully covered by free quota")
		return true, nil
	}

	cost := unitPrice * (count - covered)
	log.Info().Str("user_id", userID).Str("module", module).Str("mode", string(mode)).
		Int("cost", cost).Int("balance", balance).Msg("points consumed")

	if balance < s.cfg.AutoTopupThreshold {
		s.maybeAutoTopup(ctx, userID, balance)
	}
	return true, nil
}

// maybeAutoTopup opens a pending order for the wallet's configured pack when
// the balance drops under the threshold. At most one such order is open at a
// time; payment confirmation still arrives through the external webhook, and
// failures here never fail the consume.
func (s *Service) maybeAutoTopup(ctx context.Context, userID string, balance int) {
	log := logger.FromContext(ctx)

	wallet, err := s.repo.GetWallet(ctx, userID)
	if err != nil || wallet == nil || !wallet.AutoTopupEnabled || !wallet.AutoTopupPackID.Valid {
		return
	}
	pending, err := s.repo.HasPendingOrder(ctx, userID, autoTopupProvider)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("auto topup pending check failed")
		return
	}
	if pending {
		return
	}
	pack, err := s.repo.GetPack(ctx, wallet.AutoTopupPackID.Int64)
	if err != nil || pack == nil {
		log.Warn().Str("user_id", userID).Int64("pack_id", wallet.AutoTopupPackID.Int64).
			Msg("auto topup pack unavailable")
		return
	}

	order := &Order{
		ID:        uuid.New(),
		UserID:    userID,
		PackID:    pack.ID,
		PricePaid: pack.Price,
		Status:    OrderPending,
		Provider:  autoTopupProvider,
	}
	if err := s.repo.CreateOrder(ctx, order); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("auto topup order creation failed")
		return
	}
	log.Info().Str("user_id", userID).Str("order_id", order.ID.String()).
		Int("balance", balance).Int("points", pack.Points).Msg("auto topup order created")
}

// CreateOrder opens a pending purchase order for an active pack.
func (s *Service) CreateOrder(ctx context.Context, userID string, packID int64) (*OrderTicket, error) {
	pack, err := s.repo.GetPack(ctx, packID)
	if err != nil {
		return nil, err
	}
	if pack == nil {
		return nil, ErrPackNotFound
	}

	order := &Order{
		ID:        uuid.New(),
		UserID:    userID,
		PackID:    pack.ID,
		PricePaid: pack.Price,
		Status:    OrderPending,
		Provider:  "manual",
	}
	if err := s.repo.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info().Str("user_id", userID).Str("order_id", order.ID.String()).
		Int64("pack_id", packID).Int("amount", pack.Price).Msg("checkout order created")

	return &OrderTicket{
		OrderID:     order.ID,
		CheckoutURL: fmt.Sprintf("/points/checkout/%s", order.ID),
		Amount:      pack.Price,
		Points:      pack.Points,
	}, nil
}

// ConfirmPayment settles a pending order and credits the purchased points
// exactly once. Safe under retried webhook delivery: a second confirmation
// for the same order returns false without touching the ledger.
func (s *Service) ConfirmPayment(ctx context.Context, orderID uuid.UUID, provider string) (bool, error) {
	log := logger.FromContext(ctx)

	order, err := s.repo.SettleOrder(ctx, orderID, provider, time.Now())
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			log.Info().Str("order_id", orderID.String()).Str("provider", provider).
				Msg("duplicate payment confirmation ignored")
			return false, nil
		}
		return false, err
	}

	log.Info().Str("order_id", orderID.String()).Str("user_id", order.UserID).
		Str("provider", provider).Msg("order paid, points credited")
	return true, nil
}

// FailOrder marks a pending order failed with no ledger effect.
func (s *Service) FailOrder(ctx context.Context, orderID uuid.UUID) error {
	err := s.repo.FailOrder(ctx, orderID)
	if errors.Is(err, ErrAlreadyProcessed) {
		return nil
	}
	return err
}

// AddPoints is the administrative grant path. Only positive deltas may enter
// the ledger here; expireDays <= 0 grants credit that never expires.
func (s *Service) AddPoints(ctx context.Context, userID string, points int, reason Reason, refID string, expireDays int) error {
	if points <= 0 {
		return ErrInvalidDelta
	}
	if reason == "" {
		reason = ReasonGift
	}
	now := time.Now()

	entry := &LedgerEntry{
		UserID:    userID,
		Delta:     points,
		Remaining: points,
		Reason:    reason,
		CreatedAt: now,
	}
	if refID != "" {
		entry.RefID = sql.NullString{String: refID, Valid: true}
	}
	if expireDays > 0 {
		entry.ExpireAt = sql.NullTime{Time: now.AddDate(0, 0, expireDays), Valid: true}
	}
	if err := s.repo.AppendEntry(ctx, entry); err != nil {
		return err
	}

	logger.FromContext(ctx).Info().Str("user_id", userID).Int("points", points).
		Str("reason", string(reason)).Str("ref_id", refID).Msg("points granted")
	return nil
}

// ToggleAutoTopup updates the wallet's auto top-up settings.
func (s *Service) ToggleAutoTopup(ctx context.Context, userID string, enabled bool, packID *int64) error {
	if enabled && packID != nil {
		pack, err := s.repo.GetPack(ctx, *packID)
		if err != nil {
			return err
		}
		if pack == nil {
			return ErrPackNotFound
		}
	}
	return s.repo.SetAutoTopup(ctx, userID, enabled, packID)
}

// Sweep expires all entries whose validity window passed. Idempotent within
// a window: the first run zeroes the remaining balances, so a second run
// finds nothing.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int, error) {
	count, err := s.repo.SweepExpired(ctx, now, s.cfg.SweepBatchSize)
	if err != nil {
		return count, err
	}
	if count > 0 {
		logger.FromContext(ctx).Info().Int("entries", count).Time("as_of", now).
			Msg("expired entries swept")
	}
	return count, nil
}

// GetWalletInfo returns the cached balance, auto top-up settings, and points
// expiring within the configured window. A mismatch between the cached
// balance and the ledger sum is a consistency bug: it is alarmed here, never
// silently patched.
func (s *Service) GetWalletInfo(ctx context.Context, userID string) (*WalletInfo, error) {
	now := time.Now()

	wallet, err := s.repo.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	expiring, err := s.repo.ExpiringSoon(ctx, userID, now, now.Add(s.cfg.ExpiringSoonWindow))
	if err != nil {
		return nil, err
	}

	info := &WalletInfo{ExpiringSoon: expiring}
	if wallet != nil {
		info.Balance = wallet.Balance
		info.AutoTopupEnabled = wallet.AutoTopupEnabled

		sum, err := s.repo.SumBalance(ctx, userID, now)
		if err != nil {
			return nil, err
		}
		if sum != wallet.Balance {
			logger.FromContext(ctx).Error().Str("user_id", userID).
				Int("cached", wallet.Balance).Int("ledger_sum", sum).
				Msg("wallet balance diverged from ledger sum")
		}
	}
	return info, nil
}

// ListPacks returns the purchasable pack catalog.
func (s *Service) ListPacks(ctx context.Context) ([]PointPack, error) {
	return s.repo.ListPacks(ctx)
}

// ListPlans returns the read-only plan catalog.
func (s *Service) ListPlans(ctx context.Context) ([]Plan, error) {
	return s.repo.ListPlans(ctx)
}

// ListEntries returns a user's ledger history, newest first.
func (s *Service) ListEntries(ctx context.Context, userID string, p Pagination) ([]LedgerEntry, error) {
	return s.repo.ListEntries(ctx, userID, p)
}

// GrantMonthlyPoints credits every active subscriber with the plan's monthly
// allotment, once per calendar month. The previous month's unconsumed grant
// is expired and a configured share of it re-credited as carryover.
func (s *Service) GrantMonthlyPoints(ctx context.Context, now time.Time) (int, error) {
	log := logger.FromContext(ctx)

	subs, err := s.repo.ListActiveSubscriptions(ctx)
	if err != nil {
		return 0, err
	}

	granted := 0
	for _, sub := range subs {
		plan, err := s.repo.GetPlan(ctx, sub.PlanID)
		if err != nil {
			return granted, err
		}
		if plan == nil || plan.MonthlyPoints <= 0 {
			continue
		}

		refID := grantRef(sub.PlanID, now)
		exists, err := s.repo.HasEntryRef(ctx, sub.UserID, refID)
		if err != nil {
			return granted, err
		}
		if exists {
			continue
		}

		if err := s.carryOver(ctx, sub.UserID, sub.PlanID, now); err != nil {
			return granted, err
		}

		grant := &LedgerEntry{
			UserID:    sub.UserID,
			Delta:     plan.MonthlyPoints,
			Remaining: plan.MonthlyPoints,
			Reason:    ReasonMonthlyGrant,
			RefID:     sql.NullString{String: refID, Valid: true},
			ExpireAt:  sql.NullTime{Time: now.AddDate(0, 1, 0), Valid: true},
			CreatedAt: now,
		}
		if err := s.repo.AppendEntry(ctx, grant); err != nil {
			return granted, err
		}
		granted++

		log.Info().Str("user_id", sub.UserID).Int64("plan_id", sub.PlanID).
			Int("points", plan.MonthlyPoints).Msg("monthly points granted")
	}
	return granted, nil
}

// carryOver retires the previous month's grant remainder and re-credits the
// configured share of it. A single repository transaction: the expiry and
// the carryover credit land together or not at all.
func (s *Service) carryOver(ctx context.Context, userID string, planID int64, now time.Time) error {
	prev, err := s.repo.EntryByRef(ctx, userID, grantRef(planID, now.AddDate(0, -1, 0)))
	if err != nil {
		return err
	}
	if prev == nil || prev.Remaining <= 0 {
		return nil
	}

	expired, carried, err := s.repo.CarryOver(ctx, prev.ID, s.cfg.CarryoverRate, carryoverExpireDays, now)
	if err != nil {
		return err
	}
	if expired == 0 {
		return nil
	}

	logger.FromContext(ctx).Info().Str("user_id", userID).Int64("plan_id", planID).
		Int("expired", expired).Int("carried", carried).Msg("monthly grant carried over")
	return nil
}

func grantRef(planID int64, t time.Time) string {
	return fmt.Sprintf("grant:%d:%s", planID, t.Format("2006-01"))
}

// ExpirationNotices lists users with credit expiring inside the configured
// window, for the notification pipeline. Read-only.
func (s *Service) ExpirationNotices(ctx context.Context, now time.Time) ([]ExpiryNotice, error) {
	notices, err := s.repo.ExpiringWithin(ctx, now, now.Add(s.cfg.ExpiringSoonWindow))
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)
	for _, n := range notices {
		log.Info().Str("user_id", n.UserID).Int("points", n.Points).
			Msg("points expiring soon")
	}
	return notices, nil
}
