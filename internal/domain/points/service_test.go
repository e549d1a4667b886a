package points_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/storyforge/points-api/internal/domain/points"
)

func testConfig() points.Config {
	cfg := points.DefaultConfig()
	// most tests exercise the paid path directly
	cfg.FreeQuotaPerModule = 0
	return cfg
}

func grant(t *testing.T, svc *points.Service, userID string, amount, expireDays int) {
	t.Helper()
	if err := svc.AddPoints(context.Background(), userID, amount, points.ReasonGift, "", expireDays); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func balanceOf(t *testing.T, svc *points.Service, userID string) int {
	t.Helper()
	info, err := svc.GetWalletInfo(context.Background(), userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return info.Balance
}

/* =========================
   Test 1: Concurrent Consume
   ========================= */

func TestConcurrentConsumeNoDoubleSpend(t *testing.T) {
	repo := points.NewMemoryRepository()
	svc := points.NewService(repo, testConfig())

	grant(t, svc, "u1", 5, 0)

	const goroutines = 10
	const expectedSuccess = 5

	var wg sync.WaitGroup
	success := 0
	var mu sync.Mutex

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ok, err := svc.Consume(context.Background(), "u1", "chat", points.ModeChat, 1)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if success != expectedSuccess {
		t.Fatalf("expected %d successes, got %d", expectedSuccess, success)
	}
	if b := balanceOf(t, svc, "u1"); b != 0 {
		t.Fatalf("expected balance 0, got %d", b)
	}
}

/* =========================
   Test 2: All Or Nothing
   ========================= */

func TestConsumeAllOrNothing(t *testing.T) {
	repo := points.NewMemoryRepository()
	svc := points.NewService(repo, testConfig())

	grant(t, svc, "u1", 5, 0)

	ok, err := svc.Consume(context.Background(), "u1", "oneclick", points.ModeOneClick, 4) // cost 8
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected consume to be rejected")
	}
	if b := balanceOf(t, svc, "u1"); b != 5 {
		t.Fatalf("expected balance untouched at 5, got %d", b)
	}

	entries, err := svc.ListEntries(context.Background(), "u1", points.Pagination{Limit: 50})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the grant entry, got %d entries", len(entries))
	}
}

/* =========================
   Test 3: FIFO By Expiry
   ========================= */

func TestConsumeDrainsNearestExpiryFirst(t *testing.T) {
	repo := points.NewMemoryRepository()
	svc := points.NewService(repo, testConfig())

	grant(t, svc, "u1", 10, 30)
	grant(t, svc, "u1", 10, 5)

	ok, err := svc.Consume(context.Background(), "u1", "chat", points.ModeChat, 12)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected consume to succeed")
	}

	info, err := svc.GetWalletInfo(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Balance != 8 {
		t.Fatalf("expected balance 8, got %d", info.Balance)
	}
	// the 5-day batch must be fully drained: nothing left inside the 7-day window
	if info.ExpiringSoon != 0 {
		t.Fatalf("expected nearest-expiry batch drained, %d points still expiring soon", info.ExpiringSoon)
	}
}

/* =========================
   Test 4: Free Quota First
   ========================= */

func TestFreeQuotaConsumedBeforePoints(t *testing.T) {
	repo := points.NewMemoryRepository()
	cfg := points.DefaultConfig() // free quota 10 per module per day
	svc := points.NewService(repo, cfg)

	grant(t, svc, "u1", 100, 0)

	res, err := svc.Authorize(context.Background(), "u1", "oneclick", points.ModeOneClick, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Authorized || res.Cost != 0 {
		t.Fatalf("expected free authorization, got authorized=%v cost=%d", res.Authorized, res.Cost)
	}

	// 10 free units + 3 paid at the oneclick rate
	ok, err := svc.Consume(context.Background(), "u1", "oneclick", points.ModeOneClick, 13)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected consume to succeed")
	}
	if b := balanceOf(t, svc, "u1"); b != 94 {
		t.Fatalf("expected balance 94, got %d", b)
	}
}

func TestFailedConsumeKeepsFreeQuota(t *testing.T) {
	repo := points.NewMemoryRepository()
	svc := points.NewService(repo, points.DefaultConfig()) // free quota 10

	// zero balance: 10 free units cannot cover 11, and the paid remainder
	// must fail without burning the allotment
	ok, err := svc.Consume(context.Background(), "u1", "chat", points.ModeChat, 11)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected consume to be rejected")
	}

	day := time.Now().Format("2006-01-02")
	used, err := repo.FreeQuotaUsed(context.Background(), "u1", "chat", day)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if used != 0 {
		t.Fatalf("rejected consume burned %d free units", used)
	}

	res, err := svc.Authorize(context.Background(), "u1", "chat", points.ModeChat, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Authorized || res.Cost != 0 {
		t.Fatalf("expected free authorization after rejected consume, got %+v", res)
	}

	ok, err = svc.Consume(context.Background(), "u1", "chat", points.ModeChat, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected free consume to succeed")
	}
}

/* =========================
   Test 5: Authorize Is Pure
   ========================= */

func TestAuthorizeDoesNotMutate(t *testing.T) {
	repo := points.NewMemoryRepository()
	svc := points.NewService(repo, testConfig())

	grant(t, svc, "u1", 10, 0)

	first, err := svc.Authorize(context.Background(), "u1", "oneclick", points.ModeOneClick, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := svc.Authorize(context.Background(), "u1", "oneclick", points.ModeOneClick, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !first.Authorized || first.Cost != 8 {
		t.Fatalf("expected authorized at cost 8, got %+v", first)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated authorize diverged: %+v vs %+v", first, second)
	}
	if b := balanceOf(t, svc, "u1"); b != 10 {
		t.Fatalf("authorize mutated the balance: %d", b)
	}
}

/* =========================
   Test 6: Upgrade Required
   ========================= */

func TestAuthorizeBatchLimit(t *testing.T) {
	repo := points.NewMemoryRepository()
	svc := points.NewService(repo, testConfig())

	planID := repo.AddPlan(points.Plan{Name: "Basic", MonthlyPoints: 100, BatchLimit: 3, RolesLimit: 1, IsActive: true})
	repo.AddSubscription(points.Subscription{PlanID: planID, UserID: "u1", Status: "active"})
	grant(t, svc, "u1", 1000, 0)

	res, err := svc.Authorize(context.Background(), "u1", "oneclick", points.ModeOneClick, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Authorized || res.Reason != points.AuthUpgradeRequired {
		t.Fatalf("expected UPGRADE_REQUIRED, got %+v", res)
	}

	// users without a subscription are not batch-gated
	res, err = svc.Authorize(context.Background(), "u2", "oneclick", points.ModeOneClick, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Reason == points.AuthUpgradeRequired {
		t.Fatal("batch limit applied to a user without a plan")
	}
}

/* =========================
   Test 7: Pack Suggestions
   ========================= */

func TestAuthorizeSuggestsPacks(t *testing.T) {
	repo := points.NewMemoryRepository()
	svc := points.NewService(repo, testConfig())

	if err := repo.SeedCatalog(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := svc.Authorize(context.Background(), "broke", "oneclick", points.ModeOneClick, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Authorized || res.Reason != points.AuthInsufficientPoints {
		t.Fatalf("expected INSUFFICIENT_POINTS, got %+v", res)
	}
	if !res.NeedTopup || len(res.SuggestedPackIDs) == 0 {
		t.Fatalf("expected topup suggestions, got %+v", res)
	}
}

/* =========================
   Test 8: Order Lifecycle
   ========================= */

func TestOrderLifecycle(t *testing.T) {
	repo := points.NewMemoryRepository()
	svc := points.NewService(repo, testConfig())

	packID := repo.AddPack(points.PointPack{Name: "Starter", Points: 300, Price: 399, ValidDays: 180, IsActive: true})

	ticket, err := svc.CreateOrder(context.Background(), "u1", packID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ticket.Points != 300 || ticket.Amount != 399 {
		t.Fatalf("unexpected ticket: %+v", ticket)
	}
	if b := balanceOf(t, svc, "u1"); b != 0 {
		t.Fatalf("pending order credited points: balance %d", b)
	}

	credited, err := svc.ConfirmPayment(context.Background(), ticket.OrderID, "robokassa")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !credited {
		t.Fatal("expected first confirmation to credit")
	}
	if b := balanceOf(t, svc, "u1"); b != 300 {
		t.Fatalf("expected balance 300, got %d", b)
	}

	// retried webhook: no double credit
	credited, err = svc.ConfirmPayment(context.Background(), ticket.OrderID, "robokassa")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if credited {
		t.Fatal("expected duplicate confirmation to be ignored")
	}
	if b := balanceOf(t, svc, "u1"); b != 300 {
		t.Fatalf("duplicate confirmation changed balance: %d", b)
	}

	// failing a settled order is a no-op
	if err := svc.FailOrder(context.Background(), ticket.OrderID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	order, err := repo.GetOrder(context.Background(), ticket.OrderID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.Status != points.OrderPaid {
		t.Fatalf("expected order to stay paid, got %s", order.Status)
	}
}

func TestFailedOrderCannotSettle(t *testing.T) {
	repo := points.NewMemoryRepository()
	svc := points.NewService(repo, testConfig())

	packID := repo.AddPack(points.PointPack{Name: "Starter", Points: 300, Price: 399, ValidDays: 180, IsActive: true})

	ticket, err := svc.CreateOrder(context.Background(), "u1", packID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.FailOrder(context.Background(), ticket.OrderID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	credited, err := svc.ConfirmPayment(context.Background(), ticket.OrderID, "robokassa")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if credited {
		t.Fatal("failed order must not credit")
	}
	if b := balanceOf(t, svc, "u1"); b != 0 {
		t.Fatalf("expected balance 0, got %d", b)
	}
}

func TestCreateOrderUnknownPack(t *testing.T) {
	repo := points.NewMemoryRepository()
	svc := points.NewService(repo, testConfig())

	if _, err := svc.CreateOrder(context.Background(), "u1", 42); !errors.Is(err, points.ErrPackNotFound) {
		t.Fatalf("expected ErrPackNotFound, got %v", err)
	}
}

/* =========================
   Test 9: Expiry Sweep
   ========================= */

func TestSweepIdempotent(t *testing.T) {
	repo := points.NewMemoryRepository()
	svc := points.NewService(repo, testConfig())

	grant(t, svc, "u1", 290, 180)
	now := time.Now()

	swept, err := svc.Sweep(context.Background(), now.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if swept != 0 {
		t.Fatalf("swept live entries: %d", swept)
	}
	if b := balanceOf(t, svc, "u1"); b != 290 {
		t.Fatalf("expected balance 290, got %d", b)
	}

	swept, err = svc.Sweep(context.Background(), now.AddDate(0, 0, 181))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 entry swept, got %d", swept)
	}

	swept, err = svc.Sweep(context.Background(), now.AddDate(0, 0, 182))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if swept != 0 {
		t.Fatalf("second sweep found work: %d", swept)
	}
	if b := balanceOf(t, svc, "u1"); b != 0 {
		t.Fatalf("expected balance 0 after expiry, got %d", b)
	}
}

/* =========================
   Test 10: Purchase To Expiry
   ========================= */

func TestPurchaseConsumeExpireScenario(t *testing.T) {
	repo := points.NewMemoryRepository()
	svc := points.NewService(repo, testConfig())

	packID := repo.AddPack(points.PointPack{Name: "Starter", Points: 300, Price: 399, ValidDays: 180, IsActive: true})

	ticket, err := svc.CreateOrder(context.Background(), "u1", packID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.ConfirmPayment(context.Background(), ticket.OrderID, "robokassa"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := svc.Authorize(context.Background(), "u1", "oneclick", points.ModeOneClick, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Authorized || res.Cost != 10 {
		t.Fatalf("expected authorized at cost 10, got %+v", res)
	}

	ok, err := svc.Consume(context.Background(), "u1", "oneclick", points.ModeOneClick, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected consume to succeed")
	}
	if b := balanceOf(t, svc, "u1"); b != 290 {
		t.Fatalf("expected balance 290, got %d", b)
	}

	if _, err := svc.Sweep(context.Background(), time.Now().AddDate(0, 0, 181)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b := balanceOf(t, svc, "u1"); b != 0 {
		t.Fatalf("expected balance 0, got %d", b)
	}

	res, err = svc.Authorize(context.Background(), "u1", "oneclick", points.ModeOneClick, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Authorized || res.Reason != points.AuthInsufficientPoints {
		t.Fatalf("expected INSUFFICIENT_POINTS, got %+v", res)
	}
}

/* =========================
   Test 11: Monthly Grants
   ========================= */

func TestMonthlyGrantIdempotent(t *testing.T) {
	repo := points.NewMemoryRepository()
	svc := points.NewService(repo, testConfig())

	planID := repo.AddPlan(points.Plan{Name: "Pro", MonthlyPoints: 500, BatchLimit: 50, RolesLimit: 3, IsActive: true})
	repo.AddSubscription(points.Subscription{PlanID: planID, UserID: "u1", Status: "active"})

	now := time.Now()
	granted, err := svc.GrantMonthlyPoints(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if granted != 1 {
		t.Fatalf("expected 1 grant, got %d", granted)
	}

	granted, err = svc.GrantMonthlyPoints(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if granted != 0 {
		t.Fatalf("expected rerun to grant nothing, got %d", granted)
	}
	if b := balanceOf(t, svc, "u1"); b != 500 {
		t.Fatalf("expected balance 500, got %d", b)
	}
}

func TestMonthlyGrantCarryover(t *testing.T) {
	repo := points.NewMemoryRepository()
	svc := points.NewService(repo, testConfig())

	planID := repo.AddPlan(points.Plan{Name: "Pro", MonthlyPoints: 500, BatchLimit: 50, RolesLimit: 3, IsActive: true})
	repo.AddSubscription(points.Subscription{PlanID: planID, UserID: "u1", Status: "active"})

	month1 := time.Now()
	if _, err := svc.GrantMonthlyPoints(context.Background(), month1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	month2 := month1.AddDate(0, 1, 0)
	granted, err := svc.GrantMonthlyPoints(context.Background(), month2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if granted != 1 {
		t.Fatalf("expected 1 grant, got %d", granted)
	}

	// 500 untouched points roll over at 30%: 150 carryover + 500 fresh
	sum, err := repo.SumBalance(context.Background(), "u1", month2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum != 650 {
		t.Fatalf("expected balance 650 after carryover, got %d", sum)
	}
}

func TestCarryOverSingleOperation(t *testing.T) {
	repo := points.NewMemoryRepository()
	svc := points.NewService(repo, testConfig())

	if err := svc.AddPoints(context.Background(), "u1", 100, points.ReasonMonthlyGrant, "grant:1:2026-08", 30); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry, err := repo.EntryByRef(context.Background(), "u1", "grant:1:2026-08")
	if err != nil || entry == nil {
		t.Fatalf("grant entry not found: %v", err)
	}

	now := time.Now()
	expired, carried, err := repo.CarryOver(context.Background(), entry.ID, 0.3, 30, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expired != 100 || carried != 30 {
		t.Fatalf("expected 100 expired / 30 carried, got %d / %d", expired, carried)
	}
	// the expiry and the carryover credit land together
	sum, err := repo.SumBalance(context.Background(), "u1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum != 30 {
		t.Fatalf("expected balance 30, got %d", sum)
	}

	// a rerun finds nothing left and credits nothing more
	expired, carried, err = repo.CarryOver(context.Background(), entry.ID, 0.3, 30, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expired != 0 || carried != 0 {
		t.Fatalf("rerun carried again: %d / %d", expired, carried)
	}
}

/* =========================
   Test 12: Auto Top-Up
   ========================= */

func TestAutoTopupOpensOrder(t *testing.T) {
	repo := points.NewMemoryRepository()
	svc := points.NewService(repo, testConfig())

	packID := repo.AddPack(points.PointPack{Name: "Standard", Points: 1000, Price: 1099, ValidDays: 180, IsActive: true})
	if err := svc.ToggleAutoTopup(context.Background(), "u1", true, &packID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	grant(t, svc, "u1", 25, 0)
	ok, err := svc.Consume(context.Background(), "u1", "chat", points.ModeChat, 10) // balance 15 < 20
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected consume to succeed")
	}

	orders := repo.OrdersByUser("u1")
	if len(orders) != 1 {
		t.Fatalf("expected 1 auto topup order, got %d", len(orders))
	}
	if orders[0].Status != points.OrderPending || orders[0].PackID != packID {
		t.Fatalf("unexpected order: %+v", orders[0])
	}

	// balance still under the threshold, first order still unpaid: no
	// second order piles up
	ok, err = svc.Consume(context.Background(), "u1", "chat", points.ModeChat, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected consume to succeed")
	}
	if orders := repo.OrdersByUser("u1"); len(orders) != 1 {
		t.Fatalf("expected pending order to suppress duplicates, got %d orders", len(orders))
	}

	// once the order settles, a later drop below the threshold opens a new one
	if _, err := svc.ConfirmPayment(context.Background(), orders[0].ID, "robokassa"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ok, err = svc.Consume(context.Background(), "u1", "chat", points.ModeChat, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected consume to succeed")
	}
	if orders := repo.OrdersByUser("u1"); len(orders) != 2 {
		t.Fatalf("expected a fresh auto topup order after settlement, got %d orders", len(orders))
	}
}

func TestToggleAutoTopupUnknownPack(t *testing.T) {
	repo := points.NewMemoryRepository()
	svc := points.NewService(repo, testConfig())

	packID := int64(7)
	err := svc.ToggleAutoTopup(context.Background(), "u1", true, &packID)
	if !errors.Is(err, points.ErrPackNotFound) {
		t.Fatalf("expected ErrPackNotFound, got %v", err)
	}
}

/* =========================
   Test 13: Validation
   ========================= */

func TestInvalidAmounts(t *testing.T) {
	repo := points.NewMemoryRepository()
	svc := points.NewService(repo, testConfig())

	if _, err := svc.Consume(context.Background(), "u1", "chat", points.ModeChat, 0); !errors.Is(err, points.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := svc.Authorize(context.Background(), "u1", "chat", points.ModeChat, -1); !errors.Is(err, points.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := svc.AddPoints(context.Background(), "u1", 0, points.ReasonGift, "", 0); !errors.Is(err, points.ErrInvalidDelta) {
		t.Fatalf("expected ErrInvalidDelta, got %v", err)
	}
	if err := svc.AddPoints(context.Background(), "u1", -10, points.ReasonGift, "", 0); !errors.Is(err, points.ErrInvalidDelta) {
		t.Fatalf("expected ErrInvalidDelta, got %v", err)
	}
}

/* =========================
   Test 14: Expiry Notices
   ========================= */

func TestExpirationNotices(t *testing.T) {
	repo := points.NewMemoryRepository()
	svc := points.NewService(repo, testConfig())

	grant(t, svc, "u1", 40, 3)   // inside the 7-day window
	grant(t, svc, "u2", 40, 60)  // outside

	notices, err := svc.ExpirationNotices(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notices) != 1 || notices[0].UserID != "u1" || notices[0].Points != 40 {
		t.Fatalf("unexpected notices: %+v", notices)
	}
}
