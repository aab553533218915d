package exchange_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/spot-exchange/internal/exchange"
	"github.com/atmx/spot-exchange/internal/ledger"
	"github.com/atmx/spot-exchange/internal/limits"
	"github.com/atmx/spot-exchange/internal/model"
	"github.com/atmx/spot-exchange/internal/settlement"
	"github.com/atmx/spot-exchange/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type capturingNotifier struct {
	mu       sync.Mutex
	payloads []model.TradeSettled
}

func (n *capturingNotifier) Publish(payloads ...model.TradeSettled) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, payloads...)
}

// newTestEnv creates a Service over an in-memory store.
func newTestEnv(t *testing.T, payer settlement.Payer) (*exchange.Service, *store.MemoryStore, *capturingNotifier) {
	t.Helper()
	ms := store.NewMemoryStore()
	policy := settlement.DefaultPolicy()
	policy.Payer = payer
	n := &capturingNotifier{}
	svc := exchange.NewService(ms, exchange.Options{Policy: policy, MaxRetries: 3}, n)
	return svc, ms, n
}

// seedAccount opens an account with cash and BTC.
func seedAccount(t *testing.T, svc *exchange.Service, name, cash, btc string) string {
	t.Helper()
	ctx := context.Background()
	a, err := svc.OpenAccount(ctx, name, d(cash))
	if err != nil {
		t.Fatalf("failed to open account: %v", err)
	}
	if btc != "0" {
		if err := svc.DepositAsset(ctx, a.ID, "BTC", d(btc)); err != nil {
			t.Fatalf("failed to deposit asset: %v", err)
		}
	}
	return a.ID
}

func place(t *testing.T, svc *exchange.Service, account string, side model.Side, price, amount string) *model.Order {
	t.Helper()
	o, err := svc.PlaceOrder(context.Background(), exchange.PlaceOrderRequest{
		AccountID: account,
		Symbol:    "BTC",
		Side:      side,
		Price:     d(price),
		Amount:    d(amount),
	})
	if err != nil {
		t.Fatalf("place %s %s@%s: %v", side, amount, price, err)
	}
	return o
}

func balance(t *testing.T, ms *store.MemoryStore, id string) decimal.Decimal {
	t.Helper()
	a, err := ms.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return a.Balance
}

func btc(t *testing.T, ms *store.MemoryStore, id string) model.Holding {
	t.Helper()
	hs, _ := ms.ListHoldings(context.Background(), id)
	for _, h := range hs {
		if h.Symbol == "BTC" {
			return h
		}
	}
	return model.Holding{AccountID: id, Symbol: "BTC", Amount: decimal.Zero, LockedAmount: decimal.Zero}
}

// --- Placement ---

func TestPlaceOrder_FullMatch(t *testing.T) {
	for _, payer := range []settlement.Payer{settlement.PayerBuyer, settlement.PayerSeller} {
		t.Run(string(payer), func(t *testing.T) {
			svc, ms, n := newTestEnv(t, payer)
			buyer := seedAccount(t, svc, "buyer", "100000", "0")
			seller := seedAccount(t, svc, "seller", "0", "10")

			sell := place(t, svc, seller, model.SideSell, "50000", "1")
			if got := btc(t, ms, seller); !got.LockedAmount.Equal(d("1")) || !got.Amount.Equal(d("9")) {
				t.Fatalf("sell should lock 1 BTC, got %s locked / %s available", got.LockedAmount, got.Amount)
			}

			buy := place(t, svc, buyer, model.SideBuy, "50000", "1")

			if buy.Status != model.StatusFilled {
				t.Errorf("buy should be filled, got %s", buy.Status)
			}
			sellNow, _ := ms.GetOrder(context.Background(), sell.ID)
			if sellNow.Status != model.StatusFilled {
				t.Errorf("sell should be filled, got %s", sellNow.Status)
			}

			trades, _ := ms.ListTradesBySymbol(context.Background(), "BTC", 0)
			if len(trades) != 1 || !trades[0].Price.Equal(d("50000")) || !trades[0].Amount.Equal(d("1")) {
				t.Fatalf("expected one trade of 1 @ 50000, got %+v", trades)
			}

			wantSellerCash, wantBuyerBTC := d("50000"), d("0.985")
			if payer == settlement.PayerSeller {
				wantSellerCash, wantBuyerBTC = d("49250"), d("1")
			}
			if got := balance(t, ms, seller); !got.Equal(wantSellerCash) {
				t.Errorf("seller balance = %s, want %s", got, wantSellerCash)
			}
			if got := btc(t, ms, buyer).Amount; !got.Equal(wantBuyerBTC) {
				t.Errorf("buyer BTC = %s, want %s", got, wantBuyerBTC)
			}
			if got := balance(t, ms, buyer); !got.Equal(d("50000")) {
				t.Errorf("buyer balance = %s, want 50000", got)
			}

			if len(n.payloads) != 1 || n.payloads[0].Trade.ID != trades[0].ID {
				t.Errorf("expected one notification for the trade, got %d", len(n.payloads))
			}
		})
	}
}

func TestPlaceOrder_PartialFillOfResting(t *testing.T) {
	svc, ms, _ := newTestEnv(t, settlement.PayerBuyer)
	buyer := seedAccount(t, svc, "buyer", "100000", "0")
	seller := seedAccount(t, svc, "seller", "0", "10")

	sell := place(t, svc, seller, model.SideSell, "50000", "2")
	buy := place(t, svc, buyer, model.SideBuy, "50000", "1")

	if buy.Status != model.StatusFilled {
		t.Errorf("buy should be filled, got %s", buy.Status)
	}
	sellNow, _ := ms.GetOrder(context.Background(), sell.ID)
	if sellNow.Status != model.StatusOpen || !sellNow.FilledAmount.Equal(d("1")) {
		t.Errorf("sell should stay open with 1 filled, got %s / %s", sellNow.Status, sellNow.FilledAmount)
	}
}

func TestPlaceOrder_SweepsTwoMakers(t *testing.T) {
	svc, _, _ := newTestEnv(t, settlement.PayerBuyer)
	buyer := seedAccount(t, svc, "buyer", "100000", "0")
	s1 := seedAccount(t, svc, "s1", "0", "1")
	s2 := seedAccount(t, svc, "s2", "0", "1")

	place(t, svc, s1, model.SideSell, "50000", "0.3")
	place(t, svc, s2, model.SideSell, "50000", "0.4")
	buy := place(t, svc, buyer, model.SideBuy, "50000", "1")

	if buy.Status != model.StatusOpen || !buy.FilledAmount.Equal(d("0.7")) {
		t.Errorf("buy should be open with 0.7 filled, got %s / %s", buy.Status, buy.FilledAmount)
	}
	if !buy.Reserved.Equal(d("15000")) {
		t.Errorf("buy should still hold 15000 for the 0.3 remainder, got %s", buy.Reserved)
	}
}

func TestPlaceOrder_InsufficientFunds(t *testing.T) {
	svc, ms, _ := newTestEnv(t, settlement.PayerBuyer)
	buyer := seedAccount(t, svc, "buyer", "100", "0")

	_, err := svc.PlaceOrder(context.Background(), exchange.PlaceOrderRequest{
		AccountID: buyer, Symbol: "BTC", Side: model.SideBuy, Price: d("50000"), Amount: d("1"),
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if orders, _ := ms.ListOrdersByAccount(context.Background(), buyer, ""); len(orders) != 0 {
		t.Errorf("rejected order must not be persisted, got %d", len(orders))
	}
	if got := balance(t, ms, buyer); !got.Equal(d("100")) {
		t.Errorf("balance should be untouched, got %s", got)
	}
}

func TestPlaceOrder_InsufficientAssets(t *testing.T) {
	svc, _, _ := newTestEnv(t, settlement.PayerBuyer)
	seller := seedAccount(t, svc, "seller", "0", "0.5")

	_, err := svc.PlaceOrder(context.Background(), exchange.PlaceOrderRequest{
		AccountID: seller, Symbol: "BTC", Side: model.SideSell, Price: d("50000"), Amount: d("1"),
	})
	if !errors.Is(err, ledger.ErrInsufficientAssets) {
		t.Fatalf("expected ErrInsufficientAssets, got %v", err)
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	ms := store.NewMemoryStore()
	max := d("100000")
	svc := exchange.NewService(ms, exchange.Options{
		Policy: settlement.DefaultPolicy(),
		Limits: limits.NewOrderValueLimiter(nil, &max),
	}, nil)
	account := seedAccount(t, svc, "alice", "1000000", "10")

	tests := []struct {
		name string
		req  exchange.PlaceOrderRequest
	}{
		{"unsupported symbol", exchange.PlaceOrderRequest{Symbol: "DOGE", Side: model.SideBuy, Price: d("1"), Amount: d("1")}},
		{"malformed symbol", exchange.PlaceOrderRequest{Symbol: "BTC/USD", Side: model.SideBuy, Price: d("1"), Amount: d("1")}},
		{"bad side", exchange.PlaceOrderRequest{Symbol: "BTC", Side: "hold", Price: d("1"), Amount: d("1")}},
		{"zero price", exchange.PlaceOrderRequest{Symbol: "BTC", Side: model.SideBuy, Price: d("0"), Amount: d("1")}},
		{"negative amount", exchange.PlaceOrderRequest{Symbol: "BTC", Side: model.SideSell, Price: d("1"), Amount: d("-1")}},
		{"too precise price", exchange.PlaceOrderRequest{Symbol: "BTC", Side: model.SideBuy, Price: d("1.123456789"), Amount: d("1")}},
		{"too precise amount", exchange.PlaceOrderRequest{Symbol: "BTC", Side: model.SideBuy, Price: d("1"), Amount: d("0.000000001")}},
		{"value rounds to zero", exchange.PlaceOrderRequest{Symbol: "BTC", Side: model.SideBuy, Price: d("0.00001"), Amount: d("0.0001")}},
		{"above max value", exchange.PlaceOrderRequest{Symbol: "BTC", Side: model.SideBuy, Price: d("50000"), Amount: d("2.1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.AccountID = account
			_, err := svc.PlaceOrder(context.Background(), tt.req)
			if !errors.Is(err, exchange.ErrInvalidOrder) {
				t.Errorf("expected ErrInvalidOrder, got %v", err)
			}
		})
	}

	// Lower-case symbols are normalized.
	o, err := svc.PlaceOrder(context.Background(), exchange.PlaceOrderRequest{
		AccountID: account, Symbol: " btc ", Side: model.SideSell, Price: d("60000"), Amount: d("1"),
	})
	if err != nil {
		t.Fatalf("normalized symbol should be accepted: %v", err)
	}
	if o.Symbol != "BTC" {
		t.Errorf("expected BTC, got %s", o.Symbol)
	}
}

func TestPlaceOrder_UnknownAccount(t *testing.T) {
	svc, _, _ := newTestEnv(t, settlement.PayerBuyer)
	_, err := svc.PlaceOrder(context.Background(), exchange.PlaceOrderRequest{
		AccountID: "ghost", Symbol: "BTC", Side: model.SideBuy, Price: d("1"), Amount: d("1"),
	})
	if !errors.Is(err, exchange.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestPlaceOrder_RefundsPriceImprovement(t *testing.T) {
	svc, ms, _ := newTestEnv(t, settlement.PayerSeller)
	buyer := seedAccount(t, svc, "buyer", "100000", "0")
	seller := seedAccount(t, svc, "seller", "0", "1")

	place(t, svc, seller, model.SideSell, "48000", "1")
	place(t, svc, buyer, model.SideBuy, "50000", "1")

	if got := balance(t, ms, buyer); !got.Equal(d("52000")) {
		t.Errorf("buyer should pay the maker price only, balance = %s", got)
	}
}

// --- Cancellation ---

func TestCancelOrder_BuyRestoresBalance(t *testing.T) {
	svc, ms, _ := newTestEnv(t, settlement.PayerBuyer)
	buyer := seedAccount(t, svc, "buyer", "100000", "0")

	o := place(t, svc, buyer, model.SideBuy, "95000", "1")
	if got := balance(t, ms, buyer); !got.Equal(d("5000")) {
		t.Fatalf("expected 5000 after reserve, got %s", got)
	}

	cancelled, err := svc.CancelOrder(context.Background(), o.ID, buyer)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.StatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
	if got := balance(t, ms, buyer); !got.Equal(d("100000")) {
		t.Errorf("expected 100000 restored, got %s", got)
	}

	_, err = svc.CancelOrder(context.Background(), o.ID, buyer)
	if !errors.Is(err, exchange.ErrAlreadyCancelled) {
		t.Errorf("expected ErrAlreadyCancelled, got %v", err)
	}
	if got := balance(t, ms, buyer); !got.Equal(d("100000")) {
		t.Errorf("second cancel must not credit again, got %s", got)
	}
}

func TestCancelOrder_PartiallyFilledBuyReleasesRemainder(t *testing.T) {
	svc, ms, _ := newTestEnv(t, settlement.PayerSeller)
	buyer := seedAccount(t, svc, "buyer", "100000", "0")
	seller := seedAccount(t, svc, "seller", "0", "1")

	buy := place(t, svc, buyer, model.SideBuy, "50000", "1")
	place(t, svc, seller, model.SideSell, "50000", "0.4")

	if _, err := svc.CancelOrder(context.Background(), buy.ID, buyer); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// Paid 20000 for 0.4 BTC, the other 30000 comes back.
	if got := balance(t, ms, buyer); !got.Equal(d("80000")) {
		t.Errorf("expected 80000, got %s", got)
	}
	if got := btc(t, ms, buyer).Amount; !got.Equal(d("0.4")) {
		t.Errorf("expected 0.4 BTC, got %s", got)
	}
}

func TestCancelOrder_PartiallyFilledSellReleasesRemainder(t *testing.T) {
	svc, ms, _ := newTestEnv(t, settlement.PayerSeller)
	buyer := seedAccount(t, svc, "buyer", "100000", "0")
	seller := seedAccount(t, svc, "seller", "0", "2")

	sell := place(t, svc, seller, model.SideSell, "100", "2")
	place(t, svc, buyer, model.SideBuy, "100", "0.5")

	if _, err := svc.CancelOrder(context.Background(), sell.ID, seller); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h := btc(t, ms, seller)
	if !h.Amount.Equal(d("1.5")) || !h.LockedAmount.IsZero() {
		t.Errorf("expected 1.5 available / 0 locked, got %s / %s", h.Amount, h.LockedAmount)
	}
}

func TestCancelOrder_Errors(t *testing.T) {
	svc, _, _ := newTestEnv(t, settlement.PayerBuyer)
	buyer := seedAccount(t, svc, "buyer", "100000", "0")
	seller := seedAccount(t, svc, "seller", "0", "1")

	open := place(t, svc, buyer, model.SideBuy, "100", "1")
	if _, err := svc.CancelOrder(context.Background(), open.ID, seller); !errors.Is(err, exchange.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	if _, err := svc.CancelOrder(context.Background(), "missing", buyer); !errors.Is(err, exchange.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}

	sell := place(t, svc, seller, model.SideSell, "100", "1")
	if _, err := svc.CancelOrder(context.Background(), sell.ID, seller); !errors.Is(err, exchange.ErrAlreadyFilled) {
		t.Errorf("expected ErrAlreadyFilled, got %v", err)
	}
}

// --- Read models ---

func TestGetOrderBook(t *testing.T) {
	svc, _, _ := newTestEnv(t, settlement.PayerBuyer)
	buyer := seedAccount(t, svc, "buyer", "1000000", "0")
	seller := seedAccount(t, svc, "seller", "0", "10")

	b1 := place(t, svc, buyer, model.SideBuy, "100", "1")
	b2 := place(t, svc, buyer, model.SideBuy, "101", "1")
	s1 := place(t, svc, seller, model.SideSell, "105", "1")
	s2 := place(t, svc, seller, model.SideSell, "103", "1")

	ctx := context.Background()
	buys, _ := svc.GetOrderBook(ctx, "btc", model.SideBuy)
	if len(buys) != 2 || buys[0].ID != b2.ID || buys[1].ID != b1.ID {
		t.Errorf("buys should be highest first")
	}
	sells, _ := svc.GetOrderBook(ctx, "BTC", model.SideSell)
	if len(sells) != 2 || sells[0].ID != s2.ID || sells[1].ID != s1.ID {
		t.Errorf("sells should be lowest first")
	}

	all, err := svc.GetOrderBook(ctx, "BTC", "")
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	want := []string{b2.ID, b1.ID, s2.ID, s1.ID}
	for i, id := range want {
		if all[i].ID != id {
			t.Errorf("book[%d] = %s, want %s", i, all[i].ID, id)
		}
	}

	if _, err := svc.GetOrderBook(ctx, "BTC", "both"); !errors.Is(err, exchange.ErrInvalidOrder) {
		t.Errorf("expected ErrInvalidOrder for a bad side, got %v", err)
	}
}

func TestGetProfile(t *testing.T) {
	svc, _, _ := newTestEnv(t, settlement.PayerBuyer)
	seller := seedAccount(t, svc, "seller", "10", "3")
	place(t, svc, seller, model.SideSell, "100", "1")

	p, err := svc.GetProfile(context.Background(), seller)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if !p.Account.Balance.Equal(d("10")) {
		t.Errorf("expected balance 10, got %s", p.Account.Balance)
	}
	if len(p.Holdings) != 1 || !p.Holdings[0].Total().Equal(d("3")) || !p.Holdings[0].LockedAmount.Equal(d("1")) {
		t.Errorf("unexpected holdings %+v", p.Holdings)
	}
	if len(p.OpenOrders) != 1 {
		t.Errorf("expected 1 open order, got %d", len(p.OpenOrders))
	}

	if _, err := svc.GetProfile(context.Background(), "ghost"); !errors.Is(err, exchange.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

// --- Concurrency ---

func TestPlaceOrder_ConcurrentDoubleSpend(t *testing.T) {
	svc, ms, _ := newTestEnv(t, settlement.PayerBuyer)
	buyer := seedAccount(t, svc, "buyer", "100", "0")

	var wg sync.WaitGroup
	var ok, rejected atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.PlaceOrder(context.Background(), exchange.PlaceOrderRequest{
				AccountID: buyer, Symbol: "BTC", Side: model.SideBuy, Price: d("100"), Amount: d("1"),
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ledger.ErrInsufficientFunds):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 || rejected.Load() != 9 {
		t.Errorf("expected 1 accepted / 9 rejected, got %d / %d", ok.Load(), rejected.Load())
	}
	if got := balance(t, ms, buyer); !got.IsZero() {
		t.Errorf("expected balance 0, got %s", got)
	}
}

func TestConservationUnderConcurrency(t *testing.T) {
	for _, payer := range []settlement.Payer{settlement.PayerBuyer, settlement.PayerSeller} {
		t.Run(string(payer), func(t *testing.T) {
			svc, ms, _ := newTestEnv(t, payer)
			ctx := context.Background()

			const traders = 8
			ids := make([]string, traders)
			for i := range ids {
				ids[i] = seedAccount(t, svc, fmt.Sprintf("trader-%d", i), "100000", "50")
			}
			initialCash := d("100000").Mul(decimal.NewFromInt(traders))
			initialBTC := d("50").Mul(decimal.NewFromInt(traders))

			prices := []string{"99.5", "100", "100.25", "101", "98.12345678"}
			amounts := []string{"0.1", "0.33333333", "1", "2.5", "0.00000007"}

			var wg sync.WaitGroup
			for i, id := range ids {
				wg.Add(1)
				go func(seed int64, account string) {
					defer wg.Done()
					rng := rand.New(rand.NewSource(seed))
					var mine []string
					for n := 0; n < 60; n++ {
						if len(mine) > 0 && rng.Intn(4) == 0 {
							id := mine[rng.Intn(len(mine))]
							_, err := svc.CancelOrder(ctx, id, account)
							if err != nil && !errors.Is(err, exchange.ErrAlreadyFilled) && !errors.Is(err, exchange.ErrAlreadyCancelled) {
								t.Errorf("cancel: %v", err)
							}
							continue
						}
						side := model.SideBuy
						if rng.Intn(2) == 0 {
							side = model.SideSell
						}
						o, err := svc.PlaceOrder(ctx, exchange.PlaceOrderRequest{
							AccountID: account,
							Symbol:    "BTC",
							Side:      side,
							Price:     d(prices[rng.Intn(len(prices))]),
							Amount:    d(amounts[rng.Intn(len(amounts))]),
						})
						if err != nil {
							if !errors.Is(err, ledger.ErrInsufficientFunds) && !errors.Is(err, ledger.ErrInsufficientAssets) {
								t.Errorf("place: %v", err)
							}
							continue
						}
						mine = append(mine, o.ID)
					}
				}(int64(i+1), id)
			}
			wg.Wait()

			cash, asset := decimal.Zero, decimal.Zero
			for _, id := range ids {
				bal := balance(t, ms, id)
				h := btc(t, ms, id)
				if bal.IsNegative() || h.Amount.IsNegative() || h.LockedAmount.IsNegative() {
					t.Fatalf("negative balance for %s: %s cash, %s/%s BTC", id, bal, h.Amount, h.LockedAmount)
				}
				cash = cash.Add(bal)
				asset = asset.Add(h.Total())

				orders, _ := ms.ListOrdersByAccount(ctx, id, "")
				lockedForSells := decimal.Zero
				for _, o := range orders {
					if o.FilledAmount.GreaterThan(o.Amount) || o.FilledAmount.IsNegative() {
						t.Errorf("order %s overfilled: %s of %s", o.ID, o.FilledAmount, o.Amount)
					}
					if o.Status != model.StatusOpen && o.Side == model.SideBuy && !o.Reserved.IsZero() {
						t.Errorf("closed buy order %s still holds %s", o.ID, o.Reserved)
					}
					cash = cash.Add(o.Reserved)
					if o.IsOpen() && o.Side == model.SideSell {
						lockedForSells = lockedForSells.Add(o.Remaining())
					}
				}
				if !h.LockedAmount.Equal(lockedForSells) {
					t.Errorf("%s locks %s BTC but open sells need %s", id, h.LockedAmount, lockedForSells)
				}
			}

			trades, _ := ms.ListTradesBySymbol(ctx, "BTC", 0)
			for _, tr := range trades {
				if tr.BuyerID == tr.SellerID {
					t.Errorf("self-match in trade %s", tr.ID)
				}
				if payer == settlement.PayerSeller {
					cash = cash.Add(tr.Commission)
				} else {
					asset = asset.Add(tr.AssetCommission)
				}
			}

			if !cash.Equal(initialCash) {
				t.Errorf("cash not conserved: %s != %s (%d trades)", cash, initialCash, len(trades))
			}
			if !asset.Equal(initialBTC) {
				t.Errorf("asset not conserved: %s != %s (%d trades)", asset, initialBTC, len(trades))
			}
		})
	}
}

// --- Retry ---

var errBusy = errors.New("busy")

// flakyStore fails the first n units with errBusy.
type flakyStore struct {
	*store.MemoryStore
	failures atomic.Int32
	calls    atomic.Int32
}

func (s *flakyStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.calls.Add(1)
	if s.failures.Add(-1) >= 0 {
		// Run the unit to completion, then throw it away.
		_ = s.MemoryStore.InTx(ctx, func(tx store.Tx) error {
			if err := fn(tx); err != nil {
				return err
			}
			return errBusy
		})
		return errBusy
	}
	return s.MemoryStore.InTx(ctx, fn)
}

func newFlakyEnv(t *testing.T, failures int32, maxRetries int) (*exchange.Service, *flakyStore, string) {
	t.Helper()
	fs := &flakyStore{MemoryStore: store.NewMemoryStore()}
	svc := exchange.NewService(fs, exchange.Options{
		Policy:       settlement.DefaultPolicy(),
		MaxRetries:   maxRetries,
		RetryBackoff: time.Millisecond,
		IsTransient:  func(err error) bool { return errors.Is(err, errBusy) },
	}, nil)
	account, err := svc.OpenAccount(context.Background(), "alice", d("1000"))
	if err != nil {
		t.Fatalf("open account: %v", err)
	}
	fs.calls.Store(0)
	fs.failures.Store(failures)
	return svc, fs, account.ID
}

func TestRetry_RecoversFromTransientErrors(t *testing.T) {
	svc, fs, account := newFlakyEnv(t, 2, 3)

	o, err := svc.PlaceOrder(context.Background(), exchange.PlaceOrderRequest{
		AccountID: account, Symbol: "BTC", Side: model.SideBuy, Price: d("100"), Amount: d("1"),
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if fs.calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", fs.calls.Load())
	}
	// Only the committed attempt left a trace.
	orders, _ := fs.ListOrdersByAccount(context.Background(), account, "")
	if len(orders) != 1 || orders[0].ID != o.ID {
		t.Errorf("expected exactly the committed order, got %d orders", len(orders))
	}
	a, _ := fs.GetAccount(context.Background(), account)
	if !a.Balance.Equal(d("900")) {
		t.Errorf("expected a single reservation, balance = %s", a.Balance)
	}
}

func TestRetry_GivesUp(t *testing.T) {
	svc, fs, account := newFlakyEnv(t, 10, 2)

	_, err := svc.PlaceOrder(context.Background(), exchange.PlaceOrderRequest{
		AccountID: account, Symbol: "BTC", Side: model.SideBuy, Price: d("100"), Amount: d("1"),
	})
	if !errors.Is(err, exchange.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	if fs.calls.Load() != 3 {
		t.Errorf("expected 1 attempt + 2 retries, got %d", fs.calls.Load())
	}
	a, _ := fs.GetAccount(context.Background(), account)
	if !a.Balance.Equal(d("1000")) {
		t.Errorf("failed units must not reserve, balance = %s", a.Balance)
	}
}
