package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/spot-exchange/internal/model"
)

type recordingSink struct {
	mu       sync.Mutex
	name     string
	err      error
	received []model.TradeSettled
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(_ context.Context, p model.TradeSettled) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, p)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func payload(id string) model.TradeSettled {
	return model.TradeSettled{
		Trade: model.TradeSummary{
			ID:         id,
			Symbol:     "BTC",
			Price:      decimal.NewFromInt(50000),
			Amount:     decimal.NewFromInt(1),
			Commission: decimal.NewFromInt(750),
			ExecutedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		BuyerID:  "buyer",
		SellerID: "seller",
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcher_FansOutToAllSinks(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b", err: errors.New("unavailable")}
	disp := NewDispatcher(8, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Run(ctx)

	disp.Publish(payload("t1"), payload("t2"))

	waitFor(t, func() bool { return a.count() == 2 && b.count() == 2 })
	if a.received[0].Trade.ID != "t1" || a.received[1].Trade.ID != "t2" {
		t.Errorf("payloads should arrive in publish order, got %s, %s", a.received[0].Trade.ID, a.received[1].Trade.ID)
	}
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	sink := &recordingSink{name: "a"}
	disp := NewDispatcher(1, sink)

	// Not running: the second payload has nowhere to go.
	disp.Publish(payload("t1"), payload("t2"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Run(ctx)

	waitFor(t, func() bool { return sink.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	if sink.count() != 1 {
		t.Errorf("expected the overflow payload to be dropped, got %d deliveries", sink.count())
	}
}

func TestWSHub_DeliversToPrivateChannels(t *testing.T) {
	hub := NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWS(w, r, r.URL.Query().Get("account_id"))
	}))
	defer srv.Close()

	dial := func(account string) *websocket.Conn {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?account_id=" + account
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial %s: %v", account, err)
		}
		return conn
	}
	buyer := dial("buyer")
	defer buyer.Close()
	other := dial("other")
	defer other.Close()

	waitFor(t, func() bool { return hub.Clients("buyer") == 1 && hub.Clients("other") == 1 })

	if err := hub.Deliver(ctx, payload("t1")); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	buyer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := buyer.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Event != EventOrderMatched || msg.Channel != "user.buyer" {
		t.Errorf("unexpected envelope %s on %s", msg.Event, msg.Channel)
	}
	if msg.Data.Trade.ID != "t1" || msg.Data.SellerID != "seller" {
		t.Errorf("unexpected payload %+v", msg.Data)
	}

	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Error("an uninvolved account must not receive the trade")
	}
}

func TestKafkaMessage(t *testing.T) {
	msg, err := kafkaMessage(payload("t1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(msg.Key) != "t1" {
		t.Errorf("expected key t1, got %s", msg.Key)
	}
	var got model.TradeSettled
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.BuyerID != "buyer" || !got.Trade.Price.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("unexpected value %+v", got)
	}
}
