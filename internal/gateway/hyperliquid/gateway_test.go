package hyperliquid

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hl-perp-desk/internal/gateway"
	"hl-perp-desk/internal/hl/exchange"
	"hl-perp-desk/internal/hl/rest"
	"hl-perp-desk/internal/trading"

	"github.com/shopspring/decimal"
)

const (
	testKey   = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2"
	testUser  = "0x00000000000000000000000000000000000000aa"
	testCloid = "0x0000000000000000000000000000abcd"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testMarkets(t *testing.T) *trading.Markets {
	t.Helper()
	ms, err := trading.NewMarkets([]trading.Market{
		{ID: 0, Symbol: "BTC", TickSize: d("1"), MinSize: d("0.001"), LeverageCap: d("3")},
		{ID: 1, Symbol: "ETH", TickSize: d("0.1"), MinSize: d("0.001"), LeverageCap: d("3")},
	})
	if err != nil {
		t.Fatalf("markets: %v", err)
	}
	return ms
}

// newTestGateway points every client at handler. exchange responses come
// from the same handler under /exchange.
func newTestGateway(t *testing.T, handler http.HandlerFunc) *Gateway {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	transport := rest.New(server.URL, time.Second, nil)
	signer, err := exchange.NewSigner(testKey, false)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	exch, err := exchange.NewClient(transport, signer, "")
	if err != nil {
		t.Fatalf("exchange client: %v", err)
	}
	g, err := New(transport, exch, nil, testMarkets(t), Options{
		User:  testUser,
		Retry: gateway.RetryPolicy{Attempts: 3, Backoff: time.Millisecond},
	}, nil, nil)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	return g
}

func ethMarket(t *testing.T, g *Gateway) trading.Market {
	t.Helper()
	mk, ok := g.markets.Get(1)
	if !ok {
		t.Fatalf("missing ETH market")
	}
	return mk
}

func TestSubmitOrderResting(t *testing.T) {
	var tif string
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Action struct {
				Orders []struct {
					T struct {
						Limit struct {
							Tif string `json:"tif"`
						} `json:"limit"`
					} `json:"t"`
				} `json:"orders"`
			} `json:"action"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if len(body.Action.Orders) == 1 {
			tif = body.Action.Orders[0].T.Limit.Tif
		}
		_, _ = w.Write([]byte(`{"status":"ok","response":{"type":"order","data":{"statuses":[{"resting":{"oid":77}}]}}}`))
	})
	ack, err := g.SubmitOrder(context.Background(), gateway.OrderRequest{
		ClientID: testCloid,
		Market:   ethMarket(t, g),
		Side:     trading.Buy,
		Price:    d("2000.5"),
		Size:     d("0.01"),
		PostOnly: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ack.Status != gateway.AckResting || ack.ExchangeID != "77" || ack.ClientID != testCloid {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if tif != "Alo" {
		t.Fatalf("expected Alo for post-only, got %q", tif)
	}
	if got := g.ledger.cloid(77); got != testCloid {
		t.Fatalf("expected oid linked to cloid, got %q", got)
	}
}

func TestSubmitOrderRejected(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","response":{"type":"order","data":{"statuses":[{"error":"Insufficient margin to place order."}]}}}`))
	})
	_, err := g.SubmitOrder(context.Background(), gateway.OrderRequest{
		ClientID: testCloid,
		Market:   ethMarket(t, g),
		Side:     trading.Sell,
		Price:    d("2000"),
		Size:     d("0.01"),
	})
	if !errors.Is(err, gateway.ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if reason := gateway.RejectReason(err); reason != "Insufficient margin to place order." {
		t.Fatalf("unexpected reason %q", reason)
	}
}

func TestSubmitOrderRetriesServerErrors(t *testing.T) {
	calls := 0
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok","response":{"type":"order","data":{"statuses":[{"filled":{"totalSz":"0.01","avgPx":"2001","oid":9}}]}}}`))
	})
	ack, err := g.SubmitOrder(context.Background(), gateway.OrderRequest{
		ClientID: testCloid,
		Market:   ethMarket(t, g),
		Side:     trading.Buy,
		Price:    d("2010"),
		Size:     d("0.01"),
		IOC:      true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected one retry, got %d calls", calls)
	}
	if ack.Status != gateway.AckFilled || !ack.Filled.Equal(d("0.01")) || !ack.AvgPrice.Equal(d("2001")) {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestSubmitOrderNeedsPrice(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	})
	_, err := g.SubmitOrder(context.Background(), gateway.OrderRequest{ClientID: testCloid, Market: ethMarket(t, g), Side: trading.Buy, Size: d("0.01")})
	if !errors.Is(err, gateway.ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestCancelOrderNotFound(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","response":{"type":"cancel","data":{"statuses":[{"error":"Order was never placed, already canceled, or filled."}]}}}`))
	})
	err := g.CancelOrder(context.Background(), gateway.CancelRequest{Market: ethMarket(t, g), ClientID: testCloid})
	if !errors.Is(err, gateway.ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelOrderByExchangeID(t *testing.T) {
	var actionType string
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Action struct {
				Type string `json:"type"`
			} `json:"action"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		actionType = body.Action.Type
		_, _ = w.Write([]byte(`{"status":"ok","response":{"type":"cancel","data":{"statuses":["success"]}}}`))
	})
	if err := g.CancelOrder(context.Background(), gateway.CancelRequest{Market: ethMarket(t, g), ExchangeID: "42"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if actionType != "cancel" {
		t.Fatalf("expected cancel by oid, got %q", actionType)
	}
}

func TestAccountState(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Type string `json:"type"`
			User string `json:"user"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.User != testUser {
			t.Errorf("unexpected user %q", req.User)
		}
		switch req.Type {
		case "clearinghouseState":
			_, _ = w.Write([]byte(`{"marginSummary":{"accountValue":"101.25"},"assetPositions":[
				{"position":{"coin":"ETH","szi":"-0.02","entryPx":"2010.5"}},
				{"position":{"coin":"DOGE","szi":"100","entryPx":"0.1"}}],"time":1700000000000}`))
		case "frontendOpenOrders":
			_, _ = w.Write([]byte(`[
				{"coin":"ETH","side":"B","limitPx":"1990","sz":"0.005","origSz":"0.01","oid":5,"cloid":"` + testCloid + `"},
				{"coin":"BTC","side":"A","limitPx":"70000","sz":"0.001","origSz":"0.001","oid":6}]`))
		default:
			t.Errorf("unexpected info type %q", req.Type)
		}
	})
	acct, err := g.AccountState(context.Background())
	if err != nil {
		t.Fatalf("account state: %v", err)
	}
	if !acct.Equity.Equal(d("101.25")) {
		t.Fatalf("unexpected equity %s", acct.Equity)
	}
	if len(acct.Positions) != 1 || !acct.Positions[1].Size.Equal(d("-0.02")) {
		t.Fatalf("unexpected positions %+v", acct.Positions)
	}
	if len(acct.OpenOrders) != 2 {
		t.Fatalf("expected 2 open orders, got %d", len(acct.OpenOrders))
	}
	first := acct.OpenOrders[0]
	if first.ClientID != testCloid || first.Side != trading.Buy || !first.Filled().Equal(d("0.005")) {
		t.Fatalf("unexpected first order %+v", first)
	}
	second := acct.OpenOrders[1]
	if second.ClientID != "" || second.ExchangeID != "6" || second.Side != trading.Sell || second.Market != 0 {
		t.Fatalf("unexpected second order %+v", second)
	}
	if acct.FetchedAt.IsZero() {
		t.Fatalf("expected fetch time")
	}
}

func TestFetchBookUsesTimeAsSequence(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"coin":"ETH","time":1700000000123,"levels":[[{"px":"1999.9","sz":"1.5","n":2}],[{"px":"2000.1","sz":"0.7","n":1}]]}`))
	})
	ev, err := g.FetchBook(context.Background(), ethMarket(t, g))
	if err != nil {
		t.Fatalf("fetch book: %v", err)
	}
	if ev.Seq != 1700000000123 || !ev.Snapshot || ev.Market != 1 {
		t.Fatalf("unexpected book event %+v", ev)
	}
	if len(ev.Bids) != 1 || !ev.Bids[0].Price.Equal(d("1999.9")) || !ev.Asks[0].Size.Equal(d("0.7")) {
		t.Fatalf("unexpected levels %+v %+v", ev.Bids, ev.Asks)
	}
}

func TestMarketsSkipsDelisted(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"universe":[{"name":"BTC","szDecimals":5,"maxLeverage":40},{"name":"OLD","szDecimals":0,"maxLeverage":3,"isDelisted":true},{"name":"ETH","szDecimals":4,"maxLeverage":25}]}`))
	})
	metas, err := g.Markets(context.Background())
	if err != nil {
		t.Fatalf("markets: %v", err)
	}
	if len(metas) != 2 || metas[1].Symbol != "ETH" || metas[1].ID != 2 || metas[1].SizeDecimals != 4 {
		t.Fatalf("unexpected metas %+v", metas)
	}
}
