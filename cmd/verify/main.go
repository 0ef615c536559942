// Command verify checks configured markets against the venue without
// trading: universe ids, symbols, leverage caps, top of book and, when an
// account address is known, the account snapshot the desk would start from.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"hl-perp-desk/internal/config"
	"hl-perp-desk/internal/gateway"
	"hl-perp-desk/internal/gateway/hyperliquid"
	"hl-perp-desk/internal/hl/rest"
	"hl-perp-desk/internal/logging"
	"hl-perp-desk/internal/trading"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultVerifyEnvFile = ".env"
	defaultTimeout       = 30 * time.Second
)

type marketReport struct {
	ID          trading.MarketID `json:"id"`
	Symbol      string           `json:"symbol"`
	VenueSymbol string           `json:"venue_symbol,omitempty"`
	MaxLeverage string           `json:"venue_max_leverage,omitempty"`
	LeverageCap string           `json:"leverage_cap"`
	BestBid     string           `json:"best_bid,omitempty"`
	BestAsk     string           `json:"best_ask,omitempty"`
	SpreadBps   string           `json:"spread_bps,omitempty"`
	Problems    []string         `json:"problems,omitempty"`
}

type accountReport struct {
	Address    string            `json:"address"`
	Equity     string            `json:"equity"`
	Positions  map[string]string `json:"positions"`
	OpenOrders int               `json:"open_orders"`
}

type report struct {
	BaseURL string         `json:"base_url"`
	Markets []marketReport `json:"markets"`
	Account *accountReport `json:"account,omitempty"`
}

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	account := flag.String("account", "", "account address to inspect (defaults to HL_ACCOUNT_ADDRESS or HL_WALLET_ADDRESS)")
	asJSON := flag.Bool("json", false, "print the report as JSON")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	markets, err := trading.MarketsFromConfig(cfg.Markets)
	if err != nil {
		fatal(err)
	}
	addr := strings.TrimSpace(*account)
	if addr == "" {
		addr = firstEnv("HL_VAULT_ADDRESS", "HL_ACCOUNT_ADDRESS", "HL_WALLET_ADDRESS")
	}
	info := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
	gw, err := hyperliquid.New(info, nil, nil, markets, hyperliquid.Options{
		User:  addr,
		Retry: gateway.RetryPolicy{Attempts: cfg.Gateway.RetryAttempts, Backoff: cfg.Gateway.RetryBackoff},
	}, log, nil)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	rep, failed := verify(ctx, gw, markets, addr, log)
	rep.BaseURL = cfg.REST.BaseURL
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			fatal(err)
		}
	} else {
		printReport(rep)
	}
	if failed {
		os.Exit(1)
	}
}

func verify(ctx context.Context, gw *hyperliquid.Gateway, markets *trading.Markets, addr string, log *zap.Logger) (report, bool) {
	var rep report
	failed := false
	metas, err := gw.Markets(ctx)
	if err != nil {
		fatal(fmt.Errorf("fetch venue markets: %w", err))
	}
	byID := make(map[trading.MarketID]gateway.MarketMeta, len(metas))
	for _, meta := range metas {
		byID[meta.ID] = meta
	}

	for _, mk := range markets.List() {
		mr := marketReport{ID: mk.ID, Symbol: mk.Symbol, LeverageCap: mk.LeverageCap.String()}
		meta, ok := byID[mk.ID]
		switch {
		case !ok:
			mr.Problems = append(mr.Problems, "not listed by venue")
		case !strings.EqualFold(meta.Symbol, mk.Symbol):
			mr.VenueSymbol = meta.Symbol
			mr.Problems = append(mr.Problems, fmt.Sprintf("venue lists %s at this id", meta.Symbol))
		default:
			mr.VenueSymbol = meta.Symbol
			mr.MaxLeverage = meta.MaxLeverage.String()
			if meta.MaxLeverage.IsPositive() && mk.LeverageCap.GreaterThan(meta.MaxLeverage) {
				mr.Problems = append(mr.Problems, "leverage cap above venue max")
			}
		}
		if ok {
			book, err := gw.FetchBook(ctx, mk)
			if err != nil {
				mr.Problems = append(mr.Problems, "book: "+err.Error())
			} else if len(book.Bids) == 0 || len(book.Asks) == 0 {
				mr.Problems = append(mr.Problems, "book is one-sided")
			} else {
				bid, ask := book.Bids[0].Price, book.Asks[0].Price
				mr.BestBid = bid.String()
				mr.BestAsk = ask.String()
				mid := bid.Add(ask).Div(decimal.NewFromInt(2))
				if mid.IsPositive() {
					mr.SpreadBps = ask.Sub(bid).Div(mid).Mul(decimal.NewFromInt(10000)).StringFixed(2)
				}
			}
		}
		if len(mr.Problems) > 0 {
			failed = true
		}
		rep.Markets = append(rep.Markets, mr)
	}

	if addr == "" {
		log.Info("no account address; skipping account check")
		return rep, failed
	}
	acct, err := gw.AccountState(ctx)
	if err != nil {
		log.Error("account state failed", zap.Error(err))
		return rep, true
	}
	ar := &accountReport{
		Address:    addr,
		Equity:     acct.Equity.StringFixed(2),
		Positions:  make(map[string]string, len(acct.Positions)),
		OpenOrders: len(acct.OpenOrders),
	}
	for id, pos := range acct.Positions {
		label := fmt.Sprintf("#%d", id)
		if mk, ok := markets.Get(id); ok {
			label = mk.Symbol
		}
		ar.Positions[label] = pos.Size.String() + " @ " + pos.EntryPrice.String()
	}
	rep.Account = ar
	return rep, failed
}

func printReport(rep report) {
	fmt.Printf("venue: %s\n", rep.BaseURL)
	for _, mr := range rep.Markets {
		status := "ok"
		if len(mr.Problems) > 0 {
			status = strings.Join(mr.Problems, "; ")
		}
		fmt.Printf("market %d %s: bid=%s ask=%s spread_bps=%s cap=%s venue_max=%s [%s]\n",
			mr.ID, mr.Symbol, orDash(mr.BestBid), orDash(mr.BestAsk), orDash(mr.SpreadBps),
			mr.LeverageCap, orDash(mr.MaxLeverage), status)
	}
	if rep.Account == nil {
		return
	}
	fmt.Printf("account %s: equity=%s open_orders=%d\n", rep.Account.Address, rep.Account.Equity, rep.Account.OpenOrders)
	for sym, pos := range rep.Account.Positions {
		fmt.Printf("  position %s: %s\n", sym, pos)
	}
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func fatal(err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
	os.Exit(1)
}
