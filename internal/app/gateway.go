package app

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"hl-perp-desk/internal/config"
	"hl-perp-desk/internal/gateway"
	"hl-perp-desk/internal/gateway/hyperliquid"
	"hl-perp-desk/internal/gateway/paper"
	"hl-perp-desk/internal/hl/exchange"
	"hl-perp-desk/internal/hl/rest"
	"hl-perp-desk/internal/hl/ws"
	"hl-perp-desk/internal/metrics"
	"hl-perp-desk/internal/trading"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type credentials struct {
	wallet     string
	account    string
	privateKey string
	vault      string
}

func credentialsFromEnv() (credentials, error) {
	c := credentials{
		wallet:     strings.TrimSpace(os.Getenv("HL_WALLET_ADDRESS")),
		account:    strings.TrimSpace(os.Getenv("HL_ACCOUNT_ADDRESS")),
		privateKey: strings.TrimSpace(os.Getenv("HL_PRIVATE_KEY")),
		vault:      strings.TrimSpace(os.Getenv("HL_VAULT_ADDRESS")),
	}
	if c.wallet == "" {
		return credentials{}, errors.New("HL_WALLET_ADDRESS is required")
	}
	if c.privateKey == "" {
		return credentials{}, errors.New("HL_PRIVATE_KEY is required")
	}
	if c.account == "" {
		c.account = c.wallet
	}
	if c.vault != "" {
		c.account = c.vault
	}
	return c, nil
}

// buildGateway returns the configured gateway and, in live mode, the
// exchange client whose nonces need a persistent store.
func buildGateway(cfg *config.Config, markets *trading.Markets, log *zap.Logger, m *metrics.Metrics) (gateway.Gateway, *exchange.Client, error) {
	info := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
	stream := ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	opts := hyperliquid.Options{
		ActionsPerSecond: cfg.Gateway.ActionsPerSecond,
		Burst:            cfg.Gateway.Burst,
		Retry: gateway.RetryPolicy{
			Attempts: cfg.Gateway.RetryAttempts,
			Backoff:  cfg.Gateway.RetryBackoff,
		},
	}

	if cfg.Gateway.Mode == config.GatewayPaper {
		data, err := hyperliquid.New(info, nil, stream, markets, opts, log, m)
		if err != nil {
			return nil, nil, err
		}
		popts := paper.DefaultOptions()
		popts.Equity = decimal.NewFromFloat(cfg.Gateway.PaperEquityUSD)
		gw, err := paper.New(data, popts, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info("paper gateway enabled", zap.String("equity", popts.Equity.String()))
		return gw, nil, nil
	}

	creds, err := credentialsFromEnv()
	if err != nil {
		return nil, nil, err
	}
	isMainnet := !strings.Contains(strings.ToLower(cfg.REST.BaseURL), "testnet")
	signer, err := exchange.NewSigner(creds.privateKey, isMainnet)
	if err != nil {
		return nil, nil, err
	}
	if !strings.EqualFold(creds.wallet, signer.Address().Hex()) {
		return nil, nil, fmt.Errorf("wallet address does not match private key: got %s expected %s", creds.wallet, signer.Address().Hex())
	}
	exch, err := exchange.NewClient(info, signer, creds.vault)
	if err != nil {
		return nil, nil, err
	}
	exch.SetLogger(log)
	opts.User = creds.account
	gw, err := hyperliquid.New(info, exch, stream, markets, opts, log, m)
	if err != nil {
		return nil, nil, err
	}
	log.Info("live gateway enabled", zap.String("account", creds.account), zap.Bool("mainnet", isMainnet))
	return gw, exch, nil
}
