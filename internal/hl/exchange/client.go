package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hl-perp-desk/internal/hl/rest"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Client signs and posts L1 actions to the exchange endpoint.
type Client struct {
	transport     *rest.Client
	signer        *Signer
	vaultAddress  *common.Address
	lastNonce     atomic.Uint64
	lastPersisted atomic.Uint64
	nonceStore    NonceStore
	nonceKey      string
	log           *zap.Logger
	persistMu     sync.Mutex
	persistWarned atomic.Bool
}

type NonceStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

type NonceState struct {
	Key       string
	Last      uint64
	Persisted uint64
}

func NewClient(transport *rest.Client, signer *Signer, vaultAddress string) (*Client, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	var vault *common.Address
	if strings.TrimSpace(vaultAddress) != "" {
		addr := common.HexToAddress(vaultAddress)
		vault = &addr
	}
	return &Client{
		transport:    transport,
		signer:       signer,
		vaultAddress: vault,
		log:          zap.NewNop(),
	}, nil
}

func (c *Client) SetLogger(log *zap.Logger) {
	if log != nil {
		c.log = log
	}
}

func (c *Client) PlaceOrders(ctx context.Context, orders []OrderWire) ([]Status, error) {
	action := OrderAction{Type: "order", Orders: orders, Grouping: "na"}
	payload, err := EncodeOrderAction(action)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, action, payload, len(orders))
}

// CancelOrders cancels by exchange order id. Orders placed without a cloid
// can only be cancelled this way.
func (c *Client) CancelOrders(ctx context.Context, cancels []CancelWire) ([]Status, error) {
	action := CancelAction{Type: "cancel", Cancels: cancels}
	payload, err := EncodeCancelAction(action)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, action, payload, len(cancels))
}

func (c *Client) CancelByCloid(ctx context.Context, cancels []CancelByCloidWire) ([]Status, error) {
	action := CancelByCloidAction{Type: "cancelByCloid", Cancels: cancels}
	payload, err := EncodeCancelByCloidAction(action)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, action, payload, len(cancels))
}

func (c *Client) send(ctx context.Context, action any, payload []byte, want int) ([]Status, error) {
	nonce := c.nextNonce()
	sig, err := c.signer.SignL1Action(payload, nonce, c.vaultAddress, nil)
	if err != nil {
		return nil, err
	}
	var vaultAddress *string
	if c.vaultAddress != nil {
		addr := c.vaultAddress.Hex()
		vaultAddress = &addr
	}
	req := SignedAction{
		Action:       action,
		Nonce:        nonce,
		Signature:    sig,
		VaultAddress: vaultAddress,
	}
	var resp Response
	if err := c.transport.Post(ctx, "/exchange", req, &resp); err != nil {
		return nil, err
	}
	statuses, err := ParseStatuses(resp)
	if err != nil {
		return nil, err
	}
	if len(statuses) != want {
		return nil, fmt.Errorf("expected %d statuses, got %d", want, len(statuses))
	}
	return statuses, nil
}

func (c *Client) InitNonceStore(ctx context.Context, store NonceStore) error {
	if store == nil {
		return nil
	}
	key := nonceStoreKey(c.transport.BaseURL(), c.signer, c.vaultAddress)
	seed := uint64(time.Now().UnixMilli())
	if raw, ok, err := store.Get(ctx, key); err != nil {
		return err
	} else if ok {
		parsed, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid stored nonce %q: %w", raw, err)
		}
		if parsed > seed {
			seed = parsed
		}
	}
	if current := c.lastNonce.Load(); current > seed {
		seed = current
	}
	c.nonceStore = store
	c.nonceKey = key
	c.lastNonce.Store(seed)
	c.lastPersisted.Store(seed)
	return nil
}

func (c *Client) NonceState() (NonceState, bool) {
	if c.nonceStore == nil || c.nonceKey == "" {
		return NonceState{}, false
	}
	return NonceState{
		Key:       c.nonceKey,
		Last:      c.lastNonce.Load(),
		Persisted: c.lastPersisted.Load(),
	}, true
}

func (c *Client) nextNonce() uint64 {
	now := uint64(time.Now().UnixMilli())
	for {
		prev := c.lastNonce.Load()
		next := now
		if prev >= next {
			next = prev + 1
		}
		if c.lastNonce.CompareAndSwap(prev, next) {
			c.persistNonce(next)
			return next
		}
	}
}

func (c *Client) persistNonce(nonce uint64) {
	if c.nonceStore == nil || c.nonceKey == "" {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if nonce <= c.lastPersisted.Load() {
		return
	}
	if err := c.nonceStore.Set(context.Background(), c.nonceKey, strconv.FormatUint(nonce, 10)); err != nil {
		if c.persistWarned.CompareAndSwap(false, true) {
			c.log.Warn("nonce persistence failed", zap.String("nonce_key", c.nonceKey), zap.Error(err))
		}
		return
	}
	c.lastPersisted.Store(nonce)
	c.persistWarned.Store(false)
}

func nonceStoreKey(baseURL string, signer *Signer, vaultAddress *common.Address) string {
	addr := "unknown"
	if signer != nil {
		addr = strings.ToLower(signer.Address().Hex())
	}
	vault := "none"
	if vaultAddress != nil {
		vault = strings.ToLower(vaultAddress.Hex())
	}
	return fmt.Sprintf("exchange:nonce:%s:%s:%s", strings.ToLower(strings.TrimSpace(baseURL)), addr, vault)
}
