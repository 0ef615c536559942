package rest

import (
	"context"
	"errors"
)

type infoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
	Coin string `json:"coin,omitempty"`
}

type AssetMeta struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
	IsDelisted  bool   `json:"isDelisted"`
}

type Meta struct {
	Universe []AssetMeta `json:"universe"`
}

// Meta returns the perp universe. An asset's index in Universe is its
// order asset id.
func (c *Client) Meta(ctx context.Context) (Meta, error) {
	var out Meta
	if err := c.Info(ctx, infoRequest{Type: "meta"}, &out); err != nil {
		return Meta{}, err
	}
	return out, nil
}

type Level struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

// L2Book holds bids in Levels[0] and asks in Levels[1], best first.
type L2Book struct {
	Coin   string     `json:"coin"`
	Time   int64      `json:"time"`
	Levels [2][]Level `json:"levels"`
}

func (c *Client) L2Book(ctx context.Context, coin string) (L2Book, error) {
	if coin == "" {
		return L2Book{}, errors.New("coin is required")
	}
	var out L2Book
	if err := c.Info(ctx, infoRequest{Type: "l2Book", Coin: coin}, &out); err != nil {
		return L2Book{}, err
	}
	return out, nil
}

type MarginSummary struct {
	AccountValue    string `json:"accountValue"`
	TotalMarginUsed string `json:"totalMarginUsed"`
	TotalNtlPos     string `json:"totalNtlPos"`
	TotalRawUsd     string `json:"totalRawUsd"`
}

type Position struct {
	Coin          string `json:"coin"`
	Szi           string `json:"szi"`
	EntryPx       string `json:"entryPx"`
	UnrealizedPnl string `json:"unrealizedPnl"`
	MarginUsed    string `json:"marginUsed"`
}

type AssetPosition struct {
	Position Position `json:"position"`
}

type ClearinghouseState struct {
	MarginSummary  MarginSummary   `json:"marginSummary"`
	Withdrawable   string          `json:"withdrawable"`
	AssetPositions []AssetPosition `json:"assetPositions"`
	Time           int64           `json:"time"`
}

func (c *Client) ClearinghouseState(ctx context.Context, user string) (ClearinghouseState, error) {
	if user == "" {
		return ClearinghouseState{}, errors.New("user is required")
	}
	var out ClearinghouseState
	if err := c.Info(ctx, infoRequest{Type: "clearinghouseState", User: user}, &out); err != nil {
		return ClearinghouseState{}, err
	}
	return out, nil
}

// OpenOrder is one row of frontendOpenOrders. Side is "B" for bids and
// "A" for asks.
type OpenOrder struct {
	Coin       string `json:"coin"`
	Side       string `json:"side"`
	LimitPx    string `json:"limitPx"`
	Sz         string `json:"sz"`
	OrigSz     string `json:"origSz"`
	Oid        int64  `json:"oid"`
	Cloid      string `json:"cloid"`
	Timestamp  int64  `json:"timestamp"`
	ReduceOnly bool   `json:"reduceOnly"`
}

func (c *Client) OpenOrders(ctx context.Context, user string) ([]OpenOrder, error) {
	if user == "" {
		return nil, errors.New("user is required")
	}
	var out []OpenOrder
	if err := c.Info(ctx, infoRequest{Type: "frontendOpenOrders", User: user}, &out); err != nil {
		return nil, err
	}
	return out, nil
}
