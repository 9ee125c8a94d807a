package market

import (
	"strings"
	"time"
)

// MarketType 区分现货/中长期/辅助服务市场。
type MarketType string

const (
	MarketSpot      MarketType = "SPOT"
	MarketMediumLT  MarketType = "MEDIUM_LONG_TERM"
	MarketAncillary MarketType = "ANCILLARY"
)

func (m MarketType) Valid() bool {
	switch m {
	case MarketSpot, MarketMediumLT, MarketAncillary:
		return true
	default:
		return false
	}
}

// Direction is the trade side of an order.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

// Tick is a single market-data observation for one provincial market.
// Price and Volume are optional on the wire; a nil field means the feed
// did not report that dimension for this observation.
type Tick struct {
	Province   string     `json:"province"`
	MarketType MarketType `json:"market_type"`
	Price      *float64   `json:"price,omitempty"`
	Volume     *float64   `json:"volume,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

func (t Tick) HasPrice() bool  { return t.Price != nil }
func (t Tick) HasVolume() bool { return t.Volume != nil }

// Context flattens the tick into the nested shape condition expressions
// resolve fields against, e.g. "market.price".
func (t Tick) Context() map[string]any {
	m := map[string]any{
		"province":  t.Province,
		"timestamp": t.Timestamp.Unix(),
	}
	market := map[string]any{}
	if t.Price != nil {
		market["price"] = *t.Price
	}
	if t.Volume != nil {
		market["volume"] = *t.Volume
	}
	m["market"] = market
	return m
}

// NormalizeProvince canonicalizes province names for scope matching.
func NormalizeProvince(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}
