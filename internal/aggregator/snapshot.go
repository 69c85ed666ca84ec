package aggregator

import (
	"encoding/json"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lowkeylabs/crossyield/internal/feed"
)

// MarketSnapshot is an immutable view of the market at one instant.
// Consumers read whole snapshots; a new one supersedes atomically and
// existing references stay valid.
type MarketSnapshot struct {
	Pools      map[feed.PoolKey]feed.PoolSnapshot `json:"-"`
	Prices     map[string]feed.PriceTick          `json:"-"`
	GasByChain map[uint64]*big.Int                `json:"-"`
	TakenAt    time.Time                          `json:"taken_at"`
}

// NewSnapshot assembles a snapshot from feed state. When several chains
// carry a tick for the same pair, the higher confidence wins and ties
// go to the more recent observation.
func NewSnapshot(ticks []feed.PriceTick, pools map[feed.PoolKey]feed.PoolSnapshot, gas map[uint64]*big.Int, takenAt time.Time) *MarketSnapshot {
	prices := make(map[string]feed.PriceTick, len(ticks))
	for _, t := range ticks {
		cur, ok := prices[t.Pair]
		if !ok || better(t, cur) {
			prices[t.Pair] = t
		}
	}
	return &MarketSnapshot{
		Pools:      pools,
		Prices:     prices,
		GasByChain: gas,
		TakenAt:    takenAt,
	}
}

func better(a, b feed.PriceTick) bool {
	if a.ConfidencePPM != b.ConfidencePPM {
		return a.ConfidencePPM > b.ConfidencePPM
	}
	return a.ObservedAt.After(b.ObservedAt)
}

// Pool returns the snapshot entry for a pool key.
func (s *MarketSnapshot) Pool(key feed.PoolKey) (feed.PoolSnapshot, bool) {
	p, ok := s.Pools[key]
	return p, ok
}

// Price returns the snapshot tick for a pair.
func (s *MarketSnapshot) Price(pair string) (feed.PriceTick, bool) {
	t, ok := s.Prices[pair]
	return t, ok
}

// Gas returns the snapshot gas price for a chain in wei.
func (s *MarketSnapshot) Gas(chainID uint64) (*big.Int, bool) {
	g, ok := s.GasByChain[chainID]
	return g, ok
}

// PoolsByToken returns all pools holding the given token symbol in
// canonical key order, so rule evaluation over the result is
// deterministic.
func (s *MarketSnapshot) PoolsByToken(token string) []feed.PoolSnapshot {
	var out []feed.PoolSnapshot
	for _, p := range s.Pools {
		if p.Token == token {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// SortedPools returns every pool in canonical key order.
func (s *MarketSnapshot) SortedPools() []feed.PoolSnapshot {
	out := make([]feed.PoolSnapshot, 0, len(s.Pools))
	for _, p := range s.Pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// CanonicalJSON encodes the market content with sorted keys, producing
// byte-identical output for identical inputs. Capture time is excluded
// so two snapshots of the same market state encode equally.
func (s *MarketSnapshot) CanonicalJSON() ([]byte, error) {
	pools := make(map[string]feed.PoolSnapshot, len(s.Pools))
	for k, p := range s.Pools {
		pools[k.String()] = p
	}
	gas := make(map[string]string, len(s.GasByChain))
	for id, g := range s.GasByChain {
		gas[strconv.FormatUint(id, 10)] = g.String()
	}
	// encoding/json writes map keys in sorted order, which makes the
	// encoding canonical without a custom marshaller.
	return json.Marshal(map[string]interface{}{
		"pools":        pools,
		"prices":       s.Prices,
		"gas_by_chain": gas,
	})
}

// DisplayUSD renders a micro-USD amount as a dollar string. Display
// only; integer amounts stay authoritative.
func DisplayUSD(microUSD *big.Int) string {
	if microUSD == nil {
		return "$0.00"
	}
	return "$" + decimal.NewFromBigInt(microUSD, -6).StringFixed(2)
}

// DisplayPrice renders a 1e18-scaled price as a decimal string.
func DisplayPrice(priceE18 *big.Int) string {
	if priceE18 == nil {
		return "0"
	}
	return decimal.NewFromBigInt(priceE18, -18).StringFixed(2)
}
