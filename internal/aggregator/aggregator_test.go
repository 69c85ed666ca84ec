package aggregator

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowkeylabs/crossyield/internal/bus"
	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/feed"
)

type fakeSource struct {
	mu     sync.Mutex
	ticks  []feed.PriceTick
	yields map[feed.PoolKey]feed.PoolSnapshot
	gas    map[uint64]*big.Int
}

func (f *fakeSource) LatestPrices() []feed.PriceTick {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]feed.PriceTick(nil), f.ticks...)
}

func (f *fakeSource) LatestYields() map[feed.PoolKey]feed.PoolSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[feed.PoolKey]feed.PoolSnapshot, len(f.yields))
	for k, v := range f.yields {
		out[k] = v
	}
	return out
}

func (f *fakeSource) GasByChain() map[uint64]*big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uint64]*big.Int, len(f.gas))
	for k, v := range f.gas {
		out[k] = v
	}
	return out
}

func (f *fakeSource) set(ticks []feed.PriceTick, yields map[feed.PoolKey]feed.PoolSnapshot, gas map[uint64]*big.Int) {
	f.mu.Lock()
	f.ticks, f.yields, f.gas = ticks, yields, gas
	f.mu.Unlock()
}

func e18(usd int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(usd), big.NewInt(1e18))
}

func tick(pair string, usd int64, confidencePPM int64, source string, at time.Time) feed.PriceTick {
	return feed.PriceTick{
		Pair:          pair,
		PriceE18:      e18(usd),
		ConfidencePPM: confidencePPM,
		Source:        source,
		ObservedAt:    at,
	}
}

func testPool(chainID uint64, protocol feed.Protocol, address, token string, aprBps int32) feed.PoolSnapshot {
	return feed.PoolSnapshot{
		Key:            feed.PoolKey{ChainID: chainID, Protocol: protocol, Address: address},
		Token:          token,
		APRBps:         aprBps,
		TVL:            big.NewInt(125_000_000_000_000),
		UtilizationBps: 7000,
		ConfidencePPM:  980_000,
		ObservedAt:     time.Unix(1_756_100_000, 0).UTC(),
	}
}

func TestNewSnapshotCollapsesPairs(t *testing.T) {
	base := time.Unix(1_756_100_000, 0).UTC()
	ticks := []feed.PriceTick{
		tick("ETH/USD", 2000, 990_000, "offchain", base),
		tick("ETH/USD", 2010, 1_000_000, "oracle", base.Add(-time.Minute)),
		tick("BTC/USD", 65_000, 990_000, "offchain", base),
	}
	snap := NewSnapshot(ticks, nil, nil, base)

	require.Len(t, snap.Prices, 2)
	eth, ok := snap.Price("ETH/USD")
	require.True(t, ok)
	assert.Equal(t, "oracle", eth.Source)

	// Equal confidence falls back to recency.
	ticks = []feed.PriceTick{
		tick("ETH/USD", 2000, 990_000, "older", base.Add(-time.Minute)),
		tick("ETH/USD", 2005, 990_000, "newer", base),
	}
	snap = NewSnapshot(ticks, nil, nil, base)
	eth, _ = snap.Price("ETH/USD")
	assert.Equal(t, "newer", eth.Source)
}

func TestCanonicalJSONDeterministic(t *testing.T) {
	base := time.Unix(1_756_100_000, 0).UTC()
	build := func(apr int32) *MarketSnapshot {
		yields := map[feed.PoolKey]feed.PoolSnapshot{}
		for _, p := range []feed.PoolSnapshot{
			testPool(1, feed.ProtocolAave, "0xaaa", "USDC", apr),
			testPool(42161, feed.ProtocolCompound, "0xbbb", "USDC", 600),
			testPool(137, feed.ProtocolCurve, "0xccc", "DAI", 300),
		} {
			yields[p.Key] = p
		}
		gas := map[uint64]*big.Int{
			1:     big.NewInt(30_000_000_000),
			42161: big.NewInt(100_000_000),
		}
		ticks := []feed.PriceTick{
			tick("ETH/USD", 2000, 1_000_000, "oracle", base),
			tick("BTC/USD", 65_000, 990_000, "offchain", base),
		}
		return NewSnapshot(ticks, yields, gas, time.Now())
	}

	a, err := build(450).CanonicalJSON()
	require.NoError(t, err)
	b, err := build(450).CanonicalJSON()
	require.NoError(t, err)
	assert.Equal(t, a, b, "identical market content must encode identically")

	c, err := build(451).CanonicalJSON()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestCanonicalJSONIgnoresCaptureTime(t *testing.T) {
	pool := testPool(1, feed.ProtocolAave, "0xaaa", "USDC", 450)
	yields := map[feed.PoolKey]feed.PoolSnapshot{pool.Key: pool}

	first := NewSnapshot(nil, yields, nil, time.Unix(1_756_100_000, 0))
	second := NewSnapshot(nil, yields, nil, time.Unix(1_756_200_000, 0))

	a, err := first.CanonicalJSON()
	require.NoError(t, err)
	b, err := second.CanonicalJSON()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPoolsByTokenSorted(t *testing.T) {
	yields := map[feed.PoolKey]feed.PoolSnapshot{}
	for _, p := range []feed.PoolSnapshot{
		testPool(42161, feed.ProtocolCompound, "0xbbb", "USDC", 600),
		testPool(1, feed.ProtocolAave, "0xaaa", "USDC", 450),
		testPool(137, feed.ProtocolCurve, "0xccc", "DAI", 300),
	} {
		yields[p.Key] = p
	}
	snap := NewSnapshot(nil, yields, nil, time.Now())

	usdc := snap.PoolsByToken("USDC")
	require.Len(t, usdc, 2)
	assert.Equal(t, "1/aave/0xaaa", usdc[0].Key.String())
	assert.Equal(t, "42161/compound/0xbbb", usdc[1].Key.String())

	all := snap.SortedPools()
	require.Len(t, all, 3)
	assert.Equal(t, "1/aave/0xaaa", all[0].Key.String())
	assert.Empty(t, snap.PoolsByToken("WBTC"))
}

func TestRebuildOnPriceEvent(t *testing.T) {
	b := bus.New()
	defer b.Close()
	snapshots := b.Subscribe(bus.TopicSnapshot)

	source := &fakeSource{}
	s := New(config.AggregatorConfig{LiveFeedCapacity: 10}, source, b)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	// The startup rebuild runs against an empty source.
	require.NotNil(t, s.CurrentSnapshot())
	assert.Empty(t, s.CurrentSnapshot().Pools)

	pool := testPool(1, feed.ProtocolAave, "0xaaa", "USDC", 450)
	priceTick := tick("ETH/USD", 2000, 1_000_000, "oracle", time.Now())
	source.set(
		[]feed.PriceTick{priceTick},
		map[feed.PoolKey]feed.PoolSnapshot{pool.Key: pool},
		map[uint64]*big.Int{1: big.NewInt(30_000_000_000)},
	)
	b.Publish(bus.TopicPriceUpdate, priceTick)

	require.Eventually(t, func() bool {
		snap := s.CurrentSnapshot()
		return snap != nil && len(snap.Pools) == 1
	}, 2*time.Second, 5*time.Millisecond)

	snap := s.CurrentSnapshot()
	_, ok := snap.Price("ETH/USD")
	assert.True(t, ok)
	gas, ok := snap.Gas(1)
	require.True(t, ok)
	assert.Equal(t, int64(30_000_000_000), gas.Int64())

	select {
	case ev := <-snapshots.C():
		_, ok := ev.Payload.(*MarketSnapshot)
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected a snapshot event")
	}
}

func TestLiveFeedDropsOldest(t *testing.T) {
	s := New(config.AggregatorConfig{LiveFeedCapacity: 3}, &fakeSource{}, bus.New())

	for i := 0; i < 5; i++ {
		s.record(bus.Event{
			Topic:     bus.TopicPriceUpdate,
			Timestamp: time.Unix(int64(1_756_100_000+i), 0),
			Payload:   tick("ETH/USD", int64(2000+i), 990_000, "test", time.Now()),
		})
	}

	entries := s.LiveFeed()
	require.Len(t, entries, 3)
	// Newest first, oldest two dropped.
	assert.Equal(t, "ETH/USD at 2004.00 (test)", entries[0].Message)
	assert.Equal(t, "ETH/USD at 2002.00 (test)", entries[2].Message)
}

type stringerPayload struct{}

func (stringerPayload) String() string { return "decision hold" }

func TestDescribe(t *testing.T) {
	priceEvent := bus.Event{
		Topic:   bus.TopicPriceUpdate,
		Payload: tick("ETH/USD", 2000, 990_000, "oracle", time.Now()),
	}
	assert.Equal(t, "ETH/USD at 2000.00 (oracle)", describe(priceEvent))

	changeEvent := bus.Event{
		Topic: bus.TopicSignificantPriceChange,
		Payload: feed.PriceChange{
			Pair:     "ETH/USD",
			DeltaBps: 205,
			Tick:     tick("ETH/USD", 2041, 990_000, "oracle", time.Now()),
		},
	}
	assert.Equal(t, "ETH/USD moved 205 bps to 2041.00", describe(changeEvent))

	assert.Equal(t, "decision hold", describe(bus.Event{Topic: bus.TopicDecision, Payload: stringerPayload{}}))
	assert.Equal(t, "upkeepFailed", describe(bus.Event{Topic: bus.TopicUpkeepFailed, Payload: 42}))
}

func TestDisplayHelpers(t *testing.T) {
	assert.Equal(t, "$125000000.00", DisplayUSD(big.NewInt(125_000_000_000_000)))
	assert.Equal(t, "$1.50", DisplayUSD(big.NewInt(1_500_000)))
	assert.Equal(t, "$0.00", DisplayUSD(nil))
	assert.Equal(t, "2043.50", DisplayPrice(decimalE18(2043, 50)))
	assert.Equal(t, "0", DisplayPrice(nil))
}

// decimalE18 builds usd.cents at the 1e18 scale.
func decimalE18(usd, cents int64) *big.Int {
	v := new(big.Int).Mul(big.NewInt(usd*100+cents), big.NewInt(1e16))
	return v
}

func TestStats(t *testing.T) {
	source := &fakeSource{}
	pool := testPool(1, feed.ProtocolAave, "0xaaa", "USDC", 450)
	source.set(
		[]feed.PriceTick{tick("ETH/USD", 2000, 990_000, "oracle", time.Now())},
		map[feed.PoolKey]feed.PoolSnapshot{pool.Key: pool},
		nil,
	)

	s := New(config.AggregatorConfig{}, source, bus.New())
	s.rebuild()

	stats := s.Stats()
	assert.Equal(t, float64(1), stats["pools"])
	assert.Equal(t, float64(1), stats["prices"])
	assert.Equal(t, float64(1), stats["rebuilds"])
	assert.Equal(t, "aggregator", s.Name())
}
