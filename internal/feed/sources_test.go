package feed

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowkeylabs/crossyield/internal/chain"
	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/errs"
	"github.com/lowkeylabs/crossyield/internal/httpx"
)

func testChains() []config.ChainConfig {
	return []config.ChainConfig{
		{ChainID: 1, Name: "ethereum", Selector: "5009297550715157269"},
		{ChainID: 42161, Name: "arbitrum", Selector: "4949039107694359620"},
	}
}

func testHTTPClient(t *testing.T) *httpx.Client {
	t.Helper()
	return httpx.New(config.HTTPConfig{
		CacheTTL:       time.Minute,
		MaxPerHost:     4,
		RetryAttempts:  1,
		RetryBase:      time.Millisecond,
		RetryCap:       5 * time.Millisecond,
		RequestTimeout: 5 * time.Second,
	}, nil)
}

func TestOracleSourcePoll(t *testing.T) {
	mgr, mocks := chain.NewMockManager(testChains())
	aggregator := "0xAggregatorETHUSD"
	mocks[1].SetRound(aggregator, &chain.RoundData{
		RoundID:   big.NewInt(42),
		Answer:    big.NewInt(2_000_0000_0000), // 2000 at 8 decimals
		UpdatedAt: time.Now(),
		Decimals:  8,
	})
	mocks[1].SetGasPrice(30_000_000_000)
	mocks[42161].SetGasPrice(100_000_000)

	src := NewOracleSource(mgr, []config.OraclePairConfig{
		{Pair: "ETH/USD", ChainID: 1, AggregatorAddress: aggregator},
	})
	assert.Equal(t, "oracle", src.Name())
	assert.Equal(t, KindOracle, src.Kind())

	batch, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Ticks, 1)

	tick := batch.Ticks[0]
	assert.Equal(t, "ETH/USD", tick.Pair)
	assert.Equal(t, uint64(1), tick.ChainID)
	assert.Equal(t, 0, tick.PriceE18.Cmp(new(big.Int).Mul(big.NewInt(2000), big.NewInt(1e18))))
	assert.Equal(t, int64(1_000_000), tick.ConfidencePPM)
	assert.Equal(t, "oracle", tick.Source)

	require.Len(t, batch.Gas, 2)
	assert.Equal(t, int64(30_000_000_000), batch.Gas[1].Int64())
	assert.Equal(t, int64(100_000_000), batch.Gas[42161].Int64())
}

func TestOracleSourceSkipsFailedReads(t *testing.T) {
	mgr, mocks := chain.NewMockManager(testChains())
	mocks[1].SetRound("0xGood", &chain.RoundData{
		Answer:    big.NewInt(100_000_000),
		UpdatedAt: time.Now(),
		Decimals:  8,
	})

	src := NewOracleSource(mgr, []config.OraclePairConfig{
		{Pair: "ETH/USD", ChainID: 1, AggregatorAddress: "0xGood"},
		{Pair: "BTC/USD", ChainID: 1, AggregatorAddress: "0xMissing"},
		{Pair: "SOL/USD", ChainID: 999, AggregatorAddress: "0xNoChain"},
	})

	batch, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Ticks, 1)
	assert.Equal(t, "ETH/USD", batch.Ticks[0].Pair)
}

func TestOracleSourceAllFailed(t *testing.T) {
	mgr, _ := chain.NewMockManager(nil)
	src := NewOracleSource(mgr, []config.OraclePairConfig{
		{Pair: "ETH/USD", ChainID: 1, AggregatorAddress: "0xAgg"},
	})

	_, err := src.Poll(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindUpstream))
}

func TestOracleConfidence(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		age  time.Duration
		want int64
	}{
		{"fresh", 0, 1_000_000},
		{"half hour", 30 * time.Minute, 975_000},
		{"one hour", time.Hour, 950_000},
		{"ancient", 21 * time.Hour, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, oracleConfidence(now.Add(-tt.age), now))
		})
	}
}

func TestScaleE18(t *testing.T) {
	tests := []struct {
		name     string
		answer   *big.Int
		decimals uint8
		want     *big.Int
	}{
		{"8 decimals up", big.NewInt(2_000_0000_0000), 8, new(big.Int).Mul(big.NewInt(2000), big.NewInt(1e18))},
		{"18 decimals unchanged", big.NewInt(1e18), 18, big.NewInt(1e18)},
		{"20 decimals down", new(big.Int).Mul(big.NewInt(5), new(big.Int).Exp(big.NewInt(10), big.NewInt(20), nil)), 20, new(big.Int).Mul(big.NewInt(5), big.NewInt(1e18))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, 0, tt.want.Cmp(scaleE18(tt.answer, tt.decimals)))
		})
	}
}

func TestYieldAPISourcePoll(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/pools", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"status": "success",
			"data": [
				{"chain": "Ethereum", "project": "aave-v3", "symbol": "usdc", "pool": "pool-eth-aave", "apy": 4.5, "tvlUsd": 125000000},
				{"chain": "Arbitrum", "project": "compound-v3", "symbol": "usdc", "pool": "pool-arb-comp", "apy": 6.25, "tvlUsd": 40000000, "totalSupplyUsd": 50000000, "totalBorrowUsd": 40000000},
				{"chain": "Solana", "project": "aave-v3", "symbol": "usdc", "pool": "pool-sol", "apy": 9.9, "tvlUsd": 10000000},
				{"chain": "Ethereum", "project": "yearn", "symbol": "dai", "pool": "pool-yearn", "apy": 3.0, "tvlUsd": 5000000},
				{"chain": "Ethereum", "project": "aave-v3", "symbol": "dai", "pool": "", "apy": 2.0, "tvlUsd": 1000000}
			]
		}`))
	})
	mux.HandleFunc("/charts/aave-v3", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"timestamp": 1755993600, "totalLiquidityUSD": 120000000},
			{"timestamp": 1756080000, "totalLiquidityUSD": 125000000}
		]`))
	})
	mux.HandleFunc("/charts/compound-v3", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := config.YieldAPIConfig{
		BaseURL:   server.URL,
		Protocols: []string{"aave-v3", "compound-v3"},
		Chains:    []string{"Ethereum", "Arbitrum"},
	}
	src := NewYieldAPISource(testHTTPClient(t), cfg, testChains())
	assert.Equal(t, "yield_api", src.Name())
	assert.Equal(t, KindYield, src.Kind())

	batch, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Pools, 2)

	byAddress := make(map[string]PoolSnapshot, len(batch.Pools))
	for _, p := range batch.Pools {
		byAddress[p.Key.Address] = p
	}

	aave, ok := byAddress["pool-eth-aave"]
	require.True(t, ok)
	assert.Equal(t, uint64(1), aave.Key.ChainID)
	assert.Equal(t, ProtocolAave, aave.Key.Protocol)
	assert.Equal(t, "USDC", aave.Token)
	assert.Equal(t, int32(450), aave.APRBps)
	assert.Equal(t, 0, aave.TVL.Cmp(big.NewInt(125_000_000_000_000)))
	assert.Equal(t, int32(0), aave.UtilizationBps)
	assert.Equal(t, int64(defaultPoolConfidencePPM), aave.ConfidencePPM)

	comp, ok := byAddress["pool-arb-comp"]
	require.True(t, ok)
	assert.Equal(t, uint64(42161), comp.Key.ChainID)
	assert.Equal(t, ProtocolCompound, comp.Key.Protocol)
	assert.Equal(t, int32(625), comp.APRBps)
	assert.Equal(t, int32(8000), comp.UtilizationBps)

	// The failing compound chart degrades to a log line.
	require.Contains(t, batch.Charts, "aave-v3")
	require.Len(t, batch.Charts["aave-v3"], 2)
	assert.Equal(t, time.Unix(1756080000, 0).UTC(), batch.Charts["aave-v3"][1].Timestamp)
	assert.Equal(t, float64(125_000_000), batch.Charts["aave-v3"][1].TVLUSD)
	assert.NotContains(t, batch.Charts, "compound-v3")
}

func TestYieldAPISourceEmptyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status": "success", "data": []}`))
	}))
	defer server.Close()

	src := NewYieldAPISource(testHTTPClient(t), config.YieldAPIConfig{BaseURL: server.URL}, testChains())
	_, err := src.Poll(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindUpstream))
}

func TestPriceAPISourcePoll(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"ethereum": {"usd": 2043.5, "last_updated_at": 1756100000},
			"bitcoin": {"usd": 65000}
		}`))
	}))
	defer server.Close()

	src := NewPriceAPISource(testHTTPClient(t), config.PriceAPIConfig{
		BaseURL: server.URL,
		Assets: map[string]string{
			"ethereum": "ETH/USD",
			"bitcoin":  "BTC/USD",
		},
	})
	assert.Equal(t, "offchain", src.Name())
	assert.Equal(t, KindPrice, src.Kind())

	batch, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Ticks, 2)
	assert.Contains(t, gotQuery, "ids=bitcoin%2Cethereum")
	assert.Contains(t, gotQuery, "vs_currencies=usd")

	byPair := make(map[string]PriceTick, len(batch.Ticks))
	for _, tick := range batch.Ticks {
		byPair[tick.Pair] = tick
	}

	eth := byPair["ETH/USD"]
	wantETH := decimal.NewFromFloat(2043.5).Shift(18).BigInt()
	assert.Equal(t, 0, eth.PriceE18.Cmp(wantETH))
	assert.Equal(t, "offchain", eth.Source)
	assert.Equal(t, int64(offchainConfidencePPM), eth.ConfidencePPM)
	assert.Equal(t, time.Unix(1756100000, 0).UTC(), eth.ObservedAt)

	btc := byPair["BTC/USD"]
	wantBTC := new(big.Int).Mul(big.NewInt(65_000), big.NewInt(1e18))
	assert.Equal(t, 0, btc.PriceE18.Cmp(wantBTC))
	assert.False(t, btc.ObservedAt.IsZero())
}

func TestPriceAPISourceNoUsableQuotes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ethereum": {"usd": 0}}`))
	}))
	defer server.Close()

	src := NewPriceAPISource(testHTTPClient(t), config.PriceAPIConfig{
		BaseURL: server.URL,
		Assets:  map[string]string{"ethereum": "ETH/USD"},
	})
	_, err := src.Poll(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindUpstream))
}

type fakeLister struct {
	prices []*binance.SymbolPrice
	err    error
}

func (f fakeLister) listPrices(ctx context.Context, symbols []string) ([]*binance.SymbolPrice, error) {
	return f.prices, f.err
}

func TestBinanceSourcePoll(t *testing.T) {
	src := NewBinanceSource(config.BinanceConfig{
		Symbols: map[string]string{"ETHUSDT": "ETH/USD", "BTCUSDT": "BTC/USD"},
	})
	src.lister = fakeLister{prices: []*binance.SymbolPrice{
		{Symbol: "ETHUSDT", Price: "2000.50"},
		{Symbol: "BTCUSDT", Price: "not-a-number"},
		{Symbol: "DOGEUSDT", Price: "0.12"},
	}}

	batch, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Ticks, 1)

	tick := batch.Ticks[0]
	assert.Equal(t, "ETH/USD", tick.Pair)
	assert.Equal(t, "binance", tick.Source)
	want := decimal.RequireFromString("2000.50").Shift(18).BigInt()
	assert.Equal(t, 0, tick.PriceE18.Cmp(want))
}

func TestBinanceSourceError(t *testing.T) {
	src := NewBinanceSource(config.BinanceConfig{
		Symbols: map[string]string{"ETHUSDT": "ETH/USD"},
	})
	src.lister = fakeLister{err: assert.AnError}

	_, err := src.Poll(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindUpstream))
	assert.True(t, errs.IsRetriable(err))
}

func TestUtilizationBps(t *testing.T) {
	assert.Equal(t, int32(8000), utilizationBps(40_000_000, 50_000_000))
	assert.Equal(t, int32(0), utilizationBps(0, 50_000_000))
	assert.Equal(t, int32(0), utilizationBps(1000, 0))
	assert.Equal(t, int32(10_000), utilizationBps(60_000_000, 50_000_000))
}

func TestUsdMicro(t *testing.T) {
	assert.Equal(t, int64(125_000_000_000_000), usdMicro(125_000_000).Int64())
	assert.Equal(t, int64(1_500_000), usdMicro(1.5).Int64())
	assert.Equal(t, int64(0), usdMicro(0).Int64())
}
