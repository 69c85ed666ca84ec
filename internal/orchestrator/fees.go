package orchestrator

import (
	"context"
	"math"
	"math/big"

	"github.com/rs/zerolog"

	"github.com/lowkeylabs/crossyield/internal/agents"
	"github.com/lowkeylabs/crossyield/internal/aggregator"
	"github.com/lowkeylabs/crossyield/internal/chain"
	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/errs"
)

// SnapshotSource provides the market view used to value fees. The
// aggregator service implements it.
type SnapshotSource interface {
	CurrentSnapshot() *aggregator.MarketSnapshot
}

// Decimals of the tokens the rebalancer moves. Symbols missing from
// the table are treated as 18-decimal assets.
var tokenDecimals = map[string]int{
	"USDC": 6,
	"USDT": 6,
	"DAI":  18,
	"WETH": 18,
	"WBTC": 8,
}

func decimalsFor(token string) int {
	if d, ok := tokenDecimals[token]; ok {
		return d
	}
	return 18
}

// FeeOracle quotes bridge fees for candidate steps as basis points of
// the moved amount. The native fee and the moved amount are both
// valued in USD through the current snapshot's prices.
type FeeOracle struct {
	chains   *chain.Manager
	market   SnapshotSource
	registry map[uint64]config.ChainConfig
	gasLimit uint64
	log      zerolog.Logger
}

func NewFeeOracle(chains *chain.Manager, market SnapshotSource, registry []config.ChainConfig) *FeeOracle {
	byID := make(map[uint64]config.ChainConfig, len(registry))
	for _, cc := range registry {
		byID[cc.ChainID] = cc
	}
	return &FeeOracle{
		chains:   chains,
		market:   market,
		registry: byID,
		gasLimit: DefaultGasLimit,
		log:      config.NewLogger("fees"),
	}
}

// FeeBps implements agents.FeeOracle.
func (o *FeeOracle) FeeBps(ctx context.Context, step agents.ReallocationStep) (int32, error) {
	if step.Amount == nil || step.Amount.Sign() <= 0 {
		return 0, errs.State("step carries no amount")
	}
	src, err := o.chains.Backend(step.FromChain)
	if err != nil {
		return 0, err
	}
	dst, err := o.chains.Backend(step.ToChain)
	if err != nil {
		return 0, err
	}
	fee, err := src.EstimateFee(ctx, chain.FeeRequest{
		DestSelector:   dst.Selector(),
		Receiver:       step.TargetPool.Address,
		Amount:         step.Amount,
		TargetProtocol: string(step.TargetPool.Protocol),
		GasLimit:       o.gasLimit,
	})
	if err != nil {
		return 0, err
	}
	return o.toBps(step, fee)
}

// toBps converts a native-denominated fee into basis points of the
// moved amount:
//
//	bps = fee * nativePrice * 10^tokenDecimals * 10^4
//	      ---------------------------------------------
//	      amount * tokenPrice * 10^nativeDecimals
//
// The e18 price scales cancel.
func (o *FeeOracle) toBps(step agents.ReallocationStep, feeNative *big.Int) (int32, error) {
	if feeNative == nil || feeNative.Sign() == 0 {
		return 0, nil
	}
	snap := o.market.CurrentSnapshot()
	if snap == nil {
		return 0, errs.Upstream("no_snapshot", nil)
	}
	cc, ok := o.registry[step.FromChain]
	if !ok || cc.NativeSymbol == "" {
		return 0, errs.Config("chain %d has no native symbol", step.FromChain)
	}
	nativeTick, ok := snap.Price(cc.NativeSymbol + "/USD")
	if !ok || nativeTick.PriceE18 == nil || nativeTick.PriceE18.Sign() <= 0 {
		return 0, errs.Upstream("missing_native_price", nil)
	}
	tokenTick, ok := snap.Price(step.Token + "/USD")
	if !ok || tokenTick.PriceE18 == nil || tokenTick.PriceE18.Sign() <= 0 {
		return 0, errs.Upstream("missing_token_price", nil)
	}
	nativeDecimals := cc.NativeDecimals
	if nativeDecimals <= 0 {
		nativeDecimals = 18
	}

	num := new(big.Int).Mul(feeNative, nativeTick.PriceE18)
	num.Mul(num, pow10(decimalsFor(step.Token)))
	num.Mul(num, big.NewInt(10_000))
	den := new(big.Int).Mul(step.Amount, tokenTick.PriceE18)
	den.Mul(den, pow10(nativeDecimals))
	if den.Sign() == 0 {
		return 0, errs.State("zero denominator valuing fee for %s", step.Token)
	}

	bps := new(big.Int).Div(num, den)
	if !bps.IsInt64() || bps.Int64() > math.MaxInt32 {
		return math.MaxInt32, nil
	}
	return int32(bps.Int64()), nil
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
