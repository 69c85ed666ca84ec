package agents

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cinar/indicator/v2/volatility"
	"github.com/shopspring/decimal"

	"github.com/lowkeylabs/crossyield/internal/aggregator"
	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/feed"
)

// Protocol risk weights in bps applied when the config carries none.
var defaultRiskWeights = map[feed.Protocol]int32{
	feed.ProtocolAave:     50,
	feed.ProtocolCompound: 75,
	feed.ProtocolCurve:    100,
	feed.ProtocolUniswap:  150,
}

const unknownProtocolRiskBps = 300

// PriceHistory provides recent accepted ticks for volatility estimates.
// The feed service implements this.
type PriceHistory interface {
	PriceHistory(pair string, max int) []feed.PriceTick
}

// StrategyAgent scores candidate reallocations. Given the same
// snapshot, positions and fee quotes it always produces the same
// scores in the same order.
type StrategyAgent struct {
	*BaseAgent
	cfg       config.StrategyConfig
	fees      FeeOracle
	positions PositionSource
	history   PriceHistory
}

func NewStrategyAgent(cfg config.StrategyConfig, fees FeeOracle, positions PositionSource, history PriceHistory) *StrategyAgent {
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}
	if cfg.SlippageBps <= 0 {
		cfg.SlippageBps = 100
	}
	if cfg.ScenarioCount <= 0 {
		cfg.ScenarioCount = 8
	}
	if cfg.VolatilityWindow <= 0 {
		cfg.VolatilityWindow = 20
	}
	return &StrategyAgent{
		BaseAgent: NewBaseAgent("strategy", "scoring"),
		cfg:       cfg,
		fees:      fees,
		positions: positions,
		history:   history,
	}
}

type candidate struct {
	step  ReallocationStep
	from  feed.PoolSnapshot
	to    feed.PoolSnapshot
	gross int32
}

// Evaluate enumerates moves from current positions into higher-APR
// pools of the same token, keeps the top candidates by gross gain and
// scores each for expected gain, risk and confidence. Alert signals of
// high severity block their pools as destinations.
func (a *StrategyAgent) Evaluate(ctx context.Context, snap *aggregator.MarketSnapshot, signals []Signal) ([]StrategyScore, error) {
	if a.IsPaused() || snap == nil {
		return nil, nil
	}
	defer a.instrument(time.Now())

	positions, err := a.positions.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading positions: %w", err)
	}

	candidates := a.enumerate(snap, positions, blockedDestinations(signals))
	scores := make([]StrategyScore, 0, len(candidates))
	for _, c := range candidates {
		score, err := a.score(ctx, c)
		if err != nil {
			a.log.Warn().Err(err).Str("target", c.step.TargetPool.String()).Msg("skipping candidate, fee quote failed")
			continue
		}
		scores = append(scores, score)
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].ExpectedGainBps != scores[j].ExpectedGainBps {
			return scores[i].ExpectedGainBps > scores[j].ExpectedGainBps
		}
		if scores[i].ConfidencePPM != scores[j].ConfidencePPM {
			return scores[i].ConfidencePPM > scores[j].ConfidencePPM
		}
		if scores[i].RiskBps != scores[j].RiskBps {
			return scores[i].RiskBps < scores[j].RiskBps
		}
		return stepOrder(scores[i].Steps[0], scores[j].Steps[0])
	})
	return scores, nil
}

// enumerate builds single-step candidates from every position into
// every strictly higher-APR pool of the same token, sorted by gross
// gain and truncated to the configured top K.
func (a *StrategyAgent) enumerate(snap *aggregator.MarketSnapshot, positions []Position, blocked map[protocolKey]bool) []candidate {
	sorted := make([]Position, len(positions))
	copy(sorted, positions)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].User != sorted[j].User {
			return sorted[i].User < sorted[j].User
		}
		return sorted[i].Pool.String() < sorted[j].Pool.String()
	})

	var candidates []candidate
	for _, pos := range sorted {
		if pos.Amount == nil || pos.Amount.Sign() <= 0 {
			continue
		}
		from, ok := snap.Pool(pos.Pool)
		if !ok {
			continue
		}
		for _, to := range snap.PoolsByToken(pos.Token) {
			if to.Key == pos.Pool || to.APRBps <= from.APRBps {
				continue
			}
			if blocked[protocolKey{to.Key.ChainID, to.Key.Protocol}] {
				continue
			}
			candidates = append(candidates, candidate{
				step: ReallocationStep{
					User:           pos.User,
					FromChain:      pos.Pool.ChainID,
					ToChain:        to.Key.ChainID,
					Token:          pos.Token,
					Amount:         pos.Amount,
					FromPool:       pos.Pool,
					TargetPool:     to.Key,
					ExpectedAPYBps: to.APRBps,
				},
				from:  from,
				to:    to,
				gross: to.APRBps - from.APRBps,
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].gross != candidates[j].gross {
			return candidates[i].gross > candidates[j].gross
		}
		return stepOrder(candidates[i].step, candidates[j].step)
	})
	if len(candidates) > a.cfg.TopK {
		candidates = candidates[:a.cfg.TopK]
	}
	return candidates
}

func (a *StrategyAgent) score(ctx context.Context, c candidate) (StrategyScore, error) {
	feeBps, err := a.fees.FeeBps(ctx, c.step)
	if err != nil {
		return StrategyScore{}, err
	}

	expected := int64(c.gross) - int64(feeBps) - int64(a.cfg.SlippageBps)
	risk := a.riskBps(c)
	covered, total := a.scenarioCoverage(int64(c.gross), int64(feeBps))

	conf := c.from.ConfidencePPM * c.to.ConfidencePPM / 1_000_000
	if total > 0 {
		conf = conf * int64(covered) / int64(total)
	}

	return StrategyScore{
		Steps:           []ReallocationStep{c.step},
		ExpectedGainBps: int32(expected),
		RiskBps:         risk,
		ConfidencePPM:   clampPPM(conf),
	}, nil
}

// riskBps combines destination utilization, a per-protocol weight and
// token price volatility into a 0..10000 figure.
func (a *StrategyAgent) riskBps(c candidate) int32 {
	util := int64(c.to.UtilizationBps) / 10
	proto := int64(a.protocolRisk(c.to.Key.Protocol))
	vol := int64(a.volatilityBps(c.step.Token))
	return clampBps(util + proto + vol)
}

func (a *StrategyAgent) protocolRisk(p feed.Protocol) int32 {
	if w, ok := a.cfg.RiskWeights[string(p)]; ok {
		return w
	}
	if w, ok := defaultRiskWeights[p]; ok {
		return w
	}
	return unknownProtocolRiskBps
}

// scenarioCoverage counts deterministic stress scenarios in which the
// move still gains after fee and slippage multipliers.
func (a *StrategyAgent) scenarioCoverage(grossBps, feeBps int64) (covered, total int) {
	total = a.cfg.ScenarioCount
	slip := float64(a.cfg.SlippageBps)
	for i := 0; i < total; i++ {
		feeMult := 1.0 + 0.25*float64(i%4)
		slipMult := 1.0 + float64(i/4)
		gain := float64(grossBps) - float64(feeBps)*feeMult - slip*slipMult
		if gain > 0 {
			covered++
		}
	}
	return covered, total
}

// volatilityBps estimates the token's price volatility as the Bollinger
// band width of its USD pair, in bps of the middle band. Returns 0 when
// there is not enough history.
func (a *StrategyAgent) volatilityBps(token string) int32 {
	if a.history == nil {
		return 0
	}
	ticks := a.history.PriceHistory(token+"/USD", a.cfg.VolatilityWindow*2)
	if len(ticks) < a.cfg.VolatilityWindow {
		return 0
	}
	prices := make([]float64, 0, len(ticks))
	for _, t := range ticks {
		prices = append(prices, decimal.NewFromBigInt(t.PriceE18, -18).InexactFloat64())
	}
	return bollingerWidthBps(prices, a.cfg.VolatilityWindow)
}

func bollingerWidthBps(prices []float64, period int) int32 {
	bb := volatility.NewBollingerBandsWithPeriod[float64](period)

	pricesChan := make(chan float64, len(prices))
	for _, p := range prices {
		pricesChan <- p
	}
	close(pricesChan)

	upperChan, middleChan, lowerChan := bb.Compute(pricesChan)

	var upper, middle, lower float64
	for {
		u, okU := <-upperChan
		m, okM := <-middleChan
		l, okL := <-lowerChan
		if !okU || !okM || !okL {
			break
		}
		upper, middle, lower = u, m, l
	}
	if middle == 0 {
		return 0
	}
	width := math.Abs(upper-lower) / math.Abs(middle)
	return clampBps(int64(math.Round(width * 10_000)))
}

type protocolKey struct {
	chainID  uint64
	protocol feed.Protocol
}

// blockedDestinations collects the (chain, protocol) pairs named by
// high-severity alerts. Capital is never moved into a pool that is
// under capacity or risk pressure, no matter how good its APR looks.
func blockedDestinations(signals []Signal) map[protocolKey]bool {
	blocked := make(map[protocolKey]bool)
	for _, s := range signals {
		if s.Kind != SignalAlert || s.SeverityBps < SeverityHighBps {
			continue
		}
		if s.ChainID == 0 || s.Protocol == "" {
			continue
		}
		blocked[protocolKey{s.ChainID, s.Protocol}] = true
	}
	return blocked
}

func stepOrder(a, b ReallocationStep) bool {
	if a.FromChain != b.FromChain {
		return a.FromChain < b.FromChain
	}
	if a.ToChain != b.ToChain {
		return a.ToChain < b.ToChain
	}
	return a.TargetPool.String() < b.TargetPool.String()
}
