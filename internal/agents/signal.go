package agents

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lowkeylabs/crossyield/internal/aggregator"
	"github.com/lowkeylabs/crossyield/internal/bus"
	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/feed"
	"github.com/lowkeylabs/crossyield/internal/metrics"
)

// pendingChangeCap bounds the rule-4 mailbox between evaluations.
const pendingChangeCap = 64

// SignalAgent derives signals from market snapshots by applying a fixed
// rule sequence. The same snapshot always yields the same signal set,
// except for rule 4 which consumes price-change events received since
// the previous evaluation.
type SignalAgent struct {
	*BaseAgent
	cfg      config.SignalConfig
	ceilings map[uint64]*big.Int
	bus      *bus.Bus

	mu      sync.Mutex
	pending []feed.PriceChange

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSignalAgent(cfg config.SignalConfig, chains []config.ChainConfig, b *bus.Bus) *SignalAgent {
	ceilings := make(map[uint64]*big.Int, len(chains))
	for _, c := range chains {
		if c.GasCeilingWei > 0 {
			ceilings[c.ChainID] = big.NewInt(c.GasCeilingWei)
		}
	}
	return &SignalAgent{
		BaseAgent: NewBaseAgent("signal", "rule"),
		cfg:       cfg,
		ceilings:  ceilings,
		bus:       b,
	}
}

// Start subscribes to significant price changes, which feed rule 4 on
// the next evaluation.
func (a *SignalAgent) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	sub := a.bus.Subscribe(bus.TopicSignificantPriceChange)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.C():
				change, ok := ev.Payload.(feed.PriceChange)
				if !ok {
					continue
				}
				a.mu.Lock()
				a.pending = append(a.pending, change)
				if len(a.pending) > pendingChangeCap {
					a.pending = a.pending[len(a.pending)-pendingChangeCap:]
				}
				a.mu.Unlock()
			}
		}
	}()

	a.log.Info().Int("gas_ceilings", len(a.ceilings)).Msg("signal agent started")
	return nil
}

func (a *SignalAgent) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// Evaluate applies the rule sequence to one snapshot and returns the
// resulting signals, publishing each on the bus as it is produced.
//
// Rules, in order: cross-pool APR deltas per token, utilization alerts,
// gas ceiling alerts, and pending significant price changes. Gas above
// a chain's ceiling suppresses opportunities touching that chain.
func (a *SignalAgent) Evaluate(snap *aggregator.MarketSnapshot) []Signal {
	if a.IsPaused() || snap == nil {
		return nil
	}
	defer a.instrument(time.Now())

	now := time.Now().UTC()
	exceeded := a.gasExceeded(snap)

	var signals []Signal
	signals = append(signals, a.aprOpportunities(snap, exceeded, now)...)
	signals = append(signals, a.utilizationAlerts(snap, now)...)
	signals = append(signals, a.gasAlerts(exceeded, now)...)
	signals = append(signals, a.priceChangeNotes(now)...)

	for _, s := range signals {
		a.bus.Publish(bus.TopicSignal, s)
		metrics.RecordSignal(a.Name(), string(s.Kind))
	}
	return signals
}

// aprOpportunities emits one opportunity per ordered pool pair of the
// same token whose APR delta clears the threshold, directed from the
// lower-APR pool to the higher one.
func (a *SignalAgent) aprOpportunities(snap *aggregator.MarketSnapshot, exceeded map[uint64]*big.Int, now time.Time) []Signal {
	tokens := make([]string, 0)
	seen := make(map[string]bool)
	for _, p := range snap.Pools {
		if !seen[p.Token] {
			seen[p.Token] = true
			tokens = append(tokens, p.Token)
		}
	}
	sort.Strings(tokens)

	var out []Signal
	for _, token := range tokens {
		pools := snap.PoolsByToken(token)
		for i := 0; i < len(pools); i++ {
			for j := i + 1; j < len(pools); j++ {
				from, to := pools[i], pools[j]
				if from.APRBps > to.APRBps {
					from, to = to, from
				}
				delta := to.APRBps - from.APRBps
				if delta < a.cfg.APRDeltaBps {
					continue
				}
				if _, bad := exceeded[from.Key.ChainID]; bad {
					continue
				}
				if _, bad := exceeded[to.Key.ChainID]; bad {
					continue
				}
				out = append(out, Signal{
					Kind:          SignalOpportunity,
					Agent:         a.Name(),
					FromChain:     from.Key.ChainID,
					ToChain:       to.Key.ChainID,
					Token:         token,
					Protocol:      to.Key.Protocol,
					MagnitudeBps:  delta,
					ConfidencePPM: clampPPM(minInt64(from.ConfidencePPM, to.ConfidencePPM)),
					Message:       fmt.Sprintf("%s apr %d bps in %s vs %d bps in %s", token, to.APRBps, to.Key, from.APRBps, from.Key),
					CreatedAt:     now,
				})
			}
		}
	}
	return out
}

func (a *SignalAgent) utilizationAlerts(snap *aggregator.MarketSnapshot, now time.Time) []Signal {
	var out []Signal
	for _, p := range snap.SortedPools() {
		if p.UtilizationBps < a.cfg.UtilizationAlertBps {
			continue
		}
		out = append(out, Signal{
			Kind:          SignalAlert,
			Agent:         a.Name(),
			ChainID:       p.Key.ChainID,
			Protocol:      p.Key.Protocol,
			Token:         p.Token,
			MagnitudeBps:  p.UtilizationBps,
			SeverityBps:   SeverityHighBps,
			ConfidencePPM: p.ConfidencePPM,
			Message:       fmt.Sprintf("utilization %d bps in %s", p.UtilizationBps, p.Key),
			CreatedAt:     now,
		})
	}
	return out
}

func (a *SignalAgent) gasAlerts(exceeded map[uint64]*big.Int, now time.Time) []Signal {
	chainIDs := make([]uint64, 0, len(exceeded))
	for id := range exceeded {
		chainIDs = append(chainIDs, id)
	}
	sort.Slice(chainIDs, func(i, j int) bool { return chainIDs[i] < chainIDs[j] })

	var out []Signal
	for _, id := range chainIDs {
		gas := exceeded[id]
		ceiling := a.ceilings[id]
		over := new(big.Int).Sub(gas, ceiling)
		over.Mul(over, big.NewInt(10_000))
		over.Quo(over, ceiling)
		out = append(out, Signal{
			Kind:          SignalAlert,
			Agent:         a.Name(),
			ChainID:       id,
			MagnitudeBps:  clampBps(over.Int64()),
			SeverityBps:   SeverityWarningBps,
			ConfidencePPM: 1_000_000,
			Message: fmt.Sprintf("gas %s gwei above ceiling %s gwei on chain %d",
				gwei(gas), gwei(ceiling), id),
			CreatedAt: now,
		})
	}
	return out
}

// priceChangeNotes drains the mailbox of significant price changes seen
// since the previous evaluation and reports each as an info signal.
func (a *SignalAgent) priceChangeNotes(now time.Time) []Signal {
	a.mu.Lock()
	changes := a.pending
	a.pending = nil
	a.mu.Unlock()

	out := make([]Signal, 0, len(changes))
	for _, c := range changes {
		out = append(out, Signal{
			Kind:          SignalInfo,
			Agent:         a.Name(),
			ChainID:       c.Tick.ChainID,
			MagnitudeBps:  clampBps(c.DeltaBps),
			SeverityBps:   SeverityInfoBps,
			ConfidencePPM: c.Tick.ConfidencePPM,
			Message:       fmt.Sprintf("%s moved %d bps to %s", c.Pair, c.DeltaBps, aggregator.DisplayPrice(c.Tick.PriceE18)),
			CreatedAt:     now,
		})
	}
	return out
}

// gasExceeded returns the chains whose snapshot gas price is strictly
// above the configured ceiling, with the offending price.
func (a *SignalAgent) gasExceeded(snap *aggregator.MarketSnapshot) map[uint64]*big.Int {
	exceeded := make(map[uint64]*big.Int)
	for id, ceiling := range a.ceilings {
		gas, ok := snap.Gas(id)
		if ok && gas.Cmp(ceiling) > 0 {
			exceeded[id] = gas
		}
	}
	return exceeded
}

func gwei(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -9).StringFixed(1)
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
