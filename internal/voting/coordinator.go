package voting

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lowkeylabs/crossyield/internal/agents"
	"github.com/lowkeylabs/crossyield/internal/aggregator"
	"github.com/lowkeylabs/crossyield/internal/bus"
	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/feed"
	"github.com/lowkeylabs/crossyield/internal/metrics"
)

// alertMailboxCap bounds buffered external alerts between cycles.
const alertMailboxCap = 32

// SignalEvaluator produces the signal set for one snapshot.
type SignalEvaluator interface {
	Evaluate(snap *aggregator.MarketSnapshot) []agents.Signal
}

// StrategyEvaluator scores candidate reallocations for one snapshot.
type StrategyEvaluator interface {
	Evaluate(ctx context.Context, snap *aggregator.MarketSnapshot, signals []agents.Signal) ([]agents.StrategyScore, error)
}

// Coordinator owns the evaluation cycle. On every snapshot it runs the
// signal agent, then the strategy agent, combines their outputs into a
// weighted score per candidate and publishes exactly one decision.
// External alerts (for example from health checks) are collected from
// the bus and considered in the next cycle.
type Coordinator struct {
	cfg       config.VotingConfig
	bus       *bus.Bus
	log       zerolog.Logger
	signals   SignalEvaluator
	strategy  StrategyEvaluator
	positions agents.PositionSource

	mu     sync.RWMutex
	latest *Decision
	alerts []agents.Signal

	cycles      int64
	rebalances  int64
	holds       int64
	emergencies int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.VotingConfig, b *bus.Bus, signals SignalEvaluator, strategy StrategyEvaluator, positions agents.PositionSource) *Coordinator {
	if cfg.SignalWeight <= 0 && cfg.StrategyWeight <= 0 {
		cfg.SignalWeight, cfg.StrategyWeight = 0.4, 0.6
	}
	if cfg.ConsensusThreshold <= 0 {
		cfg.ConsensusThreshold = 0.70
	}
	if cfg.MinConfidencePPM <= 0 {
		cfg.MinConfidencePPM = 600_000
	}
	if cfg.EmergencySeverityBps <= 0 {
		cfg.EmergencySeverityBps = 9800
	}
	if cfg.GainScaleBps <= 0 {
		cfg.GainScaleBps = 200
	}
	return &Coordinator{
		cfg:       cfg,
		bus:       b,
		log:       config.NewLogger("voting"),
		signals:   signals,
		strategy:  strategy,
		positions: positions,
	}
}

// Start subscribes to snapshots and external alert signals and runs one
// evaluation cycle per snapshot until the context is cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	snapSub := c.bus.SubscribeBuffered(bus.TopicSnapshot, 8)
	alertSub := c.bus.SubscribeBuffered(bus.TopicSignal, 64)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer snapSub.Unsubscribe()
		defer alertSub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-alertSub.C():
				c.collectAlert(ev.Payload)
			case ev := <-snapSub.C():
				snap, ok := ev.Payload.(*aggregator.MarketSnapshot)
				if !ok {
					continue
				}
				c.drainAlertEvents(alertSub)
				c.RunCycle(ctx, snap)
			}
		}
	}()

	c.log.Info().
		Float64("signal_weight", c.cfg.SignalWeight).
		Float64("strategy_weight", c.cfg.StrategyWeight).
		Float64("consensus_threshold", c.cfg.ConsensusThreshold).
		Msg("voting coordinator started")
	return nil
}

func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// drainAlertEvents absorbs alert events queued behind the snapshot so a
// cycle sees every alert published before its snapshot.
func (c *Coordinator) drainAlertEvents(sub *bus.Subscription) {
	for {
		select {
		case ev := <-sub.C():
			c.collectAlert(ev.Payload)
		default:
			return
		}
	}
}

// collectAlert keeps external alerts at or above the emergency
// threshold for the next cycle. The coordinator sees the signal agent's
// own output directly, so only emergency-grade alerts are buffered.
func (c *Coordinator) collectAlert(payload interface{}) {
	s, ok := payload.(agents.Signal)
	if !ok || s.Kind != agents.SignalAlert || s.SeverityBps < c.cfg.EmergencySeverityBps {
		return
	}
	c.mu.Lock()
	c.alerts = append(c.alerts, s)
	if len(c.alerts) > alertMailboxCap {
		c.alerts = c.alerts[len(c.alerts)-alertMailboxCap:]
	}
	c.mu.Unlock()
}

func (c *Coordinator) drainAlerts() []agents.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	alerts := c.alerts
	c.alerts = nil
	return alerts
}

// RunCycle evaluates one snapshot and publishes the resulting decision.
// Exported so a one-shot invocation can evaluate without the bus loop.
func (c *Coordinator) RunCycle(ctx context.Context, snap *aggregator.MarketSnapshot) *Decision {
	if snap == nil {
		return nil
	}
	start := time.Now()

	signals := c.signals.Evaluate(snap)
	signals = append(signals, c.drainAlerts()...)

	decision := c.decide(ctx, snap, signals)
	decision.ID = uuid.New()
	decision.SnapshotAt = snap.TakenAt
	decision.CreatedAt = time.Now().UTC()

	c.mu.Lock()
	c.latest = decision
	c.cycles++
	switch decision.Action {
	case ActionRebalance:
		c.rebalances++
	case ActionEmergencyExit:
		c.emergencies++
	default:
		c.holds++
	}
	c.mu.Unlock()

	metrics.RecordDecision(string(decision.Action), decision.ConsensusPPM)
	c.bus.Publish(bus.TopicDecision, decision)

	c.log.Info().
		Str("decision_id", decision.ID.String()).
		Str("action", string(decision.Action)).
		Int("steps", len(decision.Steps)).
		Int64("consensus_ppm", decision.ConsensusPPM).
		Int64("confidence_ppm", decision.ConfidencePPM).
		Dur("took", time.Since(start)).
		Msg("decision")
	return decision
}

func (c *Coordinator) decide(ctx context.Context, snap *aggregator.MarketSnapshot, signals []agents.Signal) *Decision {
	if d := c.emergencyDecision(ctx, snap, signals); d != nil {
		return d
	}

	scores, err := c.strategy.Evaluate(ctx, snap, signals)
	if err != nil {
		c.log.Error().Err(err).Msg("strategy evaluation failed, holding")
		return &Decision{
			Action:    ActionHold,
			Reasoning: []string{"strategy evaluation failed: " + err.Error()},
		}
	}
	if len(scores) == 0 {
		return &Decision{
			Action:    ActionHold,
			Reasoning: []string{"no reallocation candidates"},
		}
	}

	best, combined, support := c.selectBest(signals, scores)
	consensusPPM := int64(math.Round(combined * 1_000_000))

	reasoning := []string{
		fmtSupport(support, signals),
		fmtStrategy(best, c.cfg.GainScaleBps),
		fmtCombined(combined, c.cfg),
	}

	if combined >= c.cfg.ConsensusThreshold && best.ConfidencePPM >= c.cfg.MinConfidencePPM {
		return &Decision{
			Action:        ActionRebalance,
			Steps:         best.Steps,
			ConsensusPPM:  consensusPPM,
			ConfidencePPM: best.ConfidencePPM,
			Reasoning:     reasoning,
		}
	}

	if combined < c.cfg.ConsensusThreshold {
		reasoning = append(reasoning, "combined score below consensus threshold")
	}
	if best.ConfidencePPM < c.cfg.MinConfidencePPM {
		reasoning = append(reasoning, "confidence below minimum")
	}
	return &Decision{
		Action:        ActionHold,
		ConsensusPPM:  consensusPPM,
		ConfidencePPM: best.ConfidencePPM,
		Reasoning:     reasoning,
	}
}

// emergencyDecision exits every position under an emergency-grade alert
// into the configured safe pool, ignoring consensus and confidence
// minimums. Returns nil when no such alert names an affected position.
func (c *Coordinator) emergencyDecision(ctx context.Context, snap *aggregator.MarketSnapshot, signals []agents.Signal) *Decision {
	var triggers []agents.Signal
	for _, s := range signals {
		if s.Kind == agents.SignalAlert && s.SeverityBps >= c.cfg.EmergencySeverityBps {
			triggers = append(triggers, s)
		}
	}
	if len(triggers) == 0 {
		return nil
	}

	reasoning := make([]string, 0, len(triggers)+1)
	for _, t := range triggers {
		reasoning = append(reasoning, "emergency alert: "+t.Message)
	}

	safe := c.safePool()
	if safe.ChainID == 0 || safe.Address == "" {
		c.log.Error().Msg("emergency alert active but no safe pool configured")
		return &Decision{
			Action:    ActionHold,
			Reasoning: append(reasoning, "no safe pool configured, holding"),
		}
	}

	positions, err := c.positions.Positions(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("emergency alert active but positions unavailable")
		return &Decision{
			Action:    ActionHold,
			Reasoning: append(reasoning, "positions unavailable: "+err.Error()),
		}
	}

	safeAPY := int32(0)
	if pool, ok := snap.Pool(safe); ok {
		safeAPY = pool.APRBps
	}

	var steps []agents.ReallocationStep
	for _, pos := range positions {
		if pos.Amount == nil || pos.Amount.Sign() <= 0 || pos.Pool == safe {
			continue
		}
		if !alertCovers(triggers, pos.Pool) {
			continue
		}
		steps = append(steps, agents.ReallocationStep{
			User:           pos.User,
			FromChain:      pos.Pool.ChainID,
			ToChain:        safe.ChainID,
			Token:          pos.Token,
			Amount:         pos.Amount,
			FromPool:       pos.Pool,
			TargetPool:     safe,
			ExpectedAPYBps: safeAPY,
		})
	}
	if len(steps) == 0 {
		// Nothing held under the alert; normal scoring proceeds and
		// the strategy agent already refuses alerted destinations.
		return nil
	}

	sort.Slice(steps, func(i, j int) bool {
		if steps[i].User != steps[j].User {
			return steps[i].User < steps[j].User
		}
		return steps[i].FromPool.String() < steps[j].FromPool.String()
	})

	return &Decision{
		Action:        ActionEmergencyExit,
		Steps:         steps,
		ConsensusPPM:  1_000_000,
		ConfidencePPM: 1_000_000,
		Reasoning:     append(reasoning, "exiting to safe pool "+safe.String()),
	}
}

func (c *Coordinator) safePool() feed.PoolKey {
	sp := c.cfg.SafePool
	return feed.PoolKey{
		ChainID:  sp.ChainID,
		Protocol: feed.NormalizeProtocol(sp.Protocol),
		Address:  strings.ToLower(sp.Address),
	}
}

func alertCovers(triggers []agents.Signal, pool feed.PoolKey) bool {
	for _, t := range triggers {
		if t.ChainID != 0 && t.ChainID != pool.ChainID {
			continue
		}
		if t.Protocol != "" && t.Protocol != pool.Protocol {
			continue
		}
		if t.ChainID == 0 && t.Protocol == "" {
			continue // an alert naming nothing covers nothing
		}
		return true
	}
	return false
}

// selectBest combines signal support and normalized strategy score for
// every candidate and returns the winner with its combined score and
// support fraction. Ties break on confidence, then risk, then the
// lexicographic route.
func (c *Coordinator) selectBest(signals []agents.Signal, scores []agents.StrategyScore) (agents.StrategyScore, float64, float64) {
	totalOpps := 0
	for _, s := range signals {
		if s.Kind == agents.SignalOpportunity {
			totalOpps++
		}
	}

	best := scores[0]
	bestCombined, bestSupport := -1.0, 0.0
	for _, score := range scores {
		support := c.signalSupport(signals, totalOpps, score.Steps[0])
		combined := c.cfg.SignalWeight*support + c.cfg.StrategyWeight*c.strategyScore(score)

		switch {
		case combined > bestCombined:
		case combined == bestCombined && score.ConfidencePPM > best.ConfidencePPM:
		case combined == bestCombined && score.ConfidencePPM == best.ConfidencePPM && score.RiskBps < best.RiskBps:
		case combined == bestCombined && score.ConfidencePPM == best.ConfidencePPM && score.RiskBps == best.RiskBps &&
			routeLess(score.Steps[0], best.Steps[0]):
		default:
			continue
		}
		best, bestCombined, bestSupport = score, combined, support
	}
	return best, bestCombined, bestSupport
}

// signalSupport is the fraction of opportunity signals whose route
// matches the candidate's first step.
func (c *Coordinator) signalSupport(signals []agents.Signal, totalOpps int, step agents.ReallocationStep) float64 {
	if totalOpps == 0 {
		return 0
	}
	matched := 0
	for _, s := range signals {
		if s.Matches(step.FromChain, step.ToChain, step.Token) {
			matched++
		}
	}
	return float64(matched) / float64(totalOpps)
}

// strategyScore normalizes expected gain to 0..1 against the configured
// gain scale. Negative gains score zero.
func (c *Coordinator) strategyScore(score agents.StrategyScore) float64 {
	v := float64(score.ExpectedGainBps) / float64(c.cfg.GainScaleBps)
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func routeLess(a, b agents.ReallocationStep) bool {
	if a.FromChain != b.FromChain {
		return a.FromChain < b.FromChain
	}
	if a.ToChain != b.ToChain {
		return a.ToChain < b.ToChain
	}
	return a.TargetPool.Address < b.TargetPool.Address
}

func fmtSupport(support float64, signals []agents.Signal) string {
	opps := 0
	for _, s := range signals {
		if s.Kind == agents.SignalOpportunity {
			opps++
		}
	}
	return fmt.Sprintf("signal support %.2f from %d opportunity signal(s)", support, opps)
}

func fmtStrategy(score agents.StrategyScore, scaleBps int32) string {
	return fmt.Sprintf("expected gain %d bps against scale %d bps, risk %d bps",
		score.ExpectedGainBps, scaleBps, score.RiskBps)
}

func fmtCombined(combined float64, cfg config.VotingConfig) string {
	return fmt.Sprintf("combined score %.2f vs threshold %.2f", combined, cfg.ConsensusThreshold)
}

// Latest returns the most recent decision, or nil before the first
// cycle. Callers must treat it as read-only.
func (c *Coordinator) Latest() *Decision {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

func (c *Coordinator) Name() string { return "voting" }

func (c *Coordinator) Stats() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]float64{
		"cycles":      float64(c.cycles),
		"rebalances":  float64(c.rebalances),
		"holds":       float64(c.holds),
		"emergencies": float64(c.emergencies),
		"alerts_held": float64(len(c.alerts)),
	}
}
