package feed

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/lowkeylabs/crossyield/internal/bus"
	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/errs"
	"github.com/lowkeylabs/crossyield/internal/metrics"
)

const (
	// historyCap bounds the per-pair tick history kept for volatility
	// calculations.
	historyCap = 256

	// chartCap bounds the per-protocol TVL history kept from chart
	// responses. Ninety daily points cover every lookback in use.
	chartCap = 90

	defaultDegradeThreshold = 3
)

type priceKey struct {
	chainID uint64
	pair    string
}

// Service polls all configured sources on their cadence, filters
// observations, and serves the latest accepted state. A source that
// fails repeatedly trips its breaker and is retried at half cadence
// until a poll succeeds.
type Service struct {
	cfg     config.FeedConfig
	bus     *bus.Bus
	log     zerolog.Logger
	sources []Source

	mu          sync.RWMutex
	prices      map[priceKey]PriceTick
	lastEmitted map[string]PriceTick
	yields      map[PoolKey]PoolSnapshot
	gas         map[uint64]*big.Int
	history     map[string][]PriceTick
	tvlHistory  map[string][]ChartPoint

	breakers map[string]*gobreaker.CircuitBreaker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.FeedConfig, b *bus.Bus, sources ...Source) *Service {
	s := &Service{
		cfg:         cfg,
		bus:         b,
		log:         config.NewLogger("feed"),
		sources:     sources,
		prices:      make(map[priceKey]PriceTick),
		lastEmitted: make(map[string]PriceTick),
		yields:      make(map[PoolKey]PoolSnapshot),
		gas:         make(map[uint64]*big.Int),
		history:     make(map[string][]PriceTick),
		tvlHistory:  make(map[string][]ChartPoint),
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, src := range sources {
		s.breakers[src.Name()] = s.newBreaker(src)
	}
	return s
}

// newBreaker builds the degradation breaker for one source. The open
// timeout equals the source's poll interval, so with the regular ticker
// still running an open breaker rejects every other tick. That halves
// the effective cadence until the half-open probe succeeds.
func (s *Service) newBreaker(src Source) *gobreaker.CircuitBreaker {
	threshold := s.cfg.DegradeThreshold
	if threshold == 0 {
		threshold = defaultDegradeThreshold
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        src.Name(),
		MaxRequests: 1,
		Timeout:     s.interval(src.Kind()),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			degraded := to != gobreaker.StateClosed
			metrics.SetSourceDegraded(name, degraded)
			s.log.Warn().
				Str("source", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Bool("degraded", degraded).
				Msg("Feed source state changed")
		},
	})
}

func (s *Service) interval(k SourceKind) time.Duration {
	switch k {
	case KindYield:
		return s.cfg.YieldInterval
	case KindOracle:
		return s.cfg.OracleInterval
	default:
		return s.cfg.PriceInterval
	}
}

// Start launches one polling goroutine per source. Each loop polls
// immediately and then on its kind's cadence until ctx is cancelled or
// Stop is called.
func (s *Service) Start(ctx context.Context) error {
	if len(s.sources) == 0 {
		return errs.Config("feed requires at least one source")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, src := range s.sources {
		s.wg.Add(1)
		go s.pollLoop(ctx, src)
	}
	s.log.Info().Int("sources", len(s.sources)).Msg("Data feed started")
	return nil
}

func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info().Msg("Data feed stopped")
}

func (s *Service) pollLoop(ctx context.Context, src Source) {
	defer s.wg.Done()
	s.pollOnce(ctx, src)
	ticker := time.NewTicker(s.interval(src.Kind()))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx, src)
		}
	}
}

func (s *Service) pollOnce(ctx context.Context, src Source) {
	br := s.breakers[src.Name()]
	start := time.Now()
	res, err := br.Execute(func() (interface{}, error) {
		return src.Poll(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.SourcePolls.WithLabelValues(src.Name(), "skipped").Inc()
			s.log.Debug().Str("source", src.Name()).Msg("Poll skipped while degraded")
			return
		}
		metrics.RecordSourcePoll(src.Name(), err)
		s.log.Warn().Err(err).
			Str("source", src.Name()).
			Dur("took", time.Since(start)).
			Msg("Feed poll failed")
		return
	}
	metrics.RecordSourcePoll(src.Name(), nil)
	batch, ok := res.(*Batch)
	if !ok || batch == nil {
		return
	}
	s.ingest(src.Name(), batch)
	s.log.Debug().
		Str("source", src.Name()).
		Int("ticks", len(batch.Ticks)).
		Int("pools", len(batch.Pools)).
		Dur("took", time.Since(start)).
		Msg("Feed poll complete")
}

// ingest applies one batch to the served state. Observations that fail
// the staleness or confidence gates are counted and dropped. Bus events
// are published after the lock is released.
func (s *Service) ingest(source string, batch *Batch) {
	now := time.Now()
	var accepted []PriceTick
	var changes []PriceChange

	s.mu.Lock()
	for _, t := range batch.Ticks {
		reason, ok := s.checkTick(t, now)
		if !ok {
			metrics.RecordDiscardedObservation(source, reason)
			continue
		}
		s.prices[priceKey{t.ChainID, t.Pair}] = t
		s.appendHistory(t)
		metrics.PriceUpdates.WithLabelValues(source).Inc()
		accepted = append(accepted, t)
		if ch, significant := s.significant(t); significant {
			s.lastEmitted[t.Pair] = t
			changes = append(changes, ch)
		}
	}
	for _, p := range batch.Pools {
		reason, ok := s.checkPool(p, now)
		if !ok {
			metrics.RecordDiscardedObservation(source, reason)
			continue
		}
		s.yields[p.Key] = p
		metrics.YieldUpdates.WithLabelValues(source).Inc()
	}
	for id, wei := range batch.Gas {
		if wei != nil && wei.Sign() > 0 {
			s.gas[id] = wei
		}
	}
	for proto, points := range batch.Charts {
		if len(points) > chartCap {
			points = points[len(points)-chartCap:]
		}
		if len(points) > 0 {
			s.tvlHistory[proto] = points
		}
	}
	s.mu.Unlock()

	for _, t := range accepted {
		s.bus.Publish(bus.TopicPriceUpdate, t)
	}
	for _, ch := range changes {
		metrics.SignificantPriceChanges.WithLabelValues(ch.Pair).Inc()
		s.bus.Publish(bus.TopicSignificantPriceChange, ch)
		s.log.Info().
			Str("pair", ch.Pair).
			Int64("delta_bps", ch.DeltaBps).
			Str("source", ch.Tick.Source).
			Msg("Significant price change")
	}
}

func (s *Service) checkTick(t PriceTick, now time.Time) (string, bool) {
	if t.Pair == "" || t.PriceE18 == nil || t.PriceE18.Sign() <= 0 {
		return metrics.DiscardReasonInvalid, false
	}
	if s.cfg.MaxStaleness > 0 && now.Sub(t.ObservedAt) > s.cfg.MaxStaleness {
		return metrics.DiscardReasonStale, false
	}
	if t.ConfidencePPM < s.cfg.MinConfidencePPM {
		return metrics.DiscardReasonLowConfidence, false
	}
	return "", true
}

func (s *Service) checkPool(p PoolSnapshot, now time.Time) (string, bool) {
	if p.Key.Address == "" || p.Token == "" || p.TVL == nil || p.TVL.Sign() <= 0 {
		return metrics.DiscardReasonInvalid, false
	}
	if s.cfg.MaxStaleness > 0 && now.Sub(p.ObservedAt) > s.cfg.MaxStaleness {
		return metrics.DiscardReasonStale, false
	}
	if p.ConfidencePPM < s.cfg.MinConfidencePPM {
		return metrics.DiscardReasonLowConfidence, false
	}
	return "", true
}

// significant compares t against the last emitted price for the pair.
// The first accepted tick of a pair sets the baseline without emitting.
// Callers hold the write lock.
func (s *Service) significant(t PriceTick) (PriceChange, bool) {
	last, ok := s.lastEmitted[t.Pair]
	if !ok {
		s.lastEmitted[t.Pair] = t
		return PriceChange{}, false
	}
	d := deltaBps(last.PriceE18, t.PriceE18)
	if d < int64(s.cfg.SignificantChangeBps) {
		return PriceChange{}, false
	}
	return PriceChange{Pair: t.Pair, DeltaBps: d, Previous: last.PriceE18, Tick: t}, true
}

func (s *Service) appendHistory(t PriceTick) {
	h := append(s.history[t.Pair], t)
	if len(h) > historyCap {
		h = h[len(h)-historyCap:]
	}
	s.history[t.Pair] = h
}

// LatestPrice returns the most recent accepted tick for a pair on the
// given chain, falling back to an off-chain tick when no chain-local
// observation exists. The second return is false until a poll has
// produced an acceptable tick.
func (s *Service) LatestPrice(chainID uint64, pair string) (PriceTick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.prices[priceKey{chainID, pair}]; ok {
		return t, true
	}
	t, ok := s.prices[priceKey{0, pair}]
	return t, ok
}

// LatestPrices returns every accepted tick currently held, one per
// (chain, pair) slot.
func (s *Service) LatestPrices() []PriceTick {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PriceTick, 0, len(s.prices))
	for _, t := range s.prices {
		out = append(out, t)
	}
	return out
}

// LatestYields returns a copy of the current pool observations.
func (s *Service) LatestYields() map[PoolKey]PoolSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[PoolKey]PoolSnapshot, len(s.yields))
	for k, v := range s.yields {
		out[k] = v
	}
	return out
}

// LatestGas returns the most recent gas price observation for a chain.
func (s *Service) LatestGas(chainID uint64) (*big.Int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.gas[chainID]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(g), true
}

// GasByChain returns a copy of all current gas price observations.
func (s *Service) GasByChain() map[uint64]*big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint64]*big.Int, len(s.gas))
	for id, g := range s.gas {
		out[id] = new(big.Int).Set(g)
	}
	return out
}

// PriceHistory returns up to max recent ticks for a pair, oldest first.
func (s *Service) PriceHistory(pair string, max int) []PriceTick {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history[pair]
	if max > 0 && len(h) > max {
		h = h[len(h)-max:]
	}
	out := make([]PriceTick, len(h))
	copy(out, h)
	return out
}

// ProtocolTVLHistory returns the retained TVL chart for a protocol slug.
func (s *Service) ProtocolTVLHistory(protocol string) []ChartPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	points := s.tvlHistory[protocol]
	out := make([]ChartPoint, len(points))
	copy(out, points)
	return out
}

// Name implements metrics.StatsSource.
func (s *Service) Name() string { return "feed" }

// Stats implements metrics.StatsSource.
func (s *Service) Stats() map[string]float64 {
	s.mu.RLock()
	pairs := len(s.prices)
	pools := len(s.yields)
	gasChains := len(s.gas)
	s.mu.RUnlock()

	degraded := 0
	for _, br := range s.breakers {
		if br.State() != gobreaker.StateClosed {
			degraded++
		}
	}
	return map[string]float64{
		"pairs_tracked":    float64(pairs),
		"pools_tracked":    float64(pools),
		"chains_with_gas":  float64(gasChains),
		"sources":          float64(len(s.sources)),
		"sources_degraded": float64(degraded),
	}
}
