package aggregator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lowkeylabs/crossyield/internal/bus"
	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/feed"
	"github.com/lowkeylabs/crossyield/internal/metrics"
)

const (
	defaultLiveFeedCapacity = 100

	// rebuildInterval bounds how stale a snapshot can get when no price
	// events arrive, e.g. when only yield polls are producing data.
	rebuildInterval = 15 * time.Second
)

// MarketSource is the feed state the aggregator snapshots.
type MarketSource interface {
	LatestPrices() []feed.PriceTick
	LatestYields() map[feed.PoolKey]feed.PoolSnapshot
	GasByChain() map[uint64]*big.Int
}

// Entry is one human-readable line of the live activity feed.
type Entry struct {
	At      time.Time `json:"at"`
	Topic   string    `json:"topic"`
	Message string    `json:"message"`
}

// Service rebuilds an immutable MarketSnapshot from feed state on every
// price emission and serves it through an atomic pointer. It also keeps
// a bounded, drop-oldest live feed of bus activity for the status API.
type Service struct {
	cfg    config.AggregatorConfig
	source MarketSource
	bus    *bus.Bus
	log    zerolog.Logger

	current  atomic.Pointer[MarketSnapshot]
	rebuilds atomic.Int64

	mu      sync.Mutex
	entries []Entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.AggregatorConfig, source MarketSource, b *bus.Bus) *Service {
	if cfg.LiveFeedCapacity <= 0 {
		cfg.LiveFeedCapacity = defaultLiveFeedCapacity
	}
	return &Service{
		cfg:    cfg,
		source: source,
		bus:    b,
		log:    config.NewLogger("aggregator"),
	}
}

// Start subscribes to bus activity and launches the rebuild loop.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	prices := s.bus.Subscribe(bus.TopicPriceUpdate)
	changes := s.bus.Subscribe(bus.TopicSignificantPriceChange)
	signals := s.bus.Subscribe(bus.TopicSignal)
	decisions := s.bus.Subscribe(bus.TopicDecision)
	completed := s.bus.Subscribe(bus.TopicRebalanceCompleted)
	failed := s.bus.Subscribe(bus.TopicUpkeepFailed)

	s.rebuild()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer prices.Unsubscribe()
		defer changes.Unsubscribe()
		defer signals.Unsubscribe()
		defer decisions.Unsubscribe()
		defer completed.Unsubscribe()
		defer failed.Unsubscribe()

		ticker := time.NewTicker(rebuildInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-prices.C():
				if !ok {
					return
				}
				s.record(ev)
				s.drain(prices)
				s.rebuild()
			case <-ticker.C:
				s.rebuild()
			case ev, ok := <-changes.C():
				if !ok {
					return
				}
				s.record(ev)
			case ev, ok := <-signals.C():
				if !ok {
					return
				}
				s.record(ev)
			case ev, ok := <-decisions.C():
				if !ok {
					return
				}
				s.record(ev)
			case ev, ok := <-completed.C():
				if !ok {
					return
				}
				s.record(ev)
			case ev, ok := <-failed.C():
				if !ok {
					return
				}
				s.record(ev)
			}
		}
	}()

	s.log.Info().Int("live_feed_capacity", s.cfg.LiveFeedCapacity).Msg("Aggregator started")
	return nil
}

func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info().Msg("Aggregator stopped")
}

// drain absorbs any already-queued price events so a burst of ticks
// from one poll produces a single rebuild.
func (s *Service) drain(sub *bus.Subscription) {
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			s.record(ev)
		default:
			return
		}
	}
}

// rebuild assembles a fresh snapshot from feed state and swaps it in.
func (s *Service) rebuild() {
	snap := NewSnapshot(s.source.LatestPrices(), s.source.LatestYields(), s.source.GasByChain(), time.Now())
	s.current.Store(snap)
	s.rebuilds.Add(1)

	metrics.SnapshotsPublished.Inc()
	metrics.SnapshotPools.Set(float64(len(snap.Pools)))
	s.bus.Publish(bus.TopicSnapshot, snap)
	s.log.Debug().
		Int("pools", len(snap.Pools)).
		Int("prices", len(snap.Prices)).
		Int("chains_with_gas", len(snap.GasByChain)).
		Msg("Snapshot rebuilt")
}

// CurrentSnapshot returns the latest snapshot, or nil before the first
// rebuild completes.
func (s *Service) CurrentSnapshot() *MarketSnapshot {
	return s.current.Load()
}

// LiveFeed returns the retained activity entries, newest first.
func (s *Service) LiveFeed() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[len(s.entries)-1-i] = e
	}
	return out
}

func (s *Service) record(ev bus.Event) {
	entry := Entry{
		At:      ev.Timestamp,
		Topic:   string(ev.Topic),
		Message: describe(ev),
	}
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.cfg.LiveFeedCapacity {
		s.entries = s.entries[len(s.entries)-s.cfg.LiveFeedCapacity:]
	}
	size := len(s.entries)
	s.mu.Unlock()
	metrics.LiveFeedSize.Set(float64(size))
}

// describe renders a bus payload as one feed line. Payload types owned
// by other packages provide their own String form.
func describe(ev bus.Event) string {
	switch p := ev.Payload.(type) {
	case feed.PriceTick:
		return fmt.Sprintf("%s at %s (%s)", p.Pair, DisplayPrice(p.PriceE18), p.Source)
	case feed.PriceChange:
		return fmt.Sprintf("%s moved %d bps to %s", p.Pair, p.DeltaBps, DisplayPrice(p.Tick.PriceE18))
	case fmt.Stringer:
		return p.String()
	default:
		return string(ev.Topic)
	}
}

// Name implements metrics.StatsSource.
func (s *Service) Name() string { return "aggregator" }

// Stats implements metrics.StatsSource.
func (s *Service) Stats() map[string]float64 {
	stats := map[string]float64{
		"rebuilds": float64(s.rebuilds.Load()),
	}
	if snap := s.current.Load(); snap != nil {
		stats["pools"] = float64(len(snap.Pools))
		stats["prices"] = float64(len(snap.Prices))
	}
	s.mu.Lock()
	stats["live_feed"] = float64(len(s.entries))
	s.mu.Unlock()
	return stats
}
