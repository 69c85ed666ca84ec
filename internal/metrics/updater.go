package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// StatsSource exposes point-in-time statistics from a component.
// Stat names must come from a fixed set per component.
type StatsSource interface {
	Name() string
	Stats() map[string]float64
}

var componentStats = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "crossyield_component_stat",
	Help: "Point-in-time component statistics exported by the stats poller",
}, []string{"component", "stat"})

// Updater periodically publishes component statistics as gauges
type Updater struct {
	sources  []StatsSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewUpdater creates a new metrics updater
func NewUpdater(interval time.Duration, sources ...StatsSource) *Updater {
	return &Updater{
		sources:  sources,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Register adds a stats source. Not safe to call after Start.
func (u *Updater) Register(src StatsSource) {
	u.sources = append(u.sources, src)
}

// Start begins the metrics update loop
func (u *Updater) Start(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	// Update immediately on start
	u.update()

	for {
		select {
		case <-ticker.C:
			u.update()
		case <-u.stopCh:
			log.Info().Msg("Metrics updater stopped")
			return
		case <-ctx.Done():
			log.Info().Msg("Metrics updater context cancelled")
			return
		}
	}
}

// Stop stops the metrics updater
func (u *Updater) Stop() {
	close(u.stopCh)
}

// update publishes stats from every registered source
func (u *Updater) update() {
	for _, src := range u.sources {
		for stat, value := range src.Stats() {
			componentStats.WithLabelValues(src.Name(), stat).Set(value)
		}
	}
}
