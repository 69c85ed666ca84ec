// Package supervisor owns the component lifecycle for the control
// plane: ordered startup, crash recovery with bounded restarts,
// periodic health reports, and reverse-order shutdown inside a grace
// window.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lowkeylabs/crossyield/internal/bus"
	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/metrics"
)

// Component is one supervised service. Start must return promptly,
// leaving long-running work to background goroutines.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
}

// Crasher is a Component whose background work can fail after a
// successful Start. Each run delivers at most one error; the channel
// is re-acquired after every restart.
type Crasher interface {
	Crashed() <-chan error
}

// Component states reported by Health and the healthReport event.
const (
	StateUp         = "up"
	StateRestarting = "restarting"
	StateDown       = "down"
)

// Outage is the componentDown event payload.
type Outage struct {
	Component string    `json:"component"`
	Reason    string    `json:"reason"`
	Restarts  int       `json:"restarts"`
	At        time.Time `json:"at"`
}

func (o Outage) String() string {
	return fmt.Sprintf("component %s down: %s (restarts used %d)", o.Component, o.Reason, o.Restarts)
}

// Report is the healthReport event payload.
type Report struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]string `json:"components"`
	At         time.Time         `json:"at"`
}

func (r Report) String() string {
	if r.Healthy {
		return fmt.Sprintf("all %d components up", len(r.Components))
	}
	var down []string
	for name, state := range r.Components {
		if state != StateUp {
			down = append(down, name+"="+state)
		}
	}
	sort.Strings(down)
	return "degraded: " + strings.Join(down, ", ")
}

// supervised is the mutable record of one component, guarded by the
// supervisor mutex.
type supervised struct {
	comp     Component
	status   string
	restarts int
}

// Supervisor starts components in order, watches the ones that can
// crash, and reports component health on the bus and /health.
type Supervisor struct {
	cfg config.SupervisorConfig
	bus *bus.Bus
	log zerolog.Logger

	mu    sync.Mutex
	comps []*supervised

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the supervisor over the given components in start order.
func New(cfg config.SupervisorConfig, b *bus.Bus, comps ...Component) *Supervisor {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.RestartMax <= 0 {
		cfg.RestartMax = 5
	}
	if cfg.RestartBase <= 0 {
		cfg.RestartBase = time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}

	s := &Supervisor{
		cfg: cfg,
		bus: b,
		log: config.NewLogger("supervisor"),
	}
	for _, c := range comps {
		s.comps = append(s.comps, &supervised{comp: c, status: StateDown})
	}
	return s
}

// Start brings every component up in order. A component that fails to
// start tears down the ones already running, in reverse, and fails
// startup; crash recovery only applies after a successful boot.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i, sc := range s.comps {
		if err := sc.comp.Start(ctx); err != nil {
			s.log.Error().Err(err).Str("component", sc.comp.Name()).Msg("component failed to start")
			for j := i - 1; j >= 0; j-- {
				s.comps[j].comp.Stop()
				s.setStatus(s.comps[j], StateDown)
			}
			cancel()
			return fmt.Errorf("start %s: %w", sc.comp.Name(), err)
		}

		s.setStatus(sc, StateUp)
		metrics.SetComponentUp(sc.comp.Name(), true)
		s.log.Info().Str("component", sc.comp.Name()).Msg("component started")

		if cr, ok := sc.comp.(Crasher); ok {
			s.watch(ctx, sc, cr)
		}
	}

	s.wg.Add(1)
	go s.healthLoop(ctx)
	return nil
}

// Stop shuts components down in reverse start order. A component that
// does not stop inside the remaining grace window is abandoned so
// shutdown always completes.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	deadline := time.Now().Add(s.cfg.ShutdownGrace)
	for i := len(s.comps) - 1; i >= 0; i-- {
		sc := s.comps[i]
		name := sc.comp.Name()
		if stopWithin(sc.comp, time.Until(deadline)) {
			s.log.Info().Str("component", name).Msg("component stopped")
		} else {
			s.log.Warn().Str("component", name).Msg("grace window expired, abandoning component")
		}
		s.setStatus(sc, StateDown)
		metrics.SetComponentUp(name, false)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.log.Warn().Msg("supervisor loops did not drain inside the grace window")
	}
}

func stopWithin(c Component, grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// watch restarts sc when its crash channel fires. One watcher per
// crashing component; restarts reuse the watcher goroutine so a
// component is never started twice concurrently.
func (s *Supervisor) watch(ctx context.Context, sc *supervised, cr Crasher) {
	ch := cr.Crashed()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-ch:
				if !ok || ctx.Err() != nil {
					return
				}
				ch = s.recover(ctx, sc, cr, err)
				if ch == nil {
					return
				}
			}
		}
	}()
}

// recover restarts a crashed component with exponential backoff.
// Returns the fresh crash channel, or nil once the restart budget is
// spent and the component stays down.
func (s *Supervisor) recover(ctx context.Context, sc *supervised, cr Crasher, cause error) <-chan error {
	name := sc.comp.Name()

	s.mu.Lock()
	sc.status = StateRestarting
	used := sc.restarts
	s.mu.Unlock()

	metrics.SetComponentUp(name, false)
	s.log.Error().Err(cause).Str("component", name).Msg("component crashed")
	s.bus.Publish(bus.TopicComponentDown, Outage{
		Component: name,
		Reason:    cause.Error(),
		Restarts:  used,
		At:        time.Now().UTC(),
	})

	backoff := s.cfg.RestartBase
	for {
		s.mu.Lock()
		if sc.restarts >= s.cfg.RestartMax {
			sc.status = StateDown
			s.mu.Unlock()
			s.log.Error().Str("component", name).Int("restarts", s.cfg.RestartMax).
				Msg("restart budget spent, component stays down")
			s.bus.Publish(bus.TopicComponentDown, Outage{
				Component: name,
				Reason:    "restart budget spent: " + cause.Error(),
				Restarts:  s.cfg.RestartMax,
				At:        time.Now().UTC(),
			})
			return nil
		}
		sc.restarts++
		attempt := sc.restarts
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2

		sc.comp.Stop()
		if err := sc.comp.Start(ctx); err != nil {
			s.log.Error().Err(err).Str("component", name).Int("attempt", attempt).Msg("restart failed")
			continue
		}

		s.setStatus(sc, StateUp)
		metrics.SetComponentUp(name, true)
		s.log.Info().Str("component", name).Int("attempt", attempt).Msg("component restarted")
		return cr.Crashed()
	}
}

// Health reports whether every component is up, with per-component
// states. The API health endpoint serves this.
func (s *Supervisor) Health() (bool, map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	healthy := true
	components := make(map[string]string, len(s.comps))
	for _, sc := range s.comps {
		components[sc.comp.Name()] = sc.status
		if sc.status != StateUp {
			healthy = false
		}
	}
	return healthy, components
}

func (s *Supervisor) healthLoop(ctx context.Context) {
	defer s.wg.Done()

	s.publishHealth()
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishHealth()
		}
	}
}

func (s *Supervisor) publishHealth() {
	healthy, components := s.Health()
	for name, state := range components {
		metrics.SetComponentUp(name, state == StateUp)
	}
	s.bus.Publish(bus.TopicHealthReport, Report{
		Healthy:    healthy,
		Components: components,
		At:         time.Now().UTC(),
	})
	if !healthy {
		s.log.Warn().Interface("components", components).Msg("system degraded")
	}
}

func (s *Supervisor) setStatus(sc *supervised, status string) {
	s.mu.Lock()
	sc.status = status
	s.mu.Unlock()
}

// Name implements metrics.StatsSource.
func (s *Supervisor) Name() string { return "supervisor" }

// Stats implements metrics.StatsSource.
func (s *Supervisor) Stats() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	up, restarts := 0, 0
	for _, sc := range s.comps {
		if sc.status == StateUp {
			up++
		}
		restarts += sc.restarts
	}
	return map[string]float64{
		"components": float64(len(s.comps)),
		"up":         float64(up),
		"restarts":   float64(restarts),
	}
}
