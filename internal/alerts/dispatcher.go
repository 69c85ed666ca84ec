package alerts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/lowkeylabs/crossyield/internal/bus"
	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/upkeep"
	"github.com/lowkeylabs/crossyield/internal/voting"
)

// Dispatcher bridges operational bus events into alerts: paused
// upkeeps, component outages, and emergency-exit decisions. Routine
// decisions pass through silently.
type Dispatcher struct {
	manager *Manager
	bus     *bus.Bus
	log     zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	sent   atomic.Int64
	failed atomic.Int64
}

// NewDispatcher creates a dispatcher over the given manager and bus.
func NewDispatcher(manager *Manager, b *bus.Bus) *Dispatcher {
	return &Dispatcher{
		manager: manager,
		bus:     b,
		log:     config.NewLogger("alerts"),
	}
}

// Start subscribes to the alerting topics and begins dispatching.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	upkeepFailed := d.bus.Subscribe(bus.TopicUpkeepFailed)
	componentDown := d.bus.Subscribe(bus.TopicComponentDown)
	decisions := d.bus.Subscribe(bus.TopicDecision)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer upkeepFailed.Unsubscribe()
		defer componentDown.Unsubscribe()
		defer decisions.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-upkeepFailed.C():
				d.dispatch(ctx, upkeepAlert(ev.Payload))
			case ev := <-componentDown.C():
				d.dispatch(ctx, Alert{
					Title:    "Component down",
					Message:  describe(ev.Payload),
					Severity: SeverityCritical,
				})
			case ev := <-decisions.C():
				if alert, ok := emergencyAlert(ev.Payload); ok {
					d.dispatch(ctx, alert)
				}
			}
		}
	}()

	d.log.Info().Msg("alert dispatcher started")
	return nil
}

// Stop halts dispatching. Events published after Stop are not alerted.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.log.Info().Msg("alert dispatcher stopped")
}

func (d *Dispatcher) dispatch(ctx context.Context, alert Alert) {
	if err := d.manager.Send(ctx, alert); err != nil {
		d.failed.Add(1)
		return
	}
	d.sent.Add(1)
}

func upkeepAlert(payload interface{}) Alert {
	alert := Alert{
		Title:    "Upkeep paused",
		Message:  describe(payload),
		Severity: SeverityCritical,
	}
	if f, ok := payload.(upkeep.Failure); ok {
		alert.Metadata = map[string]interface{}{
			"upkeep_id":   f.UpkeepID,
			"decision_id": f.DecisionID.String(),
			"reason":      f.Reason,
		}
	}
	return alert
}

func emergencyAlert(payload interface{}) (Alert, bool) {
	d, ok := payload.(*voting.Decision)
	if !ok || d.Action != voting.ActionEmergencyExit {
		return Alert{}, false
	}
	return Alert{
		Title:    "Emergency exit",
		Message:  d.String(),
		Severity: SeverityCritical,
		Metadata: map[string]interface{}{
			"decision_id": d.ID.String(),
			"steps":       len(d.Steps),
			"reasoning":   strings.Join(d.Reasoning, "; "),
		},
	}, true
}

func describe(payload interface{}) string {
	switch p := payload.(type) {
	case fmt.Stringer:
		return p.String()
	case string:
		return p
	case error:
		return p.Error()
	default:
		return fmt.Sprintf("%v", p)
	}
}

// Name implements metrics.StatsSource.
func (d *Dispatcher) Name() string { return "alerts" }

// Stats implements metrics.StatsSource.
func (d *Dispatcher) Stats() map[string]float64 {
	return map[string]float64{
		"sent":   float64(d.sent.Load()),
		"failed": float64(d.failed.Load()),
	}
}
