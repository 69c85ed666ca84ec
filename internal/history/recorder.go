package history

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lowkeylabs/crossyield/internal/bus"
	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/voting"
)

// Recorder writes hold decisions from the bus into the store. Moving
// decisions are recorded by the orchestrator at their terminal state,
// where the operation outcome is known; holds never reach it, so they
// are captured here.
type Recorder struct {
	store Store
	bus   *bus.Bus
	log   zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRecorder(store Store, b *bus.Bus) *Recorder {
	return &Recorder{
		store: store,
		bus:   b,
		log:   config.NewLogger("history"),
	}
}

func (r *Recorder) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)
	sub := r.bus.SubscribeBuffered(bus.TopicDecision, 64)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.C():
				d, ok := ev.Payload.(*voting.Decision)
				if !ok || d.Moves() {
					continue
				}
				if err := r.store.Append(ctx, HoldRecord(d)); err != nil {
					r.log.Error().Err(err).Str("decision_id", d.ID.String()).
						Msg("recording hold decision failed")
				}
			}
		}
	}()
	return nil
}

func (r *Recorder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Recorder) Name() string { return "history" }

func (r *Recorder) Stats() map[string]float64 {
	return map[string]float64{"records": float64(r.store.Len())}
}
