package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/metrics"
)

// Mirror republishes every internal bus event to an external NATS
// subject tree so other systems can observe the control plane.
// Subject pattern: {prefix}.{topic}, e.g. crossyield.events.decision.
type Mirror struct {
	nc     *nats.Conn
	prefix string
	bus    *Bus
	log    zerolog.Logger

	wg   sync.WaitGroup
	subs []*Subscription
}

// NewMirror connects to NATS and prepares a mirror for the given bus.
func NewMirror(cfg config.NATSConfig, b *Bus) (*Mirror, error) {
	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("crossyield-mirror"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1), // Infinite reconnects
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log := config.NewLogger("bus_mirror")
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log := config.NewLogger("bus_mirror")
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "crossyield.events"
	}

	m := &Mirror{
		nc:     nc,
		prefix: prefix,
		bus:    b,
		log:    config.NewLogger("bus_mirror"),
	}

	m.log.Info().
		Str("nats_url", cfg.URL).
		Str("prefix", prefix).
		Msg("NATS mirror initialized")

	return m, nil
}

// Start subscribes to every topic and republishes until ctx is done.
func (m *Mirror) Start(ctx context.Context) {
	for _, topic := range AllTopics() {
		sub := m.bus.Subscribe(topic)
		m.subs = append(m.subs, sub)

		m.wg.Add(1)
		go func(sub *Subscription) {
			defer m.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub.C():
					if !ok {
						return
					}
					m.forward(ev)
				}
			}
		}(sub)
	}
}

// forward publishes one event to the external subject tree.
func (m *Mirror) forward(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		m.log.Warn().Err(err).Str("topic", string(ev.Topic)).Msg("Failed to marshal event for mirror")
		metrics.NATSMirrorErrors.Inc()
		return
	}

	subject := fmt.Sprintf("%s.%s", m.prefix, ev.Topic)
	if err := m.nc.Publish(subject, data); err != nil {
		m.log.Warn().Err(err).Str("subject", subject).Msg("Failed to mirror event")
		metrics.NATSMirrorErrors.Inc()
		return
	}
	metrics.NATSMirrored.Inc()
}

// Close detaches from the bus, flushes, and drops the connection.
func (m *Mirror) Close() {
	for _, sub := range m.subs {
		sub.Unsubscribe()
	}
	m.wg.Wait()

	if err := m.nc.Flush(); err != nil {
		m.log.Warn().Err(err).Msg("Failed to flush NATS connection")
	}
	m.nc.Close()
	m.log.Info().Msg("NATS mirror closed")
}
