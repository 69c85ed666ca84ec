package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeSource struct {
	name  string
	stats map[string]float64
	calls int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Stats() map[string]float64 {
	f.calls++
	return f.stats
}

func TestNewUpdater(t *testing.T) {
	interval := 10 * time.Second
	updater := NewUpdater(interval)

	assert.NotNil(t, updater)
	assert.Equal(t, interval, updater.interval)
	assert.NotNil(t, updater.stopCh)
}

func TestUpdaterStop(t *testing.T) {
	updater := NewUpdater(time.Second)

	assert.NotPanics(t, func() {
		updater.Stop()
	})

	_, ok := <-updater.stopCh
	assert.False(t, ok, "stopCh should be closed")
}

func TestUpdaterPollsSources(t *testing.T) {
	src := &fakeSource{
		name:  "aggregator",
		stats: map[string]float64{"snapshot_age_seconds": 4, "pools": 12},
	}

	updater := NewUpdater(time.Second, src)
	updater.update()

	assert.Equal(t, 1, src.calls)

	second := &fakeSource{name: "bus", stats: map[string]float64{"topics": 10}}
	updater.Register(second)
	updater.update()

	assert.Equal(t, 2, src.calls)
	assert.Equal(t, 1, second.calls)
}
