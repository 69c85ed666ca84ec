package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRendersSeries(t *testing.T) {
	RecordCacheHit("memory")
	RecordDecision("rebalance", 800_000)
	RecordAgentProcessing("signal", 12.5)
	SetUpkeepPaused("usdc-watch", true)

	snap, err := Snapshot()
	require.NoError(t, err)

	assert.GreaterOrEqual(t, snap[`crossyield_cache_hits_total{tier="memory"}`], 1.0)
	assert.GreaterOrEqual(t, snap[`crossyield_decisions_total{action="rebalance"}`], 1.0)
	assert.Equal(t, 1.0, snap[`crossyield_upkeep_paused{upkeep="usdc-watch"}`])

	// Histograms surface as count and sum.
	assert.GreaterOrEqual(t, snap[`crossyield_agent_processing_duration_ms_count{agent="signal"}`], 1.0)
	assert.GreaterOrEqual(t, snap[`crossyield_agent_processing_duration_ms_sum{agent="signal"}`], 12.5)

	SetUpkeepPaused("usdc-watch", false)
}

func TestSnapshotIsStableAcrossCalls(t *testing.T) {
	RecordCacheMiss("memory")

	first, err := Snapshot()
	require.NoError(t, err)
	second, err := Snapshot()
	require.NoError(t, err)

	key := `crossyield_cache_misses_total{tier="memory"}`
	assert.Contains(t, first, key)
	assert.Equal(t, first[key], second[key], "reads must not mutate the counters")
}
