package upkeep

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowkeylabs/crossyield/internal/errs"
)

func TestCheckpointsRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.json")
	cps, err := OpenCheckpoints(path)
	require.NoError(t, err)

	// Unknown upkeeps read as zero.
	cp := cps.Get("upkeep-usdc")
	assert.True(t, cp.LastRebalance.IsZero())
	assert.Nil(t, cp.LastTVL)

	now := time.Now().UTC()
	require.NoError(t, cps.Put("upkeep-usdc", Checkpoint{
		LastRebalance: now,
		LastTVL:       big.NewInt(1_300_000_000_000),
	}))

	got := cps.Get("upkeep-usdc")
	assert.True(t, got.LastRebalance.Equal(now))
	assert.Zero(t, got.LastTVL.Cmp(big.NewInt(1_300_000_000_000)))

	// A fresh store reads the same state back from disk.
	reopened, err := OpenCheckpoints(path)
	require.NoError(t, err)
	got = reopened.Get("upkeep-usdc")
	assert.True(t, got.LastRebalance.Equal(now))
	assert.Zero(t, got.LastTVL.Cmp(big.NewInt(1_300_000_000_000)))
}

func TestCheckpointsMemoryOnly(t *testing.T) {
	cps, err := OpenCheckpoints("")
	require.NoError(t, err)

	require.NoError(t, cps.Put("upkeep-usdc", Checkpoint{LastRebalance: time.Now().UTC()}))
	assert.False(t, cps.Get("upkeep-usdc").LastRebalance.IsZero())
}

func TestCheckpointsCopyIsolation(t *testing.T) {
	cps, err := OpenCheckpoints("")
	require.NoError(t, err)

	require.NoError(t, cps.Put("upkeep-usdc", Checkpoint{LastTVL: big.NewInt(100)}))

	got := cps.Get("upkeep-usdc")
	got.LastTVL.SetInt64(999)

	assert.Zero(t, cps.Get("upkeep-usdc").LastTVL.Cmp(big.NewInt(100)))
}

func TestCheckpointsRejectCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := OpenCheckpoints(path)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConfig))
}

func TestCheckpointsCreateParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "upkeep", "checkpoints.json")
	cps, err := OpenCheckpoints(path)
	require.NoError(t, err)

	require.NoError(t, cps.Put("upkeep-usdc", Checkpoint{LastRebalance: time.Now().UTC()}))

	_, err = os.Stat(path)
	require.NoError(t, err)
}
