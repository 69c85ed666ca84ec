package upkeep

import (
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/errs"
)

// Checkpoint is the trigger memory of one upkeep: when it last fired a
// rebalance and what the market TVL was at that point.
type Checkpoint struct {
	LastRebalance time.Time `json:"last_rebalance,omitempty"`
	LastTVL       *big.Int  `json:"last_tvl,omitempty"`
}

// Checkpoints persists per-upkeep state across restarts. An empty path
// keeps everything in memory; otherwise every Put rewrites the JSON
// file through a temp file and rename so a crash mid-write never loses
// the previous state.
type Checkpoints struct {
	mu    sync.Mutex
	path  string
	state map[string]Checkpoint
	log   zerolog.Logger
}

// OpenCheckpoints loads the checkpoint file when it exists. A missing
// file starts empty; an unreadable one is a config error.
func OpenCheckpoints(path string) (*Checkpoints, error) {
	c := &Checkpoints{
		path:  path,
		state: make(map[string]Checkpoint),
		log:   config.NewLogger("upkeep"),
	}
	if path == "" {
		return c, nil
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, errs.Config("failed to read checkpoint file %s: %v", path, err)
	}
	if err := json.Unmarshal(raw, &c.state); err != nil {
		return nil, errs.Config("failed to parse checkpoint file %s: %v", path, err)
	}
	c.log.Info().Int("upkeeps", len(c.state)).Str("path", path).Msg("checkpoints loaded")
	return c, nil
}

// Get returns the checkpoint for an upkeep id, zero when none exists.
func (c *Checkpoints) Get(id string) Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := c.state[id]
	if cp.LastTVL != nil {
		cp.LastTVL = new(big.Int).Set(cp.LastTVL)
	}
	return cp
}

// Put stores a checkpoint and persists the whole map.
func (c *Checkpoints) Put(id string, cp Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cp.LastTVL != nil {
		cp.LastTVL = new(big.Int).Set(cp.LastTVL)
	}
	c.state[id] = cp
	return c.persistLocked()
}

func (c *Checkpoints) persistLocked() error {
	if c.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return errs.Config("failed to create checkpoint dir: %v", err)
	}
	data, err := json.MarshalIndent(c.state, "", "  ")
	if err != nil {
		return errs.State("failed to encode checkpoints: %v", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.Config("failed to write checkpoint file: %v", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return errs.Config("failed to replace checkpoint file: %v", err)
	}
	return nil
}
