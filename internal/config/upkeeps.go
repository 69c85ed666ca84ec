package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lowkeylabs/crossyield/internal/errs"
)

// upkeepFile is the schema of a standalone upkeeps.yaml file. Durations
// are strings ("24h", "90s") so operators can edit them by hand.
type upkeepFile struct {
	Upkeeps []upkeepEntry `yaml:"upkeeps"`
}

type upkeepEntry struct {
	ID               string `yaml:"id"`
	TargetChain      uint64 `yaml:"target_chain"`
	TargetContract   string `yaml:"target_contract"`
	CheckData        string `yaml:"check_data"`
	GasLimit         uint64 `yaml:"gas_limit"`
	MinConfidencePPM int64  `yaml:"min_confidence_ppm"`
	MinConsensusPPM  int64  `yaml:"min_consensus_ppm"`
	Active           *bool  `yaml:"active"` // nil = active
	APYDeltaBps      int32  `yaml:"apy_delta_bps"`
	Interval         string `yaml:"interval"`
	TVLDeltaPPM      int64  `yaml:"tvl_delta_ppm"`
	GasCeilingWei    int64  `yaml:"gas_ceiling_wei"`
}

// LoadUpkeeps reads upkeep definitions from a YAML file.
func LoadUpkeeps(path string) ([]UpkeepConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Config("failed to read upkeep file %s: %v", path, err)
	}

	var f upkeepFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errs.Config("failed to parse upkeep file %s: %v", path, err)
	}

	out := make([]UpkeepConfig, 0, len(f.Upkeeps))
	for _, e := range f.Upkeeps {
		if e.ID == "" {
			return nil, errs.Config("upkeep file %s: entries require an id", path)
		}

		var interval time.Duration
		if e.Interval != "" {
			interval, err = time.ParseDuration(e.Interval)
			if err != nil {
				return nil, errs.Config("upkeep %s: invalid interval %q: %v", e.ID, e.Interval, err)
			}
		}

		active := true
		if e.Active != nil {
			active = *e.Active
		}

		out = append(out, UpkeepConfig{
			ID:               e.ID,
			TargetChain:      e.TargetChain,
			TargetContract:   e.TargetContract,
			CheckData:        e.CheckData,
			GasLimit:         e.GasLimit,
			MinConfidencePPM: e.MinConfidencePPM,
			MinConsensusPPM:  e.MinConsensusPPM,
			Active:           active,
			APYDeltaBps:      e.APYDeltaBps,
			Interval:         interval,
			TVLDeltaPPM:      e.TVLDeltaPPM,
			GasCeilingWei:    e.GasCeilingWei,
		})
	}

	return out, nil
}

// MergeUpkeeps combines inline config upkeeps with file-defined ones.
// File entries win on id collision so operators can override without
// touching the main config.
func MergeUpkeeps(inline, fromFile []UpkeepConfig) []UpkeepConfig {
	byID := make(map[string]int, len(inline))
	merged := make([]UpkeepConfig, len(inline))
	copy(merged, inline)
	for i, u := range merged {
		byID[u.ID] = i
	}
	for _, u := range fromFile {
		if i, ok := byID[u.ID]; ok {
			merged[i] = u
			continue
		}
		byID[u.ID] = len(merged)
		merged = append(merged, u)
	}
	return merged
}
