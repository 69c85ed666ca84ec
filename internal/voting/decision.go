// Package voting combines signal and strategy output into exactly one
// Decision per evaluation cycle. The coordinator drives the agents
// synchronously on every snapshot, so a decision is always explained by
// a single market view.
package voting

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lowkeylabs/crossyield/internal/agents"
)

// Action is the outcome of one evaluation cycle.
type Action string

const (
	ActionHold          Action = "hold"
	ActionRebalance     Action = "rebalance"
	ActionEmergencyExit Action = "emergency_exit"
)

// Decision is the single outcome of one evaluation cycle. Steps are
// non-empty exactly when the action moves capital; a hold always
// carries none.
type Decision struct {
	ID            uuid.UUID                 `json:"id"`
	Action        Action                    `json:"action"`
	Steps         []agents.ReallocationStep `json:"steps,omitempty"`
	ConsensusPPM  int64                     `json:"consensus_ppm"`
	ConfidencePPM int64                     `json:"confidence_ppm"`
	Reasoning     []string                  `json:"reasoning"`
	SnapshotAt    time.Time                 `json:"snapshot_at"`
	CreatedAt     time.Time                 `json:"created_at"`
}

func (d *Decision) String() string {
	switch d.Action {
	case ActionHold:
		return fmt.Sprintf("hold (consensus %d ppm, confidence %d ppm)", d.ConsensusPPM, d.ConfidencePPM)
	default:
		return fmt.Sprintf("%s with %d step(s) (consensus %d ppm, confidence %d ppm)",
			d.Action, len(d.Steps), d.ConsensusPPM, d.ConfidencePPM)
	}
}

// Moves reports whether the decision reallocates capital.
func (d *Decision) Moves() bool {
	return d.Action == ActionRebalance || d.Action == ActionEmergencyExit
}
