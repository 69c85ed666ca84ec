// Package agents implements the evaluation agents that turn market
// snapshots into signals and scored reallocation plans. Agents are
// deterministic with respect to their inputs; the voting coordinator
// drives them once per snapshot and combines their outputs.
package agents

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/lowkeylabs/crossyield/internal/feed"
)

// SignalKind classifies a signal.
type SignalKind string

const (
	SignalOpportunity SignalKind = "opportunity"
	SignalAlert       SignalKind = "alert"
	SignalInfo        SignalKind = "info"
)

// Severity bands for alert signals, in bps of a 0..10000 scale.
// Emergency handling in voting compares against these.
const (
	SeverityInfoBps     int32 = 0
	SeverityWarningBps  int32 = 6000 // degraded conditions, e.g. gas above ceiling
	SeverityHighBps     int32 = 7500 // capacity pressure, e.g. utilization
	SeverityCriticalBps int32 = 9900 // protocol risk, triggers emergency exit
)

// Signal is one fact derived from a snapshot: an opportunity between two
// pools, an alert about a chain or pool, or an informational note.
type Signal struct {
	Kind          SignalKind    `json:"kind"`
	Agent         string        `json:"agent"`
	ChainID       uint64        `json:"chain_id,omitempty"`
	FromChain     uint64        `json:"from_chain,omitempty"`
	ToChain       uint64        `json:"to_chain,omitempty"`
	Token         string        `json:"token,omitempty"`
	Protocol      feed.Protocol `json:"protocol,omitempty"`
	MagnitudeBps  int32         `json:"magnitude_bps"`
	SeverityBps   int32         `json:"severity_bps"`
	ConfidencePPM int64         `json:"confidence_ppm"`
	Message       string        `json:"message"`
	CreatedAt     time.Time     `json:"created_at"`
}

func (s Signal) String() string {
	return fmt.Sprintf("%s: %s", s.Kind, s.Message)
}

// Matches reports whether the signal supports a move along the given
// route. Used by voting to compute signal support for a candidate.
func (s Signal) Matches(fromChain, toChain uint64, token string) bool {
	return s.Kind == SignalOpportunity &&
		s.FromChain == fromChain &&
		s.ToChain == toChain &&
		s.Token == token
}

// ReallocationStep moves an amount of one token owned by one user from
// a source pool to a strictly identified target pool, possibly across
// chains.
type ReallocationStep struct {
	User           string       `json:"user"`
	FromChain      uint64       `json:"from_chain"`
	ToChain        uint64       `json:"to_chain"`
	Token          string       `json:"token"`
	Amount         *big.Int     `json:"amount"`
	FromPool       feed.PoolKey `json:"from_pool"`
	TargetPool     feed.PoolKey `json:"target_pool"`
	ExpectedAPYBps int32        `json:"expected_apy_bps"`
}

func (s ReallocationStep) String() string {
	return fmt.Sprintf("%s %s %d -> %d into %s", s.Token, s.Amount, s.FromChain, s.ToChain, s.TargetPool)
}

// StrategyScore is one scored candidate plan. Steps carry the concrete
// reallocations; the remaining fields summarize expected outcome.
type StrategyScore struct {
	Steps           []ReallocationStep `json:"steps"`
	ExpectedGainBps int32              `json:"expected_gain_bps"`
	RiskBps         int32              `json:"risk_bps"`
	ConfidencePPM   int64              `json:"confidence_ppm"`
}

// Position is one current allocation the strategy agent may move.
type Position struct {
	User   string       `json:"user"`
	Pool   feed.PoolKey `json:"pool"`
	Token  string       `json:"token"`
	Amount *big.Int     `json:"amount"`
}

// PositionSource supplies the current allocations. The position book
// implements this in production; tests use fixtures.
type PositionSource interface {
	Positions(ctx context.Context) ([]Position, error)
}

// FeeOracle quotes the bridge fee for one step as bps of the moved
// amount. Implementations are read-only and must not submit anything.
type FeeOracle interface {
	FeeBps(ctx context.Context, step ReallocationStep) (int32, error)
}

func clampPPM(v int64) int64 {
	if v < 0 {
		return 0
	}
	if v > 1_000_000 {
		return 1_000_000
	}
	return v
}

func clampBps(v int64) int32 {
	if v < 0 {
		return 0
	}
	if v > 10_000 {
		return 10_000
	}
	return int32(v)
}
