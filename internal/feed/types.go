package feed

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"
)

// Protocol identifies a yield protocol tracked by the control plane.
// Known protocols get canonical values; anything else keeps its
// normalized slug so new protocols flow through without code changes.
type Protocol string

const (
	ProtocolAave     Protocol = "aave"
	ProtocolCompound Protocol = "compound"
	ProtocolUniswap  Protocol = "uniswap"
	ProtocolCurve    Protocol = "curve"
)

// NormalizeProtocol maps an external project slug onto a Protocol.
// Versioned slugs such as "aave-v3" or "compound-v2" collapse onto the
// base protocol.
func NormalizeProtocol(slug string) Protocol {
	s := strings.ToLower(strings.TrimSpace(slug))
	switch {
	case strings.HasPrefix(s, "aave"):
		return ProtocolAave
	case strings.HasPrefix(s, "compound"):
		return ProtocolCompound
	case strings.HasPrefix(s, "uniswap"):
		return ProtocolUniswap
	case strings.HasPrefix(s, "curve"):
		return ProtocolCurve
	default:
		return Protocol(s)
	}
}

// PoolKey uniquely identifies a pool across chains and protocols.
type PoolKey struct {
	ChainID  uint64   `json:"chain_id"`
	Protocol Protocol `json:"protocol"`
	Address  string   `json:"address"`
}

// String renders the key as chainId/protocol/address. Snapshots use
// this form for map keys so serialized output stays stable.
func (k PoolKey) String() string {
	return fmt.Sprintf("%d/%s/%s", k.ChainID, k.Protocol, strings.ToLower(k.Address))
}

// PriceTick is one accepted price observation.
type PriceTick struct {
	Pair          string    `json:"pair"`
	ChainID       uint64    `json:"chain_id,omitempty"` // zero for off-chain sources
	PriceE18      *big.Int  `json:"price_e18"`
	ConfidencePPM int64     `json:"confidence_ppm"`
	Source        string    `json:"source"`
	ObservedAt    time.Time `json:"observed_at"`
	LatencyMS     int64     `json:"latency_ms"`
}

// PoolSnapshot is one accepted yield observation for a pool. TVL is
// tracked in micro-USD so all pool sizes compare in one unit.
type PoolSnapshot struct {
	Key            PoolKey   `json:"key"`
	Token          string    `json:"token"`
	APRBps         int32     `json:"apr_bps"`
	TVL            *big.Int  `json:"tvl"`
	UtilizationBps int32     `json:"utilization_bps"`
	ConfidencePPM  int64     `json:"confidence_ppm"`
	ObservedAt     time.Time `json:"observed_at"`
}

// ChartPoint is one entry of a protocol-level TVL history series.
type ChartPoint struct {
	Timestamp time.Time `json:"timestamp"`
	TVLUSD    float64   `json:"tvl_usd"`
}

// PriceChange is published when a pair moves at least the configured
// threshold relative to the last emitted price for that pair.
type PriceChange struct {
	Pair     string    `json:"pair"`
	DeltaBps int64     `json:"delta_bps"`
	Previous *big.Int  `json:"previous_e18"`
	Tick     PriceTick `json:"tick"`
}

// SourceKind buckets sources by the cadence they poll at.
type SourceKind int

const (
	KindPrice SourceKind = iota
	KindYield
	KindOracle
)

func (k SourceKind) String() string {
	switch k {
	case KindYield:
		return "yield"
	case KindOracle:
		return "oracle"
	default:
		return "price"
	}
}

// Batch carries everything one poll produced. Any field may be empty.
type Batch struct {
	Ticks  []PriceTick
	Pools  []PoolSnapshot
	Gas    map[uint64]*big.Int // chain id -> gas price in wei
	Charts map[string][]ChartPoint
}

// Source produces market observations when polled. Poll is called from a
// single goroutine per source; implementations do not need internal
// locking for that path.
type Source interface {
	Name() string
	Kind() SourceKind
	Poll(ctx context.Context) (*Batch, error)
}

// deltaBps returns |cur-prev| * 10_000 / prev using integer math. The
// previous price comes from an accepted tick, so it is always positive.
func deltaBps(prev, cur *big.Int) int64 {
	if prev == nil || prev.Sign() <= 0 || cur == nil {
		return 0
	}
	d := new(big.Int).Sub(cur, prev)
	d.Abs(d)
	d.Mul(d, big.NewInt(10_000))
	d.Quo(d, prev)
	if !d.IsInt64() {
		return math.MaxInt64
	}
	return d.Int64()
}
