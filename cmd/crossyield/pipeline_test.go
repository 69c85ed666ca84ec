package main

// End-to-end tests driving the assembled control plane on mock chain
// backends: feed polls fixture HTTP servers, the aggregator snapshots
// the market, voting decides, the upkeep engine gates, and the
// orchestrator walks submissions through the bridge state machine.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowkeylabs/crossyield/internal/agents"
	"github.com/lowkeylabs/crossyield/internal/aggregator"
	"github.com/lowkeylabs/crossyield/internal/bus"
	"github.com/lowkeylabs/crossyield/internal/chain"
	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/feed"
	"github.com/lowkeylabs/crossyield/internal/history"
	"github.com/lowkeylabs/crossyield/internal/orchestrator"
	"github.com/lowkeylabs/crossyield/internal/voting"
)

var (
	ethAavePool = feed.PoolKey{ChainID: 1, Protocol: feed.ProtocolAave, Address: "0xaaa"}
	arbAavePool = feed.PoolKey{ChainID: 42161, Protocol: feed.ProtocolAave, Address: "0xbbb"}
)

const pipelineYAML = `app:
  name: crossyield
  environment: development
  log_level: error
  log_format: console
chains:
  - chain_id: 1
    name: ethereum
    selector: "5009297550715157269"
    native_symbol: ETH
    native_decimals: 18
    gas_ceiling_wei: 100000000000
  - chain_id: 42161
    name: arbitrum
    selector: "4949039107694359620"
    native_symbol: ETH
    native_decimals: 18
    gas_ceiling_wei: 100000000000
positions:
  - user: alice
    chain_id: 1
    protocol: aave
    address: "0xaaa"
    token: USDC
    amount: "1000000"
http:
  cache_ttl: 10ms
  max_per_host: 8
  retry_attempts: 2
  retry_base: 10ms
  retry_cap: 50ms
  request_timeout: 2s
feed:
  price_interval: 40ms
  yield_interval: 40ms
  oracle_interval: 40ms
  significant_change_bps: 10
  max_staleness: 30s
  min_confidence_ppm: 900000
  yield_api:
    base_url: %s
    protocols: [aave, compound]
    chains: [ethereum, arbitrum]
  price_api:
    base_url: %s
    assets:
      usd-coin: USDC/USD
      ethereum: ETH/USD
signals:
  apr_delta_bps: 100
  utilization_alert_bps: 9000
strategy:
  top_k: 4
  slippage_bps: 100
  scenario_count: 8
  volatility_window: 20
voting:
  signal_weight: 0.4
  strategy_weight: 0.6
  consensus_threshold: 0.70
  min_confidence_ppm: 600000
  emergency_severity_bps: 9800
  gain_scale_bps: 200
  safe_pool:
    chain_id: 1
    protocol: compound
    address: "0xsafe"
upkeep:
  interval: 25ms
  checkpoint_path: ""
  max_submit_retries: 2
  upkeeps:
    - id: usdc-apy-watch
      target_chain: 1
      active: true
      apy_delta_bps: 100
      min_consensus_ppm: 700000
      min_confidence_ppm: 600000
      gas_limit: 400000
orchestrator:
  source_confirm_timeout: 2s
  delivery_timeout: 5s
  finality_depth: 12
  max_submit_attempts: 3
  event_poll_interval: 5ms
history:
  capacity: 128
  path: ""
api:
  enabled: false
alerts:
  enabled: false
`

type poolRow struct {
	Chain   string  `json:"chain"`
	Project string  `json:"project"`
	Symbol  string  `json:"symbol"`
	Pool    string  `json:"pool"`
	APY     float64 `json:"apy"`
	TVLUsd  float64 `json:"tvlUsd"`
}

// usdcPools is the two-pool market the tests run against: the held
// ethereum aave pool pays 650 bps while the arbitrum pool pays destAPY.
func usdcPools(destAPY float64) []poolRow {
	return []poolRow{
		{Chain: "Ethereum", Project: "aave", Symbol: "USDC", Pool: "0xaaa", APY: 6.5, TVLUsd: 2_100_000_000},
		{Chain: "Arbitrum", Project: "aave", Symbol: "USDC", Pool: "0xbbb", APY: destAPY, TVLUsd: 1_200_000_000},
	}
}

func marketServers(t *testing.T, pools []poolRow) (yieldURL, priceURL string) {
	t.Helper()

	yieldMux := http.NewServeMux()
	yieldMux.HandleFunc("/pools", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "data": pools})
	})
	yieldMux.HandleFunc("/charts/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":[]}`))
	})
	yield := httptest.NewServer(yieldMux)
	t.Cleanup(yield.Close)

	priceMux := http.NewServeMux()
	priceMux.HandleFunc("/simple/price", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]map[string]float64{
			"usd-coin": {"usd": 1.0},
			"ethereum": {"usd": 2500.0},
		})
	})
	price := httptest.NewServer(priceMux)
	t.Cleanup(price.Close)

	return yield.URL, price.URL
}

// newPipelinePlane builds the full control plane against fixture
// market servers and mock chain backends. mutate adjusts the loaded
// config before assembly.
func newPipelinePlane(t *testing.T, pools []poolRow, mutate func(cfg *config.Config)) *controlPlane {
	t.Helper()

	yieldURL, priceURL := marketServers(t, pools)

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf(pipelineYAML, yieldURL, priceURL)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	cfg.History.Path = ""
	cfg.Upkeep.CheckpointPath = ""
	if mutate != nil {
		mutate(cfg)
	}

	cp, err := buildControlPlane(context.Background(), cfg, planeOptions{mockChains: true})
	require.NoError(t, err)
	t.Cleanup(cp.close)
	return cp
}

type component interface {
	Start(ctx context.Context) error
	Stop()
}

func startComponents(t *testing.T, ctx context.Context, comps ...component) {
	t.Helper()
	for _, c := range comps {
		require.NoError(t, c.Start(ctx))
		t.Cleanup(c.Stop)
	}
}

// awaitMarket blocks until the aggregator publishes a snapshot carrying
// the fixture pools, both quote pairs, and gas for both chains.
func awaitMarket(t *testing.T, agg *aggregator.Service) *aggregator.MarketSnapshot {
	t.Helper()
	var snap *aggregator.MarketSnapshot
	require.Eventually(t, func() bool {
		s := agg.CurrentSnapshot()
		if s == nil {
			return false
		}
		for _, key := range []feed.PoolKey{ethAavePool, arbAavePool} {
			if _, ok := s.Pool(key); !ok {
				return false
			}
		}
		for _, pair := range []string{"USDC/USD", "ETH/USD"} {
			if _, ok := s.Price(pair); !ok {
				return false
			}
		}
		for _, chainID := range []uint64{1, 42161} {
			if _, ok := s.Gas(chainID); !ok {
				return false
			}
		}
		snap = s
		return true
	}, 5*time.Second, 10*time.Millisecond, "market snapshot never became complete")
	return snap
}

func awaitSent(t *testing.T, mock *chain.MockBackend, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(mock.SentMessages()) >= n
	}, 5*time.Second, 5*time.Millisecond, "bridge submission never observed")
}

func awaitRecord(t *testing.T, store history.Store, id uuid.UUID) history.Record {
	t.Helper()
	var rec history.Record
	require.Eventually(t, func() bool {
		r, err := store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		rec = r
		return true
	}, 5*time.Second, 10*time.Millisecond, "history record never appeared")
	return rec
}

// deliverBridge replays destination events for every message the
// source recorded, completing the round trip.
func deliverBridge(src, dst *chain.MockBackend, success bool) {
	for _, ev := range src.SentMessages() {
		dst.EmitMessageReceived(ev.MessageID, src.Selector(), "0xbridge", "USDC", big.NewInt(1_000_000))
		dst.EmitRebalanceExecuted(ev.MessageID, success, ev.TargetProtocol, big.NewInt(1_000_000))
	}
}

// collectTransitions reads message state changes until a terminal
// state or the timeout, returning the destination states in order.
func collectTransitions(sub *bus.Subscription, timeout time.Duration) []orchestrator.MessageState {
	deadline := time.After(timeout)
	var states []orchestrator.MessageState
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return states
			}
			change, isChange := ev.Payload.(orchestrator.MessageStateChange)
			if !isChange {
				continue
			}
			states = append(states, change.To)
			if change.To.Terminal() {
				return states
			}
		case <-deadline:
			return states
		}
	}
}

// lowBridgeFee keeps the quoted fee near 10 bps of the fixture
// position: 4e11 wei at ETH $2500 is about a tenth of a cent.
var lowBridgeFee = big.NewInt(400_000_000_000)

func TestPipelineRebalancesClearOpportunity(t *testing.T) {
	cp := newPipelinePlane(t, usdcPools(8.9), nil)
	ctx := context.Background()

	src := cp.mocks[1]
	dst := cp.mocks[42161]
	src.SetFee(lowBridgeFee)

	startComponents(t, ctx, cp.feed, cp.aggregator, cp.book, cp.signals, cp.recorder, cp.orch)
	snap := awaitMarket(t, cp.aggregator)

	decision := cp.voting.RunCycle(ctx, snap)
	require.NotNil(t, decision)
	require.Equal(t, voting.ActionRebalance, decision.Action)
	require.Len(t, decision.Steps, 1)

	step := decision.Steps[0]
	assert.Equal(t, "alice", step.User)
	assert.Equal(t, uint64(1), step.FromChain)
	assert.Equal(t, uint64(42161), step.ToChain)
	assert.Equal(t, "USDC", step.Token)
	assert.Equal(t, "1000000", step.Amount.String())
	assert.Equal(t, ethAavePool, step.FromPool)
	assert.Equal(t, arbAavePool, step.TargetPool)
	assert.Equal(t, int32(890), step.ExpectedAPYBps)
	assert.GreaterOrEqual(t, decision.ConsensusPPM, int64(700_000))
	assert.GreaterOrEqual(t, decision.ConfidencePPM, int64(600_000))

	transitions := cp.bus.SubscribeBuffered(bus.TopicMessageStateChanged, 64)
	defer transitions.Unsubscribe()

	startComponents(t, ctx, cp.engine)

	awaitSent(t, src, 1)
	deliverBridge(src, dst, true)

	rec := awaitRecord(t, cp.store, decision.ID)
	assert.Equal(t, history.OutcomeExecuted, rec.Outcome)
	require.Len(t, rec.Messages, 1)
	assert.Equal(t, string(orchestrator.StateFinalized), rec.Messages[0].State)

	seen := collectTransitions(transitions, 2*time.Second)
	assert.Equal(t, []orchestrator.MessageState{
		orchestrator.StateFeeEstimated,
		orchestrator.StateSubmitted,
		orchestrator.StateSourceConfirmed,
		orchestrator.StateInFlight,
		orchestrator.StateDestinationDelivered,
		orchestrator.StateFinalized,
	}, seen)

	// Exactly one submission end to end, even as checks keep running.
	assert.Equal(t, 1, src.SendAttempts())
	assert.Len(t, src.SentMessages(), 1)
	assert.Equal(t, int64(1), cp.engine.Upkeeps()[0].Performs)

	require.Eventually(t, func() bool {
		positions, err := cp.book.Positions(ctx)
		if err != nil || len(positions) != 1 {
			return false
		}
		return positions[0].Pool == arbAavePool
	}, 2*time.Second, 10*time.Millisecond, "position book never applied the finalized move")
}

func TestPipelineHoldsBelowSpreadThreshold(t *testing.T) {
	cp := newPipelinePlane(t, usdcPools(7.0), nil)
	ctx := context.Background()

	cp.mocks[1].SetFee(lowBridgeFee)

	startComponents(t, ctx, cp.feed, cp.aggregator, cp.book, cp.signals, cp.recorder, cp.orch)
	snap := awaitMarket(t, cp.aggregator)

	decision := cp.voting.RunCycle(ctx, snap)
	require.NotNil(t, decision)
	assert.Equal(t, voting.ActionHold, decision.Action)
	assert.Empty(t, decision.Steps)

	rec := awaitRecord(t, cp.store, decision.ID)
	assert.Equal(t, history.OutcomeHold, rec.Outcome)

	startComponents(t, ctx, cp.engine)

	require.Eventually(t, func() bool {
		return cp.engine.Upkeeps()[0].LastResult == "no_trigger"
	}, 5*time.Second, 10*time.Millisecond, "upkeep never evaluated the snapshot")

	assert.Equal(t, 0, cp.mocks[1].SendAttempts())
	assert.Empty(t, cp.orch.Operations(0))
	assert.Equal(t, int64(0), cp.engine.Upkeeps()[0].Performs)
}

func TestUpkeepGasCeilingBlocksSubmission(t *testing.T) {
	const ceiling = int64(15_000_000_000)

	cp := newPipelinePlane(t, usdcPools(8.9), func(cfg *config.Config) {
		cfg.Upkeep.Upkeeps[0].GasCeilingWei = ceiling
	})
	ctx := context.Background()

	src := cp.mocks[1]
	src.SetFee(lowBridgeFee)
	// One wei over the upkeep ceiling, still far under the chain
	// registry ceiling the signal agent consults.
	src.SetGasPrice(ceiling + 1)

	startComponents(t, ctx, cp.feed, cp.aggregator, cp.book, cp.signals, cp.orch)
	snap := awaitMarket(t, cp.aggregator)

	decision := cp.voting.RunCycle(ctx, snap)
	require.NotNil(t, decision)
	assert.Equal(t, voting.ActionRebalance, decision.Action, "voting judges the opportunity on merit")
	require.Len(t, decision.Steps, 1)

	startComponents(t, ctx, cp.engine)

	require.Eventually(t, func() bool {
		return cp.engine.Upkeeps()[0].LastResult == "gas_ceiling"
	}, 5*time.Second, 10*time.Millisecond, "gas gate never reported")

	assert.Equal(t, 0, src.SendAttempts())
	assert.Empty(t, cp.orch.Operations(0))
	assert.Equal(t, int64(0), cp.engine.Upkeeps()[0].Performs)
}

func TestTransientSubmissionFailureRetries(t *testing.T) {
	cp := newPipelinePlane(t, usdcPools(8.9), nil)
	ctx := context.Background()

	src := cp.mocks[1]
	dst := cp.mocks[42161]
	src.SetFee(lowBridgeFee)
	src.FailNextSend(errors.New("connection refused"))

	startComponents(t, ctx, cp.feed, cp.aggregator, cp.book, cp.signals, cp.recorder, cp.orch)
	snap := awaitMarket(t, cp.aggregator)

	decision := cp.voting.RunCycle(ctx, snap)
	require.NotNil(t, decision)
	require.Equal(t, voting.ActionRebalance, decision.Action)

	transitions := cp.bus.SubscribeBuffered(bus.TopicMessageStateChanged, 64)
	defer transitions.Unsubscribe()

	startComponents(t, ctx, cp.engine)

	awaitSent(t, src, 1)
	deliverBridge(src, dst, true)

	rec := awaitRecord(t, cp.store, decision.ID)
	assert.Equal(t, history.OutcomeExecuted, rec.Outcome)
	require.Len(t, rec.Messages, 1)
	assert.Equal(t, string(orchestrator.StateFinalized), rec.Messages[0].State)

	// The failed first attempt stays invisible to the state machine.
	seen := collectTransitions(transitions, 2*time.Second)
	assert.Equal(t, []orchestrator.MessageState{
		orchestrator.StateFeeEstimated,
		orchestrator.StateSubmitted,
		orchestrator.StateSourceConfirmed,
		orchestrator.StateInFlight,
		orchestrator.StateDestinationDelivered,
		orchestrator.StateFinalized,
	}, seen)

	ops := cp.orch.Operations(0)
	require.Len(t, ops, 1)
	require.Len(t, ops[0].Messages, 1)
	assert.Equal(t, 2, ops[0].Messages[0].Attempts)
	assert.Equal(t, orchestrator.OperationCompleted, ops[0].Status)

	assert.Equal(t, 2, src.SendAttempts())
	assert.Len(t, src.SentMessages(), 1, "exactly one message reaches the bridge")
}

func TestSourceConfirmationTimeoutFailsOperation(t *testing.T) {
	cp := newPipelinePlane(t, usdcPools(8.9), func(cfg *config.Config) {
		cfg.Orchestrator.SourceConfirmTimeout = 300 * time.Millisecond
	})
	ctx := context.Background()

	src := cp.mocks[1]
	src.SetFee(lowBridgeFee)
	src.SuppressNextSendEvent()

	startComponents(t, ctx, cp.feed, cp.aggregator, cp.book, cp.signals, cp.recorder, cp.orch)
	snap := awaitMarket(t, cp.aggregator)

	decision := cp.voting.RunCycle(ctx, snap)
	require.NotNil(t, decision)
	require.Equal(t, voting.ActionRebalance, decision.Action)

	startComponents(t, ctx, cp.engine)

	rec := awaitRecord(t, cp.store, decision.ID)
	assert.Equal(t, history.OutcomeFailed, rec.Outcome)
	assert.Equal(t, orchestrator.ReasonSourceConfirmationTimeout, rec.ErrorReason)
	require.Len(t, rec.Messages, 1)
	assert.Equal(t, string(orchestrator.StateSourceReverted), rec.Messages[0].State)
	assert.Equal(t, orchestrator.ReasonSourceConfirmationTimeout, rec.Messages[0].Reason)

	ops := cp.orch.Operations(0)
	require.Len(t, ops, 1)
	assert.Equal(t, orchestrator.OperationFailed, ops[0].Status)
	require.Len(t, ops[0].Messages, 1)
	assert.Equal(t, orchestrator.StateSourceReverted, ops[0].Messages[0].State)
	assert.Equal(t, 1, ops[0].Messages[0].Attempts)

	// A terminal revert is never resubmitted.
	assert.Equal(t, 1, src.SendAttempts())
}

func TestCriticalAlertForcesEmergencyExit(t *testing.T) {
	cp := newPipelinePlane(t, usdcPools(8.9), func(cfg *config.Config) {
		cfg.Positions = []config.PositionConfig{{
			User:     "alice",
			ChainID:  42161,
			Protocol: "aave",
			Address:  "0xbbb",
			Token:    "USDC",
			Amount:   "750000",
		}}
	})
	ctx := context.Background()

	decisions := cp.bus.SubscribeBuffered(bus.TopicDecision, 64)
	defer decisions.Unsubscribe()

	startComponents(t, ctx, cp.feed, cp.aggregator, cp.book, cp.signals, cp.voting)
	awaitMarket(t, cp.aggregator)

	cp.bus.Publish(bus.TopicSignal, agents.Signal{
		Kind:          agents.SignalAlert,
		Agent:         "risk-desk",
		ChainID:       42161,
		Protocol:      feed.ProtocolAave,
		SeverityBps:   agents.SeverityCriticalBps,
		ConfidencePPM: 1_000_000,
		Message:       "protocol risk flag raised for arbitrum aave",
		CreatedAt:     time.Now().UTC(),
	})

	var decision *voting.Decision
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-decisions.C():
				if d, ok := ev.Payload.(*voting.Decision); ok && d.Action == voting.ActionEmergencyExit {
					decision = d
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 10*time.Millisecond, "emergency decision never published")

	require.Len(t, decision.Steps, 1)
	step := decision.Steps[0]
	assert.Equal(t, "alice", step.User)
	assert.Equal(t, uint64(42161), step.FromChain)
	assert.Equal(t, uint64(1), step.ToChain)
	assert.Equal(t, arbAavePool, step.FromPool)
	assert.Equal(t, feed.PoolKey{ChainID: 1, Protocol: feed.ProtocolCompound, Address: "0xsafe"}, step.TargetPool)
	assert.Equal(t, "750000", step.Amount.String())
	assert.Equal(t, "USDC", step.Token)
	assert.Equal(t, int64(1_000_000), decision.ConsensusPPM)
	assert.Equal(t, int64(1_000_000), decision.ConfidencePPM)
}
