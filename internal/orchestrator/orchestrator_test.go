package orchestrator

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowkeylabs/crossyield/internal/agents"
	"github.com/lowkeylabs/crossyield/internal/bus"
	"github.com/lowkeylabs/crossyield/internal/chain"
	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/errs"
	"github.com/lowkeylabs/crossyield/internal/feed"
	"github.com/lowkeylabs/crossyield/internal/history"
	"github.com/lowkeylabs/crossyield/internal/voting"
)

func testChainConfigs() []config.ChainConfig {
	return []config.ChainConfig{
		{ChainID: 1, Name: "ethereum", Selector: "5009297550715157269", NativeSymbol: "ETH", NativeDecimals: 18},
		{ChainID: 137, Name: "polygon", Selector: "4051577828743386545", NativeSymbol: "MATIC", NativeDecimals: 18},
	}
}

func fastConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		SourceConfirmTimeout: 2 * time.Second,
		DeliveryTimeout:      5 * time.Second,
		FinalityDepth:        12,
		MaxSubmitAttempts:    3,
		EventPollInterval:    5 * time.Millisecond,
	}
}

func setupOrchestrator(t *testing.T, cfg config.OrchestratorConfig) (*Service, map[uint64]*chain.MockBackend, *history.MemoryStore, *bus.Bus) {
	t.Helper()
	mgr, mocks := chain.NewMockManager(testChainConfigs())
	store := history.NewMemoryStore(history.DefaultCapacity)
	b := bus.New()
	svc := New(cfg, mgr, store, b)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		svc.Stop()
		b.Close()
		mgr.Close()
	})
	return svc, mocks, store, b
}

func rebalanceStep(user, fromAddr, toAddr string, amount int64) agents.ReallocationStep {
	return agents.ReallocationStep{
		User:           user,
		FromChain:      1,
		ToChain:        137,
		Token:          "USDC",
		Amount:         big.NewInt(amount),
		FromPool:       feed.PoolKey{ChainID: 1, Protocol: feed.ProtocolAave, Address: fromAddr},
		TargetPool:     feed.PoolKey{ChainID: 137, Protocol: feed.ProtocolCompound, Address: toAddr},
		ExpectedAPYBps: 620,
	}
}

func movingDecision(steps ...agents.ReallocationStep) *voting.Decision {
	return &voting.Decision{
		ID:            uuid.New(),
		Action:        voting.ActionRebalance,
		Steps:         steps,
		ConsensusPPM:  810_000,
		ConfidencePPM: 920_000,
		Reasoning:     []string{"combined score 0.81 above threshold 0.70"},
		SnapshotAt:    time.Now(),
		CreatedAt:     time.Now(),
	}
}

func submitDecision(t *testing.T, svc *Service, d *voting.Decision) uuid.UUID {
	t.Helper()
	id, err := svc.Execute(context.Background(), ExecuteRebalanceRequest{Decision: d})
	require.NoError(t, err)
	return id
}

// deliver replays the destination side of every message the source
// mock has accepted so far: receipt followed by execution.
func deliver(src, dst *chain.MockBackend, success bool) {
	for _, ev := range src.SentMessages() {
		dst.EmitMessageReceived(ev.MessageID, src.Selector(), "0xbridge", "USDC", big.NewInt(1))
		dst.EmitRebalanceExecuted(ev.MessageID, success, ev.TargetProtocol, big.NewInt(1))
	}
}

func waitForSent(t *testing.T, mock *chain.MockBackend, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(mock.SentMessages()) == n
	}, 2*time.Second, 5*time.Millisecond)
}

func waitForStatus(t *testing.T, svc *Service, id uuid.UUID, want OperationStatus) RebalanceOperation {
	t.Helper()
	var op RebalanceOperation
	require.Eventually(t, func() bool {
		got, ok := svc.Operation(id)
		if !ok {
			return false
		}
		op = got
		return got.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return op
}

// waitForRecord waits out the asynchronous history append that follows
// the status flip.
func waitForRecord(t *testing.T, store history.Store, id uuid.UUID) history.Record {
	t.Helper()
	var rec history.Record
	require.Eventually(t, func() bool {
		got, err := store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		rec = got
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return rec
}

func TestExecuteFinalizesSingleMessage(t *testing.T) {
	svc, mocks, store, b := setupOrchestrator(t, fastConfig())
	sub := b.SubscribeBuffered(bus.TopicMessageStateChanged, 64)
	defer sub.Unsubscribe()
	completed := b.SubscribeBuffered(bus.TopicRebalanceCompleted, 8)
	defer completed.Unsubscribe()

	decision := movingDecision(rebalanceStep("alice", "0xsrc", "0xdst", 50_000_000_000))
	opID, err := svc.Execute(context.Background(), ExecuteRebalanceRequest{
		Decision:          decision,
		InitiatedByUpkeep: "usdc-apy-watch",
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, opID)

	waitForSent(t, mocks[1], 1)
	deliver(mocks[1], mocks[137], true)

	op := waitForStatus(t, svc, opID, OperationCompleted)
	assert.Equal(t, "usdc-apy-watch", op.InitiatedBy)
	require.Len(t, op.Messages, 1)
	msg := op.Messages[0]
	assert.Equal(t, StateFinalized, msg.State)
	assert.Equal(t, 1, msg.Attempts)
	assert.False(t, msg.MessageID.IsZero())
	require.NotNil(t, msg.FinalReceipt)
	assert.True(t, msg.FinalReceipt.Success)
	assert.Equal(t, "1->137 USDC", msg.Route())

	var states []MessageState
	timeout := time.After(time.Second)
	for len(states) < 6 {
		select {
		case ev := <-sub.C():
			change, ok := ev.Payload.(MessageStateChange)
			require.True(t, ok)
			states = append(states, change.To)
		case <-timeout:
			t.Fatalf("saw only %v", states)
		}
	}
	assert.Equal(t, []MessageState{
		StateFeeEstimated, StateSubmitted, StateSourceConfirmed,
		StateInFlight, StateDestinationDelivered, StateFinalized,
	}, states)

	select {
	case ev := <-completed.C():
		result, ok := ev.Payload.(RebalanceResult)
		require.True(t, ok)
		assert.Equal(t, opID, result.OperationID)
		assert.Equal(t, OperationCompleted, result.Status)
		require.Len(t, result.RebalancedSteps(), 1)
		assert.Equal(t, "alice", result.RebalancedSteps()[0].User)
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}

	rec := waitForRecord(t, store, opID)
	assert.Equal(t, history.OutcomeExecuted, rec.Outcome)
	require.Len(t, rec.Messages, 1)
	assert.Equal(t, string(StateFinalized), rec.Messages[0].State)
	assert.Equal(t, "1000000000000000", rec.Messages[0].FeeNative)

	byDecision := waitForRecord(t, store, decision.ID)
	assert.Equal(t, rec.OperationID, byDecision.OperationID)
}

func TestExecuteRejectsOverlappingSource(t *testing.T) {
	svc, mocks, _, _ := setupOrchestrator(t, fastConfig())

	firstID := submitDecision(t, svc, movingDecision(rebalanceStep("alice", "0xshared", "0xdst", 1_000)))

	second := movingDecision(rebalanceStep("alice", "0xshared", "0xother", 2_000))
	_, err := svc.Execute(context.Background(), ExecuteRebalanceRequest{Decision: second})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConsensus), "got %v", err)

	// Same pool under a different user is not an overlap.
	otherID := submitDecision(t, svc, movingDecision(rebalanceStep("bob", "0xshared", "0xdst", 3_000)))

	waitForSent(t, mocks[1], 2)
	deliver(mocks[1], mocks[137], true)
	waitForStatus(t, svc, firstID, OperationCompleted)
	waitForStatus(t, svc, otherID, OperationCompleted)

	// The source frees up once its holder finishes.
	third := movingDecision(rebalanceStep("alice", "0xshared", "0xother", 2_000))
	_, err = svc.Execute(context.Background(), ExecuteRebalanceRequest{Decision: third})
	require.NoError(t, err)
}

func TestExecuteRejectsDecisionMovingSourceTwice(t *testing.T) {
	svc, _, _, _ := setupOrchestrator(t, fastConfig())

	d := movingDecision(
		rebalanceStep("alice", "0xsame", "0xdst1", 1_000),
		rebalanceStep("alice", "0xsame", "0xdst2", 2_000),
	)
	_, err := svc.Execute(context.Background(), ExecuteRebalanceRequest{Decision: d})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConsensus))
	assert.Empty(t, svc.Operations(0), "nothing may be reserved on rejection")
}

func TestExecuteRejectsNonMovingDecisions(t *testing.T) {
	svc, _, _, _ := setupOrchestrator(t, fastConfig())

	hold := &voting.Decision{ID: uuid.New(), Action: voting.ActionHold}
	_, err := svc.Execute(context.Background(), ExecuteRebalanceRequest{Decision: hold})
	assert.True(t, errs.IsKind(err, errs.KindState))

	_, err = svc.Execute(context.Background(), ExecuteRebalanceRequest{})
	assert.True(t, errs.IsKind(err, errs.KindState))

	noAmount := movingDecision(agents.ReallocationStep{
		User: "alice", FromChain: 1, ToChain: 137, Token: "USDC",
		FromPool:   feed.PoolKey{ChainID: 1, Protocol: feed.ProtocolAave, Address: "0xa"},
		TargetPool: feed.PoolKey{ChainID: 137, Protocol: feed.ProtocolAave, Address: "0xb"},
	})
	_, err = svc.Execute(context.Background(), ExecuteRebalanceRequest{Decision: noAmount})
	assert.True(t, errs.IsKind(err, errs.KindState))
}

func TestExecuteRequiresStart(t *testing.T) {
	mgr, _ := chain.NewMockManager(testChainConfigs())
	defer mgr.Close()
	svc := New(fastConfig(), mgr, history.NewMemoryStore(8), bus.New())

	req := ExecuteRebalanceRequest{Decision: movingDecision(rebalanceStep("alice", "0xa", "0xb", 1))}
	_, err := svc.Execute(context.Background(), req)
	assert.True(t, errs.IsKind(err, errs.KindState))
}

func TestSubmitRetriesTransientSendFailure(t *testing.T) {
	svc, mocks, _, _ := setupOrchestrator(t, fastConfig())
	mocks[1].FailNextSend(errors.New("connection refused"))

	opID := submitDecision(t, svc, movingDecision(rebalanceStep("alice", "0xa", "0xb", 1_000)))

	waitForSent(t, mocks[1], 1)
	deliver(mocks[1], mocks[137], true)

	op := waitForStatus(t, svc, opID, OperationCompleted)
	assert.Equal(t, 2, op.Messages[0].Attempts)
	assert.Equal(t, 2, mocks[1].SendAttempts())
}

func TestSubmissionFailsFastOnTerminalError(t *testing.T) {
	svc, mocks, store, _ := setupOrchestrator(t, fastConfig())
	mocks[1].FailNextSend(errs.Chain("nonce_too_low", errors.New("nonce too low"), false))

	opID := submitDecision(t, svc, movingDecision(rebalanceStep("alice", "0xa", "0xb", 1_000)))

	op := waitForStatus(t, svc, opID, OperationFailed)
	msg := op.Messages[0]
	assert.Equal(t, StateSubmissionFailed, msg.State)
	assert.Equal(t, "nonce_too_low", msg.Reason)
	assert.Equal(t, 1, msg.Attempts)
	assert.Equal(t, 1, mocks[1].SendAttempts())

	rec := waitForRecord(t, store, opID)
	assert.Equal(t, history.OutcomeFailed, rec.Outcome)
	assert.Equal(t, string(errs.KindChain), rec.ErrorKind)
	assert.Equal(t, "nonce_too_low", rec.ErrorReason)
}

func TestSubmissionGivesUpAfterMaxAttempts(t *testing.T) {
	svc, mocks, _, _ := setupOrchestrator(t, fastConfig())
	for i := 0; i < 3; i++ {
		mocks[1].FailNextSend(errors.New("connection reset"))
	}

	opID := submitDecision(t, svc, movingDecision(rebalanceStep("alice", "0xa", "0xb", 1_000)))

	op := waitForStatus(t, svc, opID, OperationFailed)
	assert.Equal(t, StateSubmissionFailed, op.Messages[0].State)
	assert.Equal(t, 3, op.Messages[0].Attempts)
	assert.Equal(t, 3, mocks[1].SendAttempts())
}

func TestSubmitAdoptsLandedTransactionInsteadOfResubmitting(t *testing.T) {
	svc, mocks, _, _ := setupOrchestrator(t, fastConfig())
	mocks[1].DropNextSendResult(errors.New("rpc timeout"))

	opID := submitDecision(t, svc, movingDecision(rebalanceStep("alice", "0xa", "0xb", 1_000)))

	waitForSent(t, mocks[1], 1)
	deliver(mocks[1], mocks[137], true)

	op := waitForStatus(t, svc, opID, OperationCompleted)
	assert.Equal(t, 1, mocks[1].SendAttempts(), "landed transaction must not be resubmitted")
	assert.Equal(t, mocks[1].SentMessages()[0].MessageID, op.Messages[0].MessageID)
}

func TestFeeEstimateFailsAfterRetries(t *testing.T) {
	svc, mocks, store, _ := setupOrchestrator(t, fastConfig())
	for i := 0; i < 3; i++ {
		mocks[1].FailNextFeeEstimate(errors.New("timeout reading fee"))
	}

	decision := movingDecision(rebalanceStep("alice", "0xa", "0xb", 1_000))
	opID := submitDecision(t, svc, decision)

	op := waitForStatus(t, svc, opID, OperationFailed)
	assert.Equal(t, StateFeeEstimateFailed, op.Messages[0].State)
	assert.Zero(t, mocks[1].SendAttempts())

	rec := waitForRecord(t, store, decision.ID)
	assert.Equal(t, history.OutcomeFailed, rec.Outcome)
	assert.Contains(t, rec.ErrorReason, "timeout")
}

func TestWatchRevertsSourceOnConfirmationTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.SourceConfirmTimeout = 30 * time.Millisecond
	svc, _, _, _ := setupOrchestrator(t, cfg)

	src, err := svc.chains.Backend(1)
	require.NoError(t, err)
	dst, err := svc.chains.Backend(137)
	require.NoError(t, err)

	msg := newMessage(uuid.New(), rebalanceStep("alice", "0xa", "0xb", 1_000), DefaultGasLimit)
	msg.State = StateSubmitted
	msg.SubmitBlock = 500 // past every recorded event
	msg.SubmittedAt = time.Now()
	msg.TxHash = "0xdead"

	svc.watch(context.Background(), msg, src, dst)
	assert.Equal(t, StateSourceReverted, msg.State)
	assert.Equal(t, ReasonSourceConfirmationTimeout, msg.Reason)
}

func TestWatchTimesOutUndeliveredMessage(t *testing.T) {
	cfg := fastConfig()
	cfg.DeliveryTimeout = 30 * time.Millisecond
	svc, _, _, _ := setupOrchestrator(t, cfg)

	src, err := svc.chains.Backend(1)
	require.NoError(t, err)
	dst, err := svc.chains.Backend(137)
	require.NoError(t, err)

	msg := newMessage(uuid.New(), rebalanceStep("alice", "0xa", "0xb", 1_000), DefaultGasLimit)
	msg.State = StateInFlight
	msg.MessageID = chain.MessageID{0xaa}
	msg.SubmittedAt = time.Now()

	svc.watch(context.Background(), msg, src, dst)
	assert.Equal(t, StateDeliveryTimeout, msg.State)
	assert.Equal(t, ReasonDeliveryTimeout, msg.Reason)
}

func TestDestinationRevertFailsOperation(t *testing.T) {
	svc, mocks, store, _ := setupOrchestrator(t, fastConfig())

	opID := submitDecision(t, svc, movingDecision(rebalanceStep("alice", "0xa", "0xb", 1_000)))

	waitForSent(t, mocks[1], 1)
	deliver(mocks[1], mocks[137], false)

	op := waitForStatus(t, svc, opID, OperationFailed)
	msg := op.Messages[0]
	assert.Equal(t, StateDestinationReverted, msg.State)
	assert.Equal(t, ReasonExecutionReverted, msg.Reason)
	require.NotNil(t, msg.FinalReceipt)
	assert.False(t, msg.FinalReceipt.Success)

	rec := waitForRecord(t, store, opID)
	assert.Equal(t, history.OutcomeFailed, rec.Outcome)
	assert.Equal(t, ReasonExecutionReverted, rec.ErrorReason)
}

func TestPartialOperationRecordsMixedOutcome(t *testing.T) {
	svc, mocks, store, b := setupOrchestrator(t, fastConfig())
	completed := b.SubscribeBuffered(bus.TopicRebalanceCompleted, 8)
	defer completed.Unsubscribe()

	decision := movingDecision(
		rebalanceStep("alice", "0xfirst", "0xdst1", 1_000),
		rebalanceStep("alice", "0xsecond", "0xdst2", 2_000),
	)
	opID := submitDecision(t, svc, decision)

	// The second step starts only after the first finalizes; its
	// failure is queued before the first is delivered.
	waitForSent(t, mocks[1], 1)
	mocks[1].FailNextSend(errs.Chain("nonce_too_low", errors.New("nonce too low"), false))
	deliver(mocks[1], mocks[137], true)

	op := waitForStatus(t, svc, opID, OperationPartial)
	assert.Equal(t, StateFinalized, op.Messages[0].State)
	assert.Equal(t, StateSubmissionFailed, op.Messages[1].State)

	select {
	case ev := <-completed.C():
		result, ok := ev.Payload.(RebalanceResult)
		require.True(t, ok)
		assert.Equal(t, OperationPartial, result.Status)
		require.Len(t, result.Executed, 1)
		assert.Equal(t, "0xfirst", result.Executed[0].FromPool.Address)
		assert.Equal(t, 1, result.FailedSteps)
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}

	rec := waitForRecord(t, store, opID)
	assert.Equal(t, history.OutcomePartial, rec.Outcome)
	require.Len(t, rec.Messages, 2)
}

func TestParallelPerSourceSubmitsSourcesIndependently(t *testing.T) {
	cfg := fastConfig()
	cfg.ParallelPerSource = true
	svc, mocks, _, _ := setupOrchestrator(t, cfg)

	reverse := rebalanceStep("bob", "0xpoly", "0xeth", 3_000)
	reverse.FromChain = 137
	reverse.ToChain = 1
	reverse.FromPool.ChainID = 137
	reverse.TargetPool.ChainID = 1

	opID := submitDecision(t, svc, movingDecision(
		rebalanceStep("alice", "0xeth", "0xpoly", 1_000),
		reverse,
	))

	// Both sources submit without either message finalizing.
	waitForSent(t, mocks[1], 1)
	waitForSent(t, mocks[137], 1)

	deliver(mocks[1], mocks[137], true)
	deliver(mocks[137], mocks[1], true)
	waitForStatus(t, svc, opID, OperationCompleted)
}

func TestParallelKeepsDependentStepsSequential(t *testing.T) {
	cfg := fastConfig()
	cfg.ParallelPerSource = true
	svc, mocks, _, _ := setupOrchestrator(t, cfg)

	first := rebalanceStep("alice", "0xeth", "0xpoly", 1_000)
	dependent := rebalanceStep("alice", "0xpoly", "0xeth2", 1_000)
	dependent.FromChain = 137
	dependent.ToChain = 1
	dependent.FromPool = first.TargetPool
	dependent.TargetPool = feed.PoolKey{ChainID: 1, Protocol: feed.ProtocolAave, Address: "0xeth2"}

	opID := submitDecision(t, svc, movingDecision(first, dependent))

	waitForSent(t, mocks[1], 1)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, mocks[137].SentMessages(), "dependent step must wait for its producer")

	deliver(mocks[1], mocks[137], true)
	waitForSent(t, mocks[137], 1)
	deliver(mocks[137], mocks[1], true)
	waitForStatus(t, svc, opID, OperationCompleted)
}

func TestRealizedFeeOverridesQuoteInHistory(t *testing.T) {
	svc, mocks, store, _ := setupOrchestrator(t, fastConfig())
	mocks[1].SetRealizedFee(big.NewInt(2_000_000_000_000_000))

	opID := submitDecision(t, svc, movingDecision(rebalanceStep("alice", "0xa", "0xb", 1_000)))

	waitForSent(t, mocks[1], 1)
	deliver(mocks[1], mocks[137], true)

	op := waitForStatus(t, svc, opID, OperationCompleted)
	assert.Equal(t, "1000000000000000", op.Messages[0].FeeQuoted.String())
	assert.Equal(t, "2000000000000000", op.Messages[0].FeeRealized.String())

	rec := waitForRecord(t, store, opID)
	assert.Equal(t, "2000000000000000", rec.Messages[0].FeeNative)
}

func TestStatsAndAccessors(t *testing.T) {
	svc, mocks, store, _ := setupOrchestrator(t, fastConfig())

	opID := submitDecision(t, svc, movingDecision(rebalanceStep("alice", "0xa", "0xb", 1_000)))
	waitForSent(t, mocks[1], 1)
	deliver(mocks[1], mocks[137], true)
	waitForStatus(t, svc, opID, OperationCompleted)
	waitForRecord(t, store, opID)

	assert.Empty(t, svc.InFlightMessages())
	ops := svc.Operations(0)
	require.Len(t, ops, 1)
	assert.Equal(t, opID, ops[0].ID)

	stats := svc.Stats()
	assert.Equal(t, float64(1), stats["operations"])
	assert.Equal(t, float64(1), stats["completed"])
	assert.Equal(t, float64(0), stats["running"])
	assert.Equal(t, float64(0), stats["in_flight_messages"])
	assert.Equal(t, "orchestrator", svc.Name())
}
