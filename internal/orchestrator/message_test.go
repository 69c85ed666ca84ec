package orchestrator

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowkeylabs/crossyield/internal/agents"
	"github.com/lowkeylabs/crossyield/internal/errs"
)

func TestLegalTransitions(t *testing.T) {
	tests := []struct {
		from, to MessageState
		ok       bool
	}{
		{StateCreated, StateFeeEstimated, true},
		{StateCreated, StateFeeEstimateFailed, true},
		{StateCreated, StateSubmitted, false},
		{StateFeeEstimated, StateSubmitted, true},
		{StateFeeEstimated, StateSubmissionFailed, true},
		{StateFeeEstimated, StateFinalized, false},
		{StateSubmitted, StateSourceConfirmed, true},
		{StateSubmitted, StateSourceReverted, true},
		{StateSubmitted, StateFeeEstimated, false},
		{StateSourceConfirmed, StateInFlight, true},
		{StateSourceConfirmed, StateDeliveryTimeout, true},
		{StateInFlight, StateDestinationDelivered, true},
		{StateInFlight, StateDeliveryTimeout, true},
		{StateInFlight, StateFinalized, false},
		{StateDestinationDelivered, StateFinalized, true},
		{StateDestinationDelivered, StateDestinationReverted, true},
		{StateFinalized, StateCreated, false},
		{StateSubmissionFailed, StateSubmitted, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, legalTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTerminalAndFailedStates(t *testing.T) {
	terminal := []MessageState{
		StateFinalized, StateFeeEstimateFailed, StateSubmissionFailed,
		StateSourceReverted, StateDeliveryTimeout, StateDestinationReverted,
	}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s", s)
	}
	for _, s := range terminal {
		assert.Equal(t, s != StateFinalized, s.Failed(), "%s", s)
	}

	live := []MessageState{
		StateCreated, StateFeeEstimated, StateSubmitted,
		StateSourceConfirmed, StateInFlight, StateDestinationDelivered,
	}
	for _, s := range live {
		assert.False(t, s.Terminal(), "%s", s)
		assert.False(t, s.Failed(), "%s", s)
	}
}

func TestAdvanceRejectsIllegalTransition(t *testing.T) {
	msg := newMessage(uuid.New(), rebalanceStep("alice", "0xa", "0xb", 1_000), DefaultGasLimit)
	assert.Equal(t, StateCreated, msg.State)
	assert.Equal(t, uint64(1), msg.SourceChain)
	assert.Equal(t, uint64(137), msg.DestChain)
	assert.False(t, msg.CreatedAt.IsZero())

	err := msg.advance(StateSubmitted, "")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindState))
	assert.Equal(t, StateCreated, msg.State, "state must not change on rejection")

	require.NoError(t, msg.advance(StateFeeEstimated, ""))
	require.NoError(t, msg.advance(StateSubmissionFailed, "nonce_too_low"))
	assert.Equal(t, "nonce_too_low", msg.Reason)
	assert.False(t, msg.LastEventAt.IsZero())

	err = msg.advance(StateSubmitted, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "submission_failed -> submitted")
}

func TestMessageStateChangeString(t *testing.T) {
	change := MessageStateChange{
		MessageID: uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		Route:     "1->137 USDC",
		From:      StateSubmitted,
		To:        StateSourceReverted,
		Reason:    ReasonSourceConfirmationTimeout,
	}
	assert.Equal(t,
		"message 11111111-2222-3333-4444-555555555555 (1->137 USDC): submitted -> source_reverted (source_confirmation_timeout)",
		change.String())

	change.To = StateSourceConfirmed
	change.Reason = ""
	assert.Equal(t,
		"message 11111111-2222-3333-4444-555555555555 (1->137 USDC): submitted -> source_confirmed",
		change.String())
}

func TestRebalanceResultString(t *testing.T) {
	result := RebalanceResult{
		OperationID: uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"),
		Status:      OperationPartial,
		Executed: []agents.ReallocationStep{
			rebalanceStep("alice", "0xa", "0xb", 1_000),
		},
		FailedSteps: 1,
	}
	assert.Equal(t,
		"rebalance aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee partial: 1 step(s) finalized, 1 failed",
		result.String())
	require.Len(t, result.RebalancedSteps(), 1)
}
