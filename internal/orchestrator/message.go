package orchestrator

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/lowkeylabs/crossyield/internal/agents"
	"github.com/lowkeylabs/crossyield/internal/chain"
	"github.com/lowkeylabs/crossyield/internal/errs"
	"github.com/lowkeylabs/crossyield/internal/voting"
)

// MessageState is one node of the cross-chain message state machine.
type MessageState string

const (
	StateCreated              MessageState = "created"
	StateFeeEstimated         MessageState = "fee_estimated"
	StateSubmitted            MessageState = "submitted"
	StateSourceConfirmed      MessageState = "source_confirmed"
	StateInFlight             MessageState = "in_flight"
	StateDestinationDelivered MessageState = "destination_delivered"
	StateFinalized            MessageState = "finalized"

	StateFeeEstimateFailed   MessageState = "fee_estimate_failed"
	StateSubmissionFailed    MessageState = "submission_failed"
	StateSourceReverted      MessageState = "source_reverted"
	StateDeliveryTimeout     MessageState = "delivery_timeout"
	StateDestinationReverted MessageState = "destination_reverted"
)

// legalNext encodes the only transitions a message may take. Anything
// not listed is a StateError.
var legalNext = map[MessageState][]MessageState{
	StateCreated:              {StateFeeEstimated, StateFeeEstimateFailed},
	StateFeeEstimated:         {StateSubmitted, StateSubmissionFailed},
	StateSubmitted:            {StateSourceConfirmed, StateSourceReverted},
	StateSourceConfirmed:      {StateInFlight, StateDeliveryTimeout},
	StateInFlight:             {StateDestinationDelivered, StateDeliveryTimeout},
	StateDestinationDelivered: {StateFinalized, StateDestinationReverted},
}

// Terminal reports whether the state ends the message lifecycle.
func (s MessageState) Terminal() bool {
	return len(legalNext[s]) == 0
}

// Failed reports whether the state is a terminal error.
func (s MessageState) Failed() bool {
	return s.Terminal() && s != StateFinalized
}

func legalTransition(from, to MessageState) bool {
	for _, next := range legalNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Receipt is the destination-side execution outcome of a delivered
// message.
type Receipt struct {
	Success     bool     `json:"success"`
	Protocol    string   `json:"protocol"`
	Amount      *big.Int `json:"amount"`
	TxHash      string   `json:"tx_hash"`
	BlockNumber uint64   `json:"block_number"`
}

// CrossChainMessage is one bridge transfer derived from a decision
// step. A single runner goroutine owns all writes; readers go through
// the service, which copies under its lock.
type CrossChainMessage struct {
	ID          uuid.UUID               `json:"id"`
	OperationID uuid.UUID               `json:"operation_id"`
	MessageID   chain.MessageID         `json:"message_id"`
	Step        agents.ReallocationStep `json:"step"`
	SourceChain uint64                  `json:"source_chain"`
	DestChain   uint64                  `json:"dest_chain"`
	State       MessageState            `json:"state"`
	Reason      string                  `json:"reason,omitempty"`
	FeeQuoted   *big.Int                `json:"fee_quoted,omitempty"`
	FeeRealized *big.Int                `json:"fee_realized,omitempty"`
	GasLimit    uint64                  `json:"gas_limit"`
	Attempts    int                     `json:"attempts"`
	TxHash      string                  `json:"tx_hash,omitempty"`
	SubmitBlock uint64                  `json:"submit_block,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	SubmittedAt time.Time               `json:"submitted_at"`
	LastEventAt time.Time               `json:"last_event_at"`

	FinalReceipt *Receipt `json:"final_receipt,omitempty"`
}

func newMessage(opID uuid.UUID, step agents.ReallocationStep, gasLimit uint64) *CrossChainMessage {
	return &CrossChainMessage{
		ID:          uuid.New(),
		OperationID: opID,
		Step:        step,
		SourceChain: step.FromChain,
		DestChain:   step.ToChain,
		State:       StateCreated,
		GasLimit:    gasLimit,
		CreatedAt:   time.Now(),
	}
}

// advance applies one state transition, rejecting anything the
// transition table does not allow.
func (m *CrossChainMessage) advance(to MessageState, reason string) error {
	if !legalTransition(m.State, to) {
		return errs.State("illegal message transition %s -> %s", m.State, to)
	}
	m.State = to
	m.Reason = reason
	m.LastEventAt = time.Now()
	return nil
}

// Route renders the transfer as "source->dest token" for logs and the
// live feed.
func (m *CrossChainMessage) Route() string {
	return fmt.Sprintf("%d->%d %s", m.SourceChain, m.DestChain, m.Step.Token)
}

// OperationStatus aggregates the terminal states of an operation's
// messages.
type OperationStatus string

const (
	OperationRunning   OperationStatus = "running"
	OperationCompleted OperationStatus = "completed"
	OperationPartial   OperationStatus = "partial"
	OperationFailed    OperationStatus = "failed"
)

// RebalanceOperation is the execution of one moving decision: its
// ordered messages plus the decision snapshot that produced them.
type RebalanceOperation struct {
	ID          uuid.UUID            `json:"id"`
	Decision    *voting.Decision     `json:"decision"`
	Messages    []*CrossChainMessage `json:"messages"`
	Status      OperationStatus      `json:"status"`
	InitiatedBy string               `json:"initiated_by,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  time.Time            `json:"finished_at"`
}

// MessageStateChange is the messageStateChanged bus payload.
type MessageStateChange struct {
	OperationID uuid.UUID    `json:"operation_id"`
	MessageID   uuid.UUID    `json:"message_id"`
	OnChainID   string       `json:"onchain_id,omitempty"`
	Route       string       `json:"route"`
	From        MessageState `json:"from"`
	To          MessageState `json:"to"`
	Reason      string       `json:"reason,omitempty"`
	At          time.Time    `json:"at"`
}

func (c MessageStateChange) String() string {
	if c.Reason != "" {
		return fmt.Sprintf("message %s (%s): %s -> %s (%s)", c.MessageID, c.Route, c.From, c.To, c.Reason)
	}
	return fmt.Sprintf("message %s (%s): %s -> %s", c.MessageID, c.Route, c.From, c.To)
}

// RebalanceResult is the rebalanceCompleted bus payload. Executed
// carries the steps that reached finality, in submission order, so the
// position book can apply them.
type RebalanceResult struct {
	OperationID uuid.UUID                 `json:"operation_id"`
	DecisionID  uuid.UUID                 `json:"decision_id"`
	Action      voting.Action             `json:"action"`
	Status      OperationStatus           `json:"status"`
	Executed    []agents.ReallocationStep `json:"executed,omitempty"`
	FailedSteps int                       `json:"failed_steps"`
	Duration    time.Duration             `json:"duration"`
}

// RebalancedSteps implements agents.StepCarrier.
func (r RebalanceResult) RebalancedSteps() []agents.ReallocationStep {
	return r.Executed
}

func (r RebalanceResult) String() string {
	return fmt.Sprintf("rebalance %s %s: %d step(s) finalized, %d failed",
		r.OperationID, r.Status, len(r.Executed), r.FailedSteps)
}
