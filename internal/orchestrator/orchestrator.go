// Package orchestrator executes moving decisions as cross-chain bridge
// transfers. Each decision becomes one operation with one message per
// reallocation step; every message walks the state machine from
// Created to Finalized (or a terminal error) driven by bridge events
// polled from the source and destination chains.
package orchestrator

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lowkeylabs/crossyield/internal/agents"
	"github.com/lowkeylabs/crossyield/internal/bus"
	"github.com/lowkeylabs/crossyield/internal/chain"
	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/errs"
	"github.com/lowkeylabs/crossyield/internal/feed"
	"github.com/lowkeylabs/crossyield/internal/history"
	"github.com/lowkeylabs/crossyield/internal/httpx"
	"github.com/lowkeylabs/crossyield/internal/metrics"
	"github.com/lowkeylabs/crossyield/internal/voting"
)

// DefaultGasLimit is the per-message destination gas limit used when
// the request carries none.
const DefaultGasLimit = 200_000

// Failure reasons surfaced in history records and the status API.
const (
	ReasonSourceConfirmationTimeout = "source_confirmation_timeout"
	ReasonDeliveryTimeout           = "destination_delivery_timeout"
	ReasonExecutionReverted         = "destination_execution_reverted"
)

const lateScanTimeout = 5 * time.Second

// ExecuteRebalanceRequest asks the orchestrator to execute one moving
// decision. InitiatedByUpkeep names the upkeep that gated the decision
// and is empty for manual submissions.
type ExecuteRebalanceRequest struct {
	Decision          *voting.Decision
	InitiatedByUpkeep string
	GasLimit          uint64
}

// Service turns decisions into tracked cross-chain operations.
type Service struct {
	cfg    config.OrchestratorConfig
	chains *chain.Manager
	store  history.Store
	bus    *bus.Bus
	log    zerolog.Logger

	mu         sync.Mutex
	runCtx     context.Context
	cancel     context.CancelFunc
	operations map[uuid.UUID]*RebalanceOperation
	order      []uuid.UUID
	active     map[string]uuid.UUID          // user|source_pool -> owning operation
	claimed    map[chain.MessageID]uuid.UUID // on-chain ids already adopted

	wg sync.WaitGroup

	inFlight  atomic.Int64
	completed atomic.Int64
	partial   atomic.Int64
	failedOps atomic.Int64
	rejected  atomic.Int64
}

func New(cfg config.OrchestratorConfig, chains *chain.Manager, store history.Store, b *bus.Bus) *Service {
	if cfg.MaxSubmitAttempts < 1 {
		cfg.MaxSubmitAttempts = 3
	}
	if cfg.EventPollInterval <= 0 {
		cfg.EventPollInterval = 10 * time.Second
	}
	if cfg.SourceConfirmTimeout <= 0 {
		cfg.SourceConfirmTimeout = 15 * time.Minute
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 60 * time.Minute
	}
	if cfg.FinalityDepth == 0 {
		cfg.FinalityDepth = 12
	}
	return &Service{
		cfg:        cfg,
		chains:     chains,
		store:      store,
		bus:        b,
		log:        config.NewLogger("orchestrator"),
		operations: make(map[uuid.UUID]*RebalanceOperation),
		active:     make(map[string]uuid.UUID),
		claimed:    make(map[chain.MessageID]uuid.UUID),
	}
}

// Start prepares the service for Execute calls. Runners are spawned
// per operation and stopped by Stop.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.runCtx = ctx
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Info().
		Dur("event_poll_interval", s.cfg.EventPollInterval).
		Uint64("finality_depth", s.cfg.FinalityDepth).
		Int("max_submit_attempts", s.cfg.MaxSubmitAttempts).
		Bool("parallel_per_source", s.cfg.ParallelPerSource).
		Msg("Orchestrator started")
	return nil
}

// Stop cancels every runner and waits for them to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runCtx = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.log.Info().Msg("Orchestrator stopped")
}

// Execute validates the request, reserves its source positions and
// starts the operation's runner. A source pool already being moved by
// a live operation rejects the whole request with a ConsensusError;
// nothing is partially reserved.
func (s *Service) Execute(ctx context.Context, req ExecuteRebalanceRequest) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, errs.Cancelled(err)
	}
	if req.Decision == nil || !req.Decision.Moves() || len(req.Decision.Steps) == 0 {
		return uuid.Nil, errs.State("decision does not move capital")
	}
	for _, step := range req.Decision.Steps {
		if step.Amount == nil || step.Amount.Sign() <= 0 {
			return uuid.Nil, errs.State("step %s carries no amount", step.String())
		}
	}
	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}
	initiatedBy := req.InitiatedByUpkeep
	if initiatedBy == "" {
		initiatedBy = "manual"
	}

	s.mu.Lock()
	if s.runCtx == nil {
		s.mu.Unlock()
		return uuid.Nil, errs.State("orchestrator not started")
	}
	keys := make(map[string]bool, len(req.Decision.Steps))
	for _, step := range req.Decision.Steps {
		key := overlapKey(step.User, step.FromPool)
		if holder, busy := s.active[key]; busy {
			s.mu.Unlock()
			s.rejected.Add(1)
			return uuid.Nil, errs.Consensus("source %s already moving in operation %s", key, holder)
		}
		if keys[key] {
			s.mu.Unlock()
			s.rejected.Add(1)
			return uuid.Nil, errs.Consensus("decision moves source %s twice", key)
		}
		keys[key] = true
	}

	op := &RebalanceOperation{
		ID:          uuid.New(),
		Decision:    req.Decision,
		Status:      OperationRunning,
		InitiatedBy: initiatedBy,
		StartedAt:   time.Now(),
	}
	for _, step := range req.Decision.Steps {
		op.Messages = append(op.Messages, newMessage(op.ID, step, gasLimit))
	}
	s.operations[op.ID] = op
	s.order = append(s.order, op.ID)
	for key := range keys {
		s.active[key] = op.ID
	}
	runCtx := s.runCtx
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(runCtx, op)

	s.log.Info().
		Str("operation", op.ID.String()).
		Str("decision", req.Decision.ID.String()).
		Str("action", string(req.Decision.Action)).
		Int("messages", len(op.Messages)).
		Str("initiated_by", initiatedBy).
		Msg("Rebalance operation started")
	return op.ID, nil
}

func overlapKey(user string, pool feed.PoolKey) string {
	return user + "|" + pool.String()
}

func (s *Service) run(ctx context.Context, op *RebalanceOperation) {
	defer s.wg.Done()

	if s.cfg.ParallelPerSource {
		s.runParallel(ctx, op)
	} else {
		for _, msg := range op.Messages {
			if ctx.Err() != nil {
				break
			}
			s.runMessage(ctx, op, msg)
		}
	}
	s.finish(op)
}

// runParallel executes messages of distinct source chains
// concurrently. A step whose source pool is an earlier step's target
// depends on that step and joins its batch instead of its own chain's.
func (s *Service) runParallel(ctx context.Context, op *RebalanceOperation) {
	var batches [][]*CrossChainMessage
	batchOf := make(map[int]int, len(op.Messages))
	bySource := make(map[uint64]int)

	for i, msg := range op.Messages {
		bi := -1
		for j := i - 1; j >= 0; j-- {
			if op.Messages[j].Step.TargetPool == msg.Step.FromPool {
				bi = batchOf[j]
				break
			}
		}
		if bi < 0 {
			idx, ok := bySource[msg.SourceChain]
			if !ok {
				batches = append(batches, nil)
				idx = len(batches) - 1
				bySource[msg.SourceChain] = idx
			}
			bi = idx
		}
		batches[bi] = append(batches[bi], msg)
		batchOf[i] = bi
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			for _, msg := range batch {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.runMessage(gctx, op, msg)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// runMessage walks one message from Created to a terminal state.
func (s *Service) runMessage(ctx context.Context, op *RebalanceOperation, msg *CrossChainMessage) {
	src, err := s.chains.Backend(msg.SourceChain)
	if err != nil {
		s.transition(msg, StateFeeEstimateFailed, "unknown_source_chain")
		return
	}
	dst, err := s.chains.Backend(msg.DestChain)
	if err != nil {
		s.transition(msg, StateFeeEstimateFailed, "unknown_dest_chain")
		return
	}

	feeReq := chain.FeeRequest{
		DestSelector:   dst.Selector(),
		Receiver:       msg.Step.TargetPool.Address,
		Amount:         msg.Step.Amount,
		TargetProtocol: string(msg.Step.TargetPool.Protocol),
		GasLimit:       msg.GasLimit,
	}

	fee, err := s.estimateFee(ctx, src, feeReq)
	if err != nil {
		s.transition(msg, StateFeeEstimateFailed, shortReason(err))
		return
	}
	s.setFields(func() { msg.FeeQuoted = fee })
	if s.transition(msg, StateFeeEstimated, "") != nil {
		return
	}

	res, err := s.submit(ctx, src, msg, chain.SendRequest{FeeRequest: feeReq, Fee: fee})
	if err != nil {
		s.transition(msg, StateSubmissionFailed, shortReason(err))
		return
	}
	s.setFields(func() {
		msg.MessageID = res.MessageID
		msg.TxHash = res.TxHash
		msg.SubmitBlock = res.BlockNumber
		msg.FeeRealized = res.Fee
		msg.SubmittedAt = time.Now()
	})
	if s.transition(msg, StateSubmitted, "") != nil {
		return
	}

	s.inFlight.Add(1)
	metrics.MessagesInFlight.Inc()
	defer func() {
		s.inFlight.Add(-1)
		metrics.MessagesInFlight.Dec()
	}()

	s.observeFeeVariance(msg)
	s.watch(ctx, msg, src, dst)
}

// estimateFee reads the bridge fee quote, retrying transient errors.
func (s *Service) estimateFee(ctx context.Context, src chain.Backend, req chain.FeeRequest) (*big.Int, error) {
	var fee *big.Int
	retry := httpx.RetryConfig{
		MaxAttempts: s.cfg.MaxSubmitAttempts,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
	err := httpx.WithRetry(ctx, retry, func() error {
		quote, err := src.EstimateFee(ctx, req)
		if err != nil {
			return err
		}
		fee = quote
		return nil
	})
	return fee, err
}

// submit performs the atomic bridge submission. A failed call is
// retried only after confirming that no MessageSent event landed for
// this request; a landed event means the transaction reached the chain
// and its result is adopted instead of resubmitting.
func (s *Service) submit(ctx context.Context, src chain.Backend, msg *CrossChainMessage, req chain.SendRequest) (*chain.SendResult, error) {
	fromBlock, err := src.BlockNumber(ctx)
	if err != nil {
		fromBlock = 0
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxSubmitAttempts; attempt++ {
		s.setFields(func() { msg.Attempts = attempt })

		res, err := src.SendCrossChainRebalance(ctx, req)
		if err == nil {
			s.claim(res.MessageID, msg.ID)
			return res, nil
		}
		lastErr = err

		if ev, ok := s.findSent(ctx, src, fromBlock, msg.ID, req.FeeRequest); ok {
			s.log.Warn().
				Str("message", msg.ID.String()).
				Str("onchain_id", ev.MessageID.Hex()).
				Msg("Submission errored but MessageSent landed, adopting on-chain result")
			return &chain.SendResult{
				MessageID:   ev.MessageID,
				TxHash:      ev.TxHash,
				BlockNumber: ev.BlockNumber,
				Fee:         ev.Fees,
			}, nil
		}

		if ctx.Err() != nil {
			return nil, errs.Cancelled(ctx.Err())
		}
		if !httpx.IsRetryable(err) || attempt == s.cfg.MaxSubmitAttempts {
			break
		}

		metrics.SubmitRetries.Inc()
		backoff := submitBackoff(attempt)
		s.log.Warn().Err(err).
			Str("message", msg.ID.String()).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Submission failed, retrying")
		select {
		case <-ctx.Done():
			return nil, errs.Cancelled(ctx.Err())
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func submitBackoff(attempt int) time.Duration {
	return 100 * time.Millisecond << uint(attempt-1)
}

// findSent scans the source chain for an unclaimed MessageSent event
// matching the request. A cancelled context still gets one bounded
// scan so a submission interrupted mid-flight is not marked failed
// while its transaction sits on chain.
func (s *Service) findSent(ctx context.Context, src chain.Backend, fromBlock uint64, claimant uuid.UUID, req chain.FeeRequest) (chain.MessageSent, bool) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), lateScanTimeout)
		defer cancel()
	}
	events, err := src.MessageSentEvents(ctx, fromBlock, nil)
	if err != nil {
		return chain.MessageSent{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		if ev.DestSelector != req.DestSelector || ev.Receiver != req.Receiver || ev.TargetProtocol != req.TargetProtocol {
			continue
		}
		if _, taken := s.claimed[ev.MessageID]; taken {
			continue
		}
		s.claimed[ev.MessageID] = claimant
		return ev, true
	}
	return chain.MessageSent{}, false
}

func (s *Service) claim(id chain.MessageID, claimant uuid.UUID) {
	s.mu.Lock()
	s.claimed[id] = claimant
	s.mu.Unlock()
}

// watch polls chain events until the message reaches a terminal state
// or the service stops.
func (s *Service) watch(ctx context.Context, msg *CrossChainMessage, src, dst chain.Backend) {
	srcDeadline := msg.SubmittedAt.Add(s.cfg.SourceConfirmTimeout)
	deliveryDeadline := msg.SubmittedAt.Add(s.cfg.DeliveryTimeout)

	ticker := time.NewTicker(s.cfg.EventPollInterval)
	defer ticker.Stop()

	for {
		s.checkMessage(ctx, msg, src, dst, srcDeadline, deliveryDeadline)
		if msg.State.Terminal() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// checkMessage advances the message by at most one state per call.
func (s *Service) checkMessage(ctx context.Context, msg *CrossChainMessage, src, dst chain.Backend, srcDeadline, deliveryDeadline time.Time) {
	now := time.Now()

	switch msg.State {
	case StateSubmitted:
		events, err := src.MessageSentEvents(ctx, msg.SubmitBlock, &msg.MessageID)
		if err != nil {
			s.log.Warn().Err(err).Str("message", msg.ID.String()).Msg("Source event query failed")
			return
		}
		if len(events) > 0 {
			s.transition(msg, StateSourceConfirmed, "")
			return
		}
		if now.After(srcDeadline) {
			s.transition(msg, StateSourceReverted, ReasonSourceConfirmationTimeout)
		}

	case StateSourceConfirmed:
		depth, err := src.TxConfirmations(ctx, msg.TxHash)
		if err != nil {
			s.log.Warn().Err(err).Str("message", msg.ID.String()).Msg("Confirmation query failed")
			return
		}
		if depth >= s.cfg.FinalityDepth {
			s.transition(msg, StateInFlight, "")
			return
		}
		if now.After(deliveryDeadline) {
			s.transition(msg, StateDeliveryTimeout, ReasonDeliveryTimeout)
		}

	case StateInFlight:
		events, err := dst.MessageReceivedEvents(ctx, 0, &msg.MessageID)
		if err != nil {
			s.log.Warn().Err(err).Str("message", msg.ID.String()).Msg("Destination event query failed")
			return
		}
		if len(events) > 0 {
			s.transition(msg, StateDestinationDelivered, "")
			return
		}
		if now.After(deliveryDeadline) {
			s.transition(msg, StateDeliveryTimeout, ReasonDeliveryTimeout)
		}

	case StateDestinationDelivered:
		events, err := dst.RebalanceExecutedEvents(ctx, 0, &msg.MessageID)
		if err != nil {
			s.log.Warn().Err(err).Str("message", msg.ID.String()).Msg("Execution event query failed")
			return
		}
		if len(events) == 0 {
			return
		}
		ev := events[len(events)-1]
		s.setFields(func() {
			msg.FinalReceipt = &Receipt{
				Success:     ev.Success,
				Protocol:    ev.Protocol,
				Amount:      ev.Amount,
				TxHash:      ev.TxHash,
				BlockNumber: ev.BlockNumber,
			}
		})
		if ev.Success {
			s.transition(msg, StateFinalized, "")
		} else {
			s.transition(msg, StateDestinationReverted, ReasonExecutionReverted)
		}
	}
}

// transition applies one legal state change and announces it.
func (s *Service) transition(msg *CrossChainMessage, to MessageState, reason string) error {
	s.mu.Lock()
	from := msg.State
	err := msg.advance(to, reason)
	onchain := ""
	if !msg.MessageID.IsZero() {
		onchain = msg.MessageID.Hex()
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Error().Err(err).Str("message", msg.ID.String()).Msg("Refused illegal transition")
		return err
	}

	metrics.RecordTransition(string(to))
	s.bus.Publish(bus.TopicMessageStateChanged, MessageStateChange{
		OperationID: msg.OperationID,
		MessageID:   msg.ID,
		OnChainID:   onchain,
		Route:       msg.Route(),
		From:        from,
		To:          to,
		Reason:      reason,
		At:          time.Now(),
	})

	evt := s.log.Info()
	if to.Failed() {
		evt = s.log.Warn()
	}
	evt.Str("message", msg.ID.String()).
		Str("route", msg.Route()).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("Message state changed")
	return nil
}

// finish aggregates terminal message states, releases the operation's
// source reservations, records history and reports completion.
func (s *Service) finish(op *RebalanceOperation) {
	s.mu.Lock()
	finalized := 0
	failed := 0
	var executed []agents.ReallocationStep
	var firstReason string
	for _, msg := range op.Messages {
		switch {
		case msg.State == StateFinalized:
			finalized++
			executed = append(executed, msg.Step)
		case msg.State.Failed():
			failed++
			if firstReason == "" {
				firstReason = msg.Reason
				if firstReason == "" {
					firstReason = string(msg.State)
				}
			}
		}
	}
	interrupted := finalized+failed != len(op.Messages)
	if !interrupted {
		switch {
		case failed == 0:
			op.Status = OperationCompleted
		case finalized == 0:
			op.Status = OperationFailed
		default:
			op.Status = OperationPartial
		}
		op.FinishedAt = time.Now()
	}
	for key, holder := range s.active {
		if holder == op.ID {
			delete(s.active, key)
		}
	}
	outcomes := make([]history.MessageOutcome, 0, len(op.Messages))
	for _, msg := range op.Messages {
		outcomes = append(outcomes, messageOutcome(msg))
	}
	decision := op.Decision
	status := op.Status
	duration := op.FinishedAt.Sub(op.StartedAt)
	s.mu.Unlock()

	if interrupted {
		s.log.Warn().Str("operation", op.ID.String()).Msg("Operation interrupted before completion")
		return
	}

	result := RebalanceResult{
		OperationID: op.ID,
		DecisionID:  decision.ID,
		Action:      decision.Action,
		Status:      status,
		Executed:    executed,
		FailedSteps: failed,
		Duration:    duration,
	}
	s.bus.Publish(bus.TopicRebalanceCompleted, result)

	switch status {
	case OperationCompleted:
		s.completed.Add(1)
	case OperationPartial:
		s.partial.Add(1)
	case OperationFailed:
		s.failedOps.Add(1)
	}

	rec := history.Record{
		ID:          decision.ID,
		OperationID: op.ID,
		Decision:    decision,
		Outcome:     outcomeOf(status),
		Messages:    outcomes,
		RecordedAt:  time.Now().UTC(),
	}
	if failed > 0 {
		rec.ErrorKind = string(errs.KindChain)
		rec.ErrorReason = firstReason
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Append(ctx, rec); err != nil {
		s.log.Error().Err(err).Str("operation", op.ID.String()).Msg("History append failed")
	}

	s.log.Info().
		Str("operation", op.ID.String()).
		Str("status", string(status)).
		Int("finalized", finalized).
		Int("failed", failed).
		Dur("duration", duration).
		Msg("Rebalance operation finished")
}

func outcomeOf(status OperationStatus) history.Outcome {
	switch status {
	case OperationCompleted:
		return history.OutcomeExecuted
	case OperationPartial:
		return history.OutcomePartial
	default:
		return history.OutcomeFailed
	}
}

func messageOutcome(msg *CrossChainMessage) history.MessageOutcome {
	out := history.MessageOutcome{
		Route:  msg.Route(),
		Token:  msg.Step.Token,
		State:  string(msg.State),
		Reason: msg.Reason,
	}
	if msg.Step.Amount != nil {
		out.Amount = msg.Step.Amount.String()
	}
	if !msg.MessageID.IsZero() {
		out.MessageID = msg.MessageID.Hex()
	}
	switch {
	case msg.FeeRealized != nil:
		out.FeeNative = msg.FeeRealized.String()
	case msg.FeeQuoted != nil:
		out.FeeNative = msg.FeeQuoted.String()
	}
	return out
}

// setFields runs a message mutation under the service lock so API
// readers never observe torn writes.
func (s *Service) setFields(mutate func()) {
	s.mu.Lock()
	mutate()
	s.mu.Unlock()
}

func (s *Service) observeFeeVariance(msg *CrossChainMessage) {
	s.mu.Lock()
	quoted := msg.FeeQuoted
	realized := msg.FeeRealized
	s.mu.Unlock()
	if quoted == nil || quoted.Sign() <= 0 || realized == nil {
		return
	}
	diff := new(big.Int).Sub(realized, quoted)
	bps := new(big.Int).Div(new(big.Int).Mul(diff, big.NewInt(10_000)), quoted)
	metrics.ObserveFeeVariance(float64(bps.Int64()))
}

func shortReason(err error) string {
	if err == nil {
		return ""
	}
	if reason := errs.ReasonOf(err); reason != "" {
		return reason
	}
	msg := err.Error()
	if len(msg) > 120 {
		msg = msg[:120]
	}
	return msg
}

// Operation returns a copy of one operation by id.
func (s *Service) Operation(id uuid.UUID) (RebalanceOperation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operations[id]
	if !ok {
		return RebalanceOperation{}, false
	}
	return copyOperation(op), true
}

// Operations returns copies of the most recent operations, newest
// first. limit <= 0 returns all of them.
func (s *Service) Operations(limit int) []RebalanceOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]RebalanceOperation, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		if op, ok := s.operations[s.order[i]]; ok {
			out = append(out, copyOperation(op))
		}
	}
	return out
}

// InFlightMessages returns copies of every non-terminal message in
// creation order.
func (s *Service) InFlightMessages() []CrossChainMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CrossChainMessage
	for _, id := range s.order {
		op, ok := s.operations[id]
		if !ok {
			continue
		}
		for _, msg := range op.Messages {
			if !msg.State.Terminal() {
				out = append(out, copyMessage(msg))
			}
		}
	}
	return out
}

func copyOperation(op *RebalanceOperation) RebalanceOperation {
	out := *op
	out.Messages = make([]*CrossChainMessage, len(op.Messages))
	for i, msg := range op.Messages {
		cp := copyMessage(msg)
		out.Messages[i] = &cp
	}
	return out
}

func copyMessage(msg *CrossChainMessage) CrossChainMessage {
	cp := *msg
	if msg.FinalReceipt != nil {
		receipt := *msg.FinalReceipt
		cp.FinalReceipt = &receipt
	}
	return cp
}

// Name implements metrics.StatsSource.
func (s *Service) Name() string { return "orchestrator" }

// Stats implements metrics.StatsSource.
func (s *Service) Stats() map[string]float64 {
	s.mu.Lock()
	total := len(s.operations)
	running := 0
	for _, op := range s.operations {
		if op.Status == OperationRunning {
			running++
		}
	}
	s.mu.Unlock()

	return map[string]float64{
		"operations":         float64(total),
		"running":            float64(running),
		"in_flight_messages": float64(s.inFlight.Load()),
		"completed":          float64(s.completed.Load()),
		"partial":            float64(s.partial.Load()),
		"failed":             float64(s.failedOps.Load()),
		"rejected_overlaps":  float64(s.rejected.Load()),
	}
}
