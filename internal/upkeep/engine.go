// Package upkeep runs the automation triggers that decide when a
// rebalance decision is acted upon. Each configured upkeep is checked
// on its own schedule: market triggers (APY spread, elapsed interval,
// TVL drift, optionally an on-chain checkUpkeep) open the gate, the gas
// ceiling and the decision's consensus and confidence must clear it,
// and only then is the decision submitted to the orchestrator.
package upkeep

import (
	"context"
	"math"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lowkeylabs/crossyield/internal/aggregator"
	"github.com/lowkeylabs/crossyield/internal/bus"
	"github.com/lowkeylabs/crossyield/internal/chain"
	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/errs"
	"github.com/lowkeylabs/crossyield/internal/httpx"
	"github.com/lowkeylabs/crossyield/internal/metrics"
	"github.com/lowkeylabs/crossyield/internal/orchestrator"
	"github.com/lowkeylabs/crossyield/internal/voting"
)

// Trigger condition names carried in trigger events and upkeep status.
const (
	TriggerAPYDelta     = "apy_delta"
	TriggerInterval     = "interval_elapsed"
	TriggerTVLDelta     = "tvl_delta"
	TriggerOnchainCheck = "onchain_check"
)

// MarketSource provides the snapshot the triggers evaluate against.
type MarketSource interface {
	CurrentSnapshot() *aggregator.MarketSnapshot
}

// DecisionSource provides the decision the gates evaluate against. The
// voting coordinator implements it.
type DecisionSource interface {
	Latest() *voting.Decision
}

// Executor accepts gated rebalance requests. The orchestrator
// implements it.
type Executor interface {
	Execute(ctx context.Context, req orchestrator.ExecuteRebalanceRequest) (uuid.UUID, error)
}

// Trigger is the upkeepNeeded bus payload.
type Trigger struct {
	UpkeepID   string    `json:"upkeep_id"`
	DecisionID uuid.UUID `json:"decision_id"`
	Reasons    []string  `json:"reasons"`
	At         time.Time `json:"at"`
}

func (t Trigger) String() string {
	return "upkeep " + t.UpkeepID + " needed: " + strings.Join(t.Reasons, ", ")
}

// Failure is the upkeepFailed bus payload, published when an upkeep is
// paused after persistent submission failures.
type Failure struct {
	UpkeepID   string    `json:"upkeep_id"`
	DecisionID uuid.UUID `json:"decision_id"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

func (f Failure) String() string {
	return "upkeep " + f.UpkeepID + " paused: " + f.Reason
}

// Status is the read-only view of one upkeep exposed by the API.
type Status struct {
	Config       config.UpkeepConfig `json:"config"`
	Paused       bool                `json:"paused"`
	LastCheck    time.Time           `json:"last_check,omitempty"`
	LastResult   string              `json:"last_result,omitempty"`
	LastReasons  []string            `json:"last_reasons,omitempty"`
	LastDecision uuid.UUID           `json:"last_decision,omitempty"`
	LastPerform  time.Time           `json:"last_perform,omitempty"`
	Performs     int64               `json:"performs"`
}

// upkeepState is the engine's mutable record of one upkeep. All fields
// are guarded by the engine mutex.
type upkeepState struct {
	cfg          config.UpkeepConfig
	paused       bool
	lastCheck    time.Time
	lastResult   string
	lastReasons  []string
	lastDecision uuid.UUID
	lastPerform  time.Time
	performs     int64
}

// evaluation is the outcome of one trigger pass.
type evaluation struct {
	reasons     []string
	performData []byte
	tvlNow      *big.Int
}

// Engine checks every active upkeep on a fixed cadence; checks of the
// same upkeep never overlap, distinct upkeeps run independently.
type Engine struct {
	cfg         config.UpkeepEngineConfig
	chains      *chain.Manager
	registry    map[uint64]config.ChainConfig
	market      MarketSource
	decisions   DecisionSource
	exec        Executor
	bus         *bus.Bus
	checkpoints *Checkpoints
	retry       httpx.RetryConfig
	log         zerolog.Logger

	mu      sync.Mutex
	upkeeps []*upkeepState
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	checks   atomic.Int64
	triggers atomic.Int64
	performs atomic.Int64
	failures atomic.Int64
}

// New builds the engine from inline config plus the optional upkeeps
// file, file entries winning on id collision.
func New(cfg config.UpkeepEngineConfig, chains *chain.Manager, registry []config.ChainConfig, market MarketSource, decisions DecisionSource, exec Executor, b *bus.Bus) (*Engine, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.MaxSubmitRetries < 1 {
		cfg.MaxSubmitRetries = 5
	}

	upkeeps := cfg.Upkeeps
	if cfg.File != "" {
		fromFile, err := config.LoadUpkeeps(cfg.File)
		if err != nil {
			return nil, err
		}
		upkeeps = config.MergeUpkeeps(upkeeps, fromFile)
	}

	checkpoints, err := OpenCheckpoints(cfg.CheckpointPath)
	if err != nil {
		return nil, err
	}

	byID := make(map[uint64]config.ChainConfig, len(registry))
	for _, cc := range registry {
		byID[cc.ChainID] = cc
	}

	e := &Engine{
		cfg:         cfg,
		chains:      chains,
		registry:    byID,
		market:      market,
		decisions:   decisions,
		exec:        exec,
		bus:         b,
		checkpoints: checkpoints,
		retry: httpx.RetryConfig{
			MaxAttempts: cfg.MaxSubmitRetries,
			BaseBackoff: 250 * time.Millisecond,
			MaxBackoff:  4 * time.Second,
		},
		log: config.NewLogger("upkeep"),
	}
	for _, u := range upkeeps {
		e.upkeeps = append(e.upkeeps, &upkeepState{cfg: u})
	}
	return e, nil
}

// Start spawns one checker per active upkeep.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	active := 0
	for _, st := range e.upkeeps {
		if !st.cfg.Active {
			continue
		}
		active++
		e.wg.Add(1)
		go e.runUpkeep(ctx, st)
	}
	e.mu.Unlock()

	e.log.Info().
		Int("upkeeps", len(e.upkeeps)).
		Int("active", active).
		Dur("interval", e.cfg.Interval).
		Msg("upkeep engine started")
	return nil
}

// Stop cancels every checker and waits for them to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.log.Info().Msg("upkeep engine stopped")
}

func (e *Engine) runUpkeep(ctx context.Context, st *upkeepState) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		e.check(ctx, st)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// check runs one full evaluation of an upkeep: triggers, gates, and
// when both pass, the submission.
func (e *Engine) check(ctx context.Context, st *upkeepState) {
	e.mu.Lock()
	if st.paused {
		e.mu.Unlock()
		return
	}
	id := st.cfg.ID
	ucfg := st.cfg
	lastDecision := st.lastDecision
	e.mu.Unlock()

	e.checks.Add(1)
	snap := e.market.CurrentSnapshot()
	if snap == nil {
		metrics.RecordUpkeepCheck(id, metrics.CheckResultError)
		e.setResult(st, "no_snapshot", nil)
		return
	}

	ev := e.evaluate(ctx, ucfg, snap)
	decision := e.decisions.Latest()

	switch {
	case len(ev.reasons) == 0:
		metrics.RecordUpkeepCheck(id, metrics.CheckResultNotNeeded)
		e.setResult(st, "no_trigger", nil)
		return
	case !e.decisionPasses(decision, ucfg):
		metrics.RecordUpkeepCheck(id, metrics.CheckResultNotNeeded)
		e.setResult(st, "decision_gate", ev.reasons)
		return
	case !e.gasBelowCeiling(snap, decision, ucfg):
		metrics.RecordUpkeepCheck(id, metrics.CheckResultNotNeeded)
		e.setResult(st, "gas_ceiling", ev.reasons)
		return
	case decision.ID == lastDecision:
		// Already acted on this decision; wait for a new one.
		metrics.RecordUpkeepCheck(id, metrics.CheckResultNotNeeded)
		e.setResult(st, "already_submitted", ev.reasons)
		return
	}

	metrics.RecordUpkeepCheck(id, metrics.CheckResultNeeded)
	e.triggers.Add(1)
	e.setResult(st, "needed", ev.reasons)
	e.bus.Publish(bus.TopicUpkeepNeeded, Trigger{
		UpkeepID:   id,
		DecisionID: decision.ID,
		Reasons:    ev.reasons,
		At:         time.Now().UTC(),
	})
	e.log.Info().
		Str("upkeep", id).
		Str("decision", decision.ID.String()).
		Strs("reasons", ev.reasons).
		Msg("upkeep triggered")

	e.perform(ctx, st, decision, ev)
}

// evaluate runs the trigger conditions against the snapshot. Conditions
// with a zero threshold are disabled.
func (e *Engine) evaluate(ctx context.Context, ucfg config.UpkeepConfig, snap *aggregator.MarketSnapshot) evaluation {
	ev := evaluation{tvlNow: snapshotTVL(snap)}
	cp := e.checkpoints.Get(ucfg.ID)

	if ucfg.APYDeltaBps > 0 && maxAPYSpread(snap) >= ucfg.APYDeltaBps {
		ev.reasons = append(ev.reasons, TriggerAPYDelta)
	}
	if ucfg.Interval > 0 && time.Since(cp.LastRebalance) >= ucfg.Interval {
		ev.reasons = append(ev.reasons, TriggerInterval)
	}
	if ucfg.TVLDeltaPPM > 0 {
		switch {
		case cp.LastTVL == nil || cp.LastTVL.Sign() <= 0:
			// First observation seeds the baseline.
			if err := e.checkpoints.Put(ucfg.ID, Checkpoint{LastRebalance: cp.LastRebalance, LastTVL: ev.tvlNow}); err != nil {
				e.log.Warn().Err(err).Str("upkeep", ucfg.ID).Msg("checkpoint seed failed")
			}
		case tvlDeltaPPM(ev.tvlNow, cp.LastTVL) >= ucfg.TVLDeltaPPM:
			ev.reasons = append(ev.reasons, TriggerTVLDelta)
		}
	}
	if ucfg.TargetContract != "" {
		if data, needed := e.onchainCheck(ctx, ucfg); needed {
			ev.reasons = append(ev.reasons, TriggerOnchainCheck)
			ev.performData = data
		}
	}
	return ev
}

// onchainCheck consults the upkeep's target contract. Errors disable
// the on-chain leg for this cycle only.
func (e *Engine) onchainCheck(ctx context.Context, ucfg config.UpkeepConfig) ([]byte, bool) {
	backend, err := e.chains.Backend(ucfg.TargetChain)
	if err != nil {
		e.log.Warn().Err(err).Str("upkeep", ucfg.ID).Msg("upkeep target chain unavailable")
		return nil, false
	}
	needed, performData, err := backend.CheckUpkeep(ctx, []byte(ucfg.CheckData))
	if err != nil {
		e.log.Warn().Err(err).Str("upkeep", ucfg.ID).Msg("on-chain checkUpkeep failed")
		return nil, false
	}
	return performData, needed
}

// decisionPasses applies the decision gates: the latest decision must
// move capital and clear the upkeep's confidence and consensus floors.
func (e *Engine) decisionPasses(d *voting.Decision, ucfg config.UpkeepConfig) bool {
	if d == nil || !d.Moves() || len(d.Steps) == 0 {
		return false
	}
	if d.ConfidencePPM < ucfg.MinConfidencePPM {
		return false
	}
	if d.ConsensusPPM < ucfg.MinConsensusPPM {
		return false
	}
	return true
}

// gasBelowCeiling verifies every source chain the decision draws from.
// The upkeep's own ceiling wins over the chain default; a configured
// ceiling with no gas reading fails closed.
func (e *Engine) gasBelowCeiling(snap *aggregator.MarketSnapshot, d *voting.Decision, ucfg config.UpkeepConfig) bool {
	for _, step := range d.Steps {
		ceiling := ucfg.GasCeilingWei
		if ceiling == 0 {
			ceiling = e.registry[step.FromChain].GasCeilingWei
		}
		if ceiling <= 0 {
			continue
		}
		gas, ok := snap.Gas(step.FromChain)
		if !ok || gas == nil {
			return false
		}
		if gas.Cmp(big.NewInt(ceiling)) > 0 {
			return false
		}
	}
	return true
}

// perform submits the decision to the orchestrator, retrying transient
// failures. Persistent failure pauses the upkeep; an overlap rejection
// means another operation already moves the same sources, which
// satisfies the upkeep without a submission.
func (e *Engine) perform(ctx context.Context, st *upkeepState, decision *voting.Decision, ev evaluation) {
	id := st.cfg.ID

	var opID uuid.UUID
	err := httpx.WithRetry(ctx, e.retry, func() error {
		var err error
		opID, err = e.exec.Execute(ctx, orchestrator.ExecuteRebalanceRequest{
			Decision:          decision,
			InitiatedByUpkeep: id,
			GasLimit:          st.cfg.GasLimit,
		})
		return err
	})

	if err != nil {
		if errs.IsKind(err, errs.KindConsensus) {
			e.log.Info().Str("upkeep", id).Str("decision", decision.ID.String()).
				Msg("sources already moving, upkeep satisfied")
			e.markSubmitted(st, decision.ID)
			return
		}
		e.failures.Add(1)
		metrics.RecordUpkeepPerform(id, false)
		e.pause(st, decision.ID, err)
		return
	}

	e.performs.Add(1)
	metrics.RecordUpkeepPerform(id, true)
	e.markSubmitted(st, decision.ID)

	cp := Checkpoint{LastRebalance: time.Now().UTC(), LastTVL: ev.tvlNow}
	if err := e.checkpoints.Put(id, cp); err != nil {
		e.log.Warn().Err(err).Str("upkeep", id).Msg("checkpoint update failed")
	}

	if ev.performData != nil {
		e.performOnchain(ctx, st.cfg, ev.performData)
	}

	e.log.Info().
		Str("upkeep", id).
		Str("decision", decision.ID.String()).
		Str("operation", opID.String()).
		Msg("rebalance submitted")
}

// performOnchain mirrors the perform to the upkeep's target contract so
// on-chain bookkeeping follows the control plane. Failures are logged;
// the orchestrator submission already succeeded.
func (e *Engine) performOnchain(ctx context.Context, ucfg config.UpkeepConfig, performData []byte) {
	backend, err := e.chains.Backend(ucfg.TargetChain)
	if err != nil {
		return
	}
	txHash, err := backend.PerformUpkeep(ctx, performData)
	if err != nil {
		e.log.Warn().Err(err).Str("upkeep", ucfg.ID).Msg("on-chain performUpkeep failed")
		return
	}
	e.log.Info().Str("upkeep", ucfg.ID).Str("tx", txHash).Msg("on-chain performUpkeep sent")
}

func (e *Engine) pause(st *upkeepState, decisionID uuid.UUID, err error) {
	e.mu.Lock()
	st.paused = true
	id := st.cfg.ID
	e.mu.Unlock()

	metrics.SetUpkeepPaused(id, true)
	e.bus.Publish(bus.TopicUpkeepFailed, Failure{
		UpkeepID:   id,
		DecisionID: decisionID,
		Reason:     err.Error(),
		At:         time.Now().UTC(),
	})
	e.log.Error().Err(err).Str("upkeep", id).Msg("upkeep paused after persistent submission failure")
}

func (e *Engine) markSubmitted(st *upkeepState, decisionID uuid.UUID) {
	e.mu.Lock()
	st.lastDecision = decisionID
	st.lastPerform = time.Now().UTC()
	st.performs++
	e.mu.Unlock()
}

func (e *Engine) setResult(st *upkeepState, result string, reasons []string) {
	e.mu.Lock()
	st.lastCheck = time.Now().UTC()
	st.lastResult = result
	st.lastReasons = reasons
	e.mu.Unlock()
}

// Pause stops a running upkeep's evaluations until Resume.
func (e *Engine) Pause(id string) error {
	return e.setPaused(id, true)
}

// Resume reactivates a paused upkeep.
func (e *Engine) Resume(id string) error {
	return e.setPaused(id, false)
}

func (e *Engine) setPaused(id string, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.upkeeps {
		if st.cfg.ID != id {
			continue
		}
		st.paused = paused
		metrics.SetUpkeepPaused(id, paused)
		return nil
	}
	return errs.State("unknown upkeep %s", id)
}

// Upkeeps returns the status of every configured upkeep.
func (e *Engine) Upkeeps() []Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Status, 0, len(e.upkeeps))
	for _, st := range e.upkeeps {
		out = append(out, Status{
			Config:       st.cfg,
			Paused:       st.paused,
			LastCheck:    st.lastCheck,
			LastResult:   st.lastResult,
			LastReasons:  append([]string(nil), st.lastReasons...),
			LastDecision: st.lastDecision,
			LastPerform:  st.lastPerform,
			Performs:     st.performs,
		})
	}
	return out
}

// maxAPYSpread returns the widest same-token APR spread in the
// snapshot, in basis points.
func maxAPYSpread(snap *aggregator.MarketSnapshot) int32 {
	type span struct {
		min, max int32
		seen     bool
	}
	spans := make(map[string]*span)
	for _, p := range snap.Pools {
		s, ok := spans[p.Token]
		if !ok {
			s = &span{}
			spans[p.Token] = s
		}
		if !s.seen {
			s.min, s.max, s.seen = p.APRBps, p.APRBps, true
			continue
		}
		if p.APRBps < s.min {
			s.min = p.APRBps
		}
		if p.APRBps > s.max {
			s.max = p.APRBps
		}
	}
	var widest int32
	for _, s := range spans {
		if d := s.max - s.min; d > widest {
			widest = d
		}
	}
	return widest
}

// snapshotTVL sums pool TVLs in micro-USD.
func snapshotTVL(snap *aggregator.MarketSnapshot) *big.Int {
	total := new(big.Int)
	for _, p := range snap.Pools {
		if p.TVL != nil {
			total.Add(total, p.TVL)
		}
	}
	return total
}

// tvlDeltaPPM returns |now-last| * 1e6 / last.
func tvlDeltaPPM(now, last *big.Int) int64 {
	if last == nil || last.Sign() <= 0 || now == nil {
		return 0
	}
	d := new(big.Int).Sub(now, last)
	d.Abs(d)
	d.Mul(d, big.NewInt(1_000_000))
	d.Quo(d, last)
	if !d.IsInt64() {
		return math.MaxInt64
	}
	return d.Int64()
}

// Name implements metrics.StatsSource.
func (e *Engine) Name() string { return "upkeep" }

// Stats implements metrics.StatsSource.
func (e *Engine) Stats() map[string]float64 {
	e.mu.Lock()
	paused := 0
	for _, st := range e.upkeeps {
		if st.paused {
			paused++
		}
	}
	total := len(e.upkeeps)
	e.mu.Unlock()

	return map[string]float64{
		"upkeeps":  float64(total),
		"paused":   float64(paused),
		"checks":   float64(e.checks.Load()),
		"triggers": float64(e.triggers.Load()),
		"performs": float64(e.performs.Load()),
		"failures": float64(e.failures.Load()),
	}
}
