// Command crossyield runs the cross-chain yield rebalancer control
// plane. `serve` runs the full pipeline under the supervisor, `once`
// evaluates a single snapshot+decision+upkeep cycle against mock
// chain backends and prints the outcome, `explain` prints the stored
// reasoning for a past decision or operation.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lowkeylabs/crossyield/internal/agents"
	"github.com/lowkeylabs/crossyield/internal/aggregator"
	"github.com/lowkeylabs/crossyield/internal/alerts"
	"github.com/lowkeylabs/crossyield/internal/api"
	"github.com/lowkeylabs/crossyield/internal/bus"
	"github.com/lowkeylabs/crossyield/internal/chain"
	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/errs"
	"github.com/lowkeylabs/crossyield/internal/feed"
	"github.com/lowkeylabs/crossyield/internal/history"
	"github.com/lowkeylabs/crossyield/internal/httpx"
	"github.com/lowkeylabs/crossyield/internal/metrics"
	"github.com/lowkeylabs/crossyield/internal/orchestrator"
	"github.com/lowkeylabs/crossyield/internal/supervisor"
	"github.com/lowkeylabs/crossyield/internal/upkeep"
	"github.com/lowkeylabs/crossyield/internal/voting"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return errs.ExitConfig
	}

	var err error
	switch args[0] {
	case "serve":
		err = runServe(args[1:])
	case "once":
		err = runOnce(args[1:])
	case "explain":
		err = runExplain(args[1:])
	case "version":
		fmt.Println("crossyield " + config.Version)
		return errs.ExitOK
	case "help", "-h", "--help":
		usage()
		return errs.ExitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		return errs.ExitConfig
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return errs.ExitCode(err)
}

func usage() {
	fmt.Fprint(os.Stderr, `crossyield - autonomous cross-chain yield rebalancer

Usage:
  crossyield serve   [--config path] [--listen addr] [--log-level level]
  crossyield once    [--config path] [--dry-run] [--log-level level]
  crossyield explain --id <decision-or-operation id> [--config path]
  crossyield version

serve runs the control plane until SIGINT/SIGTERM. once evaluates a
single cycle against mock chain backends and prints the decision.
explain prints the recorded reasoning for a past decision.
`)
}

// runServe runs the full control plane until a shutdown signal.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file")
	listen := fs.String("listen", "", "status API listen address (overrides config)")
	logLevel := fs.String("log-level", "", "log level (overrides config)")
	if err := fs.Parse(args); err != nil {
		return errs.Config("%v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}
	if *logLevel != "" {
		cfg.App.LogLevel = *logLevel
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadSecretsFromVault(ctx, cfg, config.GetVaultConfigFromEnv()); err != nil {
		return errs.Config("vault secrets: %v", err)
	}

	cp, err := buildControlPlane(ctx, cfg, planeOptions{})
	if err != nil {
		return err
	}
	defer cp.close()

	if err := cp.supervisor.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cp.updater.Start(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received")
		cp.supervisor.Stop()
		cp.updater.Stop()
		return gctx.Err()
	})

	log.Info().Str("version", config.Version).Str("listen", cp.api.Addr()).
		Msg("crossyield control plane running")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// onceOutput is what the once command prints.
type onceOutput struct {
	Decision *voting.Decision   `json:"decision"`
	Upkeeps  []upkeepResult     `json:"upkeeps,omitempty"`
	History  []history.Record   `json:"history,omitempty"`
	Stats    map[string]float64 `json:"stats,omitempty"`
	Note     string             `json:"note,omitempty"`
}

type upkeepResult struct {
	ID      string   `json:"id"`
	Result  string   `json:"result"`
	Reasons []string `json:"reasons,omitempty"`
}

// runOnce evaluates one snapshot+decision+upkeep cycle. Chain access
// always goes through mock backends so a diagnostic run can never
// submit a transaction; --dry-run additionally bypasses the
// orchestrator and records the decision as a dry run.
func runOnce(args []string) error {
	fs := flag.NewFlagSet("once", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file")
	dryRun := fs.Bool("dry-run", false, "record the decision without executing it")
	logLevel := fs.String("log-level", "", "log level (overrides config)")
	if err := fs.Parse(args); err != nil {
		return errs.Config("%v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.App.LogLevel = *logLevel
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	// Single-shot runs stay self-contained: memory history, no
	// checkpoint writes, fast mock event polling.
	cfg.History.DSN = ""
	cfg.History.Path = ""
	cfg.Upkeep.CheckpointPath = ""
	cfg.Orchestrator.EventPollInterval = 200 * time.Millisecond

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cp, err := buildControlPlane(ctx, cfg, planeOptions{mockChains: true, dryRun: *dryRun})
	if err != nil {
		return err
	}
	defer cp.close()

	for _, c := range []supervisor.Component{cp.feed, cp.aggregator, cp.book, cp.signals, cp.recorder, cp.orch} {
		if err := c.Start(ctx); err != nil {
			return err
		}
		defer c.Stop()
	}

	snap, err := waitForSnapshot(ctx, cp.aggregator, 30*time.Second)
	if err != nil {
		return err
	}

	decision := cp.voting.RunCycle(ctx, snap)
	out := onceOutput{Decision: decision}

	if decision != nil && len(cp.engine.Upkeeps()) > 0 {
		if err := cp.engine.Start(ctx); err != nil {
			return err
		}
		defer cp.engine.Stop()
		out.Upkeeps = waitForUpkeepChecks(ctx, cp.engine, 5*time.Second)
	}

	if recs, err := cp.store.List(ctx, 10); err == nil {
		out.History = recs
	}
	if stats, err := metrics.Snapshot(); err == nil {
		for name, v := range stats {
			if v == 0 {
				delete(stats, name)
			}
		}
		out.Stats = stats
	}
	if decision == nil {
		out.Note = "no decision produced for this snapshot"
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// runExplain prints the stored reasoning for one decision/operation.
func runExplain(args []string) error {
	fs := flag.NewFlagSet("explain", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file")
	idArg := fs.String("id", "", "decision or operation id")
	if err := fs.Parse(args); err != nil {
		return errs.Config("%v", err)
	}
	if *idArg == "" {
		return errs.Config("explain requires --id")
	}
	id, err := uuid.Parse(*idArg)
	if err != nil {
		return errs.Config("invalid id %q: %v", *idArg, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	config.InitLogger("error", cfg.App.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := history.Open(ctx, cfg.History)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.Get(ctx, id)
	if errors.Is(err, history.ErrNotFound) {
		return errs.State("no history record for %s", id)
	}
	if err != nil {
		return err
	}

	printRecord(os.Stdout, rec)
	return nil
}

func printRecord(w io.Writer, rec history.Record) {
	fmt.Fprintf(w, "Decision %s  (recorded %s)\n", rec.ID, rec.RecordedAt.Format(time.RFC3339))
	if rec.OperationID != uuid.Nil {
		fmt.Fprintf(w, "Operation %s\n", rec.OperationID)
	}
	fmt.Fprintf(w, "Outcome: %s\n", rec.Outcome)

	if d := rec.Decision; d != nil {
		fmt.Fprintf(w, "Action: %s\n", d.Action)
		fmt.Fprintf(w, "Consensus: %.1f%%  Confidence: %.1f%%\n",
			float64(d.ConsensusPPM)/10_000, float64(d.ConfidencePPM)/10_000)
		if len(d.Steps) > 0 {
			fmt.Fprintln(w, "Steps:")
			for i, step := range d.Steps {
				fmt.Fprintf(w, "  %d. %s %s  chain %d %s -> chain %d %s (expected %+dbps)\n",
					i+1, step.Amount, step.Token,
					step.FromChain, step.FromPool.Address,
					step.ToChain, step.TargetPool.Address,
					step.ExpectedAPYBps)
			}
		}
		if len(d.Reasoning) > 0 {
			fmt.Fprintln(w, "Reasoning:")
			for _, r := range d.Reasoning {
				fmt.Fprintf(w, "  - %s\n", r)
			}
		}
	}

	if len(rec.Messages) > 0 {
		fmt.Fprintln(w, "Messages:")
		for _, m := range rec.Messages {
			line := fmt.Sprintf("  - %s %s %s %s", m.Route, m.Amount, m.Token, m.State)
			if m.FeeNative != "" {
				line += " (fee " + m.FeeNative + " wei)"
			}
			if m.Reason != "" {
				line += " reason=" + m.Reason
			}
			fmt.Fprintln(w, line)
		}
	}

	if rec.ErrorKind != "" {
		fmt.Fprintf(w, "Error: %s: %s\n", rec.ErrorKind, rec.ErrorReason)
	}
}

func waitForSnapshot(ctx context.Context, agg *aggregator.Service, wait time.Duration) (*aggregator.MarketSnapshot, error) {
	deadline := time.Now().Add(wait)
	for {
		if snap := agg.CurrentSnapshot(); snap != nil {
			return snap, nil
		}
		if time.Now().After(deadline) {
			return nil, errs.Upstream("market_snapshot",
				fmt.Errorf("no market snapshot within %s, check feed sources", wait))
		}
		select {
		case <-ctx.Done():
			return nil, errs.FromContext(ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func waitForUpkeepChecks(ctx context.Context, engine *upkeep.Engine, wait time.Duration) []upkeepResult {
	deadline := time.Now().Add(wait)
	for {
		statuses := engine.Upkeeps()
		checked := true
		for _, st := range statuses {
			if st.Config.Active && st.LastCheck.IsZero() {
				checked = false
			}
		}
		if checked || time.Now().After(deadline) || ctx.Err() != nil {
			results := make([]upkeepResult, 0, len(statuses))
			for _, st := range statuses {
				results = append(results, upkeepResult{
					ID:      st.Config.ID,
					Result:  st.LastResult,
					Reasons: st.LastReasons,
				})
			}
			return results
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// planeOptions select the chain backends and execution path.
type planeOptions struct {
	mockChains bool
	dryRun     bool
}

// controlPlane holds every wired component. serve hands the lifecycle
// to the supervisor; once starts only what a single cycle needs.
type controlPlane struct {
	bus        *bus.Bus
	mirror     *bus.Mirror
	chains     *chain.Manager
	mocks      map[uint64]*chain.MockBackend
	store      history.Store
	feed       *feed.Service
	aggregator *aggregator.Service
	book       *agents.Book
	signals    *agents.SignalAgent
	strategy   *agents.StrategyAgent
	voting     *voting.Coordinator
	orch       *orchestrator.Service
	engine     *upkeep.Engine
	recorder   *history.Recorder
	dispatcher *alerts.Dispatcher
	api        *api.Server
	supervisor *supervisor.Supervisor
	updater    *metrics.Updater
}

// dryRunExecutor satisfies the upkeep engine's executor without
// reaching the orchestrator: the would-be submission lands in history
// as a dry run.
type dryRunExecutor struct {
	store history.Store
}

func (e *dryRunExecutor) Execute(ctx context.Context, req orchestrator.ExecuteRebalanceRequest) (uuid.UUID, error) {
	opID := uuid.New()
	rec := history.Record{
		ID:          req.Decision.ID,
		OperationID: opID,
		Decision:    req.Decision,
		Outcome:     history.OutcomeDryRun,
		RecordedAt:  time.Now().UTC(),
	}
	if err := e.store.Append(ctx, rec); err != nil {
		return uuid.Nil, err
	}
	return opID, nil
}

func buildControlPlane(ctx context.Context, cfg *config.Config, opts planeOptions) (*controlPlane, error) {
	cp := &controlPlane{bus: bus.New()}

	if cfg.NATS.Enabled {
		mirror, err := bus.NewMirror(cfg.NATS, cp.bus)
		if err != nil {
			return nil, err
		}
		mirror.Start(ctx)
		cp.mirror = mirror
	}

	if opts.mockChains {
		cp.chains, cp.mocks = chain.NewMockManager(cfg.Chains)
	} else {
		signerKey, err := config.ResolveWalletKey(cfg)
		if err != nil {
			return nil, errs.Config("resolving wallet key: %v", err)
		}
		chains, err := chain.NewManager(cfg.Chains, signerKey)
		if err != nil {
			return nil, err
		}
		cp.chains = chains
	}

	var cache httpx.Cache
	if cfg.HTTP.UseRedisCache {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = httpx.NewRedisCache(client, cfg.HTTP.CacheTTL)
	} else {
		cache = httpx.NewMemoryCache(cfg.HTTP.CacheTTL, 1024)
	}
	httpClient := httpx.New(cfg.HTTP, cache)

	sources := []feed.Source{
		feed.NewYieldAPISource(httpClient, cfg.Feed.YieldAPI, cfg.Chains),
		feed.NewPriceAPISource(httpClient, cfg.Feed.PriceAPI),
		feed.NewOracleSource(cp.chains, cfg.Feed.Pairs),
	}
	if cfg.Feed.Binance.Enabled {
		sources = append(sources, feed.NewBinanceSource(cfg.Feed.Binance))
	}
	cp.feed = feed.New(cfg.Feed, cp.bus, sources...)
	cp.aggregator = aggregator.New(cfg.Aggregator, cp.feed, cp.bus)

	book, err := agents.NewBook(cfg.Positions, cp.bus)
	if err != nil {
		return nil, err
	}
	cp.book = book

	store, err := history.Open(ctx, cfg.History)
	if err != nil {
		return nil, err
	}
	cp.store = store

	cp.orch = orchestrator.New(cfg.Orchestrator, cp.chains, cp.store, cp.bus)

	fees := orchestrator.NewFeeOracle(cp.chains, cp.aggregator, cfg.Chains)
	cp.signals = agents.NewSignalAgent(cfg.Signals, cfg.Chains, cp.bus)
	cp.strategy = agents.NewStrategyAgent(cfg.Strategy, fees, cp.book, cp.feed)
	cp.voting = voting.New(cfg.Voting, cp.bus, cp.signals, cp.strategy, cp.book)

	var exec upkeep.Executor = cp.orch
	if opts.dryRun {
		exec = &dryRunExecutor{store: cp.store}
	}
	engine, err := upkeep.New(cfg.Upkeep, cp.chains, cfg.Chains, cp.aggregator, cp.voting, exec, cp.bus)
	if err != nil {
		return nil, err
	}
	cp.engine = engine

	cp.recorder = history.NewRecorder(cp.store, cp.bus)

	alertManager, err := alerts.FromConfig(cfg.Alerts)
	if err != nil {
		return nil, err
	}
	cp.dispatcher = alerts.NewDispatcher(alertManager, cp.bus)

	cp.api = api.NewServer(cfg.API, api.Sources{
		Market:    cp.aggregator,
		Decisions: cp.voting,
		History:   cp.store,
		Messages:  cp.orch,
		Upkeeps:   cp.engine,
		Bus:       cp.bus,
	})

	cp.supervisor = supervisor.New(cfg.Supervisor, cp.bus,
		cp.api,
		cp.feed,
		cp.aggregator,
		cp.book,
		cp.signals,
		cp.recorder,
		cp.dispatcher,
		cp.voting,
		cp.engine,
		cp.orch,
	)
	cp.api.SetHealth(cp.supervisor)

	cp.updater = metrics.NewUpdater(30*time.Second,
		cp.bus, cp.feed, cp.aggregator, cp.voting, cp.orch, cp.engine,
		cp.recorder, cp.dispatcher, cp.supervisor,
	)
	return cp, nil
}

func (cp *controlPlane) close() {
	if cp.mirror != nil {
		cp.mirror.Close()
	}
	if cp.store != nil {
		if err := cp.store.Close(); err != nil {
			log.Warn().Err(err).Msg("closing history store")
		}
	}
	if cp.chains != nil {
		cp.chains.Close()
	}
	cp.bus.Close()
}
