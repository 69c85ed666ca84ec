package agents

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lowkeylabs/crossyield/internal/bus"
	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/errs"
	"github.com/lowkeylabs/crossyield/internal/feed"
)

// StepCarrier is implemented by bus payloads that report executed
// reallocation steps. The book applies them without knowing who
// produced the report.
type StepCarrier interface {
	RebalancedSteps() []ReallocationStep
}

// Book tracks the managed allocations. It is seeded from config and
// kept current by applying the steps of completed rebalances.
type Book struct {
	log zerolog.Logger
	bus *bus.Bus

	mu        sync.RWMutex
	positions map[string]Position

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBook(seeds []config.PositionConfig, b *bus.Bus) (*Book, error) {
	positions := make(map[string]Position, len(seeds))
	for _, s := range seeds {
		amount, ok := new(big.Int).SetString(s.Amount, 10)
		if !ok {
			return nil, errs.Config("position %s/%s has invalid amount %q", s.User, s.Address, s.Amount)
		}
		if s.User == "" || s.ChainID == 0 || s.Address == "" {
			return nil, errs.Config("position missing user, chain_id or address")
		}
		pool := feed.PoolKey{
			ChainID:  s.ChainID,
			Protocol: feed.NormalizeProtocol(s.Protocol),
			Address:  strings.ToLower(s.Address),
		}
		p := Position{
			User:   s.User,
			Pool:   pool,
			Token:  strings.ToUpper(s.Token),
			Amount: amount,
		}
		positions[positionKey(p.User, pool)] = p
	}
	return &Book{
		log:       config.NewLogger("positions"),
		bus:       b,
		positions: positions,
	}, nil
}

// Start applies completed rebalances to the book as they are reported.
func (b *Book) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)
	sub := b.bus.Subscribe(bus.TopicRebalanceCompleted)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.C():
				if carrier, ok := ev.Payload.(StepCarrier); ok {
					b.Apply(carrier.RebalancedSteps())
				}
			}
		}
	}()
	return nil
}

func (b *Book) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

// Name identifies the book to the supervisor.
func (b *Book) Name() string { return "positions" }

// Positions returns the current allocations sorted by user and pool.
func (b *Book) Positions(_ context.Context) ([]Position, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, Position{
			User:   p.User,
			Pool:   p.Pool,
			Token:  p.Token,
			Amount: new(big.Int).Set(p.Amount),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].User != out[j].User {
			return out[i].User < out[j].User
		}
		return out[i].Pool.String() < out[j].Pool.String()
	})
	return out, nil
}

// Apply moves each executed step's amount from its source position to
// the target pool, creating the target position if needed. A step that
// names an unknown source is logged and skipped; the move can never
// take more than the source holds.
func (b *Book) Apply(steps []ReallocationStep) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, step := range steps {
		if step.Amount == nil || step.Amount.Sign() <= 0 {
			continue
		}
		srcKey := positionKey(step.User, step.FromPool)
		src, ok := b.positions[srcKey]
		if !ok {
			b.log.Warn().Str("user", step.User).Str("pool", step.FromPool.String()).Msg("completed step names unknown position")
			continue
		}

		moved := new(big.Int).Set(step.Amount)
		if moved.Cmp(src.Amount) > 0 {
			moved.Set(src.Amount)
		}

		src.Amount = new(big.Int).Sub(src.Amount, moved)
		if src.Amount.Sign() == 0 {
			delete(b.positions, srcKey)
		} else {
			b.positions[srcKey] = src
		}

		dstKey := positionKey(step.User, step.TargetPool)
		if dst, ok := b.positions[dstKey]; ok {
			dst.Amount = new(big.Int).Add(dst.Amount, moved)
			b.positions[dstKey] = dst
		} else {
			b.positions[dstKey] = Position{
				User:   step.User,
				Pool:   step.TargetPool,
				Token:  step.Token,
				Amount: moved,
			}
		}

		b.log.Info().
			Str("user", step.User).
			Str("from", step.FromPool.String()).
			Str("to", step.TargetPool.String()).
			Str("amount", moved.String()).
			Msg("position moved")
	}
}

func positionKey(user string, pool feed.PoolKey) string {
	return user + "|" + pool.String()
}
