package feed

import (
	"context"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"github.com/lowkeylabs/crossyield/internal/chain"
	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/errs"
)

// agePenaltyPPMPerHour derates oracle rounds by age. A fresh round
// scores 1_000_000 ppm and loses 50_000 ppm per hour, so a round at the
// one hour staleness limit sits exactly at the 950_000 confidence floor.
const agePenaltyPPMPerHour = 50_000

// OracleSource reads on-chain price aggregators and gas prices through
// the chain layer. Each poll covers every configured pair plus one gas
// observation per connected chain.
type OracleSource struct {
	chains *chain.Manager
	pairs  []config.OraclePairConfig
	log    zerolog.Logger
}

func NewOracleSource(chains *chain.Manager, pairs []config.OraclePairConfig) *OracleSource {
	return &OracleSource{
		chains: chains,
		pairs:  pairs,
		log:    config.NewLogger("feed.oracle"),
	}
}

func (s *OracleSource) Name() string     { return "oracle" }
func (s *OracleSource) Kind() SourceKind { return KindOracle }

// Poll reads every configured aggregator round and the current gas price
// of each connected chain. Individual read failures are logged and
// skipped; the poll as a whole fails only when nothing was readable.
func (s *OracleSource) Poll(ctx context.Context) (*Batch, error) {
	batch := &Batch{Gas: make(map[uint64]*big.Int)}
	now := time.Now()
	failures := 0

	for _, p := range s.pairs {
		backend, err := s.chains.Backend(p.ChainID)
		if err != nil {
			failures++
			s.log.Warn().Err(err).Uint64("chain_id", p.ChainID).Str("pair", p.Pair).Msg("No backend for oracle pair")
			continue
		}
		start := time.Now()
		round, err := backend.LatestRoundData(ctx, p.AggregatorAddress)
		if err != nil {
			failures++
			s.log.Warn().Err(err).Str("pair", p.Pair).Msg("Oracle round read failed")
			continue
		}
		batch.Ticks = append(batch.Ticks, PriceTick{
			Pair:          p.Pair,
			ChainID:       p.ChainID,
			PriceE18:      scaleE18(round.Answer, round.Decimals),
			ConfidencePPM: oracleConfidence(round.UpdatedAt, now),
			Source:        s.Name(),
			ObservedAt:    round.UpdatedAt,
			LatencyMS:     time.Since(start).Milliseconds(),
		})
	}

	for _, id := range s.chains.ChainIDs() {
		backend, err := s.chains.Backend(id)
		if err != nil {
			continue
		}
		gas, err := backend.GasPrice(ctx)
		if err != nil {
			s.log.Warn().Err(err).Uint64("chain_id", id).Msg("Gas price read failed")
			continue
		}
		batch.Gas[id] = gas
	}

	if len(batch.Ticks) == 0 && len(batch.Gas) == 0 && failures > 0 {
		return nil, errs.Upstream("all oracle reads failed", nil)
	}
	return batch, nil
}

// scaleE18 rescales an aggregator answer with the given decimals onto
// the fixed 1e18 price scale.
func scaleE18(answer *big.Int, decimals uint8) *big.Int {
	v := new(big.Int).Set(answer)
	switch {
	case decimals < 18:
		v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-decimals)), nil))
	case decimals > 18:
		v.Quo(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-18)), nil))
	}
	return v
}

func oracleConfidence(updatedAt, now time.Time) int64 {
	age := now.Sub(updatedAt)
	if age <= 0 {
		return 1_000_000
	}
	penalty := int64(age.Seconds()) * agePenaltyPPMPerHour / 3600
	if penalty >= 1_000_000 {
		return 0
	}
	return 1_000_000 - penalty
}
