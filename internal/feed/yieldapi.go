package feed

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/errs"
	"github.com/lowkeylabs/crossyield/internal/httpx"
)

// defaultPoolConfidencePPM is assigned to yield observations. The API
// aggregates indexer data without a freshness proof, so pools score
// below a fresh oracle round but above the discard floor.
const defaultPoolConfidencePPM = 950_000

// YieldAPISource polls an off-chain yield aggregator for pool APRs and
// TVL, plus per-protocol TVL history charts.
type YieldAPISource struct {
	http      *httpx.Client
	cfg       config.YieldAPIConfig
	log       zerolog.Logger
	protocols map[string]bool   // allowed project slugs, lowercase; empty allows all
	chainIDs  map[string]uint64 // API chain name, lowercase -> chain id
}

func NewYieldAPISource(client *httpx.Client, cfg config.YieldAPIConfig, chains []config.ChainConfig) *YieldAPISource {
	s := &YieldAPISource{
		http:      client,
		cfg:       cfg,
		log:       config.NewLogger("feed.yield"),
		protocols: make(map[string]bool, len(cfg.Protocols)),
		chainIDs:  make(map[string]uint64, len(chains)),
	}
	for _, p := range cfg.Protocols {
		s.protocols[strings.ToLower(p)] = true
	}
	for _, c := range chains {
		s.chainIDs[strings.ToLower(c.Name)] = c.ChainID
	}
	return s
}

func (s *YieldAPISource) Name() string     { return "yield_api" }
func (s *YieldAPISource) Kind() SourceKind { return KindYield }

type yieldPool struct {
	Chain          string  `json:"chain"`
	Project        string  `json:"project"`
	Symbol         string  `json:"symbol"`
	Pool           string  `json:"pool"`
	APY            float64 `json:"apy"`
	TVLUsd         float64 `json:"tvlUsd"`
	TotalSupplyUsd float64 `json:"totalSupplyUsd"`
	TotalBorrowUsd float64 `json:"totalBorrowUsd"`
}

type yieldResponse struct {
	Status string      `json:"status"`
	Data   []yieldPool `json:"data"`
}

type chartRow struct {
	Timestamp         int64   `json:"timestamp"`
	TotalLiquidityUSD float64 `json:"totalLiquidityUSD"`
}

// Poll fetches the pool listing, keeps pools on configured chains and
// protocols, and refreshes the TVL chart for each configured protocol.
// Chart fetch failures degrade to a log line; the pool listing is the
// poll's success criterion.
func (s *YieldAPISource) Poll(ctx context.Context) (*Batch, error) {
	var resp yieldResponse
	if err := s.http.GetJSON(ctx, s.cfg.BaseURL+"/pools", &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errs.Upstream("yield api returned no pools", nil)
	}

	now := time.Now()
	batch := &Batch{}
	for _, p := range resp.Data {
		chainID, ok := s.chainIDs[strings.ToLower(p.Chain)]
		if !ok {
			continue
		}
		if len(s.protocols) > 0 && !s.protocols[strings.ToLower(p.Project)] {
			continue
		}
		if p.TVLUsd <= 0 || p.Pool == "" {
			continue
		}
		batch.Pools = append(batch.Pools, PoolSnapshot{
			Key: PoolKey{
				ChainID:  chainID,
				Protocol: NormalizeProtocol(p.Project),
				Address:  p.Pool,
			},
			Token:          strings.ToUpper(p.Symbol),
			APRBps:         int32(math.Round(p.APY * 100)),
			TVL:            usdMicro(p.TVLUsd),
			UtilizationBps: utilizationBps(p.TotalBorrowUsd, p.TotalSupplyUsd),
			ConfidencePPM:  defaultPoolConfidencePPM,
			ObservedAt:     now,
		})
	}

	for _, proto := range s.cfg.Protocols {
		points, err := s.chart(ctx, proto)
		if err != nil {
			s.log.Warn().Err(err).Str("protocol", proto).Msg("TVL chart fetch failed")
			continue
		}
		if batch.Charts == nil {
			batch.Charts = make(map[string][]ChartPoint)
		}
		batch.Charts[strings.ToLower(proto)] = points
	}
	return batch, nil
}

func (s *YieldAPISource) chart(ctx context.Context, protocol string) ([]ChartPoint, error) {
	var rows []chartRow
	url := fmt.Sprintf("%s/charts/%s", s.cfg.BaseURL, strings.ToLower(protocol))
	if err := s.http.GetJSON(ctx, url, &rows); err != nil {
		return nil, err
	}
	points := make([]ChartPoint, 0, len(rows))
	for _, r := range rows {
		if r.Timestamp <= 0 {
			continue
		}
		points = append(points, ChartPoint{
			Timestamp: time.Unix(r.Timestamp, 0).UTC(),
			TVLUSD:    r.TotalLiquidityUSD,
		})
	}
	return points, nil
}

// usdMicro converts a USD float into micro-USD integer units.
func usdMicro(usd float64) *big.Int {
	return big.NewInt(int64(math.Round(usd * 1e6)))
}

func utilizationBps(borrowUsd, supplyUsd float64) int32 {
	if supplyUsd <= 0 || borrowUsd <= 0 {
		return 0
	}
	u := borrowUsd / supplyUsd * 10_000
	if u > 10_000 {
		u = 10_000
	}
	return int32(math.Round(u))
}
