package feed

import (
	"context"
	"math/big"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/errs"
	"github.com/lowkeylabs/crossyield/internal/httpx"
)

// offchainConfidencePPM is assigned to off-chain spot prices. They are
// fresh but unattested, so they score between yield observations and a
// fresh oracle round.
const offchainConfidencePPM = 990_000

// PriceAPISource polls an off-chain simple-price endpoint for USD spot
// prices of configured assets.
type PriceAPISource struct {
	http *httpx.Client
	cfg  config.PriceAPIConfig
	log  zerolog.Logger
}

func NewPriceAPISource(client *httpx.Client, cfg config.PriceAPIConfig) *PriceAPISource {
	return &PriceAPISource{
		http: client,
		cfg:  cfg,
		log:  config.NewLogger("feed.price"),
	}
}

func (s *PriceAPISource) Name() string     { return "offchain" }
func (s *PriceAPISource) Kind() SourceKind { return KindPrice }

// Poll fetches USD quotes for every configured asset in one request.
// The response maps asset ids to quote fields, with last_updated_at
// carried alongside the price when the API provides it.
func (s *PriceAPISource) Poll(ctx context.Context) (*Batch, error) {
	if len(s.cfg.Assets) == 0 {
		return &Batch{}, nil
	}

	ids := make([]string, 0, len(s.cfg.Assets))
	for id := range s.cfg.Assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	q.Set("include_last_updated_at", "true")
	if s.cfg.APIKey != "" {
		q.Set("x_cg_pro_api_key", s.cfg.APIKey)
	}

	start := time.Now()
	var quotes map[string]map[string]float64
	if err := s.http.GetJSON(ctx, s.cfg.BaseURL+"/simple/price?"+q.Encode(), &quotes); err != nil {
		return nil, err
	}
	latency := time.Since(start).Milliseconds()

	now := time.Now()
	batch := &Batch{}
	for _, id := range ids {
		quote, ok := quotes[id]
		if !ok {
			s.log.Debug().Str("asset", id).Msg("Asset missing from price response")
			continue
		}
		usd, ok := quote["usd"]
		if !ok || usd <= 0 {
			continue
		}
		observedAt := now
		if ts, ok := quote["last_updated_at"]; ok && ts > 0 {
			observedAt = time.Unix(int64(ts), 0).UTC()
		}
		batch.Ticks = append(batch.Ticks, PriceTick{
			Pair:          s.cfg.Assets[id],
			PriceE18:      usdToE18(usd),
			ConfidencePPM: offchainConfidencePPM,
			Source:        s.Name(),
			ObservedAt:    observedAt,
			LatencyMS:     latency,
		})
	}
	if len(batch.Ticks) == 0 {
		return nil, errs.Upstream("price api returned no usable quotes", nil)
	}
	return batch, nil
}

// usdToE18 converts a USD quote into the fixed 1e18 price scale without
// accumulating float error beyond the quote itself.
func usdToE18(usd float64) *big.Int {
	return decimal.NewFromFloat(usd).Shift(18).BigInt()
}
