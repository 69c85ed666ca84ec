package feed

import (
	"context"
	"sort"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/errs"
)

// priceLister abstracts the exchange ticker endpoint so tests can
// substitute canned prices.
type priceLister interface {
	listPrices(ctx context.Context, symbols []string) ([]*binance.SymbolPrice, error)
}

type binanceLister struct {
	client *binance.Client
}

func (l binanceLister) listPrices(ctx context.Context, symbols []string) ([]*binance.SymbolPrice, error) {
	return l.client.NewListPricesService().Symbols(symbols).Do(ctx)
}

// BinanceSource is an optional secondary spot price source backed by the
// exchange ticker endpoint. Public market data needs no credentials.
type BinanceSource struct {
	lister  priceLister
	symbols map[string]string // exchange symbol -> pair
	log     zerolog.Logger
}

func NewBinanceSource(cfg config.BinanceConfig) *BinanceSource {
	return &BinanceSource{
		lister:  binanceLister{client: binance.NewClient("", "")},
		symbols: cfg.Symbols,
		log:     config.NewLogger("feed.binance"),
	}
}

func (s *BinanceSource) Name() string     { return "binance" }
func (s *BinanceSource) Kind() SourceKind { return KindPrice }

func (s *BinanceSource) Poll(ctx context.Context) (*Batch, error) {
	if len(s.symbols) == 0 {
		return &Batch{}, nil
	}

	symbols := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	start := time.Now()
	prices, err := s.lister.listPrices(ctx, symbols)
	if err != nil {
		return nil, errs.Upstream("binance ticker", err)
	}
	latency := time.Since(start).Milliseconds()

	now := time.Now()
	batch := &Batch{}
	for _, p := range prices {
		pair, ok := s.symbols[p.Symbol]
		if !ok {
			continue
		}
		d, err := decimal.NewFromString(p.Price)
		if err != nil || d.Sign() <= 0 {
			s.log.Warn().Str("symbol", p.Symbol).Str("price", p.Price).Msg("Unparseable ticker price")
			continue
		}
		batch.Ticks = append(batch.Ticks, PriceTick{
			Pair:          pair,
			PriceE18:      d.Shift(18).BigInt(),
			ConfidencePPM: offchainConfidencePPM,
			Source:        s.Name(),
			ObservedAt:    now,
			LatencyMS:     latency,
		})
	}
	if len(batch.Ticks) == 0 {
		return nil, errs.Upstream("binance returned no usable prices", nil)
	}
	return batch, nil
}
