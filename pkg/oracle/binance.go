package oracle

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

// BinanceConfig configures the USDⓈ-M futures premium index source.
type BinanceConfig struct {
	BaseURL     string        // empty = SDK default
	QuoteAsset  string        // appended to the instrument symbol, default USDT
	HTTPTimeout time.Duration // default 5s
}

// Binance reads mark prices and last funding rates from the premium index
// endpoint. It needs no API key.
type Binance struct {
	client *futures.Client
	quote  string
}

func NewBinance(cfg BinanceConfig) *Binance {
	client := futures.NewClient("", "")
	if cfg.BaseURL != "" {
		client.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}

	quote := strings.ToUpper(cfg.QuoteAsset)
	if quote == "" {
		quote = "USDT"
	}
	return &Binance{client: client, quote: quote}
}

// Symbol maps an instrument ("btc") to the exchange pair ("BTCUSDT").
func (b *Binance) Symbol(instrument string) string {
	return strings.ToUpper(strings.TrimSpace(instrument)) + b.quote
}

func (b *Binance) premiumIndex(ctx context.Context, instrument string) (*futures.PremiumIndex, error) {
	symbol := b.Symbol(instrument)
	res, err := b.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("premium index %s: %w", symbol, err)
	}
	for _, entry := range res {
		if entry != nil && strings.EqualFold(entry.Symbol, symbol) {
			return entry, nil
		}
	}
	return nil, fmt.Errorf("%w: %s not in premium index response", ErrNoPrice, symbol)
}

func (b *Binance) MarkPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	entry, err := b.premiumIndex(ctx, instrument)
	if err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(entry.MarkPrice)
	if err != nil || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: bad mark price %q for %s", ErrNoPrice, entry.MarkPrice, entry.Symbol)
	}
	return price, nil
}

func (b *Binance) FundingRate(ctx context.Context, instrument string) (decimal.Decimal, error) {
	entry, err := b.premiumIndex(ctx, instrument)
	if err != nil {
		return decimal.Zero, err
	}
	rate, err := decimal.NewFromString(entry.LastFundingRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad funding rate %q for %s: %w", entry.LastFundingRate, entry.Symbol, err)
	}
	return rate, nil
}
