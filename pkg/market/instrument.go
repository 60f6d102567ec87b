package market

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Instrument holds the risk parameters of one perpetual market.
type Instrument struct {
	Symbol string

	// MaxLeverage bounds the leverage accepted at open (≥ 1)
	MaxLeverage int64

	// MaintenanceMarginRatio is the margin ratio at or below which a position is liquidated
	MaintenanceMarginRatio decimal.Decimal

	// FeeRate is charged on notional once per leg (open and close)
	FeeRate decimal.Decimal

	// FundingRate is the per-interval fallback when no live rate is available
	FundingRate decimal.Decimal

	// MaxPositions caps concurrent positions per account on this instrument (0 = unlimited)
	MaxPositions int
}

// Validate checks the parameters are usable by the liquidation math.
func (in Instrument) Validate() error {
	if in.Symbol == "" {
		return fmt.Errorf("instrument symbol is empty")
	}
	if in.MaxLeverage < 1 {
		return fmt.Errorf("%s: max leverage %d must be >= 1", in.Symbol, in.MaxLeverage)
	}
	if in.MaintenanceMarginRatio.IsNegative() || in.MaintenanceMarginRatio.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%s: maintenance margin ratio %s out of [0,1)", in.Symbol, in.MaintenanceMarginRatio)
	}
	if in.FeeRate.IsNegative() {
		return fmt.Errorf("%s: negative fee rate", in.Symbol)
	}
	return nil
}

var (
	defaultFeeRate     = decimal.RequireFromString("0.0005")
	defaultFundingRate = decimal.RequireFromString("0.0001")
)

const defaultMaxPositions = 3

// DefaultInstruments is the built-in table used when no instruments file is configured.
func DefaultInstruments() []Instrument {
	mk := func(sym string, lev int64, mmr string) Instrument {
		return Instrument{
			Symbol:                 sym,
			MaxLeverage:            lev,
			MaintenanceMarginRatio: decimal.RequireFromString(mmr),
			FeeRate:                defaultFeeRate,
			FundingRate:            defaultFundingRate,
			MaxPositions:           defaultMaxPositions,
		}
	}
	return []Instrument{
		mk("BTC", 10, "0.05"),
		mk("ETH", 10, "0.05"),
		mk("SOL", 5, "0.10"),
		mk("ARB", 5, "0.10"),
		mk("AVAX", 5, "0.10"),
		mk("LINK", 3, "0.15"),
	}
}

// instrumentsFile is the YAML shape:
//
//	instruments:
//	  BTC: {maxLeverage: 10, maintenanceMarginRatio: 0.05}
//	  DOGE: {maxLeverage: 3, maintenanceMarginRatio: 0.2, feeRate: 0.001}
type instrumentsFile struct {
	Instruments map[string]instrumentEntry `yaml:"instruments"`
}

type instrumentEntry struct {
	MaxLeverage            int64    `yaml:"maxLeverage"`
	MaintenanceMarginRatio float64  `yaml:"maintenanceMarginRatio"`
	FeeRate                *float64 `yaml:"feeRate"`
	FundingRate            *float64 `yaml:"fundingRate"`
	MaxPositions           *int     `yaml:"maxPositions"`
}

// LoadInstruments reads an instrument table from a YAML file. Optional fields
// fall back to the built-in defaults.
func LoadInstruments(path string) ([]Instrument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instruments file: %w", err)
	}
	return ParseInstruments(raw)
}

func ParseInstruments(raw []byte) ([]Instrument, error) {
	var f instrumentsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse instruments: %w", err)
	}
	if len(f.Instruments) == 0 {
		return nil, fmt.Errorf("instruments file defines no instruments")
	}

	out := make([]Instrument, 0, len(f.Instruments))
	for sym, e := range f.Instruments {
		in := Instrument{
			Symbol:                 strings.ToUpper(sym),
			MaxLeverage:            e.MaxLeverage,
			MaintenanceMarginRatio: decimal.NewFromFloat(e.MaintenanceMarginRatio),
			FeeRate:                defaultFeeRate,
			FundingRate:            defaultFundingRate,
			MaxPositions:           defaultMaxPositions,
		}
		if e.FeeRate != nil {
			in.FeeRate = decimal.NewFromFloat(*e.FeeRate)
		}
		if e.FundingRate != nil {
			in.FundingRate = decimal.NewFromFloat(*e.FundingRate)
		}
		if e.MaxPositions != nil {
			in.MaxPositions = *e.MaxPositions
		}
		if err := in.Validate(); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}
