package rates

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownAsset = errors.New("unknown asset")
	ErrBelowMinimum = errors.New("amount below minimum")
	ErrAboveMaximum = errors.New("amount above maximum")
	ErrMissingSpot  = errors.New("spot price required")
)

// Direction is seen from the user: Sell converts an asset into local currency,
// Buy converts local currency into the asset.
type Direction string

const (
	Sell Direction = "sell"
	Buy  Direction = "buy"
)

// Mode is the pricing mode an asset is quoted under.
type Mode string

const (
	ModeFixedTier    Mode = "fixed_tier"
	ModeMarketMargin Mode = "market_margin"
	ModeFixedRate    Mode = "fixed_rate"
)

// Tier is one pricing band: applicable when the requested USD amount falls in
// [Min, Max].
type Tier struct {
	Min  decimal.Decimal
	Max  decimal.Decimal
	Rate decimal.Decimal
}

// TierTable holds the per-direction bands for a fixed-tier asset, sorted
// ascending by Min.
type TierTable struct {
	Sell []Tier
	Buy  []Tier
}

// MarketSpec prices a volatile asset off an external spot price:
// local = spot * amount * margin, margin < 1 for sell and > 1 for buy.
type MarketSpec struct {
	SellMargin decimal.Decimal
	BuyMargin  decimal.Decimal
	MinAmount  decimal.Decimal
	MaxAmount  decimal.Decimal
}

// FixedSpec prices a stablecoin at a flat per-direction rate.
type FixedSpec struct {
	SellRate  decimal.Decimal
	BuyRate   decimal.Decimal
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
}

type Config struct {
	Tiered map[string]TierTable
	Market map[string]MarketSpec
	Fixed  map[string]FixedSpec
}

// Engine computes exchange amounts. Pure: no state, no I/O; spot prices for
// market-margin assets are supplied by the caller from the price oracle.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Quote is one computed conversion.
type Quote struct {
	Asset       string          `json:"asset"`
	Direction   Direction       `json:"direction"`
	Mode        Mode            `json:"mode"`
	Rate        decimal.Decimal `json:"rate"`
	LocalAmount decimal.Decimal `json:"local_amount"`
}

// Quote dispatches to the pricing mode the asset is configured under.
// spotPrice is only consulted for market-margin assets.
func (e *Engine) Quote(asset string, dir Direction, amount, spotPrice decimal.Decimal) (Quote, error) {
	if _, ok := e.cfg.Tiered[asset]; ok {
		return e.QuoteTiered(asset, dir, amount)
	}
	if _, ok := e.cfg.Market[asset]; ok {
		return e.QuoteMarket(asset, dir, amount, spotPrice)
	}
	if _, ok := e.cfg.Fixed[asset]; ok {
		return e.QuoteFixed(asset, dir, amount)
	}
	return Quote{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
}

// QuoteTiered prices a fixed-tier asset (PayPal/Skrill balance) for a USD
// amount.
func (e *Engine) QuoteTiered(asset string, dir Direction, usdAmount decimal.Decimal) (Quote, error) {
	table, ok := e.cfg.Tiered[asset]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}

	tiers := table.Sell
	if dir == Buy {
		tiers = table.Buy
	}

	tier, err := findTier(tiers, usdAmount)
	if err != nil {
		return Quote{}, err
	}

	return Quote{
		Asset:       asset,
		Direction:   dir,
		Mode:        ModeFixedTier,
		Rate:        tier.Rate,
		LocalAmount: usdAmount.Mul(tier.Rate).RoundBank(0),
	}, nil
}

// QuoteMarket prices a volatile asset off the supplied spot price.
func (e *Engine) QuoteMarket(asset string, dir Direction, coinAmount, spotPrice decimal.Decimal) (Quote, error) {
	spec, ok := e.cfg.Market[asset]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	if !spotPrice.IsPositive() {
		return Quote{}, ErrMissingSpot
	}
	if coinAmount.LessThan(spec.MinAmount) {
		return Quote{}, fmt.Errorf("%w: %s %s < %s", ErrBelowMinimum, coinAmount, asset, spec.MinAmount)
	}
	if coinAmount.GreaterThan(spec.MaxAmount) {
		return Quote{}, fmt.Errorf("%w: %s %s > %s", ErrAboveMaximum, coinAmount, asset, spec.MaxAmount)
	}

	margin := spec.SellMargin
	if dir == Buy {
		margin = spec.BuyMargin
	}
	rate := spotPrice.Mul(margin)

	return Quote{
		Asset:       asset,
		Direction:   dir,
		Mode:        ModeMarketMargin,
		Rate:        rate,
		LocalAmount: coinAmount.Mul(rate).RoundBank(0),
	}, nil
}

// QuoteFixed prices a stablecoin at its flat configured rate.
func (e *Engine) QuoteFixed(asset string, dir Direction, amount decimal.Decimal) (Quote, error) {
	spec, ok := e.cfg.Fixed[asset]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	if amount.LessThan(spec.MinAmount) {
		return Quote{}, fmt.Errorf("%w: %s %s < %s", ErrBelowMinimum, amount, asset, spec.MinAmount)
	}
	if amount.GreaterThan(spec.MaxAmount) {
		return Quote{}, fmt.Errorf("%w: %s %s > %s", ErrAboveMaximum, amount, asset, spec.MaxAmount)
	}

	rate := spec.SellRate
	if dir == Buy {
		rate = spec.BuyRate
	}

	return Quote{
		Asset:       asset,
		Direction:   dir,
		Mode:        ModeFixedRate,
		Rate:        rate,
		LocalAmount: amount.Mul(rate).RoundBank(0),
	}, nil
}

func findTier(tiers []Tier, amount decimal.Decimal) (Tier, error) {
	if len(tiers) == 0 {
		return Tier{}, ErrUnknownAsset
	}
	if amount.LessThan(tiers[0].Min) {
		return Tier{}, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amount, tiers[0].Min)
	}
	for _, t := range tiers {
		if amount.GreaterThanOrEqual(t.Min) && amount.LessThanOrEqual(t.Max) {
			return t, nil
		}
	}
	return Tier{}, fmt.Errorf("%w: %s > %s", ErrAboveMaximum, amount, tiers[len(tiers)-1].Max)
}

// Validate checks structural soundness: contiguous sorted bands, positive
// rates, margins on the correct side of 1, and monotonic tier improvement —
// a larger amount never gets a worse per-unit rate for the user. For sell the
// user receives rate per unit (rates non-decreasing); for buy the user pays
// rate per unit (rates non-increasing).
func (c Config) Validate() error {
	for asset, table := range c.Tiered {
		if err := validateTiers(asset, "sell", table.Sell, true); err != nil {
			return err
		}
		if err := validateTiers(asset, "buy", table.Buy, false); err != nil {
			return err
		}
	}
	for asset, spec := range c.Market {
		if !spec.SellMargin.IsPositive() || spec.SellMargin.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("market %s: sell margin %s must be in (0,1)", asset, spec.SellMargin)
		}
		if spec.BuyMargin.LessThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("market %s: buy margin %s must be > 1", asset, spec.BuyMargin)
		}
	}
	for asset, spec := range c.Fixed {
		if !spec.SellRate.IsPositive() || !spec.BuyRate.IsPositive() {
			return fmt.Errorf("fixed %s: rates must be positive", asset)
		}
	}
	return nil
}

func validateTiers(asset, dir string, tiers []Tier, rateAscending bool) error {
	if len(tiers) == 0 {
		return fmt.Errorf("tiered %s: no %s tiers", asset, dir)
	}
	for i, t := range tiers {
		if !t.Rate.IsPositive() {
			return fmt.Errorf("tiered %s %s[%d]: rate must be positive", asset, dir, i)
		}
		if t.Max.LessThan(t.Min) {
			return fmt.Errorf("tiered %s %s[%d]: max %s < min %s", asset, dir, i, t.Max, t.Min)
		}
		if i == 0 {
			continue
		}
		prev := tiers[i-1]
		if t.Min.LessThanOrEqual(prev.Max) {
			return fmt.Errorf("tiered %s %s[%d]: overlaps previous band", asset, dir, i)
		}
		if rateAscending && t.Rate.LessThan(prev.Rate) {
			return fmt.Errorf("tiered %s %s[%d]: rate %s worse than smaller band %s", asset, dir, i, t.Rate, prev.Rate)
		}
		if !rateAscending && t.Rate.GreaterThan(prev.Rate) {
			return fmt.Errorf("tiered %s %s[%d]: rate %s worse than smaller band %s", asset, dir, i, t.Rate, prev.Rate)
		}
	}
	return nil
}

// DefaultConfig returns the production pricing table.
func DefaultConfig() Config {
	d := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }

	paypalSkrill := TierTable{
		Sell: []Tier{
			{Min: d("20"), Max: d("99.99"), Rate: d("15200")},
			{Min: d("100"), Max: d("499.99"), Rate: d("15350")},
			{Min: d("500"), Max: d("2499.99"), Rate: d("15500")},
			{Min: d("2500"), Max: d("10000"), Rate: d("15650")},
		},
		Buy: []Tier{
			{Min: d("20"), Max: d("99.99"), Rate: d("16400")},
			{Min: d("100"), Max: d("499.99"), Rate: d("16300")},
			{Min: d("500"), Max: d("2499.99"), Rate: d("16200")},
			{Min: d("2500"), Max: d("10000"), Rate: d("16100")},
		},
	}

	return Config{
		Tiered: map[string]TierTable{
			"paypal": paypalSkrill,
			"skrill": paypalSkrill,
		},
		Market: map[string]MarketSpec{
			"BTC": {SellMargin: d("0.97"), BuyMargin: d("1.03"), MinAmount: d("0.0005"), MaxAmount: d("5")},
			"ETH": {SellMargin: d("0.97"), BuyMargin: d("1.03"), MinAmount: d("0.01"), MaxAmount: d("100")},
		},
		Fixed: map[string]FixedSpec{
			"USDT": {SellRate: d("15400"), BuyRate: d("16100"), MinAmount: d("10"), MaxAmount: d("50000")},
			"USDC": {SellRate: d("15400"), BuyRate: d("16100"), MinAmount: d("10"), MaxAmount: d("50000")},
		},
	}
}
