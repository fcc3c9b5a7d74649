// Package domain provides core domain models and types.
package domain

import "time"

// Exchange represents a market exchange segment
type Exchange string

const (
	ExchangeNSE Exchange = "NSE" // Equity and index segment
	ExchangeNFO Exchange = "NFO" // Futures and options segment
)

// InstrumentKind represents the type of tradeable instrument
type InstrumentKind string

const (
	KindEquity InstrumentKind = "EQUITY"
	KindIndex  InstrumentKind = "INDEX"
	KindFuture InstrumentKind = "FUTURE"
	KindOption InstrumentKind = "OPTION"
)

// OptionType is the option leg type (calls or puts)
type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

// Instrument is an immutable market instrument identifier.
// Options and futures reference their underlying via Underlying.
type Instrument struct {
	Expiry     time.Time      `json:"expiry,omitempty"` // Zero for equity/index
	Symbol     string         `json:"symbol"`           // e.g. "NSE:RELIANCE"
	Name       string         `json:"name"`
	Underlying string         `json:"underlying,omitempty"`
	Exchange   Exchange       `json:"exchange"`
	Kind       InstrumentKind `json:"kind"`
	OptionType OptionType     `json:"option_type,omitempty"`
	Token      int64          `json:"token"` // Provider instrument token
	LotSize    int64          `json:"lot_size,omitempty"`
	Strike     float64        `json:"strike,omitempty"`
}

// IsDerivative returns true for instruments that carry open interest
func (i Instrument) IsDerivative() bool {
	return i.Kind == KindFuture || i.Kind == KindOption
}

// Quote is a snapshot of an instrument at a wall-clock instant.
// All numeric fields are non-negative; Timestamp is monotonically
// non-decreasing per instrument within a session.
type Quote struct {
	Timestamp    time.Time `json:"timestamp"`
	Symbol       string    `json:"symbol"`
	LastPrice    float64   `json:"last_price"`
	VolumeToday  int64     `json:"volume_today"`
	OpenInterest int64     `json:"open_interest,omitempty"`
	DayOpen      float64   `json:"day_open"`
	DayHigh      float64   `json:"day_high"`
	DayLow       float64   `json:"day_low"`
	DayClose     float64   `json:"day_close"` // Previous session close
}

// ChangePct returns the percentage change of the last price from the
// previous session close. Returns 0 when no previous close is known.
func (q Quote) ChangePct() float64 {
	if q.DayClose == 0 {
		return 0
	}
	return (q.LastPrice - q.DayClose) / q.DayClose * 100
}

// Interval identifies a candle resolution. Wire-stable identifiers.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1d  Interval = "1d"
)

// Duration returns the bucket width of the interval
func (iv Interval) Duration() time.Duration {
	switch iv {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval1d:
		return 24 * time.Hour
	}
	return 0
}

// Candle is an OHLCV bar over a bounded interval.
// Invariant: Low <= Open, Close <= High; Volume >= 0; Timestamp is the
// bucket start, aligned to the interval.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
	OI        int64     `json:"oi,omitempty"`
}
