// Package schema defines the canonical market-data and ledger domain types.
package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is a single resting level on one side of the book.
// A zero quantity inside a diff means "remove this level".
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// BookSnapshot is a full REST depth snapshot for one symbol.
type BookSnapshot struct {
	Symbol       string
	LastUpdateID uint64
	Bids         []PriceLevel
	Asks         []PriceLevel
}

// BookDiff is an incremental depth update. FirstUpdateID/FinalUpdateID map to
// the feed's U/u fields; PrevFinalUpdateID carries pu when present (zero
// otherwise).
type BookDiff struct {
	Symbol            string
	FirstUpdateID     uint64
	FinalUpdateID     uint64
	PrevFinalUpdateID uint64
	Bids              []PriceLevel
	Asks              []PriceLevel
}

// Ticker is a normalised 24h ticker update.
type Ticker struct {
	Symbol         string
	LastPrice      decimal.Decimal
	PriceChange    decimal.Decimal
	PriceChangePct decimal.Decimal
	High           decimal.Decimal
	Low            decimal.Decimal
	BaseVolume     decimal.Decimal
	QuoteVolume    decimal.Decimal
	Timestamp      time.Time
}

// Kline is a normalised candlestick update. Final indicates the interval has
// closed and the bar will not change again.
type Kline struct {
	Symbol    string
	Interval  string
	OpenTime  time.Time
	CloseTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Final     bool
}
