package stream

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/sorooshx/tradecore/internal/numeric"
	"github.com/sorooshx/tradecore/internal/schema"
)

// Envelope is the combined-stream wrapper delivered by the multiplexed
// endpoint. Single-stream connections deliver the bare payload instead.
type Envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type depthUpdate struct {
	EventType       string     `json:"e"`
	EventTime       int64      `json:"E"`
	Symbol          string     `json:"s"`
	FirstUpdateID   uint64     `json:"U"`
	FinalUpdateID   uint64     `json:"u"`
	PrevFinalUpdate uint64     `json:"pu"`
	Bids            [][]string `json:"b"`
	Asks            [][]string `json:"a"`
}

type ticker24hr struct {
	EventType      string `json:"e"`
	EventTime      int64  `json:"E"`
	Symbol         string `json:"s"`
	LastPrice      string `json:"c"`
	PriceChange    string `json:"p"`
	PriceChangePct string `json:"P"`
	High           string `json:"h"`
	Low            string `json:"l"`
	BaseVolume     string `json:"v"`
	QuoteVolume    string `json:"q"`
}

type klineEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		Final     bool   `json:"x"`
	} `json:"k"`
}

// DecodeDiff parses a depth diff payload into the canonical form.
func DecodeDiff(data []byte) (schema.BookDiff, error) {
	var payload depthUpdate
	if err := json.Unmarshal(data, &payload); err != nil {
		return schema.BookDiff{}, fmt.Errorf("decode depth update: %w", err)
	}
	bids, err := parseLevels(payload.Bids)
	if err != nil {
		return schema.BookDiff{}, fmt.Errorf("depth bids: %w", err)
	}
	asks, err := parseLevels(payload.Asks)
	if err != nil {
		return schema.BookDiff{}, fmt.Errorf("depth asks: %w", err)
	}
	return schema.BookDiff{
		Symbol:            strings.ToUpper(payload.Symbol),
		FirstUpdateID:     payload.FirstUpdateID,
		FinalUpdateID:     payload.FinalUpdateID,
		PrevFinalUpdateID: payload.PrevFinalUpdate,
		Bids:              bids,
		Asks:              asks,
	}, nil
}

// DecodeTicker parses a 24h ticker payload into the canonical form.
func DecodeTicker(data []byte) (schema.Ticker, error) {
	var payload ticker24hr
	if err := json.Unmarshal(data, &payload); err != nil {
		return schema.Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}
	out := schema.Ticker{
		Symbol:    strings.ToUpper(payload.Symbol),
		Timestamp: time.UnixMilli(payload.EventTime).UTC(),
	}
	var perr error
	out.LastPrice = parseDec(payload.LastPrice, "last price", &perr)
	out.PriceChange = parseDec(payload.PriceChange, "price change", &perr)
	out.PriceChangePct = parseDec(payload.PriceChangePct, "price change pct", &perr)
	out.High = parseDec(payload.High, "high", &perr)
	out.Low = parseDec(payload.Low, "low", &perr)
	out.BaseVolume = parseDec(payload.BaseVolume, "base volume", &perr)
	out.QuoteVolume = parseDec(payload.QuoteVolume, "quote volume", &perr)
	if perr != nil {
		return schema.Ticker{}, perr
	}
	return out, nil
}

// DecodeKline parses a kline payload into the canonical form.
func DecodeKline(data []byte) (schema.Kline, error) {
	var payload klineEvent
	if err := json.Unmarshal(data, &payload); err != nil {
		return schema.Kline{}, fmt.Errorf("decode kline: %w", err)
	}
	out := schema.Kline{
		Symbol:    strings.ToUpper(payload.Symbol),
		Interval:  payload.Kline.Interval,
		OpenTime:  time.UnixMilli(payload.Kline.OpenTime).UTC(),
		CloseTime: time.UnixMilli(payload.Kline.CloseTime).UTC(),
		Final:     payload.Kline.Final,
	}
	var perr error
	out.Open = parseDec(payload.Kline.Open, "open", &perr)
	out.High = parseDec(payload.Kline.High, "high", &perr)
	out.Low = parseDec(payload.Kline.Low, "low", &perr)
	out.Close = parseDec(payload.Kline.Close, "close", &perr)
	out.Volume = parseDec(payload.Kline.Volume, "volume", &perr)
	if perr != nil {
		return schema.Kline{}, perr
	}
	return out, nil
}

// parseDec converts a wire decimal, treating an empty field as zero. The
// first failure wins and is reported through perr.
func parseDec(src, name string, perr *error) decimal.Decimal {
	if strings.TrimSpace(src) == "" {
		return decimal.Decimal{}
	}
	d, ok := numeric.Parse(src)
	if !ok && *perr == nil {
		*perr = fmt.Errorf("invalid %s %q", name, src)
	}
	return d
}

func parseLevels(raw [][]string) ([]schema.PriceLevel, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]schema.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, ok := numeric.Parse(pair[0])
		if !ok {
			return nil, fmt.Errorf("invalid level price %q", pair[0])
		}
		qty, ok := numeric.Parse(pair[1])
		if !ok {
			return nil, fmt.Errorf("invalid level quantity %q", pair[1])
		}
		out = append(out, schema.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
}

// StreamKey builds the subscription key for a symbol and channel, e.g.
// "btcusdt@depth" or "btcusdt@kline_1m".
func StreamKey(symbol, channel string) string {
	return strings.ToLower(symbol) + "@" + channel
}
