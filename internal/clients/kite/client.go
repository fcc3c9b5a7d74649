// Package kite implements the Zerodha Kite Connect market-data client.
//
// The REST client (Client) covers the three provider operations the
// pipeline needs:
//   - QuoteBatch:  GET /quote, the latest quote per symbol
//   - Historical:  GET /instruments/historical/..., OHLCV candle series
//   - Instruments: GET /instruments, the full metadata dump (CSV)
//
// Every request passes through a shared token-bucket rate limiter, so
// the aggregate request rate of collector, enrichment and evaluator
// tasks stays within the account's API allowance.
package kite

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/karthikm/nsewatch/internal/domain"
)

const defaultBaseURL = "https://api.kite.trade"

// Config holds client credentials and tuning
type Config struct {
	APIKey       string
	AccessToken  string
	BaseURL      string // defaults to the production API
	Timeout      time.Duration
	MaxRetries   int
	MaxReqPerSec float64
}

// Client is the Kite Connect REST client. It implements
// domain.QuoteProvider.
type Client struct {
	http *resty.Client
	rl   *TokenBucket
	log  zerolog.Logger
}

// NewClient creates a rate-limited REST client
func NewClient(cfg Config, log zerolog.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxReqPerSec == 0 {
		cfg.MaxReqPerSec = 3
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("X-Kite-Version", "3").
		SetHeader("Authorization", "token "+cfg.APIKey+":"+cfg.AccessToken)

	return &Client{
		http: httpClient,
		rl:   NewTokenBucket(cfg.MaxReqPerSec, cfg.MaxReqPerSec),
		log:  log.With().Str("component", "kite_client").Logger(),
	}
}

// quoteEnvelope mirrors the /quote response shape
type quoteEnvelope struct {
	Status string               `json:"status"`
	Data   map[string]quoteData `json:"data"`
}

type quoteData struct {
	LastPrice    float64 `json:"last_price"`
	Volume       int64   `json:"volume"`
	OpenInterest int64   `json:"oi"`
	Timestamp    string  `json:"timestamp"`
	OHLC         struct {
		Open  float64 `json:"open"`
		High  float64 `json:"high"`
		Low   float64 `json:"low"`
		Close float64 `json:"close"`
	} `json:"ohlc"`
}

// QuoteBatch returns the latest quote per requested symbol. Symbols
// the exchange does not know are simply absent from the result.
func (c *Client) QuoteBatch(ctx context.Context, symbols []string) (map[string]domain.Quote, error) {
	if len(symbols) == 0 {
		return map[string]domain.Quote{}, nil
	}
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	for _, s := range symbols {
		params.Add("i", s)
	}

	var envelope quoteEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(params).
		SetResult(&envelope).
		Get("/quote")
	if err != nil {
		return nil, fmt.Errorf("quote batch: %w: %v", domain.ErrProviderUnavailable, err)
	}
	if err := c.checkStatus(resp, "quote batch"); err != nil {
		return nil, err
	}

	quotes := make(map[string]domain.Quote, len(envelope.Data))
	for symbol, d := range envelope.Data {
		quotes[symbol] = domain.Quote{
			Timestamp:    parseKiteTime(d.Timestamp),
			Symbol:       symbol,
			LastPrice:    d.LastPrice,
			VolumeToday:  d.Volume,
			OpenInterest: d.OpenInterest,
			DayOpen:      d.OHLC.Open,
			DayHigh:      d.OHLC.High,
			DayLow:       d.OHLC.Low,
			DayClose:     d.OHLC.Close,
		}
	}
	return quotes, nil
}

// kiteIntervals maps candle resolutions to Kite's interval names
var kiteIntervals = map[domain.Interval]string{
	domain.Interval1m:  "minute",
	domain.Interval5m:  "5minute",
	domain.Interval15m: "15minute",
	domain.Interval1d:  "day",
}

type historicalEnvelope struct {
	Status string `json:"status"`
	Data   struct {
		Candles [][]interface{} `json:"candles"`
	} `json:"data"`
}

// Historical returns candles for the instrument token bounded by
// [from, to].
func (c *Client) Historical(ctx context.Context, token int64, interval domain.Interval, from, to time.Time) ([]domain.Candle, error) {
	kiteInterval, ok := kiteIntervals[interval]
	if !ok {
		return nil, fmt.Errorf("unsupported candle interval %q", interval)
	}
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	var envelope historicalEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("from", from.Format("2006-01-02 15:04:05")).
		SetQueryParam("to", to.Format("2006-01-02 15:04:05")).
		SetQueryParam("oi", "1").
		SetResult(&envelope).
		Get(fmt.Sprintf("/instruments/historical/%d/%s", token, kiteInterval))
	if err != nil {
		return nil, fmt.Errorf("historical %d/%s: %w: %v", token, interval, domain.ErrProviderUnavailable, err)
	}
	if err := c.checkStatus(resp, "historical"); err != nil {
		return nil, err
	}

	candles := make([]domain.Candle, 0, len(envelope.Data.Candles))
	for _, raw := range envelope.Data.Candles {
		candle, err := parseCandle(raw)
		if err != nil {
			c.log.Warn().Err(err).Int64("token", token).Msg("Skipping malformed candle")
			continue
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// parseCandle converts Kite's positional candle array:
// [timestamp, open, high, low, close, volume, oi?]
func parseCandle(raw []interface{}) (domain.Candle, error) {
	if len(raw) < 6 {
		return domain.Candle{}, fmt.Errorf("candle has %d fields, want at least 6", len(raw))
	}

	ts, ok := raw[0].(string)
	if !ok {
		return domain.Candle{}, errors.New("candle timestamp is not a string")
	}

	nums := make([]float64, 0, len(raw)-1)
	for _, v := range raw[1:] {
		f, ok := v.(float64)
		if !ok {
			return domain.Candle{}, fmt.Errorf("candle field %v is not numeric", v)
		}
		nums = append(nums, f)
	}

	candle := domain.Candle{
		Timestamp: parseKiteTime(ts),
		Open:      nums[0],
		High:      nums[1],
		Low:       nums[2],
		Close:     nums[3],
		Volume:    int64(nums[4]),
	}
	if len(nums) > 5 {
		candle.OI = int64(nums[5])
	}
	return candle, nil
}

// Instruments downloads and parses the full instrument dump
func (c *Client) Instruments(ctx context.Context) ([]domain.Instrument, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get("/instruments")
	if err != nil {
		return nil, fmt.Errorf("instruments: %w: %v", domain.ErrProviderUnavailable, err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		return nil, c.statusError(resp.StatusCode(), "instruments", "")
	}

	return parseInstrumentsCSV(body)
}

// csv columns of the instrument dump
const (
	colToken = iota
	_        // exchange_token
	colSymbol
	colName
	_ // last_price
	colExpiry
	colStrike
	_ // tick_size
	colLotSize
	colInstrumentType
	_ // segment
	colExchange
	instrumentColumns
)

func parseInstrumentsCSV(r io.Reader) ([]domain.Instrument, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	// Header row
	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("failed to read instrument dump header: %w", err)
	}

	var out []domain.Instrument
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read instrument dump row: %w", err)
		}
		if len(record) < instrumentColumns {
			continue
		}

		token, err := strconv.ParseInt(record[colToken], 10, 64)
		if err != nil {
			continue
		}

		inst := domain.Instrument{
			Token:    token,
			Name:     record[colName],
			Exchange: domain.Exchange(record[colExchange]),
			Symbol:   record[colExchange] + ":" + record[colSymbol],
		}
		inst.Strike, _ = strconv.ParseFloat(record[colStrike], 64)
		inst.LotSize, _ = strconv.ParseInt(record[colLotSize], 10, 64)
		if record[colExpiry] != "" {
			inst.Expiry, _ = time.Parse("2006-01-02", record[colExpiry])
		}

		switch record[colInstrumentType] {
		case "EQ":
			inst.Kind = domain.KindEquity
		case "FUT":
			inst.Kind = domain.KindFuture
		case "CE":
			inst.Kind = domain.KindOption
			inst.OptionType = domain.OptionCall
		case "PE":
			inst.Kind = domain.KindOption
			inst.OptionType = domain.OptionPut
		default:
			inst.Kind = domain.KindIndex
		}
		if inst.IsDerivative() {
			inst.Underlying = record[colName]
		}

		out = append(out, inst)
	}
	return out, nil
}

// checkStatus maps HTTP failures onto the provider error taxonomy
func (c *Client) checkStatus(resp *resty.Response, op string) error {
	if resp.StatusCode() == http.StatusOK {
		return nil
	}
	return c.statusError(resp.StatusCode(), op, resp.String())
}

func (c *Client) statusError(code int, op, body string) error {
	switch {
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		return fmt.Errorf("%s: status %d: %w", op, code, domain.ErrProviderAuth)
	default:
		return fmt.Errorf("%s: status %d %s: %w", op, code, strings.TrimSpace(body), domain.ErrProviderUnavailable)
	}
}

// parseKiteTime handles both timestamp layouts the API emits
func parseKiteTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
