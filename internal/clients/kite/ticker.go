package kite

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/karthikm/nsewatch/internal/domain"
)

const (
	tickerURL = "wss://ws.kite.trade"

	tickerWriteWait  = 10 * time.Second
	tickerDialWait   = 30 * time.Second
	baseRedialDelay  = 5 * time.Second
	maxRedialDelay   = 5 * time.Minute
	quotePacketBytes = 44
)

// Ticker streams live quotes over the Kite websocket feed. It is an
// optional supplement to REST polling: ticks land in the Quotes
// channel and the collector folds them into the cache, but the minute
// poll remains the source of truth.
type Ticker struct {
	apiKey      string
	accessToken string
	tokens      []int64
	symbolFor   func(token int64) (string, bool)
	log         zerolog.Logger

	quotes chan domain.Quote

	mu       sync.Mutex
	conn     *websocket.Conn
	stopped  bool
	stopChan chan struct{}
}

// NewTicker creates a streaming client for the given instrument
// tokens. symbolFor maps a token back to its cache symbol; ticks for
// unknown tokens are dropped.
func NewTicker(apiKey, accessToken string, tokens []int64, symbolFor func(int64) (string, bool), log zerolog.Logger) *Ticker {
	return &Ticker{
		apiKey:      apiKey,
		accessToken: accessToken,
		tokens:      tokens,
		symbolFor:   symbolFor,
		log:         log.With().Str("component", "kite_ticker").Logger(),
		quotes:      make(chan domain.Quote, 256),
		stopChan:    make(chan struct{}),
	}
}

// Quotes is the stream of parsed ticks
func (t *Ticker) Quotes() <-chan domain.Quote {
	return t.quotes
}

// Start connects and begins the read loop. Connection failures are
// retried in the background with exponential backoff.
func (t *Ticker) Start() {
	go t.run()
}

// Stop closes the stream
func (t *Ticker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	conn := t.conn
	t.mu.Unlock()

	close(t.stopChan)
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (t *Ticker) run() {
	attempt := 0
	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		if err := t.connectAndRead(); err != nil {
			t.mu.Lock()
			stopped := t.stopped
			t.mu.Unlock()
			if stopped {
				return
			}

			attempt++
			delay := redialBackoff(attempt)
			t.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Ticker stream dropped, reconnecting")
			select {
			case <-time.After(delay):
			case <-t.stopChan:
				return
			}
			continue
		}
		attempt = 0
	}
}

func (t *Ticker) connectAndRead() error {
	dialCtx, cancel := context.WithTimeout(context.Background(), tickerDialWait)
	url := fmt.Sprintf("%s?api_key=%s&access_token=%s", tickerURL, t.apiKey, t.accessToken)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to dial ticker: %w", err)
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return conn.Close(websocket.StatusNormalClosure, "")
	}
	t.conn = conn
	t.mu.Unlock()

	ctx := context.Background()
	if err := t.subscribe(ctx, conn); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		return err
	}

	t.log.Info().Int("tokens", len(t.tokens)).Msg("Ticker stream connected")

	for {
		msgType, payload, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("ticker read: %w", err)
		}
		if msgType != websocket.MessageBinary {
			// Text frames carry postbacks and errors; not quote data
			continue
		}
		t.handleBinary(payload)
	}
}

func (t *Ticker) subscribe(ctx context.Context, conn *websocket.Conn) error {
	writeCtx, cancel := context.WithTimeout(ctx, tickerWriteWait)
	defer cancel()

	sub, err := json.Marshal(map[string]interface{}{"a": "subscribe", "v": t.tokens})
	if err != nil {
		return err
	}
	if err := conn.Write(writeCtx, websocket.MessageText, sub); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	mode, err := json.Marshal(map[string]interface{}{"a": "mode", "v": []interface{}{"quote", t.tokens}})
	if err != nil {
		return err
	}
	if err := conn.Write(writeCtx, websocket.MessageText, mode); err != nil {
		return fmt.Errorf("failed to set quote mode: %w", err)
	}
	return nil
}

// handleBinary splits a frame into quote packets:
// [2B packet count] then per packet [2B length][payload].
func (t *Ticker) handleBinary(payload []byte) {
	if len(payload) < 2 {
		return
	}
	count := int(binary.BigEndian.Uint16(payload))
	offset := 2

	for i := 0; i < count; i++ {
		if offset+2 > len(payload) {
			return
		}
		length := int(binary.BigEndian.Uint16(payload[offset:]))
		offset += 2
		if offset+length > len(payload) {
			return
		}
		t.handlePacket(payload[offset : offset+length])
		offset += length
	}
}

// handlePacket parses one quote-mode packet. Prices are paise
// (1/100 rupee) as signed 32-bit ints.
func (t *Ticker) handlePacket(pkt []byte) {
	if len(pkt) < quotePacketBytes {
		return
	}

	token := int64(binary.BigEndian.Uint32(pkt[0:4]))
	symbol, ok := t.symbolFor(token)
	if !ok {
		return
	}

	price := func(off int) float64 {
		return float64(int32(binary.BigEndian.Uint32(pkt[off:off+4]))) / 100
	}

	q := domain.Quote{
		Timestamp:   time.Now(),
		Symbol:      symbol,
		LastPrice:   price(4),
		VolumeToday: int64(binary.BigEndian.Uint32(pkt[16:20])),
		DayOpen:     price(28),
		DayHigh:     price(32),
		DayLow:      price(36),
		DayClose:    price(40),
	}

	select {
	case t.quotes <- q:
	default:
		// Slow consumer: drop the tick, the next poll will catch up
	}
}

func redialBackoff(attempt int) time.Duration {
	delay := float64(baseRedialDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRedialDelay) {
		delay = float64(maxRedialDelay)
	}
	return time.Duration(delay)
}
