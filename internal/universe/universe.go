// Package universe maintains the static watch list and its resolution
// against the provider's instrument metadata: symbol to token, equity
// to nearest-expiry future, and strike selection for the option
// evaluator.
package universe

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/karthikm/nsewatch/internal/domain"
)

// Well-known index symbols
const (
	SymbolNifty = "NSE:NIFTY 50"
	SymbolVIX   = "NSE:INDIA VIX"
)

// niftyUnderlying is the underlying name NIFTY derivatives carry in
// the instrument dump.
const niftyUnderlying = "NIFTY"

// DefaultWatchlist is the built-in equity set, used when no watch
// file is configured.
var DefaultWatchlist = []string{
	"NSE:RELIANCE", "NSE:TCS", "NSE:HDFCBANK", "NSE:INFY", "NSE:ICICIBANK",
	"NSE:SBIN", "NSE:BHARTIARTL", "NSE:LT", "NSE:AXISBANK", "NSE:KOTAKBANK",
	"NSE:ITC", "NSE:HINDUNILVR", "NSE:BAJFINANCE", "NSE:MARUTI", "NSE:TATAMOTORS",
	"NSE:TATASTEEL", "NSE:ADANIENT", "NSE:HCLTECH", "NSE:SUNPHARMA", "NSE:WIPRO",
}

// Universe is the resolved instrument set the collector polls. Safe
// for concurrent reads; Refresh swaps the resolution atomically.
type Universe struct {
	watchlist []string
	log       zerolog.Logger

	mu          sync.RWMutex
	bySymbol    map[string]domain.Instrument
	byToken     map[int64]string
	derivatives map[string]domain.Instrument // equity symbol -> nearest future
	niftyChain  []domain.Instrument          // nearest-expiry NIFTY options
	refreshedAt time.Time
}

// New creates an unresolved universe over the given equity watch list.
// Indices and VIX are always included.
func New(watchlist []string, log zerolog.Logger) *Universe {
	if len(watchlist) == 0 {
		watchlist = DefaultWatchlist
	}
	return &Universe{
		watchlist:   watchlist,
		log:         log.With().Str("component", "universe").Logger(),
		bySymbol:    make(map[string]domain.Instrument),
		byToken:     make(map[int64]string),
		derivatives: make(map[string]domain.Instrument),
	}
}

// LoadWatchFile reads one symbol per line, '#' comments allowed
func LoadWatchFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open watch file: %w", err)
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read watch file: %w", err)
	}
	return out, nil
}

// Refresh resolves the watch list against a fresh instrument dump.
// Run at startup and once per day before the session.
func (u *Universe) Refresh(ctx context.Context, provider domain.QuoteProvider, now time.Time) error {
	dump, err := provider.Instruments(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch instrument dump: %w", err)
	}
	u.Resolve(dump, now)
	return nil
}

// Resolve indexes an instrument dump against the watch list
func (u *Universe) Resolve(dump []domain.Instrument, now time.Time) {
	watched := make(map[string]bool, len(u.watchlist)+2)
	for _, s := range u.watchlist {
		watched[s] = true
	}
	watched[SymbolNifty] = true
	watched[SymbolVIX] = true

	bySymbol := make(map[string]domain.Instrument)
	byToken := make(map[int64]string)
	futures := make(map[string][]domain.Instrument)
	var niftyOptions []domain.Instrument

	for _, inst := range dump {
		if watched[inst.Symbol] {
			bySymbol[inst.Symbol] = inst
			byToken[inst.Token] = inst.Symbol
			continue
		}
		if inst.Expiry.Before(now) {
			continue
		}
		switch inst.Kind {
		case domain.KindFuture:
			futures[inst.Underlying] = append(futures[inst.Underlying], inst)
		case domain.KindOption:
			if inst.Underlying == niftyUnderlying {
				niftyOptions = append(niftyOptions, inst)
			}
		}
	}

	// Nearest-expiry future per watched equity
	derivatives := make(map[string]domain.Instrument)
	for symbol, inst := range bySymbol {
		name := inst.Name
		candidates := futures[name]
		if len(candidates) == 0 {
			continue
		}
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].Expiry.Before(candidates[j].Expiry)
		})
		nearest := candidates[0]
		derivatives[symbol] = nearest
		bySymbol[nearest.Symbol] = nearest
		byToken[nearest.Token] = nearest.Symbol
	}

	chain := nearestExpiryChain(niftyOptions)

	u.mu.Lock()
	u.bySymbol = bySymbol
	u.byToken = byToken
	u.derivatives = derivatives
	u.niftyChain = chain
	u.refreshedAt = now
	u.mu.Unlock()

	u.log.Info().
		Int("instruments", len(bySymbol)).
		Int("futures", len(derivatives)).
		Int("nifty_chain", len(chain)).
		Msg("Universe resolved")
}

// nearestExpiryChain keeps only the options of the earliest expiry
func nearestExpiryChain(options []domain.Instrument) []domain.Instrument {
	if len(options) == 0 {
		return nil
	}
	nearest := options[0].Expiry
	for _, inst := range options[1:] {
		if inst.Expiry.Before(nearest) {
			nearest = inst.Expiry
		}
	}
	var chain []domain.Instrument
	for _, inst := range options {
		if inst.Expiry.Equal(nearest) {
			chain = append(chain, inst)
		}
	}
	return chain
}

// Symbols returns every symbol the collector should poll: watched
// equities, indices, VIX and resolved futures.
func (u *Universe) Symbols() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()

	out := make([]string, 0, len(u.bySymbol))
	for s := range u.bySymbol {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Token resolves a symbol to its instrument token
func (u *Universe) Token(symbol string) (int64, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	inst, ok := u.bySymbol[symbol]
	return inst.Token, ok
}

// SymbolFor resolves an instrument token back to its symbol
func (u *Universe) SymbolFor(token int64) (string, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	s, ok := u.byToken[token]
	return s, ok
}

// Instrument returns the resolved metadata for a symbol
func (u *Universe) Instrument(symbol string) (domain.Instrument, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	inst, ok := u.bySymbol[symbol]
	return inst, ok
}

// Future returns the nearest-expiry future resolved for an equity
func (u *Universe) Future(equitySymbol string) (domain.Instrument, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	inst, ok := u.derivatives[equitySymbol]
	return inst, ok
}

// NiftyChain returns the nearest-expiry NIFTY option chain, for the
// evaluator's strike selection.
func (u *Universe) NiftyChain() []domain.Instrument {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]domain.Instrument, len(u.niftyChain))
	copy(out, u.niftyChain)
	return out
}

// Tokens returns every resolved instrument token, for the streaming
// ticker subscription.
func (u *Universe) Tokens() []int64 {
	u.mu.RLock()
	defer u.mu.RUnlock()

	out := make([]int64, 0, len(u.byToken))
	for t := range u.byToken {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RefreshedAt returns the time of the last successful resolution
func (u *Universe) RefreshedAt() time.Time {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.refreshedAt
}

// SelectStrikes picks the ATM strike and one OTM strike either side
// of spot from an option chain, for the evaluator's Greek inputs.
func SelectStrikes(chain []domain.Instrument, spot float64) (atm, otmCall, otmPut *domain.Instrument) {
	if len(chain) == 0 || spot <= 0 {
		return nil, nil, nil
	}

	sorted := make([]domain.Instrument, len(chain))
	copy(sorted, chain)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Strike < sorted[j].Strike })

	bestDist := math.MaxFloat64
	atmIdx := -1
	for i, inst := range sorted {
		dist := math.Abs(inst.Strike - spot)
		if dist < bestDist {
			bestDist = dist
			atmIdx = i
		}
	}
	if atmIdx < 0 {
		return nil, nil, nil
	}
	atm = &sorted[atmIdx]

	for i := atmIdx + 1; i < len(sorted); i++ {
		if sorted[i].OptionType == domain.OptionCall && sorted[i].Strike > spot {
			otmCall = &sorted[i]
			break
		}
	}
	for i := atmIdx - 1; i >= 0; i-- {
		if sorted[i].OptionType == domain.OptionPut && sorted[i].Strike < spot {
			otmPut = &sorted[i]
			break
		}
	}
	return atm, otmCall, otmPut
}
