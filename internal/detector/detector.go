// Package detector turns rolling snapshot rings into candidate alerts.
//
// Detection is a pure function of its inputs: given the same ring,
// config and OI analysis it always yields the same candidates, in a
// fixed priority order (volume spike, 5m, 10m, 30m). Cooldown gating
// happens downstream - the detector never consults emission history.
package detector

import (
	"time"

	"github.com/karthikm/nsewatch/internal/domain"
	"github.com/karthikm/nsewatch/internal/snapshots"
)

// Config holds the detection thresholds. Percentages are in percent
// units (1.25 means 1.25%).
type Config struct {
	Th1m             float64 // 1m change threshold
	Th5m             float64 // 5m change threshold
	Th10m            float64 // 10m change threshold
	Th30m            float64 // 30m change threshold
	SpikePrice       float64 // 5m change floor for volume spikes
	SpikeVolMultiple float64 // Volume multiple floor for spikes
	VolMult1m        float64 // 1m volume multiple floor
	MinPrice         float64 // 1m variant: minimum last price
	MinADV           float64 // 1m variant: minimum average daily volume
	AccelFactor      float64 // Momentum acceleration constant
}

// Input is everything the detector may inspect for one instrument at
// one tick.
type Input struct {
	Symbol         string
	Ring           *snapshots.Ring
	Now            time.Time
	SessionOpen    time.Time          // Session open of the current day
	OI             *domain.OIAnalysis // nil for non-F&O instruments
	AvgDailyVolume float64            // Trailing ADV, 0 when unknown
}

// change is one resolved lookback measurement
type change struct {
	deltaPct  float64 // Signed percent change over the window
	reference float64 // Price at the lookback instant
	current   float64 // Latest price
	ok        bool
}

func (in Input) changeOver(lookback time.Duration) change {
	current, ok := in.Ring.PriceAt(0)
	if !ok || current <= 0 {
		return change{}
	}
	reference, ok := in.Ring.PriceAt(lookback)
	if !ok || reference <= 0 {
		// Missing snapshot this early in the session: silently skip
		// the horizon for this instrument.
		return change{}
	}
	return change{
		deltaPct:  (current - reference) / reference * 100,
		reference: reference,
		current:   current,
		ok:        true,
	}
}

// volumeOver returns traded volume within the lookback window
func (in Input) volumeOver(lookback time.Duration) (int64, bool) {
	now, ok := in.Ring.VolumeAt(0)
	if !ok {
		return 0, false
	}
	then, ok := in.Ring.VolumeAt(lookback)
	if !ok {
		return 0, false
	}
	v := now - then
	if v < 0 {
		// Cumulative volume reset (new session data) - treat as unknown
		return 0, false
	}
	return v, true
}

// avgVolumePerMinute estimates the session's per-minute volume from the
// cumulative total and elapsed session time.
func (in Input) avgVolumePerMinute() float64 {
	total, ok := in.Ring.VolumeAt(0)
	if !ok || total <= 0 {
		return 0
	}
	elapsed := in.Now.Sub(in.SessionOpen).Minutes()
	if elapsed < 1 {
		elapsed = 1
	}
	return float64(total) / elapsed
}

// Detect evaluates the multi-horizon rule set in priority order:
// volume spike, 5-minute, 10-minute, 30-minute. At most one alert per
// (horizon, direction) is produced per tick; independently eligible
// horizons all fire. The OI analysis, when present, is attached to
// every candidate as context.
func Detect(in Input, cfg Config) []domain.Alert {
	var alerts []domain.Alert

	if a := in.detectVolumeSpike(cfg); a != nil {
		alerts = append(alerts, *a)
	}
	if a := in.detectHorizon(5*time.Minute, cfg.Th5m, domain.Alert5mDrop, domain.Alert5mRise, cfg); a != nil {
		alerts = append(alerts, *a)
	}
	if a := in.detectHorizon(10*time.Minute, cfg.Th10m, domain.Alert10mDrop, domain.Alert10mRise, cfg); a != nil {
		alerts = append(alerts, *a)
	}
	if a := in.detectHorizon(30*time.Minute, cfg.Th30m, domain.Alert30mDrop, domain.Alert30mRise, cfg); a != nil {
		alerts = append(alerts, *a)
	}

	return alerts
}

// detectVolumeSpike implements the highest-priority rule: a 5-minute
// price move on abnormally high volume.
func (in Input) detectVolumeSpike(cfg Config) *domain.Alert {
	ch := in.changeOver(5 * time.Minute)
	if !ch.ok || abs(ch.deltaPct) < cfg.SpikePrice {
		return nil
	}

	vol5m, ok := in.volumeOver(5 * time.Minute)
	if !ok {
		return nil
	}
	avgPer5m := in.avgVolumePerMinute() * 5
	if avgPer5m <= 0 {
		return nil
	}

	multiple := float64(vol5m) / avgPer5m
	if multiple < cfg.SpikeVolMultiple {
		return nil
	}

	kind := domain.AlertVolumeSpikeRise
	direction := domain.DirectionUp
	if ch.deltaPct < 0 {
		kind = domain.AlertVolumeSpikeDrop
		direction = domain.DirectionDown
	}

	return in.newAlert(kind, direction, ch, vol5m, avgPer5m, multiple)
}

// detectHorizon implements the plain change-threshold rules. The
// 5-minute drop additionally requires the momentum check: the move must
// be accelerating, not bleeding out.
func (in Input) detectHorizon(lookback time.Duration, threshold float64, dropKind, riseKind domain.AlertKind, cfg Config) *domain.Alert {
	ch := in.changeOver(lookback)
	if !ch.ok || abs(ch.deltaPct) < threshold {
		return nil
	}

	kind := riseKind
	direction := domain.DirectionUp
	if ch.deltaPct < 0 {
		kind = dropKind
		direction = domain.DirectionDown
	}

	if kind == domain.Alert5mDrop && !in.accelerating(5*time.Minute, direction, cfg.AccelFactor) {
		return nil
	}

	vol, _ := in.volumeOver(lookback)
	return in.newAlert(kind, direction, ch, vol, 0, 0)
}

// DetectOneMinute evaluates the 1-minute monitor variant. Five of its
// six filters live here; the cooldown filter is the dedup manager's.
// All filters must pass.
func DetectOneMinute(in Input, cfg Config) *domain.Alert {
	// Filter 1: 1-minute change threshold
	ch := in.changeOver(time.Minute)
	if !ch.ok || abs(ch.deltaPct) < cfg.Th1m {
		return nil
	}

	direction := domain.DirectionUp
	kind := domain.Alert1mRise
	if ch.deltaPct < 0 {
		direction = domain.DirectionDown
		kind = domain.Alert1mDrop
	}

	// Filter 2: abnormal last-minute volume
	vol1m, ok := in.volumeOver(time.Minute)
	if !ok {
		return nil
	}
	avgPerMin := in.avgVolumePerMinute()
	if avgPerMin <= 0 {
		return nil
	}
	multiple := float64(vol1m) / avgPerMin
	if multiple < cfg.VolMult1m {
		return nil
	}

	// Filter 3: penny-stock floor
	if ch.current < cfg.MinPrice {
		return nil
	}

	// Filter 4: liquidity floor
	if in.AvgDailyVolume < cfg.MinADV {
		return nil
	}

	// Filter 6: momentum - the last minute must move faster than the
	// preceding four averaged. (Filter 5, cooldown, is applied by the
	// dedup manager downstream.)
	if !in.accelerating(5*time.Minute, direction, cfg.AccelFactor) {
		return nil
	}

	return in.newAlert(kind, direction, ch, vol1m, avgPerMin, multiple)
}

// accelerating reports whether the per-minute rate of the last minute
// exceeds accel times the average per-minute rate over the rest of the
// window, in the move's direction. When the ring lacks the minute
// granularity to measure this (rings fed on a 5-minute cadence have no
// distinct 1-minute-ago point), the filter fails open: a threshold
// breach without momentum data still alerts.
func (in Input) accelerating(window time.Duration, direction domain.Direction, accel float64) bool {
	latest, ok := in.Ring.Latest()
	if !ok {
		return false
	}
	p1, ok := in.Ring.At(time.Minute)
	if !ok || !p1.Timestamp.Before(latest.Timestamp) {
		return true
	}
	pw, ok := in.Ring.At(window)
	if !ok || !pw.Timestamp.Before(p1.Timestamp) {
		return true
	}

	priorMinutes := p1.Timestamp.Sub(pw.Timestamp).Minutes()
	if priorMinutes <= 0 {
		return true
	}

	// Rates are positive in the direction of the move
	lastRate := latest.Price - p1.Price
	priorRate := (p1.Price - pw.Price) / priorMinutes
	if direction == domain.DirectionDown {
		lastRate, priorRate = -lastRate, -priorRate
	}

	if lastRate <= 0 {
		return false
	}
	if priorRate <= 0 {
		// All of the move happened in the last minute - maximal acceleration
		return true
	}
	return lastRate >= accel*priorRate
}

func (in Input) newAlert(kind domain.AlertKind, direction domain.Direction, ch change, vol int64, avgVol, multiple float64) *domain.Alert {
	return &domain.Alert{
		Timestamp:      in.Now,
		OI:             in.OI,
		Symbol:         in.Symbol,
		Kind:           kind,
		Direction:      direction,
		Horizon:        kind.Horizon(),
		Volume:         vol,
		MagnitudePct:   abs(ch.deltaPct),
		ReferencePrice: ch.reference,
		CurrentPrice:   ch.current,
		AvgVolume:      avgVol,
		VolumeMultiple: multiple,
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
