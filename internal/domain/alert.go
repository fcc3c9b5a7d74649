package domain

import "time"

// AlertKind is a closed enumeration of alert types. The string values
// are wire-stable: they appear in the alert log, the cooldown table and
// notification payloads, and must never be renamed.
type AlertKind string

const (
	Alert1mDrop          AlertKind = "1m_drop"
	Alert1mRise          AlertKind = "1m_rise"
	Alert5mDrop          AlertKind = "5m_drop"
	Alert5mRise          AlertKind = "5m_rise"
	Alert10mDrop         AlertKind = "10m_drop"
	Alert10mRise         AlertKind = "10m_rise"
	Alert30mDrop         AlertKind = "30m_drop"
	Alert30mRise         AlertKind = "30m_rise"
	AlertVolumeSpikeDrop AlertKind = "volume_spike_drop"
	AlertVolumeSpikeRise AlertKind = "volume_spike_rise"
	AlertOILongBuildup   AlertKind = "oi_long_buildup"
	AlertOIShortBuildup  AlertKind = "oi_short_buildup"
	AlertOIShortCovering AlertKind = "oi_short_covering"
	AlertOILongUnwinding AlertKind = "oi_long_unwinding"
)

// AllAlertKinds lists every alert kind for validation and reporting.
var AllAlertKinds = []AlertKind{
	Alert1mDrop, Alert1mRise,
	Alert5mDrop, Alert5mRise,
	Alert10mDrop, Alert10mRise,
	Alert30mDrop, Alert30mRise,
	AlertVolumeSpikeDrop, AlertVolumeSpikeRise,
	AlertOILongBuildup, AlertOIShortBuildup,
	AlertOIShortCovering, AlertOILongUnwinding,
}

// Direction of the price move that produced an alert
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Horizon is the lookback window an alert was detected over
type Horizon string

const (
	Horizon1m          Horizon = "1m"
	Horizon5m          Horizon = "5m"
	Horizon10m         Horizon = "10m"
	Horizon30m         Horizon = "30m"
	HorizonVolumeSpike Horizon = "volume_spike"
	HorizonOI          Horizon = "oi"
)

// Horizon returns the lookback window for an alert kind
func (k AlertKind) Horizon() Horizon {
	switch k {
	case Alert1mDrop, Alert1mRise:
		return Horizon1m
	case Alert5mDrop, Alert5mRise:
		return Horizon5m
	case Alert10mDrop, Alert10mRise:
		return Horizon10m
	case Alert30mDrop, Alert30mRise:
		return Horizon30m
	case AlertVolumeSpikeDrop, AlertVolumeSpikeRise:
		return HorizonVolumeSpike
	}
	return HorizonOI
}

// OIPattern classifies open-interest and price co-movement against the
// day-start baseline.
type OIPattern string

const (
	PatternLongBuildup   OIPattern = "LONG_BUILDUP"   // price up, OI up - bullish
	PatternShortBuildup  OIPattern = "SHORT_BUILDUP"  // price down, OI up - bearish
	PatternShortCovering OIPattern = "SHORT_COVERING" // price up, OI down - bullish-neutral
	PatternLongUnwinding OIPattern = "LONG_UNWINDING" // price down, OI down - bearish-neutral
)

// AlertKind maps an OI pattern to its context alert kind
func (p OIPattern) AlertKind() AlertKind {
	switch p {
	case PatternLongBuildup:
		return AlertOILongBuildup
	case PatternShortBuildup:
		return AlertOIShortBuildup
	case PatternShortCovering:
		return AlertOIShortCovering
	}
	return AlertOILongUnwinding
}

// OIStrength bands |oi_change_pct| into named strength levels
type OIStrength string

const (
	StrengthMinimal     OIStrength = "MINIMAL"
	StrengthSignificant OIStrength = "SIGNIFICANT"
	StrengthStrong      OIStrength = "STRONG"
	StrengthVeryStrong  OIStrength = "VERY_STRONG"
)

// OIPriority derives from strength
type OIPriority string

const (
	PriorityLow    OIPriority = "LOW"
	PriorityMedium OIPriority = "MEDIUM"
	PriorityHigh   OIPriority = "HIGH"
)

// OIAnalysis is the open-interest context attached to F&O alerts.
// It is never emitted on its own - always alongside a price alert.
type OIAnalysis struct {
	Pattern        OIPattern  `json:"pattern"`
	Strength       OIStrength `json:"strength"`
	Priority       OIPriority `json:"priority"`
	DayStartOI     int64      `json:"day_start_oi"`
	CurrentOI      int64      `json:"current_oi"`
	OIChangePct    float64    `json:"oi_change_pct"`
	PriceChangePct float64    `json:"price_change_pct"`
}

// Alert is a decision to notify. Lifecycle: created by the detector,
// gated by the cooldown manager, emitted via the fanout, enriched by the
// enrichment worker, then immutable.
type Alert struct {
	Timestamp      time.Time   `json:"timestamp"`
	OI             *OIAnalysis `json:"oi,omitempty"`
	ID             string      `json:"id"` // UUID assigned at creation
	Symbol         string      `json:"symbol"`
	Kind           AlertKind   `json:"kind"`
	Direction      Direction   `json:"direction"`
	Horizon        Horizon     `json:"horizon"`
	RowID          int64       `json:"row_id,omitempty"` // Assigned by the alert log
	Volume         int64       `json:"volume"`
	MagnitudePct   float64     `json:"magnitude_pct"`
	ReferencePrice float64     `json:"reference_price"`
	CurrentPrice   float64     `json:"current_price"`
	AvgVolume      float64     `json:"avg_volume,omitempty"`
	VolumeMultiple float64     `json:"volume_multiple,omitempty"`
}

// EnrichmentSlot names the reserved post-alert price columns
type EnrichmentSlot string

const (
	SlotPlus2m  EnrichmentSlot = "price_plus_2m"
	SlotPlus10m EnrichmentSlot = "price_plus_10m"
	SlotEOD     EnrichmentSlot = "price_eod"
)

// EnrichmentStatus derives from which slots are populated
type EnrichmentStatus string

const (
	EnrichmentPending  EnrichmentStatus = "pending"
	EnrichmentPartial  EnrichmentStatus = "partial"
	EnrichmentComplete EnrichmentStatus = "complete"
)
