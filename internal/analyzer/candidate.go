// Package analyzer holds the three pattern detectors of the hot path. Each
// reads buffer snapshots on demand and emits at most one candidate per
// evaluation; the merger downstream coalesces candidates into signals.
package analyzer

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction of the move a candidate argues for.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	None  Direction = "none"
)

// Producer identifies which detector emitted a candidate. The scorer keys
// its win/loss feedback on this.
const (
	ProducerStopHunt  = "stop_hunt"
	ProducerOrderFlow = "order_flow"
	ProducerEvent     = "event"
)

// Signal types carried through to delivery.
const (
	TypeStopHunt          = "STOP_HUNT"
	TypeAccumulation      = "ACCUMULATION"
	TypeDistribution      = "DISTRIBUTION"
	TypeWhaleAccumulation = "WHALE_ACCUMULATION"
	TypeWhaleDistribution = "WHALE_DISTRIBUTION"
	TypeVolumeSpike       = "VOLUME_SPIKE"
)

// PriceZone is the price range a cascade swept through.
type PriceZone struct {
	Lower decimal.Decimal
	Upper decimal.Decimal
}

// Candidate is one detector's proposal. It lives for exactly one pipeline
// step before the merger either folds it into a TradingSignal or discards it.
type Candidate struct {
	Producer  string
	Type      string
	Symbol    string
	Direction Direction
	RawScore  float64
	Summary   string
	TS        time.Time

	// Price levels, set only when the detector derived them (stop hunts).
	HasLevels bool
	Entry     decimal.Decimal
	Stop      decimal.Decimal
	Target    decimal.Decimal
	Zone      *PriceZone
}
