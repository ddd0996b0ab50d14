// Package signal turns analyzer candidates into scored, de-duplicated trading
// signals: coalescing, anti-spam validation, adaptive confidence scoring,
// market-context assessment and outcome tracking.
package signal

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"market-intel-bot/internal/analyzer"
	"market-intel-bot/internal/market"
)

// Priority buckets assigned by the scorer.
const (
	PriorityUrgent = "urgent"
	PriorityWatch  = "watch"
	PriorityInfo   = "info"
)

// Context assessments produced by the market filter.
const (
	ContextFavorable   = "favorable"
	ContextNeutral     = "neutral"
	ContextUnfavorable = "unfavorable"
)

// TradingSignal is the pipeline's unit of output. It is persisted on creation
// and amended by the outcome tracker at the horizon.
type TradingSignal struct {
	ID        string             `json:"id"`
	Symbol    string             `json:"symbol"`
	Type      string             `json:"type"`
	Direction analyzer.Direction `json:"direction"`
	Producer  string             `json:"producer"`

	Entry  decimal.Decimal `json:"entry"`
	Stop   decimal.Decimal `json:"stop"`
	Target decimal.Decimal `json:"target"`

	Confidence float64     `json:"confidence"`
	Tier       market.Tier `json:"tier"`
	Priority   string      `json:"priority"`
	Context    string      `json:"context_assessment"`
	Degraded   bool        `json:"degraded"` // Context was stale or absent at filter time

	Summary     string    `json:"summary"`
	Fingerprint string    `json:"fingerprint"`
	TS          time.Time `json:"ts"`

	// Set by the market filter; suppresses the messaging sink only, the
	// dashboard broadcasts every signal.
	SuppressMessaging bool `json:"-"`
}

// NewID returns a fresh signal id.
func NewID() string {
	return uuid.New().String()
}

// Fingerprint buckets confidence into bands of 5 so near-identical signals
// collapse to one within the dedup window.
func Fingerprint(symbol, typ string, dir analyzer.Direction, confidence float64) string {
	return fmt.Sprintf("%s_%s_%s_%d", symbol, typ, dir, int(math.Round(confidence/5)))
}
