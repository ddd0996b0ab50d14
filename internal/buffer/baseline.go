package buffer

import (
	"math"
	"sync"
)

const baselineMinutes = 24 * 60

// Baseline accumulates per-minute traded notional per symbol over a rolling
// 24h and answers with the mean and standard deviation of that series. The
// in-progress minute is excluded so a spike cannot dilute its own baseline.
type Baseline struct {
	mu    sync.Mutex
	bySym map[string]*minuteSeries
}

type minuteSeries struct {
	buckets  [baselineMinutes]float64
	minuteOf [baselineMinutes]int64 // Epoch minute each bucket currently holds
	firstMin int64
}

func NewBaseline() *Baseline {
	return &Baseline{bySym: make(map[string]*minuteSeries)}
}

// Add records notional volume at the trade's timestamp (ms).
func (b *Baseline) Add(symbol string, tsMs int64, notionalUSD float64) {
	minute := tsMs / 60_000
	idx := int(minute % baselineMinutes)

	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.bySym[symbol]
	if !ok {
		s = &minuteSeries{firstMin: minute}
		b.bySym[symbol] = s
	}
	if minute < s.firstMin {
		s.firstMin = minute
	}
	if s.minuteOf[idx] != minute {
		s.buckets[idx] = 0
		s.minuteOf[idx] = minute
	}
	s.buckets[idx] += notionalUSD
}

// Stats returns the mean and standard deviation of per-minute notional over
// the 24h preceding nowMs, excluding the minute containing nowMs. Minutes in
// the window with no trades count as zero. ok is false until the series has
// at least minCoverage minutes of history.
func (b *Baseline) Stats(symbol string, nowMs int64, minCoverage int) (mean, std float64, ok bool) {
	nowMin := nowMs / 60_000

	b.mu.Lock()
	defer b.mu.Unlock()
	s, found := b.bySym[symbol]
	if !found {
		return 0, 0, false
	}

	n := nowMin - s.firstMin
	if n > baselineMinutes {
		n = baselineMinutes
	}
	if n < int64(minCoverage) {
		return 0, 0, false
	}

	var sum, sumSq float64
	for i := 0; i < baselineMinutes; i++ {
		m := s.minuteOf[i]
		if m >= nowMin-n && m < nowMin {
			v := s.buckets[i]
			sum += v
			sumSq += v * v
		}
	}
	mean = sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance), true
}
