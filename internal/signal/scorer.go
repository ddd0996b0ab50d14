package signal

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"market-intel-bot/internal/metrics"
)

// biasFloor is the sample size below which a producer's win rate carries no
// weight.
const biasFloor = 20

// ProducerRecord is one detector's win/loss tally.
type ProducerRecord struct {
	Wins   int `json:"wins"`
	Losses int `json:"losses"`
}

// Scorer applies the adaptive confidence adjustments: a per-producer bias
// learned from outcomes and a small-cap tier boost. All state mutation goes
// through one mutex so outcome feedback and scoring serialize.
type Scorer struct {
	minConfidence float64
	log           zerolog.Logger

	mu        sync.Mutex
	producers map[string]*ProducerRecord
}

func NewScorer(minConfidence float64, log zerolog.Logger) *Scorer {
	if minConfidence <= 0 {
		minConfidence = 70
	}
	return &Scorer{
		minConfidence: minConfidence,
		log:           log.With().Str("component", "scorer").Logger(),
		producers:     make(map[string]*ProducerRecord),
	}
}

// Score adjusts sig's confidence in place, assigns priority, and reports
// whether the signal clears the confidence floor.
func (s *Scorer) Score(sig *TradingSignal) (pass bool) {
	sig.Confidence += s.producerBias(sig.Producer)
	sig.Confidence += sig.Tier.ConfidenceBias()
	sig.Confidence = clamp(sig.Confidence)
	sig.Priority = priorityFor(sig.Confidence)

	if sig.Confidence < s.minConfidence {
		metrics.SignalsDropped.WithLabelValues("low_confidence").Inc()
		s.log.Debug().
			Str("symbol", sig.Symbol).
			Float64("confidence", sig.Confidence).
			Msg("signal below confidence floor")
		return false
	}
	return true
}

// producerBias maps a producer's win rate into [-10, +10] once it has enough
// samples: 50% win rate is neutral, 100% is +10, 0% is -10.
func (s *Scorer) producerBias(producer string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.producers[producer]
	if !ok {
		return 0
	}
	n := rec.Wins + rec.Losses
	if n < biasFloor {
		return 0
	}
	bias := 20*float64(rec.Wins)/float64(n) - 10
	if bias > 10 {
		bias = 10
	}
	if bias < -10 {
		bias = -10
	}
	return bias
}

// RecordOutcome feeds an outcome back into the producer's tally.
func (s *Scorer) RecordOutcome(producer string, win bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.producers[producer]
	if !ok {
		rec = &ProducerRecord{}
		s.producers[producer] = rec
	}
	if win {
		rec.Wins++
	} else {
		rec.Losses++
	}
}

// Records returns a copy of the per-producer tallies.
func (s *Scorer) Records() map[string]ProducerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ProducerRecord, len(s.producers))
	for k, rec := range s.producers {
		out[k] = *rec
	}
	return out
}

// MarshalState serializes the win/loss tallies for the state blob.
func (s *Scorer) MarshalState() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(s.producers)
}

// RestoreState replaces the tallies from a persisted blob. Scoring after a
// restore is identical to scoring before the save.
func (s *Scorer) RestoreState(data []byte) error {
	restored := make(map[string]*ProducerRecord)
	if err := json.Unmarshal(data, &restored); err != nil {
		return err
	}
	s.mu.Lock()
	s.producers = restored
	s.mu.Unlock()
	return nil
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func priorityFor(confidence float64) string {
	switch {
	case confidence >= 85:
		return PriorityUrgent
	case confidence >= 70:
		return PriorityWatch
	default:
		return PriorityInfo
	}
}
