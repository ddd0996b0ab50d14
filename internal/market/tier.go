package market

// Tier is a static liquidity classification that scales detection thresholds.
// Tier assignment is fixed per run; symbols absent from both configured lists
// fall through to Tier3.
type Tier int

const (
	Tier1 Tier = 1 // Majors
	Tier2 Tier = 2 // Mid-caps
	Tier3 Tier = 3 // Everything else
)

// Thresholds holds the USD thresholds applied at one tier.
type Thresholds struct {
	Cascade    float64 // Min liquidation volume for a cascade window
	LargeOrder float64 // Min notional for a "whale" order
	Absorption float64 // Min opposite-side volume for absorption
}

// TierTable resolves a symbol to its tier and thresholds.
type TierTable struct {
	tier1  map[string]bool
	tier2  map[string]bool
	byTier map[Tier]Thresholds
}

func NewTierTable(tier1, tier2 []string, t1, t2, t3 Thresholds) *TierTable {
	tt := &TierTable{
		tier1:  make(map[string]bool, len(tier1)),
		tier2:  make(map[string]bool, len(tier2)),
		byTier: map[Tier]Thresholds{Tier1: t1, Tier2: t2, Tier3: t3},
	}
	for _, s := range tier1 {
		tt.tier1[s] = true
	}
	for _, s := range tier2 {
		tt.tier2[s] = true
	}
	return tt
}

func (t *TierTable) TierOf(symbol string) Tier {
	if t.tier1[symbol] {
		return Tier1
	}
	if t.tier2[symbol] {
		return Tier2
	}
	return Tier3
}

func (t *TierTable) ThresholdsFor(symbol string) Thresholds {
	return t.byTier[t.TierOf(symbol)]
}

// ConfidenceBias is the small-cap quality boost added at scoring time.
func (tier Tier) ConfidenceBias() float64 {
	switch tier {
	case Tier2:
		return 2
	case Tier3:
		return 4
	default:
		return 0
	}
}
