package risk

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tier defines the risk envelope for one subscription level.
type Tier struct {
	Name                    string  `yaml:"name"`
	DefaultRiskPercent      float64 `yaml:"default_risk_percent"`
	BoostRiskPercent        float64 `yaml:"boost_risk_percent"`
	MinRiskPercent          float64 `yaml:"min_risk_percent"`
	MaxDailyTrades          int     `yaml:"max_daily_trades"`
	MaxDailyDrawdownPercent float64 `yaml:"max_daily_drawdown_percent"`
	MaxAutoSlots            int     `yaml:"max_auto_slots"`
	MaxManualSlots          int     `yaml:"max_manual_slots"`
}

// TierSet is a named tier table with a guaranteed fallback.
type TierSet struct {
	tiers       map[string]Tier
	defaultTier string
}

type tierFile struct {
	Default string `yaml:"default"`
	Tiers   []Tier `yaml:"tiers"`
}

// DefaultTiers returns the compiled-in tier table.
func DefaultTiers() TierSet {
	return newTierSet("STANDARD",
		Tier{
			Name:                    "PRESS_PASS",
			DefaultRiskPercent:      0.5,
			BoostRiskPercent:        0.5, // press pass has no boost
			MinRiskPercent:          0.25,
			MaxDailyTrades:          3,
			MaxDailyDrawdownPercent: 2,
			MaxAutoSlots:            1,
			MaxManualSlots:          1,
		},
		Tier{
			Name:                    "STANDARD",
			DefaultRiskPercent:      1,
			BoostRiskPercent:        2,
			MinRiskPercent:          0.5,
			MaxDailyTrades:          6,
			MaxDailyDrawdownPercent: 4,
			MaxAutoSlots:            2,
			MaxManualSlots:          2,
		},
		Tier{
			Name:                    "PLUS",
			DefaultRiskPercent:      1.5,
			BoostRiskPercent:        3,
			MinRiskPercent:          0.5,
			MaxDailyTrades:          10,
			MaxDailyDrawdownPercent: 5,
			MaxAutoSlots:            3,
			MaxManualSlots:          3,
		},
		Tier{
			Name:                    "ELITE",
			DefaultRiskPercent:      2,
			BoostRiskPercent:        4,
			MinRiskPercent:          1,
			MaxDailyTrades:          20,
			MaxDailyDrawdownPercent: 8,
			MaxAutoSlots:            5,
			MaxManualSlots:          5,
		},
	)
}

func newTierSet(def string, tiers ...Tier) TierSet {
	m := make(map[string]Tier, len(tiers))
	for _, t := range tiers {
		m[t.Name] = t
	}
	return TierSet{tiers: m, defaultTier: def}
}

// LoadTiers reads a tier table from a YAML file.
func LoadTiers(path string) (TierSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TierSet{}, fmt.Errorf("read tier file: %w", err)
	}

	var file tierFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return TierSet{}, fmt.Errorf("parse tier file: %w", err)
	}
	if len(file.Tiers) == 0 {
		return TierSet{}, fmt.Errorf("tier file %s defines no tiers", path)
	}

	def := file.Default
	if def == "" {
		def = file.Tiers[0].Name
	}
	ts := newTierSet(def, file.Tiers...)
	if _, ok := ts.tiers[def]; !ok {
		return TierSet{}, fmt.Errorf("tier file default %q not defined", def)
	}
	return ts, nil
}

// Get resolves a tier by name, falling back to the default tier.
func (ts TierSet) Get(name string) Tier {
	if t, ok := ts.tiers[name]; ok {
		return t
	}
	return ts.tiers[ts.defaultTier]
}

// DefaultName returns the fallback tier's name.
func (ts TierSet) DefaultName() string {
	return ts.defaultTier
}

// Names lists the defined tier names.
func (ts TierSet) Names() []string {
	out := make([]string, 0, len(ts.tiers))
	for name := range ts.tiers {
		out = append(out, name)
	}
	return out
}
