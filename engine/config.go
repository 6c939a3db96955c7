// ABOUTME: YAML configuration for the orchestrator: run shape, fee policy, identities, bid profiles.
// ABOUTME: Loads with defaults applied and validation before any ledger traffic is possible.
package engine

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/voltaic-labs/carousel/ledger"
)

// FeeConfig is the fee-escalation policy section.
type FeeConfig struct {
	MaxAttempts int     `yaml:"max_attempts"`
	Multiplier  float64 `yaml:"multiplier"`
	Escalation  float64 `yaml:"escalation"`
	Premium     float64 `yaml:"premium"`
}

// ProfileConfig is one simulated bidder profile in the config file.
type ProfileConfig struct {
	Identity     string   `yaml:"identity"`
	Affinities   []string `yaml:"affinities"`
	MinQuality   float64  `yaml:"min_quality"`
	MaxPrice     float64  `yaml:"max_price"`
	TimingBiasMS int      `yaml:"timing_bias_ms"`
	JitterMS     int      `yaml:"jitter_ms"`
}

// Config is the top-level YAML configuration.
type Config struct {
	Cycles             int     `yaml:"cycles"`
	SubsetSize         int     `yaml:"subset_size"`
	BidAmount          float64 `yaml:"bid_amount"`
	ReserveRequirement float64 `yaml:"reserve_requirement"`
	ReplenishTarget    float64 `yaml:"replenish_target"`
	TieRate            float64 `yaml:"tie_rate"`
	NoBidderRate       float64 `yaml:"no_bidder_rate"`
	LeadWindow         string  `yaml:"lead_window"`
	StallTimeout       string  `yaml:"stall_timeout"`
	RecoveryTimeout    string  `yaml:"recovery_timeout"`

	Fees       FeeConfig         `yaml:"fees"`
	Identities []ledger.Identity `yaml:"identities"`
	Profiles   []ProfileConfig   `yaml:"profiles"`
}

// DefaultConfig returns the configuration used when no file is supplied:
// a small simulated marketplace with one custodian, one seller, and ten
// participants.
func DefaultConfig() Config {
	cfg := Config{
		Cycles:             3,
		SubsetSize:         3,
		BidAmount:          100,
		ReserveRequirement: 2000,
		ReplenishTarget:    200,
		TieRate:            0.2,
		NoBidderRate:       0.15,
		LeadWindow:         "30s",
		StallTimeout:       "2m",
		RecoveryTimeout:    "4m",
		Fees: FeeConfig{
			MaxAttempts: 3,
			Multiplier:  1.2,
			Escalation:  1.5,
			Premium:     1,
		},
		Identities: []ledger.Identity{
			{Name: "custodian", Role: ledger.RoleCustodian, Key: "custodian-key"},
			{Name: "seller", Role: ledger.RoleSeller, Key: "seller-key"},
		},
	}
	for i := 1; i <= 10; i++ {
		name := fmt.Sprintf("participant-%d", i)
		cfg.Identities = append(cfg.Identities, ledger.Identity{
			Name: name,
			Role: ledger.RoleParticipant,
			Key:  name + "-key",
		})
		cfg.Profiles = append(cfg.Profiles, ProfileConfig{
			Identity:     name,
			Affinities:   []string{"plumbing", "roofing", "electrical"},
			MinQuality:   0.3,
			MaxPrice:     150,
			TimingBiasMS: 400,
			JitterMS:     250,
		})
	}
	return cfg
}

// LoadConfig reads a YAML config file, fills unset fields from defaults, and
// validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	// A supplied file replaces the default roster entirely.
	cfg.Identities = nil
	cfg.Profiles = nil

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks structural requirements: a custodian, a seller, at least
// one participant, and parseable durations.
func (c Config) Validate() error {
	if c.Cycles < 1 {
		return fmt.Errorf("cycles must be >= 1, got %d", c.Cycles)
	}
	if c.SubsetSize < 1 {
		return fmt.Errorf("subset_size must be >= 1, got %d", c.SubsetSize)
	}
	if c.BidAmount <= 0 {
		return fmt.Errorf("bid_amount must be positive, got %v", c.BidAmount)
	}
	if _, ok := ledger.FindRole(c.Identities, ledger.RoleCustodian); !ok {
		return fmt.Errorf("identities must include a custodian")
	}
	if _, ok := ledger.FindRole(c.Identities, ledger.RoleSeller); !ok {
		return fmt.Errorf("identities must include a seller")
	}
	if len(ledger.Participants(c.Identities)) == 0 {
		return fmt.Errorf("identities must include at least one participant")
	}
	for _, field := range []struct{ name, value string }{
		{"lead_window", c.LeadWindow},
		{"stall_timeout", c.StallTimeout},
		{"recovery_timeout", c.RecoveryTimeout},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	known := make(map[string]bool, len(c.Identities))
	for _, id := range c.Identities {
		known[id.Name] = true
	}
	for _, p := range c.Profiles {
		if !known[p.Identity] {
			return fmt.Errorf("profile references unknown identity %q", p.Identity)
		}
	}
	return nil
}

// duration parses a config duration string, falling back to def when unset.
func duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

// SenderConfig converts the fee section into the ledger submission policy.
func (c Config) SenderConfig() ledger.SenderConfig {
	sc := ledger.DefaultSenderConfig()
	if c.Fees.MaxAttempts > 0 {
		sc.MaxAttempts = c.Fees.MaxAttempts
	}
	if c.Fees.Multiplier > 0 {
		sc.FeeMultiplier = c.Fees.Multiplier
	}
	if c.Fees.Escalation > 0 {
		sc.EscalationFactor = c.Fees.Escalation
	}
	if c.Fees.Premium > 0 {
		sc.PriorityPremium = decimal.NewFromFloat(c.Fees.Premium)
	}
	return sc
}

// LeadSubjects returns the distinct profile affinities in first-seen order.
// Leads published during a run rotate through these subjects.
func (c Config) LeadSubjects() []string {
	seen := make(map[string]bool)
	var subjects []string
	for _, p := range c.Profiles {
		for _, a := range p.Affinities {
			if !seen[a] {
				seen[a] = true
				subjects = append(subjects, a)
			}
		}
	}
	return subjects
}

// BidProfiles converts profile configs into scheduler profiles, resolving
// identity names against the roster. Unknown names were rejected by Validate.
func (c Config) BidProfiles() []Profile {
	byName := make(map[string]ledger.Identity, len(c.Identities))
	for _, id := range c.Identities {
		byName[id.Name] = id
	}
	profiles := make([]Profile, 0, len(c.Profiles))
	for _, p := range c.Profiles {
		profiles = append(profiles, Profile{
			Identity:   byName[p.Identity],
			Affinities: p.Affinities,
			MinQuality: p.MinQuality,
			MaxPrice:   decimal.NewFromFloat(p.MaxPrice),
			TimingBias: time.Duration(p.TimingBiasMS) * time.Millisecond,
			Jitter:     time.Duration(p.JitterMS) * time.Millisecond,
		})
	}
	return profiles
}
