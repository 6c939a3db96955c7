// ABOUTME: Tests for configuration loading, validation, and conversion into runtime policies.
// ABOUTME: Uses temp files for the YAML round trip.
package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voltaic-labs/carousel/ledger"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejectsMissingRoles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Identities = []ledger.Identity{
		{Name: "seller", Role: ledger.RoleSeller},
		{Name: "p1", Role: ledger.RoleParticipant},
	}
	cfg.Profiles = nil
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing custodian")
	}

	cfg.Identities = []ledger.Identity{
		{Name: "custodian", Role: ledger.RoleCustodian},
		{Name: "seller", Role: ledger.RoleSeller},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing participants")
	}
}

func TestValidateRejectsUnknownProfileIdentity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Profiles = append(cfg.Profiles, ProfileConfig{Identity: "nobody"})
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for profile referencing unknown identity")
	}
}

func TestValidateRejectsBadDuration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StallTimeout = "soon"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unparseable stall_timeout")
	}

	cfg = DefaultConfig()
	cfg.LeadWindow = "whenever"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unparseable lead_window")
	}
}

func TestLeadSubjectsDeduplicated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Profiles = []ProfileConfig{
		{Identity: "participant-1", Affinities: []string{"plumbing", "roofing"}},
		{Identity: "participant-2", Affinities: []string{"roofing", "electrical"}},
	}
	got := cfg.LeadSubjects()
	want := []string{"plumbing", "roofing", "electrical"}
	if len(got) != len(want) {
		t.Fatalf("subjects = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("subject %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLoadConfigRoundTrip(t *testing.T) {
	raw := `
cycles: 5
subset_size: 2
bid_amount: 75
reserve_requirement: 1000
identities:
  - name: custodian
    role: custodian
  - name: seller
    role: seller
  - name: alice
    role: participant
profiles:
  - identity: alice
    affinities: [plumbing]
    min_quality: 0.4
    max_price: 120
    timing_bias_ms: 300
    jitter_ms: 100
`
	path := filepath.Join(t.TempDir(), "carousel.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Cycles != 5 || cfg.SubsetSize != 2 {
		t.Errorf("run shape not loaded: cycles=%d subset=%d", cfg.Cycles, cfg.SubsetSize)
	}
	if len(cfg.Identities) != 3 {
		t.Errorf("file roster should replace defaults, got %d identities", len(cfg.Identities))
	}
	// Unset fields keep their defaults.
	if cfg.TieRate != 0.2 {
		t.Errorf("tie_rate default not preserved, got %v", cfg.TieRate)
	}

	profiles := cfg.BidProfiles()
	if len(profiles) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(profiles))
	}
	p := profiles[0]
	if p.Identity.Name != "alice" || p.Identity.Role != ledger.RoleParticipant {
		t.Errorf("profile identity not resolved: %+v", p.Identity)
	}
	if p.TimingBias != 300*time.Millisecond || p.Jitter != 100*time.Millisecond {
		t.Errorf("profile timing not converted: bias=%s jitter=%s", p.TimingBias, p.Jitter)
	}
}

func TestLoadConfigRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("cycles: 0\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected validation error for zero cycles")
	}
}

func TestSenderConfigConversion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fees = FeeConfig{MaxAttempts: 5, Multiplier: 2, Escalation: 3, Premium: 0.5}

	sc := cfg.SenderConfig()
	if sc.MaxAttempts != 5 {
		t.Errorf("max attempts = %d", sc.MaxAttempts)
	}
	if sc.FeeMultiplier != 2 || sc.EscalationFactor != 3 {
		t.Errorf("fee policy not converted: %+v", sc)
	}
	if !sc.PriorityPremium.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("premium = %s", sc.PriorityPremium)
	}
}
