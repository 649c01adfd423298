package trust

import "fmt"

// Rule classifies skills attested by one source. A skill starts at Base and
// is promoted when its credibility reaches Threshold. An empty Promoted tier
// disables promotion.
type Rule struct {
	Base      Tier
	Promoted  Tier
	Threshold int
}

// Policy is the configurable classification table plus the parameters used
// to roll skill tiers up into a worker tier and trust points.
type Policy struct {
	Rules map[Source]Rule

	// TierQuorum is how many skills must sit at or above a tier before the
	// worker is classified at that tier.
	TierQuorum int

	// TierPoints is the trust value of a skill at each tier. Escalating a
	// skill credits the difference to the worker.
	TierPoints map[Tier]int

	// MaxTrustScore caps the accumulated trust score.
	MaxTrustScore int
}

// Thresholds are the promotion credibility levels for the attested sources.
type Thresholds struct {
	Supervisor    int
	TVET          int
	Certification int
}

func DefaultThresholds() Thresholds {
	return Thresholds{Supervisor: 60, TVET: 75, Certification: 90}
}

// DefaultPolicy returns the standard table with the given promotion thresholds.
func DefaultPolicy(th Thresholds) Policy {
	return Policy{
		Rules: map[Source]Rule{
			SourceSelfReported:  {Base: TierBronze},
			SourceSupervisor:    {Base: TierBronze, Promoted: TierSilver, Threshold: th.Supervisor},
			SourceTVET:          {Base: TierSilver, Promoted: TierGold, Threshold: th.TVET},
			SourceCertification: {Base: TierGold, Promoted: TierPlatinum, Threshold: th.Certification},
		},
		TierQuorum: 3,
		TierPoints: map[Tier]int{
			TierBronze:   0,
			TierSilver:   5,
			TierGold:     10,
			TierPlatinum: 15,
		},
		MaxTrustScore: 100,
	}
}

// Validate checks that every source has a rule and that the table is
// monotonic: promotion never lowers a tier.
func (p Policy) Validate() error {
	for _, src := range []Source{SourceSelfReported, SourceSupervisor, SourceTVET, SourceCertification} {
		rule, ok := p.Rules[src]
		if !ok {
			return fmt.Errorf("policy: no rule for source %q", src)
		}
		if !rule.Base.Valid() {
			return fmt.Errorf("policy: source %q has invalid base tier %q", src, rule.Base)
		}
		if rule.Promoted == "" {
			continue
		}
		if !rule.Promoted.Valid() || rule.Promoted.Rank() < rule.Base.Rank() {
			return fmt.Errorf("policy: source %q promotes %q to %q", src, rule.Base, rule.Promoted)
		}
		if rule.Threshold < 0 || rule.Threshold > 100 {
			return fmt.Errorf("policy: source %q threshold %d outside [0,100]", src, rule.Threshold)
		}
	}
	if p.TierQuorum <= 0 {
		return fmt.Errorf("policy: tier quorum must be positive")
	}
	if p.MaxTrustScore <= 0 {
		return fmt.Errorf("policy: max trust score must be positive")
	}
	for _, t := range Tiers {
		if _, ok := p.TierPoints[t]; !ok {
			return fmt.Errorf("policy: no points for tier %q", t)
		}
	}
	return nil
}
