// Package trust computes derived trust metrics for workers: skill tiers,
// trust points, average rating, completion rate and reputation score.
//
// Every function in this package is pure. Callers load the inputs, call the
// engine and persist the returned values themselves.
package trust

// Tier is a coarse trust classification used for skills and workers.
type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// Tiers lists every tier from lowest to highest.
var Tiers = []Tier{TierBronze, TierSilver, TierGold, TierPlatinum}

// Rank orders tiers; unknown tiers rank below bronze.
func (t Tier) Rank() int {
	switch t {
	case TierBronze:
		return 0
	case TierSilver:
		return 1
	case TierGold:
		return 2
	case TierPlatinum:
		return 3
	default:
		return -1
	}
}

func (t Tier) Valid() bool { return t.Rank() >= 0 }

// Source is the provenance of a skill claim.
type Source string

const (
	SourceSelfReported  Source = "self_reported"
	SourceSupervisor    Source = "supervisor_verified"
	SourceTVET          Source = "tvet_verified"
	SourceCertification Source = "certification_verified"
)

// Rank orders sources by how much an attestation from them is trusted.
func (s Source) Rank() int {
	switch s {
	case SourceSelfReported:
		return 0
	case SourceSupervisor:
		return 1
	case SourceTVET:
		return 2
	case SourceCertification:
		return 3
	default:
		return -1
	}
}

func (s Source) Valid() bool { return s.Rank() >= 0 }

type Proficiency string

const (
	ProficiencyBeginner     Proficiency = "beginner"
	ProficiencyIntermediate Proficiency = "intermediate"
	ProficiencyAdvanced     Proficiency = "advanced"
	ProficiencyExpert       Proficiency = "expert"
)

func (p Proficiency) Valid() bool {
	switch p {
	case ProficiencyBeginner, ProficiencyIntermediate, ProficiencyAdvanced, ProficiencyExpert:
		return true
	}
	return false
}

// VerificationStatus is the institutional affiliation state of a worker.
// It is independent of tier.
type VerificationStatus string

const (
	StatusPending  VerificationStatus = "pending"
	StatusVerified VerificationStatus = "verified"
	StatusRejected VerificationStatus = "rejected"
	StatusRevoked  VerificationStatus = "revoked"
)

func (s VerificationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusRejected, StatusRevoked:
		return true
	}
	return false
}
