package trust

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Profile is the trust-bearing state of one worker.
type Profile struct {
	Tier               Tier               `json:"tier"`
	TrustScore         int                `json:"trust_score"`
	TotalPoints        int                `json:"total_points"`
	SkillTierCounts    map[Tier]int       `json:"skill_tier_counts"`
	AverageRating      decimal.Decimal    `json:"average_rating"`
	TasksCompleted     int                `json:"total_tasks_completed"`
	TasksAssigned      int                `json:"total_tasks_assigned"`
	CompletionRate     decimal.Decimal    `json:"completion_rate"`
	ReputationScore    decimal.Decimal    `json:"reputation_score"`
	VerificationStatus VerificationStatus `json:"verification_status"`
}

// NewProfile returns the profile a worker starts with at registration.
func NewProfile() Profile {
	return Profile{
		Tier:               TierBronze,
		SkillTierCounts:    emptyCounts(),
		AverageRating:      decimal.Zero,
		CompletionRate:     decimal.Zero,
		ReputationScore:    decimal.Zero,
		VerificationStatus: StatusPending,
	}
}

// TotalSkills is the sum of the per-tier skill counters.
func (p Profile) TotalSkills() int {
	n := 0
	for _, c := range p.SkillTierCounts {
		n += c
	}
	return n
}

func (p Profile) clone() Profile {
	out := p
	out.SkillTierCounts = emptyCounts()
	for t, c := range p.SkillTierCounts {
		out.SkillTierCounts[t] = c
	}
	return out
}

// Skill is a single skill claim and its verification state.
type Skill struct {
	ID          uuid.UUID   `json:"id"`
	Name        string      `json:"skill_name"`
	Proficiency Proficiency `json:"proficiency_level"`
	Tier        Tier        `json:"skill_verification_tier"`
	Source      Source      `json:"verification_source"`
	Credibility int         `json:"credibility_score"`
}

// Evidence is a new attestation for an existing skill.
type Evidence struct {
	Source      Source
	Credibility int
}

type TaskEvent string

const (
	TaskAssigned  TaskEvent = "assigned"
	TaskCompleted TaskEvent = "completed"
)

// Engine applies trust events to profiles according to a Policy.
type Engine struct {
	policy Policy
}

// NewEngine validates the policy and returns an Engine bound to it.
func NewEngine(policy Policy) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Engine{policy: policy}, nil
}

func (e *Engine) Policy() Policy { return e.policy }

// ClassifySkill maps a verification source and credibility score to a tier.
func (e *Engine) ClassifySkill(source Source, credibility int) (Tier, error) {
	if credibility < 0 || credibility > 100 {
		return "", invalid("credibility_score", "%d outside [0,100]", credibility)
	}
	rule, ok := e.policy.Rules[source]
	if !ok {
		return "", invalid("verification_source", "unknown source %q", source)
	}
	if rule.Promoted != "" && credibility >= rule.Threshold {
		return rule.Promoted, nil
	}
	return rule.Base, nil
}

// AggregateSkillTiers tallies skills per tier. The counts sum to len(skills).
func AggregateSkillTiers(skills []Skill) map[Tier]int {
	counts := emptyCounts()
	for _, s := range skills {
		counts[s.Tier]++
	}
	return counts
}

// WorkerTier is the highest tier at which at least TierQuorum skills sit at
// that tier or above. Workers without such a quorum are bronze.
func (e *Engine) WorkerTier(counts map[Tier]int) Tier {
	atOrAbove := 0
	for i := len(Tiers) - 1; i > 0; i-- {
		atOrAbove += counts[Tiers[i]]
		if atOrAbove >= e.policy.TierQuorum {
			return Tiers[i]
		}
	}
	return TierBronze
}

// ApplyRating adds score to the rating history and returns the profile with
// average rating and reputation recomputed, in that order.
func (e *Engine) ApplyRating(p Profile, existing []int, score int) (Profile, error) {
	if err := ValidateRating(score); err != nil {
		return p, err
	}
	all := make([]int, 0, len(existing)+1)
	all = append(all, existing...)
	all = append(all, score)

	avg, err := AverageRating(all)
	if err != nil {
		return p, err
	}
	out := p.clone()
	out.AverageRating = avg
	out.ReputationScore, err = ReputationScore(out.AverageRating, out.CompletionRate)
	if err != nil {
		return p, err
	}
	return out, nil
}

// ApplyTaskEvent records an assignment or completion and recomputes the
// completion rate and reputation.
func (e *Engine) ApplyTaskEvent(p Profile, ev TaskEvent) (Profile, error) {
	out := p.clone()
	switch ev {
	case TaskAssigned:
		out.TasksAssigned++
	case TaskCompleted:
		out.TasksCompleted++
	default:
		return p, invalid("task_event", "unknown event %q", ev)
	}
	return Recompute(out)
}

// ApplySkillVerification reclassifies skills[index] from new evidence. The
// source of a skill never moves to a less trusted one. Trust points are only
// credited when the skill tier escalates, so the trust score never decreases.
// It returns the updated profile and a copy of skills with the change applied.
func (e *Engine) ApplySkillVerification(p Profile, skills []Skill, index int, ev Evidence) (Profile, []Skill, error) {
	if index < 0 || index >= len(skills) {
		return p, skills, invalid("skill", "index %d out of range", index)
	}
	current := skills[index]
	if !ev.Source.Valid() {
		return p, skills, invalid("verification_source", "unknown source %q", ev.Source)
	}
	if current.Source.Valid() && ev.Source.Rank() < current.Source.Rank() {
		return p, skills, invalid("verification_source", "cannot downgrade %q to %q", current.Source, ev.Source)
	}
	tier, err := e.ClassifySkill(ev.Source, ev.Credibility)
	if err != nil {
		return p, skills, err
	}

	updated := make([]Skill, len(skills))
	copy(updated, skills)
	updated[index].Source = ev.Source
	updated[index].Credibility = ev.Credibility
	updated[index].Tier = tier

	out := p.clone()
	if tier.Rank() > current.Tier.Rank() {
		gain := e.policy.TierPoints[tier] - e.policy.TierPoints[current.Tier]
		if gain > 0 {
			out.TotalPoints += gain * 10
			out.TrustScore += gain
			if out.TrustScore > e.policy.MaxTrustScore {
				out.TrustScore = e.policy.MaxTrustScore
			}
		}
	}
	out.SkillTierCounts = AggregateSkillTiers(updated)
	out.Tier = e.WorkerTier(out.SkillTierCounts)
	return out, updated, nil
}

// Recompute re-derives completion rate and reputation from the raw counters.
func Recompute(p Profile) (Profile, error) {
	rate, err := CompletionRate(p.TasksCompleted, p.TasksAssigned)
	if err != nil {
		return p, err
	}
	rep, err := ReputationScore(p.AverageRating, rate)
	if err != nil {
		return p, err
	}
	out := p.clone()
	out.CompletionRate = rate
	out.ReputationScore = rep
	return out, nil
}

func emptyCounts() map[Tier]int {
	return map[Tier]int{
		TierBronze:   0,
		TierSilver:   0,
		TierGold:     0,
		TierPlatinum: 0,
	}
}
