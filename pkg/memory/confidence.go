package memory

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/cuemby/collective/pkg/config"
	"github.com/cuemby/collective/pkg/types"
)

// outcomesExtension is the extensions key recording how a memory fared
// when applied.
const outcomesExtension = "outcomes"

// Outcomes is the success counter persisted under the outcomes
// extension key.
type Outcomes struct {
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// ConfidenceContext carries the per-query inputs to the score.
type ConfidenceContext struct {
	// QueryTags is the tag set of the current query context;
	// empty means no context and scores the factor neutral.
	QueryTags []string
	// Duplicates holds near-duplicate memories found in the index,
	// excluding the scored memory itself.
	Duplicates []*types.Memory
	// SourceTrust resolves the trust weight of the originating agent;
	// nil uses the configured default for every origin.
	SourceTrust func(agentID string) float64
}

// ConfidenceCalculator computes the seven-factor composite score. The
// weights come from configuration and sum to 1.
type ConfidenceCalculator struct {
	cfg config.ConfidenceConfig
}

// NewConfidenceCalculator builds a calculator from validated config.
func NewConfidenceCalculator(cfg config.ConfidenceConfig) *ConfidenceCalculator {
	return &ConfidenceCalculator{cfg: cfg}
}

// Compute scores m in [0, 1] with the per-factor breakdown attached.
func (c *ConfidenceCalculator) Compute(m *types.Memory, cc ConfidenceContext, now time.Time) types.Confidence {
	factors := map[string]float64{
		"freshness":         c.freshness(m, now),
		"source":            c.source(m, cc),
		"verification":      verification(m),
		"consensus":         consensus(m, cc.Duplicates),
		"no_contradiction":  noContradiction(m, cc.Duplicates),
		"success_rate":      successRate(m),
		"context_relevance": contextRelevance(m, cc.QueryTags),
	}

	w := c.cfg.Weights
	score := w.Freshness*factors["freshness"] +
		w.Source*factors["source"] +
		w.Verification*factors["verification"] +
		w.Consensus*factors["consensus"] +
		w.NoContradiction*factors["no_contradiction"] +
		w.SuccessRate*factors["success_rate"] +
		w.ContextRelevance*factors["context_relevance"]
	score = clamp01(score)

	return types.Confidence{
		Score:      score,
		Level:      types.LevelForScore(score),
		Factors:    factors,
		ComputedAt: now,
	}
}

// freshness decays exponentially with age; the half-life depends on
// the category (incidents stale fast, runbooks slowly).
func (c *ConfidenceCalculator) freshness(m *types.Memory, now time.Time) float64 {
	halfLife := c.cfg.DefaultHalfLifeDays
	if hl, ok := c.cfg.HalfLifeDays[string(m.Category)]; ok {
		halfLife = hl
	}
	if halfLife <= 0 {
		return 1
	}
	ageDays := now.Sub(m.Origin.CreatedAtWall).Hours() / 24
	if ageDays <= 0 {
		return 1
	}
	return math.Pow(0.5, ageDays/halfLife)
}

func (c *ConfidenceCalculator) source(m *types.Memory, cc ConfidenceContext) float64 {
	if cc.SourceTrust != nil {
		return clamp01(cc.SourceTrust(m.Origin.AgentID))
	}
	return clamp01(c.cfg.DefaultSourceTrust)
}

// verification is 1 iff a distinct agent marked the memory verified.
func verification(m *types.Memory) float64 {
	if m.VerifiedBy != "" && m.VerifiedBy != m.Origin.AgentID {
		return 1
	}
	return 0
}

// consensus is the fraction of duplicates whose content is compatible
// with this memory. No duplicates means nothing disputes it.
func consensus(m *types.Memory, dups []*types.Memory) float64 {
	if len(dups) == 0 {
		return 1
	}
	compatible := 0
	for _, d := range dups {
		if contentCompatible(m.Content, d.Content) {
			compatible++
		}
	}
	return float64(compatible) / float64(len(dups))
}

// noContradiction is 1 minus the fraction of contradictory duplicates.
func noContradiction(m *types.Memory, dups []*types.Memory) float64 {
	if len(dups) == 0 {
		return 1
	}
	contradictory := 0
	for _, d := range dups {
		if !contentCompatible(m.Content, d.Content) {
			contradictory++
		}
	}
	return 1 - float64(contradictory)/float64(len(dups))
}

// contentCompatible treats two near-duplicate texts as agreeing when
// their token sets overlap by at least half (Jaccard).
func contentCompatible(a, b string) bool {
	return tokenJaccard(a, b) >= 0.5
}

func tokenJaccard(a, b string) float64 {
	as := tokenSet(a)
	bs := tokenSet(b)
	if len(as) == 0 && len(bs) == 0 {
		return 1
	}
	inter := 0
	for t := range as {
		if _, ok := bs[t]; ok {
			inter++
		}
	}
	union := len(as) + len(bs) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(text)) {
		f = strings.Trim(f, ".,;:!?()[]{}\"'")
		if f != "" {
			out[f] = struct{}{}
		}
	}
	return out
}

// successRate reads the outcomes extension; a memory never applied
// scores neutral.
func successRate(m *types.Memory) float64 {
	raw, ok := m.Extensions[outcomesExtension]
	if !ok {
		return 0.5
	}
	var o Outcomes
	if err := json.Unmarshal(raw, &o); err != nil {
		return 0.5
	}
	total := o.Successes + o.Failures
	if total == 0 {
		return 0.5
	}
	return float64(o.Successes) / float64(total)
}

// contextRelevance is the tag overlap between the memory and the query
// context; no context scores neutral.
func contextRelevance(m *types.Memory, queryTags []string) float64 {
	if len(queryTags) == 0 {
		return 0.5
	}
	if len(m.Tags) == 0 {
		return 0
	}
	inter := 0
	for _, q := range queryTags {
		for _, t := range m.Tags {
			if q == t {
				inter++
				break
			}
		}
	}
	union := len(queryTags) + len(m.Tags) - inter
	return float64(inter) / float64(union)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
