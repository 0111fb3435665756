// Package resolution deduplicates entity mentions into canonical entities and
// stages relationship edges for graph export.
package resolution

import (
	"context"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/lexpipe/lexpipe/pkg/models"
)

// Cluster is one group of mentions judged to refer to the same entity
type Cluster struct {
	Mentions   []models.EntityMention
	Method     models.ResolutionMethod
	Confidence float64
}

// Resolver groups the mentions of a single entity type into clusters.
// Mentions of different types are never passed to one call.
type Resolver interface {
	Resolve(ctx context.Context, entityType string, mentions []models.EntityMention) ([]Cluster, error)
}

// CanonicalName picks the display name for a cluster: the longest mention
// text wins, with lexicographic order breaking length ties so the choice is
// deterministic across runs.
func CanonicalName(mentions []models.EntityMention) string {
	name := ""
	for _, m := range mentions {
		t := strings.TrimSpace(m.Text)
		if len(t) > len(name) || (len(t) == len(name) && t < name) {
			name = t
		}
	}
	return name
}

// FuzzyResolver clusters mentions by normalized edit distance
type FuzzyResolver struct {
	threshold float64
}

var _ Resolver = (*FuzzyResolver)(nil)

// NewFuzzyResolver creates a resolver that merges mentions whose similarity
// meets or exceeds threshold (0..1)
func NewFuzzyResolver(threshold float64) *FuzzyResolver {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.85
	}
	return &FuzzyResolver{threshold: threshold}
}

func (r *FuzzyResolver) Resolve(_ context.Context, _ string, mentions []models.EntityMention) ([]Cluster, error) {
	type group struct {
		key        string
		mentions   []models.EntityMention
		exactOnly  bool
		confidence float64
	}

	// Sort for deterministic cluster seeds regardless of input order
	sorted := make([]models.EntityMention, len(mentions))
	copy(sorted, mentions)
	sort.Slice(sorted, func(i, j int) bool {
		ni, nj := normalize(sorted[i].Text), normalize(sorted[j].Text)
		if ni != nj {
			return ni < nj
		}
		return sorted[i].StartOffset < sorted[j].StartOffset
	})

	var groups []*group
	for _, m := range sorted {
		norm := normalize(m.Text)
		var best *group
		bestScore := 0.0
		for _, g := range groups {
			if g.key == norm {
				best = g
				bestScore = 1.0
				break
			}
			if s := similarity(g.key, norm); s >= r.threshold && s > bestScore {
				best = g
				bestScore = s
			}
		}
		if best == nil {
			groups = append(groups, &group{key: norm, mentions: []models.EntityMention{m}, exactOnly: true, confidence: 1.0})
			continue
		}
		best.mentions = append(best.mentions, m)
		if bestScore < 1.0 {
			best.exactOnly = false
			if best.confidence > bestScore {
				best.confidence = bestScore
			}
		}
	}

	clusters := make([]Cluster, 0, len(groups))
	for _, g := range groups {
		method := models.ResolutionMethodFuzzy
		if g.exactOnly {
			method = models.ResolutionMethodRule
		}
		clusters = append(clusters, Cluster{
			Mentions:   g.mentions,
			Method:     method,
			Confidence: g.confidence,
		})
	}
	return clusters, nil
}

// normalize lowercases, trims and collapses interior whitespace
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// similarity is 1 minus the normalized edit distance between two strings
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1.0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(dist)/float64(longest)
}
