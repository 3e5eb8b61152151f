package cascade

import (
	"log/slog"
	"math"

	"github.com/dynarisk/riskengine/internal/model"
	"github.com/dynarisk/riskengine/internal/policy"
)

// Result is the outcome of one propagation pass.
type Result struct {
	// Scores holds the combined (direct + cascaded) score per service,
	// for every acyclic service in the graph.
	Scores map[string]float64
	// Skipped lists the cyclic components whose propagation was skipped.
	Skipped []*CycleError
}

// Propagator walks the dependency graph and combines cascaded parent
// contributions with each service's own direct score.
type Propagator struct {
	logger *slog.Logger
}

// NewPropagator creates a cascade propagator.
func NewPropagator(logger *slog.Logger) *Propagator {
	return &Propagator{logger: logger}
}

// Propagate computes combined scores for every acyclic service. direct maps
// service ID to its own composite score; services absent from the map carry
// a direct score of 0. The combination strategy comes from policy.
func (p *Propagator) Propagate(g *Graph, direct map[string]float64, pol policy.Policy) Result {
	cyclic, skipped := g.cyclicMembers()
	for _, cycle := range skipped {
		p.logger.Warn("Skipping cascade for cyclic dependency component",
			"services", cycle.Services)
	}

	combined := make(map[string]float64, len(g.ids))
	for _, node := range g.topoOrder(cyclic) {
		id := g.ids[node]

		// Gather weighted contributions from already-combined parents so
		// risk cascades transitively down the graph.
		var contributions []float64
		for _, e := range g.incoming[node] {
			if cyclic[e.to] {
				continue
			}
			parentScore := combined[g.ids[e.to]]
			if parentScore > 0 && e.weight > 0 {
				contributions = append(contributions, parentScore*e.weight)
			}
		}

		combined[id] = model.ClampScore(combine(direct[id], contributions, pol.Cascade.Strategy))
	}

	return Result{Scores: combined, Skipped: skipped}
}

// combine merges a service's direct score with its cascaded contributions
// under the policy-selected strategy.
func combine(direct float64, contributions []float64, strategy string) float64 {
	switch strategy {
	case policy.CascadeMax:
		score := direct
		for _, c := range contributions {
			score = math.Max(score, c)
		}
		return score

	case policy.CascadeProbOr:
		// Treat each score as an independent probability of impact:
		// 1 - Π(1 - s/100), rescaled to 0-100.
		complement := 1 - model.ClampScore(direct)/100
		for _, c := range contributions {
			complement *= 1 - model.ClampScore(c)/100
		}
		return (1 - complement) * 100

	default: // policy.CascadeWeightedSum
		score := direct
		for _, c := range contributions {
			score += c
		}
		return score
	}
}
