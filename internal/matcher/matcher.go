// Package matcher picks the technicians a request is offered to.
package matcher

import (
	"sort"

	"github.com/example/repair-dispatch/internal/geo"
	"github.com/example/repair-dispatch/internal/models"
)

// Rank keeps eligible technicians that are not excluded, orders them nearest
// first with ties going to the higher reliability score, and returns at most
// topN candidates. Missing scores count as the default.
func Rank(hits []geo.Hit, reliability map[string]int, excluded map[string]bool, topN int) []models.Candidate {
	out := make([]models.Candidate, 0, len(hits))
	for _, h := range hits {
		t := h.Technician
		if !t.Eligible() || excluded[t.ID] {
			continue
		}
		score, ok := reliability[t.ID]
		if !ok {
			score = models.DefaultReliability
		}
		out = append(out, models.Candidate{TechnicianID: t.ID, DistanceKm: h.DistanceKm, Reliability: score, Loc: t.Loc})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		if out[i].Reliability != out[j].Reliability {
			return out[i].Reliability > out[j].Reliability
		}
		return out[i].TechnicianID < out[j].TechnicianID
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

// IDs returns the technician ids of cands in order.
func IDs(cands []models.Candidate) []string {
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.TechnicianID
	}
	return ids
}
