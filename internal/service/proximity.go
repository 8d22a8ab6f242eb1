package service

import (
	"math"
	"sort"

	"geochat_backend/internal/model"
	"geochat_backend/internal/util"
	"geochat_backend/pkg/geo"
)

// Rank orders candidates by great-circle distance from origin. Candidates
// without a shared position are left out. Equal distances keep input order.
func Rank(origin *geo.Coordinate, candidates []model.Profile) ([]model.RankedFriend, error) {
	return RankWithin(origin, candidates, 0)
}

// RankWithin is Rank restricted to maxRadiusKm. A non-positive radius means
// no limit and no proximity labels.
func RankWithin(origin *geo.Coordinate, candidates []model.Profile, maxRadiusKm float64) ([]model.RankedFriend, error) {
	if origin == nil {
		return nil, util.Precondition("service.Rank", util.ErrLocationRequired)
	}

	ranked := make([]model.RankedFriend, 0, len(candidates))
	for _, p := range candidates {
		c, ok := p.Coordinate()
		if !ok {
			continue
		}
		d := geo.DistanceKm(*origin, c)
		if math.IsNaN(d) {
			continue
		}
		if maxRadiusKm > 0 && d > maxRadiusKm {
			continue
		}
		ranked = append(ranked, model.RankedFriend{
			Profile:    p,
			DistanceKm: d,
			Label:      ProximityLabel(d, maxRadiusKm),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].DistanceKm < ranked[j].DistanceKm
	})
	return ranked, nil
}

// ProximityLabel turns a distance into a coarse label relative to the search
// radius, so clients can show closeness without exact distance.
func ProximityLabel(distanceKm, maxRadiusKm float64) string {
	if maxRadiusKm <= 0 {
		return ""
	}
	progress := proximityProgress(distanceKm, maxRadiusKm)
	switch {
	case progress >= 75:
		return "Very Close"
	case progress >= 50:
		return "Nearby"
	case progress >= 25:
		return "Within Area"
	case progress > 0:
		return "Far (within range)"
	default:
		return "At Edge"
	}
}

// proximityProgress is (1 - distance/radius) * 100, clamped to [0, 100].
func proximityProgress(distanceKm, maxRadiusKm float64) float64 {
	if distanceKm >= maxRadiusKm {
		return 0
	}
	p := (1 - distanceKm/maxRadiusKm) * 100
	return math.Max(0, math.Min(100, p))
}
