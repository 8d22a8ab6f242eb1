package service

import (
	"testing"

	"geochat_backend/internal/model"
	"geochat_backend/internal/util"
	"geochat_backend/pkg/geo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func located(id string, lat, lng float64) model.Profile {
	return model.Profile{ID: id, Username: id, Latitude: ptr(lat), Longitude: ptr(lng)}
}

func rankedIDs(r []model.RankedFriend) []string {
	out := make([]string, len(r))
	for i, f := range r {
		out[i] = f.ID
	}
	return out
}

func TestRankRequiresOrigin(t *testing.T) {
	_, err := Rank(nil, []model.Profile{located("a", 0, 0)})
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrLocationRequired)
	assert.Equal(t, util.KindPrecondition, util.KindOf(err))
}

func TestRankOrdersByDistanceAndSkipsUnlocated(t *testing.T) {
	origin := &geo.Coordinate{Latitude: 51.5074, Longitude: -0.1278}
	candidates := []model.Profile{
		located("paris", 48.8566, 2.3522),
		{ID: "hidden", Username: "hidden"},
		{ID: "half", Username: "half", Latitude: ptr(10.0)},
		located("oxford", 51.752, -1.2577),
		located("nyc", 40.7128, -74.006),
	}

	ranked, err := Rank(origin, candidates)
	require.NoError(t, err)
	assert.Equal(t, []string{"oxford", "paris", "nyc"}, rankedIDs(ranked))
	for i := 1; i < len(ranked); i++ {
		assert.LessOrEqual(t, ranked[i-1].DistanceKm, ranked[i].DistanceKm)
	}
	assert.Empty(t, ranked[0].Label)
}

func TestRankIsDeterministicOnTies(t *testing.T) {
	origin := &geo.Coordinate{}
	candidates := []model.Profile{
		located("east", 0, 1),
		located("west", 0, -1),
		located("north", 1, 0),
	}
	first, err := Rank(origin, candidates)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Rank(origin, candidates)
		require.NoError(t, err)
		assert.Equal(t, rankedIDs(first), rankedIDs(again))
	}
	assert.Equal(t, []string{"east", "west", "north"}, rankedIDs(first))
}

func TestRankEmpty(t *testing.T) {
	ranked, err := Rank(&geo.Coordinate{}, nil)
	require.NoError(t, err)
	assert.Empty(t, ranked)
}

func TestRankWithinDropsFarCandidates(t *testing.T) {
	origin := &geo.Coordinate{Latitude: 51.5074, Longitude: -0.1278}
	ranked, err := RankWithin(origin, []model.Profile{
		located("paris", 48.8566, 2.3522),
		located("oxford", 51.752, -1.2577),
	}, 200)
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, "oxford", ranked[0].ID)
	assert.Equal(t, "Nearby", ranked[0].Label)
}

func TestProximityLabel(t *testing.T) {
	assert.Equal(t, "Very Close", ProximityLabel(1, 10))
	assert.Equal(t, "Nearby", ProximityLabel(4, 10))
	assert.Equal(t, "Within Area", ProximityLabel(7, 10))
	assert.Equal(t, "Far (within range)", ProximityLabel(9, 10))
	assert.Equal(t, "At Edge", ProximityLabel(10, 10))
	assert.Empty(t, ProximityLabel(3, 0))
}
