package model

import (
	"testing"
	"time"

	"geochat_backend/pkg/geo"

	"github.com/stretchr/testify/assert"
)

func TestProfileCoordinateRequiresBothFields(t *testing.T) {
	lat := 10.0
	p := Profile{ID: "a", Latitude: &lat}
	_, ok := p.Coordinate()
	assert.False(t, ok)

	p = p.WithCoordinate(geo.Coordinate{Latitude: 1, Longitude: 2}, time.Now())
	c, ok := p.Coordinate()
	assert.True(t, ok)
	assert.Equal(t, geo.Coordinate{Latitude: 1, Longitude: 2}, c)
	assert.NotNil(t, p.LastLocationUpdate)
}

func TestMessageLessTieBreaksOnID(t *testing.T) {
	ts := time.Unix(100, 0)
	a := Message{ID: "a", CreatedAt: ts}
	b := Message{ID: "b", CreatedAt: ts}
	assert.True(t, MessageLess(a, b))
	assert.False(t, MessageLess(b, a))

	earlier := Message{ID: "z", CreatedAt: ts.Add(-time.Second)}
	assert.True(t, MessageLess(earlier, a))
}
