package geo

import "math"

// EarthRadiusKm is the mean Earth radius used for Haversine.
const EarthRadiusKm = 6371.0

// Coordinate is a point in degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the coordinate is inside the WGS84 degree ranges.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// Normalize clamps latitude to [-90,90] and wraps longitude into [-180,180].
// NaN components are left untouched.
func (c Coordinate) Normalize() Coordinate {
	lat, lng := c.Latitude, c.Longitude
	if lat > 90 {
		lat = 90
	} else if lat < -90 {
		lat = -90
	}
	if !math.IsNaN(lng) && !math.IsInf(lng, 0) && (lng > 180 || lng < -180) {
		lng = math.Mod(lng+180, 360)
		if lng < 0 {
			lng += 360
		}
		lng -= 180
	}
	return Coordinate{Latitude: lat, Longitude: lng}
}

// DistanceKm returns the great-circle distance in km between a and b.
func DistanceKm(a, b Coordinate) float64 {
	return HaversineKm(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

// HaversineKm returns distance in km between two points (lat/lng in degrees).
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	p1 := Coordinate{Latitude: lat1, Longitude: lng1}.Normalize()
	p2 := Coordinate{Latitude: lat2, Longitude: lng2}.Normalize()

	rad := func(d float64) float64 { return d * math.Pi / 180 }
	lat1Rad, lat2Rad := rad(p1.Latitude), rad(p2.Latitude)
	dLat := rad(p2.Latitude - p1.Latitude)
	dLng := rad(p2.Longitude - p1.Longitude)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// rounding can leave h slightly outside [0,1] for antipodal or coincident points
	if h < 0 {
		h = 0
	} else if h > 1 {
		h = 1
	}
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}
