package model

import (
	"time"

	"geochat_backend/pkg/geo"
)

// Profile 用户资料，坐标在用户开启位置共享前为空
type Profile struct {
	ID                 string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Username           string     `gorm:"size:50;uniqueIndex;not null" json:"username"`
	FullName           *string    `gorm:"size:100" json:"full_name"`
	AvatarURL          *string    `gorm:"size:255" json:"avatar_url"`
	Latitude           *float64   `json:"latitude"`
	Longitude          *float64   `json:"longitude"`
	LastLocationUpdate *time.Time `gorm:"index" json:"last_location_update"`
}

func (Profile) TableName() string {
	return TableProfiles
}

func (p Profile) Identity() string { return p.ID }

// Coordinate reports the shared position. A half-populated pair counts as absent.
func (p Profile) Coordinate() (geo.Coordinate, bool) {
	if p.Latitude == nil || p.Longitude == nil {
		return geo.Coordinate{}, false
	}
	return geo.Coordinate{Latitude: *p.Latitude, Longitude: *p.Longitude}, true
}

// WithCoordinate returns a copy with both coordinate fields set together.
func (p Profile) WithCoordinate(c geo.Coordinate, at time.Time) Profile {
	lat, lng := c.Latitude, c.Longitude
	p.Latitude, p.Longitude = &lat, &lng
	p.LastLocationUpdate = &at
	return p
}

// ProfileLess orders the roster by username, then id.
func ProfileLess(a, b Profile) bool {
	if a.Username != b.Username {
		return a.Username < b.Username
	}
	return a.ID < b.ID
}

// RankedFriend is a Profile with a distance valid for one ranking pass only.
type RankedFriend struct {
	Profile
	DistanceKm float64 `json:"distance_km"`
	Label      string  `json:"proximity_label,omitempty"`
}
