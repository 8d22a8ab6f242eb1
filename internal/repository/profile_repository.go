package repository

import (
	"context"
	"time"

	"geochat_backend/internal/model"
	"geochat_backend/pkg/geo"
)

type ProfileRepository struct {
	Store Store
}

func NewProfileRepository(store Store) *ProfileRepository {
	return &ProfileRepository{Store: store}
}

// GetByID returns nil without error when the profile does not exist.
func (r *ProfileRepository) GetByID(ctx context.Context, id string) (*model.Profile, error) {
	var list []model.Profile
	err := r.Store.Query(ctx, Query{
		Table:  model.TableProfiles,
		Filter: Filter{{"id": id}},
		Limit:  1,
	}, &list)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (r *ProfileRepository) ListByIDs(ctx context.Context, ids []string) ([]model.Profile, error) {
	if len(ids) == 0 {
		return []model.Profile{}, nil
	}
	var list []model.Profile
	err := r.Store.Query(ctx, Query{
		Table:   model.TableProfiles,
		Filter:  Filter{{"id": ids}},
		OrderBy: []string{"username ASC", "id ASC"},
	}, &list)
	return list, err
}

// UpdateLocation 同时写入经纬度，保证坐标要么完整要么为空
func (r *ProfileRepository) UpdateLocation(ctx context.Context, id string, c geo.Coordinate, at time.Time) (*model.Profile, error) {
	return r.update(ctx, id, map[string]interface{}{
		"latitude":             c.Latitude,
		"longitude":            c.Longitude,
		"last_location_update": at,
	})
}

func (r *ProfileRepository) ClearLocation(ctx context.Context, id string, at time.Time) (*model.Profile, error) {
	return r.update(ctx, id, map[string]interface{}{
		"latitude":             nil,
		"longitude":            nil,
		"last_location_update": at,
	})
}

func (r *ProfileRepository) update(ctx context.Context, id string, values map[string]interface{}) (*model.Profile, error) {
	var updated []model.Profile
	if err := r.Store.Update(ctx, model.TableProfiles, Match{"id": id}, values, &updated); err != nil {
		return nil, err
	}
	if len(updated) == 0 {
		return nil, nil
	}
	return &updated[0], nil
}
