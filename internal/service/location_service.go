package service

import (
	"context"
	"time"

	"geochat_backend/internal/model"
	"geochat_backend/internal/util"
	"geochat_backend/pkg/geo"
	"geochat_backend/pkg/logger"

	"go.uber.org/zap"
)

type LocationStore interface {
	UpdateLocation(ctx context.Context, id string, c geo.Coordinate, at time.Time) (*model.Profile, error)
	ClearLocation(ctx context.Context, id string, at time.Time) (*model.Profile, error)
}

// LocationService writes the viewer's shared position. The resulting profile
// UPDATE reaches friends' rosters through the change feed.
type LocationService struct {
	Store   LocationStore
	Timeout time.Duration
	Now     func() time.Time
}

func NewLocationService(store LocationStore, timeout time.Duration) *LocationService {
	return &LocationService{Store: store, Timeout: timeout, Now: time.Now}
}

func (s *LocationService) UpdateLocation(ctx context.Context, userID string, c geo.Coordinate) (*model.Profile, error) {
	const op = "service.LocationService.UpdateLocation"
	if !c.Valid() {
		return nil, util.Validation(op, util.ErrInvalidCoordinate)
	}
	return s.write(ctx, op, userID, func(ctx context.Context, at time.Time) (*model.Profile, error) {
		return s.Store.UpdateLocation(ctx, userID, c, at)
	})
}

// ClearLocation stops sharing by nulling both coordinate columns.
func (s *LocationService) ClearLocation(ctx context.Context, userID string) (*model.Profile, error) {
	const op = "service.LocationService.ClearLocation"
	return s.write(ctx, op, userID, func(ctx context.Context, at time.Time) (*model.Profile, error) {
		return s.Store.ClearLocation(ctx, userID, at)
	})
}

func (s *LocationService) write(ctx context.Context, op, userID string, fn func(context.Context, time.Time) (*model.Profile, error)) (*model.Profile, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	p, err := fn(ctx, s.Now().UTC())
	if err != nil {
		logger.Log.Error("location write failed", zap.String("op", op), zap.String("userId", userID), zap.Error(err))
		return nil, util.Store(op, err)
	}
	if p == nil {
		return nil, util.Precondition(op, util.ErrProfileNotFound)
	}
	return p, nil
}
