package service

import (
	"context"
	"time"

	"geochat_backend/internal/model"
	"geochat_backend/internal/util"
	"geochat_backend/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
)

// NearbyService answers one-shot roster and proximity queries.
type NearbyService struct {
	Connections FriendSource
	Profiles    ProfileSource
	Avatars     AvatarResolver
	Freshness   time.Duration
	Timeout     time.Duration
	Now         func() time.Time
}

func NewNearbyService(friends FriendSource, profiles ProfileSource, avatars AvatarResolver, freshness, timeout time.Duration) *NearbyService {
	return &NearbyService{
		Connections: friends,
		Profiles:    profiles,
		Avatars:     avatars,
		Freshness:   freshness,
		Timeout:     timeout,
		Now:         time.Now,
	}
}

func (s *NearbyService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.Timeout > 0 {
		return context.WithTimeout(ctx, s.Timeout)
	}
	return context.WithCancel(ctx)
}

// Friends returns the accepted friends of userID with presence.
func (s *NearbyService) Friends(ctx context.Context, userID string) (_ []FriendStatus, err error) {
	const op = "service.NearbyService.Friends"
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ctx, span := tracing.Start(ctx, "nearby.friends", attribute.String("user_id", userID))
	defer func() { tracing.End(span, err) }()

	list, err := loadFriends(ctx, s.Connections, s.Profiles, userID)
	if err != nil {
		return nil, util.Store(op, err)
	}
	s.resolveAvatars(ctx, list)
	return WithPresence(list, s.Now(), s.Freshness), nil
}

// Nearby ranks the friends of userID by distance from userID's own shared
// position. It fails with ErrLocationRequired when that position is absent.
func (s *NearbyService) Nearby(ctx context.Context, userID string, maxRadiusKm float64) (_ []model.RankedFriend, err error) {
	const op = "service.NearbyService.Nearby"
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ctx, span := tracing.Start(ctx, "nearby.rank", attribute.String("user_id", userID))
	defer func() { tracing.End(span, err) }()

	me, err := s.Profiles.GetByID(ctx, userID)
	if err != nil {
		return nil, util.Store(op, err)
	}
	if me == nil {
		return nil, util.Precondition(op, util.ErrProfileNotFound)
	}
	origin, ok := me.Coordinate()
	if !ok {
		return nil, util.Precondition(op, util.ErrLocationRequired)
	}

	friends, err := loadFriends(ctx, s.Connections, s.Profiles, userID)
	if err != nil {
		return nil, util.Store(op, err)
	}
	s.resolveAvatars(ctx, friends)
	return RankWithin(&origin, friends, maxRadiusKm)
}

func (s *NearbyService) resolveAvatars(ctx context.Context, list []model.Profile) {
	if s.Avatars == nil {
		return
	}
	for i := range list {
		list[i].AvatarURL = s.Avatars.Resolve(ctx, list[i].AvatarURL)
	}
}
