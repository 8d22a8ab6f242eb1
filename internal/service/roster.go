package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"geochat_backend/internal/livesync"
	"geochat_backend/internal/model"
	"geochat_backend/internal/repository"
	"geochat_backend/internal/util"
	"geochat_backend/pkg/geo"

	"go.uber.org/zap"
)

// DefaultPresenceFreshness is how long a shared position counts as online.
const DefaultPresenceFreshness = 5 * time.Minute

type FriendSource interface {
	AcceptedFriendIDsCached(ctx context.Context, userID string) ([]string, error)
	InvalidateFriends(ctx context.Context, userID string)
}

type ProfileSource interface {
	GetByID(ctx context.Context, id string) (*model.Profile, error)
	ListByIDs(ctx context.Context, ids []string) ([]model.Profile, error)
}

// FriendStatus is a roster entry as shown on the map.
type FriendStatus struct {
	model.Profile
	Online bool `json:"online"`
}

// Presence reports a friend as online when a position is shared and was
// updated within freshness of now.
func Presence(p model.Profile, now time.Time, freshness time.Duration) bool {
	if _, ok := p.Coordinate(); !ok || p.LastLocationUpdate == nil {
		return false
	}
	if freshness <= 0 {
		freshness = DefaultPresenceFreshness
	}
	return now.Sub(*p.LastLocationUpdate) <= freshness
}

// WithPresence decorates profiles with their online flag.
func WithPresence(profiles []model.Profile, now time.Time, freshness time.Duration) []FriendStatus {
	out := make([]FriendStatus, len(profiles))
	for i, p := range profiles {
		out[i] = FriendStatus{Profile: p, Online: Presence(p, now, freshness)}
	}
	return out
}

// loadFriends reads the accepted friends of userID, ordered by username.
func loadFriends(ctx context.Context, friends FriendSource, profiles ProfileSource, userID string) ([]model.Profile, error) {
	ids, err := friends.AcceptedFriendIDsCached(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("friend ids: %w", err)
	}
	list, err := profiles.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("friend profiles: %w", err)
	}
	return list, nil
}

// FriendRoster is the live list of a user's accepted friends and their positions.
type FriendRoster struct {
	me        string
	friends   FriendSource
	view      *livesync.Controller[model.Profile]
	freshness time.Duration
	log       *zap.Logger
}

type RosterConfig struct {
	SessionConfig
	PresenceFreshness time.Duration
}

func NewFriendRoster(me string, friends FriendSource, profiles ProfileSource, feed repository.ChangeFeed, cfg RosterConfig) (*FriendRoster, error) {
	if me == "" {
		return nil, util.Validation("service.NewFriendRoster", errors.New("user id is required"))
	}
	r := &FriendRoster{
		me:        me,
		friends:   friends,
		freshness: cfg.PresenceFreshness,
		log:       cfg.logger().With(zap.String("me", me)),
	}
	r.view = livesync.New(livesync.Options[model.Profile]{
		Name: "roster",
		Load: func(ctx context.Context) ([]model.Profile, error) {
			return loadFriends(ctx, friends, profiles, me)
		},
		Subscribe: func(ctx context.Context) (repository.Channel, error) {
			return r.subscribe(ctx, feed)
		},
		Handle:      r.handle,
		Less:        model.ProfileLess,
		LoadTimeout: cfg.LoadTimeout,
		Retry:       cfg.Retry,
		Logger:      r.log,
	})
	return r, nil
}

// subscribe listens to profile updates and to accepted connections of me.
// Profile updates for non-friends are dropped by Replace.
func (r *FriendRoster) subscribe(ctx context.Context, feed repository.ChangeFeed) (repository.Channel, error) {
	if feed == nil {
		return nil, errors.New("no change feed configured")
	}
	profiles, err := feed.Subscribe(ctx, model.TableProfiles, []repository.EventType{repository.EventUpdate}, nil)
	if err != nil {
		return nil, err
	}
	conns, err := feed.Subscribe(ctx, model.TableConnections,
		[]repository.EventType{repository.EventInsert, repository.EventUpdate},
		repository.Filter{{"user_id": r.me, "status": model.ConnectionAccepted}})
	if err != nil {
		profiles.Close()
		return nil, err
	}
	return repository.MergeChannels(profiles, conns), nil
}

func (r *FriendRoster) handle(ctx context.Context, view *livesync.Controller[model.Profile], change repository.Change) error {
	switch change.Table {
	case model.TableConnections:
		// a new friend: the id set changed, re-read the roster
		r.friends.InvalidateFriends(ctx, r.me)
		_, err := view.Load(ctx)
		return err
	case model.TableProfiles:
		p, err := livesync.DecodeJSON[model.Profile](change)
		if err != nil {
			return err
		}
		view.Replace(p)
	}
	return nil
}

func (r *FriendRoster) Open(ctx context.Context) error {
	subErr := r.view.Subscribe(ctx)
	if _, err := r.view.Load(ctx); err != nil {
		return err
	}
	return subErr
}

// Reload re-reads the roster, dropping any cached friend ids first.
func (r *FriendRoster) Reload(ctx context.Context) error {
	r.friends.InvalidateFriends(ctx, r.me)
	_, err := r.view.Load(ctx)
	return err
}

func (r *FriendRoster) Snapshot() livesync.Snapshot[model.Profile] {
	return r.view.Snapshot()
}

// Freshness is the presence window this roster was opened with.
func (r *FriendRoster) Freshness() time.Duration { return r.freshness }

// Entries returns the current roster with presence evaluated at now.
func (r *FriendRoster) Entries(now time.Time) []FriendStatus {
	return WithPresence(r.view.Snapshot().Items, now, r.freshness)
}

// Nearby ranks the current roster from origin.
func (r *FriendRoster) Nearby(origin *geo.Coordinate, maxRadiusKm float64) ([]model.RankedFriend, error) {
	return RankWithin(origin, r.view.Snapshot().Items, maxRadiusKm)
}

func (r *FriendRoster) Status() (livesync.Status, error) {
	return r.view.Status()
}

func (r *FriendRoster) OnChange(fn func(livesync.Snapshot[model.Profile])) func() {
	return r.view.OnChange(fn)
}

func (r *FriendRoster) OnStatus(fn func(livesync.Status, error)) func() {
	return r.view.OnStatus(fn)
}

func (r *FriendRoster) Teardown() {
	r.view.Teardown()
}

// RosterService opens live rosters with the current sync tunables.
type RosterService struct {
	Connections FriendSource
	Profiles    ProfileSource
	Feed        repository.ChangeFeed

	mu  sync.RWMutex
	cfg RosterConfig
}

func NewRosterService(connections FriendSource, profiles ProfileSource, feed repository.ChangeFeed, cfg RosterConfig) *RosterService {
	return &RosterService{Connections: connections, Profiles: profiles, Feed: feed, cfg: cfg}
}

func (s *RosterService) UpdateConfig(cfg RosterConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *RosterService) NewRoster(me string) (*FriendRoster, error) {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()
	return NewFriendRoster(me, s.Connections, s.Profiles, s.Feed, cfg)
}
