package service

import (
	"context"
	"sync"
	"time"

	"geochat_backend/internal/model"
	"geochat_backend/internal/repository"
	"geochat_backend/internal/util"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type FriendChecker interface {
	IsFriend(ctx context.Context, userID, friendID string) (bool, error)
}

// sender 包装每个发送者的限流器和最后活跃时间，用于定期清理
type sender struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ChatService opens chat sessions between friends. One token bucket per
// sender is shared by every session that sender has open.
type ChatService struct {
	Messages    MessageStore
	Feed        repository.ChangeFeed
	Connections FriendChecker

	mu      sync.RWMutex
	cfg     SessionConfig
	senders map[string]*sender
}

func NewChatService(messages MessageStore, feed repository.ChangeFeed, connections FriendChecker, cfg SessionConfig) *ChatService {
	return &ChatService{
		Messages:    messages,
		Feed:        feed,
		Connections: connections,
		cfg:         cfg,
		senders:     make(map[string]*sender),
	}
}

// UpdateConfig applies new sync tunables to sessions opened from now on.
// Existing send limiters pick up the new rate immediately.
func (s *ChatService) UpdateConfig(cfg SessionConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	for _, v := range s.senders {
		if cfg.SendRate > 0 {
			v.limiter.SetLimit(cfg.SendRate)
			v.limiter.SetBurst(max(cfg.SendBurst, 1))
		} else {
			v.limiter.SetLimit(rate.Inf)
		}
	}
}

func (s *ChatService) config() SessionConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *ChatService) limiterFor(userID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if v, ok := s.senders[userID]; ok {
		v.lastSeen = now
		return v.limiter
	}
	if len(s.senders) >= 1024 {
		for id, v := range s.senders {
			if now.Sub(v.lastSeen) > limiterIdleTTL {
				delete(s.senders, id)
			}
		}
	}
	v := &sender{limiter: newSendLimiter(s.cfg.SendRate, s.cfg.SendBurst), lastSeen: now}
	s.senders[userID] = v
	return v.limiter
}

// NewSession returns an unopened session for me and them. Only accepted
// friends may chat.
func (s *ChatService) NewSession(ctx context.Context, me, them string) (*ChatSession, error) {
	return s.newSession(ctx, me, them, 0)
}

func (s *ChatService) newSession(ctx context.Context, me, them string, limit int) (*ChatSession, error) {
	const op = "service.ChatService.NewSession"
	if s.Connections != nil && me != them {
		ok, err := s.Connections.IsFriend(ctx, me, them)
		if err != nil {
			return nil, util.Store(op, err)
		}
		if !ok {
			return nil, util.Precondition(op, util.ErrNotFriends)
		}
	}
	cfg := s.config()
	cfg.Limiter = s.limiterFor(me)
	if limit > 0 {
		cfg.ThreadLimit = limit
	}
	return NewChatSession(me, them, s.Messages, s.Feed, cfg)
}

// Thread is a one-shot read of the latest limit messages; limit <= 0 uses
// the configured default.
func (s *ChatService) Thread(ctx context.Context, me, them string, limit int) ([]model.Message, error) {
	session, err := s.newSession(ctx, me, them, limit)
	if err != nil {
		return nil, err
	}
	defer session.Teardown()
	return session.Load(ctx)
}

func (s *ChatService) Send(ctx context.Context, me, them, content string) (model.Message, error) {
	session, err := s.NewSession(ctx, me, them)
	if err != nil {
		return model.Message{}, err
	}
	defer session.Teardown()
	return session.Send(ctx, me, them, content)
}
