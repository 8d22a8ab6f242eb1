package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"geochat_backend/internal/livesync"
	"geochat_backend/internal/model"
	"geochat_backend/internal/repository"
	"geochat_backend/internal/util"
	"geochat_backend/pkg/logger"
	"geochat_backend/pkg/monitoring"
	"geochat_backend/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MaxMessageBytes keeps a message row under the 8000 byte NOTIFY payload limit.
const MaxMessageBytes = 4000

type MessageStore interface {
	Thread(ctx context.Context, me, them string, limit int) ([]model.Message, error)
	Create(ctx context.Context, msg *model.Message) error
}

// SessionConfig 会话级参数，来自 sync 配置段
type SessionConfig struct {
	LoadTimeout time.Duration
	SendTimeout time.Duration
	Retry       livesync.RetryPolicy
	SendRate    rate.Limit
	SendBurst   int
	ThreadLimit int
	// Limiter overrides SendRate/SendBurst, e.g. to share one bucket per sender.
	Limiter     *rate.Limiter
	Logger      *zap.Logger
}

func (c SessionConfig) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logger.Named("service")
}

func newSendLimiter(r rate.Limit, burst int) *rate.Limiter {
	if r <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(r, burst)
}

// ChatSession is the live message thread between two users.
type ChatSession struct {
	me, them    string
	messages    MessageStore
	view        *livesync.Controller[model.Message]
	limiter     *rate.Limiter
	sendTimeout time.Duration
	log         *zap.Logger
}

func NewChatSession(me, them string, messages MessageStore, feed repository.ChangeFeed, cfg SessionConfig) (*ChatSession, error) {
	const op = "service.NewChatSession"
	if me == "" || them == "" {
		return nil, util.Validation(op, errors.New("both participants are required"))
	}
	if me == them {
		return nil, util.Validation(op, errors.New("cannot chat with yourself"))
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = newSendLimiter(cfg.SendRate, cfg.SendBurst)
	}

	log := cfg.logger().With(zap.String("me", me), zap.String("them", them))
	s := &ChatSession{
		me:          me,
		them:        them,
		messages:    messages,
		limiter:     limiter,
		sendTimeout: cfg.SendTimeout,
		log:         log,
	}
	filter := repository.PairFilter(me, them)
	s.view = livesync.New(livesync.Options[model.Message]{
		Name: "thread",
		Load: func(ctx context.Context) ([]model.Message, error) {
			return messages.Thread(ctx, me, them, cfg.ThreadLimit)
		},
		Subscribe: func(ctx context.Context) (repository.Channel, error) {
			if feed == nil {
				return nil, errors.New("no change feed configured")
			}
			return feed.Subscribe(ctx, model.TableMessages, []repository.EventType{repository.EventInsert}, filter)
		},
		Less:        model.MessageLess,
		LoadTimeout: cfg.LoadTimeout,
		Retry:       cfg.Retry,
		Logger:      log,
	})
	return s, nil
}

func (s *ChatSession) Me() string   { return s.me }
func (s *ChatSession) Them() string { return s.them }

// Open subscribes first and then loads, so rows committed during the read
// are not lost. A subscription failure leaves a loaded, degraded thread and
// is returned when the load itself succeeded.
func (s *ChatSession) Open(ctx context.Context) error {
	subErr := s.view.Subscribe(ctx)
	if _, err := s.view.Load(ctx); err != nil {
		return err
	}
	return subErr
}

func (s *ChatSession) Load(ctx context.Context) ([]model.Message, error) {
	return s.view.Load(ctx)
}

// Send validates and inserts a message. The thread only shows it once the
// change feed delivers the insert.
func (s *ChatSession) Send(ctx context.Context, from, to, content string) (msg model.Message, err error) {
	const op = "service.ChatSession.Send"
	defer func() {
		result := "ok"
		if err != nil {
			result = util.KindOf(err).String()
		}
		monitoring.MessagesSent.WithLabelValues(result).Inc()
	}()

	content = strings.TrimSpace(content)
	if content == "" {
		return model.Message{}, util.Validation(op, util.ErrEmptyMessage)
	}
	if len(content) > MaxMessageBytes {
		return model.Message{}, util.Validation(op, util.ErrMessageTooLong)
	}
	if from != s.me || to != s.them {
		return model.Message{}, util.Precondition(op, util.ErrNotSessionPair)
	}
	if !s.limiter.Allow() {
		return model.Message{}, util.Validation(op, util.ErrRateLimited)
	}

	if s.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.sendTimeout)
		defer cancel()
	}
	ctx, span := tracing.Start(ctx, "chat.send", attribute.String("receiver_id", to))
	defer func() { tracing.End(span, err) }()

	msg = model.Message{
		ID:         model.GenerateUUID(),
		SenderID:   from,
		ReceiverID: to,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	}
	if cerr := s.messages.Create(ctx, &msg); cerr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return model.Message{}, util.E(util.KindTimeout, op, cerr)
		}
		s.log.Error("insert message", zap.Error(cerr))
		return model.Message{}, util.Store(op, cerr)
	}
	return msg, nil
}

func (s *ChatSession) Snapshot() livesync.Snapshot[model.Message] {
	return s.view.Snapshot()
}

func (s *ChatSession) Status() (livesync.Status, error) {
	return s.view.Status()
}

func (s *ChatSession) OnChange(fn func(livesync.Snapshot[model.Message])) func() {
	return s.view.OnChange(fn)
}

func (s *ChatSession) OnStatus(fn func(livesync.Status, error)) func() {
	return s.view.OnStatus(fn)
}

func (s *ChatSession) Teardown() {
	s.view.Teardown()
}
