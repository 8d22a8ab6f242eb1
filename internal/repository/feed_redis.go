package repository

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisChangePrefix = "changes:"

// RedisFeed fans row changes out over Redis Pub/Sub, one channel per table.
type RedisFeed struct {
	Redis *redis.Client
}

func NewRedisFeed(rdb *redis.Client) *RedisFeed {
	return &RedisFeed{Redis: rdb}
}

func (f *RedisFeed) Publish(ctx context.Context, change Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return f.Redis.Publish(ctx, redisChangePrefix+change.Table, payload).Err()
}

func (f *RedisFeed) Subscribe(ctx context.Context, table string, events []EventType, filter Filter) (Channel, error) {
	pubsub := f.Redis.Subscribe(ctx, redisChangePrefix+table)
	// 等待订阅确认，确保订阅建立后才返回
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}
	c := &redisChannel{
		pubsub: pubsub,
		events: make(chan Change, 64),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go c.pump(pubsub.Channel(redis.WithChannelHealthCheckInterval(30*time.Second)), table, events, filter)
	return c, nil
}

type redisChannel struct {
	pubsub *redis.PubSub
	events chan Change
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

func (c *redisChannel) pump(in <-chan *redis.Message, table string, events []EventType, filter Filter) {
	defer close(c.events)
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-in:
			if !ok {
				select {
				case <-c.done:
				default:
					c.errs <- errors.New("redis pubsub channel closed")
				}
				return
			}
			change, ok := decodeChange("redis", table, msg.Payload)
			if !ok {
				continue
			}
			if !MatchChange(change, events, filter) {
				continue
			}
			select {
			case c.events <- change:
			case <-c.done:
				return
			}
		}
	}
}

func (c *redisChannel) Events() <-chan Change { return c.events }

func (c *redisChannel) Errors() <-chan error { return c.errs }

func (c *redisChannel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.pubsub.Close()
	})
	return err
}
