package repository

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgChangePrefix = "changes_"

// PgFeed listens on the NOTIFY channels filled by the trigger GormStore.Migrate installs.
// Each subscription holds one pooled connection for its lifetime.
type PgFeed struct {
	Pool *pgxpool.Pool
}

func NewPgFeed(pool *pgxpool.Pool) *PgFeed {
	return &PgFeed{Pool: pool}
}

func (f *PgFeed) Subscribe(ctx context.Context, table string, events []EventType, filter Filter) (Channel, error) {
	conn, err := f.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	channel := pgx.Identifier{pgChangePrefix + table}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	c := &pgChannel{
		conn:     conn,
		cancel:   cancel,
		events:   make(chan Change, 64),
		errs:     make(chan error, 1),
		finished: make(chan struct{}),
	}
	go c.pump(loopCtx, table, events, filter)
	return c, nil
}

type pgChannel struct {
	conn     *pgxpool.Conn
	cancel   context.CancelFunc
	events   chan Change
	errs     chan error
	finished chan struct{}
	once     sync.Once
}

func (c *pgChannel) pump(ctx context.Context, table string, events []EventType, filter Filter) {
	defer close(c.finished)
	defer close(c.events)
	for {
		n, err := c.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.errs <- err
			}
			return
		}
		change, ok := decodeChange("postgres", table, n.Payload)
		if !ok {
			continue
		}
		if !MatchChange(change, events, filter) {
			continue
		}
		select {
		case c.events <- change:
		case <-ctx.Done():
			return
		}
	}
}

func (c *pgChannel) Events() <-chan Change { return c.events }

func (c *pgChannel) Errors() <-chan error { return c.errs }

// Close stops listening. WaitForNotification leaves the connection unusable
// after cancellation, so it is closed rather than returned to the pool.
func (c *pgChannel) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		<-c.finished
		err = c.conn.Conn().Close(context.Background())
		c.conn.Release()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	})
	return err
}
