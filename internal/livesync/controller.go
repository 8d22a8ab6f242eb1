// Package livesync keeps an ordered, de-duplicated in-memory view of store
// rows in step with a change feed.
package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"geochat_backend/internal/repository"
	"geochat_backend/internal/util"
	"geochat_backend/pkg/logger"
	"geochat_backend/pkg/monitoring"
	"geochat_backend/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Record is a row with a stable identity.
type Record interface {
	Identity() string
}

type Status int

const (
	StatusIdle Status = iota
	StatusLive
	StatusDegraded
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusLive:
		return "live"
	case StatusDegraded:
		return "degraded"
	case StatusClosed:
		return "closed"
	default:
		return "idle"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Snapshot is an immutable copy of the view. Version increases on every change.
type Snapshot[T Record] struct {
	Items   []T    `json:"items"`
	Version uint64 `json:"version"`
	Status  Status `json:"status"`
}

type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

var DefaultRetry = RetryPolicy{
	MaxAttempts:     6,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     30 * time.Second,
}

// Handler applies one change to the view. The default decodes the row and
// merges INSERTs and replaces UPDATEs.
type Handler[T Record] func(ctx context.Context, c *Controller[T], change repository.Change) error

type Options[T Record] struct {
	Name        string
	Load        func(ctx context.Context) ([]T, error)
	Subscribe   func(ctx context.Context) (repository.Channel, error)
	Decode      func(change repository.Change) (T, error)
	Handle      Handler[T]
	Less        func(a, b T) bool
	LoadTimeout time.Duration
	Retry       RetryPolicy
	Logger      *zap.Logger
}

type Controller[T Record] struct {
	opts Options[T]
	log  *zap.Logger

	// subMu serializes Subscribe and Teardown.
	subMu sync.Mutex

	mu       sync.Mutex
	items    []T
	ids      map[string]struct{}
	version  uint64
	status   Status
	lastErr  error
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
	nextObs  int
	loading  int
	touched  map[string]touch[T]
	onChange map[int]func(Snapshot[T])
	onStatus map[int]func(Status, error)
}

// touch is a row merged or replaced while a Load was reading.
type touch[T Record] struct {
	row      T
	inserted bool
}

func New[T Record](opts Options[T]) *Controller[T] {
	if opts.Name == "" {
		opts.Name = "view"
	}
	if opts.Decode == nil {
		opts.Decode = DecodeJSON[T]
	}
	if opts.Less == nil {
		opts.Less = func(a, b T) bool { return a.Identity() < b.Identity() }
	}
	l := opts.Logger
	if l == nil {
		l = logger.Named("livesync")
	}
	return &Controller[T]{
		opts:     opts,
		log:      l.With(zap.String("view", opts.Name)),
		ids:      make(map[string]struct{}),
		onChange: make(map[int]func(Snapshot[T])),
		onStatus: make(map[int]func(Status, error)),
	}
}

// DecodeJSON decodes the change row into a T.
func DecodeJSON[T Record](change repository.Change) (T, error) {
	var v T
	err := json.Unmarshal(change.Row, &v)
	return v, err
}

func (c *Controller[T]) Name() string { return c.opts.Name }

// Load replaces the view with a fresh read. On failure the previous snapshot
// is kept and the error carries KindStore or KindTimeout.
func (c *Controller[T]) Load(ctx context.Context) (items []T, err error) {
	const op = "livesync.Load"
	if c.isClosed() {
		return nil, util.Precondition(op, util.ErrViewClosed)
	}
	if c.opts.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.LoadTimeout)
		defer cancel()
	}
	ctx, span := tracing.Start(ctx, "livesync.load", attribute.String("view", c.opts.Name))
	defer func() { tracing.End(span, err) }()

	c.mu.Lock()
	c.loading++
	c.mu.Unlock()

	start := time.Now()
	rows, err := c.opts.Load(ctx)
	monitoring.LoadDuration.WithLabelValues(c.opts.Name).Observe(time.Since(start).Seconds())

	c.mu.Lock()
	touched := make(map[string]touch[T], len(c.touched))
	for id, t := range c.touched {
		touched[id] = t
	}
	c.loading--
	if c.loading == 0 {
		c.touched = nil
	}
	c.mu.Unlock()

	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			err = util.E(util.KindTimeout, op, err)
		case util.KindOf(err) == util.KindUnknown:
			err = util.Store(op, err)
		}
		c.log.Warn("initial load failed", zap.Error(err))
		return nil, err
	}

	fresh := make([]T, 0, len(rows))
	pos := make(map[string]int, len(rows))
	for _, r := range rows {
		id := r.Identity()
		if _, dup := pos[id]; dup {
			continue
		}
		pos[id] = len(fresh)
		fresh = append(fresh, r)
	}
	// events applied while the read was in flight are newer than the read
	for id, t := range touched {
		if i, ok := pos[id]; ok {
			fresh[i] = t.row
		} else if t.inserted {
			pos[id] = len(fresh)
			fresh = append(fresh, t.row)
		}
	}
	ids := make(map[string]struct{}, len(fresh))
	for id := range pos {
		ids[id] = struct{}{}
	}
	sort.SliceStable(fresh, func(i, j int) bool { return c.opts.Less(fresh[i], fresh[j]) })

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, util.Precondition(op, util.ErrViewClosed)
	}
	c.items = fresh
	c.ids = ids
	c.version++
	snap, obs := c.snapshotLocked(), c.changeObserversLocked()
	c.mu.Unlock()

	c.log.Debug("view loaded", zap.Int("items", len(fresh)))
	notifyChange(obs, snap)
	return snap.Items, nil
}

// Subscribe opens the change channel and starts applying events. Calling it
// on a live view is a no-op.
func (c *Controller[T]) Subscribe(ctx context.Context) error {
	const op = "livesync.Subscribe"
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return util.Precondition(op, util.ErrViewClosed)
	}
	if c.done != nil {
		select {
		case <-c.done:
			// the previous pump gave up reconnecting
		default:
			c.mu.Unlock()
			return nil
		}
	}
	c.mu.Unlock()

	ch, err := c.opts.Subscribe(ctx)
	if err != nil {
		err = util.Subscription(op, err)
		c.log.Warn("subscribe failed", zap.Error(err))
		c.setStatus(StatusDegraded, err)
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.setStatus(StatusLive, nil)
	monitoring.LiveViews.WithLabelValues(c.opts.Name).Inc()
	go c.pump(pumpCtx, ch, done)
	return nil
}

// Teardown stops the subscription and waits for the event pump to exit.
// After it returns no event mutates the view. It must not be called from an
// observer callback.
func (c *Controller[T]) Teardown() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.status = StatusClosed
	c.lastErr = nil
	cancel, done := c.cancel, c.done
	obs := c.statusObserversLocked()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	notifyStatus(obs, StatusClosed, nil)

	c.mu.Lock()
	c.onChange = make(map[int]func(Snapshot[T]))
	c.onStatus = make(map[int]func(Status, error))
	c.mu.Unlock()
	c.log.Debug("view torn down")
}

// Merge inserts row at its ordered position. It reports false when the row
// is already present or the view is closed.
func (c *Controller[T]) Merge(row T) bool {
	id := row.Identity()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if _, ok := c.ids[id]; ok {
		c.mu.Unlock()
		return false
	}
	c.ids[id] = struct{}{}
	c.insertLocked(row)
	c.touchLocked(id, row, true)
	c.version++
	snap, obs := c.snapshotLocked(), c.changeObserversLocked()
	c.mu.Unlock()

	notifyChange(obs, snap)
	return true
}

// Replace overwrites the row with the same identity and re-sorts. It reports
// false when no such row is held. An update for an unknown row that arrives
// during a Load is kept and applied to the read result.
func (c *Controller[T]) Replace(row T) bool {
	id := row.Identity()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if _, ok := c.ids[id]; !ok {
		c.touchLocked(id, row, false)
		c.mu.Unlock()
		return false
	}
	for i := range c.items {
		if c.items[i].Identity() == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			break
		}
	}
	c.insertLocked(row)
	c.touchLocked(id, row, false)
	c.version++
	snap, obs := c.snapshotLocked(), c.changeObserversLocked()
	c.mu.Unlock()

	notifyChange(obs, snap)
	return true
}

func (c *Controller[T]) touchLocked(id string, row T, inserted bool) {
	if c.loading == 0 {
		return
	}
	if c.touched == nil {
		c.touched = make(map[string]touch[T])
	}
	if prev, ok := c.touched[id]; ok {
		inserted = inserted || prev.inserted
	}
	c.touched[id] = touch[T]{row: row, inserted: inserted}
}

// insertLocked places row after every item that does not sort after it.
func (c *Controller[T]) insertLocked(row T) {
	i := sort.Search(len(c.items), func(i int) bool { return c.opts.Less(row, c.items[i]) })
	var zero T
	c.items = append(c.items, zero)
	copy(c.items[i+1:], c.items[i:])
	c.items[i] = row
}

func (c *Controller[T]) Snapshot() Snapshot[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Status returns the current status and the error that caused degradation.
func (c *Controller[T]) Status() (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.lastErr
}

func (c *Controller[T]) OnChange(fn func(Snapshot[T])) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.onChange[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.onChange, id)
		c.mu.Unlock()
	}
}

func (c *Controller[T]) OnStatus(fn func(Status, error)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.onStatus[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.onStatus, id)
		c.mu.Unlock()
	}
}

func (c *Controller[T]) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller[T]) setStatus(s Status, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.lastErr = err
	obs := c.statusObserversLocked()
	c.mu.Unlock()
	notifyStatus(obs, s, err)
}

func (c *Controller[T]) snapshotLocked() Snapshot[T] {
	items := make([]T, len(c.items))
	copy(items, c.items)
	return Snapshot[T]{Items: items, Version: c.version, Status: c.status}
}

func (c *Controller[T]) changeObserversLocked() []func(Snapshot[T]) {
	obs := make([]func(Snapshot[T]), 0, len(c.onChange))
	for _, fn := range c.onChange {
		obs = append(obs, fn)
	}
	return obs
}

func (c *Controller[T]) statusObserversLocked() []func(Status, error) {
	obs := make([]func(Status, error), 0, len(c.onStatus))
	for _, fn := range c.onStatus {
		obs = append(obs, fn)
	}
	return obs
}

func notifyChange[T Record](obs []func(Snapshot[T]), snap Snapshot[T]) {
	for _, fn := range obs {
		fn(snap)
	}
}

func notifyStatus(obs []func(Status, error), s Status, err error) {
	for _, fn := range obs {
		fn(s, err)
	}
}
