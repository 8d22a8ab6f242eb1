package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"geochat_backend/internal/model"
	"geochat_backend/internal/repository"
	"geochat_backend/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeChannel struct {
	events chan repository.Change
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		events: make(chan repository.Change, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (f *fakeChannel) Events() <-chan repository.Change { return f.events }
func (f *fakeChannel) Errors() <-chan error             { return f.errs }
func (f *fakeChannel) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeChannel) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// subscriber hands out queued channels, failing once the queue is empty.
type subscriber struct {
	mu    sync.Mutex
	chans []*fakeChannel
	calls int
}

func (s *subscriber) subscribe(context.Context) (repository.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.chans) == 0 {
		return nil, errors.New("feed unavailable")
	}
	ch := s.chans[0]
	s.chans = s.chans[1:]
	return ch, nil
}

func (s *subscriber) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, offset time.Duration) model.Message {
	return model.Message{ID: id, SenderID: "me", ReceiverID: "them", Content: id, CreatedAt: base.Add(offset)}
}

func insert(t *testing.T, m model.Message) repository.Change {
	t.Helper()
	row, err := json.Marshal(m)
	require.NoError(t, err)
	return repository.Change{Table: model.TableMessages, Type: repository.EventInsert, Row: row}
}

func update(t *testing.T, m model.Message) repository.Change {
	t.Helper()
	change := insert(t, m)
	change.Type = repository.EventUpdate
	return change
}

func ids(items []model.Message) []string {
	out := make([]string, len(items))
	for i, m := range items {
		out[i] = m.ID
	}
	return out
}

func newThread(t *testing.T, load func(context.Context) ([]model.Message, error), sub *subscriber) *Controller[model.Message] {
	t.Helper()
	if load == nil {
		load = func(context.Context) ([]model.Message, error) { return nil, nil }
	}
	opts := Options[model.Message]{
		Name:   "thread",
		Load:   load,
		Less:   model.MessageLess,
		Logger: zaptest.NewLogger(t),
		Retry:  RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
	}
	if sub != nil {
		opts.Subscribe = sub.subscribe
	}
	c := New(opts)
	t.Cleanup(c.Teardown)
	return c
}

func TestMergeIsIdempotent(t *testing.T) {
	c := newThread(t, nil, nil)

	assert.True(t, c.Merge(msg("m1", 0)))
	assert.False(t, c.Merge(msg("m1", 0)))

	snap := c.Snapshot()
	assert.Equal(t, []string{"m1"}, ids(snap.Items))
	assert.Equal(t, uint64(1), snap.Version)
}

func TestLoadDedupesAndSorts(t *testing.T) {
	c := newThread(t, func(context.Context) ([]model.Message, error) {
		return []model.Message{msg("b", 2*time.Second), msg("a", time.Second), msg("b", 2*time.Second)}, nil
	}, nil)

	items, err := c.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(items))
}

func TestLateEventIsPlacedByTimestamp(t *testing.T) {
	ch := newFakeChannel()
	sub := &subscriber{chans: []*fakeChannel{ch}}
	c := newThread(t, func(context.Context) ([]model.Message, error) {
		return []model.Message{msg("m1", 0), msg("m3", 2*time.Second)}, nil
	}, sub)

	_, err := c.Load(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Subscribe(context.Background()))

	ch.events <- insert(t, msg("m2", time.Second))
	ch.events <- insert(t, msg("m2", time.Second))

	require.Eventually(t, func() bool {
		return len(c.Snapshot().Items) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(c.Snapshot().Items))
}

func TestEqualTimestampsTieBreakOnID(t *testing.T) {
	c := newThread(t, nil, nil)
	c.Merge(msg("b", 0))
	c.Merge(msg("a", 0))
	assert.Equal(t, []string{"a", "b"}, ids(c.Snapshot().Items))
}

func TestTeardownStopsDelivery(t *testing.T) {
	ch := newFakeChannel()
	sub := &subscriber{chans: []*fakeChannel{ch}}
	c := newThread(t, nil, sub)
	require.NoError(t, c.Subscribe(context.Background()))

	var statuses []Status
	var mu sync.Mutex
	c.OnStatus(func(s Status, _ error) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	c.Teardown()
	assert.True(t, ch.isClosed())

	ch.events <- insert(t, msg("late", 0))
	assert.False(t, c.Merge(msg("late", 0)))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.Snapshot().Items)

	s, _ := c.Status()
	assert.Equal(t, StatusClosed, s)
	mu.Lock()
	assert.Equal(t, []Status{StatusClosed}, statuses)
	mu.Unlock()

	c.Teardown()
}

func TestLoadFailureKeepsSnapshot(t *testing.T) {
	var fail atomic.Bool
	c := newThread(t, func(context.Context) ([]model.Message, error) {
		if fail.Load() {
			return nil, errors.New("connection refused")
		}
		return []model.Message{msg("m1", 0)}, nil
	}, nil)

	_, err := c.Load(context.Background())
	require.NoError(t, err)

	fail.Store(true)
	_, err = c.Load(context.Background())
	require.Error(t, err)
	assert.Equal(t, util.KindStore, util.KindOf(err))
	assert.Equal(t, []string{"m1"}, ids(c.Snapshot().Items))
}

func TestLoadTimeout(t *testing.T) {
	c := New(Options[model.Message]{
		Name: "thread",
		Load: func(ctx context.Context) ([]model.Message, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		LoadTimeout: 10 * time.Millisecond,
		Logger:      zaptest.NewLogger(t),
	})
	defer c.Teardown()

	_, err := c.Load(context.Background())
	require.Error(t, err)
	assert.Equal(t, util.KindTimeout, util.KindOf(err))
}

func TestSubscribeFailureDegrades(t *testing.T) {
	c := newThread(t, nil, &subscriber{})

	err := c.Subscribe(context.Background())
	require.Error(t, err)
	assert.Equal(t, util.KindSubscription, util.KindOf(err))

	s, cause := c.Status()
	assert.Equal(t, StatusDegraded, s)
	assert.Error(t, cause)
}

func TestReconnectReconciles(t *testing.T) {
	first, second := newFakeChannel(), newFakeChannel()
	sub := &subscriber{chans: []*fakeChannel{first, second}}

	var loads atomic.Int32
	c := newThread(t, func(context.Context) ([]model.Message, error) {
		if loads.Add(1) == 1 {
			return []model.Message{msg("m1", 0)}, nil
		}
		// m2 arrived while disconnected
		return []model.Message{msg("m1", 0), msg("m2", time.Second)}, nil
	}, sub)

	var mu sync.Mutex
	var statuses []Status
	c.OnStatus(func(s Status, _ error) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	_, err := c.Load(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Subscribe(context.Background()))

	first.errs <- errors.New("socket reset")

	require.Eventually(t, func() bool {
		s, _ := c.Status()
		return s == StatusLive && len(c.Snapshot().Items) == 2
	}, time.Second, 5*time.Millisecond)
	assert.True(t, first.isClosed())
	assert.Equal(t, 2, sub.callCount())

	second.events <- insert(t, msg("m3", 2*time.Second))
	require.Eventually(t, func() bool {
		return len(c.Snapshot().Items) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []Status{StatusLive, StatusDegraded, StatusLive}, statuses)
	mu.Unlock()
}

func TestReconnectGivesUp(t *testing.T) {
	ch := newFakeChannel()
	sub := &subscriber{chans: []*fakeChannel{ch}}
	c := newThread(t, nil, sub)
	require.NoError(t, c.Subscribe(context.Background()))

	close(ch.events)

	require.Eventually(t, func() bool {
		return sub.callCount() == 4
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		s, err := c.Status()
		return s == StatusDegraded && util.IsKind(err, util.KindSubscription) && errors.Is(err, errRetriesExhausted)
	}, time.Second, 5*time.Millisecond)
}

func TestReplaceReordersAndIgnoresUnknown(t *testing.T) {
	c := New(Options[model.Profile]{
		Name:   "roster",
		Less:   model.ProfileLess,
		Logger: zaptest.NewLogger(t),
	})
	defer c.Teardown()

	c.Merge(model.Profile{ID: "1", Username: "alice"})
	c.Merge(model.Profile{ID: "2", Username: "bob"})

	assert.True(t, c.Replace(model.Profile{ID: "1", Username: "zed"}))
	assert.False(t, c.Replace(model.Profile{ID: "9", Username: "ghost"}))

	items := c.Snapshot().Items
	require.Len(t, items, 2)
	assert.Equal(t, "bob", items[0].Username)
	assert.Equal(t, "zed", items[1].Username)
}

func TestOnChangeCancel(t *testing.T) {
	c := newThread(t, nil, nil)

	var calls atomic.Int32
	cancel := c.OnChange(func(Snapshot[model.Message]) { calls.Add(1) })
	c.Merge(msg("m1", 0))
	cancel()
	c.Merge(msg("m2", time.Second))

	assert.Equal(t, int32(1), calls.Load())
}

func TestEventsDuringLoadSurviveTheReplace(t *testing.T) {
	ch := newFakeChannel()
	sub := &subscriber{chans: []*fakeChannel{ch}}
	reading := make(chan struct{})
	release := make(chan struct{})
	c := newThread(t, func(context.Context) ([]model.Message, error) {
		close(reading)
		<-release
		// the read started before m2 committed
		return []model.Message{msg("m1", 0)}, nil
	}, sub)
	require.NoError(t, c.Subscribe(context.Background()))

	loaded := make(chan error, 1)
	go func() {
		_, err := c.Load(context.Background())
		loaded <- err
	}()

	<-reading
	ch.events <- insert(t, msg("m2", time.Second))
	require.Eventually(t, func() bool {
		return len(c.Snapshot().Items) == 1
	}, time.Second, 5*time.Millisecond)
	close(release)

	require.NoError(t, <-loaded)
	assert.Equal(t, []string{"m1", "m2"}, ids(c.Snapshot().Items))
}

func TestUpdateDuringFirstLoadWinsOverTheRead(t *testing.T) {
	ch := newFakeChannel()
	sub := &subscriber{chans: []*fakeChannel{ch}}
	reading := make(chan struct{})
	release := make(chan struct{})
	c := newThread(t, func(context.Context) ([]model.Message, error) {
		close(reading)
		<-release
		// the read started before the edit committed
		return []model.Message{msg("m1", 0)}, nil
	}, sub)
	require.NoError(t, c.Subscribe(context.Background()))

	loaded := make(chan error, 1)
	go func() {
		_, err := c.Load(context.Background())
		loaded <- err
	}()

	<-reading
	edited := msg("m1", 0)
	edited.Content = "edited"
	ch.events <- update(t, edited)
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.touched["m1"]
		return ok
	}, time.Second, 5*time.Millisecond)
	close(release)

	require.NoError(t, <-loaded)
	items := c.Snapshot().Items
	require.Len(t, items, 1)
	assert.Equal(t, "edited", items[0].Content)
}

func TestUpdateForUnknownRowOutsideLoadIsIgnored(t *testing.T) {
	c := newThread(t, nil, nil)
	_, err := c.Load(context.Background())
	require.NoError(t, err)

	assert.False(t, c.Replace(msg("ghost", 0)))
	assert.Empty(t, c.Snapshot().Items)
	c.mu.Lock()
	assert.Nil(t, c.touched)
	c.mu.Unlock()
}
