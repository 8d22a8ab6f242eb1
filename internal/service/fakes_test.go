package service

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"geochat_backend/internal/model"
	"geochat_backend/internal/repository"

	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store that announces writes on its feed, the way
// GormStore does with a Publisher.
type memStore struct {
	mu      sync.Mutex
	tables  map[string][]map[string]interface{}
	feed    *memFeed
	silent  atomic.Bool // writes are not published
	inserts atomic.Int32
	updates atomic.Int32

	queryErr  error
	insertErr error
	// blockInsert makes Insert wait for ctx to end.
	blockInsert bool
}

func newMemStore() *memStore {
	return &memStore{tables: make(map[string][]map[string]interface{}), feed: newMemFeed()}
}

func toRow(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var row map[string]interface{}
	if err := json.Unmarshal(data, &row); err != nil {
		panic(err)
	}
	return row
}

func (s *memStore) seed(t *testing.T, table string, rows ...interface{}) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.tables[table] = append(s.tables[table], toRow(r))
	}
}

func decodeInto(rows []map[string]interface{}, dest interface{}) error {
	if rows == nil {
		rows = []map[string]interface{}{}
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (s *memStore) Query(ctx context.Context, q repository.Query, dest interface{}) error {
	if s.queryErr != nil {
		return s.queryErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	var out []map[string]interface{}
	for _, row := range s.tables[q.Table] {
		if q.Filter.Matches(row) {
			out = append(out, row)
		}
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	s.mu.Unlock()
	return decodeInto(out, dest)
}

func (s *memStore) Insert(ctx context.Context, table string, row interface{}) error {
	s.inserts.Add(1)
	if s.blockInsert {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.insertErr != nil {
		return s.insertErr
	}
	r := toRow(row)
	s.mu.Lock()
	s.tables[table] = append(s.tables[table], r)
	s.mu.Unlock()
	s.publish(table, repository.EventInsert, r)
	return nil
}

func (s *memStore) Update(ctx context.Context, table string, match repository.Match, values map[string]interface{}, dest interface{}) error {
	s.updates.Add(1)
	patch := toRow(values)
	filter := repository.Filter{match}

	s.mu.Lock()
	var changed []map[string]interface{}
	for _, row := range s.tables[table] {
		if !filter.Matches(row) {
			continue
		}
		for k, v := range patch {
			row[k] = v
		}
		cp := make(map[string]interface{}, len(row))
		for k, v := range row {
			cp[k] = v
		}
		changed = append(changed, cp)
	}
	s.mu.Unlock()

	for _, r := range changed {
		s.publish(table, repository.EventUpdate, r)
	}
	if dest != nil {
		return decodeInto(changed, dest)
	}
	return nil
}

func (s *memStore) publish(table string, typ repository.EventType, row map[string]interface{}) {
	if s.silent.Load() {
		return
	}
	change, err := repository.NewChange(table, typ, row)
	if err != nil {
		panic(err)
	}
	s.feed.Publish(context.Background(), change)
}

// memFeed delivers published changes to matching subscriptions.
type memFeed struct {
	mu      sync.Mutex
	subs    map[*memChannel]struct{}
	failing atomic.Bool
}

func newMemFeed() *memFeed {
	return &memFeed{subs: make(map[*memChannel]struct{})}
}

type memChannel struct {
	feed   *memFeed
	table  string
	events []repository.EventType
	filter repository.Filter
	out    chan repository.Change
	errs   chan error
	once   sync.Once
}

func (f *memFeed) Subscribe(_ context.Context, table string, events []repository.EventType, filter repository.Filter) (repository.Channel, error) {
	if f.failing.Load() {
		return nil, errFeedDown
	}
	ch := &memChannel{
		feed:   f,
		table:  table,
		events: events,
		filter: filter,
		out:    make(chan repository.Change, 64),
		errs:   make(chan error, 1),
	}
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch, nil
}

func (f *memFeed) Publish(_ context.Context, change repository.Change) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		if ch.table == change.Table && repository.MatchChange(change, ch.events, ch.filter) {
			ch.out <- change
		}
	}
	return nil
}

func (f *memFeed) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (c *memChannel) Events() <-chan repository.Change { return c.out }
func (c *memChannel) Errors() <-chan error             { return c.errs }
func (c *memChannel) Close() error {
	c.once.Do(func() {
		c.feed.mu.Lock()
		delete(c.feed.subs, c)
		c.feed.mu.Unlock()
	})
	return nil
}

type feedErr string

func (e feedErr) Error() string { return string(e) }

const errFeedDown = feedErr("feed down")

func friendship(t *testing.T, s *memStore, a, b string) {
	t.Helper()
	s.seed(t, model.TableConnections,
		model.Connection{ID: a + "-" + b, UserID: a, FriendID: b, Status: model.ConnectionAccepted},
		model.Connection{ID: b + "-" + a, UserID: b, FriendID: a, Status: model.ConnectionAccepted},
	)
}

func requireRow[T any](t *testing.T, s *memStore, table string) []T {
	t.Helper()
	var out []T
	require.NoError(t, s.Query(context.Background(), repository.Query{Table: table}, &out))
	return out
}
