package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// EventType 变更事件类型
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
)

// Match is a conjunction of column equalities. A slice value means IN.
type Match map[string]interface{}

// Filter is a disjunction of Matches. An empty Filter matches every row.
type Filter []Match

// Query describes a bulk read.
type Query struct {
	Table   string
	Filter  Filter
	OrderBy []string // e.g. "created_at ASC"
	Limit   int
}

// Store is the bulk read/write side of the backing database.
type Store interface {
	Query(ctx context.Context, q Query, dest interface{}) error
	Insert(ctx context.Context, table string, row interface{}) error
	Update(ctx context.Context, table string, match Match, values map[string]interface{}, dest interface{}) error
}

// Change is one row-change notification. Row holds the new row as JSON.
type Change struct {
	Table string          `json:"table"`
	Type  EventType       `json:"type"`
	Row   json.RawMessage `json:"row"`
}

// Channel is an open subscription. Events is closed when the channel ends.
type Channel interface {
	Events() <-chan Change
	Errors() <-chan error
	Close() error
}

// ChangeFeed opens subscriptions on table changes.
type ChangeFeed interface {
	Subscribe(ctx context.Context, table string, events []EventType, filter Filter) (Channel, error)
}

// Publisher is implemented by feeds that rely on the application to announce writes.
type Publisher interface {
	Publish(ctx context.Context, change Change) error
}

// Matches reports whether a decoded row satisfies the filter.
func (f Filter) Matches(row map[string]interface{}) bool {
	if len(f) == 0 {
		return true
	}
	for _, m := range f {
		if m.matches(row) {
			return true
		}
	}
	return false
}

func (m Match) matches(row map[string]interface{}) bool {
	for col, want := range m {
		got, ok := row[col]
		if !ok {
			return false
		}
		if !valueMatches(got, want) {
			return false
		}
	}
	return true
}

func valueMatches(got, want interface{}) bool {
	rv := reflect.ValueOf(want)
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8 {
		for i := 0; i < rv.Len(); i++ {
			if scalarEqual(got, rv.Index(i).Interface()) {
				return true
			}
		}
		return false
	}
	return scalarEqual(got, want)
}

// JSON 解码后的数字为 float64，统一按字符串形式比较
func scalarEqual(a, b interface{}) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// MatchChange decodes the change row and applies the filter.
func MatchChange(c Change, events []EventType, filter Filter) bool {
	if len(events) > 0 {
		found := false
		for _, e := range events {
			if strings.EqualFold(string(e), string(c.Type)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(filter) == 0 {
		return true
	}
	var row map[string]interface{}
	if err := json.Unmarshal(c.Row, &row); err != nil {
		return false
	}
	return filter.Matches(row)
}

// NewChange marshals row into a Change.
func NewChange(table string, typ EventType, row interface{}) (Change, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return Change{}, err
	}
	return Change{Table: table, Type: typ, Row: data}, nil
}
