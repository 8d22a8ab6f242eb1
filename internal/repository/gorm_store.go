package repository

import (
	"context"
	"fmt"
	"reflect"

	"geochat_backend/internal/model"
	"geochat_backend/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GormStore implements Store on top of gorm. When a Publisher is set, every
// successful write is announced on the change feed.
type GormStore struct {
	DB        *gorm.DB
	publisher Publisher
	log       *zap.Logger
}

func NewGormStore(db *gorm.DB, publisher Publisher) *GormStore {
	return &GormStore{DB: db, publisher: publisher, log: logger.Named("store")}
}

func (s *GormStore) where(db *gorm.DB, filter Filter) *gorm.DB {
	if len(filter) == 0 {
		return db
	}
	cond := s.DB.Where(map[string]interface{}(filter[0]))
	for _, m := range filter[1:] {
		cond = cond.Or(map[string]interface{}(m))
	}
	return db.Where(cond)
}

func (s *GormStore) Query(ctx context.Context, q Query, dest interface{}) error {
	db := s.where(s.DB.WithContext(ctx).Table(q.Table), q.Filter)
	for _, o := range q.OrderBy {
		db = db.Order(o)
	}
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	return db.Find(dest).Error
}

func (s *GormStore) Insert(ctx context.Context, table string, row interface{}) error {
	if err := s.DB.WithContext(ctx).Table(table).Create(row).Error; err != nil {
		return err
	}
	s.publish(ctx, table, EventInsert, row)
	return nil
}

// Update applies values to rows matching match. When dest is a pointer to a
// slice, the updated rows are read back into it and published.
func (s *GormStore) Update(ctx context.Context, table string, match Match, values map[string]interface{}, dest interface{}) error {
	res := s.DB.WithContext(ctx).Table(table).Where(map[string]interface{}(match)).Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if dest == nil {
		return nil
	}
	if err := s.Query(ctx, Query{Table: table, Filter: Filter{match}}, dest); err != nil {
		return err
	}
	rv := reflect.Indirect(reflect.ValueOf(dest))
	if rv.Kind() == reflect.Slice {
		for i := 0; i < rv.Len(); i++ {
			s.publish(ctx, table, EventUpdate, rv.Index(i).Interface())
		}
	}
	return nil
}

// 写库成功后发布变更；发布失败只记录日志，不影响写入结果
func (s *GormStore) publish(ctx context.Context, table string, typ EventType, row interface{}) {
	if s.publisher == nil {
		return
	}
	change, err := NewChange(table, typ, row)
	if err != nil {
		s.log.Error("encode change", zap.String("table", table), zap.Error(err))
		return
	}
	if err := s.publisher.Publish(ctx, change); err != nil {
		s.log.Warn("publish change", zap.String("table", table), zap.String("type", string(typ)), zap.Error(err))
	}
}

// Migrate creates the tables. On postgres it also installs the NOTIFY trigger
// that feeds PgFeed.
func (s *GormStore) Migrate() error {
	if err := s.DB.AutoMigrate(&model.Profile{}, &model.Connection{}, &model.Message{}); err != nil {
		return err
	}
	if s.DB.Dialector.Name() != "postgres" {
		return nil
	}
	if err := s.DB.Exec(notifyFunctionSQL).Error; err != nil {
		return fmt.Errorf("install notify function: %w", err)
	}
	for _, table := range []string{model.TableProfiles, model.TableConnections, model.TableMessages} {
		trigger := "geochat_notify_" + table
		if err := s.DB.Exec(fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", trigger, table)).Error; err != nil {
			return err
		}
		stmt := fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT OR UPDATE ON %s FOR EACH ROW EXECUTE FUNCTION geochat_notify_change()", trigger, table)
		if err := s.DB.Exec(stmt).Error; err != nil {
			return fmt.Errorf("install trigger on %s: %w", table, err)
		}
	}
	return nil
}

// pg_notify payloads are capped at 8000 bytes; message content is limited
// well below that by the chat session.
const notifyFunctionSQL = `
CREATE OR REPLACE FUNCTION geochat_notify_change() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('changes_' || TG_TABLE_NAME,
		json_build_object('table', TG_TABLE_NAME, 'type', TG_OP, 'row', row_to_json(NEW))::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`
