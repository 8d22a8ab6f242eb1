package repository

import (
	"context"

	"geochat_backend/internal/model"
)

type MessageRepository struct {
	Store Store
}

func NewMessageRepository(store Store) *MessageRepository {
	return &MessageRepository{Store: store}
}

// PairFilter matches messages in either direction between a and b.
func PairFilter(a, b string) Filter {
	return Filter{
		{"sender_id": a, "receiver_id": b},
		{"sender_id": b, "receiver_id": a},
	}
}

// Thread returns the latest limit messages of the pair, oldest first.
// limit <= 0 returns the whole thread.
func (r *MessageRepository) Thread(ctx context.Context, me, them string, limit int) ([]model.Message, error) {
	var msgs []model.Message
	err := r.Store.Query(ctx, Query{
		Table:   model.TableMessages,
		Filter:  PairFilter(me, them),
		OrderBy: []string{"created_at DESC", "id DESC"},
		Limit:   limit,
	}, &msgs)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (r *MessageRepository) Create(ctx context.Context, msg *model.Message) error {
	return r.Store.Insert(ctx, model.TableMessages, msg)
}
