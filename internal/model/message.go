package model

import "time"

// Message 私信记录，创建后不可修改
type Message struct {
	ID         string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	SenderID   string    `gorm:"type:varchar(36);index:idx_msg_pair;not null" json:"sender_id"`
	ReceiverID string    `gorm:"type:varchar(36);index:idx_msg_pair;not null" json:"receiver_id"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

func (Message) TableName() string {
	return TableMessages
}

func (m Message) Identity() string { return m.ID }

// MessageLess orders by created_at, falling back to id when timestamps collide.
func MessageLess(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
