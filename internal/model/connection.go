package model

import "time"

const (
	ConnectionPending  = "pending"
	ConnectionAccepted = "accepted"
)

// Connection 好友关系（有向存储），仅 accepted 状态对好友列表可见
type Connection struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID    string    `gorm:"type:varchar(36);index:idx_conn_user_status;not null" json:"user_id"`
	FriendID  string    `gorm:"type:varchar(36);index;not null" json:"friend_id"`
	Status    string    `gorm:"size:16;index:idx_conn_user_status;default:'pending'" json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Connection) TableName() string {
	return TableConnections
}

func (c Connection) Identity() string { return c.ID }

func (c Connection) IsAccepted() bool { return c.Status == ConnectionAccepted }
