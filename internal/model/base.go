package model

import (
	"github.com/google/uuid"
)

// Table names as seen by the store and the change feed.
const (
	TableProfiles    = "profiles"
	TableConnections = "connections"
	TableMessages    = "messages"
)

func GenerateUUID() string {
	return uuid.New().String()
}
