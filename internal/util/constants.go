package util

const (
	StorageNone  = "none"
	StorageMinio = "minio"
)

const (
	FeedRedis    = "redis"
	FeedPostgres = "postgres"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// gin context keys set by the auth middleware
const (
	ContextUser   = "user"
	ContextUserID = "userID"
)
