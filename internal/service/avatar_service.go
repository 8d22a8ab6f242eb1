package service

import (
	"context"
	"net/url"
	"strings"
	"time"

	"geochat_backend/internal/config"
	"geochat_backend/pkg/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// AvatarResolver turns a stored avatar reference into a URL a client can fetch.
type AvatarResolver interface {
	Resolve(ctx context.Context, ref *string) *string
}

// MinioAvatarResolver presigns object keys in the avatar bucket. Absolute
// URLs are passed through unchanged.
type MinioAvatarResolver struct {
	Client *minio.Client
	Bucket string
	Expiry time.Duration
}

func NewMinioAvatarResolver(cfg *config.StorageConfig) (*MinioAvatarResolver, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessID, cfg.MinioSecret, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, err
	}
	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &MinioAvatarResolver{Client: client, Bucket: cfg.MinioBucket, Expiry: expiry}, nil
}

// ObjectKey reports the bucket key a reference points at, or false when the
// reference is already an absolute URL.
func ObjectKey(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return "", false
	}
	return strings.TrimPrefix(ref, "/"), true
}

func (r *MinioAvatarResolver) Resolve(ctx context.Context, ref *string) *string {
	if ref == nil {
		return nil
	}
	key, ok := ObjectKey(*ref)
	if !ok {
		return ref
	}
	u, err := r.Client.PresignedGetObject(ctx, r.Bucket, key, r.Expiry, url.Values{})
	if err != nil {
		logger.Log.Warn("presign avatar", zap.String("key", key), zap.Error(err))
		return ref
	}
	s := u.String()
	return &s
}
