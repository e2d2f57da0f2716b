package artifact

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisService stores artifact versions as plain Redis values with a
// per-name version counter. Keys:
//
//	artifact:<app>/<user>/<session>/<filename>:ver     INCR counter
//	artifact:<app>/<user>/<session>/<filename>:v<n>    blob
//	artifact:<app>/<user>/<session>/<filename>:v<n>:mt mime type
//
// Retention is owned by the gateway; nothing here expires or deletes.
type RedisService struct {
	client *redis.Client
	logger Logger
}

// NewRedisService creates a Redis-backed artifact service.
func NewRedisService(client *redis.Client, logger Logger) *RedisService {
	return &RedisService{client: client, logger: logger}
}

func blobKey(ref Ref, version int) string {
	return fmt.Sprintf("artifact:%s:v%d", ref.Key(), version)
}

func counterKey(ref Ref) string {
	return fmt.Sprintf("artifact:%s:ver", ref.Key())
}

// Save allocates the next version for the name and writes the blob.
func (s *RedisService) Save(ctx context.Context, ref Ref, data []byte, mimeType string) (int, error) {
	version, err := s.client.Incr(ctx, counterKey(ref)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate artifact version for %s: %w", ref.Key(), err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, blobKey(ref, int(version)), data, 0)
	if mimeType != "" {
		pipe.Set(ctx, blobKey(ref, int(version))+":mt", mimeType, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to save artifact %s v%d: %w", ref.Key(), version, err)
	}

	s.logger.Debug("saved artifact",
		"artifact", ref.Key(),
		"version", version,
		"size", len(data))
	return int(version), nil
}

// Load reads the requested version, or the newest when ref.Version is 0.
func (s *RedisService) Load(ctx context.Context, ref Ref) ([]byte, error) {
	version := ref.Version
	if version == LatestVersion {
		raw, err := s.client.Get(ctx, counterKey(ref)).Result()
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref.Key())
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read artifact version for %s: %w", ref.Key(), err)
		}
		version, err = strconv.Atoi(raw)
		if err != nil || version < 1 {
			return nil, fmt.Errorf("corrupt version counter for %s", ref.Key())
		}
	}

	data, err := s.client.Get(ctx, blobKey(ref, version)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s v%d", ErrNotFound, ref.Key(), version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load artifact %s v%d: %w", ref.Key(), version, err)
	}
	return data, nil
}
