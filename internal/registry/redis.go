package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "domain:"

// NewRedis 连接 KV registry。键格式 domain:<host>，
// 值为 JSON 数组：[{"tenant_id":1,"status":"active"},...]。
func NewRedis(ctx context.Context, redisURL string) (Registry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse registry url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("registry ping: %w", err)
	}
	return &redisRegistry{client: client}, nil
}

type redisRegistry struct {
	client *redis.Client
}

func (r *redisRegistry) Lookup(ctx context.Context, host string) ([]Record, error) {
	raw, err := r.client.Get(ctx, keyPrefix+strings.ToLower(host)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("registry get: %w", err)
	}

	var records []Record
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, fmt.Errorf("decode registry record: %w", err)
	}
	return records, nil
}
