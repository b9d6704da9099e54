// Package rediskv provides the key-value store client and the campaign key
// layout shared by the concurrency engine services.
package rediskv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewClient connects to the key-value store from a redis:// or rediss:// URL
// and verifies the connection.
func NewClient(ctx context.Context, kvURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(kvURL)
	if err != nil {
		return nil, fmt.Errorf("op=rediskv.NewClient: %w", err)
	}
	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("op=rediskv.NewClient.ping: %w", err)
	}
	return rdb, nil
}
