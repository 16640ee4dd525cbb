package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Redis publishes notices as JSON on pub/sub channels.
type Redis struct {
	rdb           *goredis.Client
	alertChannel  string
	reportChannel string
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr, alertChannel, reportChannel string) (*Redis, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisClient(rdb, alertChannel, reportChannel), nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(rdb *goredis.Client, alertChannel, reportChannel string) *Redis {
	return &Redis{rdb: rdb, alertChannel: alertChannel, reportChannel: reportChannel}
}

// Alert implements Notifier.
func (r *Redis) Alert(ctx context.Context, a Alert) error {
	return r.publish(ctx, r.alertChannel, a)
}

// Report implements Notifier.
func (r *Redis) Report(ctx context.Context, n ReportNotice) error {
	return r.publish(ctx, r.reportChannel, n)
}

func (r *Redis) publish(ctx context.Context, channel string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
