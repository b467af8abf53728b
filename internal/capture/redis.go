package capture

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the stream key used when none is configured.
const DefaultStream = "mirage:interactions"

// RedisConfig describes the stream sink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Stream is the key interactions are appended to.
	Stream string
	// MaxLen caps the stream length approximately. Zero means unbounded.
	MaxLen int64
}

// RedisSink appends interactions to a Redis stream so external
// consumers can follow activity as it happens.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink connects to Redis. The connection is not verified; call
// [RedisSink.Ping] (or register it with a connwatch watcher).
func NewRedisSink(cfg RedisConfig) *RedisSink {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     4,
	})
	return &RedisSink{client: client, stream: cfg.Stream, maxLen: cfg.MaxLen}
}

// Stream returns the stream key.
func (r *RedisSink) Stream() string { return r.stream }

// Ping checks the Redis connection.
func (r *RedisSink) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *RedisSink) Close() error {
	return r.client.Close()
}

// Capture appends i to the stream and returns the interaction ID (not
// the stream entry ID).
func (r *RedisSink) Capture(ctx context.Context, i Interaction) (string, error) {
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: streamValues(i),
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return "", fmt.Errorf("redis xadd %s: %w", r.stream, err)
	}
	return i.ID, nil
}

// streamValues flattens an interaction into stream entry fields.
func streamValues(i Interaction) map[string]any {
	v := map[string]any{
		"id":        i.ID,
		"timestamp": i.Timestamp.UTC().Format(time.RFC3339Nano),
		"listener":  i.Listener,
		"protocol":  i.Protocol,
		"remote":    i.RemoteAddr,
		"conn_id":   i.ConnID,
		"turn":      strconv.Itoa(i.Turn),
		"message":   i.Message,
		"response":  i.Response,
		"stub":      strconv.FormatBool(i.Stub),
	}
	if i.SessionID != "" {
		v["session_id"] = i.SessionID
	}
	if i.RawHex != "" {
		v["raw_hex"] = i.RawHex
	}
	if i.Provider != "" {
		v["provider"] = i.Provider
		v["model"] = i.Model
		v["input_tokens"] = strconv.Itoa(i.InputTokens)
		v["output_tokens"] = strconv.Itoa(i.OutputTokens)
	}
	return v
}
