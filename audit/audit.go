// Package audit records terminal input events to a Redis stream so every
// keystroke sent into a sandbox can be reviewed later.
package audit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/pomodex/pomodex/common"
)

const (
	// EventTerminalInput is the event type of recorded keystrokes.
	EventTerminalInput = "terminal_input"

	connectTimeout = 5 * time.Second
)

// Recorder persists terminal audit events.
type Recorder interface {
	RecordInput(ctx context.Context, projectID, userID string, content []byte) error
	Close() error
}

// RedisRecorder writes events to a Redis stream via XADD and mirrors
// them to the log at debug level.
type RedisRecorder struct {
	client *redis.Client
	stream string
	log    *logrus.Entry
}

// NewRedisRecorder connects to Redis and verifies the connection.
func NewRedisRecorder(redisURL, stream string, log *logrus.Entry) (*RedisRecorder, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, common.PreconditionErr("invalid redis url: " + err.Error())
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, common.TransientErr("redis ping failed", err)
	}

	log.WithFields(logrus.Fields{
		"addr":   opts.Addr,
		"stream": stream,
	}).Info("audit recorder connected")
	return &RedisRecorder{client: client, stream: stream, log: log}, nil
}

// RecordInput appends one terminal input event to the stream.
func (r *RedisRecorder) RecordInput(ctx context.Context, projectID, userID string, content []byte) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"event":      EventTerminalInput,
			"project_id": projectID,
			"user_id":    userID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
			"content":    string(content),
		},
	}).Err()
	if err != nil {
		return common.BackendErr("audit event write failed", err)
	}

	r.log.WithFields(logrus.Fields{
		"project_id": projectID,
		"user_id":    userID,
		"bytes":      len(content),
	}).Debug("terminal input recorded")
	return nil
}

// Close releases the Redis connection.
func (r *RedisRecorder) Close() error {
	return r.client.Close()
}

// NopRecorder drops all events. Used when auditing is not configured.
type NopRecorder struct{}

func (NopRecorder) RecordInput(ctx context.Context, projectID, userID string, content []byte) error {
	return nil
}

func (NopRecorder) Close() error { return nil }
