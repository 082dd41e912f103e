// Package redis publishes pipeline events to a Redis stream.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cwygoda/clipmill/internal/domain"
)

// Streamer is the part of a Redis client the publisher uses.
type Streamer interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Publisher implements domain.EventPublisher with XADD, trimming the stream
// to roughly maxLen entries.
type Publisher struct {
	client Streamer
	stream string
	maxLen int64
}

// NewPublisher creates a publisher on an existing client.
func NewPublisher(client Streamer, stream string, maxLen int64) *Publisher {
	return &Publisher{client: client, stream: stream, maxLen: maxLen}
}

// Connect parses url, pings the server and returns the client.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (p *Publisher) Publish(ctx context.Context, ev domain.Event) error {
	values := map[string]interface{}{
		"type":   ev.Type,
		"job_id": strconv.FormatInt(ev.JobID, 10),
		"at":     ev.At.UTC().Format(time.RFC3339Nano),
	}
	if ev.Stage != "" {
		values["stage"] = string(ev.Stage)
	}
	if ev.AccountID != 0 {
		values["account_id"] = strconv.FormatInt(ev.AccountID, 10)
	}
	if ev.Detail != "" {
		values["detail"] = ev.Detail
	}

	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", ev.Type, err)
	}
	return nil
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, ev domain.Event) error { return nil }
