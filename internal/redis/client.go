package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// PublishNotification publishes an encoded notification on the phone's channel.
// Pub/sub never queues: with no subscriber the message is dropped.
func (c *Client) PublishNotification(ctx context.Context, phone string, payload []byte) error {
	return c.Publish(ctx, NotificationChannel(phone), payload).Err()
}

func NotificationChannel(phone string) string {
	return fmt.Sprintf("wa:notify:%s", phone)
}
