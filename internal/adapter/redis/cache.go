// Package redis provides a metadata document cache shared by all workers
// of a process.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/couchcryptid/vxingest/internal/domain"
)

const keyPrefix = "vxingest:doc:"

// Cache stores documents as JSON strings with a fixed time to live.
type Cache struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

// NewClient connects to Redis and checks the connection.
func NewClient(ctx context.Context, addr, password string) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return client, nil
}

// New creates a cache on client. A non-positive ttl defaults to one hour.
func New(client goredis.UniversalClient, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{client: client, ttl: ttl}
}

// Get returns the cached document, or false when the key is absent.
func (c *Cache) Get(ctx context.Context, id string) (domain.Document, bool, error) {
	data, err := c.client.Get(ctx, keyPrefix+id).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", id, err)
	}
	var doc domain.Document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, false, fmt.Errorf("decode cached %s: %w", id, err)
	}
	return doc, true, nil
}

// Set stores doc under its id.
func (c *Cache) Set(ctx context.Context, doc domain.Document) error {
	id := doc.ID()
	if id == "" {
		return domain.ErrNoDerivedID
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", id, err)
	}
	if err := c.client.Set(ctx, keyPrefix+id, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", id, err)
	}
	return nil
}
