package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/songzhibin97/edgegate/pkg/config"
)

// RedisSource implements the config.Source interface for a routing document
// stored under a Redis key. Writers publish on a channel after updating the
// key; every message triggers a re-read of the key.
type RedisSource struct {
	client   *redis.Client
	key      string
	channel  string
	timeout  time.Duration
	mu       sync.Mutex
	watchers map[int]context.CancelFunc
	nextID   int
	closed   bool
}

// RedisConfig represents Redis connection configuration
type RedisConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Timeout  time.Duration `yaml:"timeout"`
}

// NewRedisSource creates a new Redis-based configuration source. An empty
// channel defaults to "<key>:changed".
func NewRedisSource(cfg *RedisConfig, key, channel string) (config.Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if key == "" {
		return nil, fmt.Errorf("redis key cannot be empty")
	}
	if channel == "" {
		channel = key + ":changed"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisSource{
		client:   client,
		key:      key,
		channel:  channel,
		timeout:  timeout,
		watchers: make(map[int]context.CancelFunc),
	}, nil
}

// Name implements config.Named.
func (rs *RedisSource) Name() string {
	return "redis:" + rs.key
}

// Get retrieves the routing document.
func (rs *RedisSource) Get() ([]byte, error) {
	rs.mu.Lock()
	closed := rs.closed
	rs.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("redis source is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), rs.timeout)
	defer cancel()
	return rs.get(ctx)
}

func (rs *RedisSource) get(ctx context.Context) ([]byte, error) {
	data, err := rs.client.Get(ctx, rs.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("key %s not found in redis", rs.key)
		}
		return nil, fmt.Errorf("failed to get key %s: %w", rs.key, err)
	}
	return data, nil
}

// Watch subscribes to the change channel, sends the current document and
// then re-reads the key on every notification.
func (rs *RedisSource) Watch(ctx context.Context) (<-chan []byte, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return nil, fmt.Errorf("redis source is closed")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	pubsub := rs.client.Subscribe(watchCtx, rs.channel)
	if _, err := pubsub.Receive(watchCtx); err != nil {
		cancel()
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", rs.channel, err)
	}

	id := rs.nextID
	rs.nextID++
	rs.watchers[id] = cancel

	ch := make(chan []byte, 1)
	go func() {
		defer func() {
			pubsub.Close()
			rs.mu.Lock()
			delete(rs.watchers, id)
			rs.mu.Unlock()
			close(ch)
		}()

		send := func() bool {
			getCtx, cancelGet := context.WithTimeout(watchCtx, rs.timeout)
			data, err := rs.get(getCtx)
			cancelGet()
			if err != nil {
				return watchCtx.Err() == nil
			}
			select {
			case ch <- data:
				return true
			case <-watchCtx.Done():
				return false
			}
		}

		if !send() {
			return
		}

		messages := pubsub.Channel()
		for {
			select {
			case <-watchCtx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				if !send() {
					return
				}
			}
		}
	}()

	return ch, nil
}

// Close stops all watchers and closes the client.
func (rs *RedisSource) Close() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return nil
	}
	rs.closed = true

	for _, cancel := range rs.watchers {
		cancel()
	}
	return rs.client.Close()
}
