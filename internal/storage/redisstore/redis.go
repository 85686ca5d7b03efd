// Package redisstore implements storage.Backend over Redis, wrapped in a
// circuit breaker, grounded on the teacher's internal/v1/bus.Service (the
// pack's one example of a breaker-guarded Redis client).
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/RoseWrightdev/collabkit-go/internal/logging"
	"github.com/RoseWrightdev/collabkit-go/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// Store is a storage.Backend and presence/room bus backed by Redis, with the
// same breaker settings the teacher used around its pub/sub client: five
// requests are allowed through half-open, a one-minute rolling interval, and
// a fifteen-second open timeout before probing again.
type Store struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// New dials Redis (DialTimeout 10s, Read/WriteTimeout 30s, pool of 10 with 2
// idle) and verifies connectivity with a Ping before returning.
func New(ctx context.Context, addr, password string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	settings := gobreaker.Settings{
		Name:        "redis-storage",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
			logging.Warn(context.Background(), fmt.Sprintf("circuit breaker %s: %s -> %s", name, from, to))
		},
	}

	return &Store{client: client, cb: gobreaker.NewCircuitBreaker(settings)}, nil
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

func (s *Store) Connect(ctx context.Context) error    { return s.client.Ping(ctx).Err() }
func (s *Store) Disconnect(context.Context) error     { return s.client.Close() }

func (s *Store) Save(ctx context.Context, key string, obj map[string]any) error {
	b, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	_, err = s.cb.Execute(func() (any, error) {
		return nil, s.client.Set(ctx, key, b, 0).Err()
	})
	if err != nil {
		metrics.CircuitBreakerFailures.WithLabelValues("redis-storage").Inc()
	}
	return err
}

func (s *Store) Load(ctx context.Context, key string) (map[string]any, error) {
	result, err := s.cb.Execute(func() (any, error) {
		b, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil, nil
		}
		return b, err
	})
	if err != nil {
		metrics.CircuitBreakerFailures.WithLabelValues("redis-storage").Inc()
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(result.([]byte), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	result, err := s.cb.Execute(func() (any, error) {
		return s.client.Del(ctx, key).Result()
	})
	if err != nil {
		metrics.CircuitBreakerFailures.WithLabelValues("redis-storage").Inc()
		return false, err
	}
	return result.(int64) > 0, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	result, err := s.cb.Execute(func() (any, error) {
		return s.client.Exists(ctx, key).Result()
	})
	if err != nil {
		metrics.CircuitBreakerFailures.WithLabelValues("redis-storage").Inc()
		return false, err
	}
	return result.(int64) > 0, nil
}

func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	result, err := s.cb.Execute(func() (any, error) {
		return s.client.Keys(ctx, prefix+"*").Result()
	})
	if err != nil {
		metrics.CircuitBreakerFailures.WithLabelValues("redis-storage").Inc()
		return nil, err
	}
	return result.([]string), nil
}

// Publish broadcasts a room event to every subscribed process, degrading
// gracefully (log + return nil) when the breaker is open - presence/operation
// fanout is best-effort, unlike Save/Load which surface the error because
// snapshot correctness cannot silently degrade.
func (s *Store) Publish(ctx context.Context, channel string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.cb.Execute(func() (any, error) {
		return nil, s.client.Publish(ctx, channel, b).Err()
	})
	if err == gobreaker.ErrOpenState {
		logging.Warn(ctx, fmt.Sprintf("redis publish skipped, circuit open: %s", channel))
		metrics.CircuitBreakerFailures.WithLabelValues("redis-storage").Inc()
		return nil
	}
	return err
}

// Subscribe reads messages on channel until ctx is canceled, invoking handler
// for each one. Grounded on bus.Service.Subscribe's pattern of a dedicated
// goroutine selecting on the subscription channel against ctx.Done().
func (s *Store) Subscribe(ctx context.Context, channel string, handler func([]byte)) {
	pubsub := s.client.Subscribe(ctx, channel)
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
}
