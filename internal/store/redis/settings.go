// Package redis is a settings backend (model.KV) on Redis. Calls go through a
// circuit breaker; writes rejected while it is open are buffered locally,
// latest value per key, and flushed once it closes again.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"market-screener/internal/model"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int

	MaxFailures  int           // breaker threshold, default 5
	ResetTimeout time.Duration // breaker cool-down, default 10s
	MaxBuffered  int           // distinct buffered keys, default 1024
}

// SettingsKV implements model.KV.
type SettingsKV struct {
	client *goredis.Client
	cb     *CircuitBreaker

	mu      sync.Mutex
	pending map[string][]byte
	order   []string // insertion order of pending keys, oldest first
	maxBuf  int

	// Optional hooks (metrics).
	OnBuffer func()
	OnFlush  func(count int)
}

// New connects and pings the server.
func New(cfg Config) (*SettingsKV, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return NewFromClient(client, cfg), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *goredis.Client, cfg Config) *SettingsKV {
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 10 * time.Second
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = 1024
	}
	kv := &SettingsKV{
		client:  client,
		cb:      NewCircuitBreaker(cfg.MaxFailures, cfg.ResetTimeout),
		pending: make(map[string][]byte),
		maxBuf:  cfg.MaxBuffered,
	}
	kv.cb.OnStateChange = func(from, to State) {
		log.Printf("[redis] circuit %s -> %s", from, to)
		if to == StateClosed {
			go kv.flush()
		}
	}
	return kv
}

// Breaker exposes the circuit breaker (state and trip metrics).
func (kv *SettingsKV) Breaker() *CircuitBreaker { return kv.cb }

// Get returns a buffered value first, then the stored one.
func (kv *SettingsKV) Get(ctx context.Context, key string) ([]byte, error) {
	kv.mu.Lock()
	if v, ok := kv.pending[key]; ok {
		kv.mu.Unlock()
		return append([]byte(nil), v...), nil
	}
	kv.mu.Unlock()

	var val []byte
	found := false
	err := kv.cb.Execute(func() error {
		v, err := kv.client.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, goredis.Nil):
			return nil
		case err != nil:
			return err
		}
		val, found = v, true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: %w", key, err)
	}
	if !found {
		return nil, model.ErrNotFound
	}
	return val, nil
}

// Set writes through the breaker. While it is open the write is buffered
// and Set reports success.
func (kv *SettingsKV) Set(ctx context.Context, key string, value []byte) error {
	err := kv.cb.Execute(func() error {
		return kv.client.Set(ctx, key, value, 0).Err()
	})
	if errors.Is(err, ErrCircuitOpen) {
		kv.buffer(key, value)
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}

	// A direct write supersedes anything still pending for the key.
	kv.mu.Lock()
	kv.dropLocked(key)
	kv.mu.Unlock()
	return nil
}

func (kv *SettingsKV) buffer(key string, value []byte) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if _, ok := kv.pending[key]; !ok {
		if len(kv.order) >= kv.maxBuf {
			oldest := kv.order[0]
			kv.order = kv.order[1:]
			delete(kv.pending, oldest)
			log.Printf("[redis] buffer full, dropped pending write for %s", oldest)
		}
		kv.order = append(kv.order, key)
	}
	kv.pending[key] = append([]byte(nil), value...)

	if kv.OnBuffer != nil {
		kv.OnBuffer()
	}
}

func (kv *SettingsKV) dropLocked(key string) {
	if _, ok := kv.pending[key]; !ok {
		return
	}
	delete(kv.pending, key)
	for i, k := range kv.order {
		if k == key {
			kv.order = append(kv.order[:i:i], kv.order[i+1:]...)
			break
		}
	}
}

// flush replays buffered writes in one pipeline. On failure they stay
// buffered for the next close.
func (kv *SettingsKV) flush() {
	kv.mu.Lock()
	if len(kv.order) == 0 {
		kv.mu.Unlock()
		return
	}
	keys := append([]string(nil), kv.order...)
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		vals[i] = kv.pending[k]
	}
	kv.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := kv.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, k := range keys {
			p.Set(ctx, k, vals[i], 0)
		}
		return nil
	})
	if err != nil {
		log.Printf("[redis] flush of %d buffered writes failed: %v", len(keys), err)
		return
	}

	kv.mu.Lock()
	flushed := 0
	for i, k := range keys {
		// Keep anything re-buffered after the snapshot was taken.
		if v, ok := kv.pending[k]; ok && string(v) == string(vals[i]) {
			kv.dropLocked(k)
			flushed++
		}
	}
	kv.mu.Unlock()

	log.Printf("[redis] flushed %d buffered writes", flushed)
	if kv.OnFlush != nil {
		kv.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered keys.
func (kv *SettingsKV) PendingCount() int {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return len(kv.order)
}

// Ping checks connectivity (health endpoint).
func (kv *SettingsKV) Ping(ctx context.Context) error {
	return kv.client.Ping(ctx).Err()
}

// Close closes the client.
func (kv *SettingsKV) Close() error {
	return kv.client.Close()
}
