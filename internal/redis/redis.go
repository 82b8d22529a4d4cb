package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"instrument-ledger/internal/config"
	"instrument-ledger/internal/logger"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss возвращается, если ключ отсутствует или истёк
var ErrCacheMiss = errors.New("redis: cache miss")

// Префиксы ключей
const (
	KeyPrefixPolicy    = "policy"
	KeyPrefixRateLimit = "ratelimit"
)

// scanBatch размер страницы SCAN при удалении по префиксу
const scanBatch = 100

// windowScript увеличивает счётчик окна и возвращает {count, pttl}.
// TTL выставляется при первом попадании и восстанавливается, если ключ его потерял.
var windowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Client представляет клиент Redis. Хранит только кеш политик
// и счётчики rate limiter; балансы и статусы инструментов сюда не попадают.
type Client struct {
	client *redis.Client
	log    *logger.Logger
}

// Connect создает подключение к Redis
func Connect(cfg *config.RedisConfig, log *logger.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.WithField("addr", rdb.Options().Addr).Info("Successfully connected to Redis")
	return Wrap(rdb, log), nil
}

// Wrap оборачивает готовый клиент go-redis (тесты, общий пул)
func Wrap(rdb *redis.Client, log *logger.Logger) *Client {
	return &Client{client: rdb, log: log}
}

// Close закрывает подключение к Redis
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Health проверяет состояние Redis
func (c *Client) Health(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errors.New("redis is not initialized")
	}
	return c.client.Ping(ctx).Err()
}

// SetJSON сохраняет значение в JSON с TTL
func (c *Client) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for key %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// GetJSON читает JSON-значение в dest. Отсутствующий ключ даёт ErrCacheMiss.
func (c *Client) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("key %s: %w", key, ErrCacheMiss)
		}
		return fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
	}
	return nil
}

// CountInWindow атомарно увеличивает счётчик фиксированного окна и
// возвращает новое значение и время до сброса окна
func (c *Client) CountInWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := windowScript.Run(ctx, c.client, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count key %s: %w", key, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected window reply for key %s: %v", key, res)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

// WindowState возвращает текущее значение счётчика окна и время до сброса
// без его изменения. Отсутствующее окно даёт ErrCacheMiss.
func (c *Client) WindowState(ctx context.Context, key string) (int64, time.Duration, error) {
	pipe := c.client.Pipeline()
	get := pipe.Get(ctx, key)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, fmt.Errorf("failed to read window %s: %w", key, err)
	}

	count, err := get.Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, 0, fmt.Errorf("key %s: %w", key, ErrCacheMiss)
		}
		return 0, 0, fmt.Errorf("failed to parse window %s: %w", key, err)
	}

	ttl := pttl.Val()
	if ttl < 0 {
		ttl = 0
	}
	return count, ttl, nil
}

// DeleteByPrefix удаляет ключи по префиксу. Сначала SCAN собирает все ключи,
// затем они удаляются пачками по scanBatch: удаление во время обхода сдвигает
// курсор и часть ключей пропускается.
func (c *Client) DeleteByPrefix(ctx context.Context, prefix string) error {
	var (
		cursor uint64
		keys   []string
	)
	for {
		page, next, err := c.client.Scan(ctx, cursor, prefix+"*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("failed to scan keys by prefix %s: %w", prefix, err)
		}
		keys = append(keys, page...)
		if next == 0 {
			break
		}
		cursor = next
	}

	for start := 0; start < len(keys); start += scanBatch {
		end := start + scanBatch
		if end > len(keys) {
			end = len(keys)
		}
		if err := c.client.Del(ctx, keys[start:end]...).Err(); err != nil {
			return fmt.Errorf("failed to delete keys by prefix %s: %w", prefix, err)
		}
	}

	c.log.WithFields(map[string]interface{}{
		"prefix": prefix,
		"count":  len(keys),
	}).Debug("Deleted Redis keys by prefix")
	return nil
}

// GenerateKey собирает ключ из префикса и частей через ":"
func GenerateKey(prefix string, parts ...string) string {
	if len(parts) == 0 {
		return prefix
	}
	return prefix + ":" + strings.Join(parts, ":")
}
