// ABOUTME: Redis-backed namespace pool for deployments sharing state across routers
// ABOUTME: Stores every slot as one field of a single hash

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/caprouter/internal/namespace"
)

// DefaultNamespaceKey is the hash holding the namespace pool.
const DefaultNamespaceKey = "caprouter:namespaces"

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// RedisNamespaces implements namespace.Repository on a Redis hash mapping
// slot path to bound name ("" when free).
type RedisNamespaces struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

// NewRedisNamespaces connects to Redis and verifies the connection.
func NewRedisNamespaces(ctx context.Context, opts RedisOptions, logger *slog.Logger) (*RedisNamespaces, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}

	return NewRedisNamespacesFromClient(client, opts.Key, logger), nil
}

// NewRedisNamespacesFromClient wraps an existing client.
func NewRedisNamespacesFromClient(client *redis.Client, key string, logger *slog.Logger) *RedisNamespaces {
	if key == "" {
		key = DefaultNamespaceKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisNamespaces{
		client: client,
		key:    key,
		logger: logger.With("component", "redis-namespaces"),
	}
}

// List returns every slot ordered by index.
func (r *RedisNamespaces) List(ctx context.Context) ([]namespace.Namespace, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("reading namespaces: %w", err)
	}
	out := make([]namespace.Namespace, 0, len(fields))
	for path, name := range fields {
		out = append(out, namespace.Namespace{Path: path, Name: name})
	}
	namespace.SortByIndex(out)
	return out, nil
}

// Save inserts or updates a slot.
func (r *RedisNamespaces) Save(ctx context.Context, ns namespace.Namespace) error {
	if namespace.Index(ns.Path) < 0 {
		return fmt.Errorf("invalid namespace path %q", ns.Path)
	}
	if err := r.client.HSet(ctx, r.key, ns.Path, ns.Name).Err(); err != nil {
		return fmt.Errorf("saving namespace: %w", err)
	}
	r.logger.Debug("saved namespace", "path", ns.Path, "name", ns.Name)
	return nil
}

// Bind stores ns only if its slot is still free and ns.Name is not bound
// elsewhere. The check and the write run in one WATCH/MULTI transaction so
// routers sharing the hash never bind the same slot twice.
func (r *RedisNamespaces) Bind(ctx context.Context, ns namespace.Namespace) (namespace.Namespace, error) {
	if namespace.Index(ns.Path) < 0 {
		return namespace.Namespace{}, fmt.Errorf("invalid namespace path %q", ns.Path)
	}

	var bound namespace.Namespace
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, r.key).Result()
		if err != nil {
			return err
		}
		for path, name := range fields {
			if name == ns.Name {
				bound = namespace.Namespace{Path: path, Name: name}
				return nil
			}
		}
		if current, ok := fields[ns.Path]; !ok || current != "" {
			return fmt.Errorf("%w: %s", namespace.ErrSlotTaken, ns.Path)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.key, ns.Path, ns.Name)
			return nil
		})
		if err != nil {
			return err
		}
		bound = ns
		return nil
	}, r.key)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		r.logger.Debug("namespace hash changed during bind", "path", ns.Path, "name", ns.Name)
		return namespace.Namespace{}, fmt.Errorf("%w: %s", namespace.ErrSlotTaken, ns.Path)
	case errors.Is(err, namespace.ErrSlotTaken):
		return namespace.Namespace{}, err
	case err != nil:
		return namespace.Namespace{}, fmt.Errorf("binding namespace: %w", err)
	}
	r.logger.Debug("bound namespace", "path", bound.Path, "name", bound.Name)
	return bound, nil
}

// Close closes the Redis connection.
func (r *RedisNamespaces) Close() error {
	return r.client.Close()
}
