// gpufleet is a control-plane service for rented GPU compute instances.
// Copyright (C) 2025 The gpufleet authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package kv is the narrow interface the core targets for durable state:
// strings with TTL, hashes, lists, and sorted sets, plus script evaluation
// for the queue's atomic moves. The only implementation is Redis; tests run
// it against miniredis.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"gpufleet/pkg/fleet"
)

// Store is the persistence surface consumed by the queue, the state store,
// and the migration scheduler. All values are strings produced by the codec.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	LPush(ctx context.Context, key string, values ...string) error
	RPop(ctx context.Context, key string) (string, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LLen(ctx context.Context, key string) (int64, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZScore(ctx context.Context, key, member string) (float64, error)

	Keys(ctx context.Context, pattern string) ([]string, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Eval runs a Lua script. The queue relies on it for atomic
	// ready-to-processing moves.
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)

	Ping(ctx context.Context) error
	Close() error
}

// Redis implements Store on go-redis.
type Redis struct {
	rdb *redis.Client
}

var _ Store = (*Redis)(nil)

// Open connects to the Redis at rawURL, optionally overriding the password
// with token, and verifies the connection with a ping so a bad address
// fails at startup, not on first use.
func Open(ctx context.Context, rawURL, token string) (*Redis, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fleet.NewError(fleet.KindConfiguration, "REDIS_URL is empty")
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fleet.WrapError(fleet.KindConfiguration, "invalid REDIS_URL", err)
	}
	if token != "" {
		opts.Password = token
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fleet.WrapError(fleet.KindKVUnavailable, "ping redis", err)
	}
	return &Redis{rdb: rdb}, nil
}

// NewFromClient wraps an existing client. Tests use it with miniredis.
func NewFromClient(rdb *redis.Client) *Redis { return &Redis{rdb: rdb} }

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}

// wrap categorizes a go-redis error: absent keys are NOT_FOUND, deadline
// expiry is TIMEOUT, everything else is KV_UNAVAILABLE.
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return fleet.Errorf(fleet.KindNotFound, "%s: no such key", op)
	case errors.Is(err, context.DeadlineExceeded):
		return fleet.WrapError(fleet.KindTimeout, op, err)
	default:
		return fleet.WrapError(fleet.KindKVUnavailable, op, err)
	}
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	return v, wrap(fmt.Sprintf("get %s", key), err)
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap(fmt.Sprintf("set %s", key), r.rdb.Set(ctx, key, value, ttl).Err())
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, key, value, ttl).Result()
	return ok, wrap(fmt.Sprintf("setnx %s", key), err)
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrap("del", r.rdb.Del(ctx, keys...).Err())
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, key).Result()
	return n > 0, wrap(fmt.Sprintf("exists %s", key), err)
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := r.rdb.HGet(ctx, key, field).Result()
	return v, wrap(fmt.Sprintf("hget %s %s", key, field), err)
}

func (r *Redis) HSet(ctx context.Context, key, field, value string) error {
	return wrap(fmt.Sprintf("hset %s", key), r.rdb.HSet(ctx, key, field, value).Err())
}

func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	return wrap(fmt.Sprintf("hdel %s", key), r.rdb.HDel(ctx, key, fields...).Err())
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := r.rdb.HGetAll(ctx, key).Result()
	return v, wrap(fmt.Sprintf("hgetall %s", key), err)
}

func (r *Redis) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return wrap(fmt.Sprintf("lpush %s", key), r.rdb.LPush(ctx, key, args...).Err())
}

func (r *Redis) RPop(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.RPop(ctx, key).Result()
	return v, wrap(fmt.Sprintf("rpop %s", key), err)
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := r.rdb.LRange(ctx, key, start, stop).Result()
	return v, wrap(fmt.Sprintf("lrange %s", key), err)
}

func (r *Redis) LTrim(ctx context.Context, key string, start, stop int64) error {
	return wrap(fmt.Sprintf("ltrim %s", key), r.rdb.LTrim(ctx, key, start, stop).Err())
}

func (r *Redis) LLen(ctx context.Context, key string) (int64, error) {
	v, err := r.rdb.LLen(ctx, key).Result()
	return v, wrap(fmt.Sprintf("llen %s", key), err)
}

func (r *Redis) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrap(fmt.Sprintf("zadd %s", key), r.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (r *Redis) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrap(fmt.Sprintf("zrem %s", key), r.rdb.ZRem(ctx, key, args...).Err())
}

func (r *Redis) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	v, err := r.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	return v, wrap(fmt.Sprintf("zrangebyscore %s", key), err)
}

func (r *Redis) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return wrap(fmt.Sprintf("zremrangebyscore %s", key),
		r.rdb.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err())
}

func (r *Redis) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := r.rdb.ZRevRange(ctx, key, start, stop).Result()
	return v, wrap(fmt.Sprintf("zrevrange %s", key), err)
}

func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	v, err := r.rdb.ZCard(ctx, key).Result()
	return v, wrap(fmt.Sprintf("zcard %s", key), err)
}

func (r *Redis) ZScore(ctx context.Context, key, member string) (float64, error) {
	v, err := r.rdb.ZScore(ctx, key, member).Result()
	return v, wrap(fmt.Sprintf("zscore %s", key), err)
}

func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	v, err := r.rdb.Keys(ctx, pattern).Result()
	return v, wrap(fmt.Sprintf("keys %s", pattern), err)
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	v, err := r.rdb.TTL(ctx, key).Result()
	return v, wrap(fmt.Sprintf("ttl %s", key), err)
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap(fmt.Sprintf("expire %s", key), r.rdb.Expire(ctx, key, ttl).Err())
}

func (r *Redis) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	v, err := r.rdb.Eval(ctx, script, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return v, wrap("eval", err)
}

func (r *Redis) Ping(ctx context.Context) error {
	return wrap("ping", r.rdb.Ping(ctx).Err())
}

func formatScore(f float64) string {
	switch {
	case f < 0 && f < -1e17:
		return "-inf"
	case f > 1e17:
		return "+inf"
	}
	return fmt.Sprintf("%f", f)
}
