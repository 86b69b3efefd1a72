/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package secrets

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig selects the Redis instance secrets are mirrored to
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

// Enabled reports whether a Redis sink is configured
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// hashWriter is the part of the Redis client the sink uses
type hashWriter interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// RedisSink stores each service as a hash at <prefix>:<service>
type RedisSink struct {
	client hashWriter
	prefix string
}

// NewRedisSink connects to Redis and verifies the connection
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return newRedisSink(rdb, cfg.Prefix), nil
}

func newRedisSink(client hashWriter, prefix string) *RedisSink {
	return &RedisSink{client: client, prefix: prefix}
}

func (s *RedisSink) key(service string) string {
	if s.prefix == "" {
		return service
	}
	return s.prefix + ":" + service
}

// Name implements Sink
func (s *RedisSink) Name() string {
	return "redis"
}

// Push implements Sink. HSET only touches the given fields, so fields set
// by other writers survive.
func (s *RedisSink) Push(ctx context.Context, payload Payload) error {
	for _, service := range payload.Services() {
		fields := payload[service]
		if len(fields) == 0 {
			continue
		}
		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)

		values := make([]interface{}, 0, 2*len(names))
		for _, name := range names {
			v, err := stringify(fields[name])
			if err != nil {
				return fmt.Errorf("%s.%s: %w", service, name, err)
			}
			values = append(values, name, v)
		}
		if err := s.client.HSet(ctx, s.key(service), values...).Err(); err != nil {
			return fmt.Errorf("hset %s: %w", s.key(service), err)
		}
	}
	return nil
}
