package config

// This file defines the Redis client constructor. Redis backs the ephemeral
// code cache (OTP challenges, resend cooldowns) and the browser session
// store, so unlike a pure cache it is required: a failed ping is an error.

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAddress resolves the Redis address. REDIS_HOST and REDIS_PORT take
// precedence over REDIS_ADDR when both are set.
func (c *Config) RedisAddress() string {
	addr := c.RedisAddr
	if c.RedisHost != "" && c.RedisPort != "" {
		addr = c.RedisHost + ":" + c.RedisPort
	}
	if addr == "" {
		addr = "localhost:6379"
	}
	return addr
}

// NewRedisClient instantiates a Redis client from the config and pings it
// with a short timeout.
func NewRedisClient(cfg *Config) (*redis.Client, error) {
	var tlsConf *tls.Config
	if cfg.RedisTLS {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(&redis.Options{
		Addr:      cfg.RedisAddress(),
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		TLSConfig: tlsConf,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddress(), err)
	}
	return client, nil
}
