package redis

import (
	"github.com/go-redis/redis/v8"
)

// RedisClient mirrors live connection, typing and agent presence state so
// other services can read it without going through the chat server.
type RedisClient struct {
	client *redis.Client
}

func NewRedisClient(addr, password string) *RedisClient {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	return &RedisClient{client: client}
}
