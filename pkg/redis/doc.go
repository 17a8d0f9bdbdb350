// Package redis connects to Redis with go-redis/v9 and provides a small
// distributed lock used to keep periodic jobs single-flight across workers.
package redis
