package queue

import "time"

// Option applies a configuration option to the InMemoryQueue.
type Option func(*InMemoryQueue)

// WithCapacity sets the maximum number of queued jobs.
func WithCapacity(capacity int) Option {
	return func(q *InMemoryQueue) {
		if capacity > 0 {
			q.capacity = capacity
		}
	}
}

// RedisOption configures a RedisQueue.
type RedisOption func(*RedisQueue)

// WithKey sets the Redis list key.
func WithKey(key string) RedisOption {
	return func(q *RedisQueue) {
		if key != "" {
			q.key = key
		}
	}
}

// WithPollTimeout sets how long a single BRPOP blocks before re-checking
// for shutdown.
func WithPollTimeout(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.pollTimeout = d
		}
	}
}

// WithMaxLen bounds the Redis list; zero means unbounded.
func WithMaxLen(n int) RedisOption {
	return func(q *RedisQueue) {
		if n > 0 {
			q.maxLen = int64(n)
		}
	}
}
