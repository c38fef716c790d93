package harnessports

import "context"

// RateLimiter coordinates throughput across callers.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Locker serializes work per key. Lock blocks until the key is free or ctx ends.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
