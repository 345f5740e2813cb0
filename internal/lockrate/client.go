package lockrate

import "github.com/redis/go-redis/v9"

// NewClient returns a Redis client for addr, or nil when addr is empty —
// callers pass the nil client straight into NewMutex/NewBucket, which both
// treat a nil client as "backend absent" per spec §4.B.
func NewClient(addr string) redis.UniversalClient {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr})
}
