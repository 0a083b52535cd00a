package redis

import (
	"errors"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNil            = redis.Nil
	ErrInvalidConfig  = errors.New("redis: invalid configuration")
	ErrNotInitialized = errors.New("redis: client not initialized")
	ErrLockNotHeld    = errors.New("redis: lock not acquired")
	ErrLockLost       = errors.New("redis: lock token mismatch or expired")
)

// IsNil reports a missing key
func IsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

// IsClosed reports use of a closed client
func IsClosed(err error) bool {
	return errors.Is(err, redis.ErrClosed)
}
