package lockx

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

var ErrNotAcquired = errors.New("lock not acquired")

type Lock struct {
	Key   string
	Token string
	TTL   time.Duration
}

func Acquire(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*Lock, bool, error) {
	if client == nil {
		return nil, false, errors.New("redis client not initialized")
	}
	if ttl <= 0 {
		return nil, false, errors.New("ttl must be > 0")
	}
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{Key: key, Token: token, TTL: ttl}, true, nil
}

func Release(ctx context.Context, client *redis.Client, lock *Lock) error {
	if client == nil {
		return errors.New("redis client not initialized")
	}
	if lock == nil {
		return errors.New("lock is nil")
	}
	return client.Eval(ctx, releaseScript, []string{lock.Key}, lock.Token).Err()
}

// Mutex serialises work on a named resource across processes. Lock polls
// until the key is free, the wait budget runs out or ctx ends.
type Mutex struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

func NewMutex(client *redis.Client, prefix string, ttl time.Duration) *Mutex {
	return &Mutex{client: client, prefix: prefix, ttl: ttl, wait: 2 * ttl, poll: 20 * time.Millisecond}
}

func (m *Mutex) Lock(ctx context.Context, name string) (func(), error) {
	key := m.prefix + name
	deadline := time.Now().Add(m.wait)
	for {
		lock, ok, err := Acquire(ctx, m.client, key, m.ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				// Released on a fresh context so a cancelled caller still frees the key.
				relCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = Release(relCtx, m.client, lock)
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.poll):
		}
	}
}
