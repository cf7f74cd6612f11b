// Package claim provides short-lived exclusive leases on object keys so that
// only one dispatcher replica scans a given object at a time.
package claim

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another holder owns the lease.
var ErrHeld = errors.New("claim held by another worker")

// Lease is a held claim. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// Claimer hands out leases keyed by object key.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Local is an in-process Claimer for single-replica deployments and tests.
type Local struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

func NewLocal() *Local {
	return &Local{leases: make(map[string]time.Time), now: time.Now}
}

func (l *Local) Claim(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if exp, ok := l.leases[key]; ok && now.Before(exp) {
		return nil, ErrHeld
	}
	exp := now.Add(ttl)
	l.leases[key] = exp
	return &localLease{l: l, key: key, exp: exp}, nil
}

type localLease struct {
	l   *Local
	key string
	exp time.Time
}

func (ll *localLease) Release(context.Context) error {
	ll.l.mu.Lock()
	defer ll.l.mu.Unlock()
	if ll.l.leases[ll.key].Equal(ll.exp) {
		delete(ll.l.leases, ll.key)
	}
	return nil
}

// releaseScript deletes the lease only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Claimer backed by SET NX PX.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "intake:claim:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Claim(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	k := r.prefix + key
	ok, err := r.client.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &redisLease{client: r.client, key: k, token: token}, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (l *redisLease) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("claim token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
