// Package coordination provides the per-operation execution claim used when
// several engine processes share one database.
//
// The store's pending → in-progress compare-and-set already admits a single
// executor; the claim additionally fences retries and re-executions of the
// same operation across processes while one is running.
//
// Import Path: farmops.io/bulkops/internal/coordination
package coordination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultClaimTTL bounds how long a crashed executor keeps an operation claimed.
const DefaultClaimTTL = 15 * time.Minute

var (
	// ErrClaimHeld is returned when another executor holds the claim.
	ErrClaimHeld = errors.New("operation claimed by another executor")

	// ErrClaimLost is returned when releasing or extending a claim that expired
	// or was taken over.
	ErrClaimLost = errors.New("operation claim not held")
)

// Claim is a held execution claim.
type Claim interface {
	// Extend pushes the expiry out by the claim TTL.
	Extend(ctx context.Context) error
	// Release gives the claim up.
	Release(ctx context.Context) error
	// TTL returns the claim's time-to-live.
	TTL() time.Duration
}

// Claimer hands out claims keyed by operation id.
type Claimer interface {
	Claim(ctx context.Context, operationID string) (Claim, error)
}

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisClaimer stores claims as Redis keys with a random owner token.
type RedisClaimer struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisClaimer creates a RedisClaimer. ttl <= 0 selects DefaultClaimTTL.
func NewRedisClaimer(client redis.UniversalClient, ttl time.Duration) *RedisClaimer {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &RedisClaimer{client: client, prefix: "bulkops:claim:", ttl: ttl}
}

// Key returns the Redis key of an operation's claim.
func (c *RedisClaimer) Key(operationID string) string {
	return c.prefix + operationID
}

// Claim implements Claimer.
func (c *RedisClaimer) Claim(ctx context.Context, operationID string) (Claim, error) {
	token := uuid.New().String()
	key := c.Key(operationID)
	ok, err := c.client.SetNX(ctx, key, token, c.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("claim operation %s: %w", operationID, err)
	}
	if !ok {
		return nil, ErrClaimHeld
	}
	return &redisClaim{client: c.client, key: key, token: token, ttl: c.ttl}, nil
}

type redisClaim struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
}

func (r *redisClaim) TTL() time.Duration { return r.ttl }

func (r *redisClaim) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, r.client, []string{r.key}, r.token, r.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend claim %s: %w", r.key, err)
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

func (r *redisClaim) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Int()
	if err != nil {
		return fmt.Errorf("release claim %s: %w", r.key, err)
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

// LocalClaimer keeps claims in process memory. Used when Redis is not configured.
type LocalClaimer struct {
	mu   sync.Mutex
	held map[string]string
}

// NewLocalClaimer creates a LocalClaimer.
func NewLocalClaimer() *LocalClaimer {
	return &LocalClaimer{held: make(map[string]string)}
}

// Claim implements Claimer.
func (l *LocalClaimer) Claim(_ context.Context, operationID string) (Claim, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[operationID]; ok {
		return nil, ErrClaimHeld
	}
	token := uuid.New().String()
	l.held[operationID] = token
	return &localClaim{owner: l, id: operationID, token: token}, nil
}

type localClaim struct {
	owner *LocalClaimer
	id    string
	token string
}

func (c *localClaim) TTL() time.Duration { return 0 }

func (c *localClaim) Extend(context.Context) error {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	if c.owner.held[c.id] != c.token {
		return ErrClaimLost
	}
	return nil
}

func (c *localClaim) Release(context.Context) error {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	if c.owner.held[c.id] != c.token {
		return ErrClaimLost
	}
	delete(c.owner.held, c.id)
	return nil
}
