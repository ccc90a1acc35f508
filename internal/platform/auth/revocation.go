package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revocations records withdrawn tokens. A token is rejected when its jti was
// revoked or when it was issued at or before its user's revocation cutoff,
// which covers lost badges and shared bedside devices.
type Revocations interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	RevokeUser(ctx context.Context, userID string, at time.Time) error
	IsRevoked(ctx context.Context, jti, userID string, issuedAt time.Time) (bool, error)
}

// MemoryRevocations keeps revocations in process. Entries are swept once
// the token they describe could no longer be valid.
type MemoryRevocations struct {
	mu       sync.RWMutex
	jtis     map[string]time.Time // jti -> token expiry
	users    map[string]time.Time // user -> cutoff
	lifetime time.Duration
	now      func() time.Time
	done     chan struct{}
}

// NewMemoryRevocations starts a sweeper that runs every five minutes.
// lifetime is the longest token lifetime the issuer hands out.
func NewMemoryRevocations(lifetime time.Duration) *MemoryRevocations {
	s := &MemoryRevocations{
		jtis:     make(map[string]time.Time),
		users:    make(map[string]time.Time),
		lifetime: lifetime,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *MemoryRevocations) Revoke(_ context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return errors.New("jti is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jtis[jti] = expiresAt
	return nil
}

func (s *MemoryRevocations) RevokeUser(_ context.Context, userID string, at time.Time) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.users[userID]; !ok || at.After(prev) {
		s.users[userID] = at
	}
	return nil
}

func (s *MemoryRevocations) IsRevoked(_ context.Context, jti, userID string, issuedAt time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jtis[jti]; ok && jti != "" {
		return true, nil
	}
	if cutoff, ok := s.users[userID]; ok && !issuedAt.After(cutoff) {
		return true, nil
	}
	return false, nil
}

// Count returns the number of revoked token ids still tracked.
func (s *MemoryRevocations) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jtis)
}

// Close stops the sweeper. Safe to call more than once.
func (s *MemoryRevocations) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *MemoryRevocations) sweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryRevocations) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for jti, exp := range s.jtis {
		if now.After(exp) {
			delete(s.jtis, jti)
		}
	}
	for user, cutoff := range s.users {
		if now.After(cutoff.Add(s.lifetime)) {
			delete(s.users, user)
		}
	}
}

// RedisCmdable is the subset of the go-redis client the Redis store uses.
type RedisCmdable interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisRevocations shares revocations between server replicas. Keys expire
// on their own once the token could no longer be valid.
type RedisRevocations struct {
	client   RedisCmdable
	prefix   string
	lifetime time.Duration
	now      func() time.Time
}

func NewRedisRevocations(client RedisCmdable, lifetime time.Duration) *RedisRevocations {
	return &RedisRevocations{client: client, prefix: "bloodbank:revoked:", lifetime: lifetime, now: time.Now}
}

func (s *RedisRevocations) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return errors.New("jti is required")
	}
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.prefix+"jti:"+jti, 1, ttl).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (s *RedisRevocations) RevokeUser(ctx context.Context, userID string, at time.Time) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	if err := s.client.Set(ctx, s.prefix+"user:"+userID, at.Unix(), s.lifetime).Err(); err != nil {
		return fmt.Errorf("revoke user: %w", err)
	}
	return nil
}

func (s *RedisRevocations) IsRevoked(ctx context.Context, jti, userID string, issuedAt time.Time) (bool, error) {
	if jti != "" {
		n, err := s.client.Exists(ctx, s.prefix+"jti:"+jti).Result()
		if err != nil {
			return false, fmt.Errorf("check token revocation: %w", err)
		}
		if n > 0 {
			return true, nil
		}
	}
	cutoff, err := s.client.Get(ctx, s.prefix+"user:"+userID).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check user revocation: %w", err)
	}
	return issuedAt.Unix() <= cutoff, nil
}
