package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

func TestMemoryRevocations_TokenAndUserCutoff(t *testing.T) {
	s := NewMemoryRevocations(time.Hour)
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	if err := s.Revoke(ctx, "jti-1", now.Add(time.Hour)); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked, _ := s.IsRevoked(ctx, "jti-1", "nurse-1", now); !revoked {
		t.Error("expected jti-1 revoked")
	}
	if revoked, _ := s.IsRevoked(ctx, "jti-2", "nurse-1", now); revoked {
		t.Error("expected jti-2 valid")
	}

	if err := s.RevokeUser(ctx, "nurse-1", now); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if revoked, _ := s.IsRevoked(ctx, "jti-2", "nurse-1", now.Add(-time.Minute)); !revoked {
		t.Error("expected token issued before the cutoff to be revoked")
	}
	if revoked, _ := s.IsRevoked(ctx, "jti-3", "nurse-1", now.Add(time.Minute)); revoked {
		t.Error("expected token issued after the cutoff to be valid")
	}

	if err := s.Revoke(ctx, "", now); err == nil {
		t.Error("expected error for empty jti")
	}
}

func TestMemoryRevocations_Sweep(t *testing.T) {
	s := NewMemoryRevocations(time.Hour)
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	_ = s.Revoke(ctx, "old", now.Add(-time.Minute))
	_ = s.Revoke(ctx, "live", now.Add(time.Hour))
	_ = s.RevokeUser(ctx, "nurse-1", now.Add(-2*time.Hour))
	s.sweep()

	if s.Count() != 1 {
		t.Errorf("expected 1 tracked jti after sweep, got %d", s.Count())
	}
	if revoked, _ := s.IsRevoked(ctx, "", "nurse-1", now.Add(-3*time.Hour)); revoked {
		t.Error("expected user cutoff older than the token lifetime to be swept")
	}
}

type fakeRedis struct {
	values map[string]string
	fail   error
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	if f.fail != nil {
		return redis.NewStatusResult("", f.fail)
	}
	switch v := value.(type) {
	case int:
		f.values[key] = strconv.Itoa(v)
	case int64:
		f.values[key] = strconv.FormatInt(v, 10)
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	if f.fail != nil {
		return redis.NewIntResult(0, f.fail)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.values[k]; ok {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisRevocations(t *testing.T) {
	fake := &fakeRedis{values: map[string]string{}}
	s := NewRedisRevocations(fake, time.Hour)
	ctx := context.Background()
	now := time.Now()

	if err := s.Revoke(ctx, "jti-1", now.Add(time.Hour)); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := s.Revoke(ctx, "stale", now.Add(-time.Hour)); err != nil {
		t.Fatalf("revoke expired: %v", err)
	}
	if _, ok := fake.values["bloodbank:revoked:jti:stale"]; ok {
		t.Error("an already expired token needs no entry")
	}
	if revoked, err := s.IsRevoked(ctx, "jti-1", "lab-1", now); err != nil || !revoked {
		t.Errorf("expected jti-1 revoked, got %v %v", revoked, err)
	}
	if revoked, err := s.IsRevoked(ctx, "jti-2", "lab-1", now); err != nil || revoked {
		t.Errorf("expected jti-2 valid, got %v %v", revoked, err)
	}

	if err := s.RevokeUser(ctx, "lab-1", now); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if revoked, _ := s.IsRevoked(ctx, "jti-2", "lab-1", now.Add(-time.Minute)); !revoked {
		t.Error("expected token issued before the cutoff to be revoked")
	}
	if revoked, _ := s.IsRevoked(ctx, "jti-2", "lab-1", now.Add(time.Minute)); revoked {
		t.Error("expected token issued after the cutoff to be valid")
	}

	fake.fail = errors.New("connection refused")
	if _, err := s.IsRevoked(ctx, "jti-9", "lab-1", now); err == nil {
		t.Error("expected store failure to surface")
	}
}

func TestJWTMiddleware_RejectsRevokedTokens(t *testing.T) {
	store := NewMemoryRevocations(time.Hour)
	defer store.Close()
	ctx := context.Background()
	issued := time.Now().Add(-time.Minute)

	token := func(jti, sub string) string {
		return createTestToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{
			ID: jti, Subject: sub, IssuedAt: jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}, testSigningKey)
	}
	run := func(tok string) error {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		c := e.NewContext(req, httptest.NewRecorder())
		return JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Revocations: store})(okHandler)(c)
	}

	if err := run(token("a", "nurse-1")); err != nil {
		t.Fatalf("expected valid token, got %v", err)
	}

	_ = store.Revoke(ctx, "a", time.Now().Add(time.Hour))
	expectStatus(t, run(token("a", "nurse-1")), http.StatusUnauthorized)

	_ = store.RevokeUser(ctx, "nurse-2", time.Now())
	expectStatus(t, run(token("b", "nurse-2")), http.StatusUnauthorized)

	if err := run(token("c", "nurse-3")); err != nil {
		t.Fatalf("expected unrelated token valid, got %v", err)
	}
}
