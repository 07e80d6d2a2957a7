package session

import (
	"context"
	"testing"
	"time"

	"componenthub/internal/store"
	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	rs, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return rs, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	rs, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer rs.Close()

	if err := rs.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	rs, s := setupTestRedis(t)
	defer rs.Close()
	defer s.Close()

	ctx := context.Background()
	user := store.User{ID: 123, Username: "alice", IsAdmin: true}

	err := rs.SaveRefreshSession(ctx, "test-token-hash", user, time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	got, err := rs.LookupRefreshSession(ctx, "test-token-hash")
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}

	if got.ID != 123 || got.Username != "alice" || !got.IsAdmin {
		t.Errorf("unexpected identity: %+v", got)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	rs, s := setupTestRedis(t)
	defer rs.Close()
	defer s.Close()

	ctx := context.Background()
	user := store.User{ID: 456, Username: "bob"}

	err := rs.SaveRefreshSession(ctx, "expired-token", user, time.Now().Add(1*time.Millisecond))
	if err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	s.FastForward(2 * time.Millisecond)

	if _, err := rs.LookupRefreshSession(ctx, "expired-token"); err == nil {
		t.Error("expected error for expired token, got nil")
	}
}

func TestLookupNonExistentSession(t *testing.T) {
	rs, s := setupTestRedis(t)
	defer rs.Close()
	defer s.Close()

	if _, err := rs.LookupRefreshSession(context.Background(), "non-existent-token"); err == nil {
		t.Error("expected error for non-existent token, got nil")
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	rs, s := setupTestRedis(t)
	defer rs.Close()
	defer s.Close()

	ctx := context.Background()
	user := store.User{ID: 789, Username: "carol"}

	err := rs.SaveRefreshSession(ctx, "token-to-revoke", user, time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	if _, err := rs.LookupRefreshSession(ctx, "token-to-revoke"); err != nil {
		t.Fatalf("Lookup before revoke failed: %v", err)
	}

	if err := rs.RevokeRefreshSession(ctx, "token-to-revoke"); err != nil {
		t.Fatalf("RevokeRefreshSession failed: %v", err)
	}

	if _, err := rs.LookupRefreshSession(ctx, "token-to-revoke"); err == nil {
		t.Error("expected error for revoked token, got nil")
	}
}

func TestSessionIsolation(t *testing.T) {
	rs, s := setupTestRedis(t)
	defer rs.Close()
	defer s.Close()

	ctx := context.Background()
	expiresAt := time.Now().Add(24 * time.Hour)

	if err := rs.SaveRefreshSession(ctx, "token-1", store.User{ID: 1, Username: "alice"}, expiresAt); err != nil {
		t.Fatalf("SaveRefreshSession 1 failed: %v", err)
	}
	if err := rs.SaveRefreshSession(ctx, "token-2", store.User{ID: 2, Username: "bob"}, expiresAt); err != nil {
		t.Fatalf("SaveRefreshSession 2 failed: %v", err)
	}

	if err := rs.RevokeRefreshSession(ctx, "token-1"); err != nil {
		t.Fatalf("Revoke token-1 failed: %v", err)
	}

	if _, err := rs.LookupRefreshSession(ctx, "token-1"); err == nil {
		t.Error("expected error for revoked token-1, got nil")
	}

	user, err := rs.LookupRefreshSession(ctx, "token-2")
	if err != nil {
		t.Fatalf("Lookup token-2 after revoke failed: %v", err)
	}
	if user.ID != 2 || user.Username != "bob" {
		t.Errorf("expected bob after revoke, got %+v", user)
	}
}
