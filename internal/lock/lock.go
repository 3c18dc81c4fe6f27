// Package lock enforces the one-active-job-per-session rule on top of a
// shared Redis instance. Acquisition is a single SET NX EX, so there is no
// read-then-write window; release is scoped to the session key.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"server/internal/domain"
)

const keyPrefix = "session_lock:"

// releaseScript deletes the lock only while the caller's token is still the
// one stored, closing the race where a stale caller frees a newer holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Manager implements domain.LockManager against Redis.
type Manager struct {
	client *redis.Client
	ttl    time.Duration
}

// NewManager builds a lock manager with the given lock TTL. The TTL is the
// safety net for crashed workers: an unreleased lock self-expires.
func NewManager(client *redis.Client, ttl time.Duration) *Manager {
	return &Manager{client: client, ttl: ttl}
}

// Acquire atomically claims the session lock and returns an ownership token.
// A held lock yields domain.ErrSessionBusy. Store errors fail closed: the
// caller must treat them as "not acquired" and reject the submission.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (string, error) {
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, keyPrefix+sessionID, token, m.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire session lock: %w", err)
	}
	if !ok {
		return "", domain.ErrSessionBusy
	}
	return token, nil
}

// Release frees the lock if token still owns it; a mismatch (someone else
// acquired after our TTL expired) is a no-op, not an error.
func (m *Manager) Release(ctx context.Context, sessionID, token string) error {
	if err := releaseScript.Run(ctx, m.client, []string{keyPrefix + sessionID}, token).Err(); err != nil {
		return fmt.Errorf("release session lock: %w", err)
	}
	return nil
}

// ForceRelease deletes the lock regardless of owner. Used on paths that
// cannot know the token (worker fallback, internal release endpoints), where
// forward progress for the session beats strict ownership checking.
func (m *Manager) ForceRelease(ctx context.Context, sessionID string) error {
	if err := m.client.Del(ctx, keyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("force release session lock: %w", err)
	}
	return nil
}

var _ domain.LockManager = (*Manager)(nil)
