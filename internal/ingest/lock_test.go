package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()
	unlock, ok, err := l.TryLock(ctx, "monitor:a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.TryLock(ctx, "monitor:a", time.Minute)
	assert.False(t, ok)

	unlockB, ok, _ := l.TryLock(ctx, "monitor:b", time.Minute)
	assert.True(t, ok, "keys are independent")
	unlockB()

	unlock()
	unlock, ok, _ = l.TryLock(ctx, "monitor:a", time.Minute)
	assert.True(t, ok)
	unlock()
}

func TestMemoryLockerForgetsReleasedKeys(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()
	for _, key := range []string{"monitor:a", "monitor:b", "monitor:c"} {
		unlock, ok, err := l.TryLock(ctx, key, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		unlock()
	}
	assert.Empty(t, l.held)

	first, ok, _ := l.TryLock(ctx, "monitor:a", time.Minute)
	require.True(t, ok)
	first()
	second, ok, _ := l.TryLock(ctx, "monitor:a", time.Minute)
	require.True(t, ok)

	// A stale unlock must not release the current holder.
	first()
	_, ok, _ = l.TryLock(ctx, "monitor:a", time.Minute)
	assert.False(t, ok)
	second()
	assert.Empty(t, l.held)
}

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l := RedisLocker{Client: client, Prefix: "deskline:lock:"}
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "monitor:a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("deskline:lock:monitor:a"))

	other := RedisLocker{Client: client, Prefix: "deskline:lock:"}
	_, ok, err = other.TryLock(ctx, "monitor:a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	assert.False(t, mr.Exists("deskline:lock:monitor:a"))
}

func TestRedisLockerExpiryAndForeignRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l := RedisLocker{Client: client}
	ctx := context.Background()

	stale, ok, err := l.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(2 * time.Second)

	fresh, ok, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired lock can be taken over")

	// the first holder must not release the new holder's lock
	stale()
	assert.True(t, mr.Exists("k"))
	fresh()
	assert.False(t, mr.Exists("k"))
}

func TestEnvCredentials(t *testing.T) {
	env := map[string]string{
		"DESKLINE_CRED_ACME_GITHUB_MAIN": "tenant-token",
		"DESKLINE_CRED_SLACK":            "shared-token",
	}
	c := EnvCredentials{Prefix: "DESKLINE_CRED_", Lookup: func(k string) (string, bool) { v, ok := env[k]; return v, ok }}
	ctx := context.Background()

	v, err := c.Credential(ctx, "acme", "github-main")
	require.NoError(t, err)
	assert.Equal(t, "tenant-token", v)

	v, err = c.Credential(ctx, "acme", "slack")
	require.NoError(t, err)
	assert.Equal(t, "shared-token", v)

	_, err = c.Credential(ctx, "acme", "jira")
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}
