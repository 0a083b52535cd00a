package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := DefaultConfig()
	cfg.Addr = mr.Addr()
	client, err := New(cfg, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{name: "default", config: DefaultConfig()},
		{name: "single without addr", config: &Config{Mode: ModeSingle}, wantErr: true},
		{name: "sentinel without master", config: &Config{Mode: ModeSentinel, SentinelAddrs: []string{"a:1"}}, wantErr: true},
		{name: "cluster with db", config: &Config{Mode: ModeCluster, ClusterAddrs: []string{"a:1"}, DB: 2}, wantErr: true},
		{name: "unknown mode", config: &Config{Mode: "mesh"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestKey(t *testing.T) {
	client, _ := setupTestClient(t)
	assert.Equal(t, "filevault:lock:file:1", client.Key("lock", "file:1"))
}

func TestLockUnlock(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	token, err := client.Lock(ctx, "k", time.Minute)
	require.NoError(t, err)

	_, err = client.Lock(ctx, "k", time.Minute)
	assert.True(t, errors.Is(err, ErrLockNotHeld))

	assert.ErrorIs(t, client.Unlock(ctx, "k", "someone-else"), ErrLockLost)
	require.NoError(t, client.Unlock(ctx, "k", token))
	assert.False(t, mr.Exists("k"))
}

func TestExtend(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	token, err := client.Lock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.NoError(t, client.Extend(ctx, "k", token, time.Minute))

	mr.FastForward(30 * time.Second)
	assert.True(t, mr.Exists("k"))

	assert.ErrorIs(t, client.Extend(ctx, "k", "someone-else", time.Minute), ErrLockLost)
	mr.FastForward(time.Minute)
	assert.ErrorIs(t, client.Extend(ctx, "k", token, time.Minute), ErrLockLost)
}

func TestListOperations(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	_, err := client.LPush(ctx, "q", "a", "b")
	require.NoError(t, err)

	n, err := client.LLen(ctx, "q")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	v, err := client.RPop(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	_, err = client.RPop(ctx, "empty")
	assert.True(t, IsNil(err))
}
