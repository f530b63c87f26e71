package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_TryLock(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx, "sync:a:1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "sync:a:1")
	require.NoError(t, err)
	assert.False(t, ok, "second holder is refused")

	other, ok, _ := l.TryLock(ctx, "sync:a:2")
	assert.True(t, ok, "different keys do not contend")
	other()

	release()
	release()

	again, ok, _ := l.TryLock(ctx, "sync:a:1")
	assert.True(t, ok)
	again()
}

func TestLocal_Contention(t *testing.T) {
	l := NewLocal()
	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok, _ := l.TryLock(context.Background(), "k"); ok {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestRedis_TryLock(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := Connect(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	l := NewRedis(client, "calhub:test:", time.Minute)
	key := "lock-" + time.Now().Format("150405.000000")

	release, ok, err := l.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	again, ok, err := l.TryLock(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	again()
}
