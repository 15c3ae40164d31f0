package infra

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func deadClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  50 * time.Millisecond,
		ReadTimeout:  50 * time.Millisecond,
		WriteTimeout: 50 * time.Millisecond,
		MaxRetries:   -1,
	})
}

// The kill-switch retry path reconnects while the rate limiter keeps issuing
// commands on the same adapter, so client swaps must be serialized against
// in-flight commands. The commands themselves fail (nothing listens on the
// address); the race detector checks the synchronization.
func TestSwapIsSafeUnderConcurrentCommands(t *testing.T) {
	a := &RedisKV{rdb: deadClient(), url: "redis://127.0.0.1:1"}
	t.Cleanup(func() { a.Close() })
	ctx := context.Background()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				a.Get(ctx, "k")
				a.Set(ctx, "k", []byte("v"), time.Second)
				a.IncrWindow(ctx, "w", time.Minute)
			}
		}()
	}

	for i := 0; i < 20; i++ {
		a.swap(deadClient())
	}
	close(stop)
	wg.Wait()

	require.Error(t, a.Ping(ctx), "nothing listens on the test address")
}
