package kvstoretest_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/kvstore"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/kvstore/kvstoretest"
)

func TestHashRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := kvstoretest.New()

	require.NoError(t, f.HSet(ctx, "k", map[string]string{"a": "1", "b": "2"}))
	got, err := f.HGetAll(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, got)

	v, ok, err := f.HGet(ctx, "k", "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestRunAtomicAppliesWritesAtomically(t *testing.T) {
	ctx := context.Background()
	f := kvstoretest.New()
	require.NoError(t, f.HSet(ctx, "node", map[string]string{"available_cpus": "10"}))

	err := f.RunAtomic(ctx, []string{"node"}, func(ctx context.Context, r kvstore.Reader, w *kvstore.Writer) error {
		hash, err := r.HGetAll(ctx, "node")
		if err != nil {
			return err
		}
		current := kvstore.ParseInt64(hash["available_cpus"])
		w.HIncrBy("node", "available_cpus", -current)
		return nil
	})
	require.NoError(t, err)

	got, _ := f.HGetAll(ctx, "node")
	assert.Equal(t, "0", got["available_cpus"])
}

func TestRunAtomicRetriesOnConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	f := kvstoretest.New()
	require.NoError(t, f.HSet(ctx, "node", map[string]string{"available_cpus": "100"}))

	const workers = 20
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_ = f.RunAtomic(ctx, []string{"node"}, func(ctx context.Context, r kvstore.Reader, w *kvstore.Writer) error {
				hash, err := r.HGetAll(ctx, "node")
				if err != nil {
					return err
				}
				current := kvstore.ParseInt64(hash["available_cpus"])
				if current < 1 {
					return nil
				}
				w.HIncrBy("node", "available_cpus", -1)
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := f.HGetAll(ctx, "node")
	assert.Equal(t, "80", got["available_cpus"])
}

func TestListOperations(t *testing.T) {
	ctx := context.Background()
	f := kvstoretest.New()

	require.NoError(t, f.RPush(ctx, "order", "n0", "n1", "n2"))
	all, err := f.LRange(ctx, "order", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"n0", "n1", "n2"}, all)
}

func TestPubSub(t *testing.T) {
	ctx := context.Background()
	f := kvstoretest.New()

	sub, err := f.Subscribe(ctx, "chan")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, f.Publish(ctx, "chan", "hello"))
	assert.Equal(t, "hello", <-sub.Channel())
}
