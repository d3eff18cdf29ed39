package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, opts ...Option) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, opts...), mr
}

func TestRedisStore_KeyLayout(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, 3, FieldMinuteRequests, 9))

	v, err := mr.Get("gemini_key:3:minute_requests")
	require.NoError(t, err)
	assert.Equal(t, "9", v)
}

func TestRedisStore_CustomPrefix(t *testing.T) {
	store, mr := newRedisStore(t, WithKeyPrefix("test:"))
	ctx := context.Background()

	_, err := store.SetIfAbsent(ctx, 0, FieldDailyRequests, 1400)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:0:daily_requests"))
}

func TestRedisStore_GetAbsentAndPresent(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, 0, FieldDailyRequests)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mr.Set("gemini_key:0:daily_requests", "17"))
	v, ok, err := store.Get(ctx, 0, FieldDailyRequests)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(17), v)
}

func TestRedisStore_FractionalTimestamp(t *testing.T) {
	store, mr := newRedisStore(t)
	require.NoError(t, mr.Set("gemini_key:0:last_daily_reset", "1760702400.734"))

	v, ok, err := store.Get(context.Background(), 0, FieldLastDailyReset)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1760702400), v)
}

func TestRedisStore_CorruptValue(t *testing.T) {
	store, mr := newRedisStore(t)
	require.NoError(t, mr.Set("gemini_key:0:minute_requests", "lots"))

	_, _, err := store.Get(context.Background(), 0, FieldMinuteRequests)
	require.ErrorIs(t, err, ErrCorruptValue)

	_, err = store.Decrement(context.Background(), 0, FieldMinuteRequests)
	require.ErrorIs(t, err, ErrCorruptValue)
}

func TestRedisStore_SetIfAbsent(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	set, err := store.SetIfAbsent(ctx, 0, FieldMinuteRequests, 9)
	require.NoError(t, err)
	assert.True(t, set)

	set, err = store.SetIfAbsent(ctx, 0, FieldMinuteRequests, 1)
	require.NoError(t, err)
	assert.False(t, set)

	v, _, err := store.Get(ctx, 0, FieldMinuteRequests)
	require.NoError(t, err)
	assert.Equal(t, int64(9), v)
}

func TestRedisStore_ConcurrentDecrement(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, 0, FieldDailyRequests, 50))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Decrement(ctx, 0, FieldDailyRequests)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, _, err := store.Get(ctx, 0, FieldDailyRequests)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := store.Get(ctx, 0, FieldMinuteRequests)
	require.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = store.Decrement(ctx, 0, FieldMinuteRequests)
	require.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = store.SetIfAbsent(ctx, 0, FieldMinuteRequests, 1)
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestSelector_OverRedis(t *testing.T) {
	store, mr := newRedisStore(t)
	clock := newClock()
	ctx := context.Background()

	sel := NewSelector(store, 2, testLimits, WithClock(clock.Now), WithSleep(noSleep(t)))
	require.NoError(t, sel.Init(ctx))

	idx, err := sel.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	require.NoError(t, sel.Consume(ctx, idx))

	// Key 1 now has more daily allowance left.
	idx, err = sel.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	v, err := mr.Get("gemini_key:0:daily_requests")
	require.NoError(t, err)
	assert.Equal(t, "1399", v)
	v, err = mr.Get("gemini_key:0:minute_requests")
	require.NoError(t, err)
	assert.Equal(t, "8", v)
}
