package distlock

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestCoordinator_Key(t *testing.T) {
	c := NewCoordinator(NewMemoryStore(), "prod")
	assert.Equal(t, "prod:step:42", c.Key("step", "42"))
	assert.Equal(t, "prod:drip-chunk:d1:s9", c.Key("drip-chunk", "d1", "s9"))

	bare := NewCoordinator(NewMemoryStore(), "")
	assert.Equal(t, "step:42", bare.Key("step", "42"))
}

func TestCoordinator_PrefixesDoNotCollide(t *testing.T) {
	store := NewMemoryStore()
	a := NewCoordinator(store, "a")
	b := NewCoordinator(store, "b")
	ctx := context.Background()

	la, err := a.TryAcquire(ctx, time.Minute, "step", "1")
	require.NoError(t, err)
	require.NotNil(t, la)
	lb, err := b.TryAcquire(ctx, time.Minute, "step", "1")
	require.NoError(t, err)
	require.NotNil(t, lb)
}

func TestCoordinator_MutualExclusion(t *testing.T) {
	c := NewCoordinator(NewMemoryStore(), "")
	ctx := context.Background()

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := c.TryAcquire(ctx, time.Minute, "step", "7")
			if err == nil && lease != nil {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners)
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	ctx := context.Background()

	_, ok, _ := s.Acquire(ctx, "k", time.Minute)
	require.True(t, ok)
	_, ok, _ = s.Acquire(ctx, "k", time.Minute)
	assert.False(t, ok)

	clock = clock.Add(2 * time.Minute)
	assert.False(t, s.Held("k"))
	_, ok, _ = s.Acquire(ctx, "k", time.Minute)
	assert.True(t, ok, "expired lease is taken over")
}

func TestMemoryStore_Extend(t *testing.T) {
	s := NewMemoryStore()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	ctx := context.Background()

	token, ok, err := s.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	clock = clock.Add(50 * time.Second)
	ok, err = s.Extend(ctx, "k", token, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	clock = clock.Add(50 * time.Second)
	assert.True(t, s.Held("k"), "extended past the original expiry")

	ok, _ = s.Extend(ctx, "k", "other", time.Minute)
	assert.False(t, ok)

	clock = clock.Add(2 * time.Minute)
	ok, _ = s.Extend(ctx, "k", token, time.Minute)
	assert.False(t, ok, "an expired lease cannot be revived")
}

func TestLease_Extend(t *testing.T) {
	store := NewMemoryStore()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }
	c := NewCoordinator(store, "")
	ctx := context.Background()

	lease, err := c.TryAcquire(ctx, time.Minute, "chunk", "1")
	require.NoError(t, err)
	require.NotNil(t, lease)

	clock = clock.Add(45 * time.Second)
	require.NoError(t, lease.Extend(ctx))
	clock = clock.Add(45 * time.Second)
	assert.True(t, store.Held("chunk:1"))

	clock = clock.Add(5 * time.Minute)
	stolen, err := c.TryAcquire(ctx, time.Minute, "chunk", "1")
	require.NoError(t, err)
	require.NotNil(t, stolen)
	assert.ErrorIs(t, lease.Extend(ctx), ErrLeaseLost)
}

// releaseOnly is a Store without Extend support.
type releaseOnly struct{ Store }

func TestLease_ExtendUnsupported(t *testing.T) {
	c := NewCoordinator(releaseOnly{NewMemoryStore()}, "")
	lease, err := c.TryAcquire(context.Background(), time.Minute, "chunk", "1")
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.ErrorIs(t, lease.Extend(context.Background()), ErrNotExtendable)
}

func TestNewToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := newToken()
		require.NoError(t, err)
		assert.Regexp(t, `^[0-9a-f]{32}$`, tok)
		assert.False(t, seen[tok], "tokens are unique")
		seen[tok] = true
	}
}

func TestRedisStore_AcquireRelease(t *testing.T) {
	_, client := setupTestRedis(t)
	s := NewRedisStore(client)
	ctx := context.Background()

	token, ok, err := s.Acquire(ctx, "step:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.Acquire(ctx, "step:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while held")

	// Wrong token leaves the lease in place.
	require.NoError(t, s.Release(ctx, "step:1", "not-mine"))
	_, ok, _ = s.Acquire(ctx, "step:1", time.Minute)
	assert.False(t, ok)

	require.NoError(t, s.Release(ctx, "step:1", token))
	_, ok, err = s.Acquire(ctx, "step:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	s := NewRedisStore(client)
	ctx := context.Background()

	_, ok, err := s.Acquire(ctx, "drip-chunk:d:s", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("lock:drip-chunk:d:s"))

	mr.FastForward(31 * time.Second)
	_, ok, err = s.Acquire(ctx, "drip-chunk:d:s", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "crashed holder's lease self-expires")
}

func TestRedisStore_Extend(t *testing.T) {
	mr, client := setupTestRedis(t)
	s := NewRedisStore(client)
	ctx := context.Background()

	token, _, err := s.Acquire(ctx, "k", 10*time.Second)
	require.NoError(t, err)
	ok, err := s.Extend(ctx, "k", token, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	mr.FastForward(30 * time.Second)
	assert.True(t, mr.Exists("lock:k"))

	ok, err = s.Extend(ctx, "k", "someone-else", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "only the owner can extend")
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	_, _, err = NewRedisStore(client).Acquire(context.Background(), "k", time.Minute)
	assert.Error(t, err)
}

func TestPostgresStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	insert := regexp.QuoteMeta(`INSERT INTO squeeze_locks (lock_key, token, expires_at)`)
	mock.ExpectExec(insert).
		WithArgs("step:1", sqlmock.AnyArg(), now.Add(time.Minute), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).
		WithArgs("step:1", sqlmock.AnyArg(), now.Add(time.Minute), now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM squeeze_locks WHERE lock_key = $1 AND token = $2`)).
		WithArgs("step:1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	token, ok, err := s.Acquire(ctx, "step:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, token, 32)

	_, ok, err = s.Acquire(ctx, "step:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Release(ctx, "step:1", token))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Extend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	update := regexp.QuoteMeta(`UPDATE squeeze_locks SET expires_at = $3`)
	mock.ExpectExec(update).
		WithArgs("step:1", "tok", now.Add(time.Minute), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(update).
		WithArgs("step:1", "stale", now.Add(time.Minute), now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	ok, err := s.Extend(ctx, "step:1", "tok", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Extend(ctx, "step:1", "stale", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]dynamoLease
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := in.Item["lock_key"].(*types.AttributeValueMemberS).Value
	token := in.Item["token"].(*types.AttributeValueMemberS).Value
	var exp, now int64
	if err := unmarshalN(in.Item["expires_at"], &exp); err != nil {
		return nil, err
	}
	if err := unmarshalN(in.ExpressionAttributeValues[":now"], &now); err != nil {
		return nil, err
	}
	if cur, ok := f.items[key]; ok && cur.ExpiresAt >= now {
		return nil, &types.ConditionalCheckFailedException{Message: ptr("held")}
	}
	f.items[key] = dynamoLease{LockKey: key, Token: token, ExpiresAt: exp}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := in.Key["lock_key"].(*types.AttributeValueMemberS).Value
	token := in.ExpressionAttributeValues[":token"].(*types.AttributeValueMemberS).Value
	if cur, ok := f.items[key]; !ok || cur.Token != token {
		return nil, &types.ConditionalCheckFailedException{Message: ptr("not owner")}
	}
	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func unmarshalN(av types.AttributeValue, out *int64) error {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return errors.New("expected number attribute")
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return err
	}
	*out = v
	return nil
}

func ptr(s string) *string { return &s }

func TestDynamoStore(t *testing.T) {
	fake := &fakeDynamo{items: map[string]dynamoLease{}}
	s := NewDynamoStore(fake, "squeeze-locks")
	clock := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time { return clock }
	ctx := context.Background()

	token, ok, err := s.Acquire(ctx, "step:9", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.Acquire(ctx, "step:9", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Releasing someone else's lease is a silent no-op.
	require.NoError(t, s.Release(ctx, "step:9", "other"))
	require.NoError(t, s.Release(ctx, "step:9", token))

	_, ok, err = s.Acquire(ctx, "step:9", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	clock = clock.Add(2 * time.Minute)
	_, ok, err = s.Acquire(ctx, "step:9", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")
}
