package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/minigames-dev/scoreguard/internal/errors"
	"github.com/minigames-dev/scoreguard/internal/session"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func makeService(t *testing.T) (*session.Service, *clock) {
	t.Helper()

	ck := &clock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	s := session.NewService(session.Config{
		Store: session.NewMemoryStore(),
		Now:   ck.Now,
	})

	return s, ck
}

func TestService_CreateAndGet(t *testing.T) {
	s, ck := makeService(t)

	ss, err := s.Create(context.Background(), 42)
	require.NoError(t, err)
	require.NotEmpty(t, ss.ID)
	require.Len(t, ss.Secret, 64)
	require.EqualValues(t, 42, ss.Seed)
	require.True(t, ss.IsActive)
	require.Nil(t, ss.ValidatedScore)
	require.Equal(t, ck.Now().Add(session.DefaultTTL), ss.ExpiresAt)

	got, err := s.Get(context.Background(), ss.ID)
	require.NoError(t, err)
	require.Equal(t, ss.ID, got.ID)
	require.Equal(t, ss.Secret, got.Secret)
}

func TestService_SecretsAreUnique(t *testing.T) {
	s, _ := makeService(t)

	a, err := s.Create(context.Background(), 1)
	require.NoError(t, err)
	b, err := s.Create(context.Background(), 1)
	require.NoError(t, err)

	require.NotEqual(t, a.ID, b.ID)
	require.NotEqual(t, a.Secret, b.Secret)
}

func TestService_Get_LazyExpiry(t *testing.T) {
	s, ck := makeService(t)

	ss, err := s.Create(context.Background(), 7)
	require.NoError(t, err)

	// Right before expiry the session is still there.
	ck.Advance(session.DefaultTTL - time.Second)
	_, err = s.Get(context.Background(), ss.ID)
	require.NoError(t, err)

	// At expiry it is logically absent even though never swept.
	ck.Advance(time.Second)
	_, err = s.Get(context.Background(), ss.ID)
	require.Error(t, err)
	require.Equal(t, errors.CodeFailedPrecondition, errors.Convert(err).Code)
}

func TestService_Get_NotFound(t *testing.T) {
	s, _ := makeService(t)

	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	require.Equal(t, errors.CodeNotFound, errors.Convert(err).Code)
}

func TestService_Consume(t *testing.T) {
	s, _ := makeService(t)

	ss, err := s.Create(context.Background(), 7)
	require.NoError(t, err)

	require.NoError(t, s.Consume(context.Background(), ss.ID, 1250))

	got, err := s.Get(context.Background(), ss.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)
	require.NotNil(t, got.ValidatedScore)
	require.EqualValues(t, 1250, *got.ValidatedScore)

	// Replays against a consumed session are rejected, not re-accepted.
	err = s.Consume(context.Background(), ss.ID, 9999)
	require.Error(t, err)
	require.Equal(t, errors.CodeAlreadyExists, errors.Convert(err).Code)

	// The recorded score did not change.
	got, err = s.Get(context.Background(), ss.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1250, *got.ValidatedScore)
}

func TestService_Consume_Expired(t *testing.T) {
	s, ck := makeService(t)

	ss, err := s.Create(context.Background(), 7)
	require.NoError(t, err)

	ck.Advance(session.DefaultTTL)
	err = s.Consume(context.Background(), ss.ID, 100)
	require.Error(t, err)
	require.Equal(t, errors.CodeFailedPrecondition, errors.Convert(err).Code)
}

func TestService_Consume_ConcurrentExactlyOnce(t *testing.T) {
	s, _ := makeService(t)

	ss, err := s.Create(context.Background(), 7)
	require.NoError(t, err)

	const n = 32

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		consumed  int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(score int64) {
			defer wg.Done()

			err := s.Consume(context.Background(), ss.ID, score)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			if errors.Convert(err).Code == errors.CodeAlreadyExists {
				consumed++
			}
		}(int64(i))
	}
	wg.Wait()

	require.Equal(t, 1, succeeded, "exactly one concurrent consume must win")
	require.Equal(t, n-1, consumed, "all losers must observe the consumed state")
}

func TestService_SweepExpired(t *testing.T) {
	s, ck := makeService(t)

	old1, err := s.Create(context.Background(), 1)
	require.NoError(t, err)
	old2, err := s.Create(context.Background(), 2)
	require.NoError(t, err)

	// A consumed session expires and is swept like any other.
	require.NoError(t, s.Consume(context.Background(), old2.ID, 50))

	ck.Advance(session.DefaultTTL + time.Minute)
	fresh, err := s.Create(context.Background(), 3)
	require.NoError(t, err)

	n, err := s.SweepExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = s.Get(context.Background(), old1.ID)
	require.Equal(t, errors.CodeNotFound, errors.Convert(err).Code)

	_, err = s.Get(context.Background(), fresh.ID)
	require.NoError(t, err)
}
