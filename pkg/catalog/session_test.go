package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingAuth struct {
	calls int
	err   error
	ttl   time.Duration
	now   func() time.Time
}

func (a *countingAuth) Authenticate(context.Context) (Token, error) {
	a.calls++
	if a.err != nil {
		return Token{}, a.err
	}
	tok := Token{Value: fmt.Sprintf("token-%d", a.calls)}
	if a.ttl > 0 {
		tok.ExpiresAt = a.now().Add(a.ttl)
	}
	return tok, nil
}

func TestSessionReusesValidToken(t *testing.T) {
	auth := &countingAuth{}
	s := NewSession("model-catalog", auth, NewMemoryTokenStore())
	ctx := context.Background()

	require.NoError(t, s.Acquire(ctx))
	tok, err := s.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)
	assert.Equal(t, 1, auth.calls)
}

func TestSessionRefreshesOnExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	auth := &countingAuth{ttl: 10 * time.Minute, now: clock}
	s := NewSession("model-catalog", auth, NewMemoryTokenStore(), WithClock(clock))
	ctx := context.Background()

	tok, err := s.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)

	now = now.Add(5 * time.Minute)
	tok, err = s.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)

	now = now.Add(5 * time.Minute)
	tok, err = s.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-2", tok)
}

func TestSessionAppliesTTLWhenCatalogOmitsExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryTokenStore()
	s := NewSession("data-catalog", &countingAuth{}, store, WithTTL(time.Hour), WithClock(func() time.Time { return now }))

	require.NoError(t, s.Acquire(context.Background()))
	tok, ok, err := store.Load(context.Background(), "data-catalog")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Hour), tok.ExpiresAt)
}

func TestSessionSharesStore(t *testing.T) {
	store := NewMemoryTokenStore()
	first := &countingAuth{}
	second := &countingAuth{}
	ctx := context.Background()

	require.NoError(t, NewSession("model-catalog", first, store).Acquire(ctx))
	tok, err := NewSession("model-catalog", second, store).Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)
	assert.Zero(t, second.calls)
}

func TestSessionRefreshForcesLogin(t *testing.T) {
	auth := &countingAuth{}
	s := NewSession("model-catalog", auth, nil)
	ctx := context.Background()

	_, err := s.Token(ctx)
	require.NoError(t, err)
	tok, err := s.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-2", tok)
}

func TestSessionRelease(t *testing.T) {
	store := NewMemoryTokenStore()
	s := NewSession("model-catalog", &countingAuth{}, store)
	ctx := context.Background()

	require.NoError(t, s.Acquire(ctx))
	require.NoError(t, s.Release(ctx))
	require.NoError(t, s.Release(ctx))

	_, ok, err := store.Load(ctx, "model-catalog")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Token(ctx)
	assert.ErrorIs(t, err, ErrSessionReleased)
	_, err = s.Refresh(ctx)
	assert.ErrorIs(t, err, ErrSessionReleased)
}

func TestSessionReleaseKeepsTokenOwnedByAnotherSession(t *testing.T) {
	store := NewMemoryTokenStore()
	ctx := context.Background()
	owner := NewSession("model-catalog", &countingAuth{}, store)
	replica := NewSession("model-catalog", &countingAuth{}, store)

	require.NoError(t, owner.Acquire(ctx))
	require.NoError(t, replica.Acquire(ctx))

	require.NoError(t, replica.Release(ctx))
	tok, ok, err := store.Load(ctx, "model-catalog")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "token-1", tok.Value)
	assert.Equal(t, owner.id, tok.Owner)

	require.NoError(t, owner.Release(ctx))
	_, ok, err = store.Load(ctx, "model-catalog")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryTokenStoreDeleteOwned(t *testing.T) {
	store := NewMemoryTokenStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "k", Token{Value: "v", Owner: "a"}))

	deleted, err := store.DeleteOwned(ctx, "k", "b")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = store.DeleteOwned(ctx, "k", "a")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.DeleteOwned(ctx, "missing", "a")
	require.NoError(t, err)
	assert.False(t, deleted)
}

// gatedStore blocks every Load until the test lets it through, announcing
// each arrival first.
type gatedStore struct {
	*MemoryTokenStore
	arrived chan struct{}
	release chan struct{}
}

func (g *gatedStore) Load(ctx context.Context, key string) (Token, bool, error) {
	g.arrived <- struct{}{}
	<-g.release
	return g.MemoryTokenStore.Load(ctx, key)
}

func TestSessionTokenReadsStoreConcurrently(t *testing.T) {
	store := &gatedStore{
		MemoryTokenStore: NewMemoryTokenStore(),
		arrived:          make(chan struct{}, 4),
		release:          make(chan struct{}),
	}
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "model-catalog", Token{Value: "shared"}))
	auth := &countingAuth{}
	s := NewSession("model-catalog", auth, store)

	const callers = 2
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			tok, err := s.Token(ctx)
			if err == nil && tok != "shared" {
				err = fmt.Errorf("unexpected token %q", tok)
			}
			results <- err
		}()
	}

	overlapped := 0
	timeout := time.After(time.Second)
wait:
	for overlapped < callers {
		select {
		case <-store.arrived:
			overlapped++
		case <-timeout:
			break wait
		}
	}
	close(store.release)

	for i := 0; i < callers; i++ {
		assert.NoError(t, <-results)
	}
	assert.Equal(t, callers, overlapped, "token reads were serialized")
	assert.Zero(t, auth.calls)
}

func TestSessionConcurrentTokenLogsInOnce(t *testing.T) {
	var logins atomic.Int32
	auth := AuthenticatorFunc(func(context.Context) (Token, error) {
		n := logins.Add(1)
		time.Sleep(10 * time.Millisecond)
		return Token{Value: fmt.Sprintf("token-%d", n)}, nil
	})
	s := NewSession("model-catalog", auth, NewMemoryTokenStore())

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = s.Token(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "token-1", tokens[i])
	}
	assert.Equal(t, int32(1), logins.Load())
}

func TestSessionAuthFailure(t *testing.T) {
	boom := fmt.Errorf("%w: login refused", ErrUpstreamUnavailable)
	s := NewSession("model-catalog", &countingAuth{err: boom}, nil)

	err := s.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstreamUnavailable))
}

func TestSessionRejectsEmptyToken(t *testing.T) {
	auth := AuthenticatorFunc(func(context.Context) (Token, error) { return Token{}, nil })
	err := NewSession("data-catalog", auth, nil).Acquire(context.Background())
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestTokenValid(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.False(t, Token{}.Valid(now, 0))
	assert.True(t, Token{Value: "x"}.Valid(now, time.Minute))
	assert.True(t, Token{Value: "x", ExpiresAt: now.Add(time.Hour)}.Valid(now, time.Minute))
	assert.False(t, Token{Value: "x", ExpiresAt: now.Add(30 * time.Second)}.Valid(now, time.Minute))
}

func TestNewRedisTokenStoreRejectsBadURL(t *testing.T) {
	_, err := NewRedisTokenStore(context.Background(), "not-a-redis-url")
	assert.Error(t, err)
}
