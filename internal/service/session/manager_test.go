package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/dmsync/internal/backend/memory"
	"github.com/zhouzirui/z-tavern/dmsync/internal/model/dm"
	dmservice "github.com/zhouzirui/z-tavern/dmsync/internal/service/dm"
)

type countingGauge struct {
	n atomic.Int64
}

func (g *countingGauge) SessionsChanged(delta int) { g.n.Add(int64(delta)) }

func engineConfig() dmservice.Config {
	return dmservice.Config{SubscribeBackoff: time.Millisecond, SubscribeMaxBackoff: 2 * time.Millisecond}
}

func newTestManager(t *testing.T, backend Backend, idle time.Duration) (*Manager, *countingGauge) {
	t.Helper()
	gauge := &countingGauge{}
	m := NewManager(backend, Config{Engine: engineConfig(), Gauge: gauge, IdleTimeout: idle})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, gauge
}

func TestAcquireReusesEnginePerUser(t *testing.T) {
	store := memory.NewStore(memory.NewHub())
	m, gauge := newTestManager(t, Shared{Store: store, Push: store.Hub()}, 0)
	ctx := context.Background()

	first, release, err := m.Acquire(ctx, "alice", "")
	require.NoError(t, err)
	release()
	again, release, err := m.Acquire(ctx, "alice", "")
	require.NoError(t, err)
	release()
	other, release, err := m.Acquire(ctx, "bob", "")
	require.NoError(t, err)
	release()

	assert.Same(t, first, again)
	assert.NotSame(t, first, other)
	assert.Equal(t, 2, m.Len())
	assert.EqualValues(t, 2, gauge.n.Load())

	userID, ok := first.UserID()
	assert.True(t, ok)
	assert.Equal(t, "alice", userID)
}

func TestAcquireConcurrentCreatesOnce(t *testing.T) {
	var connects atomic.Int32
	store := memory.NewStore(memory.NewHub())
	backend := BackendFunc(func(ctx context.Context, userID string, token func() string) (Conn, error) {
		connects.Add(1)
		return Conn{Store: store, Push: store.Hub()}, nil
	})
	m, _ := newTestManager(t, backend, 0)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, release, err := m.Acquire(context.Background(), "alice", "")
			if assert.NoError(t, err) {
				release()
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, connects.Load())
}

func TestAcquireRejectsEmptyUser(t *testing.T) {
	store := memory.NewStore(memory.NewHub())
	m, _ := newTestManager(t, Shared{Store: store, Push: store.Hub()}, 0)
	_, _, err := m.Acquire(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrEmptyUserID)
}

func TestBackendSeesLatestToken(t *testing.T) {
	store := memory.NewStore(memory.NewHub())
	var tokenFn func() string
	backend := BackendFunc(func(ctx context.Context, userID string, token func() string) (Conn, error) {
		tokenFn = token
		return Conn{Store: store, Push: store.Hub()}, nil
	})
	m, _ := newTestManager(t, backend, 0)

	_, release, err := m.Acquire(context.Background(), "alice", "t1")
	require.NoError(t, err)
	release()
	assert.Equal(t, "t1", tokenFn())

	_, release, err = m.Acquire(context.Background(), "alice", "t2")
	require.NoError(t, err)
	release()
	assert.Equal(t, "t2", tokenFn())
}

func TestSignOutReleasesSubscriptions(t *testing.T) {
	hub := memory.NewHub()
	store := memory.NewStore(hub)
	var closed atomic.Bool
	backend := BackendFunc(func(ctx context.Context, userID string, token func() string) (Conn, error) {
		return Conn{Store: store, Push: hub, Close: func() error { closed.Store(true); return nil }}, nil
	})
	m, gauge := newTestManager(t, backend, 0)
	ctx := context.Background()

	engine, release, err := m.Acquire(ctx, "alice", "")
	require.NoError(t, err)
	_, _, err = engine.OpenChat(ctx, "bob")
	require.NoError(t, err)
	release()
	require.Eventually(t, func() bool { return hub.Total() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.SignOut(ctx, "alice"))
	assert.Zero(t, hub.Total())
	assert.True(t, closed.Load())
	assert.Zero(t, m.Len())
	assert.Zero(t, gauge.n.Load())

	_, err = engine.Snapshot(ctx)
	assert.ErrorIs(t, err, dmservice.ErrNotSignedIn)
	assert.ErrorIs(t, m.SignOut(ctx, "alice"), ErrNoSession)
}

func TestStartFailureIsNotCached(t *testing.T) {
	store := memory.NewStore(memory.NewHub())
	store.SetFault(memory.OpListConversations, errors.New("db down"))
	m, gauge := newTestManager(t, Shared{Store: store, Push: store.Hub()}, 0)

	_, _, err := m.Acquire(context.Background(), "alice", "")
	require.Error(t, err)
	assert.Zero(t, m.Len())
	assert.Zero(t, gauge.n.Load())

	store.SetFault(memory.OpListConversations, nil)
	_, release, err := m.Acquire(context.Background(), "alice", "")
	require.NoError(t, err)
	release()
	assert.Equal(t, 1, m.Len())
}

func TestReapSkipsHeldSessions(t *testing.T) {
	store := memory.NewStore(memory.NewHub())
	m, _ := newTestManager(t, Shared{Store: store, Push: store.Hub()}, 0)
	ctx := context.Background()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	_, releaseAlice, err := m.Acquire(ctx, "alice", "")
	require.NoError(t, err)
	_, releaseBob, err := m.Acquire(ctx, "bob", "")
	require.NoError(t, err)
	releaseBob()
	// a second release is a no-op
	releaseBob()

	advance(time.Hour)
	assert.Equal(t, 1, m.Reap(ctx, time.Minute))
	assert.Equal(t, 1, m.Len())

	releaseAlice()
	assert.Zero(t, m.Reap(ctx, time.Minute))
	advance(time.Hour)
	assert.Equal(t, 1, m.Reap(ctx, time.Minute))
	assert.Zero(t, m.Len())
}

func TestIdleSessionsAreReapedInBackground(t *testing.T) {
	hub := memory.NewHub()
	store := memory.NewStore(hub)
	m, _ := newTestManager(t, Shared{Store: store, Push: hub}, 20*time.Millisecond)

	_, release, err := m.Acquire(context.Background(), "alice", "")
	require.NoError(t, err)
	release()

	require.Eventually(t, func() bool { return m.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, hub.Total())
}

func TestCloseStopsEverySession(t *testing.T) {
	hub := memory.NewHub()
	store := memory.NewStore(hub)
	pair, err := dm.NewPair("alice", "bob")
	require.NoError(t, err)
	_, err = store.CreateOrGetConversation(context.Background(), pair)
	require.NoError(t, err)

	m := NewManager(Shared{Store: store, Push: hub}, Config{Engine: engineConfig()})
	for _, user := range []string{"alice", "bob"} {
		_, release, err := m.Acquire(context.Background(), user, "")
		require.NoError(t, err)
		release()
	}
	require.Eventually(t, func() bool { return hub.Total() == 4 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Close(context.Background()))
	assert.Zero(t, hub.Total())

	_, _, err = m.Acquire(context.Background(), "alice", "")
	assert.ErrorIs(t, err, ErrClosed)
}

// reapingGauge runs a reap the first time a session is created, before the
// creating Acquire has taken its hold.
type reapingGauge struct {
	once   sync.Once
	reap   func() int
	reaped atomic.Int32
}

func (g *reapingGauge) SessionsChanged(delta int) {
	if delta > 0 {
		g.once.Do(func() { g.reaped.Add(int32(g.reap())) })
	}
}

func TestAcquireRacingReapGetsLiveEngine(t *testing.T) {
	store := memory.NewStore(memory.NewHub())
	gauge := &reapingGauge{}
	m := NewManager(Shared{Store: store, Push: store.Hub()}, Config{Engine: engineConfig(), Gauge: gauge})
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	gauge.reap = func() int {
		mu.Lock()
		now = now.Add(time.Hour)
		mu.Unlock()
		return m.Reap(context.Background(), time.Minute)
	}

	engine, release, err := m.Acquire(context.Background(), "alice", "")
	require.NoError(t, err)
	defer release()
	require.EqualValues(t, 1, gauge.reaped.Load())

	userID, ok := engine.UserID()
	assert.True(t, ok)
	assert.Equal(t, "alice", userID)
	_, err = engine.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())

	// the held session survives further reaping
	assert.Zero(t, m.Reap(context.Background(), time.Minute))
}
