// Package session keeps one sync engine per signed-in user of the gateway.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	dmservice "github.com/zhouzirui/z-tavern/dmsync/internal/service/dm"
	"github.com/zhouzirui/z-tavern/dmsync/internal/service/identity"
)

var (
	ErrClosed      = errors.New("session manager closed")
	ErrNoSession   = errors.New("no session for user")
	ErrEmptyUserID = errors.New("user id is required")
)

// Conn is the data plane one user's engine runs on.
type Conn struct {
	Store dmservice.DurableStore
	Push  dmservice.PushChannel
	// Close releases per-user resources; nil when Store and Push are shared.
	Close func() error
}

// Backend opens the data plane for a user. token returns the user's latest access token.
type Backend interface {
	Connect(ctx context.Context, userID string, token func() string) (Conn, error)
}

// Shared serves every user from the same store and push channel.
type Shared struct {
	Store dmservice.DurableStore
	Push  dmservice.PushChannel
}

func (s Shared) Connect(context.Context, string, func() string) (Conn, error) {
	return Conn{Store: s.Store, Push: s.Push}, nil
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, userID string, token func() string) (Conn, error)

func (f BackendFunc) Connect(ctx context.Context, userID string, token func() string) (Conn, error) {
	return f(ctx, userID, token)
}

// Gauge receives the live session count.
type Gauge interface {
	SessionsChanged(delta int)
}

type Config struct {
	Engine      dmservice.Config
	Observer    dmservice.Observer
	Gauge       Gauge
	IdleTimeout time.Duration
}

type entry struct {
	userID   string
	engine   *dmservice.Engine
	identity *identity.Holder
	conn     Conn
	token    atomic.Value

	mu       sync.Mutex
	holds    int
	lastSeen time.Time
}

func (e *entry) accessToken() string {
	token, _ := e.token.Load().(string)
	return token
}

// Manager creates engines on demand and reaps the ones nobody used for IdleTimeout.
type Manager struct {
	backend Backend
	cfg     Config
	now     func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewManager(backend Backend, cfg Config) *Manager {
	m := &Manager{
		backend: backend,
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	if cfg.IdleTimeout > 0 {
		m.wg.Add(1)
		go m.reapLoop(cfg.IdleTimeout)
	}
	return m
}

// Acquire returns the engine of userID, bootstrapping it on first use. The
// engine is not reaped until release is called.
func (m *Manager) Acquire(ctx context.Context, userID, token string) (*dmservice.Engine, func(), error) {
	if userID == "" {
		return nil, nil, ErrEmptyUserID
	}

	e, err := m.lookup(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if token != "" {
		e.token.Store(token)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			e.mu.Lock()
			e.holds--
			e.lastSeen = m.now()
			e.mu.Unlock()
		})
	}
	return e.engine, release, nil
}

// lookup returns the live entry of userID with a hold already taken. The hold is
// taken under m.mu, the same lock Reap decides under, so a returned entry is never
// one that is being torn down.
func (m *Manager) lookup(ctx context.Context, userID string) (*entry, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if e, ok := m.entries[userID]; ok {
			m.hold(e)
			m.mu.Unlock()
			return e, nil
		}
		m.mu.Unlock()

		v, err, _ := m.group.Do(userID, func() (any, error) {
			m.mu.Lock()
			if e, ok := m.entries[userID]; ok {
				m.mu.Unlock()
				return e, nil
			}
			m.mu.Unlock()
			return m.create(context.WithoutCancel(ctx), userID)
		})
		if err != nil {
			return nil, err
		}

		e := v.(*entry)
		m.mu.Lock()
		if m.entries[userID] == e {
			m.hold(e)
			m.mu.Unlock()
			return e, nil
		}
		m.mu.Unlock()
		// reaped or signed out before the hold was taken; start over
		log.WithField("user", userID).Debug("[session] entry vanished during acquire, retrying")
	}
}

// hold must be called with m.mu held.
func (m *Manager) hold(e *entry) {
	e.mu.Lock()
	e.holds++
	e.lastSeen = m.now()
	e.mu.Unlock()
}

func (m *Manager) create(ctx context.Context, userID string) (*entry, error) {
	e := &entry{userID: userID, identity: identity.NewSignedIn(userID), lastSeen: m.now()}

	conn, err := m.backend.Connect(ctx, userID, e.accessToken)
	if err != nil {
		return nil, fmt.Errorf("connect backend for %s: %w", userID, err)
	}
	e.conn = conn

	opts := []dmservice.Option{dmservice.WithConfig(m.cfg.Engine)}
	if m.cfg.Observer != nil {
		opts = append(opts, dmservice.WithObserver(m.cfg.Observer))
	}
	e.engine = dmservice.NewEngine(conn.Store, conn.Push, e.identity, opts...)
	if err := e.engine.Start(ctx); err != nil {
		m.teardown(ctx, e)
		return nil, fmt.Errorf("start session for %s: %w", userID, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.teardown(ctx, e)
		return nil, ErrClosed
	}
	m.entries[userID] = e
	m.mu.Unlock()

	if m.cfg.Gauge != nil {
		m.cfg.Gauge.SessionsChanged(1)
	}
	log.WithField("user", userID).Info("[session] created")
	return e, nil
}

// SignOut discards the user's engine and everything it holds.
func (m *Manager) SignOut(ctx context.Context, userID string) error {
	m.mu.Lock()
	e, ok := m.entries[userID]
	if ok {
		delete(m.entries, userID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, userID)
	}

	err := m.teardown(ctx, e)
	if m.cfg.Gauge != nil {
		m.cfg.Gauge.SessionsChanged(-1)
	}
	log.WithField("user", userID).Info("[session] signed out")
	return err
}

// teardown signs the identity out first so the engine drops its session the same
// way a client sign-out would, then stops it and releases the backend.
func (m *Manager) teardown(ctx context.Context, e *entry) error {
	e.identity.SignOut()
	var errs []error
	if err := e.engine.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.conn.Close != nil {
		if err := e.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len counts live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Reap discards sessions idle for longer than idle and returns how many went.
func (m *Manager) Reap(ctx context.Context, idle time.Duration) int {
	now := m.now()
	m.mu.Lock()
	var stale []*entry
	for id, e := range m.entries {
		e.mu.Lock()
		expired := e.holds == 0 && now.Sub(e.lastSeen) > idle
		e.mu.Unlock()
		if expired {
			stale = append(stale, e)
			delete(m.entries, id)
		}
	}
	m.mu.Unlock()

	for _, e := range stale {
		if err := m.teardown(ctx, e); err != nil {
			log.WithField("user", e.userID).Warnf("[session] idle teardown: %v", err)
		}
		if m.cfg.Gauge != nil {
			m.cfg.Gauge.SessionsChanged(-1)
		}
		log.WithField("user", e.userID).Info("[session] reaped idle session")
	}
	return len(stale)
}

func (m *Manager) reapLoop(idle time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(max(idle/2, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Reap(context.Background(), idle)
		}
	}
}

// Close tears down every session and stops reaping.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	close(m.stop)
	m.wg.Wait()

	var errs []error
	for _, e := range entries {
		if err := m.teardown(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.userID, err))
		}
		if m.cfg.Gauge != nil {
			m.cfg.Gauge.SessionsChanged(-1)
		}
	}
	return errors.Join(errs...)
}
