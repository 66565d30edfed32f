package dm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zhouzirui/z-tavern/dmsync/internal/model/dm"
)

// Config tunes the engine. Zero fields take the defaults.
type Config struct {
	HistoryLimit         int
	HistoryConcurrency   int
	ProfileBatchSize     int
	SubscribeMaxAttempts int
	SubscribeBackoff     time.Duration
	SubscribeMaxBackoff  time.Duration
	EchoWindow           time.Duration
}

func DefaultConfig() Config {
	return Config{
		HistoryLimit:         50,
		HistoryConcurrency:   4,
		ProfileBatchSize:     100,
		SubscribeMaxAttempts: 3,
		SubscribeBackoff:     500 * time.Millisecond,
		SubscribeMaxBackoff:  5 * time.Second,
		EchoWindow:           30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	if c.HistoryConcurrency <= 0 {
		c.HistoryConcurrency = def.HistoryConcurrency
	}
	if c.ProfileBatchSize <= 0 {
		c.ProfileBatchSize = def.ProfileBatchSize
	}
	if c.SubscribeMaxAttempts <= 0 {
		c.SubscribeMaxAttempts = def.SubscribeMaxAttempts
	}
	if c.SubscribeBackoff <= 0 {
		c.SubscribeBackoff = def.SubscribeBackoff
	}
	if c.SubscribeMaxBackoff <= 0 {
		c.SubscribeMaxBackoff = def.SubscribeMaxBackoff
	}
	if c.EchoWindow <= 0 {
		c.EchoWindow = def.EchoWindow
	}
	return c
}

type Option func(*Engine)

func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg.withDefaults() }
}

func WithObserver(observer Observer) Option {
	return func(e *Engine) {
		if observer != nil {
			e.observer = observer
		}
	}
}

// Engine is the entry point for the UI layer. It follows the identity provider:
// every signed-in user gets a fresh session, sign-out discards it.
type Engine struct {
	store    DurableStore
	push     PushChannel
	identity IdentityProvider
	cfg      Config
	observer Observer
	updates  *broadcaster

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	sess        *session
	cancelWatch func()
}

func NewEngine(store DurableStore, push PushChannel, identity IdentityProvider, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		push:     push,
		identity: identity,
		cfg:      DefaultConfig(),
		observer: nopObserver{},
		updates:  newBroadcaster(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start bootstraps the current user, if any, and follows identity changes afterwards.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.ctx != nil {
		e.mu.Unlock()
		return nil
	}
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Unlock()

	var err error
	if userID, ok := e.identity.CurrentUserID(); ok {
		err = e.switchUser(ctx, userID)
	}

	cancelWatch := e.identity.Watch(func(userID string) {
		if err := e.switchUser(e.baseContext(), userID); err != nil {
			log.WithField("user", userID).Errorf("[dm] session start failed: %v", err)
		}
	})
	e.mu.Lock()
	e.cancelWatch = cancelWatch
	e.mu.Unlock()
	return err
}

// Stop tears down the session and stops notifying listeners.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancelWatch := e.cancelWatch
	e.cancelWatch = nil
	sess := e.sess
	e.sess = nil
	cancel := e.cancel
	e.mu.Unlock()

	if cancelWatch != nil {
		cancelWatch()
	}
	var err error
	if sess != nil {
		err = sess.close(ctx)
	}
	if cancel != nil {
		cancel()
	}
	e.updates.stop()
	return err
}

// Listen registers fn for updates. fn runs on a dedicated goroutine and may call the engine.
func (e *Engine) Listen(fn func(Update)) (cancel func()) {
	return e.updates.listen(fn)
}

// UserID returns the user of the running session.
func (e *Engine) UserID() (string, bool) {
	sess := e.current()
	if sess == nil {
		return "", false
	}
	return sess.self, true
}

// Snapshot returns every conversation of the session with its rendered log.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	sess := e.current()
	if sess == nil {
		return Snapshot{}, ErrNotSignedIn
	}
	views, err := sess.mgr.Snapshot(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{UserID: sess.self, Conversations: views}, nil
}

// OpenChat resolves the conversation with peerID and takes a chat reference on it.
// A degraded subscription is reported through the state, not as an error.
func (e *Engine) OpenChat(ctx context.Context, peerID string) (dm.Conversation, State, error) {
	sess := e.current()
	if sess == nil {
		return dm.Conversation{}, StateClosed, ErrNotSignedIn
	}
	return sess.openChat(ctx, peerID)
}

// CloseChat releases one chat reference taken by OpenChat.
func (e *Engine) CloseChat(ctx context.Context, conversationID string) error {
	sess := e.current()
	if sess == nil {
		return ErrNotSignedIn
	}
	return sess.closeChat(ctx, conversationID)
}

// Send posts body to conversationID optimistically.
func (e *Engine) Send(ctx context.Context, conversationID, body string) (dm.Message, error) {
	sess := e.current()
	if sess == nil {
		return dm.Message{}, ErrNotSignedIn
	}
	return sess.sender.Send(ctx, conversationID, body)
}

// State reports the subscription state of a conversation in the running session.
func (e *Engine) State(conversationID string) State {
	sess := e.current()
	if sess == nil {
		return StateClosed
	}
	return sess.mgr.State(conversationID)
}

// OpenSubscriptions counts conversation subscriptions of the running session.
func (e *Engine) OpenSubscriptions() int {
	sess := e.current()
	if sess == nil {
		return 0
	}
	return sess.mgr.OpenSubscriptions()
}

func (e *Engine) current() *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess
}

func (e *Engine) baseContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

// switchUser replaces the session when the identity changes. The same user again
// only re-runs the bootstrap latch.
func (e *Engine) switchUser(ctx context.Context, userID string) error {
	e.mu.Lock()
	old := e.sess
	if old != nil && old.self == userID {
		e.mu.Unlock()
		return old.boot.Run(ctx)
	}
	var next *session
	if userID != "" {
		next = e.newSession(userID)
	}
	e.sess = next
	e.mu.Unlock()

	if old != nil {
		if err := old.close(ctx); err != nil {
			log.WithField("user", old.self).Warnf("[dm] session teardown: %v", err)
		}
		e.updates.publish(Update{Kind: UpdateReset})
		log.WithField("user", old.self).Info("[dm] session closed")
	}
	if next == nil {
		return nil
	}
	log.WithField("user", userID).Info("[dm] session started")
	return next.boot.Run(ctx)
}

func (e *Engine) newSession(userID string) *session {
	parent := e.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &session{
		self:   userID,
		ctx:    ctx,
		cancel: cancel,
		chats:  make(map[string]int),
		store:  e.store,
		cfg:    e.cfg,
	}
	s.dir = NewDirectory(userID, e.store)
	s.mgr = NewManager(userID, e.push, ManagerConfig{
		SubscribeMaxAttempts: e.cfg.SubscribeMaxAttempts,
		SubscribeBackoff:     e.cfg.SubscribeBackoff,
		SubscribeMaxBackoff:  e.cfg.SubscribeMaxBackoff,
		EchoWindow:           e.cfg.EchoWindow,
	}, e.observer, e.updates.publish)
	s.boot = NewBootstrapper(userID, s.dir, e.store, s.mgr, BootstrapConfig{
		HistoryLimit:       e.cfg.HistoryLimit,
		HistoryConcurrency: e.cfg.HistoryConcurrency,
		ProfileBatchSize:   e.cfg.ProfileBatchSize,
	}, s.spawn)
	s.sender = NewSender(userID, e.store, s.mgr, e.observer)
	return s
}

// session is the state of one signed-in user. Everything in it dies at sign-out.
type session struct {
	self   string
	store  DurableStore
	cfg    Config
	dir    *Directory
	mgr    *Manager
	boot   *Bootstrapper
	sender *Sender

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	chats  map[string]int
}

func (s *session) spawn(fn func(ctx context.Context)) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
	return true
}

func (s *session) openChat(ctx context.Context, peerID string) (dm.Conversation, State, error) {
	conv, err := s.dir.Resolve(ctx, peerID)
	if err != nil {
		return dm.Conversation{}, StateClosed, err
	}

	fresh := !s.mgr.Registered(conv.ID)
	if fresh {
		contact := loadContacts(ctx, s.store, []string{peerID}, 1)[peerID]
		if err := s.mgr.Register(ctx, conv, contact, nil); err != nil {
			return dm.Conversation{}, StateClosed, err
		}
	}

	// the reference is counted before Open so a concurrent CloseChat sees it
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return dm.Conversation{}, StateClosed, ErrSessionClosed
	}
	s.chats[conv.ID]++
	s.mu.Unlock()

	state, err := s.mgr.Open(ctx, conv.ID)
	if err != nil && !errors.Is(err, ErrSubscribeFailed) {
		s.mu.Lock()
		if s.chats[conv.ID]--; s.chats[conv.ID] <= 0 {
			delete(s.chats, conv.ID)
		}
		s.mu.Unlock()
		return dm.Conversation{}, state, fmt.Errorf("open chat %s: %w", conv.ID, err)
	}
	if fresh {
		if err := loadHistory(ctx, s.store, s.mgr, conv.ID, s.cfg.HistoryLimit); err != nil {
			log.WithField("conversation", conv.ID).Warnf("[dm] history merge failed: %v", err)
		}
	}
	return conv, state, nil
}

func (s *session) closeChat(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.chats[conversationID] == 0 {
		s.mu.Unlock()
		return ErrNotOpen
	}
	if s.chats[conversationID]--; s.chats[conversationID] == 0 {
		delete(s.chats, conversationID)
	}
	s.mu.Unlock()

	return s.mgr.Close(ctx, conversationID)
}

func (s *session) close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.chats = make(map[string]int)
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return s.mgr.CloseAll(ctx)
}
