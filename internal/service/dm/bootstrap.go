package dm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-tavern/dmsync/internal/model/dm"
)

// BootstrapConfig bounds the initial inbox load.
type BootstrapConfig struct {
	HistoryLimit       int
	HistoryConcurrency int
	ProfileBatchSize   int
}

// Bootstrapper fills the registry once per session and keeps the inbox reference
// on every conversation it hands to the manager, including those found later by
// the discovery subscription.
type Bootstrapper struct {
	self  string
	dir   *Directory
	store DurableStore
	mgr   *Manager
	cfg   BootstrapConfig
	spawn func(fn func(ctx context.Context)) bool

	latch atomic.Bool

	mu   sync.Mutex
	held map[string]struct{}
}

// NewBootstrapper wires the inbox. spawn runs discovery work on a session-scoped
// goroutine and reports false once the session is gone.
func NewBootstrapper(self string, dir *Directory, store DurableStore, mgr *Manager, cfg BootstrapConfig, spawn func(fn func(ctx context.Context)) bool) *Bootstrapper {
	if cfg.HistoryConcurrency <= 0 {
		cfg.HistoryConcurrency = 1
	}
	return &Bootstrapper{
		self:  self,
		dir:   dir,
		store: store,
		mgr:   mgr,
		cfg:   cfg,
		spawn: spawn,
		held:  make(map[string]struct{}),
	}
}

// Run loads the inbox, opens every conversation and then the discovery
// subscription. Only the first call does anything.
func (b *Bootstrapper) Run(ctx context.Context) error {
	if !b.latch.CompareAndSwap(false, true) {
		log.Debugf("[dm] bootstrap for %s already ran", b.self)
		return nil
	}

	convs, err := b.dir.List(ctx)
	if err != nil {
		// nothing was registered, so a later identity event may try again
		b.latch.Store(false)
		return fmt.Errorf("bootstrap inbox: %w", err)
	}

	peers := make([]string, 0, len(convs))
	for _, conv := range convs {
		peers = append(peers, conv.Peer(b.self))
	}
	contacts := loadContacts(ctx, b.store, peers, b.cfg.ProfileBatchSize)

	var g errgroup.Group
	g.SetLimit(b.cfg.HistoryConcurrency)
	for _, conv := range convs {
		g.Go(func() error {
			if err := b.adopt(ctx, conv, contacts[conv.Peer(b.self)]); err != nil {
				log.WithField("conversation", conv.ID).Warnf("[dm] bootstrap adopt failed: %v", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	log.WithField("user", b.self).Infof("[dm] inbox ready with %d conversations", len(convs))

	if err := b.mgr.OpenDiscovery(ctx, b.HandleDiscovery); err != nil {
		return fmt.Errorf("open discovery: %w", err)
	}
	b.catchUp(ctx)
	return nil
}

// catchUp adopts conversations created between the inbox list and the discovery subscribe.
func (b *Bootstrapper) catchUp(ctx context.Context) {
	convs, err := b.dir.List(ctx)
	if err != nil {
		log.WithField("user", b.self).Warnf("[dm] inbox catch-up failed: %v", err)
		return
	}
	for _, conv := range convs {
		if b.holds(conv.ID) {
			continue
		}
		peer := conv.Peer(b.self)
		contact := loadContacts(ctx, b.store, []string{peer}, 1)[peer]
		if err := b.adopt(ctx, conv, contact); err != nil {
			log.WithField("conversation", conv.ID).Warnf("[dm] catch-up adopt failed: %v", err)
		}
	}
}

// HandleDiscovery receives inbox events from the push channel.
func (b *Bootstrapper) HandleDiscovery(ev Event) {
	if ev.Conversation == nil {
		return
	}
	conv := *ev.Conversation
	if !b.spawn(func(ctx context.Context) { b.discover(ctx, conv) }) {
		log.WithField("conversation", conv.ID).Debug("[dm] discovery event after session end")
	}
}

func (b *Bootstrapper) discover(ctx context.Context, conv dm.Conversation) {
	canonical, ok := b.dir.Observe(conv)
	if !ok {
		if canonical.ID != "" {
			log.WithField("conversation", conv.ID).Infof("[dm] ignoring duplicate conversation, keeping %s", canonical.ID)
		}
		return
	}
	if b.holds(conv.ID) {
		return
	}

	peer := conv.Peer(b.self)
	contact := loadContacts(ctx, b.store, []string{peer}, 1)[peer]
	if err := b.adopt(ctx, conv, contact); err != nil && !errors.Is(err, ErrSessionClosed) {
		log.WithField("conversation", conv.ID).Warnf("[dm] discovery adopt failed: %v", err)
	}
}

// adopt registers conv, takes the inbox reference on it once and then loads its
// history. The subscription is opened before the history read so a message
// committed in between is still delivered.
func (b *Bootstrapper) adopt(ctx context.Context, conv dm.Conversation, contact dm.Contact) error {
	if !b.claim(conv.ID) {
		return nil
	}
	if err := b.mgr.Register(ctx, conv, contact, nil); err != nil {
		b.unclaim(conv.ID)
		return err
	}
	if _, err := b.mgr.Open(ctx, conv.ID); err != nil && !errors.Is(err, ErrSubscribeFailed) {
		b.unclaim(conv.ID)
		return err
	}
	return loadHistory(ctx, b.store, b.mgr, conv.ID, b.cfg.HistoryLimit)
}

func (b *Bootstrapper) holds(conversationID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.held[conversationID]
	return ok
}

func (b *Bootstrapper) claim(conversationID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.held[conversationID]; ok {
		return false
	}
	b.held[conversationID] = struct{}{}
	return true
}

func (b *Bootstrapper) unclaim(conversationID string) {
	b.mu.Lock()
	delete(b.held, conversationID)
	b.mu.Unlock()
}

// loadHistory merges the latest limit messages into a registered conversation. A
// failed read leaves the log as it is.
func loadHistory(ctx context.Context, store DurableStore, mgr *Manager, conversationID string, limit int) error {
	history, err := store.ListMessages(ctx, conversationID, limit)
	if err != nil {
		log.WithField("conversation", conversationID).Warnf("[dm] history load failed, starting empty: %v", err)
		return nil
	}
	return mgr.Merge(ctx, conversationID, history)
}
