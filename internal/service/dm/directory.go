package dm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/zhouzirui/z-tavern/dmsync/internal/model/dm"
)

// Directory caches the local user's conversations keyed by peer.
type Directory struct {
	self  string
	store DurableStore

	mu     sync.RWMutex
	byPeer map[string]dm.Conversation
	group  singleflight.Group
}

func NewDirectory(self string, store DurableStore) *Directory {
	return &Directory{
		self:   self,
		store:  store,
		byPeer: make(map[string]dm.Conversation),
	}
}

// Lookup returns the cached conversation with peerID.
func (d *Directory) Lookup(peerID string) (dm.Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	conv, ok := d.byPeer[peerID]
	return conv, ok
}

// Resolve returns the conversation with peerID, creating it durably on first contact.
// Concurrent resolves of the same pair share one store call.
func (d *Directory) Resolve(ctx context.Context, peerID string) (dm.Conversation, error) {
	pair, err := dm.NewPair(d.self, peerID)
	if err != nil {
		return dm.Conversation{}, err
	}
	if conv, ok := d.Lookup(peerID); ok {
		return conv, nil
	}

	v, err, _ := d.group.Do(pair.Key(), func() (any, error) {
		if conv, ok := d.Lookup(peerID); ok {
			return conv, nil
		}
		// shared by every waiter, so one caller giving up must not fail the others
		conv, err := d.store.CreateOrGetConversation(context.WithoutCancel(ctx), pair)
		if err != nil {
			return dm.Conversation{}, fmt.Errorf("resolve conversation with %s: %w", peerID, err)
		}
		if conv.Pair() != pair {
			return dm.Conversation{}, fmt.Errorf("resolve conversation with %s: store returned pair %s", peerID, conv.Pair().Key())
		}
		canonical, _ := d.Observe(conv)
		return canonical, nil
	})
	if err != nil {
		return dm.Conversation{}, err
	}
	return v.(dm.Conversation), nil
}

// Observe merges a conversation seen elsewhere (history or discovery) and reports
// whether it is the canonical row for its pair.
func (d *Directory) Observe(conv dm.Conversation) (dm.Conversation, bool) {
	if !conv.Involves(d.self) || conv.ParticipantLow == conv.ParticipantHigh {
		return dm.Conversation{}, false
	}
	peer := conv.Peer(d.self)

	d.mu.Lock()
	defer d.mu.Unlock()
	winner := dm.Prefer(d.byPeer[peer], conv)
	d.byPeer[peer] = winner
	return winner, winner.ID == conv.ID
}

// List returns every conversation of the local user, one per pair, newest first.
func (d *Directory) List(ctx context.Context) ([]dm.Conversation, error) {
	rows, err := d.store.ListConversations(ctx, d.self)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if conv, _ := d.Observe(row); conv.ID != "" {
			seen[conv.Peer(d.self)] = struct{}{}
		}
	}

	d.mu.RLock()
	out := make([]dm.Conversation, 0, len(seen))
	for peer := range seen {
		out = append(out, d.byPeer[peer])
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
