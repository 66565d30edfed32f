package dm

import (
	"sync"
	"time"

	"github.com/zhouzirui/z-tavern/dmsync/internal/model/dm"
)

type UpdateKind string

const (
	UpdateConversation UpdateKind = "conversation"
	UpdateMessages     UpdateKind = "messages"
	UpdateState        UpdateKind = "state"
	UpdateRemoved      UpdateKind = "removed"
	// UpdateReset is published when the signed-in user changes and all state was discarded.
	UpdateReset UpdateKind = "reset"
)

// Update tells listeners that part of the snapshot changed.
type Update struct {
	Kind           UpdateKind   `json:"kind"`
	ConversationID string       `json:"conversationId,omitempty"`
	State          State        `json:"state"`
	Messages       []dm.Message `json:"messages,omitempty"`
}

// ConversationView is the read-only projection of one registry entry.
type ConversationView struct {
	Conversation dm.Conversation `json:"conversation"`
	Contact      dm.Contact      `json:"contact"`
	State        State           `json:"state"`
	Messages     []dm.Message    `json:"messages"`
}

func (v ConversationView) activity() time.Time {
	if n := len(v.Messages); n > 0 {
		if latest := v.Messages[n-1].CreatedAt; latest.After(v.Conversation.CreatedAt) {
			return latest
		}
	}
	return v.Conversation.CreatedAt
}

// Snapshot is what the UI layer reads.
type Snapshot struct {
	UserID        string             `json:"userId"`
	Conversations []ConversationView `json:"conversations"`
}

// broadcaster delivers updates on its own goroutine so listeners may call back
// into the engine.
type broadcaster struct {
	mu        sync.Mutex
	listeners map[int]func(Update)
	next      int
	queue     []Update
	wake      chan struct{}
	done      chan struct{}
	exited    chan struct{}
	stopOnce  sync.Once
}

func newBroadcaster() *broadcaster {
	b := &broadcaster{
		listeners: make(map[int]func(Update)),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *broadcaster) listen(fn func(Update)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.listeners[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

func (b *broadcaster) publish(u Update) {
	b.mu.Lock()
	if len(b.listeners) == 0 {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, u)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *broadcaster) run() {
	defer close(b.exited)
	for {
		select {
		case <-b.wake:
		case <-b.done:
			return
		}
		for {
			b.mu.Lock()
			batch := b.queue
			b.queue = nil
			listeners := make([]func(Update), 0, len(b.listeners))
			for _, fn := range b.listeners {
				listeners = append(listeners, fn)
			}
			b.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, u := range batch {
				for _, fn := range listeners {
					fn(u)
				}
			}
		}
	}
}

func (b *broadcaster) stop() {
	b.stopOnce.Do(func() { close(b.done) })
	<-b.exited
}
