package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-tavern/dmsync/internal/model/dm"
	dmservice "github.com/zhouzirui/z-tavern/dmsync/internal/service/dm"
)

var ErrUnknownHandle = errors.New("unknown subscription handle")

// Hub is an in-process push channel. Each subscription has its own delivery
// goroutine so events of one topic arrive in commit order.
type Hub struct {
	mu            sync.Mutex
	subs          map[string]*subscription
	subscribeErrs []error
	redeliver     bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]*subscription)}
}

// FailSubscribe makes the next len(errs) Subscribe calls fail in order.
func (h *Hub) FailSubscribe(errs ...error) {
	h.mu.Lock()
	h.subscribeErrs = append(h.subscribeErrs, errs...)
	h.mu.Unlock()
}

// Redeliver makes every event arrive twice.
func (h *Hub) Redeliver(on bool) {
	h.mu.Lock()
	h.redeliver = on
	h.mu.Unlock()
}

// Active counts live subscriptions on topic.
func (h *Hub) Active(topic dmservice.Topic) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, sub := range h.subs {
		if sub.handle.Topic == topic {
			n++
		}
	}
	return n
}

// Total counts every live subscription.
func (h *Hub) Total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish pushes ev to every subscription whose topic matches, as a redelivery would.
func (h *Hub) Publish(ev dmservice.Event) {
	switch {
	case ev.Message != nil:
		h.publishMessage(*ev.Message)
	case ev.Conversation != nil:
		h.publishConversation(*ev.Conversation)
	}
}

func (h *Hub) Subscribe(ctx context.Context, topic dmservice.Topic, handler dmservice.Handler) (dmservice.Handle, error) {
	if err := ctx.Err(); err != nil {
		return dmservice.Handle{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subscribeErrs) > 0 {
		err := h.subscribeErrs[0]
		h.subscribeErrs = h.subscribeErrs[1:]
		return dmservice.Handle{}, err
	}

	sub := newSubscription(dmservice.Handle{ID: uuid.NewString(), Topic: topic}, handler)
	h.subs[sub.handle.ID] = sub
	go sub.run()
	return sub.handle, nil
}

func (h *Hub) Unsubscribe(_ context.Context, handle dmservice.Handle) error {
	h.mu.Lock()
	sub, ok := h.subs[handle.ID]
	delete(h.subs, handle.ID)
	h.mu.Unlock()

	if !ok {
		return ErrUnknownHandle
	}
	sub.stop()
	return nil
}

func (h *Hub) publishMessage(msg dm.Message) {
	h.broadcast(dmservice.Event{Message: &msg}, func(t dmservice.Topic) bool {
		return t.Kind == dmservice.TopicConversation && t.ConversationID == msg.ConversationID
	})
}

func (h *Hub) publishConversation(conv dm.Conversation) {
	h.broadcast(dmservice.Event{Conversation: &conv}, func(t dmservice.Topic) bool {
		return t.Kind == dmservice.TopicInbox && conv.Involves(t.UserID)
	})
}

func (h *Hub) broadcast(ev dmservice.Event, match func(dmservice.Topic) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if !match(sub.handle.Topic) {
			continue
		}
		sub.enqueue(ev)
		if h.redeliver {
			sub.enqueue(ev)
		}
	}
}

type subscription struct {
	handle  dmservice.Handle
	handler dmservice.Handler

	mu     sync.Mutex
	queue  []dmservice.Event
	wake   chan struct{}
	done   chan struct{}
	closed sync.Once
}

func newSubscription(handle dmservice.Handle, handler dmservice.Handler) *subscription {
	return &subscription{
		handle:  handle,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *subscription) enqueue(ev dmservice.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				select {
				case <-s.done:
					return
				default:
				}
				s.handler(ev)
			}
		}
	}
}

func (s *subscription) stop() {
	s.closed.Do(func() { close(s.done) })
}

var _ dmservice.PushChannel = (*Hub)(nil)
