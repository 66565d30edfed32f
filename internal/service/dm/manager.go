package dm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zhouzirui/z-tavern/dmsync/internal/model/dm"
)

// State is the subscription state of one conversation.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
	// StateDegraded means the subscription could not be opened; the log is readable but stale.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ManagerConfig bounds subscription retries and the echo memory of each log.
type ManagerConfig struct {
	SubscribeMaxAttempts int
	SubscribeBackoff     time.Duration
	SubscribeMaxBackoff  time.Duration
	EchoWindow           time.Duration
	WorkerBuffer         int
}

type entry struct {
	conv    dm.Conversation
	contact dm.Contact
	log     *messageLog
	worker  *worker
	state   State
	refs    int
	handle  Handle
	lastErr error
}

// Manager owns the registry of live conversations of one session. It is created
// at session start and discarded after CloseAll.
type Manager struct {
	self     string
	push     PushChannel
	cfg      ManagerConfig
	observer Observer
	notify   func(Update)
	now      func() time.Time

	mu             sync.Mutex
	entries        map[string]*entry
	discovery      Handle
	discoveryState State
	closed         bool
}

func NewManager(self string, push PushChannel, cfg ManagerConfig, observer Observer, notify func(Update)) *Manager {
	if cfg.SubscribeMaxAttempts <= 0 {
		cfg.SubscribeMaxAttempts = 1
	}
	if cfg.WorkerBuffer <= 0 {
		cfg.WorkerBuffer = 64
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if notify == nil {
		notify = func(Update) {}
	}
	return &Manager{
		self:     self,
		push:     push,
		cfg:      cfg,
		observer: observer,
		notify:   notify,
		now:      time.Now,
		entries:  make(map[string]*entry),
	}
}

// Register creates the registry entry for conv or merges history into an existing one.
func (m *Manager) Register(ctx context.Context, conv dm.Conversation, contact dm.Contact, history []dm.Message) error {
	if !conv.Involves(m.self) {
		return ErrForeignConversation
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	e, ok := m.entries[conv.ID]
	if !ok {
		e = &entry{
			conv:    conv,
			contact: contact,
			log:     newMessageLog(m.self, m.cfg.EchoWindow, m.now),
			worker:  newWorker(m.cfg.WorkerBuffer),
		}
		m.entries[conv.ID] = e
	} else if contact.UserID != "" && (!contact.Placeholder || e.contact.UserID == "") {
		e.contact = contact
	}
	m.mu.Unlock()

	if !ok {
		m.notify(Update{Kind: UpdateConversation, ConversationID: conv.ID})
	}
	if len(history) == 0 {
		return nil
	}
	return m.Merge(ctx, conv.ID, history)
}

// Merge adds a history page to a registered conversation, deduplicated by id.
func (m *Manager) Merge(ctx context.Context, conversationID string, history []dm.Message) error {
	var added int
	err := m.run(ctx, conversationID, func(e *entry) {
		added = e.log.seed(history)
		if added > 0 {
			m.notify(Update{Kind: UpdateMessages, ConversationID: conversationID, Messages: e.log.messages()})
		}
	})
	for i := 0; i < added; i++ {
		m.observer.MessageApplied("history")
	}
	return err
}

// Registered reports whether conversationID has a registry entry.
func (m *Manager) Registered(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[conversationID]
	return ok
}

// Open takes a reference on the conversation subscription and opens it when needed.
// Every successful or degraded Open must be paired with one Close.
func (m *Manager) Open(ctx context.Context, conversationID string) (State, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return StateClosed, ErrSessionClosed
	}
	e, ok := m.entries[conversationID]
	if !ok {
		m.mu.Unlock()
		return StateClosed, ErrUnknownConversation
	}
	e.refs++
	if e.state == StateOpening || e.state == StateOpen {
		state := e.state
		m.mu.Unlock()
		return state, nil
	}
	e.state = StateOpening
	m.mu.Unlock()

	m.notifyState(e, StateOpening)

	topic := Topic{Kind: TopicConversation, UserID: m.self, ConversationID: conversationID}
	handle, err := m.subscribe(ctx, topic, func(ev Event) { m.deliver(e, ev) })

	m.mu.Lock()
	if current := m.entries[conversationID]; current != e || e.state != StateOpening {
		// closed while the subscribe call was in flight
		m.mu.Unlock()
		if err == nil {
			m.release(handle)
		}
		return StateClosed, ErrNotOpen
	}
	if err != nil {
		e.state = StateDegraded
		e.lastErr = err
		m.mu.Unlock()
		log.WithField("conversation", conversationID).Warnf("[dm] subscription degraded: %v", err)
		m.notifyState(e, StateDegraded)
		return StateDegraded, err
	}
	e.state = StateOpen
	e.handle = handle
	e.lastErr = nil
	m.mu.Unlock()

	m.observer.SubscriptionChanged(TopicConversation, 1)
	m.notifyState(e, StateOpen)
	return StateOpen, nil
}

// Close drops one reference. The last reference unsubscribes and removes the entry.
func (m *Manager) Close(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	e, ok := m.entries[conversationID]
	if !ok || e.refs == 0 {
		m.mu.Unlock()
		return ErrNotOpen
	}
	e.refs--
	if e.refs > 0 {
		m.mu.Unlock()
		return nil
	}
	wasOpen := e.state == StateOpen
	e.state = StateClosing
	delete(m.entries, conversationID)
	m.mu.Unlock()

	return m.teardown(ctx, e, wasOpen)
}

func (m *Manager) teardown(ctx context.Context, e *entry, wasOpen bool) error {
	var err error
	if wasOpen {
		if err = m.push.Unsubscribe(ctx, e.handle); err != nil {
			err = fmt.Errorf("unsubscribe %s: %w", e.conv.ID, err)
		}
		m.observer.SubscriptionChanged(TopicConversation, -1)
	}
	e.worker.stop()

	m.mu.Lock()
	e.state = StateClosed
	m.mu.Unlock()

	m.notify(Update{Kind: UpdateRemoved, ConversationID: e.conv.ID, State: StateClosed})
	return err
}

// OpenDiscovery opens the inbox-wide subscription. Repeated calls are no-ops
// unless the previous attempt degraded.
func (m *Manager) OpenDiscovery(ctx context.Context, handler Handler) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	if m.discoveryState != StateClosed && m.discoveryState != StateDegraded {
		m.mu.Unlock()
		return nil
	}
	m.discoveryState = StateOpening
	m.mu.Unlock()

	handle, err := m.subscribe(ctx, Topic{Kind: TopicInbox, UserID: m.self}, handler)

	m.mu.Lock()
	if m.closed || m.discoveryState != StateOpening {
		m.mu.Unlock()
		if err == nil {
			m.release(handle)
		}
		return ErrSessionClosed
	}
	if err != nil {
		m.discoveryState = StateDegraded
		m.mu.Unlock()
		log.Warnf("[dm] discovery subscription degraded: %v", err)
		return err
	}
	m.discovery = handle
	m.discoveryState = StateOpen
	m.mu.Unlock()

	m.observer.SubscriptionChanged(TopicInbox, 1)
	return nil
}

// DiscoveryState reports the state of the inbox subscription.
func (m *Manager) DiscoveryState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discoveryState
}

// CloseAll tears down every subscription and worker. The manager rejects new work afterwards.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := m.entries
	m.entries = make(map[string]*entry)
	discovery := m.discovery
	discoveryOpen := m.discoveryState == StateOpen
	m.discoveryState = StateClosed
	wasOpen := make(map[*entry]bool, len(entries))
	for _, e := range entries {
		wasOpen[e] = e.state == StateOpen
		e.state = StateClosing
		e.refs = 0
	}
	m.mu.Unlock()

	var errs []error
	if discoveryOpen {
		if err := m.push.Unsubscribe(ctx, discovery); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe discovery: %w", err))
		}
		m.observer.SubscriptionChanged(TopicInbox, -1)
	}
	for _, e := range entries {
		if err := m.teardown(ctx, e, wasOpen[e]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// State returns the subscription state of conversationID.
func (m *Manager) State(conversationID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[conversationID]; ok {
		return e.state
	}
	return StateClosed
}

// OpenSubscriptions counts live conversation subscriptions, discovery excluded.
func (m *Manager) OpenSubscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.state == StateOpen {
			n++
		}
	}
	return n
}

// Snapshot copies every registered conversation and its rendered log.
func (m *Manager) Snapshot(ctx context.Context) ([]ConversationView, error) {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	views := make([]ConversationView, 0, len(entries))
	for _, e := range entries {
		var messages []dm.Message
		err := e.worker.do(ctx, func() { messages = e.log.messages() })
		if errors.Is(err, errWorkerStopped) {
			continue
		}
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		view := ConversationView{
			Conversation: e.conv,
			Contact:      e.contact,
			State:        e.state,
			Messages:     messages,
		}
		m.mu.Unlock()
		views = append(views, view)
	}

	sort.SliceStable(views, func(i, j int) bool {
		return views[i].activity().After(views[j].activity())
	})
	return views, nil
}

// Messages returns the rendered log of one conversation.
func (m *Manager) Messages(ctx context.Context, conversationID string) ([]dm.Message, error) {
	var out []dm.Message
	err := m.run(ctx, conversationID, func(e *entry) { out = e.log.messages() })
	return out, err
}

// AppendPending adds an optimistic message at the tail of the log. When the echo
// already arrived the durable message is returned with absorbed set.
func (m *Manager) AppendPending(ctx context.Context, conversationID string, msg dm.Message) (stored dm.Message, absorbed bool, err error) {
	err = m.run(ctx, conversationID, func(e *entry) {
		stored, absorbed = e.log.appendPending(msg)
		m.notify(Update{Kind: UpdateMessages, ConversationID: conversationID, Messages: e.log.messages()})
	})
	return stored, absorbed, err
}

// ApplyDurable reconciles an authoritative message the local process produced.
func (m *Manager) ApplyDurable(ctx context.Context, conversationID string, msg dm.Message) error {
	var applied bool
	err := m.run(ctx, conversationID, func(e *entry) {
		applied = e.log.applyDurable(msg)
		if applied {
			m.notify(Update{Kind: UpdateMessages, ConversationID: conversationID, Messages: e.log.messages()})
		}
	})
	if err == nil && applied {
		m.observer.MessageApplied("write")
	}
	return err
}

// Rollback removes the optimistic message tempID.
func (m *Manager) Rollback(ctx context.Context, conversationID, tempID string) (bool, error) {
	var removed bool
	err := m.run(ctx, conversationID, func(e *entry) {
		removed = e.log.rollback(tempID)
		if removed {
			m.notify(Update{Kind: UpdateMessages, ConversationID: conversationID, Messages: e.log.messages()})
		}
	})
	return removed, err
}

func (m *Manager) run(ctx context.Context, conversationID string, fn func(e *entry)) error {
	m.mu.Lock()
	e, ok := m.entries[conversationID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownConversation
	}
	if err := e.worker.do(ctx, func() { fn(e) }); err != nil {
		if errors.Is(err, errWorkerStopped) {
			return ErrUnknownConversation
		}
		return err
	}
	return nil
}

// deliver runs on the push channel's goroutine and hands the message to the worker.
func (m *Manager) deliver(e *entry, ev Event) {
	if ev.Message == nil || ev.Message.ConversationID != e.conv.ID {
		return
	}
	msg := *ev.Message
	e.worker.post(func() {
		if !e.log.applyDurable(msg) {
			m.observer.DuplicateDropped()
			return
		}
		m.observer.MessageApplied("push")
		m.notify(Update{Kind: UpdateMessages, ConversationID: e.conv.ID, Messages: e.log.messages()})
	})
}

// subscribe retries with exponential backoff and jitter before giving up.
func (m *Manager) subscribe(ctx context.Context, topic Topic, handler Handler) (Handle, error) {
	backoff := m.cfg.SubscribeBackoff
	var lastErr error
	for attempt := 1; attempt <= m.cfg.SubscribeMaxAttempts; attempt++ {
		handle, err := m.push.Subscribe(ctx, topic, handler)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		m.observer.SubscribeFailed(topic.Kind)
		log.WithFields(log.Fields{"topic": topic.String(), "attempt": attempt}).Debugf("[dm] subscribe failed: %v", err)
		if attempt == m.cfg.SubscribeMaxAttempts {
			break
		}

		timer := time.NewTimer(jitter(backoff))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Handle{}, fmt.Errorf("%w: %w", ErrSubscribeFailed, ctx.Err())
		}
		backoff *= 2
		if m.cfg.SubscribeMaxBackoff > 0 && backoff > m.cfg.SubscribeMaxBackoff {
			backoff = m.cfg.SubscribeMaxBackoff
		}
	}
	return Handle{}, fmt.Errorf("%w: %w", ErrSubscribeFailed, lastErr)
}

// release drops a subscription that nobody owns anymore.
func (m *Manager) release(handle Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.push.Unsubscribe(ctx, handle); err != nil {
		log.Warnf("[dm] release %s: %v", handle.Topic.String(), err)
	}
}

func (m *Manager) notifyState(e *entry, state State) {
	m.notify(Update{Kind: UpdateState, ConversationID: e.conv.ID, State: state})
}

// jitter spreads d over [d/2, d].
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + rand.N(half+1)
}
