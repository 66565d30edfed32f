package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	dmservice "github.com/zhouzirui/z-tavern/dmsync/internal/service/dm"
)

var (
	ErrListenerClosed      = errors.New("postgres listener: closed")
	ErrUnknownSubscription = errors.New("postgres listener: unknown subscription")
)

type notification struct {
	Table  string          `json:"table"`
	Record json.RawMessage `json:"record"`
}

type subscription struct {
	topic   dmservice.Topic
	handler dmservice.Handler
}

// Listener is a PushChannel fed by one LISTEN connection. Notifications arrive
// in commit order and are fanned out to the subscriptions whose topic matches.
type Listener struct {
	pool       *pgxpool.Pool
	retryDelay time.Duration

	mu      sync.Mutex
	subs    map[string]subscription
	seq     uint64
	ready   chan struct{}
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewListener(pool *pgxpool.Pool, retryDelay time.Duration) *Listener {
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &Listener{
		pool:       pool,
		retryDelay: retryDelay,
		subs:       make(map[string]subscription),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
}

var _ dmservice.PushChannel = (*Listener)(nil)

// Subscribe registers handler and returns once the LISTEN connection is live.
func (l *Listener) Subscribe(ctx context.Context, topic dmservice.Topic, handler dmservice.Handler) (dmservice.Handle, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return dmservice.Handle{}, ErrListenerClosed
	}
	if !l.started {
		l.started = true
		runCtx, cancel := context.WithCancel(context.Background())
		l.cancel = cancel
		go l.run(runCtx)
	}
	ready := l.ready
	l.mu.Unlock()

	select {
	case <-ready:
	case <-l.done:
		return dmservice.Handle{}, ErrListenerClosed
	case <-ctx.Done():
		return dmservice.Handle{}, ctx.Err()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return dmservice.Handle{}, ErrListenerClosed
	}
	l.seq++
	handle := dmservice.Handle{ID: topic.String() + "#" + strconv.FormatUint(l.seq, 10), Topic: topic}
	l.subs[handle.ID] = subscription{topic: topic, handler: handler}
	return handle, nil
}

func (l *Listener) Unsubscribe(_ context.Context, handle dmservice.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[handle.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, handle.ID)
	}
	delete(l.subs, handle.ID)
	return nil
}

// Close stops listening and waits for the connection to be released.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	started, cancel := l.started, l.cancel
	l.mu.Unlock()

	if started {
		cancel()
		<-l.done
	}
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Warnf("[pg-listen] connection lost, retrying in %s: %v", l.retryDelay, err)

		l.mu.Lock()
		select {
		case <-l.ready:
			l.ready = make(chan struct{})
		default:
		}
		l.mu.Unlock()

		select {
		case <-time.After(l.retryDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	pooled, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	// the listening connection never goes back to the pool
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	l.mu.Lock()
	close(l.ready)
	l.mu.Unlock()
	log.Infof("[pg-listen] listening on %s", NotifyChannel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		ev, err := decodeNotification([]byte(n.Payload))
		if err != nil {
			log.Warnf("[pg-listen] %v", err)
			continue
		}
		for _, handler := range l.handlersFor(ev) {
			handler(ev)
		}
	}
}

func (l *Listener) handlersFor(ev dmservice.Event) []dmservice.Handler {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []dmservice.Handler
	for _, sub := range l.subs {
		if matches(sub.topic, ev) {
			out = append(out, sub.handler)
		}
	}
	return out
}

func matches(topic dmservice.Topic, ev dmservice.Event) bool {
	switch topic.Kind {
	case dmservice.TopicInbox:
		return ev.Conversation != nil && ev.Conversation.Involves(topic.UserID)
	case dmservice.TopicConversation:
		return ev.Message != nil && ev.Message.ConversationID == topic.ConversationID
	}
	return false
}

func decodeNotification(payload []byte) (dmservice.Event, error) {
	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return dmservice.Event{}, fmt.Errorf("decode notification: %w", err)
	}
	switch n.Table {
	case "messages":
		var rec messageRecord
		if err := json.Unmarshal(n.Record, &rec); err != nil {
			return dmservice.Event{}, fmt.Errorf("decode message record: %w", err)
		}
		msg := rec.model()
		return dmservice.Event{Message: &msg}, nil
	case "conversations":
		var rec conversationRecord
		if err := json.Unmarshal(n.Record, &rec); err != nil {
			return dmservice.Event{}, fmt.Errorf("decode conversation record: %w", err)
		}
		conv := rec.model()
		return dmservice.Event{Conversation: &conv}, nil
	}
	return dmservice.Event{}, fmt.Errorf("notification for unexpected table %q", n.Table)
}
