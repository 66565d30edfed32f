package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	dmservice "github.com/zhouzirui/z-tavern/dmsync/internal/service/dm"
)

var (
	ErrRealtimeClosed = errors.New("supabase realtime: client closed")
	ErrJoinRejected   = errors.New("supabase realtime: join rejected")
	ErrUnknownChannel = errors.New("supabase realtime: unknown channel")
	errDisconnected   = errors.New("supabase realtime: connection lost")
)

// RealtimeConfig configures the Phoenix socket used for postgres_changes.
type RealtimeConfig struct {
	URL         string
	AnonKey     string
	AccessToken func() string

	HeartbeatInterval  time.Duration
	JoinTimeout        time.Duration
	WriteTimeout       time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// Dialer overrides the default websocket dialer; tests point it at httptest.
	Dialer *websocket.Dialer
}

func (c *RealtimeConfig) defaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
}

type phxOutbound struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref"`
	JoinRef string `json:"join_ref,omitempty"`
}

type phxInbound struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

type phxReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changeBinding struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type changePayload struct {
	Data struct {
		Table  string          `json:"table"`
		Type   string          `json:"type"`
		Record json.RawMessage `json:"record"`
		New    json.RawMessage `json:"new"`
	} `json:"data"`
}

type channel struct {
	topic    string
	handle   dmservice.Handle
	bindings []changeBinding
	handler  dmservice.Handler
	joinRef  string
	gen      uint64
}

// Realtime is a PushChannel over one multiplexed Supabase Realtime socket.
// Every subscription is its own Phoenix channel; all of them are rejoined
// after the socket reconnects.
type Realtime struct {
	cfg      RealtimeConfig
	endpoint string

	dialMu  sync.Mutex
	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	gen      uint64
	channels map[string]*channel
	pending  map[string]chan phxReply
	closed   bool
	retrying bool

	ref   atomic.Uint64
	seq   atomic.Uint64
	recon *reconnector
	stop  chan struct{}
	wg    sync.WaitGroup
}

func NewRealtime(cfg RealtimeConfig) (*Realtime, error) {
	cfg.defaults()
	endpoint, err := realtimeEndpoint(cfg.URL, cfg.AnonKey)
	if err != nil {
		return nil, err
	}
	return &Realtime{
		cfg:      cfg,
		endpoint: endpoint,
		channels: make(map[string]*channel),
		pending:  make(map[string]chan phxReply),
		recon:    newReconnector(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay),
		stop:     make(chan struct{}),
	}, nil
}

var _ dmservice.PushChannel = (*Realtime)(nil)

func realtimeEndpoint(raw, apiKey string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(raw, "/"))
	if err != nil {
		return "", fmt.Errorf("parse supabase url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported supabase url scheme %q", u.Scheme)
	}
	u.Path += "/realtime/v1/websocket"
	u.RawQuery = url.Values{"apikey": {apiKey}, "vsn": {"1.0.0"}}.Encode()
	return u.String(), nil
}

func bindingsFor(topic dmservice.Topic) []changeBinding {
	if topic.Kind == dmservice.TopicInbox {
		return []changeBinding{
			{Event: "INSERT", Schema: "public", Table: tableConversations, Filter: "participant_low=eq." + topic.UserID},
			{Event: "INSERT", Schema: "public", Table: tableConversations, Filter: "participant_high=eq." + topic.UserID},
		}
	}
	return []changeBinding{
		{Event: "INSERT", Schema: "public", Table: tableMessages, Filter: "conversation_id=eq." + topic.ConversationID},
	}
}

// Subscribe joins a channel for topic and returns once the server acknowledged
// the join.
func (r *Realtime) Subscribe(ctx context.Context, topic dmservice.Topic, handler dmservice.Handler) (dmservice.Handle, error) {
	if err := r.ensureConnected(ctx); err != nil {
		return dmservice.Handle{}, err
	}

	name := fmt.Sprintf("realtime:dm:%s:%d", topic, r.seq.Add(1))
	ch := &channel{
		topic:    name,
		handle:   dmservice.Handle{ID: name, Topic: topic},
		bindings: bindingsFor(topic),
		handler:  handler,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return dmservice.Handle{}, ErrRealtimeClosed
	}
	r.channels[name] = ch
	r.mu.Unlock()

	if err := r.join(ctx, ch); err != nil {
		r.mu.Lock()
		delete(r.channels, name)
		r.mu.Unlock()
		return dmservice.Handle{}, err
	}
	log.Debugf("[realtime] joined %s", name)
	return ch.handle, nil
}

// Unsubscribe leaves the channel. Events already read for it are dropped.
func (r *Realtime) Unsubscribe(ctx context.Context, handle dmservice.Handle) error {
	r.mu.Lock()
	ch, ok := r.channels[handle.ID]
	var joinRef string
	if ok {
		delete(r.channels, handle.ID)
		joinRef = ch.joinRef
	}
	connected := r.conn != nil
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, handle.ID)
	}
	if !connected {
		return nil
	}
	// the server drops the channel with the socket anyway, so a failed leave is not fatal
	if err := r.write(phxOutbound{Topic: ch.topic, Event: "phx_leave", Payload: struct{}{}, Ref: r.nextRef(), JoinRef: joinRef}); err != nil {
		log.Warnf("[realtime] leave %s: %v", ch.topic, err)
	}
	return nil
}

// Close leaves the socket and stops reconnecting.
func (r *Realtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.stop)
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	var err error
	if conn != nil {
		r.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		r.writeMu.Unlock()
		err = conn.Close()
	}
	r.wg.Wait()
	return err
}

func (r *Realtime) nextRef() string {
	return strconv.FormatUint(r.ref.Add(1), 10)
}

func (r *Realtime) ensureConnected(ctx context.Context) error {
	r.mu.Lock()
	closed, connected := r.closed, r.conn != nil
	r.mu.Unlock()
	if closed {
		return ErrRealtimeClosed
	}
	if connected {
		return nil
	}
	return r.connect(ctx)
}

func (r *Realtime) connect(ctx context.Context) error {
	r.dialMu.Lock()
	defer r.dialMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRealtimeClosed
	}
	if r.conn != nil {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	conn, _, err := r.cfg.Dialer.DialContext(ctx, r.endpoint, nil)
	if err != nil {
		return fmt.Errorf("realtime dial: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return ErrRealtimeClosed
	}
	r.conn = conn
	r.gen++
	gen := r.gen
	r.wg.Add(2)
	r.mu.Unlock()
	r.recon.markConnected()

	done := make(chan struct{})
	go r.readLoop(conn, done)
	go r.heartbeatLoop(conn, done)
	log.Infof("[realtime] connected (generation %d)", gen)
	return nil
}

func (r *Realtime) join(ctx context.Context, ch *channel) error {
	ref := r.nextRef()
	reply := make(chan phxReply, 1)

	r.mu.Lock()
	gen := r.gen
	r.pending[ref] = reply
	ch.joinRef = ref
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, ref)
		r.mu.Unlock()
	}()

	payload := map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]bool{"self": false},
			"presence":         map[string]string{"key": ""},
			"postgres_changes": ch.bindings,
		},
	}
	if r.cfg.AccessToken != nil {
		if token := r.cfg.AccessToken(); token != "" {
			payload["access_token"] = token
		}
	}
	if err := r.write(phxOutbound{Topic: ch.topic, Event: "phx_join", Payload: payload, Ref: ref, JoinRef: ref}); err != nil {
		return fmt.Errorf("join %s: %w", ch.topic, err)
	}

	timer := time.NewTimer(r.cfg.JoinTimeout)
	defer timer.Stop()
	select {
	case rep, ok := <-reply:
		if !ok {
			return fmt.Errorf("join %s: %w", ch.topic, errDisconnected)
		}
		if rep.Status != "ok" {
			return fmt.Errorf("%w: %s: %s", ErrJoinRejected, ch.topic, string(rep.Response))
		}
		r.mu.Lock()
		ch.gen = gen
		r.mu.Unlock()
		return nil
	case <-timer.C:
		return fmt.Errorf("join %s: timed out after %s", ch.topic, r.cfg.JoinTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stop:
		return ErrRealtimeClosed
	}
}

func (r *Realtime) write(msg phxOutbound) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return errDisconnected
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func (r *Realtime) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer r.wg.Done()
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.dropConnection(conn, err)
			return
		}

		var msg phxInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warnf("[realtime] malformed frame: %v", err)
			continue
		}
		r.dispatch(msg)
	}
}

func (r *Realtime) dispatch(msg phxInbound) {
	switch msg.Event {
	case "phx_reply":
		var rep phxReply
		if err := json.Unmarshal(msg.Payload, &rep); err != nil {
			return
		}
		r.mu.Lock()
		reply, ok := r.pending[msg.Ref]
		if ok {
			delete(r.pending, msg.Ref)
		}
		r.mu.Unlock()
		if ok {
			reply <- rep
		}
	case "postgres_changes":
		r.mu.Lock()
		ch := r.channels[msg.Topic]
		r.mu.Unlock()
		if ch == nil {
			return
		}
		ev, err := decodeChange(msg.Payload)
		if err != nil {
			log.Warnf("[realtime] %s: %v", msg.Topic, err)
			return
		}
		ch.handler(ev)
	case "phx_error", "phx_close":
		log.Warnf("[realtime] channel %s reported %s", msg.Topic, msg.Event)
	}
}

func decodeChange(raw json.RawMessage) (dmservice.Event, error) {
	var change changePayload
	if err := json.Unmarshal(raw, &change); err != nil {
		return dmservice.Event{}, fmt.Errorf("decode change: %w", err)
	}
	record := change.Data.Record
	if len(record) == 0 {
		record = change.Data.New
	}
	if len(record) == 0 {
		return dmservice.Event{}, errors.New("change without record")
	}

	switch change.Data.Table {
	case tableMessages:
		var row messageRow
		if err := json.Unmarshal(record, &row); err != nil {
			return dmservice.Event{}, fmt.Errorf("decode message record: %w", err)
		}
		msg := row.model()
		return dmservice.Event{Message: &msg}, nil
	case tableConversations:
		var row conversationRow
		if err := json.Unmarshal(record, &row); err != nil {
			return dmservice.Event{}, fmt.Errorf("decode conversation record: %w", err)
		}
		conv := row.model()
		return dmservice.Event{Conversation: &conv}, nil
	default:
		return dmservice.Event{}, fmt.Errorf("unexpected table %q", change.Data.Table)
	}
}

// dropConnection forgets conn, fails in-flight joins and starts reconnecting.
func (r *Realtime) dropConnection(conn *websocket.Conn, cause error) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	for ref, reply := range r.pending {
		close(reply)
		delete(r.pending, ref)
	}
	start := !r.closed && !r.retrying
	if start {
		r.retrying = true
		r.wg.Add(1)
	}
	r.mu.Unlock()
	conn.Close()

	if !start {
		return
	}
	log.Warnf("[realtime] connection lost: %v", cause)
	go r.reconnectLoop()
}

func (r *Realtime) reconnectLoop() {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		r.retrying = false
		r.mu.Unlock()
	}()

	for {
		delay := r.recon.nextDelay()
		log.Infof("[realtime] reconnecting in %s (attempt %d)", delay, r.recon.attempts())
		timer := time.NewTimer(delay)
		select {
		case <-r.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.JoinTimeout)
		err := r.connect(ctx)
		if err == nil {
			err = r.rejoin(ctx)
		}
		cancel()
		switch {
		case err == nil:
			return
		case errors.Is(err, ErrRealtimeClosed):
			return
		default:
			log.Warnf("[realtime] reconnect failed: %v", err)
		}
	}
}

// rejoin joins every channel not yet joined on the current connection.
func (r *Realtime) rejoin(ctx context.Context) error {
	r.mu.Lock()
	gen := r.gen
	var stale []*channel
	for _, ch := range r.channels {
		if ch.gen != gen {
			stale = append(stale, ch)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, ch := range stale {
		if err := r.join(ctx, ch); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Debugf("[realtime] rejoined %s", ch.topic)
	}
	err := errors.Join(errs...)
	if errors.Is(err, errDisconnected) {
		// the reader already scheduled another attempt
		return nil
	}
	return err
}

func (r *Realtime) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var outstanding chan phxReply
	for {
		select {
		case <-done:
			return
		case <-r.stop:
			return
		case <-ticker.C:
		}

		if outstanding != nil {
			select {
			case _, ok := <-outstanding:
				if !ok {
					return
				}
			default:
				log.Warn("[realtime] heartbeat not acknowledged, closing socket")
				conn.Close()
				return
			}
		}

		ref := r.nextRef()
		outstanding = make(chan phxReply, 1)
		r.mu.Lock()
		r.pending[ref] = outstanding
		r.mu.Unlock()
		if err := r.write(phxOutbound{Topic: "phoenix", Event: "heartbeat", Payload: struct{}{}, Ref: ref}); err != nil {
			log.Warnf("[realtime] heartbeat: %v", err)
			conn.Close()
			return
		}
	}
}

// reconnector yields exponential delays with jitter, restarting from the base
// once a connection has stayed up for a minute.
type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func newReconnector(base, maxDelay time.Duration) *reconnector {
	return &reconnector{baseDelay: base, maxDelay: maxDelay}
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

func (r *reconnector) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

func (r *reconnector) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > time.Minute {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}

	delay := r.baseDelay << min(r.attempt, 16)
	if jitterRange := int64(r.baseDelay / 2); jitterRange > 0 {
		delay += time.Duration(rand.Int64N(jitterRange))
	}
	r.attempt++
	return min(delay, r.maxDelay)
}
