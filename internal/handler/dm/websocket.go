package dm

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/zhouzirui/z-tavern/dmsync/internal/middleware"
	dmservice "github.com/zhouzirui/z-tavern/dmsync/internal/service/dm"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 54 * time.Second
)

// WebSocketHandler 双向私信通道: 推送更新, 接收 send/open/close 命令
type WebSocketHandler struct {
	sessions Sessions
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(sessions Sessions) *WebSocketHandler {
	return &WebSocketHandler{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

type inboundMessage struct {
	Type           string `json:"type"`
	RequestID      string `json:"requestId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	PeerID         string `json:"peerId,omitempty"`
	Body           string `json:"body,omitempty"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// wsConn 串行化写操作; gorilla 连接只允许一个并发写者
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(msg outgoingMessage) error {
	msg.Timestamp = time.Now().Unix()
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// connectionState 记录本连接打开的会话引用, 断开时全部归还
type connectionState struct {
	userID string
	engine *dmservice.Engine
	chats  map[string]int
}

func (s *connectionState) closeAll(ctx context.Context) {
	for id, n := range s.chats {
		for range n {
			if err := s.engine.CloseChat(ctx, id); err != nil {
				log.WithField("conversation", id).Debugf("[websocket] release chat: %v", err)
				break
			}
		}
	}
	s.chats = map[string]int{}
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	engine, release, err := h.sessions.Acquire(r.Context(), userID, middleware.Token(r.Context()))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	defer release()

	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("[websocket] upgrade failed: %v", err)
		return
	}
	defer raw.Close()
	conn := &wsConn{conn: raw}

	log.WithField("user", userID).Info("[websocket] connection opened")

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	state := &connectionState{userID: userID, engine: engine, chats: make(map[string]int)}
	defer state.closeAll(context.WithoutCancel(ctx))

	raw.SetReadDeadline(time.Now().Add(wsReadTimeout))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	feed := subscribeUpdates(engine)
	defer feed.cancel()

	if !h.sendSnapshot(ctx, conn, engine, "") {
		return
	}

	go h.pushLoop(ctx, cancel, conn, engine, feed)

	for {
		var msg inboundMessage
		if err := raw.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithField("user", userID).Warnf("[websocket] read error: %v", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		raw.SetReadDeadline(time.Now().Add(wsReadTimeout))
		h.handleMessage(ctx, conn, state, &msg)
	}
}

// pushLoop 转发引擎更新并维持心跳; 写失败时关闭整个连接
func (h *WebSocketHandler) pushLoop(ctx context.Context, cancel context.CancelFunc, conn *wsConn, engine *dmservice.Engine, feed *updateFeed) {
	defer cancel()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				conn.conn.Close()
				return
			}
		case <-feed.wake:
			if feed.drainStale() && !h.sendSnapshot(ctx, conn, engine, "") {
				conn.conn.Close()
				return
			}
		case u := <-feed.updates:
			if err := conn.write(outgoingMessage{Type: "update", Data: u}); err != nil {
				conn.conn.Close()
				return
			}
			if u.Kind == dmservice.UpdateReset {
				_ = conn.write(outgoingMessage{Type: "signedOut"})
				conn.conn.Close()
				return
			}
		}
	}
}

// handleMessage 分发客户端命令
func (h *WebSocketHandler) handleMessage(ctx context.Context, conn *wsConn, state *connectionState, msg *inboundMessage) {
	switch msg.Type {
	case "send":
		sent, err := state.engine.Send(ctx, msg.ConversationID, msg.Body)
		if err != nil {
			h.sendError(conn, msg.RequestID, err)
			return
		}
		h.sendResult(conn, msg.RequestID, sent)
	case "open":
		conv, st, err := state.engine.OpenChat(ctx, msg.PeerID)
		if err != nil {
			h.sendError(conn, msg.RequestID, err)
			return
		}
		state.chats[conv.ID]++
		h.sendResult(conn, msg.RequestID, openChatResponse{Conversation: conv, State: st})
	case "close":
		if state.chats[msg.ConversationID] == 0 {
			h.sendError(conn, msg.RequestID, dmservice.ErrNotOpen)
			return
		}
		if err := state.engine.CloseChat(ctx, msg.ConversationID); err != nil {
			h.sendError(conn, msg.RequestID, err)
			return
		}
		if state.chats[msg.ConversationID]--; state.chats[msg.ConversationID] == 0 {
			delete(state.chats, msg.ConversationID)
		}
		h.sendResult(conn, msg.RequestID, map[string]string{"conversationId": msg.ConversationID})
	case "snapshot":
		h.sendSnapshot(ctx, conn, state.engine, msg.RequestID)
	default:
		h.write(conn, outgoingMessage{
			Type:      "error",
			RequestID: msg.RequestID,
			Data:      map[string]string{"code": "invalid_request", "message": "unknown message type: " + msg.Type},
		})
	}
}

func (h *WebSocketHandler) sendSnapshot(ctx context.Context, conn *wsConn, engine *dmservice.Engine, requestID string) bool {
	snapshot, err := engine.Snapshot(ctx)
	if err != nil {
		h.sendError(conn, requestID, err)
		return false
	}
	return h.write(conn, outgoingMessage{Type: "snapshot", RequestID: requestID, Data: snapshot})
}

func (h *WebSocketHandler) sendResult(conn *wsConn, requestID string, data any) {
	h.write(conn, outgoingMessage{Type: "result", RequestID: requestID, Data: data})
}

func (h *WebSocketHandler) sendError(conn *wsConn, requestID string, err error) {
	_, code := statusFor(err)
	h.write(conn, outgoingMessage{
		Type:      "error",
		RequestID: requestID,
		Data:      map[string]string{"code": code, "message": err.Error()},
	})
}

func (h *WebSocketHandler) write(conn *wsConn, msg outgoingMessage) bool {
	if err := conn.write(msg); err != nil {
		log.Warnf("[websocket] write %s failed: %v", msg.Type, err)
		return false
	}
	return true
}
