package dm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/zhouzirui/z-tavern/dmsync/internal/middleware"
	"github.com/zhouzirui/z-tavern/dmsync/internal/model/dm"
	dmservice "github.com/zhouzirui/z-tavern/dmsync/internal/service/dm"
	"github.com/zhouzirui/z-tavern/dmsync/internal/service/session"
	"github.com/zhouzirui/z-tavern/dmsync/pkg/utils"
)

// Sessions 按用户提供同步引擎
type Sessions interface {
	Acquire(ctx context.Context, userID, token string) (*dmservice.Engine, func(), error)
	SignOut(ctx context.Context, userID string) error
}

// Handler 私信同步的HTTP处理器
type Handler struct {
	sessions Sessions
	ws       *WebSocketHandler
}

// New 创建私信处理器
func New(sessions Sessions) *Handler {
	return &Handler{sessions: sessions, ws: NewWebSocketHandler(sessions)}
}

// RegisterRoutes 注册私信相关的路由, 调用方负责挂载认证中间件
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/inbox", h.handleInbox)
	r.Post("/chats", h.handleOpenChat)
	r.Delete("/chats/{conversationID}", h.handleCloseChat)
	r.Get("/conversations/{conversationID}/state", h.handleState)
	r.Post("/conversations/{conversationID}/messages", h.handleSend)
	r.Delete("/session", h.handleSignOut)
	r.Get("/events", h.handleEvents)
	r.Get("/ws", h.ws.handleWebSocket)
}

// acquire 取得当前用户的引擎, 失败时已写出错误响应
func (h *Handler) acquire(w http.ResponseWriter, r *http.Request) (*dmservice.Engine, func(), bool) {
	engine, release, err := h.sessions.Acquire(r.Context(), middleware.UserID(r.Context()), middleware.Token(r.Context()))
	if err != nil {
		respondServiceError(w, err)
		return nil, nil, false
	}
	return engine, release, true
}

// handleInbox 返回会话列表快照
func (h *Handler) handleInbox(w http.ResponseWriter, r *http.Request) {
	engine, release, ok := h.acquire(w, r)
	if !ok {
		return
	}
	defer release()

	snapshot, err := engine.Snapshot(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, snapshot)
}

type openChatResponse struct {
	Conversation dm.Conversation `json:"conversation"`
	State        dmservice.State `json:"state"`
}

// handleOpenChat 打开与某个用户的会话
func (h *Handler) handleOpenChat(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		PeerID string `json:"peerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	payload.PeerID = strings.TrimSpace(payload.PeerID)
	if payload.PeerID == "" {
		utils.RespondError(w, http.StatusBadRequest, "peerId is required")
		return
	}

	engine, release, ok := h.acquire(w, r)
	if !ok {
		return
	}
	defer release()

	conv, state, err := engine.OpenChat(r.Context(), payload.PeerID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, openChatResponse{Conversation: conv, State: state})
}

// handleCloseChat 释放打开会话时持有的引用
func (h *Handler) handleCloseChat(w http.ResponseWriter, r *http.Request) {
	engine, release, ok := h.acquire(w, r)
	if !ok {
		return
	}
	defer release()

	if err := engine.CloseChat(r.Context(), chi.URLParam(r, "conversationID")); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleState 查询会话的订阅状态
func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	engine, release, ok := h.acquire(w, r)
	if !ok {
		return
	}
	defer release()

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"conversationId": chi.URLParam(r, "conversationID"),
		"state":          engine.State(chi.URLParam(r, "conversationID")),
	})
}

// handleSend 发送消息, 成功时返回持久化后的消息
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	engine, release, ok := h.acquire(w, r)
	if !ok {
		return
	}
	defer release()

	msg, err := engine.Send(r.Context(), chi.URLParam(r, "conversationID"), payload.Body)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, msg)
}

// handleSignOut 登出并丢弃该用户的全部同步状态
func (h *Handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	err := h.sessions.SignOut(r.Context(), middleware.UserID(r.Context()))
	if err != nil && !errors.Is(err, session.ErrNoSession) {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor 把服务层错误映射为HTTP状态码与错误码
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, dmservice.ErrEmptyBody),
		errors.Is(err, dm.ErrEmptyParticipant),
		errors.Is(err, dm.ErrSelfPair):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, dmservice.ErrNotSignedIn), errors.Is(err, session.ErrEmptyUserID):
		return http.StatusUnauthorized, "not_signed_in"
	case errors.Is(err, dmservice.ErrForeignConversation):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, dmservice.ErrUnknownConversation), errors.Is(err, dmservice.ErrNotOpen):
		return http.StatusNotFound, "unknown_conversation"
	case errors.Is(err, dmservice.ErrSendFailed):
		return http.StatusBadGateway, "send_failed"
	case errors.Is(err, session.ErrClosed), errors.Is(err, dmservice.ErrSessionClosed):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func respondServiceError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("[dm] request failed: %v", err)
	}
	utils.RespondErrorCode(w, status, code, err.Error())
}
