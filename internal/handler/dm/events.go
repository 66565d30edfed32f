package dm

import (
	"net/http"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	dmservice "github.com/zhouzirui/z-tavern/dmsync/internal/service/dm"
	"github.com/zhouzirui/z-tavern/dmsync/pkg/utils"
)

const (
	updateBuffer      = 64
	heartbeatInterval = 15 * time.Second
)

// updateFeed 把引擎的更新转成一个有界通道。缓冲区满时不再排队,
// 而是标记为过期, 由消费方改发一次完整快照。
type updateFeed struct {
	updates chan dmservice.Update
	stale   atomic.Bool
	wake    chan struct{}
	cancel  func()
}

func subscribeUpdates(engine *dmservice.Engine) *updateFeed {
	feed := &updateFeed{
		updates: make(chan dmservice.Update, updateBuffer),
		wake:    make(chan struct{}, 1),
	}
	feed.cancel = engine.Listen(func(u dmservice.Update) {
		select {
		case feed.updates <- u:
		default:
			feed.stale.Store(true)
			select {
			case feed.wake <- struct{}{}:
			default:
			}
		}
	})
	return feed
}

// drainStale 丢弃积压的更新, 返回此前是否发生过溢出
func (f *updateFeed) drainStale() bool {
	if !f.stale.Swap(false) {
		return false
	}
	for {
		select {
		case <-f.updates:
		default:
			return true
		}
	}
}

// handleEvents 以SSE推送快照与增量更新
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	engine, release, ok := h.acquire(w, r)
	if !ok {
		return
	}
	defer release()

	feed := subscribeUpdates(engine)
	defer feed.cancel()

	ctx := r.Context()
	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	var seq uint64
	sendSnapshot := func() bool {
		snapshot, err := engine.Snapshot(ctx)
		if err != nil {
			seq++
			_ = utils.SendSSEEvent(w, flusher, "error", seq, map[string]string{"error": err.Error()})
			return false
		}
		seq++
		return utils.SendSSEEvent(w, flusher, "snapshot", seq, snapshot) == nil
	}
	if !sendSnapshot() {
		return
	}
	log.WithField("user", snapshotUser(engine)).Debug("[sse] stream opened")

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.WithField("user", snapshotUser(engine)).Debug("[sse] stream closed")
			return
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		case <-feed.wake:
			if feed.drainStale() && !sendSnapshot() {
				return
			}
		case u := <-feed.updates:
			seq++
			if err := utils.SendSSEEvent(w, flusher, string(u.Kind), seq, u); err != nil {
				return
			}
			if u.Kind == dmservice.UpdateReset {
				// the user signed out; the stream belongs to a session that is gone
				return
			}
		}
	}
}

func snapshotUser(engine *dmservice.Engine) string {
	id, _ := engine.UserID()
	return id
}
