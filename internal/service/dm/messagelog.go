package dm

import (
	"time"

	"github.com/zhouzirui/z-tavern/dmsync/internal/model/dm"
)

// echo is a self-sent durable message that matched no pending entry yet.
type echo struct {
	id       string
	clientID string
	seen     time.Time
}

// messageLog is the in-memory log of one conversation. It is only touched from the
// conversation's worker goroutine.
type messageLog struct {
	self    string
	durable []dm.Message
	ids     map[string]struct{}
	pending []dm.Message
	echoes  []echo
	window  time.Duration
	now     func() time.Time
}

func newMessageLog(self string, window time.Duration, now func() time.Time) *messageLog {
	if now == nil {
		now = time.Now
	}
	return &messageLog{
		self:   self,
		ids:    make(map[string]struct{}),
		window: window,
		now:    now,
	}
}

// seed merges a history page. A self message in the page retires its pending twin
// by correlation id but is not remembered as an unclaimed echo.
func (l *messageLog) seed(history []dm.Message) int {
	added := 0
	for _, msg := range history {
		if _, ok := l.ids[msg.ID]; ok || msg.ID == "" {
			continue
		}
		msg.Pending = false
		if msg.SenderID == l.self && msg.ClientID != "" {
			if idx := l.matchPending(msg); idx >= 0 {
				l.pending = append(l.pending[:idx], l.pending[idx+1:]...)
			}
		}
		l.insert(msg)
		added++
	}
	return added
}

// applyDurable adds an authoritative message. It returns false when the log did
// not change.
func (l *messageLog) applyDurable(msg dm.Message) bool {
	if msg.ID == "" {
		return false
	}
	if _, ok := l.ids[msg.ID]; ok {
		// a history page may have carried the row before its pending twin was retired
		if msg.SenderID == l.self && msg.ClientID != "" {
			if idx := l.matchPending(msg); idx >= 0 {
				l.pending = append(l.pending[:idx], l.pending[idx+1:]...)
				return true
			}
		}
		return false
	}
	msg.Pending = false

	if msg.SenderID == l.self {
		if idx := l.matchPending(msg); idx >= 0 {
			l.pending = append(l.pending[:idx], l.pending[idx+1:]...)
		} else if msg.ClientID != "" {
			// without a correlation id the row was written by another client
			l.pruneEchoes()
			l.echoes = append(l.echoes, echo{id: msg.ID, clientID: msg.ClientID, seen: l.now()})
		}
	}

	l.insert(msg)
	return true
}

// matchPending finds the pending entry msg stands for: exact correlation id when
// the store echoed one, otherwise the oldest pending entry with the same body.
func (l *messageLog) matchPending(msg dm.Message) int {
	if msg.ClientID != "" {
		for i, p := range l.pending {
			if p.ClientID == msg.ClientID {
				return i
			}
		}
		return -1
	}
	for i, p := range l.pending {
		if p.Body == msg.Body {
			return i
		}
	}
	return -1
}

// appendPending adds an optimistic message at the tail. When the echo carrying its
// correlation id was already applied the echo is returned instead and nothing is
// appended.
func (l *messageLog) appendPending(msg dm.Message) (dm.Message, bool) {
	l.pruneEchoes()
	if msg.ClientID != "" {
		for i, e := range l.echoes {
			if e.clientID != msg.ClientID {
				continue
			}
			l.echoes = append(l.echoes[:i], l.echoes[i+1:]...)
			if durable, ok := l.find(e.id); ok {
				return durable, true
			}
			break
		}
	}

	msg.Pending = true
	l.pending = append(l.pending, msg)
	return msg, false
}

// rollback removes the pending entry with tempID.
func (l *messageLog) rollback(tempID string) bool {
	for i, p := range l.pending {
		if p.ID == tempID {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return true
		}
	}
	return false
}

// messages renders the log: durable entries by CreatedAt, then pending in send order.
func (l *messageLog) messages() []dm.Message {
	out := make([]dm.Message, 0, len(l.durable)+len(l.pending))
	out = append(out, l.durable...)
	out = append(out, l.pending...)
	return out
}

func (l *messageLog) len() int {
	return len(l.durable) + len(l.pending)
}

func (l *messageLog) last() (dm.Message, bool) {
	if len(l.pending) > 0 {
		return l.pending[len(l.pending)-1], true
	}
	if len(l.durable) > 0 {
		return l.durable[len(l.durable)-1], true
	}
	return dm.Message{}, false
}

func (l *messageLog) find(id string) (dm.Message, bool) {
	for i := len(l.durable) - 1; i >= 0; i-- {
		if l.durable[i].ID == id {
			return l.durable[i], true
		}
	}
	return dm.Message{}, false
}

// insert keeps durable sorted by CreatedAt; equal timestamps keep arrival order.
func (l *messageLog) insert(msg dm.Message) {
	l.ids[msg.ID] = struct{}{}
	idx := len(l.durable)
	for idx > 0 && l.durable[idx-1].CreatedAt.After(msg.CreatedAt) {
		idx--
	}
	l.durable = append(l.durable, dm.Message{})
	copy(l.durable[idx+1:], l.durable[idx:])
	l.durable[idx] = msg
}

func (l *messageLog) pruneEchoes() {
	if len(l.echoes) == 0 {
		return
	}
	cutoff := l.now().Add(-l.window)
	kept := l.echoes[:0]
	for _, e := range l.echoes {
		if e.seen.After(cutoff) {
			kept = append(kept, e)
		}
	}
	l.echoes = kept
}
