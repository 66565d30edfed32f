package dm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/zhouzirui/z-tavern/dmsync/internal/model/dm"
)

// Sender appends optimistic messages and reconciles them against the durable write.
// It only touches logs through the manager.
type Sender struct {
	self     string
	store    DurableStore
	mgr      *Manager
	observer Observer
	newID    func() string
	now      func() time.Time
}

func NewSender(self string, store DurableStore, mgr *Manager, observer Observer) *Sender {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Sender{
		self:     self,
		store:    store,
		mgr:      mgr,
		observer: observer,
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// Send shows body immediately as a pending message, writes it once and returns
// the durable message. On write failure the pending entry is removed and the
// error wraps ErrSendFailed.
func (s *Sender) Send(ctx context.Context, conversationID, body string) (dm.Message, error) {
	if strings.TrimSpace(body) == "" {
		s.observer.SendFinished("rejected")
		return dm.Message{}, ErrEmptyBody
	}
	if s.self == "" {
		return dm.Message{}, ErrNotSignedIn
	}

	clientID := s.newID()
	optimistic := dm.Message{
		ID:             dm.TempID(clientID),
		ConversationID: conversationID,
		SenderID:       s.self,
		Body:           body,
		ClientID:       clientID,
		CreatedAt:      s.now().UTC(),
		Pending:        true,
	}
	stored, absorbed, err := s.mgr.AppendPending(ctx, conversationID, optimistic)
	if err != nil {
		s.observer.SendFinished("rejected")
		return dm.Message{}, err
	}
	if absorbed {
		s.observer.SendFinished("ok")
		return stored, nil
	}

	durable, err := s.store.InsertMessage(ctx, dm.NewMessage{
		ConversationID: conversationID,
		SenderID:       s.self,
		Body:           body,
		ClientID:       clientID,
	})
	// the caller's context may be what failed the write; bookkeeping must still run
	local := context.WithoutCancel(ctx)
	if err != nil {
		if _, rbErr := s.mgr.Rollback(local, conversationID, optimistic.ID); rbErr != nil && !errors.Is(rbErr, ErrUnknownConversation) {
			log.WithField("conversation", conversationID).Errorf("[dm] rollback failed: %v", rbErr)
		}
		s.observer.SendFinished("failed")
		return dm.Message{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	if durable.ClientID == "" {
		durable.ClientID = clientID
	}
	if err := s.mgr.ApplyDurable(local, conversationID, durable); err != nil && !errors.Is(err, ErrUnknownConversation) {
		log.WithField("conversation", conversationID).Errorf("[dm] apply write result failed: %v", err)
	}
	s.observer.SendFinished("ok")
	return durable, nil
}
