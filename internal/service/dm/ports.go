package dm

import (
	"context"
	"fmt"

	"github.com/zhouzirui/z-tavern/dmsync/internal/model/dm"
)

// DurableStore is the authoritative data service behind the engine.
type DurableStore interface {
	// CreateOrGetConversation returns the conversation for pair, creating it when
	// none exists. Implementations enforce at most one row per pair.
	CreateOrGetConversation(ctx context.Context, pair dm.Pair) (dm.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]dm.Conversation, error)
	// ListMessages returns the most recent limit messages, oldest first.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]dm.Message, error)
	InsertMessage(ctx context.Context, msg dm.NewMessage) (dm.Message, error)
	GetProfiles(ctx context.Context, userIDs []string) ([]dm.Contact, error)
}

type TopicKind int

const (
	// TopicInbox carries every conversation involving UserID.
	TopicInbox TopicKind = iota
	// TopicConversation carries the messages of ConversationID.
	TopicConversation
)

func (k TopicKind) String() string {
	switch k {
	case TopicInbox:
		return "inbox"
	case TopicConversation:
		return "conversation"
	default:
		return "unknown"
	}
}

// Topic selects what a push subscription delivers.
type Topic struct {
	Kind           TopicKind
	UserID         string
	ConversationID string
}

func (t Topic) String() string {
	if t.Kind == TopicInbox {
		return fmt.Sprintf("inbox:%s", t.UserID)
	}
	return fmt.Sprintf("conversation:%s", t.ConversationID)
}

// Event is one delivery from the push channel. Exactly one field is set.
type Event struct {
	Conversation *dm.Conversation
	Message      *dm.Message
}

// Handler consumes push events. It runs on the push channel's goroutine and must not block for long.
type Handler func(Event)

// Handle identifies a live subscription.
type Handle struct {
	ID    string
	Topic Topic
}

// PushChannel delivers committed rows at least once, in commit order per topic.
type PushChannel interface {
	Subscribe(ctx context.Context, topic Topic, handler Handler) (Handle, error)
	Unsubscribe(ctx context.Context, handle Handle) error
}

// IdentityProvider resolves the signed-in user. An empty id means signed out.
type IdentityProvider interface {
	CurrentUserID() (string, bool)
	Watch(fn func(userID string)) (cancel func())
}

// Observer receives engine telemetry.
type Observer interface {
	SubscriptionChanged(kind TopicKind, delta int)
	SubscribeFailed(kind TopicKind)
	MessageApplied(source string)
	DuplicateDropped()
	SendFinished(outcome string)
}

type nopObserver struct{}

func (nopObserver) SubscriptionChanged(TopicKind, int) {}
func (nopObserver) SubscribeFailed(TopicKind)          {}
func (nopObserver) MessageApplied(string)              {}
func (nopObserver) DuplicateDropped()                  {}
func (nopObserver) SendFinished(string)                {}
