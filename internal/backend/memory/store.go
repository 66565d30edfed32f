package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-tavern/dmsync/internal/model/dm"
	dmservice "github.com/zhouzirui/z-tavern/dmsync/internal/service/dm"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("sender is not a participant")
)

// Op names a store operation for fault injection.
type Op string

const (
	OpCreateConversation Op = "create_conversation"
	OpListConversations  Op = "list_conversations"
	OpListMessages       Op = "list_messages"
	OpInsertMessage      Op = "insert_message"
	OpGetProfiles        Op = "get_profiles"
)

// Store is an in-process durable store. Every committed row is published on the hub.
type Store struct {
	hub *Hub

	mu            sync.RWMutex
	conversations map[string]dm.Conversation
	byPair        map[string]string
	messages      map[string][]dm.Message
	profiles      map[string]dm.Contact
	faults        map[Op]error
	last          time.Time
}

// NewStore bootstraps the in-memory store suitable for development and tests.
func NewStore(hub *Hub) *Store {
	if hub == nil {
		hub = NewHub()
	}
	return &Store{
		hub:           hub,
		conversations: make(map[string]dm.Conversation),
		byPair:        make(map[string]string),
		messages:      make(map[string][]dm.Message),
		profiles:      make(map[string]dm.Contact),
		faults:        make(map[Op]error),
	}
}

// Hub returns the push channel fed by this store.
func (s *Store) Hub() *Hub {
	return s.hub
}

// SetFault makes op fail with err until cleared with a nil err.
func (s *Store) SetFault(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

// PutProfile stores the profile of a user.
func (s *Store) PutProfile(contact dm.Contact) {
	s.mu.Lock()
	s.profiles[contact.UserID] = contact
	s.mu.Unlock()
}

// PutConversation stores a row as is, bypassing the pair constraint. It
// reproduces duplicates a weaker backend could produce.
func (s *Store) PutConversation(conv dm.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
	if _, ok := s.byPair[conv.Pair().Key()]; !ok {
		s.byPair[conv.Pair().Key()] = conv.ID
	}
	s.hub.publishConversation(conv)
}

// CreateOrGetConversation returns the row for pair, creating it on first contact.
func (s *Store) CreateOrGetConversation(ctx context.Context, pair dm.Pair) (dm.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return dm.Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults[OpCreateConversation]; err != nil {
		return dm.Conversation{}, err
	}

	if id, ok := s.byPair[pair.Key()]; ok {
		return s.conversations[id], nil
	}
	conv := dm.Conversation{
		ID:              uuid.NewString(),
		ParticipantLow:  pair.Low,
		ParticipantHigh: pair.High,
		CreatedAt:       s.tick(),
	}
	s.conversations[conv.ID] = conv
	s.byPair[pair.Key()] = conv.ID
	s.messages[conv.ID] = make([]dm.Message, 0, 16)
	s.hub.publishConversation(conv)
	return conv, nil
}

// ListConversations returns every row involving userID, newest first.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]dm.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.faults[OpListConversations]; err != nil {
		return nil, err
	}

	out := make([]dm.Conversation, 0)
	for _, conv := range s.conversations {
		if conv.Involves(userID) {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListMessages returns the latest limit messages of a conversation, oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]dm.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.faults[OpListMessages]; err != nil {
		return nil, err
	}
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrConversationNotFound
	}

	messages := s.messages[conversationID]
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	copied := make([]dm.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

// InsertMessage commits a message and echoes it on the conversation topic.
func (s *Store) InsertMessage(ctx context.Context, msg dm.NewMessage) (dm.Message, error) {
	if err := ctx.Err(); err != nil {
		return dm.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults[OpInsertMessage]; err != nil {
		return dm.Message{}, err
	}
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return dm.Message{}, ErrConversationNotFound
	}
	if !conv.Involves(msg.SenderID) {
		return dm.Message{}, ErrNotParticipant
	}

	stored := dm.Message{
		ID:             uuid.NewString(),
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		ClientID:       msg.ClientID,
		CreatedAt:      s.tick(),
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], stored)
	s.hub.publishMessage(stored)
	return stored, nil
}

// GetProfiles returns the known profiles among userIDs.
func (s *Store) GetProfiles(ctx context.Context, userIDs []string) ([]dm.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.faults[OpGetProfiles]; err != nil {
		return nil, err
	}

	out := make([]dm.Contact, 0, len(userIDs))
	for _, id := range userIDs {
		if p, ok := s.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// tick returns a strictly increasing commit timestamp.
func (s *Store) tick() time.Time {
	now := time.Now().UTC()
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

var _ dmservice.DurableStore = (*Store)(nil)
