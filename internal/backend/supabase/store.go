package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/zhouzirui/z-tavern/dmsync/internal/model/dm"
	dmservice "github.com/zhouzirui/z-tavern/dmsync/internal/service/dm"
)

const (
	tableConversations = "conversations"
	tableMessages      = "messages"
	tableProfiles      = "profiles"
)

// Store implements the durable store on top of PostgREST. The conversations
// table carries a unique index on (participant_low, participant_high).
type Store struct {
	rest *REST
}

func NewStore(rest *REST) *Store {
	return &Store{rest: rest}
}

var _ dmservice.DurableStore = (*Store)(nil)

func (s *Store) CreateOrGetConversation(ctx context.Context, pair dm.Pair) (dm.Conversation, error) {
	var created []conversationRow
	err := s.rest.do(ctx, request{
		method: http.MethodPost,
		table:  tableConversations,
		query:  url.Values{"on_conflict": {"participant_low,participant_high"}},
		body: map[string]string{
			"participant_low":  pair.Low,
			"participant_high": pair.High,
		},
		prefer: []string{"resolution=ignore-duplicates", "return=representation"},
	}, &created)
	if err != nil {
		var apiErr *APIError
		// a concurrent insert that lost the race still resolves to the winner row
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
			return dm.Conversation{}, fmt.Errorf("create conversation: %w", err)
		}
	}
	if len(created) > 0 {
		return created[0].model(), nil
	}

	var existing []conversationRow
	err = s.rest.do(ctx, request{
		method: http.MethodGet,
		table:  tableConversations,
		query: url.Values{
			"select":           {"*"},
			"participant_low":  {"eq." + pair.Low},
			"participant_high": {"eq." + pair.High},
			"order":            {"created_at.asc,id.asc"},
			"limit":            {"1"},
		},
	}, &existing)
	if err != nil {
		return dm.Conversation{}, fmt.Errorf("lookup conversation: %w", err)
	}
	if len(existing) == 0 {
		return dm.Conversation{}, fmt.Errorf("lookup conversation %s: no row after upsert", pair.Key())
	}
	return existing[0].model(), nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]dm.Conversation, error) {
	var rows []conversationRow
	err := s.rest.do(ctx, request{
		method: http.MethodGet,
		table:  tableConversations,
		query: url.Values{
			"select": {"*"},
			"or":     {fmt.Sprintf("(participant_low.eq.%s,participant_high.eq.%s)", userID, userID)},
			"order":  {"created_at.desc"},
		},
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]dm.Conversation, len(rows))
	for i, row := range rows {
		out[i] = row.model()
	}
	return out, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]dm.Message, error) {
	query := url.Values{
		"select":          {"*"},
		"conversation_id": {"eq." + conversationID},
		"order":           {"created_at.desc,id.desc"},
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var rows []messageRow
	if err := s.rest.do(ctx, request{method: http.MethodGet, table: tableMessages, query: query}, &rows); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	// newest first on the wire, oldest first for the log
	out := make([]dm.Message, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = row.model()
	}
	return out, nil
}

func (s *Store) InsertMessage(ctx context.Context, msg dm.NewMessage) (dm.Message, error) {
	var rows []messageRow
	err := s.rest.do(ctx, request{
		method: http.MethodPost,
		table:  tableMessages,
		body:   msg,
		prefer: []string{"return=representation"},
	}, &rows)
	if err != nil {
		return dm.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if len(rows) == 0 {
		return dm.Message{}, errors.New("insert message: empty representation")
	}
	return rows[0].model(), nil
}

func (s *Store) GetProfiles(ctx context.Context, userIDs []string) ([]dm.Contact, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var rows []profileRow
	err := s.rest.do(ctx, request{
		method: http.MethodGet,
		table:  tableProfiles,
		query: url.Values{
			"select": {"id,display_name,avatar_url"},
			"id":     {inList(userIDs)},
		},
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("get profiles: %w", err)
	}
	out := make([]dm.Contact, len(rows))
	for i, row := range rows {
		out[i] = row.model()
	}
	return out, nil
}
