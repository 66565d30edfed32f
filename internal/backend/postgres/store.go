package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zhouzirui/z-tavern/dmsync/internal/model/dm"
	dmservice "github.com/zhouzirui/z-tavern/dmsync/internal/service/dm"
)

type conversationRecord struct {
	ID              string    `json:"id"`
	ParticipantLow  string    `json:"participant_low"`
	ParticipantHigh string    `json:"participant_high"`
	CreatedAt       time.Time `json:"created_at"`
}

func (r conversationRecord) model() dm.Conversation {
	return dm.Conversation{
		ID:              r.ID,
		ParticipantLow:  r.ParticipantLow,
		ParticipantHigh: r.ParticipantHigh,
		CreatedAt:       r.CreatedAt.UTC(),
	}
}

type messageRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	ClientID       *string   `json:"client_id"`
	CreatedAt      time.Time `json:"created_at"`
}

func (r messageRecord) model() dm.Message {
	msg := dm.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Body:           r.Body,
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if r.ClientID != nil {
		msg.ClientID = *r.ClientID
	}
	return msg
}

const (
	conversationColumns = "id::text, participant_low, participant_high, created_at"
	messageColumns      = "id::text, conversation_id::text, sender_id, body, client_id, created_at"
)

// Store implements the durable store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ dmservice.DurableStore = (*Store)(nil)

func (s *Store) CreateOrGetConversation(ctx context.Context, pair dm.Pair) (dm.Conversation, error) {
	rows, _ := s.pool.Query(ctx, `
		WITH ins AS (
			INSERT INTO conversations (participant_low, participant_high)
			VALUES ($1, $2)
			ON CONFLICT (participant_low, participant_high) DO NOTHING
			RETURNING `+conversationColumns+`
		)
		SELECT * FROM ins
		UNION ALL
		SELECT `+conversationColumns+` FROM conversations
		WHERE participant_low = $1 AND participant_high = $2
		LIMIT 1
	`, pair.Low, pair.High)
	rec, err := pgx.CollectOneRow(rows, pgx.RowToStructByPos[conversationRecord])
	if err == nil {
		return rec.model(), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return dm.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	// a concurrent insert committed after this statement's snapshot was taken
	rows, _ = s.pool.Query(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE participant_low = $1 AND participant_high = $2
	`, pair.Low, pair.High)
	rec, err = pgx.CollectOneRow(rows, pgx.RowToStructByPos[conversationRecord])
	if err != nil {
		return dm.Conversation{}, fmt.Errorf("lookup conversation %s: %w", pair.Key(), err)
	}
	return rec.model(), nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]dm.Conversation, error) {
	rows, _ := s.pool.Query(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE participant_low = $1 OR participant_high = $1
		ORDER BY created_at DESC
	`, userID)
	recs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[conversationRecord])
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]dm.Conversation, len(recs))
	for i, rec := range recs {
		out[i] = rec.model()
	}
	return out, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]dm.Message, error) {
	rows, _ := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1::uuid
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($2::int, 0)
	`, conversationID, max(limit, 0))
	recs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[messageRecord])
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	slices.Reverse(recs)
	out := make([]dm.Message, len(recs))
	for i, rec := range recs {
		out[i] = rec.model()
	}
	return out, nil
}

func (s *Store) InsertMessage(ctx context.Context, msg dm.NewMessage) (dm.Message, error) {
	rows, _ := s.pool.Query(ctx, `
		INSERT INTO messages (conversation_id, sender_id, body, client_id)
		VALUES ($1::uuid, $2, $3, NULLIF($4, ''))
		RETURNING `+messageColumns,
		msg.ConversationID, msg.SenderID, msg.Body, msg.ClientID)
	rec, err := pgx.CollectOneRow(rows, pgx.RowToStructByPos[messageRecord])
	if err != nil {
		return dm.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return rec.model(), nil
}

func (s *Store) GetProfiles(ctx context.Context, userIDs []string) ([]dm.Contact, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, _ := s.pool.Query(ctx,
		`SELECT id, display_name, avatar_url FROM profiles WHERE id = ANY($1)`, userIDs)
	contacts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (dm.Contact, error) {
		var c dm.Contact
		err := row.Scan(&c.UserID, &c.DisplayName, &c.AvatarRef)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("get profiles: %w", err)
	}
	return contacts, nil
}

// PutProfile upserts a profile row.
func (s *Store) PutProfile(ctx context.Context, contact dm.Contact) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profiles (id, display_name, avatar_url) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, avatar_url = EXCLUDED.avatar_url
	`, contact.UserID, contact.DisplayName, contact.AvatarRef)
	if err != nil {
		return fmt.Errorf("put profile: %w", err)
	}
	return nil
}
