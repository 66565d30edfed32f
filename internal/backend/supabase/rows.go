package supabase

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zhouzirui/z-tavern/dmsync/internal/model/dm"
)

// pgTime accepts the timestamp shapes PostgREST and Realtime emit.
type pgTime struct {
	time.Time
}

var pgLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999Z07",
	"2006-01-02 15:04:05.999999Z07",
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
}

func (t *pgTime) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range pgLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", raw)
}

func (t pgTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

type conversationRow struct {
	ID              string `json:"id"`
	ParticipantLow  string `json:"participant_low"`
	ParticipantHigh string `json:"participant_high"`
	CreatedAt       pgTime `json:"created_at"`
}

func (r conversationRow) model() dm.Conversation {
	return dm.Conversation{
		ID:              r.ID,
		ParticipantLow:  r.ParticipantLow,
		ParticipantHigh: r.ParticipantHigh,
		CreatedAt:       r.CreatedAt.Time,
	}
}

type messageRow struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	ClientID       string `json:"client_id"`
	CreatedAt      pgTime `json:"created_at"`
}

func (r messageRow) model() dm.Message {
	return dm.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Body:           r.Body,
		ClientID:       r.ClientID,
		CreatedAt:      r.CreatedAt.Time,
	}
}

type profileRow struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

func (r profileRow) model() dm.Contact {
	return dm.Contact{UserID: r.ID, DisplayName: r.DisplayName, AvatarRef: r.AvatarURL}
}
