package dm

import (
	"strings"
	"time"
)

// TempIDPrefix namespaces ids generated locally for optimistic messages. Durable
// ids are assigned by the store and never carry it.
const TempIDPrefix = "local-"

// Message is one entry of a conversation log. Durable messages are immutable once
// created; Pending marks an optimistic entry that has not been reconciled yet.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Body           string    `json:"body"`
	ClientID       string    `json:"clientId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	Pending        bool      `json:"pending,omitempty"`
}

// NewMessage is the durable write request for a message.
type NewMessage struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	ClientID       string `json:"client_id,omitempty"`
}

// TempID builds the optimistic id for a client correlation id.
func TempID(clientID string) string {
	return TempIDPrefix + clientID
}

// IsTempID reports whether id was generated locally.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}
