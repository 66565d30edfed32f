package dm

import (
	"errors"
	"time"
)

var (
	ErrEmptyParticipant = errors.New("participant id is required")
	ErrSelfPair         = errors.New("a conversation needs two distinct participants")
)

// Pair is the canonical (low, high) ordering of two participants.
type Pair struct {
	Low  string `json:"low"`
	High string `json:"high"`
}

// NewPair orders a and b so that Low < High. The order is plain byte-wise string
// comparison, identical on every client and in the durable store.
func NewPair(a, b string) (Pair, error) {
	if a == "" || b == "" {
		return Pair{}, ErrEmptyParticipant
	}
	if a == b {
		return Pair{}, ErrSelfPair
	}
	if a > b {
		a, b = b, a
	}
	return Pair{Low: a, High: b}, nil
}

// Key is the map key used for per-pair bookkeeping.
func (p Pair) Key() string {
	return p.Low + ":" + p.High
}

// Has reports whether userID is one of the participants.
func (p Pair) Has(userID string) bool {
	return userID != "" && (p.Low == userID || p.High == userID)
}

// Other returns the participant that is not userID.
func (p Pair) Other(userID string) string {
	if p.Low == userID {
		return p.High
	}
	return p.Low
}

// Conversation is a two-party thread. For any unordered pair of users at most one
// conversation is canonical; see Prefer.
type Conversation struct {
	ID              string    `json:"id"`
	ParticipantLow  string    `json:"participantLow"`
	ParticipantHigh string    `json:"participantHigh"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Pair returns the participants of the conversation.
func (c Conversation) Pair() Pair {
	return Pair{Low: c.ParticipantLow, High: c.ParticipantHigh}
}

// Peer returns the participant on the other side of self.
func (c Conversation) Peer(self string) string {
	return c.Pair().Other(self)
}

// Involves reports whether userID participates in the conversation.
func (c Conversation) Involves(userID string) bool {
	return c.Pair().Has(userID)
}

// Prefer picks the canonical row when the durable layer produced two conversations
// for the same pair: the oldest wins, ties broken by the smaller id.
func Prefer(a, b Conversation) Conversation {
	if a.ID == "" {
		return b
	}
	if b.ID == "" {
		return a
	}
	if b.CreatedAt.Before(a.CreatedAt) {
		return b
	}
	if a.CreatedAt.Equal(b.CreatedAt) && b.ID < a.ID {
		return b
	}
	return a
}
