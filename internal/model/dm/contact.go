package dm

// PlaceholderName is shown when a profile cannot be fetched.
const PlaceholderName = "Unknown user"

// Contact is the display projection of the other participant of a conversation.
// It is cached best-effort and may be stale.
type Contact struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
	Placeholder bool   `json:"placeholder,omitempty"`
}

// PlaceholderContact is the fallback used when the profile fetch fails.
func PlaceholderContact(userID string) Contact {
	return Contact{UserID: userID, DisplayName: PlaceholderName, Placeholder: true}
}
