package identity

import (
	"sync"
)

// Holder is a settable identity provider. Watchers are called synchronously, in
// registration order, every time the user changes.
type Holder struct {
	mu       sync.Mutex
	userID   string
	watchers map[int]func(string)
	order    []int
	next     int
}

func NewHolder() *Holder {
	return &Holder{watchers: make(map[int]func(string))}
}

// NewSignedIn returns a holder already signed in as userID.
func NewSignedIn(userID string) *Holder {
	h := NewHolder()
	h.userID = userID
	return h
}

func (h *Holder) CurrentUserID() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.userID, h.userID != ""
}

// Set changes the signed-in user. An empty id signs out. Setting the current id
// again still notifies watchers.
func (h *Holder) Set(userID string) {
	h.mu.Lock()
	h.userID = userID
	watchers := make([]func(string), 0, len(h.order))
	for _, id := range h.order {
		watchers = append(watchers, h.watchers[id])
	}
	h.mu.Unlock()

	for _, fn := range watchers {
		fn(userID)
	}
}

// SignOut is Set("").
func (h *Holder) SignOut() {
	h.Set("")
}

func (h *Holder) Watch(fn func(userID string)) (cancel func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	h.watchers[id] = fn
	h.order = append(h.order, id)
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.watchers, id)
			for i, v := range h.order {
				if v == id {
					h.order = append(h.order[:i], h.order[i+1:]...)
					break
				}
			}
		})
	}
}
