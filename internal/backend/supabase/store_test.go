package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/dmsync/internal/model/dm"
)

func newTestStore(t *testing.T, handler http.HandlerFunc) *Store {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	rest, err := NewREST(Config{
		URL:          srv.URL,
		AnonKey:      "anon",
		AccessToken:  func() string { return "user-jwt" },
		ReadRetries:  2,
		RetryBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	return NewStore(rest)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestCreateOrGetConversationFallsBackToSelect(t *testing.T) {
	var posted map[string]string
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/conversations", r.URL.Path)
		assert.Equal(t, "anon", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer user-jwt", r.Header.Get("Authorization"))

		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, "participant_low,participant_high", r.URL.Query().Get("on_conflict"))
			assert.Equal(t, "resolution=ignore-duplicates,return=representation", r.Header.Get("Prefer"))
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &posted))
			// duplicate ignored: nothing returned
			writeJSON(w, http.StatusCreated, []any{})
		case http.MethodGet:
			assert.Equal(t, "eq.alice", r.URL.Query().Get("participant_low"))
			assert.Equal(t, "eq.bob", r.URL.Query().Get("participant_high"))
			assert.Equal(t, "1", r.URL.Query().Get("limit"))
			writeJSON(w, http.StatusOK, []map[string]string{{
				"id":               "c1",
				"participant_low":  "alice",
				"participant_high": "bob",
				"created_at":       "2024-05-01T10:00:00.123456+00:00",
			}})
		}
	})

	pair, err := dm.NewPair("bob", "alice")
	require.NoError(t, err)
	conv, err := store.CreateOrGetConversation(context.Background(), pair)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"participant_low": "alice", "participant_high": "bob"}, posted)
	assert.Equal(t, "c1", conv.ID)
	assert.Equal(t, "alice", conv.ParticipantLow)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC), conv.CreatedAt)
}

func TestCreateOrGetConversationReturnsInsertedRow(t *testing.T) {
	var gets atomic.Int32
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		writeJSON(w, http.StatusCreated, []map[string]string{{
			"id": "c2", "participant_low": "a", "participant_high": "b", "created_at": "2024-05-01 10:00:00+00",
		}})
	})

	pair, err := dm.NewPair("a", "b")
	require.NoError(t, err)
	conv, err := store.CreateOrGetConversation(context.Background(), pair)
	require.NoError(t, err)
	assert.Equal(t, "c2", conv.ID)
	assert.Zero(t, gets.Load())
}

func TestListConversationsFiltersBothColumns(t *testing.T) {
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "(participant_low.eq.alice,participant_high.eq.alice)", r.URL.Query().Get("or"))
		assert.Equal(t, "created_at.desc", r.URL.Query().Get("order"))
		writeJSON(w, http.StatusOK, []map[string]string{
			{"id": "c2", "participant_low": "alice", "participant_high": "carol", "created_at": "2024-05-02T00:00:00Z"},
			{"id": "c1", "participant_low": "alice", "participant_high": "bob", "created_at": "2024-05-01T00:00:00Z"},
		})
	})

	convs, err := store.ListConversations(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "c2", convs[0].ID)
}

func TestListMessagesReturnsOldestFirst(t *testing.T) {
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/messages", r.URL.Path)
		assert.Equal(t, "eq.c1", r.URL.Query().Get("conversation_id"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, []map[string]string{
			{"id": "m3", "conversation_id": "c1", "sender_id": "bob", "body": "third", "created_at": "2024-05-01T10:00:03Z"},
			{"id": "m2", "conversation_id": "c1", "sender_id": "alice", "body": "second", "client_id": "k2", "created_at": "2024-05-01T10:00:02Z"},
			{"id": "m1", "conversation_id": "c1", "sender_id": "bob", "body": "first", "created_at": "2024-05-01T10:00:01Z"},
		})
	})

	msgs, err := store.ListMessages(context.Background(), "c1", 20)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	assert.Equal(t, "k2", msgs[1].ClientID)
}

func TestReadsRetryTransientFailures(t *testing.T) {
	var calls atomic.Int32
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "try later"})
			return
		}
		writeJSON(w, http.StatusOK, []any{})
	})

	_, err := store.ListConversations(context.Background(), "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
}

func TestWritesAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"code": "PGRST000", "message": "down"})
	})

	_, err := store.InsertMessage(context.Background(), dm.NewMessage{ConversationID: "c1", SenderID: "alice", Body: "hi", ClientID: "k1"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, "PGRST000", apiErr.Code)
	assert.EqualValues(t, 1, calls.Load())
}

func TestInsertMessageSendsClientID(t *testing.T) {
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "k1", body["client_id"])
		assert.Equal(t, "c1", body["conversation_id"])
		writeJSON(w, http.StatusCreated, []map[string]string{{
			"id": "m1", "conversation_id": "c1", "sender_id": "alice", "body": "hi", "client_id": "k1", "created_at": "2024-05-01T10:00:00Z",
		}})
	})

	msg, err := store.InsertMessage(context.Background(), dm.NewMessage{ConversationID: "c1", SenderID: "alice", Body: "hi", ClientID: "k1"})
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "k1", msg.ClientID)
}

func TestGetProfilesUsesInFilter(t *testing.T) {
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `in.("bob","carol")`, r.URL.Query().Get("id"))
		writeJSON(w, http.StatusOK, []map[string]string{
			{"id": "bob", "display_name": "Bob", "avatar_url": "https://cdn/bob.png"},
		})
	})

	contacts, err := store.GetProfiles(context.Background(), []string{"bob", "carol"})
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, dm.Contact{UserID: "bob", DisplayName: "Bob", AvatarRef: "https://cdn/bob.png"}, contacts[0])
}

func TestGetProfilesSkipsEmptyRequest(t *testing.T) {
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL)
	})
	contacts, err := store.GetProfiles(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, contacts)
}
