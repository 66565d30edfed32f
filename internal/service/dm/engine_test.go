package dm_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/dmsync/internal/backend/memory"
	"github.com/zhouzirui/z-tavern/dmsync/internal/model/dm"
	dmservice "github.com/zhouzirui/z-tavern/dmsync/internal/service/dm"
	"github.com/zhouzirui/z-tavern/dmsync/internal/service/identity"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testConfig() dmservice.Config {
	return dmservice.Config{
		SubscribeMaxAttempts: 3,
		SubscribeBackoff:     time.Millisecond,
		SubscribeMaxBackoff:  2 * time.Millisecond,
	}
}

func startEngine(t *testing.T, store *memory.Store, holder *identity.Holder) *dmservice.Engine {
	t.Helper()
	engine := dmservice.NewEngine(store, store.Hub(), holder, dmservice.WithConfig(testConfig()))
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })
	return engine
}

func messagesOf(t *testing.T, engine *dmservice.Engine, conversationID string) []dm.Message {
	t.Helper()
	snap, err := engine.Snapshot(context.Background())
	require.NoError(t, err)
	for _, view := range snap.Conversations {
		if view.Conversation.ID == conversationID {
			return view.Messages
		}
	}
	return nil
}

func viewOf(t *testing.T, engine *dmservice.Engine, conversationID string) (dmservice.ConversationView, bool) {
	t.Helper()
	snap, err := engine.Snapshot(context.Background())
	require.NoError(t, err)
	for _, view := range snap.Conversations {
		if view.Conversation.ID == conversationID {
			return view, true
		}
	}
	return dmservice.ConversationView{}, false
}

func countBody(messages []dm.Message, body string) int {
	n := 0
	for _, m := range messages {
		if m.Body == body {
			n++
		}
	}
	return n
}

func seedConversation(t *testing.T, store *memory.Store, a, b string) dm.Conversation {
	t.Helper()
	pair, err := dm.NewPair(a, b)
	require.NoError(t, err)
	conv, err := store.CreateOrGetConversation(context.Background(), pair)
	require.NoError(t, err)
	return conv
}

func TestFirstMessageToNewPeer(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	alice := startEngine(t, store, identity.NewSignedIn("alice"))

	conv, state, err := alice.OpenChat(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, dmservice.StateOpen, state)

	msg, err := alice.Send(ctx, conv.ID, "hi")
	require.NoError(t, err)
	assert.False(t, dm.IsTempID(msg.ID))
	assert.False(t, msg.Pending)

	// the echo must not produce a second copy
	require.Never(t, func() bool {
		return countBody(messagesOf(t, alice, conv.ID), "hi") != 1
	}, 100*time.Millisecond, tick)

	got := messagesOf(t, alice, conv.ID)
	require.Len(t, got, 1)
	assert.Equal(t, msg.ID, got[0].ID)
	assert.False(t, got[0].Pending)
}

func TestPeerDiscoversNewConversation(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	bob := startEngine(t, store, identity.NewSignedIn("bob"))
	alice := startEngine(t, store, identity.NewSignedIn("alice"))

	conv, _, err := alice.OpenChat(ctx, "bob")
	require.NoError(t, err)
	_, err = alice.Send(ctx, conv.ID, "hi")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got := messagesOf(t, bob, conv.ID)
		return len(got) == 1 && got[0].Body == "hi" && got[0].SenderID == "alice"
	}, waitFor, tick)
	assert.Eventually(t, func() bool {
		return bob.State(conv.ID) == dmservice.StateOpen
	}, waitFor, tick)
}

func TestSendFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	alice := startEngine(t, store, identity.NewSignedIn("alice"))

	conv, _, err := alice.OpenChat(ctx, "bob")
	require.NoError(t, err)
	_, err = alice.Send(ctx, conv.ID, "first")
	require.NoError(t, err)
	before := len(messagesOf(t, alice, conv.ID))

	boom := errors.New("network down")
	store.SetFault(memory.OpInsertMessage, boom)
	_, err = alice.Send(ctx, conv.ID, "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, dmservice.ErrSendFailed)
	assert.ErrorIs(t, err, boom)

	got := messagesOf(t, alice, conv.ID)
	assert.Len(t, got, before)
	for _, m := range got {
		assert.False(t, dm.IsTempID(m.ID), "optimistic entry %s left behind", m.ID)
	}
}

func TestEmptyBodyNeverReachesStore(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	alice := startEngine(t, store, identity.NewSignedIn("alice"))
	conv, _, err := alice.OpenChat(ctx, "bob")
	require.NoError(t, err)

	_, err = alice.Send(ctx, conv.ID, " \n\t ")
	assert.ErrorIs(t, err, dmservice.ErrEmptyBody)

	stored, err := store.ListMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Empty(t, messagesOf(t, alice, conv.ID))
}

func TestSendToUnknownConversation(t *testing.T) {
	store := memory.NewStore(nil)
	alice := startEngine(t, store, identity.NewSignedIn("alice"))

	_, err := alice.Send(context.Background(), "nope", "hi")
	assert.ErrorIs(t, err, dmservice.ErrUnknownConversation)
}

func TestSendIsWrittenDespiteSameBodyFromOtherClient(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	conv := seedConversation(t, store, "alice", "bob")
	alice := startEngine(t, store, identity.NewSignedIn("alice"))
	require.Equal(t, dmservice.StateOpen, alice.State(conv.ID))

	// alice's other device writes without a correlation id
	other, err := store.InsertMessage(ctx, dm.NewMessage{ConversationID: conv.ID, SenderID: "alice", Body: "ok"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return countBody(messagesOf(t, alice, conv.ID), "ok") == 1
	}, waitFor, tick)

	sent, err := alice.Send(ctx, conv.ID, "ok")
	require.NoError(t, err)
	assert.NotEqual(t, other.ID, sent.ID)

	rows, err := store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, countBody(rows, "ok"))
	require.Eventually(t, func() bool {
		got := messagesOf(t, alice, conv.ID)
		return countBody(got, "ok") == 2 && !got[len(got)-1].Pending
	}, waitFor, tick)
}

func TestRedeliveredMessageAppendsOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	conv := seedConversation(t, store, "alice", "bob")
	alice := startEngine(t, store, identity.NewSignedIn("alice"))
	require.Equal(t, dmservice.StateOpen, alice.State(conv.ID))

	store.Hub().Redeliver(true)
	msg, err := store.InsertMessage(ctx, dm.NewMessage{ConversationID: conv.ID, SenderID: "bob", Body: "twice"})
	require.NoError(t, err)
	store.Hub().Publish(dmservice.Event{Message: &msg})

	require.Eventually(t, func() bool {
		return len(messagesOf(t, alice, conv.ID)) == 1
	}, waitFor, tick)
	require.Never(t, func() bool {
		return len(messagesOf(t, alice, conv.ID)) != 1
	}, 100*time.Millisecond, tick)
}

func TestCloseAndReopenKeepsOneSubscription(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	conv := seedConversation(t, store, "alice", "bob")
	alice := startEngine(t, store, identity.NewSignedIn("alice"))
	topic := dmservice.Topic{Kind: dmservice.TopicConversation, UserID: "alice", ConversationID: conv.ID}

	opened, _, err := alice.OpenChat(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, conv.ID, opened.ID)
	require.NoError(t, alice.CloseChat(ctx, conv.ID))
	_, _, err = alice.OpenChat(ctx, "bob")
	require.NoError(t, err)

	assert.Equal(t, 1, store.Hub().Active(topic))
	assert.Equal(t, 1, alice.OpenSubscriptions())
}

func TestChatReferencesAreBalanced(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	conv := seedConversation(t, store, "alice", "bob")
	alice := startEngine(t, store, identity.NewSignedIn("alice"))

	for i := 0; i < 3; i++ {
		_, _, err := alice.OpenChat(ctx, "bob")
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, alice.CloseChat(ctx, conv.ID))
	}
	assert.ErrorIs(t, alice.CloseChat(ctx, conv.ID), dmservice.ErrNotOpen)

	// the inbox still holds its own reference
	assert.Equal(t, dmservice.StateOpen, alice.State(conv.ID))
	assert.Equal(t, 1, alice.OpenSubscriptions())
}

func TestResolveFromBothSidesYieldsOneConversation(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	alice := startEngine(t, store, identity.NewSignedIn("alice"))
	bob := startEngine(t, store, identity.NewSignedIn("bob"))

	const rounds = 8
	ids := make(chan string, rounds*2)
	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			conv, _, err := alice.OpenChat(ctx, "bob")
			if assert.NoError(t, err) {
				ids <- conv.ID
			}
		}()
		go func() {
			defer wg.Done()
			conv, _, err := bob.OpenChat(ctx, "alice")
			if assert.NoError(t, err) {
				ids <- conv.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{})
	for id := range ids {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 1)

	rows, err := store.ListConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestNotSignedInIsANoOp(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	engine := startEngine(t, store, identity.NewHolder())

	_, err := engine.Snapshot(ctx)
	assert.ErrorIs(t, err, dmservice.ErrNotSignedIn)
	_, _, err = engine.OpenChat(ctx, "bob")
	assert.ErrorIs(t, err, dmservice.ErrNotSignedIn)
	_, err = engine.Send(ctx, "c1", "hi")
	assert.ErrorIs(t, err, dmservice.ErrNotSignedIn)
	assert.ErrorIs(t, engine.CloseChat(ctx, "c1"), dmservice.ErrNotSignedIn)
	assert.Equal(t, 0, store.Hub().Total())
}

func TestSignOutDiscardsState(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	conv := seedConversation(t, store, "alice", "bob")
	holder := identity.NewSignedIn("alice")
	alice := startEngine(t, store, holder)

	resets := make(chan struct{}, 4)
	cancel := alice.Listen(func(u dmservice.Update) {
		if u.Kind == dmservice.UpdateReset {
			resets <- struct{}{}
		}
	})
	defer cancel()

	_, _, err := alice.OpenChat(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 2, store.Hub().Total())

	holder.SignOut()
	assert.Equal(t, 0, store.Hub().Total())
	_, err = alice.Snapshot(ctx)
	assert.ErrorIs(t, err, dmservice.ErrNotSignedIn)
	select {
	case <-resets:
	case <-time.After(waitFor):
		t.Fatal("no reset update after sign-out")
	}

	holder.Set("alice")
	_, ok := viewOf(t, alice, conv.ID)
	assert.True(t, ok)
	assert.Equal(t, 2, store.Hub().Total())
}

func TestBootstrapLoadsInbox(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	withBob := seedConversation(t, store, "alice", "bob")
	withCarol := seedConversation(t, store, "carol", "alice")
	store.PutProfile(dm.Contact{UserID: "bob", DisplayName: "Bob"})
	_, err := store.InsertMessage(ctx, dm.NewMessage{ConversationID: withBob.ID, SenderID: "bob", Body: "one"})
	require.NoError(t, err)
	_, err = store.InsertMessage(ctx, dm.NewMessage{ConversationID: withBob.ID, SenderID: "alice", Body: "two"})
	require.NoError(t, err)

	alice := startEngine(t, store, identity.NewSignedIn("alice"))

	snap, err := alice.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Conversations, 2)
	assert.Equal(t, "alice", snap.UserID)

	bobView, ok := viewOf(t, alice, withBob.ID)
	require.True(t, ok)
	assert.Equal(t, "Bob", bobView.Contact.DisplayName)
	require.Len(t, bobView.Messages, 2)
	assert.Equal(t, "one", bobView.Messages[0].Body)
	assert.Equal(t, dmservice.StateOpen, bobView.State)

	carolView, ok := viewOf(t, alice, withCarol.ID)
	require.True(t, ok)
	assert.True(t, carolView.Contact.Placeholder)
	assert.Equal(t, dm.PlaceholderName, carolView.Contact.DisplayName)

	assert.Equal(t, 1, store.Hub().Active(dmservice.Topic{Kind: dmservice.TopicInbox, UserID: "alice"}))
	assert.Equal(t, 2, alice.OpenSubscriptions())
}

func TestBootstrapWithNoConversationsStillOpensDiscovery(t *testing.T) {
	store := memory.NewStore(nil)
	holder := identity.NewSignedIn("alice")
	startEngine(t, store, holder)

	inbox := dmservice.Topic{Kind: dmservice.TopicInbox, UserID: "alice"}
	assert.Equal(t, 1, store.Hub().Active(inbox))

	// a repeated identity event must not bootstrap twice
	holder.Set("alice")
	assert.Equal(t, 1, store.Hub().Active(inbox))
}

func TestBootstrapToleratesProfileAndHistoryFailures(t *testing.T) {
	store := memory.NewStore(nil)
	conv := seedConversation(t, store, "alice", "bob")
	_, err := store.InsertMessage(context.Background(), dm.NewMessage{ConversationID: conv.ID, SenderID: "bob", Body: "lost"})
	require.NoError(t, err)
	store.SetFault(memory.OpGetProfiles, errors.New("profiles down"))
	store.SetFault(memory.OpListMessages, errors.New("history down"))

	alice := startEngine(t, store, identity.NewSignedIn("alice"))

	view, ok := viewOf(t, alice, conv.ID)
	require.True(t, ok)
	assert.Empty(t, view.Messages)
	assert.True(t, view.Contact.Placeholder)
	assert.Equal(t, dmservice.StateOpen, view.State)
}

func TestBootstrapFailureSurfaces(t *testing.T) {
	store := memory.NewStore(nil)
	store.SetFault(memory.OpListConversations, errors.New("store down"))
	engine := dmservice.NewEngine(store, store.Hub(), identity.NewSignedIn("alice"), dmservice.WithConfig(testConfig()))
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	err := engine.Start(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "store down"))
}

func TestDuplicateRowsPreferOldest(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	now := time.Now().UTC()
	newer := dm.Conversation{ID: "newer", ParticipantLow: "alice", ParticipantHigh: "bob", CreatedAt: now}
	older := dm.Conversation{ID: "older", ParticipantLow: "alice", ParticipantHigh: "bob", CreatedAt: now.Add(-time.Hour)}
	store.PutConversation(newer)
	store.PutConversation(older)

	alice := startEngine(t, store, identity.NewSignedIn("alice"))

	snap, err := alice.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Conversations, 1)
	assert.Equal(t, "older", snap.Conversations[0].Conversation.ID)

	conv, _, err := alice.OpenChat(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "older", conv.ID)
}

func TestDegradedSubscriptionRecoversOnOpen(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	conv := seedConversation(t, store, "alice", "bob")
	_, err := store.InsertMessage(ctx, dm.NewMessage{ConversationID: conv.ID, SenderID: "bob", Body: "stale but readable"})
	require.NoError(t, err)
	boom := errors.New("join refused")
	store.Hub().FailSubscribe(boom, boom, boom)

	alice := startEngine(t, store, identity.NewSignedIn("alice"))

	view, ok := viewOf(t, alice, conv.ID)
	require.True(t, ok)
	assert.Equal(t, dmservice.StateDegraded, view.State)
	assert.Len(t, view.Messages, 1)
	assert.Equal(t, 1, store.Hub().Active(dmservice.Topic{Kind: dmservice.TopicInbox, UserID: "alice"}))

	_, state, err := alice.OpenChat(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, dmservice.StateOpen, state)
}

func TestListenersSeeOptimisticAndDurableStates(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	alice := startEngine(t, store, identity.NewSignedIn("alice"))
	conv, _, err := alice.OpenChat(ctx, "bob")
	require.NoError(t, err)

	var mu sync.Mutex
	var sawPending, sawDurable bool
	cancel := alice.Listen(func(u dmservice.Update) {
		if u.Kind != dmservice.UpdateMessages || u.ConversationID != conv.ID {
			return
		}
		// listeners may call back into the engine
		_, _ = alice.Snapshot(ctx)
		mu.Lock()
		defer mu.Unlock()
		for _, m := range u.Messages {
			if m.Body != "yo" {
				continue
			}
			if m.Pending {
				sawPending = true
			} else {
				sawDurable = true
			}
		}
	})
	defer cancel()

	_, err = alice.Send(ctx, conv.ID, "yo")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sawPending && sawDurable
	}, waitFor, tick)
}
