package dm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/dmsync/internal/model/dm"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func durable(id, sender, body, clientID string, offset time.Duration) dm.Message {
	return dm.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       sender,
		Body:           body,
		ClientID:       clientID,
		CreatedAt:      epoch.Add(offset),
	}
}

func optimistic(clientID, body string) dm.Message {
	return dm.Message{
		ID:             dm.TempID(clientID),
		ConversationID: "c1",
		SenderID:       "me",
		Body:           body,
		ClientID:       clientID,
		CreatedAt:      epoch,
		Pending:        true,
	}
}

func ids(messages []dm.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.ID)
	}
	return out
}

func TestMessageLogDropsDuplicateIDs(t *testing.T) {
	l := newMessageLog("me", time.Minute, nil)
	l.seed([]dm.Message{durable("m1", "peer", "hey", "", 0)})

	assert.False(t, l.applyDurable(durable("m1", "peer", "hey", "", 0)))
	assert.True(t, l.applyDurable(durable("m2", "peer", "again", "", time.Second)))
	assert.False(t, l.applyDurable(durable("m2", "peer", "again", "", time.Second)))

	assert.Equal(t, []string{"m1", "m2"}, ids(l.messages()))
}

func TestMessageLogReconcilesByClientID(t *testing.T) {
	l := newMessageLog("me", time.Minute, nil)
	l.appendPending(optimistic("a", "same"))
	l.appendPending(optimistic("b", "same"))

	// the second send is acknowledged first
	require.True(t, l.applyDurable(durable("m2", "me", "same", "b", time.Second)))

	got := l.messages()
	require.Len(t, got, 2)
	assert.Equal(t, "m2", got[0].ID)
	assert.False(t, got[0].Pending)
	assert.Equal(t, dm.TempID("a"), got[1].ID)
	assert.True(t, got[1].Pending)
}

func TestMessageLogFallsBackToOldestBodyMatch(t *testing.T) {
	l := newMessageLog("me", time.Minute, nil)
	l.appendPending(optimistic("a", "hi"))
	l.appendPending(optimistic("b", "hi"))

	require.True(t, l.applyDurable(durable("m1", "me", "hi", "", time.Second)))

	got := l.messages()
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, dm.TempID("b"), got[1].ID)
}

func TestMessageLogAbsorbsEchoThatArrivedFirst(t *testing.T) {
	l := newMessageLog("me", time.Minute, nil)
	require.True(t, l.applyDurable(durable("m1", "me", "fast", "a", 0)))

	stored, absorbed := l.appendPending(optimistic("a", "fast"))
	assert.True(t, absorbed)
	assert.Equal(t, "m1", stored.ID)
	assert.Equal(t, 1, l.len())
}

func TestMessageLogForgetsEchoesOutsideWindow(t *testing.T) {
	now := epoch
	l := newMessageLog("me", time.Second, func() time.Time { return now })
	require.True(t, l.applyDurable(durable("m1", "me", "old", "a", 0)))

	now = now.Add(time.Minute)
	_, absorbed := l.appendPending(optimistic("a", "old"))
	assert.False(t, absorbed)
	assert.Equal(t, 2, l.len())
}

func TestMessageLogNeverAbsorbsByBody(t *testing.T) {
	l := newMessageLog("me", time.Minute, nil)
	// same user, written by a client that sends no correlation id
	require.True(t, l.applyDurable(durable("m1", "me", "ok", "", 0)))

	stored, absorbed := l.appendPending(optimistic("a", "ok"))
	assert.False(t, absorbed)
	assert.True(t, stored.Pending)
	assert.Equal(t, []string{"m1", dm.TempID("a")}, ids(l.messages()))
}

func TestMessageLogAbsorbsOnlyMatchingEcho(t *testing.T) {
	l := newMessageLog("me", time.Minute, nil)
	require.True(t, l.applyDurable(durable("m1", "me", "one", "x", 0)))
	require.True(t, l.applyDurable(durable("m2", "me", "two", "y", time.Second)))
	require.True(t, l.applyDurable(durable("m3", "me", "three", "z", 2*time.Second)))

	stored, absorbed := l.appendPending(optimistic("y", "two"))
	require.True(t, absorbed)
	assert.Equal(t, "m2", stored.ID)

	// the neighbours of the removed echo are still claimable
	stored, absorbed = l.appendPending(optimistic("z", "three"))
	require.True(t, absorbed)
	assert.Equal(t, "m3", stored.ID)
	stored, absorbed = l.appendPending(optimistic("x", "one"))
	require.True(t, absorbed)
	assert.Equal(t, "m1", stored.ID)
	assert.Equal(t, 3, l.len())
}

func TestMessageLogEchoFromAnotherDeviceIsNotClaimedByBody(t *testing.T) {
	l := newMessageLog("me", time.Minute, nil)
	require.True(t, l.applyDurable(durable("m1", "me", "ok", "other-device", 0)))

	_, absorbed := l.appendPending(optimistic("a", "ok"))
	assert.False(t, absorbed)
	assert.Equal(t, 2, l.len())
}

func TestMessageLogOrdering(t *testing.T) {
	l := newMessageLog("me", time.Minute, nil)
	l.applyDurable(durable("m3", "peer", "third", "", 3*time.Second))
	l.appendPending(optimistic("a", "mine"))
	l.applyDurable(durable("m1", "peer", "first", "", time.Second))
	l.applyDurable(durable("m2", "peer", "second", "", 2*time.Second))
	l.applyDurable(durable("m2b", "peer", "second again", "", 2*time.Second))

	got := l.messages()
	assert.Equal(t, []string{"m1", "m2", "m2b", "m3", dm.TempID("a")}, ids(got))
	for i := 1; i < len(got)-1; i++ {
		assert.False(t, got[i].CreatedAt.Before(got[i-1].CreatedAt))
	}
	last, ok := l.last()
	require.True(t, ok)
	assert.True(t, last.Pending)
}

func TestMessageLogRollback(t *testing.T) {
	l := newMessageLog("me", time.Minute, nil)
	l.seed([]dm.Message{durable("m1", "peer", "hey", "", 0)})
	l.appendPending(optimistic("a", "hello"))

	assert.True(t, l.rollback(dm.TempID("a")))
	assert.False(t, l.rollback(dm.TempID("a")))
	assert.Equal(t, []string{"m1"}, ids(l.messages()))
}

func TestMessageLogHistoryRetiresPendingTwin(t *testing.T) {
	l := newMessageLog("me", time.Minute, nil)
	l.appendPending(optimistic("a", "hello"))

	l.seed([]dm.Message{durable("m1", "me", "hello", "a", 0)})
	assert.Equal(t, []string{"m1"}, ids(l.messages()))

	// the write result arriving afterwards changes nothing
	assert.False(t, l.applyDurable(durable("m1", "me", "hello", "a", 0)))
	assert.Equal(t, 1, l.len())
}
