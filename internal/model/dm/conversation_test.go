package dm

import (
	"testing"
	"time"
)

func TestNewPairIsOrderIndependent(t *testing.T) {
	ab, err := NewPair("alice", "bob")
	if err != nil {
		t.Fatalf("NewPair err: %v", err)
	}
	ba, err := NewPair("bob", "alice")
	if err != nil {
		t.Fatalf("NewPair err: %v", err)
	}
	if ab != ba {
		t.Fatalf("expected identical pairs, got %+v and %+v", ab, ba)
	}
	if ab.Low != "alice" || ab.High != "bob" {
		t.Fatalf("unexpected ordering: %+v", ab)
	}
	if ab.Other("alice") != "bob" || ab.Other("bob") != "alice" {
		t.Fatalf("Other returned the wrong participant")
	}
}

func TestNewPairRejectsSelfAndEmpty(t *testing.T) {
	if _, err := NewPair("alice", "alice"); err != ErrSelfPair {
		t.Fatalf("expected ErrSelfPair, got %v", err)
	}
	if _, err := NewPair("", "bob"); err != ErrEmptyParticipant {
		t.Fatalf("expected ErrEmptyParticipant, got %v", err)
	}
}

func TestPreferKeepsOldestRow(t *testing.T) {
	now := time.Now()
	older := Conversation{ID: "z", CreatedAt: now.Add(-time.Minute)}
	newer := Conversation{ID: "a", CreatedAt: now}

	if got := Prefer(newer, older); got.ID != "z" {
		t.Fatalf("expected oldest row, got %s", got.ID)
	}
	if got := Prefer(older, newer); got.ID != "z" {
		t.Fatalf("expected oldest row, got %s", got.ID)
	}

	tieA := Conversation{ID: "b", CreatedAt: now}
	tieB := Conversation{ID: "a", CreatedAt: now}
	if got := Prefer(tieA, tieB); got.ID != "a" {
		t.Fatalf("expected smaller id on tie, got %s", got.ID)
	}
}

func TestTempIDNamespace(t *testing.T) {
	id := TempID("123")
	if !IsTempID(id) {
		t.Fatalf("expected %s to be a temp id", id)
	}
	if IsTempID("123") {
		t.Fatal("durable id must not look local")
	}
}
