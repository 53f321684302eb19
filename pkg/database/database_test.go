package database

import (
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New("file::memory:?cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateAndGet(t *testing.T) {
	db := newTestDB(t)
	n := &Note{ID: "abcd", Content: "hello", Syntax: "plaintext"}
	if err := db.Create(n, 1000); err != nil {
		t.Fatal(err)
	}

	got, err := db.Get("abcd")
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "hello" || got.Version != 1 {
		t.Fatalf("unexpected note: %+v", got)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.Get("nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateDetectsVersionConflict(t *testing.T) {
	db := newTestDB(t)
	n := &Note{ID: "abcd", Content: "v1"}
	if err := db.Create(n, 1000); err != nil {
		t.Fatal(err)
	}

	n.Content = "v2"
	if err := db.Update(n, 1, 1001); err != nil {
		t.Fatal(err)
	}
	if n.Version != 2 {
		t.Fatalf("expected version 2, got %d", n.Version)
	}

	stale := &Note{ID: "abcd", Content: "v3"}
	if err := db.Update(stale, 1, 1002); err != ErrVersionConflict {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestTouchIncrementsViewCount(t *testing.T) {
	db := newTestDB(t)
	n := &Note{ID: "abcd"}
	if err := db.Create(n, 1000); err != nil {
		t.Fatal(err)
	}

	count, err := db.Touch("abcd", 1001)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected view count 1, got %d", count)
	}
}

func TestExpiredIDsFindsStaleAndExpired(t *testing.T) {
	db := newTestDB(t)

	expiresAt := int64(500)
	expired := &Note{ID: "expired", ExpiresAt: &expiresAt}
	if err := db.Create(expired, 100); err != nil {
		t.Fatal(err)
	}
	fresh := &Note{ID: "fresh"}
	if err := db.Create(fresh, 100); err != nil {
		t.Fatal(err)
	}

	now := int64(1000)
	ids, err := db.ExpiredIDs(now, 90*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, id := range ids {
		if id == "expired" {
			found = true
		}
		if id == "fresh" {
			t.Fatal("fresh note should not be reported as expired")
		}
	}
	if !found {
		t.Fatal("expected expired note in results")
	}
}
