package cache

import (
	"path/filepath"
	"testing"

	"github.com/fanrelay/fanrelay/internal/logging"
	"github.com/fanrelay/fanrelay/internal/normalize"
)

func init() {
	logging.Disable()
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGet(t *testing.T) {
	s := openTestStore(t)
	s.UpsertOne(TableMessages, normalize.Record{"id": "m1", "text": "hi"})

	got, ok, err := s.Get(TableMessages, "m1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got["text"] != "hi" {
		t.Fatalf("text = %v", got["text"])
	}
}

func TestUpsertReplacesWholeRecord(t *testing.T) {
	s := openTestStore(t)
	s.UpsertOne(TableChats, normalize.Record{"id": "c1", "name": "old", "extra": "kept?"})
	s.UpsertOne(TableChats, normalize.Record{"id": "c1", "name": "new"})

	got, ok, _ := s.Get(TableChats, "c1")
	if !ok {
		t.Fatal("record missing")
	}
	if got["name"] != "new" {
		t.Fatalf("name = %v", got["name"])
	}
	if _, present := got["extra"]; present {
		t.Fatal("upsert merged instead of replacing")
	}
}

func TestInvalidRecordsSkipped(t *testing.T) {
	s := openTestStore(t)
	s.UpsertOne(TableMessages, normalize.Record{"text": "no id"})
	s.UpsertOne(TableMessages, normalize.Record{"id": "", "text": "empty id"})
	s.UpsertOne(TableMessages, normalize.Record{"id": map[string]any{}, "text": "object id"})

	n, err := s.Count(TableMessages)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Fatalf("stored %d invalid records", n)
	}
}

func TestUpsertManySkipsInvalidKeepsValid(t *testing.T) {
	s := openTestStore(t)
	s.UpsertMany(TableMessages, []normalize.Record{
		{"id": "m1"},
		{"text": "invalid"},
		{"id": "m2"},
	})
	n, _ := s.Count(TableMessages)
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}

func TestNumericAndStringIDCollide(t *testing.T) {
	s := openTestStore(t)
	s.UpsertOne(TableUsers, normalize.Record{"id": float64(42), "v": "first"})
	s.UpsertOne(TableUsers, normalize.Record{"id": "42", "v": "second"})

	n, _ := s.Count(TableUsers)
	if n != 1 {
		t.Fatalf("count = %d, want 1 (same canonical key)", n)
	}
	got, _, _ := s.Get(TableUsers, 42)
	if got["v"] != "second" {
		t.Fatalf("v = %v, want last write", got["v"])
	}
}

func TestGetAllEmpty(t *testing.T) {
	s := openTestStore(t)
	recs, err := s.GetAll(TableChats)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("len = %d", len(recs))
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Get(TableMessages, "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false")
	}
}

func TestTablesIndependent(t *testing.T) {
	s := openTestStore(t)
	s.UpsertOne(TableMessages, normalize.Record{"id": "x"})
	s.UpsertOne(TableChats, normalize.Record{"id": "x"})

	if n, _ := s.Count(TableMessages); n != 1 {
		t.Fatalf("messages count = %d", n)
	}
	if n, _ := s.Count(TableUsers); n != 0 {
		t.Fatalf("users count = %d", n)
	}
}

func TestStateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if v, err := s.State("user_id"); err != nil || v != "" {
		t.Fatalf("unset state: v=%q err=%v", v, err)
	}
	if err := s.SetState("user_id", "123"); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := s.SetState("user_id", "456"); err != nil {
		t.Fatalf("SetState overwrite: %v", err)
	}
	v, err := s.State("user_id")
	if err != nil || v != "456" {
		t.Fatalf("State: v=%q err=%v", v, err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.UpsertOne(TableMessages, normalize.Record{"id": "m1", "text": "survives"})
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, ok, _ := s2.Get(TableMessages, "m1")
	if !ok || got["text"] != "survives" {
		t.Fatalf("got %v ok=%v", got, ok)
	}
}

func TestIDString(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{"abc", "abc"},
		{float64(42), "42"},
		{float64(1.5), "1.5"},
		{int64(7), "7"},
		{3, "3"},
	}
	for _, tc := range cases {
		if got := IDString(tc.in); got != tc.want {
			t.Errorf("IDString(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
