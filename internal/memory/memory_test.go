package memory

import (
	"path/filepath"
	"testing"

	"github.com/mbeukes/cicada/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s := NewStore(db)
	t.Cleanup(func() {
		s.Close()
		db.Close()
	})
	return s
}

func TestAppendAndQueryByRelevance(t *testing.T) {
	s := newTestStore(t)

	s.Append("u1", "prefers coffee over tea in the morning", SourceExplicit)
	s.Append("u1", "works as a marine biologist", SourceConversation)
	s.Append("u1", "birthday is March 14", SourceExplicit)

	entries, err := s.Query("u1", "marine biologist career", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no entries returned")
	}
	if entries[0].Content != "works as a marine biologist" {
		t.Errorf("top entry = %q, want the biologist fact", entries[0].Content)
	}
}

func TestQueryDeterministic(t *testing.T) {
	s := newTestStore(t)

	s.Append("u1", "likes hiking", SourceExplicit)
	s.Append("u1", "likes climbing", SourceExplicit)
	s.Append("u1", "likes swimming", SourceExplicit)

	first, err := s.Query("u1", "likes", 3)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := s.Query("u1", "likes", 3)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(again) != len(first) {
			t.Fatalf("run %d: count %d, want %d", i, len(again), len(first))
		}
		for j := range again {
			if again[j].ID != first[j].ID {
				t.Fatalf("run %d: order differs at %d (%d vs %d)", i, j, again[j].ID, first[j].ID)
			}
		}
	}
}

func TestQueryRecencyFallback(t *testing.T) {
	s := newTestStore(t)

	s.Append("u1", "oldest fact", SourceConversation)
	s.Append("u1", "middle fact", SourceConversation)
	s.Append("u1", "newest fact", SourceConversation)

	// A query with no indexable terms ranks by recency.
	entries, err := s.Query("u1", "??", 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("count = %d, want 2", len(entries))
	}
	if entries[0].Content != "newest fact" {
		t.Errorf("first = %q, want newest fact", entries[0].Content)
	}
}

func TestQueryIsPerUser(t *testing.T) {
	s := newTestStore(t)

	s.Append("u1", "alice likes jazz", SourceExplicit)
	s.Append("u2", "bob likes metal", SourceExplicit)

	entries, err := s.Query("u1", "likes", 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for _, e := range entries {
		if e.UserID != "u1" {
			t.Errorf("entry %d belongs to %q, leaked across users", e.ID, e.UserID)
		}
	}
	if len(entries) != 1 {
		t.Errorf("count = %d, want 1", len(entries))
	}
}

func TestMarkStaleHidesEntry(t *testing.T) {
	s := newTestStore(t)

	s.Append("u1", "lives in Amsterdam", SourceExplicit)
	entries, _ := s.Query("u1", "", 10)
	if len(entries) != 1 {
		t.Fatalf("count = %d, want 1", len(entries))
	}

	if err := s.MarkStale(entries[0].ID); err != nil {
		t.Fatalf("MarkStale: %v", err)
	}

	entries, _ = s.Query("u1", "", 10)
	if len(entries) != 0 {
		t.Errorf("stale entry still returned: %+v", entries)
	}

	// The row itself survives.
	n := 0
	if err := s.db.QueryRow("SELECT COUNT(*) FROM memory_entries WHERE user_id = 'u1'").Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if n != 1 {
		t.Errorf("rows = %d, want 1 (stale entries are kept)", n)
	}
}

func TestMarkStaleUnknown(t *testing.T) {
	s := newTestStore(t)
	if err := s.MarkStale(99); err == nil {
		t.Error("expected error for unknown entry")
	}
}

func TestFtsQuerySanitizes(t *testing.T) {
	cases := map[string]string{
		"":              "",
		"???":           "",
		"hello world":   `"hello" OR "world"`,
		`a "quoted" OR`: `"quoted" OR "or"`,
	}
	for in, want := range cases {
		if got := ftsQuery(in); got != want {
			t.Errorf("ftsQuery(%q) = %q, want %q", in, got, want)
		}
	}
}
