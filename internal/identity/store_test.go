package identity

import (
	"path/filepath"
	"testing"

	"github.com/mbeukes/cicada/internal/storage"
	"github.com/mbeukes/cicada/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestLookupUnknownIdentityIsUnpaired(t *testing.T) {
	s := newTestStore(t)

	link, err := s.Lookup(types.ChannelRef{Channel: types.ChannelTelegram, NativeID: "999"})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if link.Status != StatusUnpaired {
		t.Errorf("status = %s, want unpaired", link.Status)
	}
	if link.UserID != "" {
		t.Errorf("user id = %q, want empty", link.UserID)
	}
}

func TestApprovedLinkRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ref := types.ChannelRef{Channel: types.ChannelTelegram, NativeID: "42"}

	u, err := s.CreateUser("Alice")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := s.SetLinkStatus(ref, StatusApproved, u.ID, "Alice"); err != nil {
		t.Fatalf("SetLinkStatus: %v", err)
	}

	link, err := s.Lookup(ref)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if link.Status != StatusApproved || link.UserID != u.ID {
		t.Errorf("link = %+v, want approved for %s", link, u.ID)
	}

	// Cached path returns the same result.
	link2, err := s.Lookup(ref)
	if err != nil {
		t.Fatalf("cached Lookup: %v", err)
	}
	if link2.UserID != u.ID {
		t.Errorf("cached user = %q, want %q", link2.UserID, u.ID)
	}
}

func TestSameUserMultipleChannels(t *testing.T) {
	s := newTestStore(t)

	u, _ := s.CreateUser("Alice")
	tg := types.ChannelRef{Channel: types.ChannelTelegram, NativeID: "42"}
	sg := types.ChannelRef{Channel: types.ChannelSignal, NativeID: "+15551234"}

	if err := s.SetLinkStatus(tg, StatusApproved, u.ID, "Alice"); err != nil {
		t.Fatalf("SetLinkStatus tg: %v", err)
	}
	if err := s.SetLinkStatus(sg, StatusApproved, u.ID, "Alice"); err != nil {
		t.Fatalf("SetLinkStatus sg: %v", err)
	}

	links, err := s.Links(u.ID)
	if err != nil {
		t.Fatalf("Links: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("links = %d, want 2", len(links))
	}
	for _, l := range links {
		if l.UserID != u.ID {
			t.Errorf("link %v resolves to %q, want %q", l.Ref, l.UserID, u.ID)
		}
	}
}

func TestDeniedLinkNotCached(t *testing.T) {
	s := newTestStore(t)
	ref := types.ChannelRef{Channel: types.ChannelTelegram, NativeID: "7"}

	if err := s.SetLinkStatus(ref, StatusDenied, "", "Mallory"); err != nil {
		t.Fatalf("SetLinkStatus: %v", err)
	}
	link, _ := s.Lookup(ref)
	if link.Status != StatusDenied {
		t.Errorf("status = %s, want denied", link.Status)
	}

	// A later approval written directly to the database (as the CLI
	// would) must be visible without cache invalidation.
	u, _ := s.CreateUser("Mallory")
	if err := s.SetLinkStatus(ref, StatusApproved, u.ID, "Mallory"); err != nil {
		t.Fatalf("SetLinkStatus approve: %v", err)
	}
	link, _ = s.Lookup(ref)
	if link.Status != StatusApproved {
		t.Errorf("status = %s, want approved", link.Status)
	}
}

func TestInvalidateCacheDropsStaleLink(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// Two stores over one database, as the daemon and CLI are.
	daemon := NewStore(db)
	cli := NewStore(db)
	ref := types.ChannelRef{Channel: types.ChannelTelegram, NativeID: "42"}

	u, _ := daemon.CreateUser("Alice")
	if err := daemon.SetLinkStatus(ref, StatusApproved, u.ID, "Alice"); err != nil {
		t.Fatalf("SetLinkStatus: %v", err)
	}
	if _, err := daemon.Lookup(ref); err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	if err := cli.SetLinkStatus(ref, StatusDenied, "", "Alice"); err != nil {
		t.Fatalf("cli SetLinkStatus: %v", err)
	}

	// The daemon's cached link is stale until the cache is dropped.
	link, _ := daemon.Lookup(ref)
	if link.Status != StatusApproved {
		t.Fatalf("status = %s, want stale approved before invalidation", link.Status)
	}
	daemon.InvalidateCache()
	link, _ = daemon.Lookup(ref)
	if link.Status != StatusDenied {
		t.Errorf("status = %s, want denied after invalidation", link.Status)
	}
}

func TestGetUserUnknown(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetUser("nope"); err != ErrUnknownUser {
		t.Errorf("err = %v, want ErrUnknownUser", err)
	}
}
