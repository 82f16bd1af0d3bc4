package pairing

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mbeukes/cicada/internal/identity"
	"github.com/mbeukes/cicada/internal/storage"
	"github.com/mbeukes/cicada/internal/types"
)

func newTestManager(t *testing.T) (*Manager, *identity.Store) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ids := identity.NewStore(db)
	return NewManager(db, ids), ids
}

func testRef() types.ChannelRef {
	return types.ChannelRef{Channel: types.ChannelTelegram, NativeID: "12345"}
}

func TestRequestPairingIssuesCode(t *testing.T) {
	m, ids := newTestManager(t)

	code, err := m.RequestPairing(testRef(), "Alice")
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	if len(code) != codeLength {
		t.Errorf("code length = %d, want %d", len(code), codeLength)
	}
	for _, c := range code {
		ok := false
		for _, a := range codeAlphabet {
			if c == a {
				ok = true
				break
			}
		}
		if !ok {
			t.Errorf("code %q contains %q outside alphabet", code, c)
		}
	}

	link, err := ids.Lookup(testRef())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if link.Status != identity.StatusPending {
		t.Errorf("status = %s, want pending", link.Status)
	}
}

func TestRequestPairingSecondCallReturnsSameCode(t *testing.T) {
	m, _ := newTestManager(t)

	code1, err := m.RequestPairing(testRef(), "Alice")
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	code2, err := m.RequestPairing(testRef(), "Alice")
	if err != ErrAlreadyPending {
		t.Fatalf("second request err = %v, want ErrAlreadyPending", err)
	}
	if code2 != code1 {
		t.Errorf("second request returned %q, want the original %q", code2, code1)
	}
}

func TestApproveCreatesUserAndLinks(t *testing.T) {
	m, ids := newTestManager(t)

	code, _ := m.RequestPairing(testRef(), "Alice")
	userID, err := m.Approve(code)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}

	link, err := ids.Lookup(testRef())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if link.Status != identity.StatusApproved {
		t.Errorf("status = %s, want approved", link.Status)
	}
	if link.UserID != userID {
		t.Errorf("link user = %q, want %q", link.UserID, userID)
	}

	u, err := ids.GetUser(userID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.DisplayName != "Alice" {
		t.Errorf("display name = %q, want Alice", u.DisplayName)
	}
}

func TestApproveIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)

	code, _ := m.RequestPairing(testRef(), "Alice")
	id1, err := m.Approve(code)
	if err != nil {
		t.Fatalf("first approve: %v", err)
	}
	id2, err := m.Approve(code)
	if err != nil {
		t.Fatalf("second approve: %v", err)
	}
	if id1 != id2 {
		t.Errorf("second approve returned %q, want %q", id2, id1)
	}
}

func TestApproveAcceptsLowercaseCode(t *testing.T) {
	m, ids := newTestManager(t)

	code, _ := m.RequestPairing(testRef(), "Alice")
	userID, err := m.Approve(strings.ToLower(code))
	if err != nil {
		t.Fatalf("Approve lowercase: %v", err)
	}

	link, err := ids.Lookup(testRef())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if link.Status != identity.StatusApproved || link.UserID != userID {
		t.Errorf("link = %+v, want approved for %s", link, userID)
	}
}

func TestApproveAsLinksExistingUser(t *testing.T) {
	m, ids := newTestManager(t)

	code, _ := m.RequestPairing(testRef(), "Alice")
	userID, err := m.Approve(code)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}

	sgRef := types.ChannelRef{Channel: types.ChannelSignal, NativeID: "+15551234"}
	code2, err := m.RequestPairing(sgRef, "Alice")
	if err != nil {
		t.Fatalf("second RequestPairing: %v", err)
	}
	got, err := m.ApproveAs(code2, userID)
	if err != nil {
		t.Fatalf("ApproveAs: %v", err)
	}
	if got != userID {
		t.Errorf("ApproveAs returned %q, want %q", got, userID)
	}

	link, err := ids.Lookup(sgRef)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if link.UserID != userID {
		t.Errorf("signal link user = %q, want %q", link.UserID, userID)
	}

	links, err := ids.Links(userID)
	if err != nil {
		t.Fatalf("Links: %v", err)
	}
	if len(links) != 2 {
		t.Errorf("links = %d, want 2", len(links))
	}
}

func TestApproveAsUnknownUser(t *testing.T) {
	m, _ := newTestManager(t)

	code, _ := m.RequestPairing(testRef(), "Alice")
	if _, err := m.ApproveAs(code, "nope"); err != identity.ErrUnknownUser {
		t.Errorf("err = %v, want ErrUnknownUser", err)
	}

	// The code survives a bad user ID for a later correct approve.
	if _, err := m.Approve(code); err != nil {
		t.Errorf("approve after failed ApproveAs: %v", err)
	}
}

func TestRejectForgetsCode(t *testing.T) {
	m, ids := newTestManager(t)

	code, _ := m.RequestPairing(testRef(), "Alice")
	if err := m.Reject(code); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	if _, err := m.Approve(code); err != ErrUnknownCode {
		t.Errorf("approve after reject err = %v, want ErrUnknownCode", err)
	}

	link, _ := ids.Lookup(testRef())
	if link.Status != identity.StatusDenied {
		t.Errorf("status = %s, want denied", link.Status)
	}
}

func TestExpiredCodeRevertsToUnpaired(t *testing.T) {
	m, ids := newTestManager(t)

	now := time.Now()
	m.now = func() time.Time { return now }

	code, err := m.RequestPairing(testRef(), "Alice")
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}

	m.now = func() time.Time { return now.Add(2 * time.Hour) }

	if _, err := m.Approve(code); err != ErrExpired {
		t.Fatalf("approve expired err = %v, want ErrExpired", err)
	}

	link, _ := ids.Lookup(testRef())
	if link.Status != identity.StatusUnpaired {
		t.Errorf("status = %s, want unpaired after expiry", link.Status)
	}

	// A fresh request gets a new code.
	code2, err := m.RequestPairing(testRef(), "Alice")
	if err != nil {
		t.Fatalf("request after expiry: %v", err)
	}
	if code2 == code {
		t.Error("new request reused the expired code")
	}
}

func TestRequestPairingAlreadyApproved(t *testing.T) {
	m, _ := newTestManager(t)

	code, _ := m.RequestPairing(testRef(), "Alice")
	if _, err := m.Approve(code); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if _, err := m.RequestPairing(testRef(), "Alice"); err != ErrAlreadyPaired {
		t.Errorf("request for paired identity err = %v, want ErrAlreadyPaired", err)
	}
}

func TestPendingListsOnlyLiveRequests(t *testing.T) {
	m, _ := newTestManager(t)

	refB := types.ChannelRef{Channel: types.ChannelSignal, NativeID: "+15551234"}
	codeA, _ := m.RequestPairing(testRef(), "Alice")
	if _, err := m.RequestPairing(refB, "Bob"); err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}

	if _, err := m.Approve(codeA); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	pending, err := m.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending count = %d, want 1", len(pending))
	}
	if pending[0].Ref != refB {
		t.Errorf("pending ref = %v, want %v", pending[0].Ref, refB)
	}
}
