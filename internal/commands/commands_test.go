package commands

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mbeukes/cicada/internal/cron"
	"github.com/mbeukes/cicada/internal/session"
	"github.com/mbeukes/cicada/internal/skills"
	"github.com/mbeukes/cicada/internal/storage"
	"github.com/mbeukes/cicada/internal/types"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec("INSERT INTO users (id, display_name, created_at) VALUES ('u1', 'Alice', 0)"); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	reg, err := skills.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	return &Handler{
		Sessions: session.NewManager(db, time.Hour),
		Skills:   reg,
		Cron:     cron.NewService(db, nil),
	}
}

func msg(text string) *types.InboundMessage {
	return types.NewInboundMessage(
		types.ChannelRef{Channel: types.ChannelTelegram, NativeID: "1"}, "Alice", text)
}

func TestPlainTextNotHandled(t *testing.T) {
	h := newTestHandler(t)
	if _, handled := h.Handle("u1", msg("hello there")); handled {
		t.Error("plain text treated as a command")
	}
}

func TestUnknownSlashCommandPassesThrough(t *testing.T) {
	h := newTestHandler(t)
	if _, handled := h.Handle("u1", msg("/dance")); handled {
		t.Error("unknown command should reach the backend")
	}
}

func TestCommandsList(t *testing.T) {
	h := newTestHandler(t)
	reply, handled := h.Handle("u1", msg("/commands"))
	if !handled {
		t.Fatal("not handled")
	}
	for _, want := range []string{"/new", "/skills", "/cron"} {
		if !strings.Contains(reply, want) {
			t.Errorf("reply missing %q", want)
		}
	}
}

func TestNewResetsSession(t *testing.T) {
	h := newTestHandler(t)

	s1, _, err := h.Sessions.Touch("u1")
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}

	if _, handled := h.Handle("u1", msg("/new")); !handled {
		t.Fatal("/new not handled")
	}

	s2, fresh, err := h.Sessions.Touch("u1")
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if !fresh || s2.ID == s1.ID {
		t.Error("session not reset")
	}
}

func TestCronAddAndList(t *testing.T) {
	h := newTestHandler(t)

	reply, handled := h.Handle("u1", msg("/cron add every 1h Check my inbox"))
	if !handled {
		t.Fatal("not handled")
	}
	if !strings.Contains(reply, "Created job") {
		t.Fatalf("reply = %q", reply)
	}

	reply, _ = h.Handle("u1", msg("/cron list"))
	if !strings.Contains(reply, "Check my inbox") {
		t.Errorf("list = %q", reply)
	}
}

func TestCronEmptyList(t *testing.T) {
	h := newTestHandler(t)
	reply, _ := h.Handle("u1", msg("/cron list"))
	if !strings.Contains(reply, "No scheduled jobs") {
		t.Errorf("reply = %q", reply)
	}
}

func TestParseAddCommand(t *testing.T) {
	sched, prompt, err := ParseAddCommand("every 1h Check my emails")
	if err != nil {
		t.Fatalf("every: %v", err)
	}
	if sched != "@every 1h" || prompt != "Check my emails" {
		t.Errorf("got %q %q", sched, prompt)
	}

	sched, prompt, err = ParseAddCommand("0 9 * * * Good morning!")
	if err != nil {
		t.Fatalf("cron expr: %v", err)
	}
	if sched != "0 9 * * *" || prompt != "Good morning!" {
		t.Errorf("got %q %q", sched, prompt)
	}

	if _, _, err := ParseAddCommand("nonsense"); err == nil {
		t.Error("accepted nonsense")
	}
	if _, _, err := ParseAddCommand(""); err == nil {
		t.Error("accepted empty input")
	}
}
