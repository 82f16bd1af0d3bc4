package cron

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mbeukes/cicada/internal/storage"
	"github.com/mbeukes/cicada/internal/types"
)

func newTestService(t *testing.T, runner Runner) *Service {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(
		"INSERT INTO users (id, display_name, created_at) VALUES ('u1', 'Alice', 0), ('u2', 'Bob', 0)",
	); err != nil {
		t.Fatalf("seed users: %v", err)
	}
	return NewService(db, runner)
}

func TestAddValidatesSchedule(t *testing.T) {
	s := newTestService(t, nil)

	if _, err := s.Add("u1", "not a schedule", "hi", types.ChannelTelegram, "c1"); err == nil {
		t.Error("accepted invalid schedule")
	}
	if _, err := s.Add("u1", "0 9 * * *", "", types.ChannelTelegram, "c1"); err == nil {
		t.Error("accepted empty prompt")
	}

	job, err := s.Add("u1", "0 9 * * *", "morning briefing", types.ChannelTelegram, "c1")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if job.ID == "" || job.Schedule != "0 9 * * *" {
		t.Errorf("job = %+v", job)
	}
}

func TestListIsPerUser(t *testing.T) {
	s := newTestService(t, nil)

	if _, err := s.Add("u1", "0 9 * * *", "briefing", types.ChannelTelegram, "c1"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add("u2", "0 10 * * *", "other", types.ChannelTelegram, "c2"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	jobs, err := s.List("u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 1 || jobs[0].UserID != "u1" {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestRemoveEnforcesOwnership(t *testing.T) {
	s := newTestService(t, nil)

	job, _ := s.Add("u1", "0 9 * * *", "briefing", types.ChannelTelegram, "c1")

	if err := s.Remove(job.ID, "u2"); err != ErrNotOwner {
		t.Errorf("foreign remove err = %v, want ErrNotOwner", err)
	}
	if err := s.Remove(job.ID, "u1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(job.ID, "u1"); err != ErrUnknownJob {
		t.Errorf("second remove err = %v, want ErrUnknownJob", err)
	}
}

func TestPauseResume(t *testing.T) {
	s := newTestService(t, nil)

	job, _ := s.Add("u1", "0 9 * * *", "briefing", types.ChannelTelegram, "c1")
	if err := s.Pause(job.ID, "u1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	jobs, _ := s.List("u1")
	if !jobs[0].Paused {
		t.Error("job not paused")
	}

	if err := s.Resume(job.ID, "u1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	jobs, _ = s.List("u1")
	if jobs[0].Paused {
		t.Error("job still paused")
	}
}

func TestRunNowInvokesRunner(t *testing.T) {
	var (
		mu    sync.Mutex
		fired []*Job
	)
	done := make(chan struct{}, 1)
	s := newTestService(t, func(job *Job) {
		mu.Lock()
		fired = append(fired, job)
		mu.Unlock()
		done <- struct{}{}
	})

	job, _ := s.Add("u1", "0 9 * * *", "briefing", types.ChannelTelegram, "c1")
	if err := s.RunNow(job.ID, "u1"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0].Prompt != "briefing" {
		t.Errorf("fired = %+v", fired)
	}

	jobs, _ := s.List("u1")
	if jobs[0].LastRunAt.IsZero() {
		t.Error("last run time not recorded")
	}
}

func TestRunNowEnforcesOwnership(t *testing.T) {
	s := newTestService(t, nil)
	job, _ := s.Add("u1", "0 9 * * *", "briefing", types.ChannelTelegram, "c1")
	if err := s.RunNow(job.ID, "u2"); err != ErrNotOwner {
		t.Errorf("err = %v, want ErrNotOwner", err)
	}
}
