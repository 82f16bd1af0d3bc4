// Package cron runs per-user scheduled prompts. Each job fires a
// fresh-context dispatch and delivers the result to the channel the job
// was created from.
package cron

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	robfig "github.com/robfig/cron/v3"

	. "github.com/mbeukes/cicada/internal/logging"
	"github.com/mbeukes/cicada/internal/types"
)

var (
	ErrUnknownJob = errors.New("unknown cron job")
	ErrNotOwner   = errors.New("job belongs to another user")
)

// Job is one scheduled prompt.
type Job struct {
	ID       string
	UserID   string
	Schedule string // standard 5-field cron expression
	Prompt   string
	Channel  types.ChannelKind
	ReplyTo  string
	Paused   bool

	CreatedAt time.Time
	LastRunAt time.Time
}

// Runner executes a due job. The gateway provides this: it dispatches
// the prompt with a fresh backend context and routes the response to
// the job's channel.
type Runner func(job *Job)

// Service owns scheduling and persistence of jobs.
type Service struct {
	db     *sql.DB
	runner Runner
	sched  *robfig.Cron

	mu      sync.Mutex
	entries map[string]robfig.EntryID // job ID -> scheduler entry
}

func NewService(db *sql.DB, runner Runner) *Service {
	return &Service{
		db:      db,
		runner:  runner,
		sched:   robfig.New(),
		entries: make(map[string]robfig.EntryID),
	}
}

// Start loads persisted jobs and begins scheduling.
func (s *Service) Start() error {
	jobs, err := s.loadAll()
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.Paused {
			continue
		}
		if err := s.schedule(job); err != nil {
			L_warn("cron: failed to schedule stored job", "job", job.ID, "error", err)
		}
	}
	s.sched.Start()
	L_info("cron: started", "jobs", len(jobs))
	return nil
}

// Stop halts the scheduler, waiting for running jobs.
func (s *Service) Stop() {
	ctx := s.sched.Stop()
	<-ctx.Done()
}

// Add validates and persists a new job, scheduling it immediately.
func (s *Service) Add(userID, schedule, prompt string, channel types.ChannelKind, replyTo string) (*Job, error) {
	if _, err := robfig.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	if prompt == "" {
		return nil, errors.New("empty prompt")
	}

	job := &Job{
		ID:        uuid.New().String()[:8],
		UserID:    userID,
		Schedule:  schedule,
		Prompt:    prompt,
		Channel:   channel,
		ReplyTo:   replyTo,
		CreatedAt: time.Now(),
	}
	_, err := s.db.Exec(`
		INSERT INTO cron_jobs (id, user_id, schedule, prompt, channel, reply_to, paused, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		job.ID, job.UserID, job.Schedule, job.Prompt, string(job.Channel), job.ReplyTo, job.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store cron job: %w", err)
	}

	if err := s.schedule(job); err != nil {
		return nil, err
	}
	L_info("cron: job added", "job", job.ID, "user", userID, "schedule", schedule)
	return job, nil
}

// Remove deletes a job owned by userID.
func (s *Service) Remove(id, userID string) error {
	job, err := s.get(id)
	if err != nil {
		return err
	}
	if job.UserID != userID {
		return ErrNotOwner
	}

	s.unschedule(id)
	if _, err := s.db.Exec("DELETE FROM cron_jobs WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete cron job: %w", err)
	}
	return nil
}

// Pause stops a job from firing without deleting it.
func (s *Service) Pause(id, userID string) error {
	return s.setPaused(id, userID, true)
}

// Resume re-enables a paused job.
func (s *Service) Resume(id, userID string) error {
	return s.setPaused(id, userID, false)
}

func (s *Service) setPaused(id, userID string, paused bool) error {
	job, err := s.get(id)
	if err != nil {
		return err
	}
	if job.UserID != userID {
		return ErrNotOwner
	}

	v := 0
	if paused {
		v = 1
	}
	if _, err := s.db.Exec("UPDATE cron_jobs SET paused = ? WHERE id = ?", v, id); err != nil {
		return fmt.Errorf("failed to update cron job: %w", err)
	}

	if paused {
		s.unschedule(id)
	} else {
		job.Paused = false
		return s.schedule(job)
	}
	return nil
}

// RunNow fires a job immediately, out of schedule.
func (s *Service) RunNow(id, userID string) error {
	job, err := s.get(id)
	if err != nil {
		return err
	}
	if job.UserID != userID {
		return ErrNotOwner
	}
	go s.fire(job.ID)
	return nil
}

// List returns the user's jobs, oldest first.
func (s *Service) List(userID string) ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, schedule, prompt, channel, reply_to, paused, created_at, last_run_at
		FROM cron_jobs WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cron jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *Service) loadAll() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, schedule, prompt, channel, reply_to, paused, created_at, last_run_at
		FROM cron_jobs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to load cron jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *Service) get(id string) (*Job, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, schedule, prompt, channel, reply_to, paused, created_at, last_run_at
		FROM cron_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownJob
	}
	return job, err
}

func (s *Service) schedule(job *Job) error {
	id := job.ID
	entryID, err := s.sched.AddFunc(job.Schedule, func() { s.fire(id) })
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", job.ID, err)
	}
	s.mu.Lock()
	s.entries[job.ID] = entryID
	s.mu.Unlock()
	return nil
}

func (s *Service) unschedule(id string) {
	s.mu.Lock()
	if entryID, ok := s.entries[id]; ok {
		s.sched.Remove(entryID)
		delete(s.entries, id)
	}
	s.mu.Unlock()
}

// fire reloads the job (it may have changed since scheduling) and runs
// it.
func (s *Service) fire(id string) {
	job, err := s.get(id)
	if err != nil {
		s.unschedule(id)
		return
	}
	if job.Paused {
		return
	}

	L_info("cron: firing job", "job", job.ID, "user", job.UserID)
	if _, err := s.db.Exec("UPDATE cron_jobs SET last_run_at = ? WHERE id = ?", time.Now().Unix(), id); err != nil {
		L_warn("cron: failed to record run time", "job", id, "error", err)
	}
	if s.runner != nil {
		s.runner(job)
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j         Job
		channel   string
		paused    int
		createdAt int64
		lastRun   sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.UserID, &j.Schedule, &j.Prompt, &channel, &j.ReplyTo, &paused, &createdAt, &lastRun)
	if err != nil {
		return nil, err
	}
	j.Channel = types.ChannelKind(channel)
	j.Paused = paused != 0
	j.CreatedAt = time.Unix(createdAt, 0)
	if lastRun.Valid {
		j.LastRunAt = time.Unix(lastRun.Int64, 0)
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
