package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// WakeFunc is called when a task fires. The scheduler does not know about
// the agent loop; the wiring layer injects a function that runs the task's
// message through it.
type WakeFunc func(ctx context.Context, task *Task)

// Scheduler manages cron and one-shot tasks. Cron tasks run on a
// robfig/cron runner; one-shots use timers. All tasks persist in the
// store and are rescheduled on startup.
type Scheduler struct {
	cron   *cron.Cron
	store  *Store
	wake   WakeFunc
	logger *slog.Logger

	mu       sync.Mutex
	entryIDs map[string]cron.EntryID
	timers   map[string]*time.Timer
	ctx      context.Context
}

// New creates a scheduler over the given store. wake may be nil until
// SetWakeFunc is called, but must be set before Start.
func New(store *Store, wake WakeFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cron.NewParser(
				cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)),
			cron.WithChain(cron.Recover(cron.DefaultLogger)),
		),
		store:    store,
		wake:     wake,
		logger:   logger,
		entryIDs: make(map[string]cron.EntryID),
		timers:   make(map[string]*time.Timer),
	}
}

// SetWakeFunc installs the wake callback. Must happen before Start.
func (s *Scheduler) SetWakeFunc(wake WakeFunc) {
	s.wake = wake
}

// Start loads persisted tasks, schedules the enabled ones, and begins the
// cron runner. It stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	tasks, err := s.store.ListTasks(true)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	for _, t := range tasks {
		if err := s.schedule(t); err != nil {
			s.logger.Warn("could not schedule persisted task", "task", t.ID, "name", t.Name, "error", err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "tasks", len(tasks))

	go func() {
		<-ctx.Done()
		s.stop()
	}()
	return nil
}

func (s *Scheduler) stop() {
	s.cron.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.logger.Info("scheduler stopped")
}

// CreateTask persists and schedules a task. Missing ids and timestamps
// are filled in.
func (s *Scheduler) CreateTask(t *Task) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Cron == "" && t.At == nil {
		return fmt.Errorf("task needs a cron expression or a fire time")
	}
	if t.Cron != "" && t.At != nil {
		return fmt.Errorf("task cannot have both a cron expression and a fire time")
	}

	if err := s.store.SaveTask(t); err != nil {
		return err
	}
	if t.Enabled {
		if err := s.schedule(t); err != nil {
			return err
		}
	}
	return nil
}

// DeleteTask unschedules and removes a task. The id may be a unique
// prefix.
func (s *Scheduler) DeleteTask(id string) error {
	task, err := s.findTask(id)
	if err != nil {
		return err
	}

	s.unschedule(task.ID)
	return s.store.DeleteTask(task.ID)
}

// ListTasks returns persisted tasks.
func (s *Scheduler) ListTasks(enabledOnly bool) ([]*Task, error) {
	return s.store.ListTasks(enabledOnly)
}

// findTask resolves a task by exact id or unique prefix.
func (s *Scheduler) findTask(id string) (*Task, error) {
	tasks, err := s.store.ListTasks(false)
	if err != nil {
		return nil, err
	}
	var found *Task
	for _, t := range tasks {
		if t.ID == id || strings.HasPrefix(t.ID, id) {
			if found != nil {
				return nil, fmt.Errorf("task id %q is ambiguous", id)
			}
			found = t
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%q: %w", id, ErrTaskNotFound)
	}
	return found, nil
}

func (s *Scheduler) schedule(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Recurring() {
		entryID, err := s.cron.AddFunc(t.Cron, func() { s.fire(t.ID) })
		if err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", t.Cron, err)
		}
		s.entryIDs[t.ID] = entryID
		return nil
	}

	delay := time.Until(*t.At)
	if delay < 0 {
		// Missed one-shots fire immediately rather than silently dropping:
		// a reminder late is better than no reminder.
		delay = 0
	}
	s.timers[t.ID] = time.AfterFunc(delay, func() { s.fire(t.ID) })
	return nil
}

func (s *Scheduler) unschedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entryIDs[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entryIDs, id)
	}
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

// fire runs one task occurrence: wake the agent, record the run, and
// disable one-shots.
func (s *Scheduler) fire(id string) {
	task, err := s.findTask(id)
	if err != nil {
		s.logger.Warn("fired task no longer exists", "task", id)
		return
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	s.logger.Info("task fired", "task", task.ID, "name", task.Name)

	if s.wake != nil {
		s.wake(ctx, task)
	}

	now := time.Now().UTC()
	task.LastRun = &now
	if !task.Recurring() {
		task.Enabled = false
		s.unschedule(task.ID)
	}
	if err := s.store.SaveTask(task); err != nil {
		s.logger.Warn("could not record task run", "task", task.ID, "error", err)
	}
}
