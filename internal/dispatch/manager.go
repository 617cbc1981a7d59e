// Package dispatch runs post-commit side effects: event publishing, outbound
// sends and media mirroring. Tasks live in memory; a task that fails is kept
// and retried until it runs out of attempts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusDelivered TaskStatus = "delivered"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task kinds.
const (
	KindEvent = "event"
	KindSend  = "send"
	KindMedia = "media"
	KindAgent = "agent"
)

// TaskFunc performs one attempt.
type TaskFunc func(ctx context.Context) error

// Publisher delivers events to one destination.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
}

// AttemptResult records one attempt against one target.
type AttemptResult struct {
	Target    string    `json:"target"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Duration  int64     `json:"duration_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is a unit of post-commit work with one or more targets. Targets that
// already succeeded are skipped on retry.
type Task struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Key          string          `json:"key,omitempty"`
	Status       TaskStatus      `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	CreatedAt    time.Time       `json:"created_at"`
	LastAttempt  time.Time       `json:"last_attempt,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	Results      []AttemptResult `json:"results,omitempty"`

	targets []target
	done    map[string]bool
	running bool
}

type target struct {
	name string
	run  TaskFunc
}

// Options configures a Manager.
type Options struct {
	MaxRetries   int
	RetryBackoff time.Duration
	Timeout      time.Duration
	// MaxFailedKept bounds how many exhausted tasks stay visible for manual retry.
	MaxFailedKept int
	// SerialKinds lists task kinds that run one at a time per key. Nil means
	// agent turns only.
	SerialKinds []string
}

// Manager tracks tasks until they succeed or run out of attempts.
type Manager struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	publishers []Publisher

	maxRetries    int
	retryBackoff  time.Duration
	timeout       time.Duration
	maxFailedKept int
	serial        map[string]bool
	keys          keyLocks

	inflight  sync.WaitGroup
	stop      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// ErrTaskNotFound is returned for unknown or already delivered task ids.
var ErrTaskNotFound = errors.New("task not found or already delivered")

func NewManager(opts Options, publishers ...Publisher) *Manager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxFailedKept <= 0 {
		opts.MaxFailedKept = 500
	}
	if opts.SerialKinds == nil {
		opts.SerialKinds = []string{KindAgent}
	}

	m := &Manager{
		tasks:         make(map[string]*Task),
		publishers:    publishers,
		maxRetries:    opts.MaxRetries,
		retryBackoff:  opts.RetryBackoff,
		timeout:       opts.Timeout,
		maxFailedKept: opts.MaxFailedKept,
		serial:        make(map[string]bool, len(opts.SerialKinds)),
		keys:          keyLocks{held: make(map[string]*keyLock)},
		stop:          make(chan struct{}),
	}

	names := make([]string, 0, len(publishers))
	for _, p := range publishers {
		names = append(names, p.Name())
	}
	for _, k := range opts.SerialKinds {
		m.serial[k] = true
	}

	log.Info().
		Int("maxRetries", m.maxRetries).
		Dur("timeout", m.timeout).
		Strs("publishers", names).
		Msg("Dispatch manager initialized")
	return m
}

// Start launches the retry loop.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		go m.processRetries()
	})
}

// Close stops the retry loop and waits for running attempts.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.inflight.Wait()
}

// Wait blocks until no attempt is running. Scheduled retries are not waited for.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// Publish fans an event out to every publisher, retrying failed ones.
func (m *Manager) Publish(ev Event) string {
	if len(m.publishers) == 0 {
		log.Debug().Str("eventType", ev.Type).Msg("No publishers configured, dropping event")
		return ""
	}
	if ev.ID == "" {
		ev = NewEvent(ev.Type, ev.CompanyID, ev.Data)
	}

	targets := make([]target, 0, len(m.publishers))
	for _, p := range m.publishers {
		p := p
		targets = append(targets, target{name: p.Name(), run: func(ctx context.Context) error {
			return p.Publish(ctx, ev)
		}})
	}
	return m.enqueue(&Task{ID: ev.ID, Kind: KindEvent, Key: ev.Type, MaxAttempts: m.maxRetries}, targets)
}

// Submit runs fn in the background. maxAttempts <= 0 uses the configured retry
// count; outbound sends pass 1 so a message is never sent twice.
func (m *Manager) Submit(kind, key string, maxAttempts int, fn TaskFunc) string {
	if maxAttempts <= 0 {
		maxAttempts = m.maxRetries
	}
	return m.enqueue(&Task{ID: uuid.NewString(), Kind: kind, Key: key, MaxAttempts: maxAttempts},
		[]target{{name: kind, run: fn}})
}

func (m *Manager) enqueue(t *Task, targets []target) string {
	t.CreatedAt = time.Now()
	t.Status = TaskStatusPending
	t.targets = targets
	t.done = make(map[string]bool, len(targets))

	m.mu.Lock()
	m.tasks[t.ID] = t
	t.running = true
	m.mu.Unlock()

	log.Debug().Str("taskID", t.ID).Str("kind", t.Kind).Str("key", t.Key).Msg("Task queued")

	m.inflight.Add(1)
	go m.process(t)
	return t.ID
}

// process makes one attempt at every target not yet done.
func (m *Manager) process(t *Task) {
	defer m.inflight.Done()

	if m.serial[t.Kind] && t.Key != "" {
		defer m.keys.lock(t.Kind + ":" + t.Key)()
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.mu.RLock()
	pending := make([]target, 0, len(t.targets))
	for _, tg := range t.targets {
		if !t.done[tg.name] {
			pending = append(pending, tg)
		}
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	results := make(chan AttemptResult, len(pending))
	for _, tg := range pending {
		wg.Add(1)
		go func(tg target) {
			defer wg.Done()
			results <- runTarget(ctx, tg)
		}(tg)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var attempt []AttemptResult
	allSuccess := true
	for r := range results {
		attempt = append(attempt, r)
		if !r.Success {
			allSuccess = false
		}
		log.Debug().
			Str("taskID", t.ID).
			Str("target", r.Target).
			Bool("success", r.Success).
			Int64("durationMs", r.Duration).
			Str("error", r.Error).
			Msg("Task target result")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t.running = false
	t.AttemptCount++
	t.LastAttempt = time.Now()
	t.Results = append(t.Results, attempt...)
	for _, r := range attempt {
		if r.Success {
			t.done[r.Target] = true
		} else {
			t.LastError = r.Error
		}
	}

	switch {
	case allSuccess:
		t.Status = TaskStatusDelivered
		delete(m.tasks, t.ID)
		log.Info().Str("taskID", t.ID).Str("kind", t.Kind).Str("key", t.Key).Int("attempts", t.AttemptCount).Msg("Task delivered")
	case t.AttemptCount >= t.MaxAttempts:
		t.Status = TaskStatusFailed
		m.trimFailedLocked()
		log.Error().Str("taskID", t.ID).Str("kind", t.Kind).Str("key", t.Key).
			Int("attemptCount", t.AttemptCount).Str("lastError", t.LastError).Msg("Task failed permanently")
	default:
		log.Warn().Str("taskID", t.ID).Str("kind", t.Kind).
			Int("attemptCount", t.AttemptCount).Int("maxAttempts", t.MaxAttempts).Msg("Task failed, will retry")
	}
}

// keyLocks hands out one mutex per key and forgets it once nobody holds or
// waits for it.
type keyLocks struct {
	mu   sync.Mutex
	held map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.held[key]
	if !ok {
		l = &keyLock{}
		k.held[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.held, key)
		}
		k.mu.Unlock()
	}
}

func runTarget(ctx context.Context, tg target) (res AttemptResult) {
	start := time.Now()
	res = AttemptResult{Target: tg.name, Timestamp: start}
	defer func() {
		if p := recover(); p != nil {
			res.Success = false
			res.Error = fmt.Sprintf("panic: %v", p)
		}
		res.Duration = time.Since(start).Milliseconds()
	}()

	if err := ctx.Err(); err != nil {
		res.Error = "context done before attempt: " + err.Error()
		return res
	}
	if err := tg.run(ctx); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	return res
}

func (m *Manager) trimFailedLocked() {
	var failed []*Task
	for _, t := range m.tasks {
		if t.Status == TaskStatusFailed {
			failed = append(failed, t)
		}
	}
	if len(failed) <= m.maxFailedKept {
		return
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].CreatedAt.Before(failed[j].CreatedAt) })
	for _, t := range failed[:len(failed)-m.maxFailedKept] {
		delete(m.tasks, t.ID)
	}
}

func (m *Manager) processRetries() {
	ticker := time.NewTicker(m.retryBackoff)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.retryDue()
		}
	}
}

// retryDue restarts pending tasks whose last attempt is older than the backoff.
func (m *Manager) retryDue() int {
	m.mu.Lock()
	due := make([]*Task, 0)
	for _, t := range m.tasks {
		if t.Status == TaskStatusPending && !t.running &&
			t.AttemptCount < t.MaxAttempts &&
			time.Since(t.LastAttempt) >= m.retryBackoff {
			t.running = true
			due = append(due, t)
		}
	}
	m.mu.Unlock()

	for _, t := range due {
		log.Info().Str("taskID", t.ID).Int("attemptCount", t.AttemptCount).Msg("Retrying task")
		m.inflight.Add(1)
		go m.process(t)
	}
	return len(due)
}

// RetryAll restarts every pending or failed task now.
func (m *Manager) RetryAll() int {
	m.mu.Lock()
	due := make([]*Task, 0)
	for _, t := range m.tasks {
		if t.running {
			continue
		}
		if t.Status == TaskStatusFailed {
			t.AttemptCount = 0
			t.Status = TaskStatusPending
		}
		t.running = true
		due = append(due, t)
	}
	m.mu.Unlock()

	for _, t := range due {
		m.inflight.Add(1)
		go m.process(t)
	}
	return len(due)
}

// ForceRetry resets a task's attempts and runs it now.
func (m *Manager) ForceRetry(id string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.running {
		m.mu.Unlock()
		return nil
	}
	t.AttemptCount = 0
	t.Status = TaskStatusPending
	t.running = true
	m.mu.Unlock()

	log.Info().Str("taskID", id).Msg("Manual retry triggered for task")
	m.inflight.Add(1)
	go m.process(t)
	return nil
}

// PendingCount returns the number of tracked tasks not yet delivered.
func (m *Manager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// Task returns a copy of a tracked task.
func (m *Manager) Task(id string) (Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.snapshot(), true
}

// Tasks lists tracked tasks, oldest first, optionally filtered by kind.
// total is the match count before limit.
func (m *Manager) Tasks(kind string, limit int) (tasks []Task, total int) {
	m.mu.RLock()
	for _, t := range m.tasks {
		if kind == "" || t.Kind == kind {
			tasks = append(tasks, t.snapshot())
		}
	}
	m.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	total = len(tasks)
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, total
}

// Settings exposes the retry configuration for status reporting.
func (m *Manager) Settings() Options {
	return Options{MaxRetries: m.maxRetries, RetryBackoff: m.retryBackoff, Timeout: m.timeout, MaxFailedKept: m.maxFailedKept}
}

func (t *Task) snapshot() Task {
	cp := Task{
		ID:           t.ID,
		Kind:         t.Kind,
		Key:          t.Key,
		Status:       t.Status,
		AttemptCount: t.AttemptCount,
		MaxAttempts:  t.MaxAttempts,
		CreatedAt:    t.CreatedAt,
		LastAttempt:  t.LastAttempt,
		LastError:    t.LastError,
	}
	cp.Results = append([]AttemptResult(nil), t.Results...)
	return cp
}
