package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-archiver/internal/ports"
)

// ErrRunNotFound возвращается для неизвестного идентификатора запуска.
var ErrRunNotFound = errors.New("run not found")

// RunStatus представляет статус запуска архивации.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// DefaultRunTTL — сколько хранится завершенный запуск.
const DefaultRunTTL = 24 * time.Hour

// Run — снимок состояния одного запуска архивации канала.
type Run struct {
	ID           string     `json:"run_id"`
	ChannelID    string     `json:"channel_id"`
	Status       RunStatus  `json:"status"`
	Messages     int64      `json:"messages"`
	Attachments  int64      `json:"attachments"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ExpiresAt    *time.Time `json:"-"`
}

type runEntry struct {
	Run
	counters ports.Counters
}

// RunRegistry хранит состояние запусков в памяти процесса.
type RunRegistry struct {
	runs  map[string]*runEntry
	mutex sync.RWMutex
	ttl   time.Duration
	now   func() time.Time
}

var _ ports.RunRegistry = (*RunRegistry)(nil)

// RegistryOption настраивает RunRegistry.
type RegistryOption func(*RunRegistry)

// WithRunTTL задает срок хранения завершенных запусков.
func WithRunTTL(ttl time.Duration) RegistryOption {
	return func(r *RunRegistry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithRegistryClock подменяет источник текущего времени.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *RunRegistry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunRegistry создает пустой реестр.
func NewRunRegistry(opts ...RegistryOption) *RunRegistry {
	r := &RunRegistry{
		runs: make(map[string]*runEntry),
		ttl:  DefaultRunTTL,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create регистрирует запуск со статусом pending.
func (r *RunRegistry) Create(channelID string) string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	id := uuid.NewString()
	r.runs[id] = &runEntry{Run: Run{
		ID:        id,
		ChannelID: channelID,
		Status:    RunStatusPending,
		CreatedAt: r.now(),
	}}
	return id
}

// Processing переводит запуск в обработку и подключает живые счетчики.
func (r *RunRegistry) Processing(runID string, counters ports.Counters) error {
	return r.update(runID, func(e *runEntry) {
		e.Status = RunStatusProcessing
		e.counters = counters
	})
}

// Complete фиксирует успешное завершение.
func (r *RunRegistry) Complete(runID string) error {
	return r.update(runID, func(e *runEntry) {
		e.Status = RunStatusCompleted
		r.finish(e)
	})
}

// Fail фиксирует ошибку запуска.
func (r *RunRegistry) Fail(runID string, reason error) error {
	return r.update(runID, func(e *runEntry) {
		e.Status = RunStatusFailed
		if reason != nil {
			e.ErrorMessage = reason.Error()
		}
		r.finish(e)
	})
}

// finish замораживает счетчики и назначает срок хранения. Вызывается под блокировкой.
func (r *RunRegistry) finish(e *runEntry) {
	if e.counters != nil {
		e.Messages, e.Attachments = e.counters()
		e.counters = nil
	}
	now := r.now()
	expires := now.Add(r.ttl)
	e.FinishedAt = &now
	e.ExpiresAt = &expires
}

func (r *RunRegistry) update(runID string, f func(e *runEntry)) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	e, exists := r.runs[runID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	f(e)
	return nil
}

// Get возвращает снимок запуска по ID.
func (r *RunRegistry) Get(runID string) (Run, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	e, exists := r.runs[runID]
	if !exists {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return e.snapshot(), nil
}

// List возвращает снимки всех запусков в порядке создания.
func (r *RunRegistry) List() []Run {
	r.mutex.RLock()
	out := make([]Run, 0, len(r.runs))
	for _, e := range r.runs {
		out = append(out, e.snapshot())
	}
	r.mutex.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (e *runEntry) snapshot() Run {
	run := e.Run
	if e.counters != nil {
		run.Messages, run.Attachments = e.counters()
	}
	return run
}

// CleanupExpired удаляет завершенные запуски с истекшим сроком хранения.
func (r *RunRegistry) CleanupExpired() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := r.now()
	for id, e := range r.runs {
		if e.ExpiresAt != nil && now.After(*e.ExpiresAt) {
			delete(r.runs, id)
		}
	}
}

// StartCleanupTicker запускает периодическую очистку до отмены ctx.
func (r *RunRegistry) StartCleanupTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CleanupExpired()
			}
		}
	}()
}
