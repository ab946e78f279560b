// Package pool manages the set of pre-warmed sandbox slots: it hands out an
// idle slot per execution, drives the HTTP round-trip to the slot's executor,
// and reports pool health, statistics, and a bounded execution history.
package pool

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codechat/runner/internal/events"
)

const (
	defaultMaxHistory = 100
	maxTimeoutSeconds = 60
)

// Slot is the allocator's record for one sandbox: where to reach it and
// whether it is busy. All mutable fields are guarded by the pool mutex.
type Slot struct {
	Name string
	Addr string // executor address on the worker network, "ip:port"
	Port int    // advertised port, informational only in internal-network mode

	busy      bool
	lastUsed  time.Time
	execStart time.Time
	current   *Execution
}

// NewSlot creates an idle slot for a spawned sandbox.
func NewSlot(name, addr string, port int) *Slot {
	return &Slot{Name: name, Addr: addr, Port: port}
}

// Execution records one run of user code on a slot. History stores these by
// value so nothing keeps a finished execution alive.
type Execution struct {
	ID         string    `json:"execution_id"`
	UserID     string    `json:"user_id"`
	Code       string    `json:"code"`
	Worker     string    `json:"worker"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	ReturnCode int       `json:"return_code"`
}

// Result is a completed execution's captured output.
type Result struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"return_code"`
}

// Observer receives pool events. The observer list is fixed before the pool
// starts serving; callbacks are invoked outside the pool mutex and a panic in
// one observer never reaches the others.
type Observer func(events.Event)

// Options configures a Pool.
type Options struct {
	DefaultTimeout int // seconds; applied when a request carries none
	Metrics        *Metrics
	HTTPClient     *http.Client
}

// Pool owns the slot list. The mutex guards every slot's busy, lastUsed and
// current fields plus the history and counters; it is never held across a
// network call.
type Pool struct {
	mu         sync.Mutex
	slots      []*Slot
	history    []Execution
	maxHistory int

	observers []Observer

	defaultTimeout int
	httpc          *http.Client
	metrics        *Metrics

	totalExecutions int64
	totalExecTimeMS int64
	totalLines      int64
	successCount    int64
}

// New creates a pool over already-spawned slots.
func New(slots []*Slot, opts Options) *Pool {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}
	return &Pool{
		slots:          slots,
		maxHistory:     defaultMaxHistory,
		defaultTimeout: opts.DefaultTimeout,
		httpc:          httpc,
		metrics:        opts.Metrics,
	}
}

// AddObserver registers an event callback. Must be called before the pool
// starts serving requests; the list is read without locking afterwards.
func (p *Pool) AddObserver(fn Observer) {
	p.observers = append(p.observers, fn)
}

// Size returns the number of slots.
func (p *Pool) Size() int { return len(p.slots) }

// Acquire returns the first idle slot in construction order, marked busy, or
// nil when the pool is saturated. Lowest-index slots are deliberately
// preferred over least-recently-used ones.
func (p *Pool) Acquire() *Slot {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.slots {
		if !s.busy {
			s.busy = true
			now := time.Now()
			s.lastUsed = now
			s.execStart = now
			p.metrics.SetBusySlots(p.busyCountLocked())
			return s
		}
	}
	return nil
}

// Release returns a slot to the pool. Idempotent.
func (p *Pool) Release(slot *Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot.busy = false
	slot.current = nil
	slot.execStart = time.Time{}
	p.metrics.SetBusySlots(p.busyCountLocked())
}

func (p *Pool) busyCountLocked() int {
	n := 0
	for _, s := range p.slots {
		if s.busy {
			n++
		}
	}
	return n
}

// Execute runs code on an idle slot with the given deadline in seconds,
// emitting observation events on both edges. The returned error, if any, is
// one of ErrSaturation, ErrDeadline, or a *SandboxError.
func (p *Pool) Execute(ctx context.Context, code string, timeoutSec int, userID string) (*Result, error) {
	if userID == "" {
		userID = "anonymous"
	}
	timeoutSec = p.clampTimeout(timeoutSec)

	slot := p.Acquire()
	if slot == nil {
		slog.Warn("no available workers in pool")
		p.metrics.RecordExecution("saturation", 0)
		return nil, ErrSaturation
	}

	exec := Execution{
		ID:        newExecutionID(),
		UserID:    userID,
		Code:      code,
		Worker:    slot.Name,
		StartedAt: time.Now(),
	}
	p.mu.Lock()
	slot.current = &exec
	p.mu.Unlock()

	p.emit(events.Event{
		"type":         "execution_start",
		"execution_id": exec.ID,
		"user_id":      userID,
		"code":         code,
		"worker":       slot.Name,
	})
	p.emit(p.statusEvent())

	result, err := p.run(ctx, slot, code, timeoutSec)

	exec.DurationMS = time.Since(exec.StartedAt).Milliseconds()
	exec.Success = err == nil
	if result != nil {
		exec.ReturnCode = result.ReturnCode
	}

	p.mu.Lock()
	p.totalExecutions++
	p.totalExecTimeMS += exec.DurationMS
	p.totalLines += int64(len(strings.Split(code, "\n")))
	if exec.Success {
		p.successCount++
	}
	p.history = append(p.history, exec)
	if len(p.history) > p.maxHistory {
		p.history = p.history[1:]
	}
	p.mu.Unlock()

	p.emit(events.Event{
		"type":         "execution_end",
		"execution_id": exec.ID,
		"duration_ms":  exec.DurationMS,
		"success":      exec.Success,
	})
	p.Release(slot)
	p.emit(p.statusEvent())

	p.metrics.RecordExecution(outcomeLabel(err), float64(exec.DurationMS)/1000)
	return result, err
}

func (p *Pool) clampTimeout(timeoutSec int) int {
	if timeoutSec <= 0 {
		return p.defaultTimeout
	}
	if timeoutSec > maxTimeoutSeconds {
		return maxTimeoutSeconds
	}
	return timeoutSec
}

func (p *Pool) emit(event events.Event) {
	for _, fn := range p.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("observer callback panicked", "event", event.Type(), "panic", r)
				}
			}()
			fn(event)
		}()
	}
}

// statusEvent snapshots every slot for the pool_status event. Health is
// assumed here; a real probe is what Health is for.
func (p *Pool) statusEvent() events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	workers := make([]map[string]interface{}, 0, len(p.slots))
	for _, s := range p.slots {
		w := map[string]interface{}{
			"name":    s.Name,
			"port":    s.Port,
			"busy":    s.busy,
			"healthy": true,
		}
		if !s.execStart.IsZero() {
			w["exec_start"] = s.execStart.UnixMilli()
		}
		if s.current != nil {
			w["current_user"] = s.current.UserID
		}
		workers = append(workers, w)
	}
	return events.Event{"type": "pool_status", "workers": workers}
}

// StatusEvent returns the current pool_status snapshot.
func (p *Pool) StatusEvent() events.Event {
	return p.statusEvent()
}

// WorkerStatus is one slot's entry in a health snapshot.
type WorkerStatus struct {
	Name        string `json:"name"`
	Port        int    `json:"port"`
	Busy        bool   `json:"busy"`
	Healthy     bool   `json:"healthy"`
	ExecStart   int64  `json:"exec_start,omitempty"` // unix milliseconds
	CurrentUser string `json:"current_user,omitempty"`
}

// HealthSnapshot classifies every slot as idle, busy, or unhealthy.
type HealthSnapshot struct {
	Total     int            `json:"total"`
	Available int            `json:"available"`
	Busy      int            `json:"busy"`
	Unhealthy int            `json:"unhealthy"`
	Workers   []WorkerStatus `json:"workers"`
}

// Health probes every slot's executor with a bounded timeout. A failed probe
// marks the slot unhealthy in the snapshot only; nothing is evicted.
func (p *Pool) Health(ctx context.Context) HealthSnapshot {
	p.mu.Lock()
	statuses := make([]WorkerStatus, 0, len(p.slots))
	addrs := make([]string, 0, len(p.slots))
	for _, s := range p.slots {
		ws := WorkerStatus{Name: s.Name, Port: s.Port, Busy: s.busy}
		if !s.execStart.IsZero() {
			ws.ExecStart = s.execStart.UnixMilli()
		}
		if s.current != nil {
			ws.CurrentUser = s.current.UserID
		}
		statuses = append(statuses, ws)
		addrs = append(addrs, s.Addr)
	}
	p.mu.Unlock()

	snap := HealthSnapshot{Total: len(statuses)}
	for i := range statuses {
		statuses[i].Healthy = p.probe(ctx, addrs[i])
		switch {
		case !statuses[i].Healthy:
			snap.Unhealthy++
		case statuses[i].Busy:
			snap.Busy++
		default:
			snap.Available++
		}
	}
	snap.Workers = statuses
	return snap
}

// Stats are process-lifetime execution counters with derived means.
type Stats struct {
	TotalExecutions int64   `json:"total_executions"`
	TotalExecTimeMS int64   `json:"total_exec_time_ms"`
	TotalLines      int64   `json:"total_lines"`
	SuccessCount    int64   `json:"success_count"`
	AvgExecTimeMS   float64 `json:"avg_exec_time_ms"`
	AvgLines        float64 `json:"avg_lines"`
	SuccessRate     float64 `json:"success_rate"` // percent
}

// Stats returns a snapshot of the execution counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		TotalExecutions: p.totalExecutions,
		TotalExecTimeMS: p.totalExecTimeMS,
		TotalLines:      p.totalLines,
		SuccessCount:    p.successCount,
	}
	if p.totalExecutions > 0 {
		s.AvgExecTimeMS = float64(p.totalExecTimeMS) / float64(p.totalExecutions)
		s.AvgLines = float64(p.totalLines) / float64(p.totalExecutions)
		s.SuccessRate = float64(p.successCount) / float64(p.totalExecutions) * 100
	}
	return s
}

// History returns up to limit recent executions, newest first.
func (p *Pool) History(limit int) []Execution {
	if limit <= 0 {
		limit = 50
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.history)
	if limit > n {
		limit = n
	}
	out := make([]Execution, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, p.history[i])
	}
	return out
}

func newExecutionID() string {
	return uuid.NewString()[:8]
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case err == ErrDeadline:
		return "timeout"
	default:
		return "sandbox_error"
	}
}
