package a2a

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/internal/store"
	"github.com/agentmesh/agentmesh/types"
)

// DelegationStatus is the in-memory lifecycle of a delegated task.
type DelegationStatus string

const (
	DelegationPending    DelegationStatus = "PENDING"
	DelegationInProgress DelegationStatus = "IN_PROGRESS"
)

// DelegationEntry tracks one task handed to a polling consumer. Entries are
// never persisted: a process restart loses in-flight delegations and the
// underlying task stays in whatever state the store last recorded.
type DelegationEntry struct {
	TaskID    string
	Payload   *types.Task
	Priority  types.TaskPriority
	AgentID   string
	CreatedAt time.Time
	Status    DelegationStatus
}

// statusWriter is the slice of the task store the timeout scanner needs.
type statusWriter interface {
	UpdateTaskStatus(ctx context.Context, id string, update store.StatusUpdate) (bool, error)
}

// Delegator bridges persisted tasks to an external polling consumer and
// guarantees no task stays delegated forever. Entries are indexed both by
// task and by agent to enforce the per-agent concurrency ceiling.
type Delegator struct {
	mu      sync.Mutex
	byTask  map[string]*DelegationEntry
	byAgent map[string]map[string]*DelegationEntry

	maxPerAgent int
	timeout     time.Duration

	tasks   statusWriter
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewDelegator creates a Delegator. The timeout is assumed already clamped
// by config normalization.
func NewDelegator(tasks statusWriter, maxPerAgent int, timeout time.Duration, collector *metrics.Collector, logger *zap.Logger) *Delegator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Delegator{
		byTask:      make(map[string]*DelegationEntry),
		byAgent:     make(map[string]map[string]*DelegationEntry),
		maxPerAgent: maxPerAgent,
		timeout:     timeout,
		tasks:       tasks,
		metrics:     collector,
		logger:      logger.With(zap.String("component", "delegator")),
	}
}

// AddTask registers a PENDING entry for agentID. Fails with
// ErrAgentAlreadyProcessing when the agent is at its ceiling.
func (d *Delegator) AddTask(taskID string, payload *types.Task, priority types.TaskPriority, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.byAgent[agentID]) >= d.maxPerAgent {
		return ErrAgentAlreadyProcessing
	}
	if _, exists := d.byTask[taskID]; exists {
		// Re-adding a delegated task is a caller bug; keep the original entry.
		d.logger.Warn("task already delegated", zap.String("task_id", taskID))
		return nil
	}

	entry := &DelegationEntry{
		TaskID:    taskID,
		Payload:   payload,
		Priority:  priority,
		AgentID:   agentID,
		CreatedAt: time.Now(),
		Status:    DelegationPending,
	}
	d.byTask[taskID] = entry
	if d.byAgent[agentID] == nil {
		d.byAgent[agentID] = make(map[string]*DelegationEntry)
	}
	d.byAgent[agentID][taskID] = entry

	d.publishGauge()
	d.logger.Debug("task delegated",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID),
		zap.String("priority", string(priority)),
	)
	return nil
}

// GetPendingTasks returns the PENDING entries for agentID, oldest first.
// The polling consumer calls this; entries already IN_PROGRESS are skipped.
func (d *Delegator) GetPendingTasks(agentID string) []DelegationEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	var pending []DelegationEntry
	for _, entry := range d.byAgent[agentID] {
		if entry.Status == DelegationPending {
			pending = append(pending, *entry)
		}
	}
	sortEntriesByAge(pending)
	return pending
}

// MarkTaskInProgress flips a PENDING entry to IN_PROGRESS. A missing entry
// is logged and ignored: the scanner may have reclaimed it already.
func (d *Delegator) MarkTaskInProgress(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.byTask[taskID]
	if !ok {
		d.logger.Warn("mark in progress: entry gone", zap.String("task_id", taskID))
		return
	}
	entry.Status = DelegationInProgress
}

// RemoveTask drops the entry from both indexes once the consumer has
// reported a final result. Idempotent.
func (d *Delegator) RemoveTask(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(taskID)
	d.publishGauge()
}

// Len returns the number of live entries.
func (d *Delegator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byTask)
}

// CheckTimeouts reclaims every entry older than the configured timeout:
// the task is written to TIMEOUT in the store, the entry leaves both
// indexes, and a timeout metric is emitted. Each entry is handled
// independently so one failure does not block the rest.
func (d *Delegator) CheckTimeouts(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("timeout scan panicked", zap.Any("panic", r))
		}
	}()

	cutoff := time.Now().Add(-d.timeout)

	d.mu.Lock()
	var expired []*DelegationEntry
	for _, entry := range d.byTask {
		if entry.CreatedAt.Before(cutoff) {
			expired = append(expired, entry)
		}
	}
	for _, entry := range expired {
		d.removeLocked(entry.TaskID)
	}
	d.publishGauge()
	d.mu.Unlock()

	for _, entry := range expired {
		d.reclaim(ctx, entry)
	}
}

// reclaim writes the terminal TIMEOUT state for one expired entry.
func (d *Delegator) reclaim(ctx context.Context, entry *DelegationEntry) {
	ok, err := d.tasks.UpdateTaskStatus(ctx, entry.TaskID, store.StatusUpdate{
		State: types.TaskTimeout,
		Metadata: map[string]string{
			"timeout_agent": entry.AgentID,
		},
	})
	if err != nil {
		d.logger.Error("timeout write-back failed",
			zap.String("task_id", entry.TaskID),
			zap.Error(err),
		)
		return
	}
	if !ok {
		d.logger.Warn("timed-out task missing from store", zap.String("task_id", entry.TaskID))
		return
	}

	if d.metrics != nil {
		d.metrics.RecordDelegationTimeout()
		d.metrics.RecordTaskOutcome("timed_out", time.Since(entry.CreatedAt))
	}
	d.logger.Info("delegated task timed out",
		zap.String("task_id", entry.TaskID),
		zap.String("agent_id", entry.AgentID),
		zap.Duration("age", time.Since(entry.CreatedAt)),
	)
}

func (d *Delegator) removeLocked(taskID string) {
	entry, ok := d.byTask[taskID]
	if !ok {
		return
	}
	delete(d.byTask, taskID)
	if agentTasks, ok := d.byAgent[entry.AgentID]; ok {
		delete(agentTasks, taskID)
		if len(agentTasks) == 0 {
			delete(d.byAgent, entry.AgentID)
		}
	}
}

func (d *Delegator) publishGauge() {
	if d.metrics != nil {
		d.metrics.SetPendingDelegations(len(d.byTask))
	}
}

func sortEntriesByAge(entries []DelegationEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
