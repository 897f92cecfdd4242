package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agentmesh/agentmesh/types"
)

// List defaults and caps. Filters beyond these bounds are clamped, never
// passed through to the query.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
	maxFilterValues  = 16
)

// CreateTaskSpec describes a task to create. The initial message is optional;
// when present it becomes the first entry of the conversation.
type CreateTaskSpec struct {
	Name         string
	Priority     types.TaskPriority
	Metadata     map[string]string
	InitialRole  types.MessageRole
	InitialParts []types.Part
}

// ListFilter narrows ListTasks. State and priority values are validated
// against their closed enumerations before reaching the query.
type ListFilter struct {
	States     []types.TaskState
	Priorities []types.TaskPriority
	Limit      int
	Offset     int
}

// StatusUpdate carries the mutable fields of a task. Nil metadata leaves the
// stored metadata untouched; present keys are merged over it.
type StatusUpdate struct {
	State    types.TaskState
	Metadata map[string]string
}

// CreateTask assigns a fresh ID, seeds the message history, sets state to
// SUBMITTED, and persists the task.
func (s *TaskStore) CreateTask(ctx context.Context, spec CreateTaskSpec) (*types.Task, error) {
	if spec.Priority == "" {
		spec.Priority = types.PriorityNormal
	}
	if !types.ValidTaskPriority(spec.Priority) {
		return nil, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("invalid priority %q", spec.Priority))
	}

	now := time.Now().UTC()
	rec := taskRecord{
		ID:        uuid.New().String(),
		Name:      spec.Name,
		Priority:  string(spec.Priority),
		State:     string(types.TaskSubmitted),
		Metadata:  marshalMetadata(spec.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}

	var msg *messageRecord
	if len(spec.InitialParts) > 0 {
		role := spec.InitialRole
		if role == "" {
			role = types.RoleUser
		}
		if !types.ValidMessageRole(role) {
			return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("invalid role %q", role))
		}
		m, err := newMessageRecord(rec.ID, role, spec.InitialParts, now)
		if err != nil {
			return nil, err
		}
		msg = m
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		if msg != nil {
			if err := tx.Create(msg).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, translateErr(err)
	}

	s.logger.Debug("task created",
		zap.String("task_id", rec.ID),
		zap.String("priority", rec.Priority),
	)

	return s.GetTask(ctx, rec.ID)
}

// AddMessage appends a message to an existing task. The task's state is not
// changed. Fails with NOT_FOUND if the task does not exist.
func (s *TaskStore) AddMessage(ctx context.Context, taskID string, role types.MessageRole, parts []types.Part) (*types.Message, error) {
	if !types.ValidMessageRole(role) {
		return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("invalid role %q", role))
	}
	if len(parts) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "message parts must be non-empty")
	}

	rec, err := newMessageRecord(taskID, role, parts, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&taskRecord{}).Where("id = ?", taskID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return types.NewError(types.ErrNotFound, fmt.Sprintf("task %s not found", taskID))
		}
		return tx.Create(rec).Error
	})
	if err != nil {
		return nil, translateErr(err)
	}

	return recordToMessage(rec), nil
}

// GetTask loads a task with its full ordered message history. Returns a
// NOT_FOUND error when absent.
func (s *TaskStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var rec taskRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("task %s not found", id))
	}
	if err != nil {
		return nil, translateErr(err)
	}

	var msgs []messageRecord
	if err := s.db.WithContext(ctx).
		Where("task_id = ?", id).
		Order("seq ASC").
		Find(&msgs).Error; err != nil {
		return nil, translateErr(err)
	}

	return recordToTask(&rec, msgs), nil
}

// ListTasks returns tasks matching the filter, most recently updated first.
// Invalid enum values fail with INVALID_REQUEST; oversized filter slices and
// out-of-range limit/offset are clamped.
func (s *TaskStore) ListTasks(ctx context.Context, filter ListFilter) ([]types.Task, error) {
	if len(filter.States) > maxFilterValues {
		filter.States = filter.States[:maxFilterValues]
	}
	if len(filter.Priorities) > maxFilterValues {
		filter.Priorities = filter.Priorities[:maxFilterValues]
	}
	for _, st := range filter.States {
		if !types.ValidTaskState(st) {
			return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("invalid state %q", st))
		}
	}
	for _, p := range filter.Priorities {
		if !types.ValidTaskPriority(p) {
			return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("invalid priority %q", p))
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	q := s.db.WithContext(ctx).Model(&taskRecord{})
	if len(filter.States) > 0 {
		q = q.Where("state IN ?", toStrings(filter.States))
	}
	if len(filter.Priorities) > 0 {
		q = q.Where("priority IN ?", toStrings(filter.Priorities))
	}

	var recs []taskRecord
	if err := q.Order("updated_at DESC").Limit(limit).Offset(offset).Find(&recs).Error; err != nil {
		return nil, translateErr(err)
	}

	tasks := make([]types.Task, 0, len(recs))
	for i := range recs {
		tasks = append(tasks, *recordToTask(&recs[i], nil))
	}
	return tasks, nil
}

// UpdateTaskStatus merges metadata and writes the new state, returning false
// if the task is absent. The store does not veto illegal transitions:
// transition legality is protocol-layer policy, enforced by the routes and
// the delegation scanner, not here.
func (s *TaskStore) UpdateTaskStatus(ctx context.Context, id string, update StatusUpdate) (bool, error) {
	if update.State != "" && !types.ValidTaskState(update.State) {
		return false, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("invalid state %q", update.State))
	}

	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec taskRecord
		err := tx.First(&rec, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true

		if update.State != "" {
			rec.State = string(update.State)
		}
		if len(update.Metadata) > 0 {
			merged := unmarshalMetadata(rec.Metadata)
			if merged == nil {
				merged = make(map[string]string, len(update.Metadata))
			}
			for k, v := range update.Metadata {
				merged[k] = v
			}
			rec.Metadata = marshalMetadata(merged)
		}
		rec.UpdatedAt = time.Now().UTC()
		return tx.Save(&rec).Error
	})
	if err != nil {
		return false, translateErr(err)
	}
	return found, nil
}

// CountByState returns the number of tasks currently in the given state.
func (s *TaskStore) CountByState(ctx context.Context, state types.TaskState) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&taskRecord{}).
		Where("state = ?", string(state)).
		Count(&count).Error
	return count, translateErr(err)
}

// CountOpen returns the number of tasks in any non-terminal state. Feeds
// the queue-depth gauge.
func (s *TaskStore) CountOpen(ctx context.Context) (int64, error) {
	open := []string{
		string(types.TaskSubmitted),
		string(types.TaskWorking),
		string(types.TaskInputRequired),
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&taskRecord{}).
		Where("state IN ?", open).
		Count(&count).Error
	return count, translateErr(err)
}

func newMessageRecord(taskID string, role types.MessageRole, parts []types.Part, at time.Time) (*messageRecord, error) {
	data, err := json.Marshal(parts)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "unserializable message parts").WithCause(err)
	}
	return &messageRecord{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Role:      string(role),
		Parts:     string(data),
		CreatedAt: at,
	}, nil
}

func recordToTask(rec *taskRecord, msgs []messageRecord) *types.Task {
	task := &types.Task{
		ID:        rec.ID,
		Name:      rec.Name,
		Priority:  types.TaskPriority(rec.Priority),
		State:     types.TaskState(rec.State),
		Metadata:  unmarshalMetadata(rec.Metadata),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	for i := range msgs {
		task.Messages = append(task.Messages, *recordToMessage(&msgs[i]))
	}
	return task
}

func recordToMessage(rec *messageRecord) *types.Message {
	var parts []types.Part
	// Parts were validated on the way in; a decode failure here means the
	// row was edited out-of-band, so surface an empty part list.
	_ = json.Unmarshal([]byte(rec.Parts), &parts)
	return &types.Message{
		ID:        rec.ID,
		TaskID:    rec.TaskID,
		Role:      types.MessageRole(rec.Role),
		Parts:     parts,
		Timestamp: rec.CreatedAt,
	}
}

func marshalMetadata(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalMetadata(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func toStrings[T ~string](vals []T) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}
