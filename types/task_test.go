package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskState_IsTerminal(t *testing.T) {
	terminal := []TaskState{TaskCompleted, TaskFailed, TaskCanceled, TaskRejected, TaskTimeout}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "state %s should be terminal", s)
	}

	open := []TaskState{TaskSubmitted, TaskWorking, TaskInputRequired}
	for _, s := range open {
		assert.False(t, s.IsTerminal(), "state %s should not be terminal", s)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from TaskState
		to   TaskState
		want bool
	}{
		{"submitted to working", TaskSubmitted, TaskWorking, true},
		{"submitted to rejected", TaskSubmitted, TaskRejected, true},
		{"submitted to timeout", TaskSubmitted, TaskTimeout, true},
		{"submitted to completed", TaskSubmitted, TaskCompleted, false},
		{"working to completed", TaskWorking, TaskCompleted, true},
		{"working to failed", TaskWorking, TaskFailed, true},
		{"working to input required", TaskWorking, TaskInputRequired, true},
		{"working to timeout", TaskWorking, TaskTimeout, true},
		{"input required back to working", TaskInputRequired, TaskWorking, true},
		{"input required to timeout", TaskInputRequired, TaskTimeout, true},
		{"cancel from submitted", TaskSubmitted, TaskCanceled, true},
		{"cancel from working", TaskWorking, TaskCanceled, true},
		{"cancel from input required", TaskInputRequired, TaskCanceled, true},
		{"no transition out of completed", TaskCompleted, TaskCanceled, false},
		{"no transition out of timeout", TaskTimeout, TaskWorking, false},
		{"no transition out of canceled", TaskCanceled, TaskWorking, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestValidTaskState(t *testing.T) {
	assert.True(t, ValidTaskState(TaskSubmitted))
	assert.True(t, ValidTaskState(TaskTimeout))
	assert.False(t, ValidTaskState(TaskState("RUNNING")))
	assert.False(t, ValidTaskState(TaskState("'; DROP TABLE tasks;--")))
	assert.False(t, ValidTaskState(TaskState("")))
}

func TestValidTaskPriority(t *testing.T) {
	assert.True(t, ValidTaskPriority(PriorityLow))
	assert.True(t, ValidTaskPriority(PriorityUrgent))
	assert.False(t, ValidTaskPriority(TaskPriority("critical")))
	assert.False(t, ValidTaskPriority(TaskPriority("")))
}
