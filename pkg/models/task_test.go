package models_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathrun/pathrun/pkg/models"
)

func TestScheduledTask_IsDue(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	task := models.NewScheduledTask("task-1", "inst-1", "wait-1", models.TaskTypeWait, now.Add(time.Hour))

	assert.False(t, task.IsDue(now))
	assert.True(t, task.IsDue(now.Add(time.Hour)))
	assert.True(t, task.IsDue(now.Add(2*time.Hour)))

	task.Executed = true
	assert.False(t, task.IsDue(now.Add(2*time.Hour)))
}

func TestScheduledTask_Reschedule(t *testing.T) {
	t.Parallel()

	t.Run("advances to next cron occurrence", func(t *testing.T) {
		t.Parallel()

		task := models.NewScheduledTask("task-1", "inst-1", "remind-1", models.TaskTypeReminder, time.Now().UTC())
		task.CronExpression = "0 9 * * *"
		task.RetryCount = 2

		err := task.Reschedule()
		require.NoError(t, err)

		assert.True(t, task.ScheduledFor.After(time.Now().UTC()))
		assert.Equal(t, 9, task.ScheduledFor.Hour())
		assert.Zero(t, task.RetryCount)
	})

	t.Run("rejects tasks without cron expression", func(t *testing.T) {
		t.Parallel()

		task := models.NewScheduledTask("task-1", "inst-1", "wait-1", models.TaskTypeWait, time.Now().UTC())

		err := task.Reschedule()
		require.ErrorIs(t, err, models.ErrInvalidTask)
	})
}

func TestScheduledTask_Validate(t *testing.T) {
	t.Parallel()

	t.Run("valid task", func(t *testing.T) {
		t.Parallel()

		task := models.NewScheduledTask("task-1", "inst-1", "wait-1", models.TaskTypeWait, time.Now().UTC())
		require.NoError(t, task.Validate())
	})

	t.Run("missing instance id", func(t *testing.T) {
		t.Parallel()

		task := models.NewScheduledTask("task-1", "", "wait-1", models.TaskTypeWait, time.Now().UTC())
		require.ErrorIs(t, task.Validate(), models.ErrInvalidTask)
	})

	t.Run("malformed cron expression", func(t *testing.T) {
		t.Parallel()

		task := models.NewScheduledTask("task-1", "inst-1", "remind-1", models.TaskTypeReminder, time.Now().UTC())
		task.CronExpression = "not a cron"
		require.Error(t, task.Validate())
	})
}

func TestNewScheduledTask_Defaults(t *testing.T) {
	t.Parallel()

	task := models.NewScheduledTask("task-1", "inst-1", "wait-1", models.TaskTypeWait, time.Now().UTC())

	assert.Equal(t, 3, task.MaxRetries)
	assert.False(t, task.Executed)
	assert.False(t, task.IsRecurring())
}
