package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHeartbeat = `# Heartbeat Tasks

## Periodic Reviews

### Daily Standup
- Schedule: "0 9 * * *"
- Task: "Review daily progress, check for blocked tasks, update priorities"

### Weekly Summary
- Schedule: 0 17 * * FRI
- TZ: "Europe/Berlin"
- Task: Summarize the week

## Notes

Free text is ignored.
`

func TestParse(t *testing.T) {
	tasks := Parse(sampleHeartbeat)
	require.Len(t, tasks, 2)

	assert.Equal(t, Task{
		Name:     "Daily Standup",
		Schedule: "0 9 * * *",
		Task:     "Review daily progress, check for blocked tasks, update priorities",
	}, tasks[0])
	assert.Equal(t, Task{
		Name:     "Weekly Summary",
		Schedule: "0 17 * * FRI",
		TZ:       "Europe/Berlin",
		Task:     "Summarize the week",
	}, tasks[1])
}

func TestParse_Edges(t *testing.T) {
	assert.Empty(t, Parse(""))
	assert.Empty(t, Parse("# Heartbeat Tasks\n\n## Section only\n- Schedule: \"* * * * *\"\n"))

	tasks := Parse("### Incomplete\n- Task: \"no schedule\"\n")
	require.Len(t, tasks, 1)
	assert.Error(t, Validate(tasks[0]))
}

func TestValidate(t *testing.T) {
	valid := Task{Name: "n", Schedule: "0 9 * * *", Task: "t"}

	tests := []struct {
		name    string
		mutate  func(*Task)
		wantErr string
	}{
		{"valid", func(*Task) {}, ""},
		{"empty name", func(t *Task) { t.Name = "" }, "name cannot be empty"},
		{"empty schedule", func(t *Task) { t.Schedule = "" }, "schedule cannot be empty"},
		{"invalid cron", func(t *Task) { t.Schedule = "every day" }, "invalid cron expression"},
		{"invalid tz", func(t *Task) { t.TZ = "Mars/Olympus" }, "invalid cron expression"},
		{"empty task", func(t *Task) { t.Task = "" }, "description cannot be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := valid
			tt.mutate(&task)
			err := Validate(task)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDueTasks(t *testing.T) {
	tasks := []Task{
		{Name: "morning", Schedule: "0 9 * * *", Task: "a"},
		{Name: "hourly", Schedule: "0 * * * *", Task: "b"},
	}
	at := func(h, m int) time.Time { return time.Date(2026, 6, 1, h, m, 0, 0, time.Local) }

	names := func(ts []Task) []string {
		var out []string
		for _, t := range ts {
			out = append(out, t.Name)
		}
		return out
	}

	assert.Equal(t, []string{"morning", "hourly"}, names(DueTasks(tasks, at(8, 55), at(9, 0))))
	assert.Equal(t, []string{"hourly"}, names(DueTasks(tasks, at(9, 50), at(10, 5))))
	assert.Empty(t, DueTasks(tasks, at(10, 5), at(10, 15)))
}
