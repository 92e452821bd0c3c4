package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"wadispatch/internal/task/engine"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name, e.g. "Asia/Jakarta"; empty means Local
}

// Enqueuer is the part of the task engine the scheduler needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string
	timeout time.Duration
	opt     engine.TaskOptions
	job     Job
	entryID cron.EntryID
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}
