package worker

import (
	"time"

	"github.com/matthieugras/weconnect/internal/api"
)

// Job fetches the charging status of one vehicle
type Job struct {
	ID       int
	VIN      string
	Nickname string // display only, may be empty
}

// DisplayName returns the nickname when known, the VIN otherwise
func (j *Job) DisplayName() string {
	if j.Nickname != "" {
		return j.Nickname
	}
	return j.VIN
}

// NewJobs creates one job per vehicle
func NewJobs(vehicles []api.Vehicle) []*Job {
	jobs := make([]*Job, len(vehicles))
	for i, v := range vehicles {
		jobs[i] = &Job{ID: i, VIN: v.VIN, Nickname: v.Nickname}
	}
	return jobs
}

// JobResult represents the result of a job
type JobResult struct {
	Job      *Job
	Charge   *api.Charge
	Error    error
	Duration time.Duration
	Fatal    bool // If true, the whole run was aborted
}

// WorkerStatus represents the status of a worker
type WorkerStatus struct {
	ID            int
	State         WorkerState
	CurrentEntity string
	JobID         int
}

// WorkerState represents the state of a worker
type WorkerState int

const (
	WorkerStateIdle WorkerState = iota
	WorkerStateWorking
	WorkerStateBackingOff
	WorkerStateDone
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStateIdle:
		return "idle"
	case WorkerStateWorking:
		return "working"
	case WorkerStateBackingOff:
		return "backing off"
	case WorkerStateDone:
		return "done"
	default:
		return "unknown"
	}
}
