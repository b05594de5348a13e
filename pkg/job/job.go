// Package job tracks a single crop extraction from scheduling to its outcome and
// guards against more than one extraction running at a time.
package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/menta2k/photo-cropper/pkg/region"
)

var (
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrConcurrentJob     = errors.New("extraction job already in progress")
)

// State is the lifecycle position of a Job
type State int

const (
	Idle State = iota
	Scheduled
	Extracting
	Encoding
	Completed
	Failed
)

var stateNames = [...]string{
	Idle:       "idle",
	Scheduled:  "scheduled",
	Extracting: "extracting",
	Encoding:   "encoding",
	Completed:  "completed",
	Failed:     "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// next lists the states reachable from each state. Any non-terminal state may fail.
var next = map[State][]State{
	Idle:       {Scheduled, Failed},
	Scheduled:  {Extracting, Failed},
	Extracting: {Encoding, Failed},
	Encoding:   {Completed, Failed},
}

// Job is one extraction attempt. It is owned by a single goroutine at a time.
type Job struct {
	ID         string        `json:"id"`
	State      State         `json:"state"`
	Region     region.Region `json:"region"`
	MimeType   string        `json:"mime_type"`
	Quality    int           `json:"quality"`
	Err        error         `json:"-"`
	CreatedAt  time.Time     `json:"created_at"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
}

// New creates an idle job for the given natural-pixel region
func New(r region.Region, mimeType string, quality int) *Job {
	return &Job{
		ID:        uuid.New().String(),
		State:     Idle,
		Region:    r,
		MimeType:  mimeType,
		Quality:   quality,
		CreatedAt: time.Now(),
	}
}

// Advance moves the job to the given state if the transition is allowed
func (j *Job) Advance(to State) error {
	for _, s := range next[j.State] {
		if s == to {
			j.State = to
			if to.Terminal() {
				j.FinishedAt = time.Now()
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, to)
}

// Fail moves the job to Failed and records the cause
func (j *Job) Fail(err error) error {
	if advErr := j.Advance(Failed); advErr != nil {
		return advErr
	}
	j.Err = err
	return nil
}

// Duration returns how long the job ran, or zero while it is still running
func (j *Job) Duration() time.Duration {
	if j.FinishedAt.IsZero() {
		return 0
	}
	return j.FinishedAt.Sub(j.CreatedAt)
}
