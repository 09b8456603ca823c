package model

import "time"

type JobID string

func (id JobID) String() string { return string(id) }

type State string

const (
	StatePending      State = "pending"
	StateRunning      State = "running"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
	StateDeadLettered State = "dead_lettered"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateDeadLettered
}

// Notification is the content to deliver. It is never modified once built.
type Notification struct {
	ID        string    `json:"id"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Job wraps a Notification with retry bookkeeping.
//
// A Job value obtained from the queue is a snapshot: mutating it has no effect
// on the queue. The Lease field identifies the claim a worker holds and must be
// handed back unchanged to Ack, Requeue or DeadLetter.
type Job struct {
	ID           JobID        `json:"id"`
	Seq          uint64       `json:"seq"`
	Notification Notification `json:"notification"`

	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	NextRunAt   time.Time `json:"next_run_at"`
	State       State     `json:"state"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Lease     string `json:"lease,omitempty"`
	Worker    string `json:"worker,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Ready reports whether j may be claimed at now.
func (j *Job) Ready(now time.Time) bool {
	return j.State == StatePending && !j.NextRunAt.After(now)
}

// LeaseExpired reports whether a running job has not been updated within lease.
func (j *Job) LeaseExpired(now time.Time, lease time.Duration) bool {
	return j.State == StateRunning && !j.UpdatedAt.Add(lease).After(now)
}
