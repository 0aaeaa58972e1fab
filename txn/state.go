package txn

import "time"

// State tracks how far a transactional operation progressed. The value
// recorded in an Outcome is the state the operation reached when it
// stopped, not a live status.
type State string

const (
	StatePending      State = "pending"
	StateCheckpointed State = "checkpointed"
	StateExecuting    State = "executing"
	StateVerifying    State = "verifying"
	StateCommitted    State = "committed"
	StateRolledBack   State = "rolled_back"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateRolledBack, StateFailed:
		return true
	default:
		return false
	}
}

// Op names a transactional operation.
type Op string

const (
	OpCreate  Op = "create"
	OpDelete  Op = "delete"
	OpRename  Op = "rename"
	OpRestore Op = "restore"
)

// Outcome is the durable record of one operation. Every outcome is
// appended to the operations log, success or not.
type Outcome struct {
	OperationID   string    `json:"operation_id"`
	Op            Op        `json:"op"`
	CollectionIDs []string  `json:"collection_ids"`
	State         State     `json:"state"`
	CheckpointID  string    `json:"checkpoint_id,omitempty"`
	RolledBack    bool      `json:"rolled_back"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Error         string    `json:"error,omitempty"`

	// Err carries the typed error for callers; Error above is its
	// string form for the log.
	Err error `json:"-"`
}

// Committed reports whether the operation took effect.
func (o *Outcome) Committed() bool {
	return o.State == StateCommitted
}
