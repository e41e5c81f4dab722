package txn

// Status is the ordinal lifecycle state of a transaction or of one participant.
// Values only move forward; merges keep the larger one.
type Status int32

const (
	StatusUnknown Status = iota
	StatusCreated
	StatusPrepared
	StatusCommitting
	StatusRejecting
	StatusCommitted
	StatusRejected
	StatusFinished
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "CREATED"
	case StatusPrepared:
		return "PREPARED"
	case StatusCommitting:
		return "COMMITTING"
	case StatusRejecting:
		return "REJECTING"
	case StatusCommitted:
		return "COMMITTED"
	case StatusRejected:
		return "REJECTED"
	case StatusFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Resolved reports whether the status is terminal from the coordinator's point of view.
func (s Status) Resolved() bool {
	return s >= StatusCommitted
}

// IsCommit reports whether the status carries a commit decision.
func (s Status) IsCommit() bool {
	return s == StatusCommitting || s == StatusCommitted
}

// IsReject reports whether the status carries a reject decision.
func (s Status) IsReject() bool {
	return s == StatusRejecting || s == StatusRejected
}

// MaxStatus returns the later of two statuses.
func MaxStatus(a, b Status) Status {
	if a > b {
		return a
	}
	return b
}

// Outcome is the participant-local result recorded when a transaction leaves the running set.
// It is never sent to the coordinator as a status.
type Outcome int32

const (
	OutcomeNone Outcome = iota
	OutcomeCommitted
	OutcomeRejected
)

// String returns the string representation of Outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeRejected:
		return "rejected"
	default:
		return "none"
	}
}
