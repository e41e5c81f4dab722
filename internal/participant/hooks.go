package participant

import (
	"context"

	"disttx/internal/txn"
)

// Event is a lifecycle callback. Errors are logged and never change the ledger state.
type Event func(ctx context.Context, ps *txn.ParticipantStorage) error

// Hooks connects the ledger to the business logic of the participant. Nil fields are skipped.
// UndoEvent runs only for rejected force-commit transactions.
type Hooks struct {
	// CheckWritable gates reconciliation. When it reports false the task stops early.
	CheckWritable func(ctx context.Context) bool
	// CheckPrepare validates a prepare request and may add lock resources to ps.
	// A txn.ErrResourcePreempted error with reason.AllowRetry lets the client retry.
	CheckPrepare func(ctx context.Context, ps *txn.ParticipantStorage) (txn.FailureReason, error)

	OnStartRunning  Event
	DoEvent         Event
	UndoEvent       Event
	OnFinishRunning Event
	OnFinished      Event
	OnCommitted     Event
	OnRejected      Event

	OnResolveTaskFinished func(ctx context.Context)
}
