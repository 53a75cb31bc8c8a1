package importer

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrBatchNotStaged      = errors.New("batch is not staged")
	ErrBatchNotCommittable = errors.New("batch cannot be committed in its current state")
	ErrDuplicateUpload     = errors.New("identical upload already staged")
	ErrUnknownUnitCode     = errors.New("unknown unit code")
)

// ValidationBlockedError is returned by Commit when the batch still has blocking issues.
type ValidationBlockedError struct {
	BatchID uint
	Issues  Issues
}

func (e *ValidationBlockedError) Error() string {
	return fmt.Sprintf("batch %d has %d blocking issue(s)", e.BatchID, e.Issues.Blocking())
}

// HasCommittedDataError is returned by Discard while committed runs still exist.
type HasCommittedDataError struct {
	BatchID       uint
	CommittedRuns int64
}

func (e *HasCommittedDataError) Error() string {
	return fmt.Sprintf("batch %d has %d committed run(s); roll them back first", e.BatchID, e.CommittedRuns)
}

// NotRollbackableError is returned when the run is missing or not in the committed state.
type NotRollbackableError struct {
	RunID  uint
	Status RunStatus
}

func (e *NotRollbackableError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("run %d does not exist", e.RunID)
	}
	return fmt.Sprintf("run %d is %s, only committed runs can be rolled back", e.RunID, e.Status)
}

// RowError reports a staged row the ETL could not materialize.
type RowError struct {
	RowID uint
	Line  int
	Err   error
}

func (e *RowError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("staged row %d (line %d): %v", e.RowID, e.Line, e.Err)
	}
	return fmt.Sprintf("staged row %d: %v", e.RowID, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// TransactionError wraps a store failure. The enclosing transaction has been aborted,
// so the operation can be retried as-is.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// asTransactionError leaves domain errors untouched and wraps everything else.
func asTransactionError(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		vb *ValidationBlockedError
		hc *HasCommittedDataError
		nr *NotRollbackableError
		re *RowError
		te *TransactionError
	)
	switch {
	case errors.As(err, &vb), errors.As(err, &hc), errors.As(err, &nr), errors.As(err, &re), errors.As(err, &te):
		return err
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrBatchNotStaged),
		errors.Is(err, ErrBatchNotCommittable), errors.Is(err, ErrDuplicateUpload),
		errors.Is(err, ErrEmptyUpload):
		return err
	}
	return &TransactionError{Op: op, Err: err}
}
