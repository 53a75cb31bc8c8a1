package main

import (
	"github.com/pkg/errors"

	"timetable-import/importer"
)

type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string {
	return e.err.Error()
}

func (e *cliError) Unwrap() error {
	return e.err
}

const (
	exitOK         = 0
	exitValidation = 2
	exitUsage      = 3
	exitDB         = 4
	exitDBWrite    = 5
	exitSafetyNet  = 6
)

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &cliError{code: code, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}

// classify attaches an exit code to an engine error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var (
		blocked *importer.ValidationBlockedError
		guard   *importer.HasCommittedDataError
		notRb   *importer.NotRollbackableError
		rowErr  *importer.RowError
		txErr   *importer.TransactionError
	)
	switch {
	case errors.As(err, &guard), errors.As(err, &notRb):
		return withCode(exitSafetyNet, err)
	case errors.As(err, &blocked), errors.As(err, &rowErr),
		errors.Is(err, importer.ErrNotFound),
		errors.Is(err, importer.ErrBatchNotStaged),
		errors.Is(err, importer.ErrBatchNotCommittable),
		errors.Is(err, importer.ErrDuplicateUpload),
		errors.Is(err, importer.ErrEmptyUpload):
		return withCode(exitValidation, err)
	case errors.As(err, &txErr):
		return withCode(exitDBWrite, err)
	default:
		return withCode(exitDB, err)
	}
}
