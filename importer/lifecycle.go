package importer

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type CommitResult struct {
	RunID    uint   `json:"run_id"`
	Inserted Counts `json:"inserted"`
}

type DiscardResult struct {
	Discarded bool `json:"discarded"`
	BatchID   uint `json:"batch_id"`
}

func countCommittedRuns(tx *gorm.DB, batchID uint) (int64, error) {
	var n int64
	err := tx.Model(&ImportRun{}).
		Where("batch_id = ? AND status = ?", batchID, RunCommitted).
		Count(&n).Error
	return n, err
}

// checkCommittable enforces the state half of the commit gate. A committed batch may be
// committed again once every one of its runs has been rolled back.
func checkCommittable(tx *gorm.DB, batch *ImportBatch) error {
	switch batch.Status {
	case BatchStaged:
		return nil
	case BatchCommitted:
		live, err := countCommittedRuns(tx, batch.ID)
		if err != nil {
			return err
		}
		if live > 0 {
			return errors.Wrapf(ErrBatchNotCommittable, "batch %d already has %d committed run(s)", batch.ID, live)
		}
		return nil
	default:
		return errors.Wrapf(ErrBatchNotCommittable, "batch %d is %s", batch.ID, batch.Status)
	}
}

func (e *Engine) gate(tx *gorm.DB, batch *ImportBatch) (Issues, error) {
	if err := checkCommittable(tx, batch); err != nil {
		return Issues{}, err
	}
	issues, err := computeIssues(tx, batch.ID)
	if err != nil {
		return Issues{}, err
	}
	if issues.Blocking() > 0 {
		return issues, &ValidationBlockedError{BatchID: batch.ID, Issues: issues}
	}
	return issues, nil
}

// Commit materializes a staged batch into the normalized tables as one new run.
// A blocked batch is rejected before anything is written; any later failure
// rolls back every normalized write and leaves a failed run in the ledger.
func (e *Engine) Commit(ctx context.Context, batchID uint) (CommitResult, error) {
	batch, err := e.GetBatch(ctx, batchID)
	if err != nil {
		return CommitResult{}, err
	}
	if _, err := e.gate(e.db.WithContext(ctx), batch); err != nil {
		return CommitResult{}, asTransactionError("commit", err)
	}

	runID, err := e.StartRun(ctx, batchID)
	if err != nil {
		return CommitResult{}, asTransactionError("commit", err)
	}
	log := e.log.WithFields(logrus.Fields{"batch_id": batchID, "run_id": runID})
	log.Debug("commit started")

	var counts Counts
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked ImportBatch
		if err := forUpdate(tx).First(&locked, batchID).Error; err != nil {
			return notFound(err, "batch %d", batchID)
		}
		issues, err := e.gate(tx, &locked)
		if err != nil {
			return err
		}

		counts, err = e.newMaterializer(ctx, tx, runID).run(batchID)
		if err != nil {
			return err
		}
		if err := finishRun(tx, runID, RunCommitted, &counts, "", e.now()); err != nil {
			return err
		}
		issuesJSON, err := json.Marshal(issues)
		if err != nil {
			return err
		}
		return tx.Model(&ImportBatch{}).Where("id = ?", batchID).Updates(map[string]any{
			"status": BatchCommitted,
			"issues": datatypes.JSON(issuesJSON),
		}).Error
	})
	if err != nil {
		// The caller may have gone away; the ledger entry still has to be closed.
		if ferr := e.FinishRun(context.WithoutCancel(ctx), runID, RunFailed, nil, err.Error()); ferr != nil {
			log.WithError(ferr).Error("could not mark run failed")
		}
		e.metrics.Runs.WithLabelValues(string(RunFailed)).Inc()
		log.WithError(err).Warn("commit failed")
		return CommitResult{}, asTransactionError("commit", err)
	}

	e.metrics.observeCommit(counts)
	log.WithFields(logrus.Fields{
		"teaching_activity":  counts.TeachingActivity,
		"session_occurrence": counts.SessionOccurrence,
		"allocation":         counts.Allocation,
	}).Info("batch committed")
	return CommitResult{RunID: runID, Inserted: counts}, nil
}

// Discard drops a batch's staged rows. It refuses while any run of the batch is still committed.
func (e *Engine) Discard(ctx context.Context, batchID uint) (DiscardResult, error) {
	var removed int64
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch ImportBatch
		if err := forUpdate(tx).First(&batch, batchID).Error; err != nil {
			return notFound(err, "batch %d", batchID)
		}
		if batch.Status == BatchDiscarded {
			return errors.Wrapf(ErrBatchNotStaged, "batch %d is already discarded", batchID)
		}
		live, err := countCommittedRuns(tx, batchID)
		if err != nil {
			return err
		}
		if live > 0 {
			return &HasCommittedDataError{BatchID: batchID, CommittedRuns: live}
		}
		removed, err = discardRows(tx, batchID)
		return err
	})
	if err != nil {
		return DiscardResult{}, asTransactionError("discard", err)
	}
	e.log.WithFields(logrus.Fields{"batch_id": batchID, "rows": removed}).Info("batch discarded")
	return DiscardResult{Discarded: true, BatchID: batchID}, nil
}
