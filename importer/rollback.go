package importer

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type RollbackResult struct {
	RunID   uint          `json:"run_id"`
	Deleted DeletedCounts `json:"deleted"`
}

// Rollback removes the rows one committed run created, bottom-up, keeping any row
// that rows from other runs still reference. The batch status is left alone.
func (e *Engine) Rollback(ctx context.Context, runID uint) (RollbackResult, error) {
	var deleted DeletedCounts
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Claiming the run first makes a concurrent second rollback see zero rows.
		claim := tx.Model(&ImportRun{}).
			Where("id = ? AND status = ?", runID, RunCommitted).
			Update("status", RunRolledBack)
		if claim.Error != nil {
			return errors.Wrap(claim.Error, "claim run")
		}
		if claim.RowsAffected == 0 {
			var run ImportRun
			err := tx.Select("id", "status").First(&run, runID).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				return &NotRollbackableError{RunID: runID}
			case err != nil:
				return err
			}
			return &NotRollbackableError{RunID: runID, Status: run.Status}
		}

		var err error
		if deleted, err = deleteRunRows(tx, runID); err != nil {
			return err
		}

		b, err := json.Marshal(deleted)
		if err != nil {
			return err
		}
		now := e.now()
		return tx.Model(&ImportRun{}).Where("id = ?", runID).Updates(map[string]any{
			"finished_at":     now,
			"rolled_back_at":  now,
			"rollback_counts": datatypes.JSON(b),
		}).Error
	})
	if err != nil {
		return RollbackResult{}, asTransactionError("rollback", err)
	}

	e.metrics.observeRollback(deleted)
	e.log.WithFields(logrus.Fields{
		"run_id":  runID,
		"d_teach": deleted.Teach,
		"d_sess":  deleted.Sess,
		"d_alloc": deleted.Alloc,
	}).Info("run rolled back")
	return RollbackResult{RunID: runID, Deleted: deleted}, nil
}

// deleteRunRows walks allocation -> occurrence -> activity. A parent created by the run
// is only deleted when nothing references it any more.
func deleteRunRows(tx *gorm.DB, runID uint) (DeletedCounts, error) {
	var d DeletedCounts

	res := tx.Where("created_by_run_id = ?", runID).Delete(&Allocation{})
	if res.Error != nil {
		return d, errors.Wrap(res.Error, "delete allocations")
	}
	d.Alloc = res.RowsAffected

	res = tx.Where("created_by_run_id = ?", runID).
		Where("NOT EXISTS (SELECT 1 FROM allocation a WHERE a.session_occurrence_id = session_occurrence.id)").
		Delete(&SessionOccurrence{})
	if res.Error != nil {
		return d, errors.Wrap(res.Error, "delete session occurrences")
	}
	d.Sess = res.RowsAffected

	res = tx.Where("created_by_run_id = ?", runID).
		Where("NOT EXISTS (SELECT 1 FROM session_occurrence o WHERE o.activity_id = teaching_activity.id)").
		Delete(&TeachingActivity{})
	if res.Error != nil {
		return d, errors.Wrap(res.Error, "delete teaching activities")
	}
	d.Teach = res.RowsAffected

	return d, nil
}
