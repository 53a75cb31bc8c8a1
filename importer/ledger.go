package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// StartRun opens a ledger entry in its own write so that a failed commit still leaves an audit row.
func (e *Engine) StartRun(ctx context.Context, batchID uint) (uint, error) {
	run := ImportRun{
		BatchID:   batchID,
		StartedAt: e.now(),
		Status:    RunInProgress,
		Counts:    datatypes.JSON(`{}`),
	}
	if err := e.db.WithContext(ctx).Create(&run).Error; err != nil {
		return 0, errors.Wrap(err, "start run")
	}
	return run.ID, nil
}

// FinishRun moves an in-progress run to a terminal status. Terminal runs are immutable here;
// only Rollback may move committed -> rolled_back.
func (e *Engine) FinishRun(ctx context.Context, runID uint, status RunStatus, counts *Counts, errText string) error {
	return finishRun(e.db.WithContext(ctx), runID, status, counts, errText, e.now())
}

func finishRun(tx *gorm.DB, runID uint, status RunStatus, counts *Counts, errText string, at time.Time) error {
	if status != RunCommitted && status != RunFailed {
		return fmt.Errorf("finish run %d: invalid terminal status %q", runID, status)
	}
	updates := map[string]any{
		"status":      status,
		"finished_at": at,
		"error":       errText,
	}
	if counts != nil {
		b, err := json.Marshal(counts)
		if err != nil {
			return err
		}
		updates["counts"] = datatypes.JSON(b)
	}
	res := tx.Model(&ImportRun{}).
		Where("id = ? AND status = ?", runID, RunInProgress).
		Updates(updates)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "finish run %d", runID)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("finish run %d: run is not in progress", runID)
	}
	return nil
}

func (e *Engine) GetRun(ctx context.Context, runID uint) (*ImportRun, error) {
	var run ImportRun
	if err := e.db.WithContext(ctx).First(&run, runID).Error; err != nil {
		return nil, notFound(err, "run %d", runID)
	}
	return &run, nil
}

// ListRuns returns the newest runs first.
func (e *Engine) ListRuns(ctx context.Context, limit int) ([]ImportRun, error) {
	var runs []ImportRun
	q := e.db.WithContext(ctx).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (e *Engine) ListBatches(ctx context.Context, limit int) ([]ImportBatch, error) {
	var batches []ImportBatch
	q := e.db.WithContext(ctx).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&batches).Error; err != nil {
		return nil, err
	}
	return batches, nil
}

type History struct {
	Staged []ImportBatch `json:"staged"`
	Runs   []ImportRun   `json:"runs"`
}

func (e *Engine) History(ctx context.Context, limit int) (History, error) {
	batches, err := e.ListBatches(ctx, limit)
	if err != nil {
		return History{}, err
	}
	runs, err := e.ListRuns(ctx, limit)
	if err != nil {
		return History{}, err
	}
	return History{Staged: batches, Runs: runs}, nil
}

// DecodeCounts reads ImportRun.Counts.
func (r ImportRun) DecodeCounts() (Counts, error) {
	var c Counts
	if len(r.Counts) == 0 {
		return c, nil
	}
	err := json.Unmarshal(r.Counts, &c)
	return c, err
}
