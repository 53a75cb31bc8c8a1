package importer

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrEmptyUpload = errors.New("no rows to stage")

// RawRow is one record as produced by the file parser, before normalization.
type RawRow struct {
	Line                int     `json:"line,omitempty" validate:"gte=0"`
	UnitCode            *string `json:"unit_code" validate:"omitempty,max=32"`
	ActivityName        *string `json:"activity_name" validate:"omitempty,max=255"`
	ActivityDate        *string `json:"activity_date" validate:"omitempty,max=32"`
	ActivityStart       *string `json:"activity_start" validate:"omitempty,max=16"`
	ActivityEnd         *string `json:"activity_end" validate:"omitempty,max=16"`
	StaffID             *string `json:"staff_id" validate:"omitempty,max=64"`
	StaffName           *string `json:"staff_name" validate:"omitempty,max=255"`
	ActivityType        *string `json:"activity_type" validate:"omitempty,max=64"`
	ActivityDescription *string `json:"activity_description"`
	UnitsHours          *string `json:"units_hours" validate:"omitempty,max=32"`
}

func (r RawRow) fields() []*string {
	return []*string{
		r.UnitCode, r.ActivityName, r.ActivityDate, r.ActivityStart, r.ActivityEnd,
		r.StaffID, r.StaffName, r.ActivityType, r.ActivityDescription, r.UnitsHours,
	}
}

func (r RawRow) toStaged(batchID uint) StagedRow {
	row := StagedRow{
		BatchID:             batchID,
		SourceLine:          r.Line,
		ActivityName:        normalizedPtr(r.ActivityName),
		ActivityDate:        normalizedPtr(r.ActivityDate),
		ActivityStart:       normalizedPtr(r.ActivityStart),
		ActivityEnd:         normalizedPtr(r.ActivityEnd),
		StaffID:             normalizedPtr(r.StaffID),
		StaffName:           normalizedPtr(r.StaffName),
		ActivityDescription: normalizedPtr(r.ActivityDescription),
		UnitsHours:          normalizedPtr(r.UnitsHours),
	}
	if v := normalizedPtr(r.UnitCode); v != nil {
		code := NormalizeUnitCode(*v)
		row.UnitCode = &code
	}
	if v := normalizedPtr(r.ActivityType); v != nil {
		typ := NormalizeActivityType(*v)
		row.ActivityType = &typ
	}
	return row
}

type StageInput struct {
	// BatchID appends to an existing staged batch; nil creates a new one.
	BatchID *uint
	Source  string
	Rows    []RawRow
}

type StageResult struct {
	BatchID  uint `json:"batch_id"`
	RowCount int  `json:"row_count"`
}

// StageRows appends parsed rows to a batch and refreshes its row count and cached issues.
func (e *Engine) StageRows(ctx context.Context, in StageInput) (StageResult, error) {
	if len(in.Rows) == 0 {
		return StageResult{}, ErrEmptyUpload
	}
	digest := HashRows(in.Rows)

	var res StageResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch ImportBatch
		if in.BatchID == nil {
			if e.cfg.RejectDuplicateUploads {
				var dup int64
				if err := tx.Model(&ImportBatch{}).
					Where("content_sha256 = ? AND status <> ?", digest, BatchDiscarded).
					Count(&dup).Error; err != nil {
					return err
				}
				if dup > 0 {
					return ErrDuplicateUpload
				}
			}
			batch = ImportBatch{Status: BatchStaged, Source: in.Source, ContentSHA256: digest}
			if err := tx.Create(&batch).Error; err != nil {
				return errors.Wrap(err, "create batch")
			}
		} else {
			if err := forUpdate(tx).First(&batch, *in.BatchID).Error; err != nil {
				return notFound(err, "batch %d", *in.BatchID)
			}
			if batch.Status != BatchStaged {
				return errors.Wrapf(ErrBatchNotStaged, "batch %d is %s", batch.ID, batch.Status)
			}
		}

		rows := make([]StagedRow, 0, len(in.Rows))
		for _, r := range in.Rows {
			rows = append(rows, r.toStaged(batch.ID))
		}
		if err := tx.CreateInBatches(&rows, 500).Error; err != nil {
			return errors.Wrap(err, "insert staged rows")
		}

		var total int64
		if err := tx.Model(&StagedRow{}).Where("batch_id = ?", batch.ID).Count(&total).Error; err != nil {
			return err
		}
		issues, err := computeIssues(tx, batch.ID)
		if err != nil {
			return err
		}
		issuesJSON, err := json.Marshal(issues)
		if err != nil {
			return err
		}
		if err := tx.Model(&ImportBatch{}).Where("id = ?", batch.ID).Updates(map[string]any{
			"row_count": total,
			"issues":    datatypes.JSON(issuesJSON),
		}).Error; err != nil {
			return err
		}
		res = StageResult{BatchID: batch.ID, RowCount: int(total)}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrEmptyUpload) {
			return StageResult{}, err
		}
		return StageResult{}, asTransactionError("stage", err)
	}
	e.metrics.RowsStaged.Add(float64(len(in.Rows)))
	e.log.WithFields(logrus.Fields{"batch_id": res.BatchID, "row_count": res.RowCount, "appended": len(in.Rows)}).Info("rows staged")
	return res, nil
}

// GetRows returns up to limit staged rows in insertion order. limit <= 0 returns all rows.
func (e *Engine) GetRows(ctx context.Context, batchID uint, limit int) ([]StagedRow, error) {
	db := e.db.WithContext(ctx)
	if _, err := e.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	q := db.Where("batch_id = ?", batchID).Order("id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []StagedRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (e *Engine) GetBatch(ctx context.Context, batchID uint) (*ImportBatch, error) {
	var batch ImportBatch
	if err := e.db.WithContext(ctx).First(&batch, batchID).Error; err != nil {
		return nil, notFound(err, "batch %d", batchID)
	}
	return &batch, nil
}

// discardRows is the storage half of discard; the lifecycle controller gates it.
func discardRows(tx *gorm.DB, batchID uint) (int64, error) {
	res := tx.Where("batch_id = ?", batchID).Delete(&StagedRow{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "delete staged rows")
	}
	if err := tx.Model(&ImportBatch{}).Where("id = ?", batchID).
		Update("status", BatchDiscarded).Error; err != nil {
		return 0, errors.Wrap(err, "mark batch discarded")
	}
	return res.RowsAffected, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrapf(ErrNotFound, format, args...)
	}
	return err
}
