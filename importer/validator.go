package importer

import (
	"context"

	"gorm.io/gorm"
)

// Issues counts staged rows with missing fields. Missing start/end times are advisory.
type Issues struct {
	MissingUnitCode     int64 `json:"missing_unit_code"`
	MissingActivityName int64 `json:"missing_activity_name"`
	MissingDate         int64 `json:"missing_date"`
	MissingTimes        int64 `json:"missing_times"`
}

// Blocking is the number of issues that prevent a commit.
func (i Issues) Blocking() int64 {
	return i.MissingUnitCode + i.MissingActivityName + i.MissingDate
}

const issuesSelect = `
	COALESCE(SUM(CASE WHEN unit_code IS NULL OR unit_code = '' THEN 1 ELSE 0 END), 0) AS missing_unit_code,
	COALESCE(SUM(CASE WHEN activity_name IS NULL OR activity_name = '' THEN 1 ELSE 0 END), 0) AS missing_activity_name,
	COALESCE(SUM(CASE WHEN activity_date IS NULL OR activity_date = '' THEN 1 ELSE 0 END), 0) AS missing_date,
	COALESCE(SUM(CASE WHEN activity_start IS NULL OR activity_start = '' OR activity_end IS NULL OR activity_end = '' THEN 1 ELSE 0 END), 0) AS missing_times`

func computeIssues(db *gorm.DB, batchID uint) (Issues, error) {
	var out Issues
	err := db.Model(&StagedRow{}).
		Select(issuesSelect).
		Where("batch_id = ?", batchID).
		Scan(&out).Error
	return out, err
}

// ComputeIssues is a pure read over the batch's staged rows.
func (e *Engine) ComputeIssues(ctx context.Context, batchID uint) (Issues, error) {
	if _, err := e.GetBatch(ctx, batchID); err != nil {
		return Issues{}, err
	}
	return computeIssues(e.db.WithContext(ctx), batchID)
}
