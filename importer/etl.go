package importer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type activityKey struct {
	unitOfferingID uint
	activityType   string
	activityName   string
}

type occurrenceKey struct {
	activityID uint
	date       string
	start      string
	end        string
}

// materializer turns one batch's staged rows into normalized rows inside tx.
// Activities and occurrences are reused when they already exist; every staged row
// gets its own allocation owned by the run. Existing rows are never updated.
type materializer struct {
	ctx             context.Context
	tx              *gorm.DB
	dir             Directory
	runID           uint
	requireApproval bool

	counts      Counts
	units       map[string]uint
	activities  map[activityKey]uint
	occurrences map[occurrenceKey]uint
}

func (e *Engine) newMaterializer(ctx context.Context, tx *gorm.DB, runID uint) *materializer {
	dir := e.dir
	if b, ok := dir.(interface{ WithTx(*gorm.DB) Directory }); ok {
		dir = b.WithTx(tx)
	}
	return &materializer{
		ctx:             ctx,
		tx:              tx,
		dir:             dir,
		runID:           runID,
		requireApproval: e.cfg.RequireApproval,
		units:           map[string]uint{},
		activities:      map[activityKey]uint{},
		occurrences:     map[occurrenceKey]uint{},
	}
}

func (m *materializer) run(batchID uint) (Counts, error) {
	var rows []StagedRow
	if err := m.tx.Where("batch_id = ?", batchID).Order("id asc").Find(&rows).Error; err != nil {
		return Counts{}, errors.Wrap(err, "load staged rows")
	}
	for i := range rows {
		if err := m.row(&rows[i]); err != nil {
			return Counts{}, err
		}
	}
	return m.counts, nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func rowErr(r *StagedRow, err error) error {
	return &RowError{RowID: r.ID, Line: r.SourceLine, Err: err}
}

func (m *materializer) row(r *StagedRow) error {
	unitID, err := m.unitOffering(deref(r.UnitCode))
	if err != nil {
		if errors.Is(err, ErrUnknownUnitCode) {
			return rowErr(r, err)
		}
		return err
	}

	activityID, err := m.activity(activityKey{
		unitOfferingID: unitID,
		activityType:   deref(r.ActivityType),
		activityName:   deref(r.ActivityName),
	}, deref(r.ActivityDescription))
	if err != nil {
		return err
	}

	date, err := ParseSessionDate(deref(r.ActivityDate))
	if err != nil {
		return rowErr(r, err)
	}
	start, err := ParseSessionTime(deref(r.ActivityStart))
	if err != nil {
		return rowErr(r, err)
	}
	end, err := ParseSessionTime(deref(r.ActivityEnd))
	if err != nil {
		return rowErr(r, err)
	}
	occurrenceID, err := m.occurrence(activityID, date, start, end)
	if err != nil {
		return err
	}

	hours, err := ParseHours(deref(r.UnitsHours))
	if err != nil {
		return rowErr(r, err)
	}
	userID, err := m.dir.TutorUserID(m.ctx, deref(r.StaffID))
	if err != nil {
		return errors.Wrap(err, "resolve tutor")
	}
	status := AllocationActive
	if m.requireApproval || userID == nil {
		status = AllocationDraft
	}
	return m.allocation(Allocation{
		SessionOccurrenceID: occurrenceID,
		UserID:              userID,
		StaffID:             deref(r.StaffID),
		StaffName:           deref(r.StaffName),
		Hours:               hours,
		Status:              status,
	})
}

func (m *materializer) unitOffering(code string) (uint, error) {
	code = NormalizeUnitCode(code)
	if id, ok := m.units[code]; ok {
		return id, nil
	}
	id, err := m.dir.UnitOfferingID(m.ctx, code)
	if err != nil {
		return 0, err
	}
	m.units[code] = id
	return id, nil
}

func (m *materializer) activity(k activityKey, description string) (uint, error) {
	if id, ok := m.activities[k]; ok {
		return id, nil
	}
	var a TeachingActivity
	err := m.tx.Where("unit_offering_id = ? AND activity_type = ? AND activity_name = ?",
		k.unitOfferingID, k.activityType, k.activityName).First(&a).Error
	switch {
	case err == nil:
	case errors.Is(err, gorm.ErrRecordNotFound):
		a = TeachingActivity{
			UnitOfferingID: k.unitOfferingID,
			ActivityType:   k.activityType,
			ActivityName:   k.activityName,
			Description:    description,
			CreatedByRunID: &m.runID,
		}
		if err := m.tx.Create(&a).Error; err != nil {
			return 0, errors.Wrap(err, "insert teaching_activity")
		}
		m.counts.TeachingActivity++
	default:
		return 0, errors.Wrap(err, "find teaching_activity")
	}
	m.activities[k] = a.ID
	return a.ID, nil
}

func timeKey(t *datatypes.Time) string {
	if t == nil {
		return ""
	}
	return t.String()
}

func whereTime(q *gorm.DB, column string, t *datatypes.Time) *gorm.DB {
	if t == nil {
		return q.Where(column + " IS NULL")
	}
	return q.Where(column+" = ?", *t)
}

func (m *materializer) occurrence(activityID uint, date datatypes.Date, start, end *datatypes.Time) (uint, error) {
	k := occurrenceKey{
		activityID: activityID,
		date:       time.Time(date).Format("2006-01-02"),
		start:      timeKey(start),
		end:        timeKey(end),
	}
	if id, ok := m.occurrences[k]; ok {
		return id, nil
	}
	q := m.tx.Where("activity_id = ? AND session_date = ?", activityID, date)
	q = whereTime(q, "start_time", start)
	q = whereTime(q, "end_time", end)

	var o SessionOccurrence
	err := q.First(&o).Error
	switch {
	case err == nil:
	case errors.Is(err, gorm.ErrRecordNotFound):
		o = SessionOccurrence{
			ActivityID:     activityID,
			SessionDate:    date,
			StartTime:      start,
			EndTime:        end,
			CreatedByRunID: &m.runID,
		}
		if err := m.tx.Create(&o).Error; err != nil {
			return 0, errors.Wrap(err, "insert session_occurrence")
		}
		m.counts.SessionOccurrence++
	default:
		return 0, errors.Wrap(err, "find session_occurrence")
	}
	m.occurrences[k] = o.ID
	return o.ID, nil
}

func (m *materializer) allocation(a Allocation) error {
	a.CreatedByRunID = &m.runID
	if err := m.tx.Create(&a).Error; err != nil {
		return errors.Wrap(err, "insert allocation")
	}
	m.counts.Allocation++
	return nil
}
