package importer

import (
	"context"
	"sort"
)

// TimetableSession is one dated slot of a derived activity, with the staff named against it.
type TimetableSession struct {
	Date  string   `json:"date"`
	Start string   `json:"start,omitempty"`
	End   string   `json:"end,omitempty"`
	Staff []string `json:"staff,omitempty"`
}

// TimetableActivity groups staged rows the way the ETL will key teaching activities.
type TimetableActivity struct {
	UnitCode     string             `json:"unit_code"`
	ActivityType string             `json:"activity_type,omitempty"`
	ActivityName string             `json:"activity_name"`
	Sessions     []TimetableSession `json:"sessions"`
}

type Preview struct {
	BatchID          uint                `json:"batch_id"`
	Status           BatchStatus         `json:"status"`
	RowCount         int                 `json:"row_count"`
	Rows             []StagedRow         `json:"rows"`
	Issues           Issues              `json:"issues"`
	Blocking         int64               `json:"blocking"`
	DerivedTimetable []TimetableActivity `json:"derived_timetable"`
}

// DeriveTimetable is a best-effort grouping for review. Rows missing a unit code or
// activity name are left out since they cannot be committed anyway.
func DeriveTimetable(rows []StagedRow) []TimetableActivity {
	type actKey struct{ unit, typ, name string }
	type sessKey struct{ date, start, end string }

	var order []actKey
	acts := map[actKey]*TimetableActivity{}
	sessIdx := map[actKey]map[sessKey]int{}

	for _, r := range rows {
		ak := actKey{deref(r.UnitCode), deref(r.ActivityType), deref(r.ActivityName)}
		if ak.unit == "" || ak.name == "" {
			continue
		}
		a, ok := acts[ak]
		if !ok {
			a = &TimetableActivity{UnitCode: ak.unit, ActivityType: ak.typ, ActivityName: ak.name}
			acts[ak] = a
			sessIdx[ak] = map[sessKey]int{}
			order = append(order, ak)
		}
		sk := sessKey{deref(r.ActivityDate), deref(r.ActivityStart), deref(r.ActivityEnd)}
		i, ok := sessIdx[ak][sk]
		if !ok {
			a.Sessions = append(a.Sessions, TimetableSession{Date: sk.date, Start: sk.start, End: sk.end})
			i = len(a.Sessions) - 1
			sessIdx[ak][sk] = i
		}
		staff := deref(r.StaffName)
		if staff == "" {
			staff = deref(r.StaffID)
		}
		if staff != "" && !contains(a.Sessions[i].Staff, staff) {
			a.Sessions[i].Staff = append(a.Sessions[i].Staff, staff)
		}
	}

	out := make([]TimetableActivity, 0, len(order))
	for _, k := range order {
		out = append(out, *acts[k])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UnitCode != out[j].UnitCode {
			return out[i].UnitCode < out[j].UnitCode
		}
		if out[i].ActivityType != out[j].ActivityType {
			return out[i].ActivityType < out[j].ActivityType
		}
		return out[i].ActivityName < out[j].ActivityName
	})
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Preview is read-only: the first limit rows, the current issues and the derived timetable
// over the whole batch.
func (e *Engine) Preview(ctx context.Context, batchID uint, limit int) (Preview, error) {
	batch, err := e.GetBatch(ctx, batchID)
	if err != nil {
		return Preview{}, err
	}
	all, err := e.GetRows(ctx, batchID, 0)
	if err != nil {
		return Preview{}, err
	}
	issues, err := computeIssues(e.db.WithContext(ctx), batchID)
	if err != nil {
		return Preview{}, err
	}
	rows := all
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	e.debugf("preview batch %d: %d/%d rows", batchID, len(rows), len(all))
	return Preview{
		BatchID:          batch.ID,
		Status:           batch.Status,
		RowCount:         batch.RowCount,
		Rows:             rows,
		Issues:           issues,
		Blocking:         issues.Blocking(),
		DerivedTimetable: DeriveTimetable(all),
	}, nil
}
