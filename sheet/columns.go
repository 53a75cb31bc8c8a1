package sheet

import (
	"fmt"
	"strings"

	"timetable-import/importer"
)

// Field names are the staged_row column names.
const (
	FieldUnitCode            = "unit_code"
	FieldActivityName        = "activity_name"
	FieldActivityDate        = "activity_date"
	FieldActivityStart       = "activity_start"
	FieldActivityEnd         = "activity_end"
	FieldStaffID             = "staff_id"
	FieldStaffName           = "staff_name"
	FieldActivityType        = "activity_type"
	FieldActivityDescription = "activity_description"
	FieldUnitsHours          = "units_hours"
)

var defaultAliases = map[string][]string{
	FieldUnitCode:            {"unit", "subject code", "course code"},
	FieldActivityName:        {"activity", "class", "group"},
	FieldActivityDate:        {"date", "session date"},
	FieldActivityStart:       {"start", "start time"},
	FieldActivityEnd:         {"end", "end time", "finish"},
	FieldStaffID:             {"staff number", "tutor id", "employee id"},
	FieldStaffName:           {"staff", "tutor", "tutor name"},
	FieldActivityType:        {"type"},
	FieldActivityDescription: {"description", "notes"},
	FieldUnitsHours:          {"hours", "paid hours"},
}

var setters = map[string]func(*importer.RawRow, *string){
	FieldUnitCode:            func(r *importer.RawRow, v *string) { r.UnitCode = v },
	FieldActivityName:        func(r *importer.RawRow, v *string) { r.ActivityName = v },
	FieldActivityDate:        func(r *importer.RawRow, v *string) { r.ActivityDate = v },
	FieldActivityStart:       func(r *importer.RawRow, v *string) { r.ActivityStart = v },
	FieldActivityEnd:         func(r *importer.RawRow, v *string) { r.ActivityEnd = v },
	FieldStaffID:             func(r *importer.RawRow, v *string) { r.StaffID = v },
	FieldStaffName:           func(r *importer.RawRow, v *string) { r.StaffName = v },
	FieldActivityType:        func(r *importer.RawRow, v *string) { r.ActivityType = v },
	FieldActivityDescription: func(r *importer.RawRow, v *string) { r.ActivityDescription = v },
	FieldUnitsHours:          func(r *importer.RawRow, v *string) { r.UnitsHours = v },
}

func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(strings.ToLower(h))
	return strings.Join(strings.Fields(h), " ")
}

// columnMap is header position -> field name for one sheet.
type columnMap map[int]string

// mapHeader resolves each header cell to a field. The field name itself always matches;
// extra aliases are tried before the built-in ones. When two columns resolve to the same
// field the left-most wins.
func mapHeader(header []string, extra map[string][]string) (columnMap, error) {
	lookup := map[string]string{}
	add := func(alias, field string) {
		k := normalizeHeader(alias)
		if _, taken := lookup[k]; !taken && k != "" {
			lookup[k] = field
		}
	}
	for field := range setters {
		add(field, field)
	}
	for field, aliases := range extra {
		if _, ok := setters[field]; !ok {
			return nil, fmt.Errorf("unknown column field %q", field)
		}
		for _, a := range aliases {
			add(a, field)
		}
	}
	for field, aliases := range defaultAliases {
		for _, a := range aliases {
			add(a, field)
		}
	}

	cols := columnMap{}
	seen := map[string]bool{}
	for i, h := range header {
		field, ok := lookup[normalizeHeader(h)]
		if !ok || seen[field] {
			continue
		}
		seen[field] = true
		cols[i] = field
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("no recognised columns in header %q", header)
	}
	return cols, nil
}

// build turns one record into a RawRow. It reports false for a record with no values.
func (c columnMap) build(line int, record []string, conv func(field, v string) string) (importer.RawRow, bool) {
	row := importer.RawRow{Line: line}
	found := false
	for i, field := range c {
		if i >= len(record) {
			continue
		}
		v := strings.TrimSpace(record[i])
		if v == "" {
			continue
		}
		if conv != nil {
			v = conv(field, v)
		}
		found = true
		setters[field](&row, &v)
	}
	return row, found
}
