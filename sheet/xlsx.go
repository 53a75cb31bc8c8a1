package sheet

import (
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/xuri/excelize/v2"

	"timetable-import/importer"
)

// maxExcelSerial is 9999-12-31; larger numbers in a date column are not serial dates.
const maxExcelSerial = 2958465

type XLSXReader struct {
	f        *excelize.File
	rows     *excelize.Rows
	cols     columnMap
	line     int
	date1904 bool
}

// OpenXLSX reads cells as raw values so date and time cells can be converted from
// their serial numbers instead of depending on the workbook's display format.
func OpenXLSX(path string, opts Options) (*XLSXReader, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	r, err := newXLSXReader(f, opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// NewXLSXReader reads a workbook from in.
func NewXLSXReader(in io.Reader, opts Options) (*XLSXReader, error) {
	f, err := excelize.OpenReader(in)
	if err != nil {
		return nil, err
	}
	r, err := newXLSXReader(f, opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

func newXLSXReader(f *excelize.File, opts Options) (*XLSXReader, error) {
	name := opts.Sheet
	if name == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, fmt.Errorf("workbook has no sheets")
		}
		name = sheets[0]
	}
	rows, err := f.Rows(name)
	if err != nil {
		return nil, err
	}
	x := &XLSXReader{f: f, rows: rows}
	if props, err := f.GetWorkbookProps(); err == nil && props.Date1904 != nil {
		x.date1904 = *props.Date1904
	}

	if !rows.Next() {
		_ = rows.Close()
		return nil, fmt.Errorf("missing header")
	}
	x.line = 1
	header, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, err
	}
	if x.cols, err = mapHeader(header, opts.Aliases); err != nil {
		_ = rows.Close()
		return nil, err
	}
	return x, nil
}

func (x *XLSXReader) Next() (importer.RawRow, error) {
	for x.rows.Next() {
		x.line++
		record, err := x.rows.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			return importer.RawRow{}, err
		}
		if row, ok := x.cols.build(x.line, record, x.convert); ok {
			return row, nil
		}
	}
	if err := x.rows.Error(); err != nil {
		return importer.RawRow{}, err
	}
	return importer.RawRow{}, io.EOF
}

// convert renders serial date and time cells in the layouts the importer parses.
func (x *XLSXReader) convert(field, v string) string {
	switch field {
	case FieldActivityDate, FieldActivityStart, FieldActivityEnd:
	default:
		return v
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n < 0 {
		return v
	}
	if field == FieldActivityDate {
		if n < 1 || n > maxExcelSerial {
			return v
		}
		t, err := excelize.ExcelDateToTime(n, x.date1904)
		if err != nil {
			return v
		}
		return t.Format("2006-01-02")
	}
	// A time cell is the fractional part of a day.
	if n >= 1 {
		return v
	}
	secs := int(math.Round(n * 86400))
	return fmt.Sprintf("%02d:%02d", secs/3600%24, secs/60%60)
}

func (x *XLSXReader) Close() error {
	rerr := x.rows.Close()
	if err := x.f.Close(); err != nil {
		return err
	}
	return rerr
}
