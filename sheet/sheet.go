// Package sheet reads timetable exports (CSV or XLSX) into importer.RawRow records.
package sheet

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"timetable-import/importer"
)

// Reader yields one RawRow per non-empty data row and io.EOF after the last one.
type Reader interface {
	Next() (importer.RawRow, error)
	Close() error
}

type Options struct {
	// Aliases adds header names per field on top of the built-in ones.
	Aliases map[string][]string
	// Sheet selects the XLSX worksheet. Empty means the first one.
	Sheet string
}

// Open picks a reader from the file extension.
func Open(path string, opts Options) (Reader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		r, err := NewCSVReader(f, opts)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		r.closer = f.Close
		return r, nil
	case ".xlsx", ".xlsm":
		return OpenXLSX(path, opts)
	default:
		return nil, fmt.Errorf("unsupported file type %q (want .csv or .xlsx)", filepath.Ext(path))
	}
}

// ReadAll drains r. It does not close it.
func ReadAll(r Reader) ([]importer.RawRow, error) {
	var rows []importer.RawRow
	for {
		row, err := r.Next()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}

// ReadFile opens, drains and closes path.
func ReadFile(path string, opts Options) ([]importer.RawRow, error) {
	r, err := Open(path, opts)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ReadAll(r)
}
