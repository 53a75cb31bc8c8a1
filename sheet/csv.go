package sheet

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"

	"timetable-import/importer"
)

type CSVReader struct {
	r      *csv.Reader
	cols   columnMap
	closer func() error
}

// NewCSVReader reads the header row immediately so column errors surface before any data.
func NewCSVReader(in io.Reader, opts Options) (*CSVReader, error) {
	br := stripUTF8BOM(bufio.NewReader(in))
	r := csv.NewReader(br)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("missing header")
	}
	if err != nil {
		return nil, err
	}
	cols, err := mapHeader(header, opts.Aliases)
	if err != nil {
		return nil, err
	}
	return &CSVReader{r: r, cols: cols}, nil
}

func stripUTF8BOM(r *bufio.Reader) *bufio.Reader {
	b, err := r.Peek(3)
	if err == nil && len(b) == 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		_, _ = r.Discard(3)
	}
	return r
}

func (c *CSVReader) Next() (importer.RawRow, error) {
	for {
		record, err := c.r.Read()
		if err != nil {
			return importer.RawRow{}, err
		}
		line, _ := c.r.FieldPos(0)
		if row, ok := c.cols.build(line, record, nil); ok {
			return row, nil
		}
	}
}

func (c *CSVReader) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}
