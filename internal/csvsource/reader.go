package csvsource

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Options configures a Reader.
type Options struct {
	// Strict turns a field-count mismatch into a fatal error instead of a
	// per-row LineError.
	Strict bool
}

// LineError reports a data line whose field count differs from the header.
type LineError struct {
	Line int
	Got  int
	Want int
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %d fields, expected %d", e.Line, e.Got, e.Want)
}

// Row is one decoded data line. Line is the index among non-blank lines,
// with the header at 0. Err is set (and Fields nil) for a malformed line.
type Row struct {
	Line   int
	Fields map[string]string
	Err    *LineError
}

// Reader is a forward-only header-mapped row stream.
type Reader struct {
	header []string
	next   func() ([]string, error)
	closer io.Closer
	line   int
	opts   Options
}

// Open reads the header line and returns a Reader positioned on the first
// data line. Plain and gzip input are streamed; spreadsheet input is read
// fully and served from memory.
func Open(r io.Reader, enc Encoding, opts Options) (*Reader, error) {
	rd := &Reader{opts: opts}

	if enc == Spreadsheet {
		grid, err := readSpreadsheet(r)
		if err != nil {
			return nil, err
		}
		i := 0
		rd.next = func() ([]string, error) {
			if i >= len(grid) {
				return nil, io.EOF
			}
			row := grid[i]
			i++
			return row, nil
		}
	} else {
		lr, err := NewLineReader(r, enc)
		if err != nil {
			return nil, err
		}
		rd.closer = lr
		rd.next = func() ([]string, error) {
			line, err := lr.Next()
			if err != nil {
				return nil, err
			}
			return ParseLine(line), nil
		}
	}

	header, err := rd.next()
	if err == io.EOF {
		rd.Close() //nolint:errcheck
		return nil, eris.New("csvsource: empty file")
	}
	if err != nil {
		rd.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "csvsource: read header")
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	rd.header = header
	return rd, nil
}

// Header returns the header fields.
func (rd *Reader) Header() []string { return rd.header }

// Line returns the index of the last line returned or skipped.
func (rd *Reader) Line() int { return rd.line }

// Next returns the next data row, or io.EOF when the stream is exhausted.
func (rd *Reader) Next() (Row, error) {
	values, err := rd.next()
	if err != nil {
		return Row{}, err
	}
	rd.line++

	if len(values) != len(rd.header) {
		le := &LineError{Line: rd.line, Got: len(values), Want: len(rd.header)}
		if rd.opts.Strict {
			return Row{}, eris.Wrap(le, "csvsource: strict mode")
		}
		return Row{Line: rd.line, Err: le}, nil
	}

	fields := make(map[string]string, len(rd.header))
	for i, h := range rd.header {
		fields[h] = values[i]
	}
	return Row{Line: rd.line, Fields: fields}, nil
}

// Skip advances past n data lines without decoding them into rows. It
// returns the number actually skipped, which is less than n only at EOF.
func (rd *Reader) Skip(n int) (int, error) {
	for i := 0; i < n; i++ {
		if _, err := rd.next(); err != nil {
			if err == io.EOF {
				return i, nil
			}
			return i, err
		}
		rd.line++
	}
	return n, nil
}

// Close releases the underlying stream.
func (rd *Reader) Close() error {
	if rd.closer != nil {
		return rd.closer.Close()
	}
	return nil
}

// StreamRows drains rd into a channel. Both channels are closed when the
// stream ends; the error channel carries at most one fatal error.
func StreamRows(ctx context.Context, rd *Reader) (<-chan Row, <-chan error) {
	rowCh := make(chan Row, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csvsource: context cancelled")
				return
			}

			row, err := rd.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- err
				return
			}

			select {
			case rowCh <- row:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csvsource: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

// readSpreadsheet decodes the first sheet into a grid, dropping blank rows
// and trailing empty cells.
func readSpreadsheet(r io.Reader) ([][]string, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, eris.Wrap(err, "csvsource: read spreadsheet")
	}

	f, err := xlsx.OpenBinary(buf.Bytes())
	if err != nil {
		return nil, eris.Wrap(err, "csvsource: open spreadsheet")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("csvsource: spreadsheet has no sheets")
	}

	var grid [][]string
	var width int
	for _, row := range f.Sheets[0].Rows {
		cells := rowToStrings(row)
		if isBlank(cells) {
			continue
		}
		if len(grid) == 0 {
			width = len(cells)
		} else {
			cells = fitWidth(cells, width)
		}
		grid = append(grid, cells)
	}
	return grid, nil
}

func rowToStrings(row *xlsx.Row) []string {
	if row == nil {
		return nil
	}
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = strings.TrimSpace(cell.String())
	}
	for len(cells) > 0 && cells[len(cells)-1] == "" {
		cells = cells[:len(cells)-1]
	}
	return cells
}

// fitWidth pads rows whose trailing empty cells were not stored. Rows that
// really are wider are left alone so they fail the field-count check.
func fitWidth(cells []string, width int) []string {
	for len(cells) < width {
		cells = append(cells, "")
	}
	return cells
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}
