package csvsource

import (
	"bufio"
	"bytes"
	"io"
	"net/url"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/rotisserie/eris"
)

// Encoding is the content-encoding hint of an import file.
type Encoding int

// Supported encodings.
const (
	Plain Encoding = iota
	Gzip
	Spreadsheet
)

func (e Encoding) String() string {
	switch e {
	case Gzip:
		return "gzip"
	case Spreadsheet:
		return "xlsx"
	default:
		return "plain"
	}
}

// DetectEncoding guesses the encoding from a file reference. Query strings of
// signed URLs are ignored.
func DetectEncoding(ref string) Encoding {
	p := ref
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		p = u.Path
	}
	p = strings.ToLower(p)
	switch {
	case strings.HasSuffix(p, ".xlsx"):
		return Spreadsheet
	case strings.HasSuffix(p, ".gz"):
		return Gzip
	default:
		return Plain
	}
}

// maxLineSize bounds a single physical line. Descriptive columns in factor
// catalogs can be long, so this is well above bufio's default.
const maxLineSize = 4 << 20

// LineReader yields the non-blank lines of a text stream one at a time.
type LineReader struct {
	scanner *bufio.Scanner
	closer  io.Closer
}

// NewLineReader wraps r, decompressing gzip input on the fly. Spreadsheet
// input is rejected: use Open, which decodes it through the xlsx reader.
func NewLineReader(r io.Reader, enc Encoding) (*LineReader, error) {
	lr := &LineReader{}
	switch enc {
	case Gzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, eris.Wrap(err, "csvsource: open gzip stream")
		}
		lr.closer = gz
		r = gz
	case Spreadsheet:
		return nil, eris.New("csvsource: spreadsheet input has no line stream")
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	sc.Split(scanLines)
	lr.scanner = sc
	return lr, nil
}

// Next returns the next non-blank line with any trailing CR removed.
// It returns io.EOF after the last line.
func (lr *LineReader) Next() (string, error) {
	for lr.scanner.Scan() {
		line := lr.scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		return line, nil
	}
	if err := lr.scanner.Err(); err != nil {
		return "", eris.Wrap(err, "csvsource: read line")
	}
	return "", io.EOF
}

// Close releases the decompressor, if any.
func (lr *LineReader) Close() error {
	if lr.closer != nil {
		return lr.closer.Close()
	}
	return nil
}

// CountLines counts the non-blank lines remaining in the stream.
func (lr *LineReader) CountLines() (int, error) {
	n := 0
	for {
		_, err := lr.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// scanLines is bufio.ScanLines with a CR strip that also handles a lone
// trailing CR at EOF.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, bytes.TrimSuffix(data[:i], []byte{'\r'}), nil
	}
	if atEOF {
		return len(data), bytes.TrimSuffix(data, []byte{'\r'}), nil
	}
	return 0, nil, nil
}
