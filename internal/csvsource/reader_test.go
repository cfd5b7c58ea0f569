package csvsource

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

const sampleCSV = "Nom,FE,Source\r\n" +
	"Electricity,\"0,057\",ADEME\r\n" +
	"\r\n" +
	"Broken,1\r\n" +
	"Gas,\"0,2\",\"Base, Carbone\"\r\n" +
	"\n"

func readAll(t *testing.T, rd *Reader) []Row {
	t.Helper()
	var rows []Row
	for {
		row, err := rd.Next()
		if err == io.EOF {
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func TestOpen_PlainCSV(t *testing.T) {
	rd, err := Open(strings.NewReader(sampleCSV), Plain, Options{})
	require.NoError(t, err)
	defer rd.Close()

	assert.Equal(t, []string{"Nom", "FE", "Source"}, rd.Header())

	rows := readAll(t, rd)
	require.Len(t, rows, 3)

	assert.Equal(t, 1, rows[0].Line)
	assert.Equal(t, "0,057", rows[0].Fields["FE"])
	assert.Nil(t, rows[0].Err)

	assert.Equal(t, 2, rows[1].Line)
	require.NotNil(t, rows[1].Err)
	assert.Equal(t, 2, rows[1].Err.Got)
	assert.Equal(t, 3, rows[1].Err.Want)
	assert.Nil(t, rows[1].Fields)

	assert.Equal(t, "Base, Carbone", rows[2].Fields["Source"])
	assert.Equal(t, 3, rd.Line())
}

func TestOpen_Strict(t *testing.T) {
	rd, err := Open(strings.NewReader(sampleCSV), Plain, Options{Strict: true})
	require.NoError(t, err)

	_, err = rd.Next()
	require.NoError(t, err)
	_, err = rd.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2: 2 fields, expected 3")
}

func TestOpen_Gzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(sampleCSV))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	rd, err := Open(&buf, Gzip, Options{})
	require.NoError(t, err)
	defer rd.Close()

	rows := readAll(t, rd)
	require.Len(t, rows, 3)
	assert.Equal(t, "Gas", rows[2].Fields["Nom"])
}

func TestOpen_GzipInvalid(t *testing.T) {
	_, err := Open(strings.NewReader("not gzip"), Gzip, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open gzip stream")
}

func TestOpen_Empty(t *testing.T) {
	_, err := Open(strings.NewReader("\n\n"), Plain, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty file")
}

func TestOpen_StripsBOM(t *testing.T) {
	rd, err := Open(strings.NewReader("\ufeffNom,FE\nA,1\n"), Plain, Options{})
	require.NoError(t, err)
	assert.Equal(t, "Nom", rd.Header()[0])
}

func TestSkip_Resumes(t *testing.T) {
	input := "h\n1\n2\n3\n4\n"
	rd, err := Open(strings.NewReader(input), Plain, Options{})
	require.NoError(t, err)

	n, err := rd.Skip(2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	row, err := rd.Next()
	require.NoError(t, err)
	assert.Equal(t, 3, row.Line)
	assert.Equal(t, "3", row.Fields["h"])

	n, err = rd.Skip(10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStreamRows(t *testing.T) {
	rd, err := Open(strings.NewReader(sampleCSV), Plain, Options{})
	require.NoError(t, err)

	rowCh, errCh := StreamRows(context.Background(), rd)
	var rows []Row
	for r := range rowCh {
		rows = append(rows, r)
	}
	for err := range errCh {
		require.NoError(t, err)
	}
	assert.Len(t, rows, 3)
}

func TestStreamRows_Cancelled(t *testing.T) {
	rd, err := Open(strings.NewReader(sampleCSV), Plain, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rowCh, errCh := StreamRows(ctx, rd)
	for range rowCh {
	}
	err = <-errCh
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context cancelled")
}

func TestLineReader_CountLines(t *testing.T) {
	lr, err := NewLineReader(strings.NewReader("a\n\nb\r\nc"), Plain)
	require.NoError(t, err)
	n, err := lr.CountLines()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestNewLineReader_RejectsSpreadsheet(t *testing.T) {
	_, err := NewLineReader(strings.NewReader(""), Spreadsheet)
	assert.Error(t, err)
}

func buildXLSX(t *testing.T, rows [][]string) []byte {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Sheet1")
	require.NoError(t, err)
	for _, rowData := range rows {
		row := sheet.AddRow()
		for _, cellData := range rowData {
			row.AddCell().SetString(cellData)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return buf.Bytes()
}

func TestOpen_Spreadsheet(t *testing.T) {
	data := buildXLSX(t, [][]string{
		{"Nom", "FE", "Source"},
		{"Electricity", "0,057", "ADEME"},
		{"", "", ""},
		{"Gas", "0,2"},
	})

	rd, err := Open(bytes.NewReader(data), Spreadsheet, Options{})
	require.NoError(t, err)

	rows := readAll(t, rd)
	require.Len(t, rows, 2)
	assert.Equal(t, "ADEME", rows[0].Fields["Source"])
	// trailing empty cells are padded, not treated as a short row
	assert.Nil(t, rows[1].Err)
	assert.Equal(t, "", rows[1].Fields["Source"])
}
