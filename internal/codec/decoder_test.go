package codec

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bulkflow/pkg/types"
)

func collectRows(t *testing.T, dec Decoder) []Row {
	t.Helper()
	var rows []Row
	for {
		row, err := dec.Next()
		if err == io.EOF {
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func TestNDJSONDecoder(t *testing.T) {
	input := `{"email":"a@example.com"}

{"email":"b@example.com"}
{"email":"c@example.com"}`
	dec, err := NewDecoder(types.FormatNDJSON, strings.NewReader(input))
	require.NoError(t, err)

	rows := collectRows(t, dec)
	require.Len(t, rows, 3)
	// physical line numbers, blank line counted but not emitted
	assert.Equal(t, 1, rows[0].Line)
	assert.Equal(t, 3, rows[1].Line)
	assert.Equal(t, 4, rows[2].Line)
	assert.Equal(t, "c@example.com", rows[2].Record["email"])
}

func TestNDJSONDecoderBadLine(t *testing.T) {
	input := "{\"ok\":true}\nnot json\n{\"ok\":false}\n"
	dec := newNDJSONDecoder(strings.NewReader(input))

	rows := collectRows(t, dec)
	require.Len(t, rows, 3)
	assert.NoError(t, rows[0].Err)
	require.Error(t, rows[1].Err)
	assert.Equal(t, 2, rows[1].Line)
	assert.Nil(t, rows[1].Record)
	assert.NoError(t, rows[2].Err)
}

func TestNDJSONDecoderEmptyInput(t *testing.T) {
	dec := newNDJSONDecoder(strings.NewReader(""))
	_, err := dec.Next()
	assert.Equal(t, io.EOF, err)
}

func TestCSVDecoder(t *testing.T) {
	input := "email, name ,role\na@x.com, Ada ,admin\nb@x.com,Bo\n"
	dec, err := NewDecoder(types.FormatCSV, strings.NewReader(input))
	require.NoError(t, err)

	rows := collectRows(t, dec)
	require.Len(t, rows, 2)
	// data rows are numbered from 1, header excluded
	assert.Equal(t, 1, rows[0].Line)
	assert.Equal(t, "Ada", rows[0].Record["name"])
	assert.Equal(t, "admin", rows[0].Record["role"])

	// short row: missing trailing columns are simply absent
	assert.Equal(t, 2, rows[1].Line)
	_, ok := rows[1].Record["role"]
	assert.False(t, ok)
}

func TestCSVDecoderHeaderOnly(t *testing.T) {
	dec := newCSVDecoder(strings.NewReader("email,name\n"))
	_, err := dec.Next()
	assert.Equal(t, io.EOF, err)
}

func TestJSONArrayDecoder(t *testing.T) {
	input := `[{"slug":"one"},{"slug":"two"}]`
	dec, err := NewDecoder(types.FormatJSON, strings.NewReader(input))
	require.NoError(t, err)

	rows := collectRows(t, dec)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Line)
	assert.Equal(t, "two", rows[1].Record["slug"])
}

func TestJSONArrayDecoderEmpty(t *testing.T) {
	dec := newJSONArrayDecoder(strings.NewReader("[]"))
	_, err := dec.Next()
	assert.Equal(t, io.EOF, err)
}

func TestJSONArrayDecoderNotAnArray(t *testing.T) {
	dec := newJSONArrayDecoder(strings.NewReader(`{"slug":"one"}`))
	_, err := dec.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an array")
}

func TestNewDecoderUnknownFormat(t *testing.T) {
	_, err := NewDecoder(types.FileFormat("xml"), strings.NewReader(""))
	assert.Error(t, err)
}
