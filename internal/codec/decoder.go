// Package codec implements the bounded-memory streaming layer: the three
// wire-format decoders and encoders, plus the batching and accounting
// transforms the pipelines are built from. Decoders never hold more than
// one record (CSV, ndjson) or one array element (JSON) in memory.
package codec

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ChuLiYu/bulkflow/pkg/types"
)

// Row is one decoded input record. A per-row parse failure is carried in
// Err with Record nil; the pipeline records it and continues.
type Row struct {
	Line   int
	Record map[string]any
	Err    error
}

// Decoder yields rows one at a time. Next returns io.EOF after the last
// row; any other error is fatal for the whole file.
type Decoder interface {
	Next() (Row, error)
}

// NewDecoder picks the decoder for a format.
func NewDecoder(format types.FileFormat, r io.Reader) (Decoder, error) {
	switch format {
	case types.FormatNDJSON:
		return newNDJSONDecoder(r), nil
	case types.FormatCSV:
		return newCSVDecoder(r), nil
	case types.FormatJSON:
		return newJSONArrayDecoder(r), nil
	}
	return nil, fmt.Errorf("no decoder for format %q", format)
}

// ndjsonDecoder reads one JSON object per line. Physical line numbers start
// at 1; blank lines are skipped without emitting a row. A trailing line
// without a final newline is still decoded.
type ndjsonDecoder struct {
	r    *bufio.Reader
	line int
	done bool
}

func newNDJSONDecoder(r io.Reader) *ndjsonDecoder {
	return &ndjsonDecoder{r: bufio.NewReader(r)}
}

func (d *ndjsonDecoder) Next() (Row, error) {
	for {
		if d.done {
			return Row{}, io.EOF
		}
		raw, err := d.r.ReadString('\n')
		if errors.Is(err, io.EOF) {
			d.done = true
			if raw == "" {
				return Row{}, io.EOF
			}
		} else if err != nil {
			return Row{}, err
		}
		d.line++
		text := strings.TrimSpace(raw)
		if text == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return Row{Line: d.line, Err: fmt.Errorf("invalid JSON: %w", err)}, nil
		}
		return Row{Line: d.line, Record: rec}, nil
	}
}

// csvDecoder consumes the header row first, then turns each data row into
// a map keyed by header. Values stay raw strings, trimmed; rows are
// numbered from 1 at the first data row.
type csvDecoder struct {
	r       *csv.Reader
	header  []string
	row     int
	started bool
}

func newCSVDecoder(r io.Reader) *csvDecoder {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	return &csvDecoder{r: cr}
}

func (d *csvDecoder) Next() (Row, error) {
	if !d.started {
		d.started = true
		header, err := d.r.Read()
		if errors.Is(err, io.EOF) {
			return Row{}, io.EOF
		}
		if err != nil {
			return Row{}, fmt.Errorf("read CSV header: %w", err)
		}
		d.header = make([]string, len(header))
		for i, h := range header {
			d.header[i] = strings.TrimSpace(h)
		}
	}
	fields, err := d.r.Read()
	if errors.Is(err, io.EOF) {
		return Row{}, io.EOF
	}
	d.row++
	if err != nil {
		return Row{Line: d.row, Err: fmt.Errorf("invalid CSV row: %w", err)}, nil
	}
	rec := make(map[string]any, len(d.header))
	for i, h := range d.header {
		if i < len(fields) {
			rec[h] = strings.TrimSpace(fields[i])
		}
	}
	return Row{Line: d.row, Record: rec}, nil
}

// jsonArrayDecoder streams elements of a top-level JSON array using the
// token API, so the whole input is never buffered. Non-array input, or a
// malformed element, is fatal — there is no way to resynchronize.
type jsonArrayDecoder struct {
	dec     *json.Decoder
	index   int
	started bool
	done    bool
}

func newJSONArrayDecoder(r io.Reader) *jsonArrayDecoder {
	return &jsonArrayDecoder{dec: json.NewDecoder(r)}
}

func (d *jsonArrayDecoder) Next() (Row, error) {
	if d.done {
		return Row{}, io.EOF
	}
	if !d.started {
		d.started = true
		tok, err := d.dec.Token()
		if err != nil {
			return Row{}, fmt.Errorf("decode JSON: %w", err)
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			return Row{}, errors.New("decode JSON: input is not an array of objects")
		}
	}
	if !d.dec.More() {
		if _, err := d.dec.Token(); err != nil { // consume closing bracket
			return Row{}, fmt.Errorf("decode JSON: %w", err)
		}
		d.done = true
		return Row{}, io.EOF
	}
	d.index++
	var rec map[string]any
	if err := d.dec.Decode(&rec); err != nil {
		return Row{}, fmt.Errorf("decode JSON element %d: %w", d.index, err)
	}
	return Row{Line: d.index, Record: rec}, nil
}
