package codec

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/ChuLiYu/bulkflow/pkg/types"
)

// Encoder consumes records and writes the chosen wire format. Close must be
// called to flush trailing output (the closing bracket for JSON arrays, the
// buffered rows for CSV).
type Encoder interface {
	Encode(rec map[string]any) error
	Close() error
}

// NewEncoder picks the encoder for a format. fields fixes the CSV column
// order; when nil the first record's keys, sorted, establish it. The other
// formats ignore fields (JSON object keys are always emitted sorted).
func NewEncoder(format types.FileFormat, w io.Writer, fields []string) (Encoder, error) {
	switch format {
	case types.FormatNDJSON:
		return &ndjsonEncoder{w: w}, nil
	case types.FormatJSON:
		return &jsonArrayEncoder{w: w}, nil
	case types.FormatCSV:
		return &csvEncoder{w: csv.NewWriter(w), fields: fields}, nil
	}
	return nil, fmt.Errorf("no encoder for format %q", format)
}

type ndjsonEncoder struct {
	w io.Writer
}

func (e *ndjsonEncoder) Encode(rec map[string]any) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = e.w.Write(append(b, '\n'))
	return err
}

func (e *ndjsonEncoder) Close() error { return nil }

type jsonArrayEncoder struct {
	w       io.Writer
	started bool
}

func (e *jsonArrayEncoder) Encode(rec map[string]any) error {
	sep := ","
	if !e.started {
		e.started = true
		sep = "["
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(e.w, sep); err != nil {
		return err
	}
	_, err = e.w.Write(b)
	return err
}

func (e *jsonArrayEncoder) Close() error {
	if !e.started {
		_, err := io.WriteString(e.w, "[]")
		return err
	}
	_, err := io.WriteString(e.w, "]")
	return err
}

// csvEncoder projects each record onto the header columns. Missing and nil
// values become empty strings; non-string scalars are formatted, anything
// structured is JSON-encoded. Quoting and escaping follow RFC 4180 via the
// stdlib writer.
type csvEncoder struct {
	w          *csv.Writer
	fields     []string
	headerDone bool
}

func (e *csvEncoder) Encode(rec map[string]any) error {
	if e.fields == nil {
		e.fields = make([]string, 0, len(rec))
		for k := range rec {
			e.fields = append(e.fields, k)
		}
		sort.Strings(e.fields)
	}
	if err := e.ensureHeader(); err != nil {
		return err
	}
	out := make([]string, len(e.fields))
	for i, f := range e.fields {
		out[i] = csvValue(rec[f])
	}
	return e.w.Write(out)
}

func (e *csvEncoder) ensureHeader() error {
	if e.headerDone {
		return nil
	}
	e.headerDone = true
	return e.w.Write(e.fields)
}

func (e *csvEncoder) Close() error {
	e.w.Flush()
	return e.w.Error()
}

func csvValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	case float64:
		b, _ := json.Marshal(x)
		return string(b)
	case int, int64:
		return fmt.Sprintf("%d", x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	}
}
