package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bulkflow/pkg/types"
)

func TestNDJSONEncoder(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(types.FormatNDJSON, &buf, nil)
	require.NoError(t, err)

	require.NoError(t, enc.Encode(map[string]any{"b": 1.0, "a": "x"}))
	require.NoError(t, enc.Encode(map[string]any{"a": "y"}))
	require.NoError(t, enc.Close())

	// keys come out sorted, one object per line
	assert.Equal(t, "{\"a\":\"x\",\"b\":1}\n{\"a\":\"y\"}\n", buf.String())
}

func TestJSONArrayEncoder(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(types.FormatJSON, &buf, nil)
	require.NoError(t, err)

	require.NoError(t, enc.Encode(map[string]any{"n": 1.0}))
	require.NoError(t, enc.Encode(map[string]any{"n": 2.0}))
	require.NoError(t, enc.Close())

	assert.Equal(t, `[{"n":1},{"n":2}]`, buf.String())
}

func TestJSONArrayEncoderEmpty(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(types.FormatJSON, &buf, nil)
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	assert.Equal(t, "[]", buf.String())
}

func TestCSVEncoderFixedColumns(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(types.FormatCSV, &buf, []string{"email", "name", "active"})
	require.NoError(t, err)

	require.NoError(t, enc.Encode(map[string]any{
		"email":  "a@x.com",
		"name":   `Ada "The Countess", of Lovelace`,
		"active": true,
	}))
	require.NoError(t, enc.Encode(map[string]any{
		"email": "b@x.com",
		// name absent, active nil
		"active": nil,
	}))
	require.NoError(t, enc.Close())

	want := "email,name,active\n" +
		"a@x.com,\"Ada \"\"The Countess\"\", of Lovelace\",true\n" +
		"b@x.com,,\n"
	assert.Equal(t, want, buf.String())
}

func TestCSVEncoderInferredColumns(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(types.FormatCSV, &buf, nil)
	require.NoError(t, err)

	require.NoError(t, enc.Encode(map[string]any{"b": "2", "a": "1"}))
	require.NoError(t, enc.Close())

	// first record's keys, sorted, fix the header
	assert.Equal(t, "a,b\n1,2\n", buf.String())
}

func TestCSVEncoderStructuredValues(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(types.FormatCSV, &buf, []string{"tags", "count"})
	require.NoError(t, err)

	require.NoError(t, enc.Encode(map[string]any{
		"tags":  []string{"go", "db"},
		"count": 3.0,
	}))
	require.NoError(t, enc.Close())

	assert.Equal(t, "tags,count\n\"[\"\"go\"\",\"\"db\"\"]\",3\n", buf.String())
}
