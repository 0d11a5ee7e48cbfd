package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/bulkflow/pkg/types"
)

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "users.ndjson", SanitizeFilename("users.ndjson"))
	assert.Equal(t, "users.ndjson", SanitizeFilename("/tmp/batch/users.ndjson"))
	assert.Equal(t, "users.ndjson", SanitizeFilename(`C:\data\users.ndjson`))
	assert.Equal(t, "my_batch_file.csv", SanitizeFilename("my batch file.csv"))
	assert.Equal(t, "b_.csv", SanitizeFilename("a/../b?*.csv")) // path part dropped
}

func TestImportKey(t *testing.T) {
	id := uuid.New()
	day := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	key := ImportKey(day, id, "monthly batch.csv", types.FormatCSV)
	assert.Equal(t, fmt.Sprintf("imports/2026-08-24/%s/monthly_batch.csv", id), key)

	// nameless input still yields a usable key
	key = ImportKey(day, id, "", types.FormatNDJSON)
	assert.Equal(t, fmt.Sprintf("imports/2026-08-24/%s/import.ndjson", id), key)
}

func TestExportKey(t *testing.T) {
	id := uuid.New()
	day := time.Date(2026, 8, 24, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, fmt.Sprintf("exports/2026-08-24/%s/export.json", id),
		ExportKey(day, id, types.FormatJSON))
}
