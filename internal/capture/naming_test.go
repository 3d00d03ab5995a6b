package capture

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilename(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	assert.Equal(t, "turo_earnings_20250314-092653.csv", Filename("turo_earnings", ts))
}

func TestFilenameConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	ts := time.Date(2025, 3, 14, 14, 26, 53, 0, loc)
	assert.Equal(t, "turo_earnings_20250314-092653.csv", Filename("turo_earnings", ts))
}

func TestWriteExclusiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	path, err := WriteExclusive(dir, "turo_earnings", ts, []byte("a,b\n1,2\n"))
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`turo_earnings_\d{8}-\d{6}\.csv$`), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))
}

func TestWriteExclusiveNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	first, err := WriteExclusive(dir, "turo_earnings", ts, []byte("first"))
	require.NoError(t, err)

	second, err := WriteExclusive(dir, "turo_earnings", ts, []byte("second"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, "turo_earnings_20250314-092653.csv", filepath.Base(first))
	assert.Equal(t, "turo_earnings_20250314-092653-2.csv", filepath.Base(second))

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	data, err = os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestWriteExclusiveCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "captures")
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	path, err := WriteExclusive(dir, "turo_earnings", ts, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
}
