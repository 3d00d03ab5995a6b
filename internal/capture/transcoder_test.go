package capture

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/talon-cli/internal/config"
)

const earningsTableHTML = `<html><body>
<nav>
  <table>
    <tr><td>Home</td><td>Trips</td></tr>
    <tr><td>Inbox</td><td>Account</td></tr>
  </table>
</nav>
<main>
  <table class="earnings">
    <thead>
      <tr><th>Date</th><th>Trip</th><th>Gross</th><th>Net</th></tr>
    </thead>
    <tbody>
      <tr><td>2025-03-01</td><td>
        Tesla
        Model 3
      </td></tr>
      <tr><td>2025-03-04</td><td>Honda Civic</td><td>$210.00</td><td>$180.00</td></tr>
      <tr><td>2025-03-09</td><td>Jeep Wrangler</td><td>$340.00</td><td>$290.00</td><td>tip</td><td>extra</td></tr>
      <tr><td> </td><td></td></tr>
    </tbody>
  </table>
</main>
</body></html>`

const gridHTML = `<html><body>
<div role="grid">
  <div role="row"><span role="columnheader">Date</span><span role="columnheader">Amount</span></div>
  <div role="row"><span role="gridcell">2025-03-01</span><span role="gridcell">$120.00</span></div>
  <div role="row"><span role="gridcell">2025-03-02</span><span role="gridcell">$95.50</span></div>
</div>
</body></html>`

const tablelessHTML = `<html><body><p>Nothing to see here.</p></body></html>`

func TestTranscodeTableNormalizesRowWidths(t *testing.T) {
	rows, err := TranscodeTable(earningsTableHTML)
	require.NoError(t, err)
	require.Len(t, rows, 4, "blank row should be dropped")

	for i, row := range rows {
		assert.Len(t, row, 4, "row %d should match header width", i)
	}

	want := [][]string{
		{"Date", "Trip", "Gross", "Net"},
		{"2025-03-01", "Tesla Model 3", "", ""},
		{"2025-03-04", "Honda Civic", "$210.00", "$180.00"},
		{"2025-03-09", "Jeep Wrangler", "$340.00", "$290.00"},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("Normalized table mismatch. Diff:\n%s", diff)
	}
}

func TestTranscodeTablePicksLargestTable(t *testing.T) {
	rows, err := TranscodeTable(earningsTableHTML)
	require.NoError(t, err)
	assert.NotEqual(t, "Home", rows[0][0], "navigation table must lose to the data table")
}

func TestTranscodeTableReadsAriaGrid(t *testing.T) {
	rows, err := TranscodeTable(gridHTML)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"Date", "Amount"}, rows[0])
	assert.Equal(t, []string{"2025-03-02", "$95.50"}, rows[2])
}

func TestTranscodeTableRejectsHeaderOnlyTable(t *testing.T) {
	_, err := TranscodeTable(`<table><tr><th>Date</th><th>Amount</th></tr></table>`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no data table")
}

func TestTranscodeTableRejectsTablelessPage(t *testing.T) {
	_, err := TranscodeTable(tablelessHTML)
	require.Error(t, err)
}

type fakeDocument struct {
	html string
	err  error
}

func (f *fakeDocument) OuterHTML(context.Context) (string, error) {
	return f.html, f.err
}

func TestTranscodeWritesCSV(t *testing.T) {
	captures := t.TempDir()
	cfg := config.CaptureConfig{Dir: captures, Prefix: "turo_earnings"}
	tr := NewTranscoder(cfg, &fakeDocument{html: earningsTableHTML}, zaptest.NewLogger(t))

	res, ok, err := tr.Transcode(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, res)
	assert.Equal(t, SourceTableScrape, res.Source)
	assert.Greater(t, res.SizeBytes, int64(0))

	f, err := os.Open(res.Path)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err, "scraped output must parse as CSV without ragged rows")
	require.Len(t, records, 4)
	assert.Equal(t, []string{"Date", "Trip", "Gross", "Net"}, records[0])
}

func TestTranscodeMissesCleanly(t *testing.T) {
	cfg := config.CaptureConfig{Dir: t.TempDir(), Prefix: "turo_earnings"}
	tr := NewTranscoder(cfg, &fakeDocument{html: tablelessHTML}, zaptest.NewLogger(t))

	res, ok, err := tr.Transcode(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, res)
}

func TestTranscodePropagatesPageError(t *testing.T) {
	cfg := config.CaptureConfig{Dir: t.TempDir(), Prefix: "turo_earnings"}
	tr := NewTranscoder(cfg, &fakeDocument{err: errors.New("tab crashed")}, zaptest.NewLogger(t))

	_, _, err := tr.Transcode(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading page for table scrape")
}

func FuzzNormalizeRow(f *testing.F) {
	f.Add([]byte("date,trip,gross,net"))
	f.Fuzz(func(t *testing.T, data []byte) {
		fuzzConsumer := fuzz.NewConsumer(data)
		var input struct {
			Cells []string
			Width uint8
		}
		if err := fuzzConsumer.GenerateStruct(&input); err != nil {
			return
		}
		width := int(input.Width)%12 + 1

		out := normalizeRow(input.Cells, width)
		require.Len(t, out, width)
		for i := 0; i < width; i++ {
			if i < len(input.Cells) {
				assert.Equal(t, input.Cells[i], out[i])
			} else {
				assert.Equal(t, "", out[i])
			}
		}
	})
}

func FuzzTranscodeTable(f *testing.F) {
	f.Add(earningsTableHTML)
	f.Add(gridHTML)
	f.Add(tablelessHTML)
	f.Fuzz(func(t *testing.T, html string) {
		rows, err := TranscodeTable(html)
		if err != nil {
			return
		}
		// Whenever extraction succeeds the output must be rectangular.
		require.GreaterOrEqual(t, len(rows), 2)
		width := len(rows[0])
		for _, row := range rows {
			assert.Len(t, row, width)
		}
	})
}
