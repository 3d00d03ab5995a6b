package capture

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/xkilldash9x/talon-cli/internal/config"
)

// Document is the one page capability the transcoder needs.
type Document interface {
	OuterHTML(ctx context.Context) (string, error)
}

// Transcoder rebuilds a CSV from the rendered earnings table. It is the
// last capture tier: lossier than a real export (no hidden columns, no
// pagination), but the rows on screen are better than nothing.
type Transcoder struct {
	cfg  config.CaptureConfig
	page Document
	log  *zap.Logger
}

func NewTranscoder(cfg config.CaptureConfig, page Document, logger *zap.Logger) *Transcoder {
	return &Transcoder{cfg: cfg, page: page, log: logger.Named("transcoder")}
}

// Transcode scrapes the largest table on the page into a CSV file. A page
// with no usable table is a clean miss, not an error.
func (t *Transcoder) Transcode(ctx context.Context) (*Result, bool, error) {
	html, err := t.page.OuterHTML(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("reading page for table scrape: %w", err)
	}

	rows, err := TranscodeTable(html)
	if err != nil {
		t.log.Debug("No usable table on page", zap.Error(err))
		return nil, false, nil
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return nil, false, fmt.Errorf("encoding scraped table: %w", err)
	}

	path, err := WriteExclusive(t.cfg.Dir, t.cfg.Prefix, time.Now(), buf.Bytes())
	if err != nil {
		return nil, false, err
	}
	t.log.Info("Scraped table materialized",
		zap.String("path", path),
		zap.Int("rows", len(rows)),
		zap.Int("columns", len(rows[0])),
	)
	return &Result{Path: path, SizeBytes: int64(buf.Len()), Source: SourceTableScrape}, true, nil
}

// TranscodeTable extracts the largest table from an HTML document and
// squares it off: every row is padded or truncated to the header width so
// the CSV downstream parses without ragged-row errors.
func TranscodeTable(html string) ([][]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parsing page: %w", err)
	}

	var best [][]string
	doc.Find(`table, [role="table"], [role="grid"]`).Each(func(_ int, table *goquery.Selection) {
		rows := extractRows(table)
		if len(rows) > len(best) {
			best = rows
		}
	})

	if len(best) < 2 {
		return nil, fmt.Errorf("no data table found")
	}

	width := len(best[0])
	for i, row := range best {
		best[i] = normalizeRow(row, width)
	}
	return best, nil
}

func extractRows(table *goquery.Selection) [][]string {
	var rows [][]string
	table.Find(`tr, [role="row"]`).Each(func(_ int, tr *goquery.Selection) {
		var cells []string
		empty := true
		tr.Find(`th, td, [role="columnheader"], [role="gridcell"], [role="cell"]`).Each(func(_ int, cell *goquery.Selection) {
			text := cleanCell(cell.Text())
			if text != "" {
				empty = false
			}
			cells = append(cells, text)
		})
		if len(cells) == 0 || empty {
			return
		}
		rows = append(rows, cells)
	})
	return rows
}

// cleanCell collapses runs of whitespace. Rendered cells carry the
// newlines and indent of their markup.
func cleanCell(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// normalizeRow pads or truncates a row to the given width.
func normalizeRow(row []string, width int) []string {
	out := make([]string, width)
	copy(out, row)
	return out
}
