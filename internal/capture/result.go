// Package capture materializes the export CSV on disk. The binder handles
// the real browser download; the sniffer and transcoder are the fallback
// tiers when no download ever lands.
package capture

// Source names which tier produced an artifact.
type Source string

const (
	SourceDirectDownload Source = "direct-download"
	SourceNetworkSniff   Source = "network-sniff"
	SourceTableScrape    Source = "table-scrape"
)

// Result describes one materialized CSV artifact.
type Result struct {
	Path      string
	SizeBytes int64
	Source    Source
}
